package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "FRONTEND_URL", "ALLOWED_ORIGINS", "MODEL_PROVIDER", "TYPING_SPEED", "REDIS_ADDR"} {
		t.Setenv(key, "")
	}
	t.Setenv("PORT", "8080")
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("TYPING_SPEED", "75ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 10 || cfg.Agent.Marker != "JSON:" || cfg.Agent.OutputLimit != 4000 {
		t.Fatalf("unexpected agent defaults %+v", cfg.Agent)
	}
	if cfg.Container.TypingSpeed != 75*time.Millisecond || cfg.Container.IdleTTL != time.Hour {
		t.Fatalf("unexpected container defaults %+v", cfg.Container)
	}
	if cfg.SSE.ReplayTTL != time.Hour {
		t.Fatalf("unexpected replay ttl %v", cfg.SSE.ReplayTTL)
	}
	if cfg.Redis.Addr != "" {
		t.Fatalf("redis should be disabled, got %q", cfg.Redis.Addr)
	}
	if got := cfg.Origins(); !reflect.DeepEqual(got, []string{"*"}) {
		t.Fatalf("development origins = %v", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("FRONTEND_URL", "https://pilot.example.com")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, ,https://b.example.com")
	t.Setenv("MODEL_PROVIDER", "GRPC")
	t.Setenv("MODEL_GRPC_ADDR", "model:50051")
	t.Setenv("AGENT_MAX_STEPS", "3")
	t.Setenv("SSE_KEEPALIVE_INTERVAL", "30s")
	t.Setenv("AUDIT_ENABLED", "off")
	t.Setenv("TYPING_SPEED", "0s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Model.Provider != ProviderGRPC || cfg.Model.GRPCAddr != "model:50051" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Agent.MaxSteps != 3 || cfg.SSE.KeepaliveInterval != 30*time.Second || cfg.Audit.Enabled {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Container.TypingSpeed != 0 {
		t.Fatalf("TypingSpeed = %v, want 0", cfg.Container.TypingSpeed)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if !reflect.DeepEqual(cfg.Origins(), want) {
		t.Fatalf("Origins = %v, want %v", cfg.Origins(), want)
	}
	if cfg.IsDevelopment() {
		t.Fatal("expected production mode")
	}
}

func TestLoadFallsBackOnMalformedValues(t *testing.T) {
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("AGENT_MAX_STEPS", "many")
	t.Setenv("MODEL_TIMEOUT", "soon")
	t.Setenv("TYPING_SPEED", "75ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.MaxSteps != 10 || cfg.Model.Timeout != 2*time.Minute {
		t.Fatalf("expected defaults, got steps=%d timeout=%v", cfg.Agent.MaxSteps, cfg.Model.Timeout)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:               "8080",
			DBPath:             "pilot.db",
			LogLevel:           "info",
			MaxRequestBodySize: 1024,
			Model:              ModelConfig{Provider: ProviderOpenAI, BaseURL: "http://model", Name: "m"},
			Agent:              AgentConfig{MaxSteps: 1, Marker: "JSON:", OutputLimit: 10},
			SSE:                SSEConfig{ReplaySize: 1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"provider", func(c *Config) { c.Model.Provider = "anthropic" }, "MODEL_PROVIDER"},
		{"grpc address", func(c *Config) { c.Model.Provider, c.Model.GRPCAddr = ProviderGRPC, "" }, "MODEL_GRPC_ADDR"},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
		{"marker", func(c *Config) { c.Agent.Marker = " " }, "AGENT_PAYLOAD_MARKER"},
		{"steps", func(c *Config) { c.Agent.MaxSteps = 0 }, "AGENT_MAX_STEPS"},
		{"audit queue", func(c *Config) { c.Audit = AuditConfig{Enabled: true} }, "AUDIT_QUEUE_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
