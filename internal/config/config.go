// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Model providers.
const (
	ProviderOpenAI = "openai"
	ProviderGRPC   = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	FrontendURL        string
	AllowedOrigins     []string
	DBPath             string
	LogLevel           string
	MaxRequestBodySize int64
	ActionRateLimit    int // actions per minute per client; 0 disables
	Model              ModelConfig
	Agent              AgentConfig
	Redis              RedisConfig
	SSE                SSEConfig
	Audit              AuditConfig
	Container          ContainerConfig
}

// ModelConfig selects and configures the model backend.
type ModelConfig struct {
	Provider  string
	BaseURL   string
	APIKey    string
	Name      string
	GRPCAddr  string
	OutputCap int
	Timeout   time.Duration
}

// AgentConfig tunes the orchestration engine.
type AgentConfig struct {
	MaxSteps    int
	Marker      string
	OutputLimit int
	PolicyPath  string
}

// RedisConfig enables the Redis event publisher when Addr is set.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

// SSEConfig tunes the event stream.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	ReplaySize        int
	// ReplayTTL drops replay buffers of sessions nobody has watched for
	// this long; zero keeps them until the target is reclaimed.
	ReplayTTL time.Duration
}

// AuditConfig controls the SQLite event audit trail.
type AuditConfig struct {
	Enabled   bool
	QueueSize int
	Retention time.Duration
}

// ContainerConfig controls session target containers.
type ContainerConfig struct {
	Runtime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	Image   string
	IdleTTL time.Duration
	// TypingSpeed is the per-keystroke delay for interactive commands.
	TypingSpeed time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontend := getEnv("FRONTEND_URL", "")
	origins := getEnvList("ALLOWED_ORIGINS")
	if len(origins) == 0 && frontend != "" {
		origins = []string{frontend}
	}

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		FrontendURL:        frontend,
		AllowedOrigins:     origins,
		DBPath:             getEnv("DB_PATH", "./data/pilot.db"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		ActionRateLimit:    getEnvInt("ACTION_RATE_LIMIT", 60),
		Model: ModelConfig{
			Provider:  strings.ToLower(getEnv("MODEL_PROVIDER", ProviderOpenAI)),
			BaseURL:   getEnv("MODEL_BASE_URL", "https://api.openai.com/v1"),
			APIKey:    getEnv("MODEL_API_KEY", ""),
			Name:      getEnv("MODEL_NAME", "gpt-4o-mini"),
			GRPCAddr:  getEnv("MODEL_GRPC_ADDR", "localhost:50051"),
			OutputCap: getEnvInt("MODEL_OUTPUT_CAP", 1024),
			Timeout:   getEnvDuration("MODEL_TIMEOUT", 2*time.Minute),
		},
		Agent: AgentConfig{
			MaxSteps:    getEnvInt("AGENT_MAX_STEPS", 10),
			Marker:      getEnv("AGENT_PAYLOAD_MARKER", "JSON:"),
			OutputLimit: getEnvInt("AGENT_OUTPUT_LIMIT", 4000),
			PolicyPath:  getEnv("AGENT_POLICY_PATH", ""),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "shsh-pilot:events"),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
			ReplaySize:        getEnvInt("SSE_REPLAY_SIZE", 256),
			ReplayTTL:         getEnvDuration("SSE_REPLAY_TTL", time.Hour),
		},
		Audit: AuditConfig{
			Enabled:   getEnvBool("AUDIT_ENABLED", true),
			QueueSize: getEnvInt("AUDIT_QUEUE_SIZE", 1000),
			Retention: getEnvDuration("AUDIT_RETENTION", 7*24*time.Hour),
		},
		Container: ContainerConfig{
			Runtime:     getEnv("CONTAINER_RUNTIME", ""),
			Image:       getEnv("CONTAINER_IMAGE", ""),
			IdleTTL:     getEnvDuration("TARGET_IDLE_TTL", 60*time.Minute),
			TypingSpeed: getEnvDuration("TYPING_SPEED", 75*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}
	switch c.Model.Provider {
	case ProviderOpenAI:
		if c.Model.BaseURL == "" {
			return errors.New("MODEL_BASE_URL cannot be empty")
		}
	case ProviderGRPC:
		if c.Model.GRPCAddr == "" {
			return errors.New("MODEL_GRPC_ADDR cannot be empty")
		}
	default:
		return fmt.Errorf("MODEL_PROVIDER %q is not one of openai, grpc", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return errors.New("MODEL_NAME cannot be empty")
	}
	if c.Agent.MaxSteps <= 0 {
		return errors.New("AGENT_MAX_STEPS must be > 0")
	}
	if strings.TrimSpace(c.Agent.Marker) == "" {
		return errors.New("AGENT_PAYLOAD_MARKER cannot be empty")
	}
	if c.Agent.OutputLimit <= 0 {
		return errors.New("AGENT_OUTPUT_LIMIT must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return errors.New("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ActionRateLimit < 0 {
		return errors.New("ACTION_RATE_LIMIT cannot be negative")
	}
	if c.SSE.ReplaySize <= 0 {
		return errors.New("SSE_REPLAY_SIZE must be > 0")
	}
	if c.Audit.Enabled && c.Audit.QueueSize <= 0 {
		return errors.New("AUDIT_QUEUE_SIZE must be > 0")
	}
	if c.Container.TypingSpeed < 0 {
		return errors.New("TYPING_SPEED cannot be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// Origins returns the origins browsers may call from. Development mode
// without an explicit list allows any origin.
func (c *Config) Origins() []string {
	if len(c.AllowedOrigins) == 0 && c.IsDevelopment() {
		return []string{"*"}
	}
	return c.AllowedOrigins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvList splits a comma-separated variable, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
