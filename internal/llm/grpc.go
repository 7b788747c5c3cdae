package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-pilot/internal/agent"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// Model stream RPC. Requests and chunks are google.protobuf.Struct values:
// the request carries session_id, prompt, model and max_tokens; each chunk
// carries either a "delta" string or an "error" string.
const (
	modelServiceName  = "shsh.model.v1.ModelService"
	modelStreamMethod = "/" + modelServiceName + "/Stream"
)

var modelStreamDesc = grpc.StreamDesc{StreamName: "Stream", ServerStreams: true}

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for the gRPC model client.
type GRPCConfig struct {
	Address          string
	Model            string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   2 * time.Minute,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCClient streams completions from a model service over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GRPCConfig
	logger *slog.Logger
}

// NewGRPCClient connects to the model service and waits until the
// connection is ready so a bad endpoint fails at startup.
func NewGRPCClient(cfg GRPCConfig, logger *slog.Logger) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGRPCConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model service", "address", cfg.Address)
	return &GRPCClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the model service with the standard health protocol.
func (c *GRPCClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: modelServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health check failed: %s", resp.GetStatus())
	}
	return nil
}

// Stream implements agent.ModelClient.
func (c *GRPCClient) Stream(ctx context.Context, req agent.ModelRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		model := req.Model
		if model == "" {
			model = c.cfg.Model
		}
		msg, err := structpb.NewStruct(map[string]any{
			"session_id": req.SessionID,
			"prompt":     req.Prompt,
			"model":      model,
			"max_tokens": req.MaxTokens,
		})
		if err != nil {
			yield("", fmt.Errorf("encode request: %w", err))
			return
		}

		stream, err := c.conn.NewStream(ctx, &modelStreamDesc, modelStreamMethod)
		if err != nil {
			yield("", fmt.Errorf("model stream failed to start: %w", err))
			return
		}
		if err := stream.SendMsg(msg); err != nil {
			yield("", fmt.Errorf("send model request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield("", fmt.Errorf("close model request: %w", err))
			return
		}

		for {
			chunk := &structpb.Struct{}
			err := stream.RecvMsg(chunk)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Error("model stream error", "session_id", req.SessionID, "error", err)
				yield("", fmt.Errorf("model stream error: %w", err))
				return
			}

			fields := chunk.GetFields()
			if msg := fields["error"].GetStringValue(); msg != "" {
				yield("", fmt.Errorf("%w: %s", ErrProvider, msg))
				return
			}
			delta := fields["delta"].GetStringValue()
			if delta == "" {
				continue
			}
			if !yield(delta, nil) {
				return
			}
		}
	}
}
