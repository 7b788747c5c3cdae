package llm

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/ashureev/shsh-pilot/internal/agent"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// modelServer replies to every Stream call with chunks.
type modelServer struct {
	chunks []map[string]any
	got    chan *structpb.Struct
}

func (m *modelServer) handle(_ any, stream grpc.ServerStream) error {
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	m.got <- req
	for _, c := range m.chunks {
		msg, err := structpb.NewStruct(c)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func startModelServer(t *testing.T, m *modelServer) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: modelServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Stream",
			Handler:       m.handle,
			ServerStreams: true,
		}},
	}, struct{}{})
	hs := health.NewServer()
	hs.SetServingStatus(modelServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGRPCClient(GRPCConfig{
		Address: "passthrough:///bufnet",
		Model:   "default-model",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewGRPCClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestGRPCClientStream(t *testing.T) {
	m := &modelServer{
		chunks: []map[string]any{{"delta": "Hello "}, {"delta": ""}, {"delta": `JSON:{"done":true}`}},
		got:    make(chan *structpb.Struct, 1),
	}
	client := startModelServer(t, m)

	text, err := collect(client.Stream(context.Background(), agent.ModelRequest{SessionID: "s1", Prompt: "hi", MaxTokens: 64}))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if text != `Hello JSON:{"done":true}` {
		t.Fatalf("unexpected text %q", text)
	}

	req := <-m.got
	fields := req.GetFields()
	if fields["session_id"].GetStringValue() != "s1" || fields["model"].GetStringValue() != "default-model" {
		t.Fatalf("unexpected request %v", req)
	}
	if fields["max_tokens"].GetNumberValue() != 64 {
		t.Fatalf("unexpected max_tokens %v", fields["max_tokens"])
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestGRPCClientStreamError(t *testing.T) {
	m := &modelServer{
		chunks: []map[string]any{{"delta": "partial"}, {"error": "model overloaded"}},
		got:    make(chan *structpb.Struct, 1),
	}
	client := startModelServer(t, m)

	text, err := collect(client.Stream(context.Background(), agent.ModelRequest{Prompt: "hi"}))
	if !errors.Is(err, ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if text != "partial" {
		t.Fatalf("expected deltas before the error, got %q", text)
	}
}
