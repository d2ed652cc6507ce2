package backend

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voicecall/internal/resilience"
)

// respondHandler serves Respond with canned replies
func respondHandler(t *testing.T, replies []map[string]any, fail error) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		if fail != nil {
			return fail
		}
		md, _ := metadata.FromIncomingContext(stream.Context())
		if auth := md.Get("authorization"); len(auth) != 1 || auth[0] != "Bearer tok" {
			t.Errorf("Expected bearer metadata, got %v", auth)
		}
		if req.GetFields()["text"].GetStringValue() != "hello" {
			t.Errorf("unexpected request %v", req)
		}
		for _, r := range replies {
			msg, err := structpb.NewStruct(r)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
		return nil
	}
}

func startServer(t *testing.T, handler grpc.StreamHandler) *GRPCBackend {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: ConversationService,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Respond",
			Handler:       handler,
			ServerStreams: true,
			ClientStreams: false,
		}},
	}, struct{}{})

	hs := health.NewServer()
	hs.SetServingStatus(ConversationService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	b, err := NewGRPCBackend("passthrough:///bufnet", false, func() string { return "tok" },
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestGRPCBackend_Stream(t *testing.T) {
	b := startServer(t, respondHandler(t, []map[string]any{
		{"text": "Good "},
		{"text": "morning."},
		{"text": "", "done": true},
		{"text": "after done"},
	}, nil))

	stream, err := b.Open(context.Background(), Request{Text: "hello", ConversationID: "c1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deltas, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(deltas, "") != "Good morning." {
		t.Errorf("unexpected deltas %q", deltas)
	}
}

func TestGRPCBackend_ErrorReply(t *testing.T) {
	b := startServer(t, respondHandler(t, []map[string]any{
		{"text": "Partial"},
		{"error": "model unavailable"},
	}, nil))

	stream, err := b.Open(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = readAll(t, stream)
	var be *BackendError
	if !errors.As(err, &be) || be.Message != "model unavailable" {
		t.Errorf("Expected BackendError, got %v", err)
	}
}

func TestGRPCBackend_StatusMapping(t *testing.T) {
	tests := []struct {
		name  string
		fail  error
		class resilience.ErrorClass
	}{
		{"unauthenticated", status.Error(codes.Unauthenticated, "expired"), resilience.ClassAuthentication},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "quota"), resilience.ClassRateLimited},
		{"invalid argument", status.Error(codes.InvalidArgument, "empty text"), resilience.ClassTerminal},
		{"unavailable", status.Error(codes.Unavailable, "restarting"), resilience.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := startServer(t, respondHandler(t, nil, tt.fail))

			stream, err := b.Open(context.Background(), Request{Text: "hello"})
			if err == nil {
				_, err = readAll(t, stream)
			}
			if got := resilience.Classify(err); got != tt.class {
				t.Errorf("Expected %v, got %v (%v)", tt.class, got, err)
			}
		})
	}
}

func TestGRPCBackend_HealthCheck(t *testing.T) {
	b := startServer(t, respondHandler(t, nil, nil))

	ok, err := b.HealthCheck(context.Background())
	if err != nil || !ok {
		t.Errorf("Expected serving, got %v %v", ok, err)
	}
}
