package backend

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/voicecall/internal/resilience"
)

const (
	// ConversationService is the gRPC service name of the conversational
	// backend
	ConversationService = "voicecall.v1.Conversation"
	respondMethod       = "/" + ConversationService + "/Respond"
)

// RespondStreamDesc describes the server-streaming Respond method. Requests
// and replies are google.protobuf.Struct messages: the request carries
// text, conversation_id and user_id; replies carry text, done and error.
var RespondStreamDesc = &grpc.StreamDesc{
	StreamName:    "Respond",
	ServerStreams: true,
}

// GRPCBackend streams replies from a gRPC conversational backend
type GRPCBackend struct {
	target string
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	token  func() string
}

// NewGRPCBackend creates a client for target. The connection is
// established lazily on the first call.
func NewGRPCBackend(target string, tlsEnabled bool, token func() string, opts ...grpc.DialOption) (*GRPCBackend, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	if tlsEnabled {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}

	log.Info().Str("target", target).Bool("tls", tlsEnabled).Msg("Conversation backend client created")
	return &GRPCBackend{
		target: target,
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		token:  token,
	}, nil
}

func (b *GRPCBackend) Name() string {
	return "grpc"
}

// Open sends the request and waits for the server's response headers
func (b *GRPCBackend) Open(ctx context.Context, req Request) (Stream, error) {
	if b.token != nil {
		if token := b.token(); token != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
		}
	}

	msg, err := structpb.NewStruct(map[string]any{
		"text":            req.Text,
		"conversation_id": req.ConversationID,
		"user_id":         req.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	cs, err := b.conn.NewStream(ctx, RespondStreamDesc, respondMethod)
	if err != nil {
		return nil, grpcError(err)
	}
	if err := cs.SendMsg(msg); err != nil {
		return nil, grpcError(err)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, grpcError(err)
	}
	if _, err := cs.Header(); err != nil {
		return nil, grpcError(err)
	}

	return &grpcStream{cs: cs}, nil
}

// HealthCheck reports whether the backend serves the conversation service
func (b *GRPCBackend) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := b.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ConversationService})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (b *GRPCBackend) Close() error {
	return b.conn.Close()
}

type grpcStream struct {
	cs   grpc.ClientStream
	done bool
}

func (s *grpcStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		reply := &structpb.Struct{}
		if err := s.cs.RecvMsg(reply); err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", grpcError(err)
		}

		fields := reply.GetFields()
		if message := fields["error"].GetStringValue(); message != "" {
			s.done = true
			return "", &BackendError{Backend: "grpc", Message: message}
		}
		text := fields["text"].GetStringValue()
		if fields["done"].GetBoolValue() {
			s.done = true
		}
		if text != "" {
			return text, nil
		}
	}
}

// Close is a no-op; the stream ends with its context
func (s *grpcStream) Close() error {
	return nil
}

// grpcError maps status codes onto the retry classes
func grpcError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", resilience.ErrAuthentication, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", resilience.ErrRateLimited, st.Message())
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.Unimplemented:
		return resilience.NewStatusError("backend", 400, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}
