// Package faceid confirms a user's identity with face matching before a
// withdrawal is committed.
package faceid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/stella/internal/rpc"
)

// ServiceName is the gRPC face matcher service, also used for health checks.
const ServiceName = "stella.v1.FaceMatcher"

const (
	captureMethod = "/" + ServiceName + "/Capture"
	matchMethod   = "/" + ServiceName + "/Match"
)

var errNoEmbedding = errors.New("face matcher returned no embedding")

// Matcher captures face embeddings and scores them against templates.
type Matcher interface {
	Capture(ctx context.Context) ([]float32, error)
	Match(ctx context.Context, embedding, template []float32) (float64, error)
}

// GrpcMatcher talks to the face matcher service.
type GrpcMatcher struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// DialMatcher connects to the face matcher at cfg.Address.
func DialMatcher(ctx context.Context, cfg rpc.Config, timeout time.Duration, logger *slog.Logger) (*GrpcMatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := rpc.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("face matcher: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GrpcMatcher{conn: conn, timeout: timeout, logger: logger}, nil
}

// Capture asks the service for an embedding of the face currently in front
// of the camera.
func (m *GrpcMatcher) Capture(ctx context.Context) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, captureMethod, &structpb.Struct{}, out); err != nil {
		return nil, fmt.Errorf("face capture: %w", err)
	}
	list := out.GetFields()["embedding"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, errNoEmbedding
	}
	embedding := make([]float32, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		embedding = append(embedding, float32(v.GetNumberValue()))
	}
	return embedding, nil
}

// Match scores embedding against template. The service returns a confidence
// in [0, 1].
func (m *GrpcMatcher) Match(ctx context.Context, embedding, template []float32) (float64, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"embedding": floatList(embedding),
		"template":  floatList(template),
	}}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := m.conn.Invoke(ctx, matchMethod, in, out); err != nil {
		return 0, fmt.Errorf("face match: %w", err)
	}
	return out.GetFields()["confidence"].GetNumberValue(), nil
}

// Health checks that the matcher is serving.
func (m *GrpcMatcher) Health(ctx context.Context) error {
	return rpc.Health(ctx, m.conn, ServiceName)
}

// Close closes the connection.
func (m *GrpcMatcher) Close() {
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			m.logger.Warn("failed to close face matcher connection", "error", err)
		}
	}
}

func floatList(fs []float32) *structpb.Value {
	values := make([]*structpb.Value, 0, len(fs))
	for _, f := range fs {
		values = append(values, structpb.NewNumberValue(float64(f)))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

// FixedMatcher is a development matcher that always captures the same
// embedding and reports a fixed confidence.
type FixedMatcher struct {
	Confidence float64
}

// Capture returns a constant embedding.
func (f FixedMatcher) Capture(context.Context) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

// Match returns the configured confidence.
func (f FixedMatcher) Match(context.Context, []float32, []float32) (float64, error) {
	return f.Confidence, nil
}

var (
	_ Matcher = (*GrpcMatcher)(nil)
	_ Matcher = FixedMatcher{}
)
