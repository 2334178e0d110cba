// Package oracle is the gRPC client for the intent oracle, the external model
// that classifies user utterances.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/stella/internal/rpc"
)

// ServiceName is the gRPC service name, also used for health checks.
const ServiceName = "stella.v1.IntentOracle"

const interpretMethod = "/" + ServiceName + "/Interpret"

var errEmptyResponse = errors.New("oracle returned an empty response")

// Turn is one message of a conversation transcript.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request is what the oracle receives for one utterance.
type Request struct {
	SessionID    string
	Text         string
	StockContext string
	History      []Turn
}

// Client calls the intent oracle over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *slog.Logger
}

// Dial connects to the oracle at cfg.Address.
func Dial(ctx context.Context, cfg rpc.Config, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := rpc.Dial(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("intent oracle: %w", err)
	}
	return NewClient(conn, timeout, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{conn: conn, timeout: timeout, logger: logger}
}

// Interpret sends req and returns the raw model text. The service may answer
// with a single "payload" string field or with the JSON fields themselves.
func (c *Client) Interpret(ctx context.Context, req Request) (string, error) {
	history := make([]any, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, map[string]any{"role": t.Role, "text": t.Text})
	}
	in, err := structpb.NewStruct(map[string]any{
		"session_id":    req.SessionID,
		"text":          req.Text,
		"stock_context": req.StockContext,
		"history":       history,
	})
	if err != nil {
		return "", fmt.Errorf("build oracle request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	start := time.Now()
	if err := c.conn.Invoke(ctx, interpretMethod, in, out); err != nil {
		return "", fmt.Errorf("oracle interpret: %w", err)
	}
	c.logger.Debug("Oracle responded", "session_id", req.SessionID, "duration", time.Since(start))

	if v, ok := out.GetFields()["payload"]; ok {
		if s, isString := v.GetKind().(*structpb.Value_StringValue); isString {
			if s.StringValue == "" {
				return "", errEmptyResponse
			}
			return s.StringValue, nil
		}
	}
	if len(out.GetFields()) == 0 {
		return "", errEmptyResponse
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return "", fmt.Errorf("encode oracle response: %w", err)
	}
	return string(raw), nil
}

// Health checks that the oracle is serving.
func (c *Client) Health(ctx context.Context) error {
	return rpc.Health(ctx, c.conn, ServiceName)
}

// Close closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close oracle connection", "error", err)
		}
	}
}
