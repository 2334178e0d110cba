package interpret

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/oracle"
	"github.com/ashureev/stella/internal/stock"
)

// ErrorReply is the reply used when the oracle cannot be reached or answers
// with something that is not an interpretation.
const ErrorReply = "Houve um erro no processamento. Pode repetir sua solicitação?"

// Oracle returns the raw model text for a request.
type Oracle interface {
	Interpret(ctx context.Context, req oracle.Request) (string, error)
}

var _ Oracle = (*oracle.Client)(nil)

// OracleBacked interprets utterances with the external intent oracle.
type OracleBacked struct {
	oracle  Oracle
	guard   StockGuard
	history *Transcripts
	timeout time.Duration
	logger  *slog.Logger
}

// NewOracleBacked creates the oracle strategy. historyTurns bounds the
// transcript kept per session.
func NewOracleBacked(o Oracle, g StockGuard, historyTurns int, timeout time.Duration, logger *slog.Logger) *OracleBacked {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OracleBacked{
		oracle:  o,
		guard:   g,
		history: NewTranscripts(historyTurns),
		timeout: timeout,
		logger:  logger,
	}
}

// Interpret asks the oracle to classify text against snap.
func (o *OracleBacked) Interpret(ctx context.Context, text, sessionKey string, snap *stock.Snapshot) domain.Interpretation {
	req := oracle.Request{
		SessionID:    sessionKey,
		Text:         text,
		StockContext: stock.FormatContext(snap),
		History:      o.history.History(sessionKey),
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	raw, err := o.oracle.Interpret(callCtx, req)
	cancel()
	if err != nil {
		o.logger.Error("Oracle call failed", "session_id", sessionKey, "error", err)
		return errorInterpretation()
	}

	in, err := Decode(raw, snap)
	if err != nil {
		o.logger.Error("Invalid oracle response", "session_id", sessionKey, "error", err, "text", raw)
		return errorInterpretation()
	}
	o.history.Append(sessionKey,
		oracle.Turn{Role: "user", Text: text},
		oracle.Turn{Role: "model", Text: raw},
	)

	out := finish(ctx, o.guard, in, snap)
	o.logger.Info("Utterance interpreted",
		"session_id", sessionKey,
		"intention", out.Intent,
		"stella_analysis", out.Risk,
		"items", len(out.Items))
	return out
}

// Release drops the transcript for sessionKey.
func (o *OracleBacked) Release(sessionKey string) {
	o.history.Release(sessionKey)
}

func errorInterpretation() domain.Interpretation {
	return domain.Interpretation{
		Intent: domain.IntentNotUnderstood,
		Items:  []domain.Item{},
		Reply:  ErrorReply,
		Risk:   domain.RiskNotUnderstood,
	}
}

var _ Interpreter = (*OracleBacked)(nil)
