// Package interpret turns user utterances into structured interpretations.
//
// Rules is a deterministic keyword matcher and OracleBacked delegates to the
// external intent oracle. Both go through the same schema enforcement and
// stock post-processing.
package interpret

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/guard"
	"github.com/ashureev/stella/internal/stock"
)

// Interpreter classifies one utterance. It always returns an interpretation;
// failures are reported as IntentNotUnderstood.
type Interpreter interface {
	Interpret(ctx context.Context, text, sessionKey string, snap *stock.Snapshot) domain.Interpretation

	// Release drops any per-session conversational context.
	Release(sessionKey string)
}

// StockGuard is the subset of guard.Guard used during post-processing.
type StockGuard interface {
	CheckConfirm(ctx context.Context, items []domain.Item) guard.ConfirmResult
	Assess(ctx context.Context, items []domain.Item, snap *stock.Snapshot) (domain.RiskClass, string)
}

var _ StockGuard = (*guard.Guard)(nil)

// Config selects and tunes the strategy.
type Config struct {
	// Mock forces the rule-based strategy even when an oracle is available.
	Mock bool
	// HistoryTurns bounds the per-session transcript sent to the oracle.
	HistoryTurns int
	// Timeout bounds a single oracle call.
	Timeout time.Duration
}

// Deps are the collaborators shared by the strategies.
type Deps struct {
	Oracle Oracle
	Guard  StockGuard
	Logger *slog.Logger
}

// New returns the oracle-backed strategy when an oracle is configured and
// mocking is off, otherwise the rule-based one.
func New(cfg Config, deps Deps) Interpreter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Mock || deps.Oracle == nil {
		logger.Info("Using rule-based interpreter")
		return NewRules(deps.Guard, logger)
	}
	logger.Info("Using oracle-backed interpreter")
	return NewOracleBacked(deps.Oracle, deps.Guard, cfg.HistoryTurns, cfg.Timeout, logger)
}

const confirmFailedReply = "Não consegui confirmar a retirada. %s. Deseja ajustar a quantidade ou escolher outro item?"

// finish applies the post-processing shared by every strategy.
func finish(ctx context.Context, g StockGuard, in domain.Interpretation, snap *stock.Snapshot) domain.Interpretation {
	if in.Intent == domain.IntentWithdrawRequest && len(in.Items) > 0 {
		if summary := guard.CheckRequest(in.Items, snap).Summary(); summary != "" {
			in.Reply = strings.TrimSpace(in.Reply + " (Checagem de estoque: " + summary + ")")
		}
	}

	if g == nil {
		return in
	}

	isWithdraw := in.Intent == domain.IntentWithdrawRequest || in.Intent == domain.IntentWithdrawConfirm
	if isWithdraw && in.Risk == domain.RiskNormal && len(in.Items) > 0 {
		if risk, reason := g.Assess(ctx, in.Items, snap); risk != domain.RiskNormal {
			in.Risk = risk
			in.Reason = reason
		}
	}

	// A confirmation without items refers to the pending request; the
	// workflow re-checks it against fresh stock before it can proceed.
	if in.Intent == domain.IntentWithdrawConfirm && len(in.Items) > 0 {
		if res := g.CheckConfirm(ctx, in.Items); !res.OK {
			in.Intent = domain.IntentDoubt
			in.Risk = domain.RiskAmbiguous
			in.Reply = ConfirmFailedReply(res.Problems)
		}
	}
	return in
}

// ConfirmFailedReply explains why a confirmation was refused.
func ConfirmFailedReply(problems []string) string {
	return fmt.Sprintf(confirmFailedReply, strings.Join(problems, "; "))
}
