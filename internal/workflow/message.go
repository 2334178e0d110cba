package workflow

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/interpret"
	"github.com/ashureev/stella/internal/realtime"
	"github.com/ashureev/stella/internal/stock"
)

var cancelWords = map[string]struct{}{
	"cancelar": {},
	"cancela":  {},
	"cancele":  {},
	"desistir": {},
	"desisto":  {},
}

// Outcome is what one inbound message produced.
type Outcome struct {
	Reply          string                `json:"reply"`
	Interpretation domain.Interpretation `json:"interpretation"`
	Result         *Result               `json:"result,omitempty"`
	Session        domain.SessionView    `json:"session"`
}

// ValidateText trims text and checks it against the length limit.
func (w *Workflow) ValidateText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(text) > w.cfg.MaxTextLength {
		return "", ErrTextTooLong
	}
	return text, nil
}

// HandleMessage interprets one utterance for the session key, applies the
// transition its intent calls for, and pushes the outcome to the session's
// realtime client.
func (w *Workflow) HandleMessage(ctx context.Context, key, text string) (Outcome, error) {
	text, err := w.ValidateText(text)
	if err != nil {
		return Outcome{}, err
	}
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	if isCancel(text) && hasPending(s) {
		res := w.cancel(ctx, s)
		out = Outcome{
			Reply:          res.Reply,
			Interpretation: domain.Interpretation{Intent: domain.IntentNormal, Items: []domain.Item{}, Reply: res.Reply, Risk: domain.RiskNormal},
			Result:         &res,
		}
	} else {
		snap, err := w.stock.Load(ctx)
		if err != nil {
			w.logger.Warn("Stock snapshot unavailable, interpreting without stock", "session_id", key, "error", err)
			snap = stock.Empty(w.now())
		}
		in := w.interp.Interpret(ctx, text, key, snap)
		out = w.route(ctx, s, in)
	}

	s.Lock()
	out.Session = s.View()
	s.Unlock()

	w.push(ctx, key, out)
	return out, nil
}

func (w *Workflow) route(ctx context.Context, s *domain.Session, in domain.Interpretation) Outcome {
	out := Outcome{Reply: in.Reply, Interpretation: in}

	var res Result
	switch in.Intent {
	case domain.IntentWithdrawRequest:
		if len(in.Items) == 0 {
			return out
		}
		res = w.submit(ctx, s, in.Items)
	case domain.IntentWithdrawConfirm:
		if len(in.Items) > 0 && !hasPending(s) {
			if res = w.submit(ctx, s, in.Items); !res.OK {
				break
			}
		}
		res = w.confirm(ctx, s)
		if !res.OK {
			out.Interpretation.Intent = domain.IntentDoubt
			out.Interpretation.Risk = domain.RiskAmbiguous
			out.Interpretation.Reply = res.Reply
		}
	default:
		return out
	}

	out.Result = &res
	if !res.OK && res.Reply != "" {
		out.Reply = res.Reply
	}
	return out
}

func (w *Workflow) push(ctx context.Context, key string, out Outcome) {
	if w.channel == nil {
		return
	}
	in := out.Interpretation
	view := out.Session
	err := w.channel.Push(ctx, key, realtime.Message{
		Type:           realtime.TypeInterpretation,
		Reply:          out.Reply,
		Interpretation: &in,
		Session:        &view,
	})
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		w.logger.Debug("No realtime client for session", "session_id", key)
	default:
		w.logger.Warn("Failed to push outcome", "session_id", key, "error", err)
	}
}

func isCancel(text string) bool {
	for _, tok := range interpret.Tokens(text) {
		if _, ok := cancelWords[tok]; ok {
			return true
		}
	}
	return false
}

func hasPending(s *domain.Session) bool {
	s.Lock()
	defer s.Unlock()
	return s.Pending != nil
}
