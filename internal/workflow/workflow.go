// Package workflow drives a session through authentication, withdrawal
// request, stock confirmation and identity validation.
//
// Every operation locks the session only to read or mutate its state and
// releases the lock around calls to the PIN verifier, the stock guard, the
// face matcher and the notification bus. After re-acquiring the lock it checks
// that the session is still live and that the pending request it started with
// is still the one in place. Illegal transitions are logged no-ops that
// return a Result with OK set to false.
package workflow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/faceid"
	"github.com/ashureev/stella/internal/guard"
	"github.com/ashureev/stella/internal/interpret"
	"github.com/ashureev/stella/internal/notify"
	"github.com/ashureev/stella/internal/realtime"
	"github.com/ashureev/stella/internal/session"
	"github.com/ashureev/stella/internal/stock"
)

// Input validation errors. Messages failing validation never reach the
// interpreter or the state machine.
var (
	ErrEmptyText   = errors.New("message text is empty")
	ErrTextTooLong = errors.New("message text is too long")
)

// Defaults used when Config leaves a field unset.
const (
	DefaultMaxPINAttempts      = 3
	DefaultLockout             = 30 * time.Minute
	DefaultConfirmationTimeout = 10 * time.Minute
	DefaultMaxTextLength       = 1000
)

// StockGuard is the part of guard.Guard the workflow depends on.
type StockGuard interface {
	CheckConfirm(ctx context.Context, items []domain.Item) guard.ConfirmResult
	Outliers(ctx context.Context, items []domain.Item) []guard.Outlier
}

// IdentityValidator registers and verifies face templates.
type IdentityValidator interface {
	Enroll(ctx context.Context, userName string) (string, error)
	Verify(ctx context.Context, ref string) faceid.Result
}

// PINChecker verifies the unit PIN.
type PINChecker interface {
	Check(pin string) bool
}

// HistoryRecorder stores committed withdrawals for usage averages.
type HistoryRecorder interface {
	RecordWithdrawal(ctx context.Context, records []domain.WithdrawalRecord) error
}

var (
	_ StockGuard        = (*guard.Guard)(nil)
	_ IdentityValidator = (*faceid.Validator)(nil)
)

// Config tunes the workflow.
type Config struct {
	UnitID              string
	MaxPINAttempts      int
	Lockout             time.Duration
	ConfirmationTimeout time.Duration
	MaxTextLength       int
	// AllowPinFallback applies when no identity validator is configured.
	AllowPinFallback bool
}

// Deps are the workflow collaborators. Identity, History and Channel are optional.
type Deps struct {
	Registry    *session.Registry
	Interpreter interpret.Interpreter
	Guard       StockGuard
	Stock       stock.Source
	PIN         PINChecker
	Bus         notify.Bus
	Identity    IdentityValidator
	History     HistoryRecorder
	Channel     realtime.Channel
	Logger      *slog.Logger
}

// Result is the outcome of one workflow operation.
type Result struct {
	OK          bool                `json:"ok"`
	State       domain.SessionState `json:"state"`
	Reply       string              `json:"reply,omitempty"`
	Risk        domain.RiskClass    `json:"stella_analysis,omitempty"`
	Problems    []string            `json:"problems,omitempty"`
	AwaitingPIN bool                `json:"awaiting_pin,omitempty"`
	Identity    *faceid.Result      `json:"identity,omitempty"`
}

// Workflow is the withdrawal state machine.
type Workflow struct {
	cfg      Config
	registry *session.Registry
	interp   interpret.Interpreter
	guard    StockGuard
	stock    stock.Source
	pin      PINChecker
	bus      notify.Bus
	identity IdentityValidator
	history  HistoryRecorder
	channel  realtime.Channel
	logger   *slog.Logger
}

// New creates a workflow and registers its session end hook, which releases
// the interpreter context and closes out any withdrawal the session held.
func New(cfg Config, deps Deps) *Workflow {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPINAttempts <= 0 {
		cfg.MaxPINAttempts = DefaultMaxPINAttempts
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = DefaultLockout
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}

	w := &Workflow{
		cfg:      cfg,
		registry: deps.Registry,
		interp:   deps.Interpreter,
		guard:    deps.Guard,
		stock:    deps.Stock,
		pin:      deps.PIN,
		bus:      deps.Bus,
		identity: deps.Identity,
		history:  deps.History,
		channel:  deps.Channel,
		logger:   logger,
	}
	w.registry.OnEnd(w.sessionEnded)
	return w
}

// sessionEnded publishes the closing event for a request discarded with its
// session. Idle eviction counts as a timeout; every other end is a cancellation.
func (w *Workflow) sessionEnded(s *domain.Session, reason session.EndReason) {
	if w.interp != nil {
		w.interp.Release(s.Key)
	}

	s.Lock()
	req := s.Discarded()
	user := s.UserName
	s.Unlock()
	if req == nil {
		return
	}

	ctx := context.Background()
	if reason == session.EndExpired {
		w.logger.Info("Withdrawal request timed out with session", "session_id", s.Key, "request_id", req.ID)
		w.publish(ctx, s.Key, domain.EventWithdrawalTimeout, map[string]any{
			"user_name":       user,
			"request_id":      req.ID,
			"requested_items": itemQuantities(req.Items),
			"timeout_reason":  "session_expired",
			"timeout_minutes": int(w.cfg.ConfirmationTimeout.Minutes()),
		})
		return
	}
	w.logger.Info("Withdrawal cancelled with session", "session_id", s.Key, "request_id", req.ID, "reason", reason)
	w.publish(ctx, s.Key, domain.EventWithdrawalCancelled, map[string]any{
		"user_name":       user,
		"request_id":      req.ID,
		"requested_items": itemQuantities(req.Items),
		"status":          string(domain.OutcomeCancelled),
		"end_reason":      string(reason),
	})
}

func (w *Workflow) now() time.Time {
	return w.registry.Now()
}

// acquire returns the session for key and makes it the active one, then
// applies lazy lockout expiry and request timeout.
func (w *Workflow) acquire(ctx context.Context, key string) (*domain.Session, error) {
	s, err := w.registry.Acquire(key, nil)
	if err != nil {
		return nil, err
	}
	w.refresh(ctx, s)
	return s, nil
}

// refresh applies the time-based transitions. It reports whether a pending
// request timed out.
func (w *Workflow) refresh(ctx context.Context, s *domain.Session) bool {
	now := w.now()

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return false
	}
	if s.State == domain.StateLocked && !now.Before(s.LockedUntil) {
		s.State = domain.StateIdle
		s.PinAttempts = 0
		s.LockedUntil = time.Time{}
		w.logger.Info("Lockout elapsed", "session_id", s.Key)
	}
	var expired *domain.WithdrawalRequest
	if s.State == domain.StateRequestingWithdrawal && s.Pending != nil &&
		s.Pending.ExpiredAt(now, w.cfg.ConfirmationTimeout) {
		req := s.Pending.Clone()
		expired = &req
		s.Pending = nil
		s.State = domain.StateAuthenticated
	}
	user := s.UserName
	s.Unlock()

	if expired == nil {
		return false
	}
	w.logger.Info("Withdrawal request timed out", "session_id", s.Key, "request_id", expired.ID)
	w.publish(ctx, s.Key, domain.EventWithdrawalTimeout, map[string]any{
		"user_name":       user,
		"request_id":      expired.ID,
		"requested_items": itemQuantities(expired.Items),
		"timeout_reason":  "no_confirmation_within_time_limit",
		"timeout_minutes": int(w.cfg.ConfirmationTimeout.Minutes()),
	})
	return true
}

// ExpireStale applies lockout expiry and request timeouts to every live
// session and returns how many requests timed out.
func (w *Workflow) ExpireStale(ctx context.Context) int {
	n := 0
	for _, key := range w.registry.Keys() {
		s, ok := w.registry.Get(key)
		if !ok {
			continue
		}
		if w.refresh(ctx, s) {
			n++
		}
	}
	return n
}

// Start makes key the active session, creating it when needed.
func (w *Workflow) Start(ctx context.Context, key string) (domain.SessionView, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return domain.SessionView{}, err
	}
	s.Lock()
	defer s.Unlock()
	return s.View(), nil
}

// Session returns a view of the live session for key.
func (w *Workflow) Session(ctx context.Context, key string) (domain.SessionView, bool) {
	s, ok := w.registry.Get(key)
	if !ok {
		return domain.SessionView{}, false
	}
	w.refresh(ctx, s)
	s.Lock()
	defer s.Unlock()
	if s.Ended() {
		return domain.SessionView{}, false
	}
	return s.View(), true
}

// End removes the session for key, discarding any pending withdrawal.
func (w *Workflow) End(key string) bool {
	return w.registry.End(key)
}

func (w *Workflow) publish(ctx context.Context, key string, t domain.EventType, data map[string]any) {
	if w.bus == nil {
		return
	}
	e := notify.NewEvent(w.cfg.UnitID, key, t, data, w.now())
	if err := w.bus.Publish(ctx, e); err != nil {
		w.logger.Error("Failed to publish event", "event_type", t, "session_id", key, "error", err)
	}
}

func (w *Workflow) illegal(s *domain.Session, op string) Result {
	w.logger.Warn("Illegal transition", "session_id", s.Key, "operation", op, "state", s.State)
	return Result{State: s.State, Reply: replyNotAllowed}
}

func itemKey(it domain.Item) string {
	if key := stock.NormalizeKey(it.ProductKey); key != "" {
		return key
	}
	return stock.NormalizeKey(it.ProductName)
}

// mergeItems sums lines naming the same product. The first line of each
// product keeps its position and names.
func mergeItems(items []domain.Item) []domain.Item {
	out := make([]domain.Item, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		key := itemKey(it)
		if i, ok := index[key]; ok {
			out[i].Quantity += it.Quantity
			if out[i].ProductName == "" {
				out[i].ProductName = it.ProductName
			}
			continue
		}
		index[key] = len(out)
		out = append(out, it)
	}
	return out
}

func itemQuantities(items []domain.Item) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[itemKey(it)] += it.Quantity
	}
	return out
}
