package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/faceid"
	"github.com/ashureev/stella/internal/guard"
	"github.com/ashureev/stella/internal/interpret"
)

const (
	replyNotAllowed       = "Essa operação não é possível agora."
	replySessionEnded     = "A sessão foi encerrada. Inicie uma nova conversa."
	replyRequestChanged   = "A solicitação foi alterada enquanto eu verificava. Pode repetir?"
	replyAskItems         = "Quais itens você deseja retirar?"
	replyNeedAuth         = "Você precisa se autenticar antes de solicitar uma retirada."
	replyPendingExists    = "Já existe uma retirada em andamento. Confirme ou cancele antes de fazer outra."
	replyNoPending        = "Não há retirada pendente para confirmar."
	replyValidateIdentity = "Confirmação recebida. Vamos validar sua identidade."
	replyAskPIN           = "Não consegui confirmar sua identidade. Digite seu PIN para concluir a retirada."
	replyRejected         = "Não foi possível validar sua identidade. A retirada foi cancelada."
	replyCancelled        = "Retirada cancelada."
)

// Authenticate verifies the unit PIN and registers the user's face.
// Allowed from Idle and Authenticating. Reaching MaxPINAttempts failures
// locks the session for the lockout duration.
func (w *Workflow) Authenticate(ctx context.Context, key, userName, pin string) (Result, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}
	now := w.now()

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}, nil
	}
	if s.IsLocked(now) {
		res := lockedResult(s.LockedUntil, now)
		s.Unlock()
		return res, nil
	}
	if s.State != domain.StateIdle && s.State != domain.StateAuthenticating {
		res := w.illegal(s, "authenticate")
		s.Unlock()
		return res, nil
	}
	s.State = domain.StateAuthenticating
	if name := strings.TrimSpace(userName); name != "" {
		s.UserName = name
	}
	user := s.UserName
	s.Unlock()

	var ref string
	reason := ""
	if !w.pin.Check(pin) {
		reason = "invalid_pin"
	} else if w.identity != nil {
		ref, err = w.identity.Enroll(ctx, user)
		if err != nil {
			w.logger.Warn("Identity capture failed", "session_id", key, "error", err)
			reason = "identity_capture_failed"
		}
	}

	if reason != "" {
		return w.authFailed(ctx, s, reason), nil
	}

	s.Lock()
	if s.Ended() || s.State != domain.StateAuthenticating {
		res := Result{State: s.State, Reply: replySessionEnded}
		s.Unlock()
		return res, nil
	}
	s.State = domain.StateAuthenticated
	s.IdentityRef = ref
	s.PinAttempts = 0
	s.Unlock()

	w.logger.Info("User authenticated", "session_id", key, "user_name", user)
	w.publish(ctx, key, domain.EventAuthSuccess, map[string]any{
		"user_name":   user,
		"auth_method": "face_id_and_pin",
	})
	return Result{
		OK:    true,
		State: domain.StateAuthenticated,
		Reply: welcomeReply(user),
	}, nil
}

func (w *Workflow) authFailed(ctx context.Context, s *domain.Session, reason string) Result {
	now := w.now()

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}
	}
	if s.IsLocked(now) {
		res := lockedResult(s.LockedUntil, now)
		s.Unlock()
		return res
	}
	s.PinAttempts++
	attempts := s.PinAttempts
	locked := attempts >= w.cfg.MaxPINAttempts
	if locked {
		s.State = domain.StateLocked
		s.LockedUntil = now.Add(w.cfg.Lockout)
	}
	state, until := s.State, s.LockedUntil
	s.Unlock()

	w.logger.Warn("Authentication failed", "session_id", s.Key, "attempts", attempts, "reason", reason)
	w.publish(ctx, s.Key, domain.EventAuthFailure, map[string]any{
		"attempts":             attempts,
		"reason":               reason,
		"max_attempts_reached": locked,
	})

	if !locked {
		return Result{
			State: state,
			Reply: fmt.Sprintf("PIN ou identificação inválidos. Tentativas restantes: %d.", w.cfg.MaxPINAttempts-attempts),
		}
	}

	minutes := int(w.cfg.Lockout.Minutes())
	w.logger.Warn("Session locked", "session_id", s.Key, "locked_until", until)
	w.publish(ctx, s.Key, domain.EventAuthLockout, map[string]any{
		"lockout_duration_minutes": minutes,
		"locked_until":             until.UTC(),
		"message":                  fmt.Sprintf("Sistema bloqueado por %d minutos devido a tentativas excessivas", minutes),
	})
	return lockedResult(until, now)
}

func lockedResult(until, now time.Time) Result {
	minutes := int(until.Sub(now).Round(time.Minute).Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return Result{
		State: domain.StateLocked,
		Reply: fmt.Sprintf("Sistema bloqueado. Tente novamente em %d minuto(s).", minutes),
	}
}

func welcomeReply(user string) string {
	if user == "" {
		return "Autenticação concluída. O que deseja retirar?"
	}
	return fmt.Sprintf("Autenticação concluída. Olá, %s! O que deseja retirar?", user)
}

// SubmitItems opens a withdrawal request. Allowed from Authenticated when no
// request is pending; a second request is rejected, never merged. Lines
// naming the same product are combined into one.
func (w *Workflow) SubmitItems(ctx context.Context, key string, items []domain.Item) (Result, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return w.submit(ctx, s, items), nil
}

func (w *Workflow) submit(ctx context.Context, s *domain.Session, items []domain.Item) Result {
	valid := make([]domain.Item, 0, len(items))
	for _, it := range items {
		if it.Quantity <= 0 || (it.ProductKey == "" && it.ProductName == "") {
			continue
		}
		valid = append(valid, it)
	}
	rejected := len(valid) == 0 || len(valid) != len(items)
	valid = mergeItems(valid)

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}
	}
	if rejected {
		res := Result{State: s.State, Reply: replyAskItems}
		s.Unlock()
		return res
	}
	switch {
	case s.Pending != nil:
		res := Result{State: s.State, Reply: replyPendingExists}
		s.Unlock()
		w.logger.Info("Withdrawal rejected, request already pending", "session_id", s.Key)
		return res
	case s.State != domain.StateAuthenticated:
		res := w.illegal(s, "submit_items")
		if s.State == domain.StateIdle || s.State == domain.StateAuthenticating {
			res.Reply = replyNeedAuth
		}
		s.Unlock()
		return res
	}
	req := &domain.WithdrawalRequest{
		ID:          uuid.NewString(),
		Items:       append([]domain.Item(nil), valid...),
		RequestedBy: s.UserName,
		CreatedAt:   w.now(),
	}
	if req.RequestedBy == "" {
		req.RequestedBy = s.Key
	}
	s.Pending = req
	s.State = domain.StateRequestingWithdrawal
	user := s.UserName
	s.Unlock()

	outliers := []guard.Outlier{}
	if w.guard != nil {
		if found := w.guard.Outliers(ctx, valid); len(found) > 0 {
			outliers = found
		}
	}

	w.logger.Info("Withdrawal requested", "session_id", s.Key, "request_id", req.ID, "items", len(valid))
	w.publish(ctx, s.Key, domain.EventWithdrawalRequest, map[string]any{
		"user_name":         user,
		"request_id":        req.ID,
		"requested_items":   itemQuantities(valid),
		"outliers_detected": outliers,
		"status":            "pending_confirmation",
	})
	return Result{
		OK:    true,
		State: domain.StateRequestingWithdrawal,
		Reply: fmt.Sprintf("Solicitação registrada: %s. Confirme se estiver tudo certo.", describe(valid)),
	}
}

// Confirm moves a pending request to identity validation when a fresh stock
// check passes. Otherwise the request stays pending with an ambiguous risk.
func (w *Workflow) Confirm(ctx context.Context, key string) (Result, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return w.confirm(ctx, s), nil
}

func (w *Workflow) confirm(ctx context.Context, s *domain.Session) Result {
	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}
	}
	if s.State != domain.StateRequestingWithdrawal || s.Pending == nil {
		res := w.illegal(s, "confirm")
		if s.Pending == nil {
			res.Reply = replyNoPending
		}
		s.Unlock()
		return res
	}
	pending := s.Pending
	items := append([]domain.Item(nil), pending.Items...)
	s.Unlock()

	check := w.guard.CheckConfirm(ctx, items)

	s.Lock()
	defer s.Unlock()
	if s.Ended() {
		return Result{Reply: replySessionEnded}
	}
	if s.Pending != pending || s.State != domain.StateRequestingWithdrawal {
		return Result{State: s.State, Reply: replyRequestChanged}
	}
	if !check.OK {
		w.logger.Info("Withdrawal confirmation refused", "session_id", s.Key, "request_id", pending.ID, "problems", len(check.Problems))
		return Result{
			State:    domain.StateRequestingWithdrawal,
			Risk:     domain.RiskAmbiguous,
			Reply:    interpret.ConfirmFailedReply(check.Problems),
			Problems: check.Problems,
		}
	}
	pending.Confirmed = true
	s.State = domain.StateValidatingWithdrawal
	s.IdentityAttempts = 0
	s.AwaitingPinFallback = false
	w.logger.Info("Withdrawal confirmed, validating identity", "session_id", s.Key, "request_id", pending.ID)
	return Result{OK: true, State: domain.StateValidatingWithdrawal, Reply: replyValidateIdentity}
}

// ConfirmIdentity runs the face validation loop for a confirmed request.
// A match commits the withdrawal. When matching fails the request either
// waits for the fallback PIN or, without fallback, is rejected.
func (w *Workflow) ConfirmIdentity(ctx context.Context, key string) (Result, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}, nil
	}
	if s.State != domain.StateValidatingWithdrawal || s.Pending == nil || s.AwaitingPinFallback {
		res := w.illegal(s, "confirm_identity")
		s.Unlock()
		return res, nil
	}
	pending := s.Pending
	ref := s.IdentityRef
	s.Unlock()

	var verdict faceid.Result
	if w.identity != nil {
		verdict = w.identity.Verify(ctx, ref)
	} else {
		verdict.FallbackAllowed = w.cfg.AllowPinFallback
	}

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}, nil
	}
	if s.Pending != pending || s.State != domain.StateValidatingWithdrawal {
		res := Result{State: s.State, Reply: replyRequestChanged}
		s.Unlock()
		return res, nil
	}
	s.IdentityAttempts += len(verdict.Attempts)

	switch {
	case verdict.Matched:
		c := closeLocked(s)
		s.Unlock()
		w.afterCommit(ctx, s.Key, c, domain.ValidationFaceID)
		return Result{OK: true, State: domain.StateAuthenticated, Reply: completedReply(c.req.Items), Identity: &verdict}, nil
	case verdict.FallbackAllowed:
		s.AwaitingPinFallback = true
		s.Unlock()
		w.logger.Info("Face validation failed, awaiting PIN fallback", "session_id", s.Key, "request_id", pending.ID)
		return Result{State: domain.StateValidatingWithdrawal, Reply: replyAskPIN, AwaitingPIN: true, Identity: &verdict}, nil
	default:
		c := closeLocked(s)
		s.Unlock()
		w.afterReject(ctx, s.Key, c, "face_id_failed")
		return Result{State: domain.StateAuthenticated, Reply: replyRejected, Identity: &verdict}, nil
	}
}

// SubmitFallbackPIN completes a request waiting for the fallback PIN. A
// wrong PIN rejects the request and counts as a failed PIN attempt, so
// MaxPINAttempts wrong fallback PINs lock the session.
func (w *Workflow) SubmitFallbackPIN(ctx context.Context, key, pin string) (Result, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}, nil
	}
	if s.State != domain.StateValidatingWithdrawal || s.Pending == nil || !s.AwaitingPinFallback {
		res := w.illegal(s, "fallback_pin")
		s.Unlock()
		return res, nil
	}
	pending := s.Pending
	s.Unlock()

	matched := w.pin.Check(pin)

	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}, nil
	}
	if s.Pending != pending || !s.AwaitingPinFallback {
		res := Result{State: s.State, Reply: replyRequestChanged}
		s.Unlock()
		return res, nil
	}
	if matched {
		s.PinAttempts = 0
		c := closeLocked(s)
		s.Unlock()
		w.afterCommit(ctx, s.Key, c, domain.ValidationPinFallback)
		return Result{OK: true, State: domain.StateAuthenticated, Reply: completedReply(c.req.Items)}, nil
	}
	c := closeLocked(s)
	s.Unlock()
	w.afterReject(ctx, s.Key, c, "pin_fallback_failed")

	res := w.authFailed(ctx, s, "invalid_fallback_pin")
	if res.State != domain.StateLocked {
		res.Reply = replyRejected
	}
	return res, nil
}

// Cancel discards the pending request of a requesting or validating session.
func (w *Workflow) Cancel(ctx context.Context, key string) (Result, error) {
	s, err := w.acquire(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return w.cancel(ctx, s), nil
}

func (w *Workflow) cancel(ctx context.Context, s *domain.Session) Result {
	s.Lock()
	if s.Ended() {
		s.Unlock()
		return Result{Reply: replySessionEnded}
	}
	if s.Pending == nil ||
		(s.State != domain.StateRequestingWithdrawal && s.State != domain.StateValidatingWithdrawal) {
		res := w.illegal(s, "cancel")
		s.Unlock()
		return res
	}
	req := s.Pending.Clone()
	user := s.UserName
	s.Pending = nil
	s.AwaitingPinFallback = false
	s.State = domain.StateAuthenticated
	s.Unlock()

	w.logger.Info("Withdrawal cancelled", "session_id", s.Key, "request_id", req.ID)
	w.publish(ctx, s.Key, domain.EventWithdrawalCancelled, map[string]any{
		"user_name":       user,
		"request_id":      req.ID,
		"requested_items": itemQuantities(req.Items),
		"status":          string(domain.OutcomeCancelled),
	})
	return Result{OK: true, State: domain.StateAuthenticated, Reply: replyCancelled}
}

// closed is a request that left the session, with the user it belonged to.
type closed struct {
	req  domain.WithdrawalRequest
	user string
}

// closeLocked takes the pending request off the session and returns it to
// Authenticated. Caller must hold the lock.
func closeLocked(s *domain.Session) closed {
	c := closed{req: s.Pending.Clone(), user: s.UserName}
	s.Pending = nil
	s.AwaitingPinFallback = false
	s.IdentityAttempts = 0
	s.State = domain.StateAuthenticated
	return c
}

func (w *Workflow) afterCommit(ctx context.Context, key string, c closed, method string) {
	w.logger.Info("Withdrawal completed", "session_id", key, "request_id", c.req.ID, "validation_method", method)
	w.publish(ctx, key, domain.EventWithdrawalCompleted, map[string]any{
		"user_name":         c.user,
		"request_id":        c.req.ID,
		"withdrawn_items":   itemQuantities(c.req.Items),
		"validation_method": method,
		"status":            string(domain.OutcomeCompleted),
	})
	w.publish(ctx, key, domain.EventStockRemove, map[string]any{
		"itens":      c.req.Items,
		"withdrawBy": key,
	})

	if w.history == nil {
		return
	}
	completedAt := w.now().UTC()
	records := make([]domain.WithdrawalRecord, 0, len(c.req.Items))
	for _, it := range c.req.Items {
		productKey := itemKey(it)
		if productKey == "" {
			continue
		}
		records = append(records, domain.WithdrawalRecord{
			RequestID:        c.req.ID,
			SessionKey:       key,
			ProductKey:       productKey,
			Quantity:         it.Quantity,
			UserName:         c.user,
			ValidationMethod: method,
			CompletedAt:      completedAt,
		})
	}
	if err := w.history.RecordWithdrawal(ctx, records); err != nil {
		w.logger.Error("Failed to record withdrawal history", "session_id", key, "request_id", c.req.ID, "error", err)
	}
}

func (w *Workflow) afterReject(ctx context.Context, key string, c closed, reason string) {
	w.logger.Warn("Withdrawal rejected", "session_id", key, "request_id", c.req.ID, "reason", reason)
	w.publish(ctx, key, domain.EventValidationFailure, map[string]any{
		"user_name":       c.user,
		"request_id":      c.req.ID,
		"requested_items": itemQuantities(c.req.Items),
		"failure_reason":  reason,
		"status":          "validation_failed",
	})
}

func describe(items []domain.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		name := it.ProductName
		if name == "" {
			name = it.ProductKey
		}
		parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, name))
	}
	return strings.Join(parts, ", ")
}

func completedReply(items []domain.Item) string {
	return fmt.Sprintf("Retirada de %s confirmada. Obrigada!", describe(items))
}
