// Package domain contains core domain types for the Stella withdrawal assistant.
package domain

import (
	"sync"
	"time"
)

// SessionState is the position of a session in the withdrawal workflow.
type SessionState string

const (
	StateIdle                 SessionState = "idle"
	StateAuthenticating       SessionState = "authenticating"
	StateAuthenticated        SessionState = "authenticated"
	StateRequestingWithdrawal SessionState = "requesting_withdrawal"
	StateValidatingWithdrawal SessionState = "validating_withdrawal"
	StateLocked               SessionState = "locked"
)

// Outcome is how a withdrawal request left the workflow.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
)

// Session holds one user's conversational context and workflow state.
//
// Fields are guarded by the session lock. Callers must hold Lock while reading
// or writing them and must not hold it across calls to external services.
type Session struct {
	Key                 string
	State               SessionState
	UserName            string
	IdentityRef         string
	PinAttempts         int
	IdentityAttempts    int
	LockedUntil         time.Time
	AwaitingPinFallback bool
	CreatedAt           time.Time
	LastActivityAt      time.Time
	Pending             *WithdrawalRequest

	mu        sync.Mutex
	ended     bool
	discarded *WithdrawalRequest
}

// NewSession returns an idle session for key.
func NewSession(key string, now time.Time) *Session {
	return &Session{
		Key:            key,
		State:          StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// Lock acquires the per-session writer lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the per-session writer lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// MarkEnded flags the session as removed from its registry and discards any
// pending withdrawal, keeping it for Discarded. Caller must hold the lock.
func (s *Session) MarkEnded() {
	if !s.ended {
		s.discarded = s.Pending
	}
	s.ended = true
	s.Pending = nil
	s.AwaitingPinFallback = false
}

// Discarded returns the withdrawal that was pending when the session ended,
// or nil. Caller must hold the lock.
func (s *Session) Discarded() *WithdrawalRequest {
	return s.discarded
}

// Ended reports whether the session was removed from its registry.
// Caller must hold the lock.
func (s *Session) Ended() bool {
	return s.ended
}

// Consistent reports whether a pending withdrawal only exists in the
// requesting or validating states. Caller must hold the lock.
func (s *Session) Consistent() bool {
	if s.Pending == nil {
		return !s.AwaitingPinFallback
	}
	return s.State == StateRequestingWithdrawal || s.State == StateValidatingWithdrawal
}

// IsLocked reports whether the session is inside an active PIN lockout at now.
func (s *Session) IsLocked(now time.Time) bool {
	return s.State == StateLocked && now.Before(s.LockedUntil)
}

// View returns a copy of the session that is safe to serialize.
// Caller must hold the lock.
func (s *Session) View() SessionView {
	v := SessionView{
		SessionID:           s.Key,
		State:               s.State,
		UserName:            s.UserName,
		PinAttempts:         s.PinAttempts,
		IdentityAttempts:    s.IdentityAttempts,
		AwaitingPinFallback: s.AwaitingPinFallback,
		CreatedAt:           s.CreatedAt,
		LastActivityAt:      s.LastActivityAt,
	}
	if !s.LockedUntil.IsZero() && s.State == StateLocked {
		t := s.LockedUntil
		v.LockedUntil = &t
	}
	if s.Pending != nil {
		p := s.Pending.Clone()
		v.Pending = &p
	}
	return v
}

// SessionView is a read-only snapshot of a Session.
type SessionView struct {
	SessionID           string             `json:"session_id"`
	State               SessionState       `json:"state"`
	UserName            string             `json:"user_name,omitempty"`
	PinAttempts         int                `json:"pin_attempts"`
	IdentityAttempts    int                `json:"identity_attempts"`
	AwaitingPinFallback bool               `json:"awaiting_pin_fallback"`
	LockedUntil         *time.Time         `json:"locked_until,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	LastActivityAt      time.Time          `json:"last_activity_at"`
	Pending             *WithdrawalRequest `json:"pending_withdrawal,omitempty"`
}
