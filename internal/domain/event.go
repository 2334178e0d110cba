package domain

import (
	"time"
)

// EventType names a notification published to the unit system.
type EventType string

const (
	EventAuthSuccess         EventType = "auth_success"
	EventAuthFailure         EventType = "auth_failure"
	EventAuthLockout         EventType = "auth_lockout"
	EventWithdrawalRequest   EventType = "withdrawal_request"
	EventWithdrawalTimeout   EventType = "withdrawal_timeout"
	EventWithdrawalCompleted EventType = "withdrawal_completed"
	EventWithdrawalCancelled EventType = "withdrawal_cancelled"
	EventValidationFailure   EventType = "validation_failure"
	EventStockRemove         EventType = "stock_remove"
)

// Event is a typed, idempotently consumable notification.
type Event struct {
	MessageID  string         `json:"message_id"`
	Type       EventType      `json:"event_type"`
	UnitID     string         `json:"unit_id"`
	SessionKey string         `json:"session_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data"`
}
