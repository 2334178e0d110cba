package domain

import (
	"time"
)

// Validation methods recorded on completed withdrawals.
const (
	ValidationFaceID      = "face_id"
	ValidationPinFallback = "pin_fallback"
)

// IdentityAttemptResult is the outcome of one face match attempt.
type IdentityAttemptResult struct {
	Matched       bool    `json:"matched"`
	Confidence    float64 `json:"confidence"`
	AttemptNumber int     `json:"attempt_number"`
}

// IdentityTemplate is a registered face template. Sessions refer to it by Ref.
type IdentityTemplate struct {
	Ref        string
	UserName   string
	Embedding  []float32
	CreatedAt  time.Time
	LastUsedAt time.Time
}
