package faceid

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/stella/internal/domain"
)

// Defaults for the identity loop.
const (
	DefaultMaxAttempts = 3
	DefaultThreshold   = 0.8
)

// ErrTemplateNotFound is returned when no template is registered for a ref.
var ErrTemplateNotFound = errors.New("identity template not found")

// TemplateStore persists registered face templates.
type TemplateStore interface {
	SaveIdentity(ctx context.Context, t domain.IdentityTemplate) error
	GetIdentity(ctx context.Context, ref string) (domain.IdentityTemplate, error)
}

// Config tunes the identity loop.
type Config struct {
	MaxAttempts      int
	Threshold        float64
	AllowPinFallback bool
}

// Result is the outcome of a verification loop.
type Result struct {
	Matched  bool                           `json:"matched"`
	Attempts []domain.IdentityAttemptResult `json:"attempts"`
	// FallbackAllowed is set when matching failed and a PIN may be used instead.
	FallbackAllowed bool `json:"fallback_allowed"`
}

// Validator runs the bounded face-match loop.
type Validator struct {
	matcher   Matcher
	templates TemplateStore
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewValidator creates a validator. Invalid config values fall back to the defaults.
func NewValidator(m Matcher, templates TemplateStore, cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = DefaultThreshold
	}
	return &Validator{matcher: m, templates: templates, cfg: cfg, now: time.Now, logger: logger}
}

// Enroll captures the user's face and registers it, returning the template ref.
func (v *Validator) Enroll(ctx context.Context, userName string) (string, error) {
	embedding, err := v.matcher.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("capture face for %s: %w", userName, err)
	}
	now := v.now().UTC()
	t := domain.IdentityTemplate{
		Ref:        uuid.NewString(),
		UserName:   userName,
		Embedding:  embedding,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if err := v.templates.SaveIdentity(ctx, t); err != nil {
		return "", fmt.Errorf("save identity template: %w", err)
	}
	v.logger.Info("Face template registered", "user_name", userName, "identity_ref", t.Ref)
	return t.Ref, nil
}

// Verify captures and matches up to MaxAttempts times against the template
// ref. Capture and match errors count as failed attempts. A missing
// template fails without attempts.
func (v *Validator) Verify(ctx context.Context, ref string) Result {
	res := Result{}
	template, err := v.templates.GetIdentity(ctx, ref)
	if err != nil {
		v.logger.Warn("Identity template unavailable", "identity_ref", ref, "error", err)
		res.FallbackAllowed = v.cfg.AllowPinFallback
		return res
	}

	for n := 1; n <= v.cfg.MaxAttempts; n++ {
		if ctx.Err() != nil {
			break
		}
		attempt := v.attempt(ctx, n, template.Embedding)
		res.Attempts = append(res.Attempts, attempt)
		if attempt.Matched {
			res.Matched = true
			template.LastUsedAt = v.now().UTC()
			if err := v.templates.SaveIdentity(ctx, template); err != nil {
				v.logger.Warn("Failed to update identity template", "identity_ref", ref, "error", err)
			}
			return res
		}
	}

	res.FallbackAllowed = v.cfg.AllowPinFallback
	v.logger.Info("Face validation failed", "identity_ref", ref, "attempts", len(res.Attempts), "pin_fallback", res.FallbackAllowed)
	return res
}

func (v *Validator) attempt(ctx context.Context, n int, template []float32) domain.IdentityAttemptResult {
	out := domain.IdentityAttemptResult{AttemptNumber: n}
	embedding, err := v.matcher.Capture(ctx)
	if err != nil {
		v.logger.Warn("Face capture failed", "attempt", n, "error", err)
		return out
	}
	confidence, err := v.matcher.Match(ctx, embedding, template)
	if err != nil {
		v.logger.Warn("Face match failed", "attempt", n, "error", err)
		return out
	}
	out.Confidence = confidence
	out.Matched = confidence >= v.cfg.Threshold
	return out
}
