// Package pin verifies unit PINs against a bcrypt hash.
package pin

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultLength is the expected number of PIN digits.
const DefaultLength = 6

// ErrInvalidFormat is returned for PINs of the wrong length or with non-digits.
var ErrInvalidFormat = errors.New("invalid PIN format")

// ValidateFormat checks that pin has exactly length digits.
func ValidateFormat(pin string, length int) error {
	if length > 0 && len(pin) != length {
		return fmt.Errorf("%w: PIN must have %d digits", ErrInvalidFormat, length)
	}
	if pin == "" {
		return fmt.Errorf("%w: PIN is empty", ErrInvalidFormat)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("%w: PIN must contain only digits", ErrInvalidFormat)
		}
	}
	return nil
}

// Hash returns the bcrypt hash of pin.
func Hash(pin string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pin), cost)
	return string(b), err
}

// Verifier checks PINs against one stored hash.
type Verifier struct {
	hash   []byte
	length int
}

// Option configures a Verifier.
type Option func(*options)

type options struct {
	cost int
}

// WithCost sets the bcrypt cost used when hashing a plain PIN.
func WithCost(cost int) Option {
	return func(o *options) { o.cost = cost }
}

// NewVerifier creates a verifier for secret. A secret that is already a
// bcrypt hash is used as is; otherwise it must be a valid PIN and is hashed.
func NewVerifier(secret string, length int, opts ...Option) (*Verifier, error) {
	o := options{cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.HasPrefix(secret, "$2") {
		if _, err := bcrypt.Cost([]byte(secret)); err != nil {
			return nil, fmt.Errorf("invalid PIN hash: %w", err)
		}
		return &Verifier{hash: []byte(secret), length: length}, nil
	}

	if err := ValidateFormat(secret, length); err != nil {
		return nil, err
	}
	h, err := Hash(secret, o.cost)
	if err != nil {
		return nil, fmt.Errorf("hash PIN: %w", err)
	}
	return &Verifier{hash: []byte(h), length: length}, nil
}

// Check reports whether pin matches. Malformed PINs never match.
func (v *Verifier) Check(pin string) bool {
	if ValidateFormat(pin, v.length) != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(pin)) == nil
}

// Length returns the expected PIN length.
func (v *Verifier) Length() int {
	return v.length
}
