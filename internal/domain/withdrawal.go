package domain

import (
	"time"
)

// Item is one product line of a withdrawal.
type Item struct {
	ProductKey  string `json:"productKey,omitempty"`
	ProductName string `json:"productName"`
	Quantity    int    `json:"quantity"`
}

// WithdrawalRequest is the in-flight withdrawal owned by a session.
type WithdrawalRequest struct {
	ID          string    `json:"id"`
	Items       []Item    `json:"items"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
	Confirmed   bool      `json:"confirmed"`
}

// Clone returns a deep copy of the request.
func (w *WithdrawalRequest) Clone() WithdrawalRequest {
	c := *w
	c.Items = append([]Item(nil), w.Items...)
	return c
}

// ExpiredAt reports whether the request is older than timeout at now.
func (w *WithdrawalRequest) ExpiredAt(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return now.Sub(w.CreatedAt) > timeout
}

// WithdrawalRecord is one committed item, kept for historical usage averages.
type WithdrawalRecord struct {
	RequestID        string
	SessionKey       string
	ProductKey       string
	Quantity         int
	UserName         string
	ValidationMethod string
	CompletedAt      time.Time
}
