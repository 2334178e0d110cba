// Package stock loads point-in-time stock snapshots from the inventory service.
package stock

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Level is the stock state of one product.
type Level struct {
	Key               string `json:"key"`
	Name              string `json:"name"`
	Quantity          int    `json:"quantity"`
	LowThreshold      int    `json:"low_threshold"`
	CriticalThreshold int    `json:"critical_threshold"`
	Category          string `json:"category,omitempty"`
	Description       string `json:"description,omitempty"`
	// Aliases are extra names the product is known by, such as the raw key
	// of the local stock file.
	Aliases []string `json:"aliases,omitempty"`
}

// Thresholds are the default alert levels applied when a source does not
// carry per-item values. Sources without a way to mark a value as absent
// treat 0 as unset.
type Thresholds struct {
	Low      int
	Critical int
}

// DefaultThresholds returns the stock alert defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 20, Critical: 5}
}

func (t Thresholds) apply(l *Level) {
	if l.LowThreshold <= 0 {
		l.LowThreshold = t.Low
	}
	if l.CriticalThreshold <= 0 {
		l.CriticalThreshold = t.Critical
	}
}

// Snapshot is an immutable mapping of product key to stock level.
type Snapshot struct {
	levels  map[string]Level
	keys    []string
	takenAt time.Time
}

// NewSnapshot builds a snapshot from levels. Keys are normalized; when two
// levels normalize to the same key the later one wins.
func NewSnapshot(levels []Level, takenAt time.Time) *Snapshot {
	m := make(map[string]Level, len(levels))
	for _, l := range levels {
		key := NormalizeKey(l.Key)
		if key == "" {
			key = NormalizeKey(l.Name)
		}
		if key == "" {
			continue
		}
		l.Key = key
		if l.Name == "" {
			l.Name = key
		}
		m[key] = l
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Snapshot{levels: m, keys: keys, takenAt: takenAt}
}

// Empty returns a snapshot with no products.
func Empty(takenAt time.Time) *Snapshot {
	return NewSnapshot(nil, takenAt)
}

// Get returns the level for a normalized product key.
func (s *Snapshot) Get(key string) (Level, bool) {
	if s == nil {
		return Level{}, false
	}
	l, ok := s.levels[key]
	return l, ok
}

// Lookup resolves a product name or key to its level.
func (s *Snapshot) Lookup(name string) (Level, bool) {
	return s.Get(NormalizeKey(name))
}

// Keys returns the product keys in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.keys...)
}

// Levels returns all levels sorted by key.
func (s *Snapshot) Levels() []Level {
	if s == nil {
		return nil
	}
	out := make([]Level, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, s.levels[k])
	}
	return out
}

// Len returns the number of products.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.levels)
}

// TakenAt returns when the snapshot was read.
func (s *Snapshot) TakenAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.takenAt
}

// FormatContext renders the snapshot as the stock context sent to the intent oracle.
func FormatContext(s *Snapshot) string {
	var b strings.Builder
	for _, l := range s.Levels() {
		category := l.Category
		if category == "" {
			category = "N/A"
		}
		fmt.Fprintf(&b, "\n• %s: %s\n- Quantidade atual: %d unidade(s)\n- Categoria: %s\n", l.Key, l.Name, l.Quantity, category)
	}
	return b.String()
}
