// Package guard checks withdrawal requests against stock levels and
// withdrawal history.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/stock"
)

// DefaultOutlierFactor is the multiple of the historical average at which a
// requested quantity is flagged.
const DefaultOutlierFactor = 3.0

// highAlertFactor is the multiple above which an outlier is reported as high.
const highAlertFactor = 5.0

// Line is one requested item matched against stock.
type Line struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// RequestReport is the availability breakdown of a request.
type RequestReport struct {
	Available    []Line   `json:"available"`
	Insufficient []Line   `json:"insufficient"`
	Missing      []string `json:"missing"`
}

// HasProblems reports whether any item is missing or short.
func (r RequestReport) HasProblems() bool {
	return len(r.Insufficient) > 0 || len(r.Missing) > 0
}

// Summary renders the report as the stock-check annotation text.
func (r RequestReport) Summary() string {
	var parts []string
	if len(r.Available) > 0 {
		names := make([]string, 0, len(r.Available))
		for _, l := range r.Available {
			names = append(names, fmt.Sprintf("%s (%d/%d)", l.Name, l.Requested, l.Available))
		}
		parts = append(parts, "Disponível: "+strings.Join(names, ", "))
	}
	if len(r.Insufficient) > 0 {
		parts = append(parts, "Estoque insuficiente: "+shortfalls(r.Insufficient))
	}
	if len(r.Missing) > 0 {
		parts = append(parts, "Não encontrado(s): "+strings.Join(r.Missing, ", "))
	}
	return strings.Join(parts, " | ")
}

func shortfalls(lines []Line) string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, fmt.Sprintf("%s (solicitado %d, disponível %d)", l.Name, l.Requested, l.Available))
	}
	return strings.Join(out, ", ")
}

func displayName(it domain.Item) string {
	if it.ProductName != "" {
		return it.ProductName
	}
	return it.ProductKey
}

func resolve(it domain.Item, snap *stock.Snapshot) (stock.Level, bool) {
	if it.ProductKey != "" {
		if l, ok := snap.Lookup(it.ProductKey); ok {
			return l, true
		}
	}
	return snap.Lookup(it.ProductName)
}

// product is the requested total of one resolved stock item.
type product struct {
	level     stock.Level
	name      string
	requested int
}

// merge sums the items that resolve to the same product, keeping the order
// in which each product first appears. Unresolved items are reported once
// per name.
func merge(items []domain.Item, snap *stock.Snapshot) ([]product, []string) {
	var (
		products []product
		missing  []string
	)
	index := make(map[string]int, len(items))
	seen := make(map[string]bool)
	for _, it := range items {
		level, ok := resolve(it, snap)
		if !ok {
			name := displayName(it)
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			continue
		}
		if i, ok := index[level.Key]; ok {
			products[i].requested += it.Quantity
			continue
		}
		index[level.Key] = len(products)
		products = append(products, product{level: level, name: displayName(it), requested: it.Quantity})
	}
	return products, missing
}

// CheckRequest compares items with snap. Lines naming the same product are
// checked against stock as one total. It never blocks a request.
func CheckRequest(items []domain.Item, snap *stock.Snapshot) RequestReport {
	products, missing := merge(items, snap)
	r := RequestReport{Missing: missing}
	for _, p := range products {
		line := Line{Key: p.level.Key, Name: p.name, Requested: p.requested, Available: p.level.Quantity}
		if p.requested > p.level.Quantity {
			r.Insufficient = append(r.Insufficient, line)
		} else {
			r.Available = append(r.Available, line)
		}
	}
	return r
}

// ConfirmResult is the outcome of the authoritative confirmation check.
type ConfirmResult struct {
	OK       bool     `json:"ok"`
	Problems []string `json:"problems,omitempty"`
}

// HistoryProvider supplies the rolling average withdrawn per request for a
// product. ok is false when the product has no history.
type HistoryProvider interface {
	AverageWithdrawal(ctx context.Context, productKey string) (avg float64, ok bool, err error)
}

// Outlier describes a requested quantity far above the historical average.
type Outlier struct {
	Key               string  `json:"key"`
	Name              string  `json:"name"`
	Requested         int     `json:"requested"`
	HistoricalAverage float64 `json:"historical_average"`
	Factor            float64 `json:"outlier_factor"`
	AlertLevel        string  `json:"alert_level"`
}

// Guard validates requests against fresh stock and withdrawal history.
type Guard struct {
	source  stock.Source
	history HistoryProvider
	factor  float64
	logger  *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithOutlierFactor overrides DefaultOutlierFactor.
func WithOutlierFactor(f float64) Option {
	return func(g *Guard) {
		if f > 0 {
			g.factor = f
		}
	}
}

// WithLogger sets the guard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// New creates a guard. history may be nil, in which case nothing is an outlier.
func New(source stock.Source, history HistoryProvider, opts ...Option) *Guard {
	g := &Guard{
		source:  source,
		history: history,
		factor:  DefaultOutlierFactor,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckConfirm re-validates items against a snapshot loaded now. It is the
// only check that may approve a withdrawal.
func (g *Guard) CheckConfirm(ctx context.Context, items []domain.Item) ConfirmResult {
	if len(items) == 0 {
		return ConfirmResult{Problems: []string{"Nenhum item informado para retirada"}}
	}

	var problems []string
	for _, it := range items {
		if it.Quantity <= 0 {
			problems = append(problems, fmt.Sprintf("Quantidade inválida para %s: %d", displayName(it), it.Quantity))
		}
	}

	snap, err := g.source.Load(ctx)
	if err != nil {
		g.logger.Warn("Stock load failed during confirmation", "error", err)
		problems = append(problems, "Não foi possível consultar o estoque")
		return ConfirmResult{Problems: problems}
	}

	report := CheckRequest(items, snap)
	if len(report.Missing) > 0 {
		problems = append(problems, "Itens não encontrados: "+strings.Join(report.Missing, ", "))
	}
	if len(report.Insufficient) > 0 {
		problems = append(problems, "Itens com estoque insuficiente: "+shortfalls(report.Insufficient))
	}
	return ConfirmResult{OK: len(problems) == 0, Problems: problems}
}

// Outliers returns the products whose total requested quantity is at least
// factor times their historical average, sorted by key. Products without
// history are skipped.
func (g *Guard) Outliers(ctx context.Context, items []domain.Item) []Outlier {
	if g.history == nil {
		return nil
	}
	var (
		keys   []string
		totals = make(map[string]int, len(items))
		names  = make(map[string]string, len(items))
	)
	for _, it := range items {
		key := stock.NormalizeKey(it.ProductKey)
		if key == "" {
			key = stock.NormalizeKey(it.ProductName)
		}
		if _, ok := totals[key]; !ok {
			keys = append(keys, key)
			names[key] = displayName(it)
		}
		totals[key] += it.Quantity
	}

	var out []Outlier
	for _, key := range keys {
		avg, ok, err := g.history.AverageWithdrawal(ctx, key)
		if err != nil {
			g.logger.Warn("Withdrawal history unavailable", "product_key", key, "error", err)
			continue
		}
		if !ok || avg <= 0 {
			continue
		}
		requested := float64(totals[key])
		if requested < g.factor*avg {
			continue
		}
		level := "medium"
		if requested > highAlertFactor*avg {
			level = "high"
		}
		out = append(out, Outlier{
			Key:               key,
			Name:              names[key],
			Requested:         totals[key],
			HistoricalAverage: avg,
			Factor:            math.Round(requested/avg*10) / 10,
			AlertLevel:        level,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Classify grades the stock left after the withdrawal against each item's
// thresholds. Items missing from snap are ignored.
func Classify(items []domain.Item, snap *stock.Snapshot) (domain.RiskClass, string) {
	risk := domain.RiskNormal
	var reason string
	products, _ := merge(items, snap)
	for _, p := range products {
		level := p.level
		remaining := level.Quantity - p.requested
		switch {
		case remaining <= level.CriticalThreshold:
			return domain.RiskCriticalStock, fmt.Sprintf("Estoque crítico após retirada: %s (restam %d)", level.Name, remaining)
		case remaining <= level.LowThreshold && risk == domain.RiskNormal:
			risk = domain.RiskLowStock
			reason = fmt.Sprintf("Estoque baixo após retirada: %s (restam %d)", level.Name, remaining)
		}
	}
	return risk, reason
}

// Assess combines outlier detection and threshold classification. Outliers
// take precedence over stock alerts.
func (g *Guard) Assess(ctx context.Context, items []domain.Item, snap *stock.Snapshot) (domain.RiskClass, string) {
	if outliers := g.Outliers(ctx, items); len(outliers) > 0 {
		o := outliers[0]
		return domain.RiskOutlier, fmt.Sprintf("Quantidade atípica: %s (%d solicitados, média %.1f)", o.Name, o.Requested, o.HistoricalAverage)
	}
	return Classify(items, snap)
}
