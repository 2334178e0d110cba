package interpret

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/stock"
)

// ErrMalformed is returned by Decode when the oracle text is not a JSON object.
var ErrMalformed = errors.New("malformed interpretation")

// Decode parses raw oracle output, optionally wrapped in a Markdown code
// fence, and enforces the interpretation schema on it.
func Decode(text string, snap *stock.Snapshot) (domain.Interpretation, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(stripFences(text)), &raw); err != nil {
		return domain.Interpretation{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return domain.Interpretation{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	in := domain.Interpretation{
		Intent: domain.Intent(asString(raw["intention"])),
		Items:  decodeItems(raw["items"]),
		Reply:  asString(raw["response"]),
		Risk:   domain.RiskClass(asString(raw["stella_analysis"])),
		Reason: asString(raw["reason"]),
	}
	return Enforce(in, snap), nil
}

// Enforce coerces in to the schema: unknown intent or risk values become
// not_understood, malformed items are dropped and product names are resolved
// to keys of snap. Items are cleared for intents that do not carry them.
func Enforce(in domain.Interpretation, snap *stock.Snapshot) domain.Interpretation {
	if _, ok := domain.ParseIntent(string(in.Intent)); !ok {
		in.Intent = domain.IntentNotUnderstood
	}
	if _, ok := domain.ParseRiskClass(string(in.Risk)); !ok {
		in.Risk = domain.RiskNotUnderstood
	}

	items := make([]domain.Item, 0, len(in.Items))
	if in.CarriesItems() {
		for _, it := range in.Items {
			it.ProductName = strings.TrimSpace(it.ProductName)
			it.ProductKey = strings.TrimSpace(it.ProductKey)
			if it.Quantity <= 0 || (it.ProductName == "" && it.ProductKey == "") {
				continue
			}
			items = append(items, resolveItem(it, snap))
		}
	}
	in.Items = items
	return in
}

func resolveItem(it domain.Item, snap *stock.Snapshot) domain.Item {
	for _, candidate := range []string{it.ProductKey, it.ProductName} {
		if candidate == "" {
			continue
		}
		if level, ok := snap.Lookup(candidate); ok {
			it.ProductKey = level.Key
			if it.ProductName == "" {
				it.ProductName = level.Name
			}
			return it
		}
	}
	if it.ProductName == "" {
		it.ProductName = it.ProductKey
	}
	it.ProductKey = ""
	return it
}

func decodeItems(v any) []domain.Item {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	items := make([]domain.Item, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			continue
		}
		qty, ok := asQuantity(m["quantity"])
		if !ok {
			continue
		}
		items = append(items, domain.Item{
			ProductKey:  asString(m["productKey"]),
			ProductName: asString(m["productName"]),
			Quantity:    qty,
		})
	}
	return items
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asQuantity(v any) (int, bool) {
	switch q := v.(type) {
	case float64:
		if q != math.Trunc(q) || q > math.MaxInt32 {
			return 0, false
		}
		return int(q), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(q))
		return n, err == nil
	default:
		return 0, false
	}
}

func stripFences(text string) string {
	clean := strings.TrimSpace(text)
	if !strings.HasPrefix(clean, "```") {
		return clean
	}
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimPrefix(clean, "json")
	clean = strings.TrimSuffix(strings.TrimSpace(clean), "```")
	return strings.TrimSpace(clean)
}
