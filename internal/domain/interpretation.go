package domain

// Intent is the classified purpose of one user utterance.
type Intent string

const (
	IntentWithdrawRequest Intent = "withdraw_request"
	IntentWithdrawConfirm Intent = "withdraw_confirm"
	IntentDoubt           Intent = "doubt"
	IntentStockQuery      Intent = "stock_query"
	IntentNormal          Intent = "normal"
	IntentNotUnderstood   Intent = "not_understood"
)

var validIntents = map[Intent]struct{}{
	IntentWithdrawRequest: {},
	IntentWithdrawConfirm: {},
	IntentDoubt:           {},
	IntentStockQuery:      {},
	IntentNormal:          {},
	IntentNotUnderstood:   {},
}

// ParseIntent returns the intent for s and whether s is a known value.
func ParseIntent(s string) (Intent, bool) {
	i := Intent(s)
	_, ok := validIntents[i]
	return i, ok
}

// RiskClass is the stock and request risk attached to an interpretation.
type RiskClass string

const (
	RiskNormal        RiskClass = "normal"
	RiskLowStock      RiskClass = "low_stock_alert"
	RiskCriticalStock RiskClass = "critical_stock_alert"
	RiskOutlier       RiskClass = "outlier_withdraw_request"
	RiskAmbiguous     RiskClass = "ambiguous"
	RiskNotUnderstood RiskClass = "not_understood"
	RiskGreeting      RiskClass = "greeting"
	RiskFarewell      RiskClass = "farewell"
)

var validRisks = map[RiskClass]struct{}{
	RiskNormal:        {},
	RiskLowStock:      {},
	RiskCriticalStock: {},
	RiskOutlier:       {},
	RiskAmbiguous:     {},
	RiskNotUnderstood: {},
	RiskGreeting:      {},
	RiskFarewell:      {},
}

// ParseRiskClass returns the risk class for s and whether s is a known value.
func ParseRiskClass(s string) (RiskClass, bool) {
	r := RiskClass(s)
	_, ok := validRisks[r]
	return r, ok
}

// Interpretation is the structured result of classifying one utterance.
// Field names follow the intent oracle JSON contract.
type Interpretation struct {
	Intent Intent    `json:"intention"`
	Items  []Item    `json:"items"`
	Reply  string    `json:"response"`
	Risk   RiskClass `json:"stella_analysis"`
	Reason string    `json:"reason,omitempty"`
}

// CarriesItems reports whether items are meaningful for the interpretation's intent.
func (i Interpretation) CarriesItems() bool {
	switch i.Intent {
	case IntentWithdrawRequest, IntentWithdrawConfirm, IntentDoubt:
		return true
	default:
		return false
	}
}
