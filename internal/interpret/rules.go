package interpret

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/stock"
)

const rulesReason = "Interpretação local por regras."

var (
	withdrawWords = wordSet("retirar", "retire", "retiro", "pegar", "separar", "separe", "buscar", "preciso")
	stockWords    = wordSet("estoque", "quantidade", "tem", "disponivel", "quantos", "quantas")
	greetingWords = wordSet("ola", "oi", "opa", "bom", "boa")
	farewellWords = wordSet("tchau", "adeus", "obrigado", "obrigada", "valeu")

	firstNumber = regexp.MustCompile(`(\d+)`)
)

func wordSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// Tokens splits folded text into words.
func Tokens(text string) []string {
	return strings.FieldsFunc(stock.Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hasAny(tokens []string, set map[string]struct{}) bool {
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

func hasPrefix(tokens []string, prefix string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

// ExtractQuantity finds the quantity requested for a product named by one of
// aliases: a number directly before an alias, else the first number in text,
// else 1.
func ExtractQuantity(text string, aliases []string) int {
	folded := stock.Fold(text)
	rest := folded
	for _, alias := range aliases {
		alias = stock.Fold(alias)
		if alias == "" {
			continue
		}
		re := regexp.MustCompile(`(\d+)[^a-z0-9]+(?:de\s+)?` + regexp.QuoteMeta(alias))
		if m := re.FindStringSubmatch(folded); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
		// digits inside a product name ("10ml") are not quantities
		rest = strings.ReplaceAll(rest, alias, " ")
	}
	if m := firstNumber.FindStringSubmatch(rest); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 1
}

// Rules is a deterministic keyword interpreter. It needs no external service.
type Rules struct {
	guard  StockGuard
	logger *slog.Logger
}

// NewRules creates the rule-based strategy.
func NewRules(g StockGuard, logger *slog.Logger) *Rules {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rules{guard: g, logger: logger}
}

// Interpret classifies text with keyword sets and stock aliases.
func (r *Rules) Interpret(ctx context.Context, text, sessionKey string, snap *stock.Snapshot) domain.Interpretation {
	tokens := Tokens(text)
	items := detectItems(text, snap)

	in := domain.Interpretation{
		Intent: domain.IntentNormal,
		Risk:   domain.RiskNormal,
		Reason: rulesReason,
	}
	if hasAny(tokens, withdrawWords) {
		in.Intent = domain.IntentWithdrawRequest
	}
	switch {
	case hasPrefix(tokens, "confirm"):
		in.Intent = domain.IntentWithdrawConfirm
	case in.Intent == domain.IntentNormal && hasAny(tokens, stockWords):
		in.Intent = domain.IntentStockQuery
	}

	switch in.Intent {
	case domain.IntentWithdrawRequest:
		if len(items) > 0 {
			in.Reply = fmt.Sprintf("Posso separar %s. Confirme se estiver tudo certo.", summarize(items))
		} else {
			in.Reply = "Quais itens você deseja retirar?"
		}
	case domain.IntentWithdrawConfirm:
		if len(items) > 0 {
			in.Reply = fmt.Sprintf("Confirmação recebida para %s. Vamos validar sua identidade.", summarize(items))
		} else {
			in.Reply = "Confirmação recebida. Vamos validar sua identidade."
		}
	case domain.IntentStockQuery:
		in.Reply = stockReply(items, snap)
	default:
		switch {
		case hasAny(tokens, farewellWords):
			in.Risk = domain.RiskFarewell
			in.Reply = "Até logo! Estou à disposição."
		case hasAny(tokens, greetingWords):
			in.Risk = domain.RiskGreeting
			in.Reply = "Olá! Sou a Stella, assistente de almoxarifado. Posso ajudar com retiradas ou consultas de estoque."
		default:
			in.Reply = "Posso ajudar com retiradas ou consultas de estoque."
		}
	}

	in.Items = items
	out := finish(ctx, r.guard, Enforce(in, snap), snap)
	r.logger.Info("Utterance interpreted",
		"session_id", sessionKey,
		"intention", out.Intent,
		"stella_analysis", out.Risk,
		"items", len(out.Items))
	return out
}

// Release is a no-op; rules keep no conversational context.
func (r *Rules) Release(string) {}

func detectItems(text string, snap *stock.Snapshot) []domain.Item {
	normalized := stock.NormalizeKey(text)
	if normalized == "" {
		return nil
	}
	var items []domain.Item
	for _, level := range snap.Levels() {
		if !mentions(normalized, level) {
			continue
		}
		qty := ExtractQuantity(text, []string{level.Name, strings.ReplaceAll(level.Key, "_", " ")})
		items = append(items, domain.Item{ProductKey: level.Key, ProductName: level.Name, Quantity: qty})
	}
	return items
}

func mentions(normalized string, level stock.Level) bool {
	aliases := append([]string{level.Key, level.Name}, level.Aliases...)
	for _, a := range aliases {
		if n := stock.NormalizeKey(a); n != "" && strings.Contains(normalized, n) {
			return true
		}
	}
	return false
}

func summarize(items []domain.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, fmt.Sprintf("%dx %s", it.Quantity, it.ProductName))
	}
	return strings.Join(parts, ", ")
}

func stockReply(items []domain.Item, snap *stock.Snapshot) string {
	if len(items) == 0 {
		return "Sobre qual item você quer consultar o estoque?"
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		level, _ := snap.Get(it.ProductKey)
		lines = append(lines, fmt.Sprintf("%s: %d unidade(s) disponíveis", it.ProductName, level.Quantity))
	}
	return "Estoque atual:\n" + strings.Join(lines, "\n")
}

var _ Interpreter = (*Rules)(nil)
