package normalizer

import (
	"strings"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// NotEnoughContext is the chat answer used when the model gave none.
const NotEnoughContext = "NOT_ENOUGH_CONTEXT"

// NotAvailable fills summary fields the context cannot provide.
const NotAvailable = "NOT_AVAILABLE"

// UsedKeys are the list-valued keys of the chat "used" mapping.
var UsedKeys = []string{"products", "providers", "inventoryIds", "providerProductIds", "saleIds"}

var answerFallbacks = []string{"summary", "report", "content"}

// Coerce fills the keys mode requires with safe defaults and drops unknown
// top-level keys. Values that already have the right type are kept as-is.
func Coerce(mode types.Mode, obj map[string]any) types.Result {
	switch mode {
	case types.ModeChat:
		return coerceChat(obj)
	case types.ModeRecommendWithChart:
		return types.Result{
			"title":           valueOr(obj["title"], ""),
			"summary":         valueOr(obj["summary"], ""),
			"recommendations": coerceList(obj["recommendations"]),
			"chart":           coerceChart(obj["chart"]),
		}
	case types.ModeSummarize:
		return types.Result{
			"project":              coerceMap(obj["project"]),
			"periodCoverage":       coerceCoverage(obj["periodCoverage"]),
			"topProductsByRevenue": coerceList(obj["topProductsByRevenue"]),
			"volumeTrend":          coerceList(obj["volumeTrend"]),
			"inventoryStatus":      coerceList(obj["inventoryStatus"]),
			"preferredSuppliers":   coerceList(obj["preferredSuppliers"]),
		}
	case types.ModeExtract:
		return types.Result{
			"project":          coerceMap(obj["project"]),
			"products":         coerceList(obj["products"]),
			"providers":        coerceList(obj["providers"]),
			"productProviders": coerceList(obj["productProviders"]),
			"inventory":        coerceList(obj["inventory"]),
			"sales":            coerceList(obj["sales"]),
		}
	default:
		return types.Result{
			"summary":           valueOr(obj["summary"], ""),
			"stockAlerts":       coerceList(obj["stockAlerts"]),
			"costOpportunities": coerceList(obj["costOpportunities"]),
			"risks":             coerceList(obj["risks"]),
		}
	}
}

func coerceChat(obj map[string]any) types.Result {
	answer := ""
	if s, ok := obj["answer"].(string); ok && strings.TrimSpace(s) != "" {
		answer = s
	}
	for _, key := range answerFallbacks {
		if answer != "" {
			break
		}
		if s, ok := obj[key].(string); ok {
			answer = strings.TrimSpace(s)
		}
	}
	if answer == "" {
		answer = NotEnoughContext
	}

	used := coerceMap(obj["used"])
	for _, key := range UsedKeys {
		used[key] = coerceList(used[key])
	}

	result := types.Result{"answer": answer, "used": used}
	if alerts, ok := obj["stockAlerts"]; ok && alerts != nil {
		result["stockAlerts"] = coerceList(alerts)
	}
	return result
}

// DefaultCoverage is the periodCoverage used when nothing is known.
func DefaultCoverage() map[string]any {
	return map[string]any{
		"firstSaleMonth":   NotAvailable,
		"lastSaleMonth":    NotAvailable,
		"distinctProducts": float64(0),
	}
}

func coerceCoverage(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return DefaultCoverage()
	}
	for k, def := range DefaultCoverage() {
		if m[k] == nil {
			m[k] = def
		}
	}
	return m
}

func coerceChart(v any) map[string]any {
	m := coerceMap(v)
	if _, ok := m["type"].(string); !ok {
		m["type"] = "bar"
	}
	m["labels"] = coerceList(m["labels"])
	m["values"] = coerceList(m["values"])
	return m
}

// coerceList keeps lists, wraps a single non-empty scalar or object, and
// turns anything else into an empty list.
func coerceList(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case nil:
		return []any{}
	case string:
		if strings.TrimSpace(t) == "" {
			return []any{}
		}
		return []any{t}
	default:
		return []any{t}
	}
}

func coerceMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// valueOr substitutes def for a missing value.
func valueOr(v any, def string) any {
	if v == nil {
		return def
	}
	return v
}
