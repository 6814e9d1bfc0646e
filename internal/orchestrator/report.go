package orchestrator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/ChuLiYu/ai-orchestrator/internal/normalizer"
	"github.com/ChuLiYu/ai-orchestrator/internal/packer"
	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const (
	chartMonths    = 6
	coverageMonths = 12
)

var summaryLists = []string{"topProductsByRevenue", "volumeTrend", "inventoryStatus", "preferredSuppliers"}

// mergeSummary combines the per-section summarize results. Lists come from
// the first section that filled them; project is forced from the context
// header and periodCoverage is derived from the capped monthly slice.
func mergeSummary(results []types.Result, projectCtx types.Context) types.Result {
	merged := types.Result{}
	for _, key := range summaryLists {
		merged[key] = []any{}
		for _, res := range results {
			if list, ok := res[key].([]any); ok && len(list) > 0 {
				merged[key] = list
				break
			}
		}
	}

	project := map[string]any{}
	for _, res := range results {
		if p, ok := res["project"].(map[string]any); ok && len(p) > 0 {
			for k, v := range p {
				project[k] = v
			}
			break
		}
	}
	if header, ok := projectCtx["header"].(map[string]any); ok {
		for k, v := range header {
			project[k] = v
		}
	}
	for _, k := range []string{"name", "code"} {
		if project[k] == nil {
			project[k] = normalizer.NotAvailable
		}
	}
	merged["project"] = project
	merged["periodCoverage"] = Coverage(packer.RecentMonths(projectCtx, coverageMonths))
	return merged
}

// Coverage describes the months present in rows. Rows are per month and
// product, so months and products are counted as distinct values.
func Coverage(rows []any) map[string]any {
	coverage := normalizer.DefaultCoverage()
	if len(rows) == 0 {
		return coverage
	}

	first, last := "", ""
	months := map[string]struct{}{}
	products := map[string]struct{}{}
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		if ym, _ := m["yearMonth"].(string); ym != "" {
			months[ym] = struct{}{}
			if first == "" || ym < first {
				first = ym
			}
			if ym > last {
				last = ym
			}
		}
		for _, key := range []string{"productId", "productName", "product"} {
			if v, ok := m[key]; ok && v != nil {
				products[fmt.Sprint(v)] = struct{}{}
				break
			}
		}
	}
	if first != "" {
		coverage["firstSaleMonth"] = first
		coverage["lastSaleMonth"] = last
	}
	coverage["distinctProducts"] = float64(len(products))
	coverage["monthsCovered"] = float64(len(months))
	return coverage
}

// applyChart replaces the model's chart with one derived from recorded
// revenue when at least two months are available.
func applyChart(result types.Result, projectCtx types.Context) error {
	chart, ok, err := DeriveChart(packer.RecentMonths(projectCtx, chartMonths))
	if err != nil {
		return err
	}
	if ok {
		result["chart"] = chart
	}
	return nil
}

// DeriveChart sums totalRevenue per yearMonth into a bar chart with labels in
// ascending order. ok is false when fewer than two months are present.
func DeriveChart(rows []any) (chart map[string]any, ok bool, err error) {
	sums := map[string]float64{}
	for _, row := range rows {
		m, isMap := row.(map[string]any)
		if !isMap {
			continue
		}
		ym, _ := m["yearMonth"].(string)
		if ym == "" {
			continue
		}
		var v float64
		if raw := m["totalRevenue"]; raw != nil {
			if v, err = toFloat(raw); err != nil {
				return nil, false, fmt.Errorf("month %s: totalRevenue: %w", ym, err)
			}
		}
		sums[ym] += v
	}
	if len(sums) < 2 {
		return nil, false, nil
	}

	months := make([]string, 0, len(sums))
	for ym := range sums {
		months = append(months, ym)
	}
	sort.Strings(months)

	labels := make([]any, len(months))
	values := make([]any, len(months))
	for i, ym := range months {
		labels[i] = ym
		values[i] = sums[ym]
	}
	return map[string]any{"type": "bar", "labels": labels, "values": values}, true, nil
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func reportTitle(job types.Job, result types.Result) string {
	switch job.Mode {
	case types.ModeRecommendWithChart:
		if title, _ := result["title"].(string); title != "" {
			return title
		}
		return "Recommendation Report"
	case types.ModeSummarize:
		return "Summary Report"
	case types.ModeExtract:
		return "Extraction Report"
	default:
		return "Recommendation Report"
	}
}

// buildDocument lays out a report: the model's summary when it wrote one,
// otherwise the whole result as indented JSON.
func buildDocument(job types.Job, result types.Result) types.Document {
	body, _ := result["summary"].(string)
	if body == "" {
		b, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			b = []byte(fmt.Sprint(result))
		}
		body = string(b)
	}

	var itemKeys []string
	switch job.Mode {
	case types.ModeRecommend:
		itemKeys = []string{"stockAlerts", "costOpportunities", "risks"}
	case types.ModeRecommendWithChart:
		itemKeys = []string{"recommendations"}
	}

	var items []string
	for _, key := range itemKeys {
		list, _ := result[key].([]any)
		for _, item := range list {
			items = append(items, itemText(item))
		}
	}

	return types.Document{
		JobID: job.ID,
		Mode:  job.Mode,
		Title: reportTitle(job, result),
		Body:  body,
		Items: items,
	}
}

func itemText(item any) string {
	if s, ok := item.(string); ok {
		return s
	}
	b, err := json.Marshal(item)
	if err != nil {
		return fmt.Sprint(item)
	}
	return string(b)
}
