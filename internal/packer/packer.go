// Package packer turns a project context into the size-bounded instruction
// text sent to the text-generation backend.
//
// Packing is pure: identical (mode, context) input always yields identical
// text, and the input context is never mutated.
package packer

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

const (
	// MaxContextBytes caps the serialized context block.
	MaxContextBytes = 1800
	// TruncationMarker is appended when the context block is cut.
	TruncationMarker = "...TRUNCATED..."
	// RetrySuffix is appended to a prompt when the first reply was not JSON.
	RetrySuffix = "\n\nReturn JSON now:"

	recentMonths  = 6
	sectionMonths = 12
	sectionHead   = 20
	thinHead      = 5
)

// Section names used by summarize fan-out.
const (
	SectionMain      = "main"
	SectionHeader    = "header"
	SectionInventory = "inventory"
	SectionProviders = "providers"
)

// Section is one independently packed prompt.
type Section struct {
	Name   string
	Prompt string
}

// Pack renders the single prompt for mode with the default task label.
func Pack(mode types.Mode, ctx types.Context) string {
	return PackTask(mode, ctx, taskLabel(mode))
}

// PackTask is Pack with an explicit task label (chat passes the question).
func PackTask(mode types.Mode, ctx types.Context, task string) string {
	data := Project(mode, ctx)
	body := Serialize(data)
	if mode == types.ModeChat {
		body = sectional(data)
	}
	return wrap(systemPrompt(mode), Truncate(body, MaxContextBytes), task)
}

// chatBlocks orders the labelled blocks of a chat prompt.
var chatBlocks = []struct {
	title string
	key   string
}{
	{"SALES_HISTORY", "salesHistory"},
	{"INVENTORY", "inventory"},
	{"PROVIDERS", "providers"},
	{"PROVIDER_PRODUCTS", "providerProducts"},
}

// sectional renders the chat projection as one "SECTION: NAME" block per
// list so a small model sees each source separately.
func sectional(data map[string]any) string {
	blocks := make([]string, 0, len(chatBlocks))
	for _, b := range chatBlocks {
		blocks = append(blocks, "SECTION: "+b.title+"\n"+Serialize(data[b.key]))
	}
	return strings.Join(blocks, "\n")
}

// Sections returns the prompts a job of this mode runs. Summarize fans out
// into three capped slices; every other mode has a single main section.
func Sections(mode types.Mode, ctx types.Context, question string) []Section {
	if mode != types.ModeSummarize {
		task := taskLabel(mode)
		if mode == types.ModeChat && strings.TrimSpace(question) != "" {
			task = question
		}
		return []Section{{Name: SectionMain, Prompt: PackTask(mode, ctx, task)}}
	}

	slices := []struct {
		name string
		data map[string]any
	}{
		{SectionHeader, map[string]any{
			"header":       ctx["header"],
			"salesMonthly": RecentMonths(ctx, sectionMonths),
		}},
		{SectionInventory, map[string]any{
			"inventory": head(ctx["inventory"], sectionHead),
		}},
		{SectionProviders, map[string]any{
			"providerProducts": head(ctx["providerProducts"], sectionHead),
		}},
	}

	sections := make([]Section, 0, len(slices))
	for _, s := range slices {
		body := Truncate(Serialize(s.data), MaxContextBytes)
		sections = append(sections, Section{
			Name:   s.name,
			Prompt: wrap(systemPrompt(types.ModeSummarize), body, sectionTask(s.name)),
		})
	}
	return sections
}

// Project selects the sub-objects of ctx relevant to mode. The returned map
// shares leaf values with ctx but never aliases its slices.
func Project(mode types.Mode, ctx types.Context) map[string]any {
	switch mode {
	case types.ModeSummarize:
		return map[string]any{
			"header":           ctx["header"],
			"providerProducts": head(ctx["providerProducts"], thinHead),
			"inventory":        head(ctx["inventory"], thinHead),
			"salesMonthly":     RecentMonths(ctx, recentMonths),
		}
	case types.ModeChat:
		return map[string]any{
			"salesHistory":     RecentMonths(ctx, sectionMonths),
			"inventory":        list(ctx["inventory"]),
			"providers":        list(ctx["providers"]),
			"providerProducts": list(ctx["providerProducts"]),
		}
	}

	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	if _, ok := monthly(ctx); ok {
		delete(out, "monthly")
		out["salesMonthly"] = RecentMonths(ctx, recentMonths)
	}
	return out
}

// RecentMonths returns every monthly sales row of the n most recent distinct
// yearMonth values, most recent first. A month may span several rows (one per
// product); rows with equal yearMonth keep their input order.
func RecentMonths(ctx types.Context, n int) []any {
	rows, _ := monthly(ctx)
	sorted := make([]any, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return yearMonth(sorted[i]) > yearMonth(sorted[j])
	})

	out := make([]any, 0, len(sorted))
	seen := make(map[string]struct{}, n)
	for _, row := range sorted {
		ym := yearMonth(row)
		if _, ok := seen[ym]; !ok {
			if len(seen) == n {
				break
			}
			seen[ym] = struct{}{}
		}
		out = append(out, row)
	}
	return out
}

// monthly returns the monthly sales rows. The legacy "monthly" key is used
// when "salesMonthly" is absent or empty; found reports whether either key
// was present.
func monthly(ctx types.Context) (rows []any, found bool) {
	for _, key := range []string{"salesMonthly", "monthly"} {
		v, ok := ctx[key]
		if !ok {
			continue
		}
		found = true
		if items, _ := v.([]any); len(items) > 0 {
			return items, true
		}
	}
	return nil, found
}

func yearMonth(row any) string {
	m, ok := row.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["yearMonth"].(string)
	return s
}

func list(v any) []any {
	rows, _ := v.([]any)
	if rows == nil {
		return []any{}
	}
	return rows
}

func head(v any, n int) []any {
	rows, _ := v.([]any)
	if len(rows) > n {
		rows = rows[:n]
	}
	out := make([]any, len(rows))
	copy(out, rows)
	return out
}

// Serialize renders v as compact JSON with sorted map keys.
func Serialize(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Truncate cuts s to at most limit bytes, backing off to a rune boundary, and
// appends TruncationMarker when anything was removed.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

func wrap(system, context, task string) string {
	var b strings.Builder
	b.WriteString("SYSTEM INSTRUCTIONS:\n")
	b.WriteString(system)
	b.WriteString("\n\nCONTEXT_START\n")
	b.WriteString(context)
	b.WriteString("\nCONTEXT_END\n\nTASK: ")
	b.WriteString(task)
	b.WriteString("\n\nREPLY STRICTLY IN VALID JSON ONLY.\n")
	b.WriteString("Do not include comments, explanations, or extra text outside the JSON object.\n")
	return b.String()
}
