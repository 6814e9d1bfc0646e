package packer

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ai-orchestrator/pkg/types"
)

// projectContext builds a context with the given number of monthly rows,
// oldest first, starting at 2023-01.
func projectContext(months int) types.Context {
	rows := make([]any, 0, months)
	for i := 0; i < months; i++ {
		rows = append(rows, map[string]any{
			"yearMonth":    fmt.Sprintf("%04d-%02d", 2023+i/12, i%12+1),
			"totalRevenue": float64(100 * (i + 1)),
		})
	}
	inventory := make([]any, 0, 30)
	for i := 0; i < 30; i++ {
		inventory = append(inventory, map[string]any{"id": float64(i), "product": fmt.Sprintf("p%d", i)})
	}
	return types.Context{
		"header":           map[string]any{"name": "Bridge", "code": "BR-1"},
		"salesMonthly":     rows,
		"inventory":        inventory,
		"providerProducts": []any{map[string]any{"provider": "acme", "product": "p1"}},
		"providers":        []any{map[string]any{"name": "acme"}},
	}
}

func contextBlock(t *testing.T, prompt string) string {
	t.Helper()
	start := strings.Index(prompt, "CONTEXT_START\n")
	end := strings.Index(prompt, "\nCONTEXT_END")
	require.True(t, start >= 0 && end > start, "prompt missing context delimiters")
	return prompt[start+len("CONTEXT_START\n") : end]
}

func monthsIn(t *testing.T, block, key string) []string {
	t.Helper()
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(block), &decoded))
	rows, _ := decoded[key].([]any)
	var out []string
	for _, r := range rows {
		out = append(out, r.(map[string]any)["yearMonth"].(string))
	}
	return out
}

func TestPack_Deterministic(t *testing.T) {
	ctx := projectContext(15)
	for _, mode := range types.Modes {
		first := Pack(mode, ctx)
		second := Pack(mode, ctx)
		assert.Equal(t, first, second, "mode %s must pack deterministically", mode)
	}
}

func TestPack_DoesNotMutateContext(t *testing.T) {
	ctx := projectContext(15)
	before := Serialize(ctx)
	for _, mode := range types.Modes {
		Pack(mode, ctx)
		Sections(mode, ctx, "what is low?")
	}
	assert.Equal(t, before, Serialize(ctx))
}

func TestPack_Layout(t *testing.T) {
	prompt := Pack(types.ModeRecommend, projectContext(2))

	assert.True(t, strings.HasPrefix(prompt, "SYSTEM INSTRUCTIONS:\n"))
	assert.Contains(t, prompt, "CONTEXT_START\n")
	assert.Contains(t, prompt, "\nCONTEXT_END\n\nTASK: Recommend purchasing actions.")
	assert.True(t, strings.HasSuffix(prompt,
		"REPLY STRICTLY IN VALID JSON ONLY.\nDo not include comments, explanations, or extra text outside the JSON object.\n"))
}

func TestPack_ContextBlockBounded(t *testing.T) {
	for _, mode := range types.Modes {
		block := contextBlock(t, Pack(mode, projectContext(48)))
		assert.LessOrEqual(t, len(block), MaxContextBytes+len(TruncationMarker), "mode %s", mode)
	}
}

func TestPack_CapsMonthsToMostRecentSix(t *testing.T) {
	ctx := projectContext(15) // 2023-01 .. 2024-03
	block := contextBlock(t, Pack(types.ModeRecommend, ctx))

	assert.Equal(t,
		[]string{"2024-03", "2024-02", "2024-01", "2023-12", "2023-11", "2023-10"},
		monthsIn(t, block, "salesMonthly"))
}

func TestSections_SummarizeSlices(t *testing.T) {
	ctx := projectContext(15)
	sections := Sections(types.ModeSummarize, ctx, "")
	require.Len(t, sections, 3)

	names := []string{sections[0].Name, sections[1].Name, sections[2].Name}
	assert.Equal(t, []string{SectionHeader, SectionInventory, SectionProviders}, names)

	months := monthsIn(t, contextBlock(t, sections[0].Prompt), "salesMonthly")
	require.Len(t, months, 12)
	assert.Equal(t, "2024-03", months[0])
	assert.Equal(t, "2023-04", months[11])

	var inv map[string]any
	require.NoError(t, json.Unmarshal([]byte(contextBlock(t, sections[1].Prompt)), &inv))
	assert.Len(t, inv["inventory"], 20)
}

func TestSections_SingleForOtherModes(t *testing.T) {
	ctx := projectContext(3)
	sections := Sections(types.ModeExtract, ctx, "")
	require.Len(t, sections, 1)
	assert.Equal(t, SectionMain, sections[0].Name)
	assert.Equal(t, Pack(types.ModeExtract, ctx), sections[0].Prompt)

	chat := Sections(types.ModeChat, ctx, "Which products are low on stock?")
	require.Len(t, chat, 1)
	assert.Contains(t, chat[0].Prompt, "TASK: Which products are low on stock?")
}

func TestPack_ChatUsesLabelledBlocks(t *testing.T) {
	ctx := projectContext(2)
	delete(ctx, "providers")
	block := contextBlock(t, Pack(types.ModeChat, ctx))

	lines := strings.Split(block, "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "SECTION: SALES_HISTORY", lines[0])
	assert.Equal(t, "SECTION: INVENTORY", lines[2])
	assert.Equal(t, "SECTION: PROVIDERS", lines[4])
	assert.Equal(t, "[]", lines[5], "missing lists render empty")
	assert.Equal(t, "SECTION: PROVIDER_PRODUCTS", lines[6])

	var history []map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &history))
	require.Len(t, history, 2)
	assert.Equal(t, "2023-02", history[0]["yearMonth"])
}

func TestRecentMonths_LegacyKeyAndTies(t *testing.T) {
	ctx := types.Context{"monthly": []any{
		map[string]any{"yearMonth": "2024-01", "n": 1.0},
		map[string]any{"yearMonth": "2024-02", "n": 2.0},
		map[string]any{"yearMonth": "2024-01", "n": 3.0},
	}}

	got := RecentMonths(ctx, 6)
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].(map[string]any)["n"])
	assert.Equal(t, 1.0, got[1].(map[string]any)["n"])
	assert.Equal(t, 3.0, got[2].(map[string]any)["n"])

	assert.Empty(t, RecentMonths(types.Context{}, 6))
}

func TestRecentMonths_KeepsEveryProductOfAMonth(t *testing.T) {
	rows := make([]any, 0, 30)
	for i := 0; i < 15; i++ {
		ym := fmt.Sprintf("%04d-%02d", 2023+i/12, i%12+1)
		rows = append(rows,
			map[string]any{"yearMonth": ym, "productId": "a"},
			map[string]any{"yearMonth": ym, "productId": "b"},
		)
	}
	ctx := types.Context{"header": map[string]any{"name": "Bridge"}, "salesMonthly": rows}

	got := RecentMonths(ctx, 12)
	require.Len(t, got, 24)
	months := map[string]int{}
	for _, r := range got {
		months[r.(map[string]any)["yearMonth"].(string)]++
	}
	assert.Len(t, months, 12)
	assert.Equal(t, 2, months["2023-04"])
	assert.NotContains(t, months, "2023-03")

	header := contextBlock(t, Sections(types.ModeSummarize, ctx, "")[0].Prompt)
	assert.NotContains(t, header, TruncationMarker)
	assert.Contains(t, monthsIn(t, header, "salesMonthly"), "2023-04")
	assert.NotContains(t, monthsIn(t, header, "salesMonthly"), "2023-03")
}

func TestRecentMonths_EmptySalesMonthlyFallsBackToLegacy(t *testing.T) {
	ctx := types.Context{
		"salesMonthly": []any{},
		"monthly":      []any{map[string]any{"yearMonth": "2024-05"}},
	}
	got := RecentMonths(ctx, 6)
	require.Len(t, got, 1)
	assert.Equal(t, "2024-05", yearMonth(got[0]))

	projected := Project(types.ModeRecommend, ctx)
	assert.NotContains(t, projected, "monthly")
	assert.Len(t, projected["salesMonthly"], 1)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"under limit", "abc", 5, "abc"},
		{"at limit", "abcde", 5, "abcde"},
		{"over limit", "abcdef", 5, "abcde" + TruncationMarker},
		{"backs off to rune start", "abéé", 3, "ab" + TruncationMarker},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.limit))
		})
	}
}

func TestSerialize_NoHTMLEscape(t *testing.T) {
	assert.Equal(t, `{"a":"<b>&","b":1}`, Serialize(map[string]any{"b": 1, "a": "<b>&"}))
}
