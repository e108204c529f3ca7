package tokens

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedLines(prefix string, n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("%s %03d: some content for this line", prefix, i)
	}
	return strings.Join(lines, "\n")
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"three chars", "abc", 0},
		{"four chars", "abcd", 1},
		{"nine chars", "abcdefghi", 2},
		{"multibyte counts runes", "ééééééééé", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestNewBudget_Overrides(t *testing.T) {
	t.Parallel()

	b := NewBudget(map[string]int{SectionCurrentState: 300, SectionTaskFrame: 0})
	assert.Equal(t, 300, b.Limit(SectionCurrentState))
	assert.Equal(t, 300, b.Limit(SectionLoadedContext), "loaded context follows current state")
	assert.Equal(t, DefaultLimits[SectionTaskFrame], b.Limit(SectionTaskFrame), "non-positive override ignored")
	assert.Equal(t, DefaultSectionLimit, b.Limit("mystery"))

	b = NewBudget(map[string]int{SectionCurrentState: 300, SectionLoadedContext: 100})
	assert.Equal(t, 100, b.Limit(SectionLoadedContext))
}

func TestCheckAllocation(t *testing.T) {
	t.Parallel()

	b := NewBudget(map[string]int{SectionVerification: 2})

	a := b.CheckAllocation(SectionVerification, "12345678")
	assert.Equal(t, Allocation{Section: SectionVerification, EstimatedTokens: 2, Budget: 2, OverBudget: false}, a)

	a = b.CheckAllocation(SectionVerification, "123456789012")
	assert.True(t, a.OverBudget)
	assert.Equal(t, 3, a.EstimatedTokens)
}

func TestAllocateAll(t *testing.T) {
	t.Parallel()

	b := NewBudget(map[string]int{SectionTaskFrame: 1, SectionVerification: 10})
	allocs := b.AllocateAll(map[string]string{
		SectionTaskFrame:    "this is far too long",
		SectionVerification: "ok",
	})

	require.Len(t, allocs, 2)
	assert.False(t, IsWithinBudget(allocs))
	assert.Equal(t, []string{SectionTaskFrame}, OverBudgetSections(allocs))

	delete(allocs, SectionTaskFrame)
	assert.True(t, IsWithinBudget(allocs))
}

func TestCompressToFit_WithinBudgetUnchanged(t *testing.T) {
	t.Parallel()

	b := NewBudget(nil)
	out, compressed := b.CompressToFit(SectionCurrentState, "small")
	assert.False(t, compressed)
	assert.Equal(t, "small", out)
}

func TestCompressToFit_TextDropsMiddle(t *testing.T) {
	t.Parallel()

	b := NewBudget(map[string]int{SectionCurrentState: 100})
	content := numberedLines("line", 200)

	out, compressed := b.CompressToFit(SectionCurrentState, content)
	require.True(t, compressed)
	assert.LessOrEqual(t, EstimateTokens(out), 100)
	assert.True(t, strings.HasPrefix(out, "line 000"), "head is kept")
	assert.True(t, strings.HasSuffix(out, "line 199: some content for this line"), "tail is kept")
	assert.Regexp(t, `\[\.\.\. \d+ lines omitted \.\.\.\]`, out)
	assert.NotContains(t, out, "line 100:")
}

func TestCompressToFit_ListKeepsMostRecent(t *testing.T) {
	t.Parallel()

	b := NewBudget(map[string]int{SectionRecentActions: 60})
	content := numberedLines("- step", 50)

	out, compressed := b.CompressToFit(SectionRecentActions, content)
	require.True(t, compressed)
	assert.LessOrEqual(t, EstimateTokens(out), 60)
	assert.True(t, strings.HasPrefix(out, "[... "), "marker leads the list")
	assert.Contains(t, out, "earlier items omitted")
	assert.True(t, strings.HasSuffix(out, "- step 049: some content for this line"))
	assert.NotContains(t, out, "- step 000")
}

func TestCompressToLimit_SingleHugeLine(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("x", 1000)
	out, compressed := CompressToLimit(content, 20, KindText)
	require.True(t, compressed)
	assert.LessOrEqual(t, EstimateTokens(out), 20)
	assert.Contains(t, out, "chars omitted")
}

func TestCompressToLimit_TinyLimit(t *testing.T) {
	t.Parallel()

	out, compressed := CompressToLimit(strings.Repeat("y", 100), 1, KindList)
	require.True(t, compressed)
	assert.LessOrEqual(t, EstimateTokens(out), 1)
}

func TestCompressToLimit_Idempotent(t *testing.T) {
	t.Parallel()

	content := numberedLines("row", 300)
	once, _ := CompressToLimit(content, 150, KindText)
	twice, compressed := CompressToLimit(once, 150, KindText)
	assert.False(t, compressed)
	assert.Equal(t, once, twice)
}

func TestCompressToLimit_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	kinds := gen.OneConstOf(KindText, KindList)

	properties.Property("compressed content never exceeds its limit", prop.ForAll(
		func(lines []string, limit int, kind Kind) bool {
			out, _ := CompressToLimit(strings.Join(lines, "\n"), limit, kind)
			return EstimateTokens(out) <= limit
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 200),
		kinds,
	))

	properties.Property("compression is idempotent", prop.ForAll(
		func(lines []string, limit int, kind Kind) bool {
			once, _ := CompressToLimit(strings.Join(lines, "\n"), limit, kind)
			twice, _ := CompressToLimit(once, limit, kind)
			return once == twice
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(1, 200),
		kinds,
	))

	properties.TestingRun(t)
}
