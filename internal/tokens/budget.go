// Package tokens estimates prompt sizes and squeezes oversized prompt
// sections into fixed per-section limits.
//
// Estimation is deliberately crude: one token per four characters, floored.
// It is called for every section of every step, so it has to be cheap, and
// it only needs to be precise enough to keep hard ceilings from being
// crossed.
package tokens

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// CharsPerToken is the divisor used by EstimateTokens.
const CharsPerToken = 4

// Section names used by the context builder.
const (
	SectionSystemPrompt     = "system_prompt"
	SectionTaskFrame        = "task_frame"
	SectionCurrentState     = "current_state"
	SectionRecentActions    = "recent_actions"
	SectionVerification     = "verification_status"
	SectionAvailableActions = "available_actions"
	SectionLoadedContext    = "loaded_context"
)

// DefaultSectionLimit applies to sections missing from the limit table.
const DefaultSectionLimit = 1000

// DefaultLimits is the per-section token table. The loaded context section
// shares the current state limit.
var DefaultLimits = map[string]int{
	SectionSystemPrompt:     1200,
	SectionTaskFrame:        400,
	SectionCurrentState:     1800,
	SectionRecentActions:    600,
	SectionVerification:     200,
	SectionAvailableActions: 800,
	SectionLoadedContext:    1800,
}

// EstimateTokens returns floor(characters / 4).
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / CharsPerToken
}

// Kind selects the truncation strategy for a section.
type Kind int

const (
	// KindText keeps the head and tail of the content and drops middle lines.
	KindText Kind = iota
	// KindList treats each line as an entry and keeps the most recent
	// (last) entries.
	KindList
)

// Allocation reports how a section's content compares to its budget.
type Allocation struct {
	Section         string `json:"section"`
	EstimatedTokens int    `json:"estimated_tokens"`
	Budget          int    `json:"budget"`
	OverBudget      bool   `json:"over_budget"`
}

// Budget holds the per-section limits.
type Budget struct {
	limits map[string]int
}

// NewBudget returns a Budget seeded with DefaultLimits. Positive overrides
// replace individual entries. If current_state is overridden and
// loaded_context is not, loaded_context follows current_state.
func NewBudget(overrides map[string]int) *Budget {
	limits := make(map[string]int, len(DefaultLimits))
	for k, v := range DefaultLimits {
		limits[k] = v
	}
	for k, v := range overrides {
		if v > 0 {
			limits[k] = v
		}
	}
	if v, ok := overrides[SectionCurrentState]; ok && v > 0 {
		if lc, ok := overrides[SectionLoadedContext]; !ok || lc <= 0 {
			limits[SectionLoadedContext] = v
		}
	}
	return &Budget{limits: limits}
}

// Limit returns the token limit for a section.
func (b *Budget) Limit(section string) int {
	if v, ok := b.limits[section]; ok {
		return v
	}
	return DefaultSectionLimit
}

// Total returns the sum of all section limits.
func (b *Budget) Total() int {
	total := 0
	for _, v := range b.limits {
		total += v
	}
	return total
}

// CheckAllocation estimates content against the section's limit.
func (b *Budget) CheckAllocation(section, content string) Allocation {
	est := EstimateTokens(content)
	limit := b.Limit(section)
	return Allocation{
		Section:         section,
		EstimatedTokens: est,
		Budget:          limit,
		OverBudget:      est > limit,
	}
}

// AllocateAll checks every section in the map.
func (b *Budget) AllocateAll(sections map[string]string) map[string]Allocation {
	out := make(map[string]Allocation, len(sections))
	for name, content := range sections {
		out[name] = b.CheckAllocation(name, content)
	}
	return out
}

// IsWithinBudget reports whether no allocation is over its budget.
func IsWithinBudget(allocations map[string]Allocation) bool {
	for _, a := range allocations {
		if a.OverBudget {
			return false
		}
	}
	return true
}

// OverBudgetSections returns the sorted names of sections over budget.
func OverBudgetSections(allocations map[string]Allocation) []string {
	var names []string
	for name, a := range allocations {
		if a.OverBudget {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// CompressToFit truncates content to the section's limit using the
// section's truncation kind. It reports whether anything was dropped.
func (b *Budget) CompressToFit(section, content string) (string, bool) {
	return CompressToLimit(content, b.Limit(section), KindFor(section))
}

// KindFor returns the truncation kind used for a section.
func KindFor(section string) Kind {
	if section == SectionRecentActions {
		return KindList
	}
	return KindText
}

// CompressToLimit truncates content so that EstimateTokens(result) <= limit.
// Dropped material is replaced by a marker of the form
// "[... N lines omitted ...]" (or items/chars). A limit <= 0 means unlimited.
// Content already within the limit is returned unchanged, which makes the
// operation idempotent.
func CompressToLimit(content string, limit int, kind Kind) (string, bool) {
	if limit <= 0 || EstimateTokens(content) <= limit {
		return content, false
	}

	maxChars := limit * CharsPerToken
	lines := strings.Split(content, "\n")

	var out string
	if kind == KindList {
		out = keepTail(lines, maxChars)
	} else {
		out = keepHeadAndTail(lines, maxChars)
	}
	if out == "" {
		out = truncateChars(content, maxChars)
	}
	return out, true
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func linesMarker(n int) string {
	return fmt.Sprintf("[... %d lines omitted ...]", n)
}

func itemsMarker(n int) string {
	return fmt.Sprintf("[... %d earlier items omitted ...]", n)
}

func charsMarker(n int) string {
	return fmt.Sprintf("[... %d chars omitted ...]", n)
}

// keepHeadAndTail keeps leading and trailing lines around a marker. Returns
// "" when not even one line fits.
func keepHeadAndTail(lines []string, maxChars int) string {
	// Reserve room for the widest marker plus its two joining newlines.
	available := maxChars - runeLen(linesMarker(len(lines))) - 2
	if available <= 0 {
		return ""
	}
	headBudget := available / 2
	tailBudget := available - headBudget

	head := 0
	used := 0
	for head < len(lines) {
		cost := runeLen(lines[head]) + 1
		if used+cost > headBudget {
			break
		}
		used += cost
		head++
	}

	tail := 0
	used = 0
	for tail < len(lines)-head {
		cost := runeLen(lines[len(lines)-1-tail]) + 1
		if used+cost > tailBudget {
			break
		}
		used += cost
		tail++
	}

	if head == 0 && tail == 0 {
		return ""
	}

	omitted := len(lines) - head - tail
	parts := make([]string, 0, head+tail+1)
	parts = append(parts, lines[:head]...)
	parts = append(parts, linesMarker(omitted))
	parts = append(parts, lines[len(lines)-tail:]...)
	return strings.Join(parts, "\n")
}

// keepTail keeps the most recent lines (entries) behind a marker. Returns ""
// when not even one entry fits.
func keepTail(lines []string, maxChars int) string {
	available := maxChars - runeLen(itemsMarker(len(lines))) - 1
	if available <= 0 {
		return ""
	}

	kept := 0
	used := 0
	for kept < len(lines) {
		cost := runeLen(lines[len(lines)-1-kept]) + 1
		if used+cost > available {
			break
		}
		used += cost
		kept++
	}
	if kept == 0 {
		return ""
	}

	parts := make([]string, 0, kept+1)
	parts = append(parts, itemsMarker(len(lines)-kept))
	parts = append(parts, lines[len(lines)-kept:]...)
	return strings.Join(parts, "\n")
}

// truncateChars keeps a rune prefix and appends a chars marker. For limits
// too small to hold the marker, the marker itself is cut.
func truncateChars(content string, maxChars int) string {
	runes := []rune(content)
	marker := charsMarker(len(runes))
	keep := maxChars - runeLen(marker) - 1
	if keep <= 0 {
		m := []rune(charsMarker(len(runes)))
		if maxChars < len(m) {
			m = m[:maxChars]
		}
		return string(m)
	}
	return string(runes[:keep]) + "\n" + charsMarker(len(runes)-keep)
}
