package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/ember/internal/state"
)

func rec(step int, name string, result state.Result, summary string) state.ActionRecord {
	return state.ActionRecord{Step: step, Action: name, Result: result, Summary: summary, Parameters: map[string]any{}}
}

func TestCheck_Runaway(t *testing.T) {
	t.Parallel()

	params := map[string]any{"path": "src/a.py", "old_text": "import os", "new_text": ""}
	var actions []state.ActionRecord
	for step := 1; step <= 3; step++ {
		actions = append(actions, state.ActionRecord{
			Step:       step,
			Action:     "edit_file",
			Parameters: params,
			Result:     state.ResultFailure,
			Summary:    "edit failed",
			Error:      "old_text not found",
		})
	}

	a := New(Config{BaseBudget: 15, MaxBudget: 50})
	ok, reason := a.CheckContinue(3, actions)
	assert.False(t, ok)
	assert.Contains(t, reason, "Runaway")
}

func TestDetectRunaway(t *testing.T) {
	t.Parallel()

	fail := func(step int, name, path, errMsg string) state.ActionRecord {
		return state.ActionRecord{
			Step: step, Action: name, Result: state.ResultFailure,
			Parameters: map[string]any{"path": path}, Error: errMsg,
		}
	}

	tests := []struct {
		name    string
		history []state.ActionRecord
		want    bool
	}{
		{
			name:    "empty history",
			history: nil,
			want:    false,
		},
		{
			name:    "shorter than threshold",
			history: []state.ActionRecord{fail(1, "edit_file", "a", "x"), fail(2, "edit_file", "a", "x")},
			want:    false,
		},
		{
			name:    "same params different errors",
			history: []state.ActionRecord{fail(1, "edit_file", "a", "e1"), fail(2, "edit_file", "a", "e2"), fail(3, "edit_file", "a", "e3")},
			want:    true,
		},
		{
			name:    "different params same error",
			history: []state.ActionRecord{fail(1, "edit_file", "a", "denied"), fail(2, "edit_file", "b", "denied"), fail(3, "edit_file", "c", "denied")},
			want:    true,
		},
		{
			name:    "different params empty errors",
			history: []state.ActionRecord{fail(1, "edit_file", "a", ""), fail(2, "edit_file", "b", ""), fail(3, "edit_file", "c", "")},
			want:    false,
		},
		{
			name:    "different action names",
			history: []state.ActionRecord{fail(1, "edit_file", "a", "x"), fail(2, "write_file", "a", "x"), fail(3, "edit_file", "a", "x")},
			want:    false,
		},
		{
			name: "success breaks the run",
			history: []state.ActionRecord{
				fail(1, "edit_file", "a", "x"),
				{Step: 2, Action: "edit_file", Result: state.ResultSuccess, Parameters: map[string]any{"path": "a"}},
				fail(3, "edit_file", "a", "x"),
			},
			want: false,
		},
		{
			name: "only the last three count",
			history: []state.ActionRecord{
				rec(1, "read_file", state.ResultSuccess, "ok"),
				fail(2, "edit_file", "a", "x"), fail(3, "edit_file", "a", "x"), fail(4, "edit_file", "a", "x"),
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(DefaultConfig())
			_, got := a.detectRunaway(tt.history)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheck_ProgressExtendsBudget(t *testing.T) {
	t.Parallel()

	a := New(Config{BaseBudget: 15, MaxBudget: 50})
	before := a.DynamicBudget()
	assert.Equal(t, 15, before)

	d := a.Check(1, []state.ActionRecord{rec(1, "write_file", state.ResultSuccess, "wrote a.py")})
	assert.True(t, d.Continue)
	assert.Equal(t, 1, a.ProgressCount())
	assert.Equal(t, before+3, a.DynamicBudget())
}

func TestCheck_ProgressClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		record       state.ActionRecord
		wantProgress int
		wantStreak   int
	}{
		{"successful edit", rec(1, "edit_file", state.ResultSuccess, "edited"), 1, 0},
		{"failed edit", rec(1, "edit_file", state.ResultFailure, "no match"), 0, 1},
		{"check passed", rec(1, "run_check", state.ResultSuccess, "Check passed"), 3, 0},
		{"check failing", rec(1, "run_check", state.ResultFailure, "2 violations remain"), 0, 1},
		{"read is activity", rec(1, "read_file", state.ResultSuccess, "read 40 lines"), 0, 0},
		{"failed read", rec(1, "read_file", state.ResultFailure, "missing"), 0, 1},
		{"unknown action", rec(1, "unknown", state.ResultFailure, "unparseable"), 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := New(DefaultConfig())
			a.Check(1, []state.ActionRecord{tt.record})
			assert.Equal(t, tt.wantProgress, a.ProgressCount())
			assert.Equal(t, tt.wantStreak, a.NoProgressStreak())
		})
	}
}

func TestCheck_ViolationCountDecrease(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	history := []state.ActionRecord{rec(1, "run_check", state.ResultFailure, "Found 5 violations")}
	a.Check(1, history)
	assert.Equal(t, 0, a.ProgressCount())
	n, ok := a.LastViolationCount()
	require.True(t, ok)
	assert.Equal(t, 5, n)

	history = append(history, rec(2, "run_check", state.ResultFailure, "Found 3 violations"))
	a.Check(2, history)
	assert.Equal(t, 2, a.ProgressCount())

	scoped := rec(3, "run_check", state.ResultFailure, "Found 3 violations")
	scoped.Parameters = map[string]any{"path": "src/app.py"}
	history = append(history, scoped)
	d := a.Check(3, history)
	assert.True(t, d.Continue, d.Reason)
	assert.Equal(t, 2, a.ProgressCount(), "equal count is not progress")
	assert.Equal(t, 1, a.NoProgressStreak())
}

func TestCheck_RepeatedFailingCheckIsRunaway(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	var history []state.ActionRecord
	for step, summary := range []string{"Found 5 violations", "Found 3 violations", "Found 3 violations"} {
		history = append(history, rec(step+1, "run_check", state.ResultFailure, summary))
	}
	a.Check(1, history[:1])
	a.Check(2, history[:2])
	assert.Equal(t, 2, a.ProgressCount())

	d := a.Check(3, history)
	assert.False(t, d.Continue)
	assert.Equal(t, StopRunaway, d.Stop)
	assert.Contains(t, d.Reason, "run_check failed 3 times in a row with identical parameters")
	assert.Equal(t, 2, a.ProgressCount(), "runaway stops before the newest record is classified")
}

func TestCheck_NoProgress(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	var history []state.ActionRecord
	var d Decision
	for step := 1; step <= 3; step++ {
		history = append(history, state.ActionRecord{
			Step: step, Action: "complete", Result: state.ResultFailure,
			Parameters: map[string]any{"attempt": step},
		})
		d = a.Check(step, history)
	}
	assert.False(t, d.Continue)
	assert.Equal(t, StopNoProgress, d.Stop)
	assert.Contains(t, d.Reason, "No progress")
}

func TestCheck_SameRecordClassifiedOnce(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	history := []state.ActionRecord{rec(4, "edit_file", state.ResultSuccess, "edited")}
	a.Check(1, history)
	a.Check(1, history)
	assert.Equal(t, 1, a.ProgressCount())
}

func TestCheck_BudgetExhausted(t *testing.T) {
	t.Parallel()

	a := New(Config{BaseBudget: 2, MaxBudget: 4})
	d := a.Check(1, []state.ActionRecord{rec(1, "read_file", state.ResultSuccess, "ok")})
	assert.True(t, d.Continue)

	d = a.Check(2, []state.ActionRecord{rec(2, "read_file", state.ResultSuccess, "ok")})
	assert.False(t, d.Continue)
	assert.Equal(t, StopBudgetExhausted, d.Stop)
	assert.Contains(t, d.Reason, "Budget exhausted")

	// Progress is capped by MaxBudget.
	a = New(Config{BaseBudget: 2, MaxBudget: 4})
	a.Check(1, []state.ActionRecord{rec(1, "run_check", state.ResultSuccess, "all checks passed")})
	assert.Equal(t, 4, a.DynamicBudget())
}

func TestCheck_ReadOnlyLoop(t *testing.T) {
	t.Parallel()

	var history []state.ActionRecord
	for step := 1; step <= 10; step++ {
		history = append(history, rec(step, "read_file", state.ResultSuccess, "ok"))
	}

	// Reads alone never trip the no-progress detector.
	a := New(Config{BaseBudget: 100, MaxBudget: 100})
	for i := range history {
		d := a.Check(i+1, history[:i+1])
		require.True(t, d.Continue, "step %d", i+1)
	}

	a = New(Config{BaseBudget: 100, MaxBudget: 100, MaxReadStreak: 4})
	var d Decision
	for i := 0; i < 4; i++ {
		d = a.Check(i+1, history[:i+1])
	}
	assert.False(t, d.Continue)
	assert.Equal(t, StopReadOnlyLoop, d.Stop)
	assert.Contains(t, d.Reason, "Read-only loop")
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	a := New(Config{BaseBudget: 30, MaxBudget: 10, RunawayThreshold: -1})
	cfg := a.Config()
	assert.Equal(t, 30, cfg.BaseBudget)
	assert.Equal(t, 30, cfg.MaxBudget)
	assert.Equal(t, DefaultRunawayThreshold, cfg.RunawayThreshold)
	assert.Equal(t, DefaultNoProgressThreshold, cfg.NoProgressThreshold)

	a.Check(1, []state.ActionRecord{rec(1, "edit_file", state.ResultSuccess, "ok")})
	a.Reset()
	assert.Equal(t, 0, a.ProgressCount())
	assert.Equal(t, 30, a.Config().BaseBudget)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want ActionKind
	}{
		{"write_file", KindMutation},
		{"edit_file", KindMutation},
		{"extract_function", KindMutation},
		{"run_check", KindCheck},
		{"run_tests", KindCheck},
		{"lint", KindCheck},
		{"read_file", KindRead},
		{"list_dir", KindRead},
		{"search_code", KindRead},
		{"read_test_file", KindRead},
		{"list_tests", KindRead},
		{"load_lint_config", KindRead},
		{"view_checklist", KindRead},
		{"run_linter", KindOther},
		{"apply_edits", KindMutation},
		{"verify-fix", KindCheck},
		{"Write File", KindMutation},
		{"complete", KindOther},
		{"cannot_fix", KindOther},
		{"unknown", KindOther},
		{"", KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.name))
		})
	}
}

func TestViolationCount(t *testing.T) {
	t.Parallel()

	n, ok := ViolationCount("ruff: 12 violations found")
	assert.True(t, ok)
	assert.Equal(t, 12, n)

	n, ok = ViolationCount("1 Violation")
	assert.True(t, ok)
	assert.Equal(t, 1, n)

	_, ok = ViolationCount("all clean")
	assert.False(t, ok)
}
