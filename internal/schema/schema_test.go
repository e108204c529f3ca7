package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/ember/internal/state"
)

func violationTask(phase state.Phase) *state.TaskState {
	return &state.TaskState{
		TaskID:          "t1",
		TaskType:        "fix_violation",
		Goal:            "Remove unused import",
		SuccessCriteria: []string{"Tests pass", "Lint clean"},
		Constraints:     []string{"No API changes"},
		Phase:           phase,
		CurrentStep:     2,
		ContextData: map[string]any{
			"violation_id": "V1",
			"check_id":     "F401",
			"file_path":    "src/a.py",
			"line":         3,
			"message":      "os imported but unused",
		},
	}
}

func actionNames(defs []ActionDef) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

func TestRegistry_SchemaFor(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	assert.Equal(t, []string{"fix_test", "fix_violation"}, r.TaskTypes())

	s, err := r.SchemaFor("fix_violation", "/repo")
	require.NoError(t, err)
	assert.Equal(t, "fix_violation", s.TaskType())

	_, err = r.SchemaFor("refactor", "/repo")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestFixViolation_TaskFrame(t *testing.T) {
	t.Parallel()

	s := NewFixViolation("")
	frame := s.FormatTaskFrame(violationTask(state.PhaseInit))
	assert.Equal(t, "Task: t1 (fix_violation)\n"+
		"Goal: Remove unused import\n"+
		"Success criteria:\n- Tests pass\n- Lint clean\n"+
		"Constraints:\n- No API changes", frame)
}

func TestFixViolation_CurrentState(t *testing.T) {
	t.Parallel()

	s := NewFixViolation("")
	cs := s.CurrentState(violationTask(state.PhaseAnalyze))
	assert.Equal(t, "ANALYZE", cs["phase"])
	assert.Equal(t, "V1", cs["violation_id"])
	assert.Equal(t, "F401", cs["check_id"])
	assert.Equal(t, 3, cs["line"])

	broken := violationTask(state.PhaseAnalyze)
	delete(broken.ContextData, "violation_id")
	cs = s.CurrentState(broken)
	assert.Contains(t, cs, "context_error")
}

func TestAvailableActions_DependOnPhase(t *testing.T) {
	t.Parallel()

	s := NewFixViolation("")

	early := actionNames(s.AvailableActions(violationTask(state.PhaseAnalyze)))
	assert.Contains(t, early, ActionReadFile)
	assert.NotContains(t, early, ActionEditFile)
	assert.Contains(t, early, ActionComplete)

	later := actionNames(s.AvailableActions(violationTask(state.PhaseImplement)))
	assert.Contains(t, later, ActionEditFile)
	assert.Contains(t, later, ActionWriteFile)

	assert.Empty(t, s.AvailableActions(violationTask(state.PhaseComplete)))
}

func TestLookup(t *testing.T) {
	t.Parallel()

	s := NewFixViolation("")
	all := actionNames(s.Actions())
	assert.Contains(t, all, ActionEditFile)
	assert.Contains(t, all, ActionCannotFix)

	def, ok := Lookup(s, ActionEditFile)
	require.True(t, ok)
	assert.False(t, def.AvailableIn(state.PhaseAnalyze))

	_, ok = Lookup(s, "deploy")
	assert.False(t, ok)
}

func TestFormatAvailableActions(t *testing.T) {
	t.Parallel()

	s := NewFixViolation("")
	out := s.FormatAvailableActions(violationTask(state.PhaseImplement))
	assert.Contains(t, out, "- edit_file(path*, old_text*, new_text*): ")
	assert.Contains(t, out, "- complete(summary): ")
	assert.Equal(t, len(s.AvailableActions(violationTask(state.PhaseImplement))), strings.Count(out, "\n")+1)
}

func TestFormatVerificationStatus(t *testing.T) {
	t.Parallel()

	s := NewFixTest("")
	st := violationTask(state.PhaseVerify)
	st.Verification = state.Verification{ChecksPassing: 4, TestsPassing: true, ReadyForCompletion: true}
	out := s.FormatVerificationStatus(st)
	assert.Equal(t, "checks_passing: 4\nchecks_failing: 0\ntests_passing: true\nready_for_completion: true", out)

	st.Verification = state.Verification{ChecksFailing: 1}
	assert.Contains(t, s.FormatVerificationStatus(st), "Not ready")
}

func TestFixTest_CurrentState(t *testing.T) {
	t.Parallel()

	s := NewFixTest("/repo")
	st := &state.TaskState{
		TaskID:   "t2",
		TaskType: "fix_test",
		Phase:    state.PhasePlan,
		ContextData: map[string]any{
			"test_name":      "TestParse",
			"test_command":   "go test ./...",
			"failure_output": "expected 1 got 2",
		},
	}
	cs := s.CurrentState(st)
	assert.Equal(t, "TestParse", cs["test_name"])
	assert.Equal(t, "expected 1 got 2", cs["failure_output"])
	assert.Contains(t, s.SystemPrompt(st), "Project root: /repo")
	assert.Contains(t, s.SystemPrompt(st), "```action")
}
