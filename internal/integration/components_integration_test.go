//go:build integration

package integration

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/ember/internal/executor"
	"github.com/thruflo/ember/internal/llm"
	"github.com/thruflo/ember/internal/logging"
	"github.com/thruflo/ember/internal/metrics"
	"github.com/thruflo/ember/internal/schema"
	"github.com/thruflo/ember/internal/state"
	"github.com/thruflo/ember/internal/stepctx"
	"github.com/thruflo/ember/internal/testutil"
	"github.com/thruflo/ember/internal/workspace"
)

type stack struct {
	projectDir string
	store      *state.Store
	model      *modelServer
	metrics    *metrics.Recorder
}

func newStack(t *testing.T, responses ...string) *stack {
	t.Helper()
	projectDir, store := testutil.SetupTestDir(t)
	testutil.WriteTestFile(t, projectDir, "src/app.py", []byte(testutil.SampleSource))

	req := testutil.SampleViolationRequest("lint-1")
	req.ContextData["check_command"] = lintCheck
	testutil.CreateTask(t, store, req)

	return &stack{
		projectDir: projectDir,
		store:      store,
		model:      newModelServer(t, responses...),
		metrics:    metrics.NewRecorder(nil),
	}
}

// executor wires a fresh executor, as a new process would.
func (s *stack) executor(t *testing.T) *executor.Executor {
	t.Helper()

	provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: s.model.URL,
		Model:   "test-model",
	})
	require.NoError(t, err)

	quiet := logging.New()
	quiet.SetOutput(log.New(io.Discard, "", 0))

	reg := schema.DefaultRegistry()
	exec, err := executor.New(executor.Options{
		Store:       s.store,
		Builder:     stepctx.NewBuilder(s.store, reg, stepctx.Options{ProjectPath: s.projectDir, MaxTokens: 4000}),
		Provider:    provider,
		Schemas:     reg,
		ProjectPath: s.projectDir,
		Logger:      quiet,
		Metrics:     s.metrics,
	})
	require.NoError(t, err)
	require.NoError(t, workspace.New(s.projectDir, "").Register(exec))
	return exec
}

func (s *stack) run(t *testing.T, exec *executor.Executor, maxIter int) executor.RunResult {
	t.Helper()
	ctx, cancel := testutil.RunContext(t)
	defer cancel()
	res, err := exec.RunUntilComplete(ctx, "lint-1", executor.RunOptions{MaxIterations: maxIter})
	require.NoError(t, err)
	return res
}

func TestComponents_FixViolationOverHTTP(t *testing.T) {
	s := newStack(t,
		testutil.ActionBlock("read_file", map[string]string{"path": "src/app.py"}),
		testutil.ActionBlock("run_check", nil),
		testutil.ActionBlock("edit_file", map[string]string{"path": "src/app.py", "old_text": "import os\n", "new_text": ""}),
		testutil.ActionBlock("run_check", nil),
		testutil.ActionBlock("complete", map[string]string{"summary": "removed unused import"}),
	)

	res := s.run(t, s.executor(t), 10)
	require.Equal(t, executor.StopCompleted, res.Reason, res.Message)
	assert.Equal(t, 5, res.Steps)

	assert.NotContains(t, testutil.ReadTestFile(t, s.projectDir, "src/app.py"), "import os")
	st := testutil.LoadTask(t, s.store, "lint-1")
	assert.Equal(t, state.PhaseComplete, st.Phase)
	assert.True(t, st.Verification.ReadyForCompletion)

	actions, err := s.store.Actions("lint-1")
	require.NoError(t, err)
	require.Len(t, actions, 5)
	testutil.AssertStepsStrictlyOrdered(t, actions)
	assert.Equal(t, state.ResultFailure, actions[1].Result)
	assert.Equal(t, "check failed (exit 1): 1 violation", actions[1].Summary)

	// Every request is exactly two messages and usage comes from the server.
	reqs := s.model.Requests()
	require.Len(t, reqs, 5)
	want := 0
	for i, r := range reqs {
		require.Len(t, r.Messages, 2)
		assert.Equal(t, "system", r.Messages[0].Role)
		assert.Equal(t, "user", r.Messages[1].Role)
		assert.Equal(t, "test-model", r.Model)
		want += s.model.PromptChars(i)/4 + 10
	}
	assert.Equal(t, want, res.TokensUsed)

	// The failed check's output reached the next prompt.
	assert.Contains(t, reqs[2].Messages[1].Content, "src/app.py:1: 1 violation")
}

func TestComponents_ContextSizeStaysFlat(t *testing.T) {
	read := testutil.ActionBlock("read_file", map[string]string{"path": "src/app.py"})
	responses := make([]string, 12)
	for i := range responses {
		responses[i] = read
	}
	s := newStack(t, responses...)

	res := s.run(t, s.executor(t), 12)
	assert.Equal(t, executor.StopMaxIterations, res.Reason)
	assert.Equal(t, 12, res.Steps)

	early := float64(s.model.PromptChars(3))
	late := float64(s.model.PromptChars(11))
	assert.InDelta(t, early, late, early*0.05, "prompt grew from %v to %v chars", early, late)
}

func TestComponents_ResumeInNewProcess(t *testing.T) {
	s := newStack(t,
		testutil.ActionBlock("read_file", map[string]string{"path": "src/app.py"}),
		testutil.ActionBlock("edit_file", map[string]string{"path": "src/app.py", "old_text": "import os\n", "new_text": ""}),
		testutil.ActionBlock("run_check", nil),
		testutil.ActionBlock("complete", nil),
	)

	first := s.run(t, s.executor(t), 2)
	assert.Equal(t, executor.StopMaxIterations, first.Reason)
	testutil.AssertPhase(t, s.store, "lint-1", state.PhaseImplement)

	second := s.run(t, s.executor(t), 10)
	assert.Equal(t, executor.StopCompleted, second.Reason, second.Message)
	assert.Equal(t, 2, second.Steps)

	reqs := s.model.Requests()
	require.Len(t, reqs, 4)
	assert.Contains(t, reqs[2].Messages[1].Content, "edit_file")
	assert.Contains(t, reqs[2].Messages[1].Content, "phase: IMPLEMENT")
}

func TestComponents_ServerErrorStopsRun(t *testing.T) {
	s := newStack(t, testutil.ActionBlock("read_file", map[string]string{"path": "src/app.py"}))

	res := s.run(t, s.executor(t), 5)
	assert.Equal(t, executor.StopActionStop, res.Reason)
	assert.Equal(t, 1, res.Steps)
	testutil.AssertStep(t, s.store, "lint-1", 1)
	testutil.AssertActionCount(t, s.store, "lint-1", 1)
}

func TestComponents_EscalationOverHTTP(t *testing.T) {
	s := newStack(t, testutil.ActionBlock("escalate", map[string]string{"reason": "the import is used by a plugin loader"}))

	res := s.run(t, s.executor(t), 5)
	assert.Equal(t, executor.StopEscalated, res.Reason)
	st := testutil.LoadTask(t, s.store, "lint-1")
	assert.Equal(t, state.PhaseEscalated, st.Phase)
	assert.Equal(t, "the import is used by a plugin loader", st.ContextData[executor.KeyEscalationReason])
}
