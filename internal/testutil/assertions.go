package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thruflo/ember/internal/state"
)

// LoadTask loads a task and fails the test if it is missing.
func LoadTask(t *testing.T, store *state.Store, taskID string) *state.TaskState {
	t.Helper()
	st, err := store.Load(taskID)
	require.NoError(t, err)
	require.NotNil(t, st, "task %s not found", taskID)
	return st
}

// AssertPhase asserts the persisted phase of a task.
func AssertPhase(t *testing.T, store *state.Store, taskID string, want state.Phase) {
	t.Helper()
	st := LoadTask(t, store, taskID)
	assert.Equal(t, want, st.Phase, "phase mismatch for %s", taskID)
}

// AssertStep asserts the persisted current_step of a task.
func AssertStep(t *testing.T, store *state.Store, taskID string, want int) {
	t.Helper()
	st := LoadTask(t, store, taskID)
	assert.Equal(t, want, st.CurrentStep, "current_step mismatch for %s", taskID)
}

// AssertActionCount asserts the length of the action log.
func AssertActionCount(t *testing.T, store *state.Store, taskID string, want int) {
	t.Helper()
	actions, err := store.Actions(taskID)
	require.NoError(t, err)
	assert.Len(t, actions, want, "action count mismatch for %s", taskID)
}

// AssertLastAction asserts the name and result of the newest action record
// and returns it.
func AssertLastAction(t *testing.T, store *state.Store, taskID, name string, result state.Result) state.ActionRecord {
	t.Helper()
	actions, err := store.RecentActions(taskID, 1)
	require.NoError(t, err)
	require.Len(t, actions, 1, "no actions recorded for %s", taskID)
	assert.Equal(t, name, actions[0].Action, "last action mismatch")
	assert.Equal(t, result, actions[0].Result, "last result mismatch")
	return actions[0]
}

// AssertStepsStrictlyOrdered asserts that action records have increasing
// step numbers.
func AssertStepsStrictlyOrdered(t *testing.T, actions []state.ActionRecord) {
	t.Helper()
	for i := 1; i < len(actions); i++ {
		assert.Greater(t, actions[i].Step, actions[i-1].Step, "action[%d] out of order", i)
	}
}
