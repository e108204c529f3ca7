package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thruflo/ember/internal/config"
	"github.com/thruflo/ember/internal/state"
)

// TestConfigYAML is written by SetupTestDir. Limits are small so runaway
// tests finish quickly.
const TestConfigYAML = `limits:
  max_iterations: 10
  base_budget: 6
  max_budget: 12
  no_progress_threshold: 3
context:
  max_tokens: 4000
memory:
  max_items: 10
`

// SetupTestDir creates a temporary project directory with an .ember
// directory and test config. Returns the project path and a Store rooted
// at .ember. The directory is removed when the test completes.
func SetupTestDir(t *testing.T) (string, *state.Store) {
	t.Helper()

	tmpDir := t.TempDir()
	emberDir := filepath.Join(tmpDir, config.Dir)
	require.NoError(t, os.MkdirAll(filepath.Join(emberDir, "tasks"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(emberDir, "config.yaml"), []byte(TestConfigYAML), 0644))

	store := state.NewStore(emberDir)
	return tmpDir, store
}

// CreateTask creates a task from req, failing the test on error.
func CreateTask(t *testing.T, store *state.Store, req state.CreateRequest) *state.TaskState {
	t.Helper()
	st, err := store.CreateTask(req)
	require.NoError(t, err)
	return st
}

// WriteTestFile writes content to a file in the test directory.
// Creates parent directories as needed.
func WriteTestFile(t *testing.T, basePath, relativePath string, content []byte) {
	t.Helper()
	fullPath := filepath.Join(basePath, relativePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, content, 0644))
}

// ReadTestFile reads a file relative to basePath, failing the test on error.
func ReadTestFile(t *testing.T, basePath, relativePath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(basePath, relativePath))
	require.NoError(t, err)
	return string(data)
}
