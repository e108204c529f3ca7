package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by Store.
var (
	ErrNotFound          = errors.New("not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrInvalidCategory   = errors.New("invalid artifact category")
)

// File names inside a task directory.
const (
	taskFile          = "task.yaml"
	stateFile         = "state.yaml"
	actionsFile       = "actions.yaml"
	MemoryFile        = "working_memory.yaml"
	artifactsDir      = "artifacts"
	DefaultMemorySize = 20
)

// CreateRequest describes a new task.
type CreateRequest struct {
	// TaskID is optional; one is allocated when empty.
	TaskID          string         `validate:"omitempty,taskid"`
	TaskType        string         `validate:"required"`
	Goal            string         `validate:"required"`
	SuccessCriteria []string       `validate:"dive,required"`
	Constraints     []string       `validate:"dive,required"`
	ContextData     map[string]any `validate:"-"`
}

// Store persists tasks under <root>/tasks/<task_id>/. Every write replaces
// the whole file through a temp file and rename, so readers never observe a
// partially written file. There is no locking: one writer per task.
type Store struct {
	root           string
	memoryMaxItems int
	now            func() time.Time
}

// NewStore creates a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{
		root:           root,
		memoryMaxItems: DefaultMemorySize,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetMemoryMaxItems sets the max_items written into new working memory files.
func (s *Store) SetMemoryMaxItems(n int) {
	if n > 0 {
		s.memoryMaxItems = n
	}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) tasksDir() string {
	return filepath.Join(s.root, "tasks")
}

// TaskDir returns the directory holding a task's files.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.tasksDir(), taskID)
}

// Exists reports whether the task directory is present.
func (s *Store) Exists(taskID string) bool {
	if !validTaskID(taskID) {
		return false
	}
	info, err := os.Stat(s.TaskDir(taskID))
	return err == nil && info.IsDir()
}

// CreateTask allocates a task directory, writes the immutable task.yaml and
// initial state.yaml, and initializes an empty action log and working memory.
func (s *Store) CreateTask(req CreateRequest) (*TaskState, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = newTaskID(req.TaskType)
	}

	if err := os.MkdirAll(s.tasksDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create tasks directory: %w", err)
	}

	dir := s.TaskDir(taskID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
		}
		return nil, fmt.Errorf("failed to create task directory: %w", err)
	}

	now := s.now()
	st := &TaskState{
		TaskID:          taskID,
		TaskType:        req.TaskType,
		Goal:            req.Goal,
		SuccessCriteria: nonNil(req.SuccessCriteria),
		Constraints:     nonNil(req.Constraints),
		CreatedAt:       now,
		Phase:           PhaseInit,
		ContextData:     copyMap(req.ContextData),
		LastUpdated:     now,
	}
	st.Verification.Recompute()

	meta := taskMeta{
		TaskID:          st.TaskID,
		TaskType:        st.TaskType,
		Goal:            st.Goal,
		SuccessCriteria: st.SuccessCriteria,
		Constraints:     st.Constraints,
		CreatedAt:       st.CreatedAt,
	}
	if err := writeYAML(filepath.Join(dir, taskFile), meta); err != nil {
		return nil, err
	}
	if err := s.saveState(st); err != nil {
		return nil, err
	}
	if err := writeYAML(filepath.Join(dir, actionsFile), actionLog{Actions: []ActionRecord{}}); err != nil {
		return nil, err
	}
	memory := struct {
		MaxItems int   `yaml:"max_items"`
		Items    []any `yaml:"items"`
	}{MaxItems: s.memoryMaxItems, Items: []any{}}
	if err := writeYAML(filepath.Join(dir, MemoryFile), memory); err != nil {
		return nil, err
	}

	return st, nil
}

// Load reconstructs a task's state from disk. It returns (nil, nil) when the
// task directory does not exist.
func (s *Store) Load(taskID string) (*TaskState, error) {
	if !validTaskID(taskID) {
		return nil, nil
	}
	dir := s.TaskDir(taskID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat task directory: %w", err)
	}

	var meta taskMeta
	if err := readYAML(filepath.Join(dir, taskFile), &meta); err != nil {
		return nil, err
	}
	var ms mutableState
	if err := readYAML(filepath.Join(dir, stateFile), &ms); err != nil {
		return nil, err
	}

	st := &TaskState{
		TaskID:          meta.TaskID,
		TaskType:        meta.TaskType,
		Goal:            meta.Goal,
		SuccessCriteria: nonNil(meta.SuccessCriteria),
		Constraints:     nonNil(meta.Constraints),
		CreatedAt:       meta.CreatedAt,
		Phase:           ms.Phase,
		CurrentStep:     ms.CurrentStep,
		Verification:    ms.Verification,
		ContextData:     ms.ContextData,
		Error:           ms.Error,
		LastUpdated:     ms.LastUpdated,
	}
	if st.ContextData == nil {
		st.ContextData = map[string]any{}
	}
	st.Verification.Recompute()
	return st, nil
}

// saveState rewrites state.yaml from st.
func (s *Store) saveState(st *TaskState) error {
	ms := mutableState{
		Phase:        st.Phase,
		CurrentStep:  st.CurrentStep,
		Verification: st.Verification,
		LastUpdated:  st.LastUpdated,
		Error:        st.Error,
		ContextData:  st.ContextData,
	}
	if ms.ContextData == nil {
		ms.ContextData = map[string]any{}
	}
	return writeYAML(filepath.Join(s.TaskDir(st.TaskID), stateFile), ms)
}

// update loads a task, applies fn and saves the result.
func (s *Store) update(taskID string, fn func(*TaskState) error) (*TaskState, error) {
	st, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	st.LastUpdated = s.now()
	if err := s.saveState(st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdatePhase moves a task to a new phase.
func (s *Store) UpdatePhase(taskID string, phase Phase) error {
	_, err := s.update(taskID, func(st *TaskState) error {
		if !CanTransition(st.Phase, phase) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Phase, phase)
		}
		st.Phase = phase
		return nil
	})
	return err
}

// IncrementStep bumps current_step and returns the new value.
func (s *Store) IncrementStep(taskID string) (int, error) {
	st, err := s.update(taskID, func(st *TaskState) error {
		st.CurrentStep++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return st.CurrentStep, nil
}

// UpdateVerification applies a partial verification update and returns the
// resulting status.
func (s *Store) UpdateVerification(taskID string, u VerificationUpdate) (Verification, error) {
	st, err := s.update(taskID, func(st *TaskState) error {
		u.Apply(&st.Verification)
		return nil
	})
	if err != nil {
		return Verification{}, err
	}
	return st.Verification, nil
}

// UpdateContextData merges values into context_data. A nil value deletes
// the key.
func (s *Store) UpdateContextData(taskID string, values map[string]any) error {
	_, err := s.update(taskID, func(st *TaskState) error {
		if st.ContextData == nil {
			st.ContextData = map[string]any{}
		}
		for k, v := range values {
			if v == nil {
				delete(st.ContextData, k)
				continue
			}
			st.ContextData[k] = v
		}
		return nil
	})
	return err
}

// SetError records an error message and moves the task to FAILED.
func (s *Store) SetError(taskID, message string) error {
	_, err := s.update(taskID, func(st *TaskState) error {
		if st.Phase.IsTerminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st.Phase, PhaseFailed)
		}
		st.Phase = PhaseFailed
		st.Error = message
		return nil
	})
	return err
}

// RecordAction appends a record to the action log and returns the stored
// copy. A zero Step takes the task's current step and a zero Timestamp takes
// the current time.
func (s *Store) RecordAction(taskID string, rec ActionRecord) (*ActionRecord, error) {
	st, err := s.Load(taskID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if !rec.Result.IsValid() {
		return nil, fmt.Errorf("invalid action result: %q", rec.Result)
	}
	if rec.Step == 0 {
		rec.Step = st.CurrentStep
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.Parameters == nil {
		rec.Parameters = map[string]any{}
	}

	log, err := s.loadActions(taskID)
	if err != nil {
		return nil, err
	}
	log.Actions = append(log.Actions, rec)
	if err := writeYAML(filepath.Join(s.TaskDir(taskID), actionsFile), log); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) loadActions(taskID string) (*actionLog, error) {
	var log actionLog
	err := readYAML(filepath.Join(s.TaskDir(taskID), actionsFile), &log)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &actionLog{}, nil
		}
		return nil, err
	}
	return &log, nil
}

// Actions returns the full action log in chronological order.
func (s *Store) Actions(taskID string) ([]ActionRecord, error) {
	return s.RecentActions(taskID, 0)
}

// RecentActions returns the last limit records in chronological order. A
// limit <= 0 returns every record.
func (s *Store) RecentActions(taskID string, limit int) ([]ActionRecord, error) {
	if !s.Exists(taskID) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	log, err := s.loadActions(taskID)
	if err != nil {
		return nil, err
	}
	actions := log.Actions
	if limit > 0 && len(actions) > limit {
		actions = actions[len(actions)-limit:]
	}
	out := make([]ActionRecord, len(actions))
	copy(out, actions)
	return out, nil
}

// ListTasks returns task ids sorted by name. When phases are given, only
// tasks in one of those phases are returned.
func (s *Store) ListTasks(phases ...Phase) ([]string, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if !entry.IsDir() || !validTaskID(entry.Name()) {
			continue
		}
		if len(phases) > 0 {
			st, err := s.Load(entry.Name())
			if err != nil || st == nil {
				continue // Skip unreadable task directories
			}
			if !containsPhase(phases, st.Phase) {
				continue
			}
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteTask removes a task directory. It reports whether a task existed.
func (s *Store) DeleteTask(taskID string) (bool, error) {
	if !s.Exists(taskID) {
		return false, nil
	}
	if err := os.RemoveAll(s.TaskDir(taskID)); err != nil {
		return false, fmt.Errorf("failed to delete task directory: %w", err)
	}
	return true, nil
}

// SaveArtifact writes a named blob under artifacts/<category>/ and returns
// its path.
func (s *Store) SaveArtifact(taskID, category, name string, data []byte) (string, error) {
	path, err := s.artifactPath(taskID, category, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// LoadArtifact reads a named blob. Missing artifacts wrap ErrNotFound.
func (s *Store) LoadArtifact(taskID, category, name string) ([]byte, error) {
	path, err := s.artifactPath(taskID, category, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: artifact %s/%s", ErrNotFound, category, name)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// ListArtifacts returns the artifact names in a category, sorted.
func (s *Store) ListArtifacts(taskID, category string) ([]string, error) {
	if !validCategory(category) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if !s.Exists(taskID) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	entries, err := os.ReadDir(filepath.Join(s.TaskDir(taskID), artifactsDir, category))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read artifacts: %w", err)
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".tmp-") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) artifactPath(taskID, category, name string) (string, error) {
	if !validCategory(category) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, category)
	}
	if !s.Exists(taskID) {
		return "", fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	clean := sanitizeArtifactName(name)
	if clean == "" {
		return "", fmt.Errorf("invalid artifact name: %q", name)
	}
	return filepath.Join(s.TaskDir(taskID), artifactsDir, category, clean), nil
}

func validCategory(category string) bool {
	for _, c := range ArtifactCategories() {
		if c == category {
			return true
		}
	}
	return false
}

// sanitizeArtifactName flattens a name into a single path component.
func sanitizeArtifactName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.NewReplacer("/", "-", "\\", "-").Replace(name)
	name = strings.TrimLeft(name, ".")
	return name
}

func newTaskID(taskType string) string {
	prefix := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, taskType)
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

func containsPhase(phases []Phase, p Phase) bool {
	for _, candidate := range phases {
		if candidate == p {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// writeYAML marshals v and writes it atomically.
func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// readYAML reads and decodes a YAML file. Missing files wrap ErrNotFound.
func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", filepath.Base(path), err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteYAMLFile writes v as YAML to path atomically. It is shared with the
// working memory manager, which keeps its file inside the task directory.
func WriteYAMLFile(path string, v any) error {
	return writeYAML(path, v)
}

// ReadYAMLFile decodes a YAML file; missing files wrap ErrNotFound.
func ReadYAMLFile(path string, v any) error {
	return readYAML(path, v)
}
