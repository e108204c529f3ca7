// Package schema defines per-task-type context schemas: how the current
// state, verification status and available actions of a task are rendered
// into prompt sections.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/thruflo/ember/internal/state"
)

// ErrUnknownTaskType is returned by SchemaFor for unregistered task types.
var ErrUnknownTaskType = errors.New("unknown task type")

// Schema renders the task-type-specific parts of a step context.
type Schema interface {
	TaskType() string
	SystemPrompt(st *state.TaskState) string
	FormatTaskFrame(st *state.TaskState) string
	CurrentState(st *state.TaskState) map[string]any
	FormatVerificationStatus(st *state.TaskState) string
	// Actions returns every action the task type defines, whatever the phase.
	Actions() []ActionDef
	AvailableActions(st *state.TaskState) []ActionDef
	FormatAvailableActions(st *state.TaskState) string
}

// Factory builds a Schema for a project.
type Factory func(projectPath string) Schema

// Registry maps task types to schema factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with the built-in task types.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("fix_violation", NewFixViolation)
	r.Register("fix_test", NewFixTest)
	return r
}

// Register adds or replaces the factory for a task type.
func (r *Registry) Register(taskType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = f
}

// TaskTypes returns the registered task types, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// SchemaFor returns the schema for taskType.
func (r *Registry) SchemaFor(taskType, projectPath string) (Schema, error) {
	r.mu.RLock()
	f, ok := r.factories[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	return f(projectPath), nil
}

// base carries the rendering shared by every task type. Concrete schemas
// embed it and override what differs.
type base struct {
	taskType    string
	projectPath string
	role        string
	actions     []ActionDef
}

func (b *base) TaskType() string { return b.taskType }

const responseRules = `Rules:
- Respond with exactly one action block and nothing else of consequence.
- The block is fenced with ` + "```action" + ` and holds YAML with "name" and "parameters".
- Prefer editing once you have read enough to make the change.
- Call complete only when verification reports ready_for_completion: true.
- If the task cannot be done as described, use cannot_fix and say why.

Example:
` + "```action" + `
name: read_file
parameters:
  path: src/main.go
` + "```"

func (b *base) SystemPrompt(st *state.TaskState) string {
	var sb strings.Builder
	sb.WriteString(b.role)
	if b.projectPath != "" {
		fmt.Fprintf(&sb, "\n\nProject root: %s", b.projectPath)
	}
	sb.WriteString("\n\n")
	sb.WriteString(responseRules)
	return sb.String()
}

func (b *base) FormatTaskFrame(st *state.TaskState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s (%s)\n", st.TaskID, st.TaskType)
	fmt.Fprintf(&sb, "Goal: %s\n", st.Goal)
	if len(st.SuccessCriteria) > 0 {
		sb.WriteString("Success criteria:\n")
		for _, c := range st.SuccessCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if len(st.Constraints) > 0 {
		sb.WriteString("Constraints:\n")
		for _, c := range st.Constraints {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *base) CurrentState(st *state.TaskState) map[string]any {
	out := map[string]any{
		"phase": string(st.Phase),
		"step":  st.CurrentStep,
	}
	for k, v := range st.ContextData {
		out[k] = v
	}
	return out
}

func (b *base) FormatVerificationStatus(st *state.TaskState) string {
	v := st.Verification
	s := fmt.Sprintf("checks_passing: %d\nchecks_failing: %d\ntests_passing: %t\nready_for_completion: %t",
		v.ChecksPassing, v.ChecksFailing, v.TestsPassing, v.ReadyForCompletion)
	if !v.ReadyForCompletion {
		s += "\nNot ready: run the check after your change before calling complete."
	}
	return s
}

func (b *base) Actions() []ActionDef {
	out := make([]ActionDef, 0, len(b.actions)+3)
	out = append(out, b.actions...)
	return append(out, BuiltinActions()...)
}

// Lookup returns the definition of name from s, if defined.
func Lookup(s Schema, name string) (ActionDef, bool) {
	for _, a := range s.Actions() {
		if a.Name == name {
			return a, true
		}
	}
	return ActionDef{}, false
}

func (b *base) AvailableActions(st *state.TaskState) []ActionDef {
	var out []ActionDef
	for _, a := range b.actions {
		if a.AvailableIn(st.Phase) {
			out = append(out, a)
		}
	}
	for _, a := range BuiltinActions() {
		if a.AvailableIn(st.Phase) {
			out = append(out, a)
		}
	}
	return out
}

func (b *base) FormatAvailableActions(st *state.TaskState) string {
	return FormatActions(b.AvailableActions(st))
}

// FormatActions renders one line per action, marking required parameters
// with an asterisk.
func FormatActions(actions []ActionDef) string {
	lines := make([]string, 0, len(actions))
	for _, a := range actions {
		params := make([]string, 0, len(a.Parameters))
		for _, p := range a.Parameters {
			name := p.Name
			if p.Required {
				name += "*"
			}
			params = append(params, name)
		}
		lines = append(lines, fmt.Sprintf("- %s(%s): %s", a.Name, strings.Join(params, ", "), a.Description))
	}
	return strings.Join(lines, "\n")
}

// FixViolation renders fix_violation tasks: a single static-analysis
// finding in one file.
type FixViolation struct {
	base
}

// NewFixViolation is the Factory for fix_violation.
func NewFixViolation(projectPath string) Schema {
	return &FixViolation{base{
		taskType:    "fix_violation",
		projectPath: projectPath,
		role: "You fix one code violation reported by a static check. Read the offending code, " +
			"make the smallest edit that removes the violation, then run the check to confirm.",
		actions: WorkspaceActions(),
	}}
}

// CurrentState lists the violation fields first-class and keeps any extra
// context_data keys.
func (s *FixViolation) CurrentState(st *state.TaskState) map[string]any {
	out := s.base.CurrentState(st)
	cd, err := st.Typed()
	if err != nil {
		out["context_error"] = err.Error()
		return out
	}
	if fv, ok := cd.(*state.FixViolationData); ok {
		out["violation_id"] = fv.ViolationID
		out["file_path"] = fv.FilePath
		if fv.CheckID != "" {
			out["check_id"] = fv.CheckID
		}
		if fv.Line > 0 {
			out["line"] = fv.Line
		}
		if fv.Message != "" {
			out["message"] = fv.Message
		}
	}
	return out
}

// FixTest renders fix_test tasks: make one failing test pass.
type FixTest struct {
	base
}

// NewFixTest is the Factory for fix_test.
func NewFixTest(projectPath string) Schema {
	return &FixTest{base{
		taskType:    "fix_test",
		projectPath: projectPath,
		role: "You make one failing test pass. Read the test and the code under test, fix the code " +
			"(not the test, unless the test itself is wrong), then run the check to confirm.",
		actions: WorkspaceActions(),
	}}
}

// CurrentState includes the failure output, which the builder compresses
// with the rest of the section.
func (s *FixTest) CurrentState(st *state.TaskState) map[string]any {
	out := s.base.CurrentState(st)
	cd, err := st.Typed()
	if err != nil {
		out["context_error"] = err.Error()
		return out
	}
	if ft, ok := cd.(*state.FixTestData); ok {
		out["test_name"] = ft.TestName
		out["test_command"] = ft.TestCommand
		if ft.TestFile != "" {
			out["test_file"] = ft.TestFile
		}
		if ft.FailureOutput != "" {
			out["failure_output"] = ft.FailureOutput
		}
	}
	return out
}
