// Package workspace implements the file and check actions the CLI registers
// with the executor. Every path is resolved against the project root and may
// not leave it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/thruflo/ember/internal/budget"
	"github.com/thruflo/ember/internal/executor"
	"github.com/thruflo/ember/internal/schema"
	"github.com/thruflo/ember/internal/state"
	"github.com/thruflo/ember/internal/tokens"
)

// Defaults for Workspace.
const (
	DefaultCheckTimeout = 5 * time.Minute
	// maxOutputTokens bounds command output kept in loaded context.
	maxOutputTokens = 400
)

// Context data keys consulted by run_check, in order.
var checkCommandKeys = []string{"check_command", "test_command"}

// ErrOutsideRoot is returned for paths that escape the project root.
var ErrOutsideRoot = errors.New("path is outside the project")

// Workspace binds the workspace actions to a project directory.
type Workspace struct {
	Root string
	// CheckCommand is used when the task names no command of its own.
	CheckCommand string
	CheckTimeout time.Duration
	Runner       CommandRunner
}

// New returns a Workspace rooted at root using a LocalRunner.
func New(root, checkCommand string) *Workspace {
	return &Workspace{
		Root:         root,
		CheckCommand: checkCommand,
		CheckTimeout: DefaultCheckTimeout,
		Runner:       &LocalRunner{},
	}
}

// Register binds every workspace action to exec, along with its parameter
// schema.
func (w *Workspace) Register(exec *executor.Executor) error {
	handlers := map[string]executor.ActionFunc{
		schema.ActionReadFile:  w.readFile,
		schema.ActionWriteFile: w.writeFile,
		schema.ActionEditFile:  w.editFile,
		schema.ActionListDir:   w.listDir,
		schema.ActionRunCheck:  w.runCheck,
	}
	for _, def := range schema.WorkspaceActions() {
		fn, ok := handlers[def.Name]
		if !ok {
			continue
		}
		if err := exec.RegisterDef(def, fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return nil
}

// Resolve returns the absolute path of rel inside the root.
func (w *Workspace) Resolve(rel string) (string, error) {
	root, err := filepath.Abs(w.Root)
	if err != nil {
		return "", err
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	r, err := filepath.Rel(root, p)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return p, nil
}

func (w *Workspace) readFile(_ context.Context, _ string, params map[string]any, _ *state.TaskState) (executor.ActionResult, error) {
	rel := stringParam(params, "path")
	path, err := w.Resolve(rel)
	if err != nil {
		return failure(rel, "cannot read "+rel, err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure(rel, "cannot read "+rel, err), nil
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	start, end := 1, len(lines)
	if n, ok := intParam(params, "start_line"); ok {
		start = n
	}
	if n, ok := intParam(params, "end_line"); ok && n < end {
		end = n
	}
	if start > len(lines) || start > end {
		return failure(rel, fmt.Sprintf("cannot read %s: lines %d-%d out of range (file has %d)", rel, start, end, len(lines)), nil), nil
	}

	var sb strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&sb, "%4d  %s\n", i, lines[i-1])
	}

	return executor.ActionResult{
		Summary: fmt.Sprintf("read %s lines %d-%d", rel, start, end),
		Target:  rel,
		Loaded:  map[string]any{"file:" + rel: sb.String()},
	}, nil
}

func (w *Workspace) writeFile(_ context.Context, _ string, params map[string]any, _ *state.TaskState) (executor.ActionResult, error) {
	rel := stringParam(params, "path")
	path, err := w.Resolve(rel)
	if err != nil {
		return failure(rel, "cannot write "+rel, err), nil
	}
	content := stringParam(params, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure(rel, "cannot write "+rel, err), nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failure(rel, "cannot write "+rel, err), nil
	}
	return executor.ActionResult{
		Summary: fmt.Sprintf("wrote %s (%d bytes)", rel, len(content)),
		Target:  rel,
	}, nil
}

func (w *Workspace) editFile(_ context.Context, _ string, params map[string]any, _ *state.TaskState) (executor.ActionResult, error) {
	rel := stringParam(params, "path")
	path, err := w.Resolve(rel)
	if err != nil {
		return failure(rel, "cannot edit "+rel, err), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return failure(rel, "cannot edit "+rel, err), nil
	}

	oldText := stringParam(params, "old_text")
	newText := stringParam(params, "new_text")
	switch n := strings.Count(string(data), oldText); n {
	case 0:
		return failure(rel, fmt.Sprintf("cannot edit %s: old_text not found", rel), nil), nil
	case 1:
	default:
		return failure(rel, fmt.Sprintf("cannot edit %s: old_text matches %d times", rel, n), nil), nil
	}

	updated := strings.Replace(string(data), oldText, newText, 1)
	info, err := os.Stat(path)
	if err != nil {
		return failure(rel, "cannot edit "+rel, err), nil
	}
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return failure(rel, "cannot edit "+rel, err), nil
	}
	return executor.ActionResult{
		Summary: fmt.Sprintf("edited %s (-%d +%d lines)", rel, lineCount(oldText), lineCount(newText)),
		Target:  rel,
	}, nil
}

func (w *Workspace) listDir(_ context.Context, _ string, params map[string]any, _ *state.TaskState) (executor.ActionResult, error) {
	rel := stringParam(params, "path")
	if rel == "" {
		rel = "."
	}
	path, err := w.Resolve(rel)
	if err != nil {
		return failure(rel, "cannot list "+rel, err), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return failure(rel, "cannot list "+rel, err), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return executor.ActionResult{
		Summary: fmt.Sprintf("listed %s (%d entries)", rel, len(names)),
		Target:  rel,
		Loaded:  map[string]any{"dir:" + rel: strings.Join(names, "\n")},
	}, nil
}

// runCheck runs the task's check or test command. A zero exit passes; the
// violation count is read from output of the form "N violations".
func (w *Workspace) runCheck(ctx context.Context, _ string, _ map[string]any, st *state.TaskState) (executor.ActionResult, error) {
	command := w.CheckCommand
	for _, key := range checkCommandKeys {
		if c := st.ContextString(key); c != "" {
			command = c
			break
		}
	}
	if command == "" {
		return failure("", "no check command configured", nil), nil
	}

	timeout := w.CheckTimeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, code, err := w.Runner.Run(runCtx, w.Root, command)
	if err != nil {
		if ctx.Err() != nil {
			return executor.ActionResult{}, err
		}
		return failure(command, "check did not run", err), nil
	}

	violations, counted := budget.ViolationCount(output)
	passed := code == 0 && (!counted || violations == 0)

	var (
		passing, failing int
		summary          string
	)
	if passed {
		passing, failing = 1, 0
		summary = "check passed: 0 violations"
	} else {
		if !counted || violations == 0 {
			violations = 1
		}
		failing = violations
		summary = fmt.Sprintf("check failed (exit %d): %s", code, plural(violations, "violation"))
	}

	res := executor.ActionResult{
		Summary: summary,
		Target:  command,
		Verification: &state.VerificationUpdate{
			ChecksPassing: &passing,
			ChecksFailing: &failing,
			TestsPassing:  &passed,
		},
	}
	if !passed {
		res.Status = state.ResultFailure
		res.Error = fmt.Sprintf("exit status %d", code)
	}
	if out, _ := tokens.CompressToLimit(output, maxOutputTokens, tokens.KindList); out != "" {
		res.Loaded = map[string]any{"check_output": out}
	}
	return res, nil
}

func failure(target, summary string, err error) executor.ActionResult {
	res := executor.ActionResult{
		Status:  state.ResultFailure,
		Summary: summary,
		Target:  target,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}
