package schema

import (
	"github.com/thruflo/ember/internal/state"
)

// Names of the actions handled by the executor itself.
const (
	ActionComplete  = "complete"
	ActionEscalate  = "escalate"
	ActionCannotFix = "cannot_fix"
)

// Names of the workspace actions shipped with the CLI.
const (
	ActionReadFile  = "read_file"
	ActionWriteFile = "write_file"
	ActionEditFile  = "edit_file"
	ActionListDir   = "list_dir"
	ActionRunCheck  = "run_check"
)

// ActionDef describes an action the model may choose.
type ActionDef struct {
	Name        string
	Description string
	// Parameters documents the parameters in display order.
	Parameters []Param
	// Schema is a JSON Schema document for the parameters object. Empty
	// means any object is accepted.
	Schema string
	// Phases lists the phases the action is offered in. Empty means all
	// non-terminal phases.
	Phases []state.Phase
}

// Param is one documented action parameter.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// AvailableIn reports whether the action is offered in phase p.
func (a ActionDef) AvailableIn(p state.Phase) bool {
	if len(a.Phases) == 0 {
		return !p.IsTerminal()
	}
	for _, allowed := range a.Phases {
		if allowed == p {
			return true
		}
	}
	return false
}

var mutatingPhases = []state.Phase{state.PhasePlan, state.PhaseImplement, state.PhaseVerify}

// BuiltinActions returns the terminal directives every schema offers.
func BuiltinActions() []ActionDef {
	return []ActionDef{
		{
			Name:        ActionComplete,
			Description: "Finish the task. Only succeeds once verification reports ready for completion.",
			Parameters:  []Param{{Name: "summary", Description: "what was changed"}},
			Schema:      `{"type":"object","properties":{"summary":{"type":"string"}}}`,
		},
		{
			Name:        ActionEscalate,
			Description: "Hand the task to a human. Use when blocked on information you cannot obtain.",
			Parameters:  []Param{{Name: "reason", Description: "why a human is needed", Required: true}},
			Schema:      `{"type":"object","required":["reason"],"properties":{"reason":{"type":"string","minLength":1}}}`,
		},
		{
			Name:        ActionCannotFix,
			Description: "Declare the task unfixable as specified, with an honest explanation.",
			Parameters:  []Param{{Name: "reason", Description: "why it cannot be fixed", Required: true}},
			Schema:      `{"type":"object","required":["reason"],"properties":{"reason":{"type":"string","minLength":1}}}`,
		},
	}
}

// WorkspaceActions returns the file and check actions. Editing is withheld
// until the task has left INIT and ANALYZE.
func WorkspaceActions() []ActionDef {
	return []ActionDef{
		{
			Name:        ActionReadFile,
			Description: "Read a file, optionally a line range.",
			Parameters: []Param{
				{Name: "path", Description: "file path relative to the project", Required: true},
				{Name: "start_line", Description: "first line, 1-based"},
				{Name: "end_line", Description: "last line, inclusive"},
			},
			Schema: `{"type":"object","required":["path"],"properties":{
				"path":{"type":"string","minLength":1},
				"start_line":{"type":"integer","minimum":1},
				"end_line":{"type":"integer","minimum":1}}}`,
		},
		{
			Name:        ActionListDir,
			Description: "List the entries of a directory.",
			Parameters:  []Param{{Name: "path", Description: "directory path, defaults to the project root"}},
			Schema:      `{"type":"object","properties":{"path":{"type":"string"}}}`,
		},
		{
			Name:        ActionEditFile,
			Description: "Replace one exact occurrence of old_text with new_text.",
			Parameters: []Param{
				{Name: "path", Description: "file to edit", Required: true},
				{Name: "old_text", Description: "exact text to replace", Required: true},
				{Name: "new_text", Description: "replacement text", Required: true},
			},
			Schema: `{"type":"object","required":["path","old_text","new_text"],"properties":{
				"path":{"type":"string","minLength":1},
				"old_text":{"type":"string","minLength":1},
				"new_text":{"type":"string"}}}`,
			Phases: mutatingPhases,
		},
		{
			Name:        ActionWriteFile,
			Description: "Create or overwrite a file with the given content.",
			Parameters: []Param{
				{Name: "path", Description: "file to write", Required: true},
				{Name: "content", Description: "full file content", Required: true},
			},
			Schema: `{"type":"object","required":["path","content"],"properties":{
				"path":{"type":"string","minLength":1},
				"content":{"type":"string"}}}`,
			Phases: mutatingPhases,
		},
		{
			Name:        ActionRunCheck,
			Description: "Run the task's verification command and report pass/fail.",
			Schema:      `{"type":"object"}`,
		},
	}
}
