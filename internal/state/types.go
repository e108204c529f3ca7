package state

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the lifecycle phase of a task.
type Phase string

const (
	PhaseInit      Phase = "INIT"
	PhaseAnalyze   Phase = "ANALYZE"
	PhasePlan      Phase = "PLAN"
	PhaseImplement Phase = "IMPLEMENT"
	PhaseVerify    Phase = "VERIFY"
	PhaseCommit    Phase = "COMMIT"
	PhaseComplete  Phase = "COMPLETE"
	PhaseFailed    Phase = "FAILED"
	PhaseEscalated Phase = "ESCALATED"
)

// AllPhases returns every phase in lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhaseInit, PhaseAnalyze, PhasePlan, PhaseImplement, PhaseVerify,
		PhaseCommit, PhaseComplete, PhaseFailed, PhaseEscalated,
	}
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseEscalated
}

// IsWorking reports whether p is one of the re-entrant working phases.
func (p Phase) IsWorking() bool {
	switch p {
	case PhaseAnalyze, PhasePlan, PhaseImplement, PhaseVerify:
		return true
	}
	return false
}

// Active returns the phase a step in p runs in. A task's first step runs in
// ANALYZE.
func (p Phase) Active() Phase {
	if p == PhaseInit {
		return PhaseAnalyze
	}
	return p
}

// IsValid reports whether p is a known phase.
func (p Phase) IsValid() bool {
	for _, known := range AllPhases() {
		if p == known {
			return true
		}
	}
	return false
}

func (p Phase) String() string {
	return string(p)
}

// ParsePhase parses a phase name case-insensitively.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown phase: %q", s)
	}
	return p, nil
}

// CanTransition reports whether a task may move from one phase to another.
// Staying put is always allowed for non-terminal phases. INIT can only be
// left, the working phases may loop among themselves, COMMIT may only move
// to a terminal phase, and terminal phases never change.
func CanTransition(from, to Phase) bool {
	if !from.IsValid() || !to.IsValid() {
		return false
	}
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	if to == PhaseInit {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	switch from {
	case PhaseInit:
		return true
	case PhaseCommit:
		return false
	default:
		return to.IsWorking() || to == PhaseCommit
	}
}

// Verification is the verification status embedded in a task's state.
// ReadyForCompletion is derived: ChecksFailing == 0 && TestsPassing.
type Verification struct {
	ChecksPassing      int  `yaml:"checks_passing" json:"checks_passing"`
	ChecksFailing      int  `yaml:"checks_failing" json:"checks_failing"`
	TestsPassing       bool `yaml:"tests_passing" json:"tests_passing"`
	ReadyForCompletion bool `yaml:"ready_for_completion" json:"ready_for_completion"`
}

// Recompute refreshes the derived ReadyForCompletion flag.
func (v *Verification) Recompute() {
	v.ReadyForCompletion = v.ChecksFailing == 0 && v.TestsPassing
}

// VerificationUpdate is a partial update; nil fields are left unchanged.
type VerificationUpdate struct {
	ChecksPassing *int  `yaml:"checks_passing,omitempty" json:"checks_passing,omitempty"`
	ChecksFailing *int  `yaml:"checks_failing,omitempty" json:"checks_failing,omitempty"`
	TestsPassing  *bool `yaml:"tests_passing,omitempty" json:"tests_passing,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u VerificationUpdate) IsEmpty() bool {
	return u.ChecksPassing == nil && u.ChecksFailing == nil && u.TestsPassing == nil
}

// Apply merges the update into v and recomputes the derived flag.
func (u VerificationUpdate) Apply(v *Verification) {
	if u.ChecksPassing != nil {
		v.ChecksPassing = *u.ChecksPassing
	}
	if u.ChecksFailing != nil {
		v.ChecksFailing = *u.ChecksFailing
	}
	if u.TestsPassing != nil {
		v.TestsPassing = *u.TestsPassing
	}
	v.Recompute()
}

// TaskState is the full state of one task, assembled from task.yaml
// (immutable identity) and state.yaml (mutable progress).
type TaskState struct {
	TaskID          string
	TaskType        string
	Goal            string
	SuccessCriteria []string
	Constraints     []string
	CreatedAt       time.Time

	Phase        Phase
	CurrentStep  int
	Verification Verification
	ContextData  map[string]any
	Error        string
	LastUpdated  time.Time
}

// Typed decodes ContextData into the variant registered for TaskType.
func (s *TaskState) Typed() (ContextData, error) {
	return DecodeContextData(s.TaskType, s.ContextData)
}

// ContextString returns a context_data value rendered as a string, or "".
func (s *TaskState) ContextString(key string) string {
	v, ok := s.ContextData[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// taskMeta is the on-disk shape of task.yaml.
type taskMeta struct {
	TaskID          string    `yaml:"task_id"`
	TaskType        string    `yaml:"task_type"`
	Goal            string    `yaml:"goal"`
	SuccessCriteria []string  `yaml:"success_criteria"`
	Constraints     []string  `yaml:"constraints"`
	CreatedAt       time.Time `yaml:"created_at"`
}

// mutableState is the on-disk shape of state.yaml.
type mutableState struct {
	Phase        Phase          `yaml:"phase"`
	CurrentStep  int            `yaml:"current_step"`
	Verification Verification   `yaml:"verification"`
	LastUpdated  time.Time      `yaml:"last_updated"`
	Error        string         `yaml:"error,omitempty"`
	ContextData  map[string]any `yaml:"context_data"`
}

// Result is the outcome recorded for an action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPartial Result = "partial"
)

// IsValid reports whether r is one of the known results.
func (r Result) IsValid() bool {
	return r == ResultSuccess || r == ResultFailure || r == ResultPartial
}

// ActionRecord is one entry of the append-only action log.
type ActionRecord struct {
	Step       int            `yaml:"step" json:"step"`
	Action     string         `yaml:"action" json:"action"`
	Target     string         `yaml:"target,omitempty" json:"target,omitempty"`
	Parameters map[string]any `yaml:"parameters" json:"parameters"`
	Result     Result         `yaml:"result" json:"result"`
	Summary    string         `yaml:"summary" json:"summary"`
	Timestamp  time.Time      `yaml:"timestamp" json:"timestamp"`
	DurationMS int64          `yaml:"duration_ms" json:"duration_ms"`
	Error      string         `yaml:"error,omitempty" json:"error,omitempty"`
	TokensUsed int            `yaml:"tokens_used,omitempty" json:"tokens_used,omitempty"`
}

// actionLog is the on-disk shape of actions.yaml.
type actionLog struct {
	Actions []ActionRecord `yaml:"actions"`
}

// Artifact categories.
const (
	ArtifactInputs    = "inputs"
	ArtifactOutputs   = "outputs"
	ArtifactSnapshots = "snapshots"
)

// ArtifactCategories returns the valid artifact categories.
func ArtifactCategories() []string {
	return []string{ArtifactInputs, ArtifactOutputs, ArtifactSnapshots}
}
