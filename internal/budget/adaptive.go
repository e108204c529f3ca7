package budget

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/thruflo/ember/internal/state"
)

// Defaults for Config.
const (
	DefaultBaseBudget          = 15
	DefaultMaxBudget           = 50
	DefaultRunawayThreshold    = 3
	DefaultNoProgressThreshold = 3

	// budgetPerProgress is how many steps each unit of progress buys.
	budgetPerProgress = 3
)

// Config holds the policy thresholds.
type Config struct {
	BaseBudget          int
	MaxBudget           int
	RunawayThreshold    int
	NoProgressThreshold int
	// MaxReadStreak stops a run after this many consecutive successful
	// read-only actions. Zero disables the guard.
	MaxReadStreak int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		BaseBudget:          DefaultBaseBudget,
		MaxBudget:           DefaultMaxBudget,
		RunawayThreshold:    DefaultRunawayThreshold,
		NoProgressThreshold: DefaultNoProgressThreshold,
	}
}

// Stop identifies why a Decision halts the run.
type Stop int

const (
	StopNone Stop = iota
	StopRunaway
	StopNoProgress
	StopReadOnlyLoop
	StopBudgetExhausted
)

func (s Stop) String() string {
	switch s {
	case StopRunaway:
		return "runaway"
	case StopNoProgress:
		return "no progress"
	case StopReadOnlyLoop:
		return "read-only loop"
	case StopBudgetExhausted:
		return "budget exhausted"
	default:
		return "none"
	}
}

// Decision is the result of Check.
type Decision struct {
	Continue bool
	Reason   string
	Stop     Stop
}

// Adaptive decides whether a run should go on. It lives for one run and is
// fed the most recent action records after every step.
type Adaptive struct {
	cfg Config

	progressCount      int
	noProgressStreak   int
	readStreak         int
	lastViolationCount *int

	lastStep   int
	classified bool
}

// New returns an Adaptive with cfg. Non-positive fields fall back to the
// defaults, except MaxReadStreak where zero means disabled.
func New(cfg Config) *Adaptive {
	d := DefaultConfig()
	if cfg.BaseBudget <= 0 {
		cfg.BaseBudget = d.BaseBudget
	}
	if cfg.MaxBudget <= 0 {
		cfg.MaxBudget = d.MaxBudget
	}
	if cfg.MaxBudget < cfg.BaseBudget {
		cfg.MaxBudget = cfg.BaseBudget
	}
	if cfg.RunawayThreshold <= 0 {
		cfg.RunawayThreshold = d.RunawayThreshold
	}
	if cfg.NoProgressThreshold <= 0 {
		cfg.NoProgressThreshold = d.NoProgressThreshold
	}
	if cfg.MaxReadStreak < 0 {
		cfg.MaxReadStreak = 0
	}
	return &Adaptive{cfg: cfg}
}

// Config returns the effective thresholds.
func (a *Adaptive) Config() Config { return a.cfg }

// ProgressCount returns the accumulated progress units.
func (a *Adaptive) ProgressCount() int { return a.progressCount }

// NoProgressStreak returns the current run of non-progress steps.
func (a *Adaptive) NoProgressStreak() int { return a.noProgressStreak }

// LastViolationCount returns the last violation count reported by a check.
func (a *Adaptive) LastViolationCount() (int, bool) {
	if a.lastViolationCount == nil {
		return 0, false
	}
	return *a.lastViolationCount, true
}

// DynamicBudget returns min(base + 3*progress, max).
func (a *Adaptive) DynamicBudget() int {
	b := a.cfg.BaseBudget + budgetPerProgress*a.progressCount
	if b > a.cfg.MaxBudget {
		return a.cfg.MaxBudget
	}
	return b
}

// Reset clears all counters.
func (a *Adaptive) Reset() {
	*a = Adaptive{cfg: a.cfg}
}

// CheckContinue is Check reduced to (continue, reason).
func (a *Adaptive) CheckContinue(step int, recent []state.ActionRecord) (bool, string) {
	d := a.Check(step, recent)
	return d.Continue, d.Reason
}

// Check evaluates, in order: runaway, progress classification of the newest
// record, no-progress streak, the optional read streak guard, and the
// dynamic budget. recent is chronological. step is the number of steps taken
// in this run. The newest record is classified once even if Check is called
// repeatedly with the same history.
func (a *Adaptive) Check(step int, recent []state.ActionRecord) Decision {
	if reason, ok := a.detectRunaway(recent); ok {
		return Decision{Reason: reason, Stop: StopRunaway}
	}

	if len(recent) > 0 {
		last := recent[len(recent)-1]
		if !a.classified || last.Step != a.lastStep {
			a.classify(last)
			a.classified = true
			a.lastStep = last.Step
		}
	}

	if a.noProgressStreak >= a.cfg.NoProgressThreshold {
		return Decision{
			Reason: fmt.Sprintf("No progress in %d consecutive steps", a.noProgressStreak),
			Stop:   StopNoProgress,
		}
	}

	if a.cfg.MaxReadStreak > 0 && a.readStreak >= a.cfg.MaxReadStreak {
		return Decision{
			Reason: fmt.Sprintf("Read-only loop: %d consecutive reads without a change", a.readStreak),
			Stop:   StopReadOnlyLoop,
		}
	}

	if budget := a.DynamicBudget(); step >= budget {
		return Decision{
			Reason: fmt.Sprintf("Budget exhausted: %d steps of %d (progress %d)", step, budget, a.progressCount),
			Stop:   StopBudgetExhausted,
		}
	}

	return Decision{Continue: true}
}

// detectRunaway reports whether the last RunawayThreshold records are
// failures of the same action with identical parameters or error.
func (a *Adaptive) detectRunaway(recent []state.ActionRecord) (string, bool) {
	n := a.cfg.RunawayThreshold
	if len(recent) < n {
		return "", false
	}
	window := recent[len(recent)-n:]
	first := window[0]
	sameParams, sameError := true, first.Error != ""
	firstParams := canonical(first.Parameters)

	for _, r := range window {
		if r.Result != state.ResultFailure || r.Action != first.Action {
			return "", false
		}
		if canonical(r.Parameters) != firstParams {
			sameParams = false
		}
		if r.Error != first.Error {
			sameError = false
		}
	}

	switch {
	case sameParams:
		return fmt.Sprintf("Runaway detected: %s failed %d times in a row with identical parameters", first.Action, n), true
	case sameError:
		return fmt.Sprintf("Runaway detected: %s failed %d times in a row with the same error: %s", first.Action, n, first.Error), true
	}
	return "", false
}

func (a *Adaptive) classify(r state.ActionRecord) {
	kind := Classify(r.Action)
	success := r.Result == state.ResultSuccess

	if kind == KindRead && success {
		a.readStreak++
	} else {
		a.readStreak = 0
	}

	progress := 0
	activity := false
	switch kind {
	case KindMutation:
		if success {
			progress = 1
		}
	case KindCheck:
		count, hasCount := ViolationCount(r.Summary)
		switch {
		case strings.Contains(strings.ToLower(r.Summary), "passed"):
			progress = 3
		case hasCount && a.lastViolationCount != nil && count < *a.lastViolationCount:
			progress = 2
		}
		if hasCount {
			a.lastViolationCount = &count
		}
	case KindRead:
		activity = success
	}

	if progress > 0 {
		a.progressCount += progress
		a.noProgressStreak = 0
		return
	}
	if activity {
		a.noProgressStreak = 0
		return
	}
	a.noProgressStreak++
}

// ActionKind is the coarse category of an action name.
type ActionKind int

const (
	KindOther ActionKind = iota
	KindMutation
	KindCheck
	KindRead
)

func (k ActionKind) String() string {
	switch k {
	case KindMutation:
		return "mutation"
	case KindCheck:
		return "check"
	case KindRead:
		return "read"
	default:
		return "other"
	}
}

var kindWords = []struct {
	kind  ActionKind
	words []string
}{
	{KindMutation, []string{"write", "edit", "replace", "insert", "extract", "delete", "rename"}},
	{KindCheck, []string{"check", "verify", "test", "lint"}},
	{KindRead, []string{"read", "list", "search", "load", "grep", "find", "view"}},
}

// Classify buckets an action by the words in its name, split on underscores,
// hyphens and spaces. A leading verb decides the kind, so read_test_file is a
// read. Otherwise mutation wins over check, which wins over read.
func Classify(name string) ActionKind {
	tokens := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(tokens) == 0 {
		return KindOther
	}
	for _, kw := range kindWords {
		if matchesWord(tokens[0], kw.words) {
			return kw.kind
		}
	}
	for _, kw := range kindWords {
		for _, tok := range tokens[1:] {
			if matchesWord(tok, kw.words) {
				return kw.kind
			}
		}
	}
	return KindOther
}

// matchesWord reports whether tok is one of words or its plural.
func matchesWord(tok string, words []string) bool {
	for _, w := range words {
		if tok == w || tok == w+"s" {
			return true
		}
	}
	return false
}

var violationRe = regexp.MustCompile(`(?i)(\d+)\s+violations?`)

// ViolationCount extracts "N violation(s)" from a check summary.
func ViolationCount(summary string) (int, bool) {
	m := violationRe.FindStringSubmatch(summary)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// canonical renders params with sorted keys for equality checks.
func canonical(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return fmt.Sprint(params)
	}
	return string(b)
}
