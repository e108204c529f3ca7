package executor

import (
	"github.com/thruflo/ember/internal/budget"
	"github.com/thruflo/ember/internal/state"
)

// inferPhase returns the phase a task should move to after an action.
// Reads in ANALYZE open the plan, mutations mean implementation has started,
// and checks move to VERIFY when they pass or back to IMPLEMENT when they
// fail after a change. The current phase is returned when nothing applies.
func inferPhase(cur state.Phase, name string, result state.Result, v state.Verification, verified bool) state.Phase {
	if cur.IsTerminal() {
		return cur
	}

	next := cur
	switch budget.Classify(name) {
	case budget.KindRead:
		if result == state.ResultSuccess && cur == state.PhaseAnalyze {
			next = state.PhasePlan
		}
	case budget.KindMutation:
		if result == state.ResultSuccess {
			next = state.PhaseImplement
		}
	case budget.KindCheck:
		passed := result == state.ResultSuccess && (!verified || v.ChecksFailing == 0)
		switch {
		case passed:
			next = state.PhaseVerify
		case cur == state.PhaseVerify:
			next = state.PhaseImplement
		}
	}

	if next != cur && state.CanTransition(cur, next) {
		return next
	}
	return cur
}
