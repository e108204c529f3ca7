package executor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thruflo/ember/internal/budget"
	"github.com/thruflo/ember/internal/state"
)

// StopReason indicates why a run stopped.
type StopReason int

const (
	StopUnknown         StopReason = iota
	StopCompleted                  // complete action succeeded
	StopEscalated                  // escalate or cannot_fix
	StopFailed                     // fatal action failure, task is FAILED
	StopActionStop                 // step error: model, action error, panic or persistence
	StopRunaway                    // same action failing the same way
	StopNoProgress                 // several steps without progress
	StopReadOnlyLoop               // only reads for too long
	StopBudgetExhausted            // adaptive budget used up
	StopMaxIterations              // hard iteration ceiling
	StopCancelled                  // context cancelled
)

// String returns the stop reason's name.
func (r StopReason) String() string {
	switch r {
	case StopCompleted:
		return "completed"
	case StopEscalated:
		return "escalated"
	case StopFailed:
		return "failed"
	case StopActionStop:
		return "action_stop"
	case StopRunaway:
		return "runaway"
	case StopNoProgress:
		return "no_progress"
	case StopReadOnlyLoop:
		return "read_only_loop"
	case StopBudgetExhausted:
		return "budget_exhausted"
	case StopMaxIterations:
		return "max_iterations"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RunOptions configures one RunUntilComplete call.
type RunOptions struct {
	// MaxIterations is the hard step ceiling. Zero uses the executor's.
	MaxIterations int
	// OnStep is called after every step.
	OnStep func(StepOutcome)
	// Budget is the adaptive budget for this run. When nil a fresh one is
	// created from the executor's budget config.
	Budget *budget.Adaptive
}

// RunResult contains the outcome of a run.
type RunResult struct {
	TaskID string
	Reason StopReason
	// Message is a human-readable explanation of Reason.
	Message string
	// Steps counts the steps this run recorded in the action log.
	Steps      int
	TokensUsed int
	Outcomes   []StepOutcome
	// Phase is the task's phase after the last step.
	Phase state.Phase
}

// Completed reports whether the run ended with the task complete.
func (r RunResult) Completed() bool {
	return r.Reason == StopCompleted
}

// Last returns the final step outcome, if any.
func (r RunResult) Last() (StepOutcome, bool) {
	if len(r.Outcomes) == 0 {
		return StepOutcome{}, false
	}
	return r.Outcomes[len(r.Outcomes)-1], true
}

// RunUntilComplete executes steps until an action ends the task, a step
// fails hard, the adaptive budget stops the run, the iteration ceiling is
// reached, or ctx is cancelled. The budget is consulted after every step
// with the most recent action records from the store, and its step count
// is relative to this run. The returned error is only set for persistence
// failures.
func (e *Executor) RunUntilComplete(ctx context.Context, taskID string, opts RunOptions) (RunResult, error) {
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = e.opts.MaxIterations
	}
	adaptive := opts.Budget
	if adaptive == nil {
		adaptive = budget.New(e.opts.Budget)
	}

	ctx, span := tracer.Start(ctx, "executor.RunUntilComplete",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("max_iterations", maxIter),
		),
	)
	defer span.End()

	log := e.log.With("task", taskID)
	result := RunResult{TaskID: taskID}

	finish := func(reason StopReason, msg string) (RunResult, error) {
		result.Reason = reason
		result.Message = msg
		span.SetAttributes(
			attribute.String("stop.reason", reason.String()),
			attribute.Int("steps", result.Steps),
		)
		e.metrics.ObserveStop(reason.String())
		log.Info("run stopped", "reason", reason, "steps", result.Steps, "message", msg)
		return result, nil
	}

	for i := 0; i < maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return finish(StopCancelled, fmt.Sprintf("Cancelled: %v", err))
		}

		out, err := e.ExecuteStep(ctx, taskID)
		if !out.Skipped {
			result.TokensUsed += out.TokensUsed
			result.Outcomes = append(result.Outcomes, out)
		}
		if out.Step > 0 {
			result.Steps++
		}
		if out.Phase != "" {
			result.Phase = out.Phase
		}
		if opts.OnStep != nil {
			opts.OnStep(out)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step persistence failed")
			res, _ := finish(StopActionStop, out.Summary)
			return res, err
		}

		if !out.ShouldContinue {
			return finish(reasonFor(ctx, out), stopMessage(out))
		}

		recent, err := e.store.RecentActions(taskID, e.opts.HistoryWindow)
		if err != nil {
			span.RecordError(err)
			res, _ := finish(StopActionStop, fmt.Sprintf("failed to read recent actions: %v", err))
			return res, err
		}
		if d := adaptive.Check(result.Steps, recent); !d.Continue {
			return finish(budgetReason(d.Stop), d.Reason)
		}
	}

	return finish(StopMaxIterations, fmt.Sprintf("Reached max iterations (%d)", maxIter))
}

func reasonFor(ctx context.Context, out StepOutcome) StopReason {
	switch out.Phase {
	case state.PhaseComplete:
		return StopCompleted
	case state.PhaseEscalated:
		return StopEscalated
	case state.PhaseFailed:
		return StopFailed
	}
	if ctx.Err() != nil {
		return StopCancelled
	}
	return StopActionStop
}

func stopMessage(out StepOutcome) string {
	if out.Error != "" && out.Error != out.Summary {
		return fmt.Sprintf("%s: %s", out.Summary, out.Error)
	}
	return out.Summary
}

func budgetReason(s budget.Stop) StopReason {
	switch s {
	case budget.StopRunaway:
		return StopRunaway
	case budget.StopNoProgress:
		return StopNoProgress
	case budget.StopReadOnlyLoop:
		return StopReadOnlyLoop
	case budget.StopBudgetExhausted:
		return StopBudgetExhausted
	default:
		return StopUnknown
	}
}
