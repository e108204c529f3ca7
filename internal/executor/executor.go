package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/thruflo/ember/internal/action"
	"github.com/thruflo/ember/internal/budget"
	"github.com/thruflo/ember/internal/llm"
	"github.com/thruflo/ember/internal/logging"
	"github.com/thruflo/ember/internal/memory"
	"github.com/thruflo/ember/internal/metrics"
	"github.com/thruflo/ember/internal/schema"
	"github.com/thruflo/ember/internal/state"
	"github.com/thruflo/ember/internal/stepctx"
)

var tracer = otel.Tracer("ember.executor")

// Defaults for Options.
const (
	DefaultMaxIterations     = 50
	DefaultMaxResponseTokens = 2048
	DefaultHistoryWindow     = 5
	DefaultLoadedContextTTL  = 3
)

// Context data keys written by the built-in actions.
const (
	KeyCannotFixReason  = "cannot_fix_reason"
	KeyEscalationReason = "escalation_reason"
	KeyCompletionNote   = "completion_summary"
)

// ErrNoProvider is returned by New when no model provider is configured.
var ErrNoProvider = errors.New("executor requires an LLM provider")

// ActionResult is what an ActionFunc reports back.
type ActionResult struct {
	// Status is success, failure or partial. Empty means success.
	Status  state.Result
	Summary string
	Error   string
	// Fatal moves the task to FAILED and ends the run.
	Fatal  bool
	Target string
	// Verification, when set, is merged into the task's verification status.
	Verification *state.VerificationUpdate
	// Loaded snippets are placed in working memory as loaded context for a
	// few steps, keyed by name.
	Loaded map[string]any
	// ContextData is merged into the task's context_data.
	ContextData map[string]any
}

// ActionFunc executes one named action. st is the state the step was built
// from; implementations report changes through ActionResult instead of
// writing to it. A returned error ends the run without failing the task.
type ActionFunc func(ctx context.Context, name string, params map[string]any, st *state.TaskState) (ActionResult, error)

// StepOutcome describes one executed step.
type StepOutcome struct {
	TaskID string
	// Step is the step number recorded for the action, or 0 when the step
	// ended before an action was chosen.
	Step       int
	Action     string
	Parameters map[string]any
	Confidence action.Confidence
	Result     state.Result
	Summary    string
	Error      string
	Fatal      bool
	// Skipped is set when the task was already terminal and nothing ran.
	Skipped        bool
	ShouldContinue bool
	Phase          state.Phase
	TokensUsed     int
	ContextTokens  int
	Duration       time.Duration
}

// Succeeded reports whether the step's action succeeded.
func (o StepOutcome) Succeeded() bool {
	return o.Result == state.ResultSuccess
}

// Options configures an Executor.
type Options struct {
	Store    *state.Store
	Builder  *stepctx.Builder
	Provider llm.Provider
	// Schemas is used to reject actions the task type defines but does not
	// offer in the current phase, and to find parameter schemas. Optional.
	Schemas     stepctx.SchemaResolver
	ProjectPath string
	// Validator checks parameters of registered actions. Built-in actions
	// are never rejected for their parameters.
	Validator *action.Validator
	Logger    *logging.Logger
	Metrics   *metrics.Recorder

	Budget            budget.Config
	MaxIterations     int
	MaxResponseTokens int
	HistoryWindow     int
	MemoryMaxItems    int
	LoadedContextTTL  int
}

// Executor runs task steps. It holds configuration and the action table
// only; task state is always read from the store.
type Executor struct {
	store     *state.Store
	builder   *stepctx.Builder
	provider  llm.Provider
	schemas   stepctx.SchemaResolver
	validator *action.Validator
	log       *logging.Logger
	metrics   *metrics.Recorder
	opts      Options

	mu      sync.RWMutex
	actions map[string]ActionFunc

	now func() time.Time
}

// New creates an Executor. Store, Builder and Provider are required.
func New(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("executor requires a task store")
	}
	if opts.Builder == nil {
		return nil, errors.New("executor requires a context builder")
	}
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxResponseTokens <= 0 {
		opts.MaxResponseTokens = DefaultMaxResponseTokens
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.LoadedContextTTL <= 0 {
		opts.LoadedContextTTL = DefaultLoadedContextTTL
	}

	v := opts.Validator
	if v == nil {
		v = action.NewValidator()
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	return &Executor{
		store:     opts.Store,
		builder:   opts.Builder,
		provider:  opts.Provider,
		schemas:   opts.Schemas,
		validator: v,
		log:       log.Named("executor"),
		metrics:   opts.Metrics,
		opts:      opts,
		actions:   make(map[string]ActionFunc),
		now:       time.Now,
	}, nil
}

// Register binds fn to the named action, replacing any previous binding.
// Built-in action names cannot be overridden.
func (e *Executor) Register(name string, fn ActionFunc) error {
	if isBuiltin(name) {
		return fmt.Errorf("cannot override built-in action %q", name)
	}
	if fn == nil {
		return fmt.Errorf("action %q: nil function", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = fn
	return nil
}

// RegisterDef binds fn to def.Name and validates parameters against
// def.Schema before every call.
func (e *Executor) RegisterDef(def schema.ActionDef, fn ActionFunc) error {
	if err := e.Register(def.Name, fn); err != nil {
		return err
	}
	return e.validator.Register(def.Name, def.Schema)
}

// Actions returns the registered action names, sorted.
func (e *Executor) Actions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.actions))
	for name := range e.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Executor) lookup(name string) (ActionFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.actions[name]
	return fn, ok
}

func isBuiltin(name string) bool {
	switch name {
	case schema.ActionComplete, schema.ActionEscalate, schema.ActionCannotFix:
		return true
	}
	return false
}

// ExecuteStep runs one step of the task. Step-level failures (missing task,
// model errors, action errors and panics) are reported in the outcome with
// ShouldContinue false. The returned error is reserved for persistence
// failures, after which the task directory may not reflect the step.
func (e *Executor) ExecuteStep(ctx context.Context, taskID string) (StepOutcome, error) {
	ctx, span := tracer.Start(ctx, "executor.ExecuteStep",
		trace.WithAttributes(attribute.String("task.id", taskID)),
	)
	defer span.End()

	start := e.now()
	out, err := e.executeStep(ctx, taskID)
	out.TaskID = taskID
	out.Duration = e.now().Sub(start)

	span.SetAttributes(
		attribute.String("action.name", out.Action),
		attribute.String("action.result", string(out.Result)),
		attribute.Int("step", out.Step),
		attribute.Int("tokens.used", out.TokensUsed),
		attribute.Bool("should_continue", out.ShouldContinue),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
	case out.Result == state.ResultFailure:
		span.SetStatus(codes.Error, out.Summary)
	}

	if !out.Skipped && out.Action != "" {
		e.metrics.ObserveStep(out.Action, string(out.Result), out.Duration, out.TokensUsed)
	}
	return out, err
}

func (e *Executor) executeStep(ctx context.Context, taskID string) (StepOutcome, error) {
	log := e.log.With("task", taskID)

	st, err := e.store.Load(taskID)
	if err != nil {
		return failed("", fmt.Sprintf("failed to load task: %v", err)), err
	}
	if st == nil {
		return failed("", fmt.Sprintf("task %s not found", taskID)), nil
	}
	if st.Phase.IsTerminal() {
		return StepOutcome{
			Result:  state.ResultSuccess,
			Summary: fmt.Sprintf("task already %s", st.Phase),
			Skipped: true,
			Phase:   st.Phase,
		}, nil
	}

	// Leaving INIT is saved with the step's record, so a step that records
	// nothing leaves the task where it was.
	from := st.Phase
	st.Phase = st.Phase.Active()

	sc, err := e.builder.Build(taskID)
	if err != nil {
		log.Error("context build failed", "error", err)
		return failed("", fmt.Sprintf("failed to build context: %v", err)), nil
	}
	e.metrics.ObserveContext(sc.TotalTokens, sc.Compressed)

	messages := sc.Messages()
	resp, err := e.generate(ctx, messages)
	if err != nil {
		log.Warn("model call failed", "error", err)
		out := failed("", fmt.Sprintf("model call failed: %v", err))
		out.Phase = from
		out.ContextTokens = sc.TotalTokens
		return out, nil
	}
	tokensUsed := llm.TokensUsed(e.provider, messages, resp)

	act := action.Parse(resp.Text)
	log.Debug("parsed action", "action", act.Name, "confidence", act.Confidence)

	started := e.now()
	res, runErr := e.dispatch(ctx, act, st)
	elapsed := e.now().Sub(started)
	if res.Status == "" {
		res.Status = state.ResultSuccess
	}
	if runErr != nil {
		res.Status = state.ResultFailure
		if res.Summary == "" {
			res.Summary = fmt.Sprintf("%s failed", act.Name)
		}
		res.Error = runErr.Error()
	}

	out := StepOutcome{
		Action:        act.Name,
		Parameters:    act.Parameters,
		Confidence:    act.Confidence,
		Result:        res.Status,
		Summary:       res.Summary,
		Error:         res.Error,
		Fatal:         res.Fatal,
		TokensUsed:    tokensUsed,
		ContextTokens: sc.TotalTokens,
	}

	if err := e.persist(taskID, from, st, act, res, elapsed, tokensUsed, &out); err != nil {
		log.Error("failed to persist step", "error", err)
		out.ShouldContinue = false
		return out, err
	}

	out.ShouldContinue = runErr == nil && !res.Fatal && !out.Phase.IsTerminal()
	log.Info("step executed",
		"step", out.Step,
		"action", out.Action,
		"result", out.Result,
		"phase", out.Phase,
		"tokens", tokensUsed,
	)
	return out, nil
}

func (e *Executor) generate(ctx context.Context, messages []llm.Message) (*llm.Response, error) {
	ctx, span := tracer.Start(ctx, "executor.Generate")
	defer span.End()

	resp, err := e.provider.Generate(ctx, messages, e.opts.MaxResponseTokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("provider returned no response")
	}
	return resp, nil
}

// dispatch executes the parsed action. Non-nil errors are action errors or
// recovered panics.
func (e *Executor) dispatch(ctx context.Context, act action.Action, st *state.TaskState) (res ActionResult, err error) {
	if act.IsUnknown() {
		return ActionResult{
			Status:  state.ResultFailure,
			Summary: "unknown action: response did not contain a usable action block",
			Error:   act.ParseError,
		}, nil
	}

	if msg, ok := e.checkAvailable(act.Name, st); !ok {
		return ActionResult{Status: state.ResultFailure, Summary: msg, Error: msg}, nil
	}

	switch act.Name {
	case schema.ActionComplete:
		return complete(act.Parameters, st), nil
	case schema.ActionEscalate:
		return withReason("escalated", KeyEscalationReason, act.Parameters), nil
	case schema.ActionCannotFix:
		return withReason("cannot fix", KeyCannotFixReason, act.Parameters), nil
	}

	if verr := e.validator.Validate(act.Name, act.Parameters); verr != nil {
		return ActionResult{Status: state.ResultFailure, Summary: verr.Error(), Error: verr.Error()}, nil
	}

	fn, ok := e.lookup(act.Name)
	if !ok {
		msg := fmt.Sprintf("unknown action %q", act.Name)
		return ActionResult{Status: state.ResultFailure, Summary: msg, Error: msg}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("action panicked", "action", act.Name, "panic", r, "stack", string(debug.Stack()))
			res = ActionResult{Summary: fmt.Sprintf("%s panicked", act.Name)}
			err = fmt.Errorf("action %s panicked: %v", act.Name, r)
		}
	}()

	actx, span := tracer.Start(ctx, "executor.Action",
		trace.WithAttributes(attribute.String("action.name", act.Name)),
	)
	defer span.End()
	res, err = fn(actx, act.Name, act.Parameters, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// checkAvailable rejects actions the task type defines but withholds in
// the current phase. Actions the schema does not know are left to the
// action table.
func (e *Executor) checkAvailable(name string, st *state.TaskState) (string, bool) {
	if e.schemas == nil || isBuiltin(name) {
		return "", true
	}
	sch, err := e.schemas.SchemaFor(st.TaskType, e.opts.ProjectPath)
	if err != nil {
		return "", true
	}
	def, ok := schema.Lookup(sch, name)
	if !ok {
		return "", true
	}
	if !def.AvailableIn(st.Phase) {
		return fmt.Sprintf("action %s is not available in phase %s", name, st.Phase), false
	}
	if !e.validator.Has(name) && strings.TrimSpace(def.Schema) != "" {
		if err := e.validator.Register(name, def.Schema); err != nil {
			e.log.Warn("ignoring invalid action schema", "action", name, "error", err)
		}
	}
	return "", true
}

func withReason(verb, key string, params map[string]any) ActionResult {
	reason := stringParam(params, "reason")
	if reason == "" {
		return ActionResult{Summary: verb + " (no reason given)"}
	}
	return ActionResult{
		Summary:     verb + ": " + reason,
		ContextData: map[string]any{key: reason},
	}
}

func complete(params map[string]any, st *state.TaskState) ActionResult {
	v := st.Verification
	if !v.ReadyForCompletion {
		msg := fmt.Sprintf("cannot complete: verification not ready (checks_failing=%d, tests_passing=%t)",
			v.ChecksFailing, v.TestsPassing)
		return ActionResult{Status: state.ResultFailure, Summary: msg, Error: msg}
	}
	res := ActionResult{Summary: "task complete"}
	if s := stringParam(params, "summary"); s != "" {
		res.Summary = "task complete: " + s
		res.ContextData = map[string]any{KeyCompletionNote: s}
	}
	return res
}

// persist writes the step in order: step counter, action record, working
// memory, verification, context data and phase.
func (e *Executor) persist(taskID string, from state.Phase, st *state.TaskState, act action.Action, res ActionResult, elapsed time.Duration, tokensUsed int, out *StepOutcome) error {
	step, err := e.store.IncrementStep(taskID)
	if err != nil {
		return fmt.Errorf("failed to increment step: %w", err)
	}
	out.Step = step

	if _, err := e.store.RecordAction(taskID, state.ActionRecord{
		Step:       step,
		Action:     act.Name,
		Target:     res.Target,
		Parameters: act.Parameters,
		Result:     res.Status,
		Summary:    res.Summary,
		DurationMS: elapsed.Milliseconds(),
		Error:      res.Error,
		TokensUsed: tokensUsed,
	}); err != nil {
		return fmt.Errorf("failed to record action: %w", err)
	}

	mem := memory.NewManager(e.store.TaskDir(taskID), e.opts.MemoryMaxItems)
	if err := mem.AddActionResult(memory.ActionResult{
		Action:  act.Name,
		Result:  string(res.Status),
		Summary: res.Summary,
		Step:    step,
		Target:  res.Target,
	}); err != nil {
		return fmt.Errorf("failed to update working memory: %w", err)
	}
	keys := make([]string, 0, len(res.Loaded))
	for k := range res.Loaded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := mem.LoadContext(k, res.Loaded[k], step, e.opts.LoadedContextTTL); err != nil {
			return fmt.Errorf("failed to load context %s: %w", k, err)
		}
	}
	if _, err := mem.Prune(step); err != nil {
		return fmt.Errorf("failed to prune working memory: %w", err)
	}

	verification := st.Verification
	verified := res.Verification != nil && !res.Verification.IsEmpty()
	if verified {
		verification, err = e.store.UpdateVerification(taskID, *res.Verification)
		if err != nil {
			return fmt.Errorf("failed to update verification: %w", err)
		}
	}

	if len(res.ContextData) > 0 {
		if err := e.store.UpdateContextData(taskID, res.ContextData); err != nil {
			return fmt.Errorf("failed to update context data: %w", err)
		}
	}

	phase := st.Phase
	switch {
	case res.Fatal:
		msg := res.Error
		if msg == "" {
			msg = res.Summary
		}
		if err := e.store.SetError(taskID, msg); err != nil {
			return fmt.Errorf("failed to mark task failed: %w", err)
		}
		phase = state.PhaseFailed
	case res.Status == state.ResultSuccess && act.Name == schema.ActionComplete:
		phase = state.PhaseComplete
	case res.Status == state.ResultSuccess && (act.Name == schema.ActionEscalate || act.Name == schema.ActionCannotFix):
		phase = state.PhaseEscalated
	default:
		phase = inferPhase(st.Phase, act.Name, res.Status, verification, verified)
	}
	if phase != from && phase != state.PhaseFailed {
		if err := e.store.UpdatePhase(taskID, phase); err != nil {
			return fmt.Errorf("failed to update phase: %w", err)
		}
	}
	out.Phase = phase
	return nil
}

func failed(name, msg string) StepOutcome {
	return StepOutcome{
		Action:  name,
		Result:  state.ResultFailure,
		Summary: msg,
		Error:   msg,
	}
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
