// Package stepctx assembles the two messages sent to the model on every
// step. Everything is rebuilt from disk on each call; nothing is cached
// between steps, so step N and step N+1 have the same shape however long
// the task has been running.
package stepctx

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thruflo/ember/internal/llm"
	"github.com/thruflo/ember/internal/memory"
	"github.com/thruflo/ember/internal/schema"
	"github.com/thruflo/ember/internal/state"
	"github.com/thruflo/ember/internal/tokens"
)

// Defaults for Options.
const (
	DefaultMaxTokens     = 8000
	DefaultRecentActions = 3
)

// TaskSource loads task state. *state.Store implements it.
type TaskSource interface {
	Load(taskID string) (*state.TaskState, error)
	TaskDir(taskID string) string
}

// SchemaResolver looks up the schema for a task type. *schema.Registry
// implements it.
type SchemaResolver interface {
	SchemaFor(taskType, projectPath string) (schema.Schema, error)
}

// Options configures a Builder.
type Options struct {
	MaxTokens      int
	RecentActions  int
	SectionLimits  map[string]int
	MemoryMaxItems int
	ProjectPath    string
}

// StepContext is the result of one Build call. It is never persisted.
type StepContext struct {
	SystemPrompt string
	UserMessage  string
	TotalTokens  int
	// Sections maps section name to its estimated tokens after compression.
	Sections map[string]int
	// Compressed lists the sections that were truncated, in shrink order.
	Compressed []string
}

// Messages returns the system and user messages.
func (c *StepContext) Messages() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleSystem, Content: c.SystemPrompt},
		{Role: llm.RoleUser, Content: c.UserMessage},
	}
}

// TokenBreakdown is a diagnostic view of a build.
type TokenBreakdown struct {
	TotalTokens  int            `json:"total_tokens"`
	MaxTokens    int            `json:"max_tokens"`
	WithinBudget bool           `json:"within_budget"`
	Sections     map[string]int `json:"sections"`
	Compressed   []string       `json:"compressed,omitempty"`
}

// Builder builds step contexts.
type Builder struct {
	tasks   TaskSource
	schemas SchemaResolver
	budget  *tokens.Budget
	opts    Options
}

// NewBuilder creates a Builder. Zero option values take the defaults.
func NewBuilder(tasks TaskSource, schemas SchemaResolver, opts Options) *Builder {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.RecentActions <= 0 {
		opts.RecentActions = DefaultRecentActions
	}
	return &Builder{
		tasks:   tasks,
		schemas: schemas,
		budget:  tokens.NewBudget(opts.SectionLimits),
		opts:    opts,
	}
}

// MaxTokens returns the ceiling the builder enforces.
func (b *Builder) MaxTokens() int {
	return b.opts.MaxTokens
}

// userSections is the order sections appear in the user message.
var userSections = []struct {
	name   string
	header string
}{
	{tokens.SectionTaskFrame, "TASK"},
	{tokens.SectionCurrentState, "CURRENT STATE"},
	{tokens.SectionRecentActions, "RECENT ACTIONS"},
	{tokens.SectionVerification, "VERIFICATION STATUS"},
	{tokens.SectionAvailableActions, "AVAILABLE ACTIONS"},
	{tokens.SectionLoadedContext, "LOADED CONTEXT"},
}

// shrinkOrder is the order sections give up space when the whole context
// is over the ceiling.
var shrinkOrder = []string{
	tokens.SectionLoadedContext,
	tokens.SectionCurrentState,
	tokens.SectionRecentActions,
	tokens.SectionAvailableActions,
	tokens.SectionTaskFrame,
	tokens.SectionSystemPrompt,
}

const directive = "## NEXT ACTION\n" +
	"Choose exactly one action and reply with a single ```action block containing " +
	"`name` and `parameters`. If the context above already shows the code you need, " +
	"edit it now rather than reading more."

// Build loads the task and renders its context. It fails if the task does
// not exist or its schema is unknown.
func (b *Builder) Build(taskID string) (*StepContext, error) {
	st, err := b.tasks.Load(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: task %s", state.ErrNotFound, taskID)
	}
	st.Phase = st.Phase.Active()
	sch, err := b.schemas.SchemaFor(st.TaskType, b.opts.ProjectPath)
	if err != nil {
		return nil, err
	}

	mem := memory.NewManager(b.tasks.TaskDir(taskID), b.opts.MemoryMaxItems)
	recent, err := mem.ActionResults(b.opts.RecentActions, st.CurrentStep)
	if err != nil {
		return nil, fmt.Errorf("failed to read working memory: %w", err)
	}
	loaded, err := mem.LoadedItems(st.CurrentStep)
	if err != nil {
		return nil, fmt.Errorf("failed to read working memory: %w", err)
	}

	raw := map[string]string{
		tokens.SectionSystemPrompt:     sch.SystemPrompt(st),
		tokens.SectionTaskFrame:        sch.FormatTaskFrame(st),
		tokens.SectionCurrentState:     renderYAML(sch.CurrentState(st)),
		tokens.SectionRecentActions:    renderRecent(recent),
		tokens.SectionVerification:     sch.FormatVerificationStatus(st),
		tokens.SectionAvailableActions: sch.FormatAvailableActions(st),
		tokens.SectionLoadedContext:    renderLoaded(loaded),
	}

	sections := make(map[string]string, len(raw))
	compressed := map[string]bool{}
	for name, content := range raw {
		out, did := b.budget.CompressToFit(name, content)
		sections[name] = out
		if did {
			compressed[name] = true
		}
	}

	system, user := sections[tokens.SectionSystemPrompt], assemble(sections)
	total := tokens.EstimateTokens(system) + tokens.EstimateTokens(user)

	for _, name := range shrinkOrder {
		if total <= b.opts.MaxTokens {
			break
		}
		content := sections[name]
		current := tokens.EstimateTokens(content)
		if current == 0 {
			continue
		}
		target := current - (total - b.opts.MaxTokens)
		if target < 1 {
			target = 1
		}
		out, did := tokens.CompressToLimit(content, target, tokens.KindFor(name))
		if !did {
			continue
		}
		sections[name] = out
		compressed[name] = true
		system, user = sections[tokens.SectionSystemPrompt], assemble(sections)
		total = tokens.EstimateTokens(system) + tokens.EstimateTokens(user)
	}

	// Last resort: the fixed headers alone can exceed very small ceilings.
	if total > b.opts.MaxTokens {
		userLimit := b.opts.MaxTokens - tokens.EstimateTokens(system)
		if userLimit < 1 {
			userLimit = 1
			if sysLimit := b.opts.MaxTokens - 1; sysLimit >= 1 {
				system, _ = tokens.CompressToLimit(system, sysLimit, tokens.KindText)
			} else {
				system = ""
			}
		}
		user, _ = tokens.CompressToLimit(user, userLimit, tokens.KindText)
		total = tokens.EstimateTokens(system) + tokens.EstimateTokens(user)
	}

	counts := make(map[string]int, len(sections))
	for name, content := range sections {
		counts[name] = tokens.EstimateTokens(content)
	}
	var names []string
	for _, name := range shrinkOrder {
		if compressed[name] {
			names = append(names, name)
		}
	}
	if compressed[tokens.SectionVerification] {
		names = append(names, tokens.SectionVerification)
	}

	return &StepContext{
		SystemPrompt: system,
		UserMessage:  user,
		TotalTokens:  total,
		Sections:     counts,
		Compressed:   names,
	}, nil
}

// BuildMessages returns exactly two messages: system then user.
func (b *Builder) BuildMessages(taskID string) ([]llm.Message, error) {
	c, err := b.Build(taskID)
	if err != nil {
		return nil, err
	}
	return c.Messages(), nil
}

// TokenBreakdown builds the context and reports its size.
func (b *Builder) TokenBreakdown(taskID string) (*TokenBreakdown, error) {
	c, err := b.Build(taskID)
	if err != nil {
		return nil, err
	}
	return &TokenBreakdown{
		TotalTokens:  c.TotalTokens,
		MaxTokens:    b.opts.MaxTokens,
		WithinBudget: c.TotalTokens <= b.opts.MaxTokens,
		Sections:     c.Sections,
		Compressed:   c.Compressed,
	}, nil
}

func assemble(sections map[string]string) string {
	var sb strings.Builder
	for _, s := range userSections {
		content := sections[s.name]
		if s.name == tokens.SectionLoadedContext && content == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n%s\n\n", s.header, content)
	}
	sb.WriteString(directive)
	return sb.String()
}

func renderYAML(v map[string]any) string {
	out, err := yaml.Marshal(v)
	if err != nil {
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, len(keys))
		for i, k := range keys {
			lines[i] = fmt.Sprintf("%s: %v", k, v[k])
		}
		return strings.Join(lines, "\n")
	}
	return strings.TrimRight(string(out), "\n")
}

func renderRecent(results []memory.ActionResult) string {
	if len(results) == 0 {
		return "(no actions yet)"
	}
	lines := make([]string, len(results))
	for i, r := range results {
		line := fmt.Sprintf("- step %d: %s [%s]", r.Step, r.Action, r.Result)
		if r.Target != "" {
			line += " " + r.Target
		}
		if r.Summary != "" {
			line += ": " + oneLine(r.Summary)
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

func renderLoaded(items []memory.Item) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, len(items))
	for i, it := range items {
		var body string
		switch p := it.Payload.(type) {
		case string:
			body = p
		default:
			out, err := yaml.Marshal(p)
			if err != nil {
				body = fmt.Sprint(p)
			} else {
				body = strings.TrimRight(string(out), "\n")
			}
		}
		parts[i] = fmt.Sprintf("### %s (loaded at step %d)\n%s", it.Key, it.Step, body)
	}
	return strings.Join(parts, "\n\n")
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}
