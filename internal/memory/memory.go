// Package memory implements the per-task working memory: a small bounded
// list of recent action summaries and time-boxed context snippets, kept in
// working_memory.yaml inside the task directory.
package memory

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/thruflo/ember/internal/state"
)

// Item categories.
const (
	CategoryActionResult  = "action_result"
	CategoryNote          = "note"
	CategoryLoadedContext = "loaded_context"
)

// Item is one working memory entry.
type Item struct {
	Category          string `yaml:"category"`
	Key               string `yaml:"key"`
	Payload           any    `yaml:"payload"`
	Step              int    `yaml:"step"`
	Pinned            bool   `yaml:"pinned,omitempty"`
	ExpiresAfterSteps *int   `yaml:"expires_after_steps,omitempty"`
}

// Expired reports whether the item has outlived its expiry at currentStep.
func (i Item) Expired(currentStep int) bool {
	return i.ExpiresAfterSteps != nil && currentStep-i.Step > *i.ExpiresAfterSteps
}

// ActionResult is the payload shape of an action_result item.
type ActionResult struct {
	Action  string `yaml:"action" json:"action"`
	Result  string `yaml:"result" json:"result"`
	Summary string `yaml:"summary" json:"summary"`
	Step    int    `yaml:"step" json:"step"`
	Target  string `yaml:"target,omitempty" json:"target,omitempty"`
}

type document struct {
	MaxItems int    `yaml:"max_items"`
	Items    []Item `yaml:"items"`
}

// Manager reads and writes one task's working memory. It holds no items
// between calls; every operation reloads the file.
type Manager struct {
	path     string
	maxItems int
}

// NewManager returns a Manager for the task directory. A positive maxItems
// overrides the value stored in the file.
func NewManager(taskDir string, maxItems int) *Manager {
	return &Manager{
		path:     filepath.Join(taskDir, state.MemoryFile),
		maxItems: maxItems,
	}
}

func (m *Manager) load() (*document, error) {
	var doc document
	if err := state.ReadYAMLFile(m.path, &doc); err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}
	if m.maxItems > 0 {
		doc.MaxItems = m.maxItems
	}
	if doc.MaxItems <= 0 {
		doc.MaxItems = state.DefaultMemorySize
	}
	if doc.Items == nil {
		doc.Items = []Item{}
	}
	return &doc, nil
}

func (m *Manager) save(doc *document) error {
	return state.WriteYAMLFile(m.path, doc)
}

// MaxItems returns the eviction threshold in effect.
func (m *Manager) MaxItems() (int, error) {
	doc, err := m.load()
	if err != nil {
		return 0, err
	}
	return doc.MaxItems, nil
}

// Add inserts an item, replacing any existing item with the same key. A
// replaced item moves to the newest position. Items expired at item.Step are
// dropped from the file, as are non-expiring items that eviction would
// remove at every later step.
func (m *Manager) Add(item Item) error {
	if item.Key == "" {
		return fmt.Errorf("memory item key is required")
	}
	if item.Category == "" {
		item.Category = CategoryNote
	}
	doc, err := m.load()
	if err != nil {
		return err
	}
	doc.Items = removeKey(doc.Items, item.Key)
	doc.Items = append(doc.Items, item)
	doc.Items = compact(doc.Items, doc.MaxItems, item.Step)
	return m.save(doc)
}

// AddActionResult records the outcome of an action under key action_<step>.
func (m *Manager) AddActionResult(r ActionResult) error {
	return m.Add(Item{
		Category: CategoryActionResult,
		Key:      fmt.Sprintf("action_%d", r.Step),
		Payload: map[string]any{
			"action":  r.Action,
			"result":  r.Result,
			"summary": r.Summary,
			"step":    r.Step,
			"target":  r.Target,
		},
		Step: r.Step,
	})
}

// LoadContext stores a snippet that disappears once more than
// expiresAfterSteps steps have passed since step.
func (m *Manager) LoadContext(key string, payload any, step, expiresAfterSteps int) error {
	if expiresAfterSteps < 0 {
		expiresAfterSteps = 0
	}
	return m.Add(Item{
		Category:          CategoryLoadedContext,
		Key:               key,
		Payload:           payload,
		Step:              step,
		ExpiresAfterSteps: &expiresAfterSteps,
	})
}

// Items returns the items live at currentStep in insertion order, after
// eviction. Expired items neither appear nor count towards max items.
func (m *Manager) Items(currentStep int) ([]Item, error) {
	doc, err := m.load()
	if err != nil {
		return nil, err
	}
	return evict(live(doc.Items, currentStep), doc.MaxItems), nil
}

// ActionResults returns the last limit action results in chronological
// order, as seen at currentStep. limit <= 0 returns all.
func (m *Manager) ActionResults(limit, currentStep int) ([]ActionResult, error) {
	items, err := m.Items(currentStep)
	if err != nil {
		return nil, err
	}
	var out []ActionResult
	for _, it := range items {
		if it.Category == CategoryActionResult {
			out = append(out, toActionResult(it))
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// LoadedContext returns live loaded-context payloads keyed by item key.
func (m *Manager) LoadedContext(currentStep int) (map[string]any, error) {
	items, err := m.LoadedItems(currentStep)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(items))
	for _, it := range items {
		out[it.Key] = it.Payload
	}
	return out, nil
}

// LoadedItems is LoadedContext in insertion order.
func (m *Manager) LoadedItems(currentStep int) ([]Item, error) {
	items, err := m.Items(currentStep)
	if err != nil {
		return nil, err
	}
	var out []Item
	for _, it := range items {
		if it.Category == CategoryLoadedContext {
			out = append(out, it)
		}
	}
	return out, nil
}

// Prune deletes items expired at currentStep and returns how many went.
func (m *Manager) Prune(currentStep int) (int, error) {
	doc, err := m.load()
	if err != nil {
		return 0, err
	}
	kept := doc.Items[:0]
	for _, it := range doc.Items {
		if !it.Expired(currentStep) {
			kept = append(kept, it)
		}
	}
	removed := len(doc.Items) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	doc.Items = kept
	return removed, m.save(doc)
}

// Remove deletes the item with key and reports whether it existed.
func (m *Manager) Remove(key string) (bool, error) {
	doc, err := m.load()
	if err != nil {
		return false, err
	}
	n := len(doc.Items)
	doc.Items = removeKey(doc.Items, key)
	if len(doc.Items) == n {
		return false, nil
	}
	return true, m.save(doc)
}

// Clear removes every item, or every unpinned item when keepPinned is set.
// It returns the number removed.
func (m *Manager) Clear(keepPinned bool) (int, error) {
	doc, err := m.load()
	if err != nil {
		return 0, err
	}
	kept := []Item{}
	if keepPinned {
		for _, it := range doc.Items {
			if it.Pinned {
				kept = append(kept, it)
			}
		}
	}
	removed := len(doc.Items) - len(kept)
	doc.Items = kept
	return removed, m.save(doc)
}

func removeKey(items []Item, key string) []Item {
	out := items[:0]
	for _, it := range items {
		if it.Key != key {
			out = append(out, it)
		}
	}
	return out
}

// live returns the items not expired at currentStep.
func live(items []Item, currentStep int) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.Expired(currentStep) {
			out = append(out, it)
		}
	}
	return out
}

// compact is the write-side form of eviction. It drops items expired at step
// and, when more than maxItems items never expire, the oldest unpinned of
// those. Expiring items are left to expiry: they may stop counting before a
// later read, so evicting older items on their account would lose them.
func compact(items []Item, maxItems, step int) []Item {
	items = live(items, step)
	permanent := 0
	for _, it := range items {
		if it.ExpiresAfterSteps == nil {
			permanent++
		}
	}
	excess := permanent - maxItems
	if maxItems <= 0 || excess <= 0 {
		return items
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if excess > 0 && !it.Pinned && it.ExpiresAfterSteps == nil {
			excess--
			continue
		}
		out = append(out, it)
	}
	return out
}

// evict drops the oldest unpinned items until at most maxItems remain or
// only pinned items are left. Order is preserved.
func evict(items []Item, maxItems int) []Item {
	excess := len(items) - maxItems
	if maxItems <= 0 || excess <= 0 {
		return items
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if excess > 0 && !it.Pinned {
			excess--
			continue
		}
		out = append(out, it)
	}
	return out
}

func toActionResult(it Item) ActionResult {
	r := ActionResult{Step: it.Step}
	p, ok := it.Payload.(map[string]any)
	if !ok {
		r.Summary = fmt.Sprint(it.Payload)
		return r
	}
	r.Action = str(p["action"])
	r.Result = str(p["result"])
	r.Summary = str(p["summary"])
	r.Target = str(p["target"])
	if s, ok := p["step"].(int); ok {
		r.Step = s
	}
	return r
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
