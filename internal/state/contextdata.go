package state

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ContextData is the typed form of a task's context_data, one variant per
// task type. On disk it stays a plain mapping; variants are decoded on demand.
type ContextData interface {
	TaskType() string
}

// FixViolationData is the context for "fix_violation" tasks.
type FixViolationData struct {
	ViolationID    string `yaml:"violation_id" validate:"required"`
	CheckID        string `yaml:"check_id,omitempty"`
	FilePath       string `yaml:"file_path" validate:"required"`
	Line           int    `yaml:"line,omitempty" validate:"gte=0"`
	Message        string `yaml:"message,omitempty"`
	CheckCommand   string `yaml:"check_command,omitempty"`
	ViolationCount int    `yaml:"violation_count,omitempty" validate:"gte=0"`
}

// TaskType implements ContextData.
func (FixViolationData) TaskType() string { return "fix_violation" }

// FixTestData is the context for "fix_test" tasks.
type FixTestData struct {
	TestName      string `yaml:"test_name" validate:"required"`
	TestFile      string `yaml:"test_file,omitempty"`
	TestCommand   string `yaml:"test_command" validate:"required"`
	FailureOutput string `yaml:"failure_output,omitempty"`
}

// TaskType implements ContextData.
func (FixTestData) TaskType() string { return "fix_test" }

// GenericData carries context for task types with no registered variant.
type GenericData struct {
	Type   string
	Values map[string]any
}

// TaskType implements ContextData.
func (g GenericData) TaskType() string { return g.Type }

var (
	contextMu    sync.RWMutex
	contextTypes = map[string]func() ContextData{
		"fix_violation": func() ContextData { return &FixViolationData{} },
		"fix_test":      func() ContextData { return &FixTestData{} },
	}

	validate = newValidator()
)

// RegisterContextData registers the variant factory for a task type. The
// factory must return a pointer to a struct with yaml tags.
func RegisterContextData(taskType string, factory func() ContextData) {
	contextMu.Lock()
	defer contextMu.Unlock()
	contextTypes[taskType] = factory
}

// RegisteredContextTypes returns the task types with a typed variant.
func RegisteredContextTypes() []string {
	contextMu.RLock()
	defer contextMu.RUnlock()
	types := make([]string, 0, len(contextTypes))
	for t := range contextTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// DecodeContextData decodes a context_data mapping into the variant
// registered for taskType and validates its required fields. Unregistered
// task types decode to GenericData.
func DecodeContextData(taskType string, data map[string]any) (ContextData, error) {
	contextMu.RLock()
	factory, ok := contextTypes[taskType]
	contextMu.RUnlock()

	if !ok {
		values := make(map[string]any, len(data))
		for k, v := range data {
			values[k] = v
		}
		return GenericData{Type: taskType, Values: values}, nil
	}

	target := factory()
	raw, err := yaml.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context data: %w", err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("failed to decode context data for %s: %w", taskType, err)
	}
	if err := validate.Struct(target); err != nil {
		return nil, fmt.Errorf("invalid context data for %s: %w", taskType, err)
	}
	return target, nil
}

// EncodeContextData converts a typed variant back into a mapping.
func EncodeContextData(cd ContextData) (map[string]any, error) {
	if g, ok := cd.(GenericData); ok {
		return g.Values, nil
	}
	raw, err := yaml.Marshal(cd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context data: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode context data: %w", err)
	}
	return out, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("taskid", func(fl validator.FieldLevel) bool {
		return validTaskID(fl.Field().String())
	})
	return v
}

func validTaskID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return false
		}
	}
	return true
}
