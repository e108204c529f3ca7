package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidParameters wraps schema validation failures.
var ErrInvalidParameters = errors.New("invalid parameters")

// Validator checks action parameters against per-action JSON Schemas.
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewValidator returns an empty Validator.
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*jsonschema.Schema)}
}

// Register compiles schema for the named action. An empty schema removes
// any previous registration.
func (v *Validator) Register(name, schema string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if strings.TrimSpace(schema) == "" {
		delete(v.schemas, name)
		return nil
	}

	url := "mem://actions/" + name + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("failed to load schema for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// Has reports whether a schema is registered for name.
func (v *Validator) Has(name string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.schemas[name]
	return ok
}

// Validate checks params against the schema registered for name. Actions
// without a schema always validate.
func (v *Validator) Validate(name string, params map[string]any) error {
	v.mu.RLock()
	s, ok := v.schemas[name]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	// The validator expects values in encoding/json shapes.
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	if err := s.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return fmt.Errorf("%w for %s: %s", ErrInvalidParameters, name, flatten(verr))
		}
		return fmt.Errorf("%w for %s: %v", ErrInvalidParameters, name, err)
	}
	return nil
}

// flatten reduces a validation error tree to its leaf messages.
func flatten(e *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(e)
	return strings.Join(msgs, "; ")
}
