// Package action parses the single action block a model emits per step and
// validates its parameters.
//
// The grammar is tolerant:
//
//	response   = { text | fence }
//	fence      = "```" [ info ] NL body "```"
//	info       = "action" | "yaml" | "yml" | "json" | ""
//	body       = mapping with "name" and optional "parameters",
//	             or a mapping whose "action" key holds such a mapping
//
// Fences tagged "action" are tried first, then the other fences in order,
// then the whole response. The first candidate that decodes to a mapping with
// a non-empty name wins. When none does, Parse returns the Unknown action
// with ConfidenceLow and the reason in ParseError.
package action

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Unknown is the action name used when a response cannot be parsed.
const Unknown = "unknown"

// ErrNoActionBlock means the response held no usable action block.
var ErrNoActionBlock = errors.New("no action block found")

// Confidence grades how the action was located.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// Action is a parsed action block.
type Action struct {
	Name       string
	Parameters map[string]any
	// Raw is the block body the action was decoded from, or the whole
	// response for Unknown.
	Raw        string
	Confidence Confidence
	// ParseError explains why the action is Unknown.
	ParseError string
}

// IsUnknown reports whether parsing fell back to the Unknown action.
func (a Action) IsUnknown() bool {
	return a.Name == Unknown
}

type fence struct {
	info string
	body string
}

// Parse extracts one action from a model response. It never fails; parse
// problems produce an Unknown action.
func Parse(text string) Action {
	fences := scanFences(text)

	var tagged, other []fence
	for _, f := range fences {
		if f.info == "action" {
			tagged = append(tagged, f)
		} else if f.info == "" || f.info == "yaml" || f.info == "yml" || f.info == "json" {
			other = append(other, f)
		}
	}

	var lastErr error
	for _, f := range tagged {
		a, err := decode(f.body)
		if err == nil {
			a.Confidence = ConfidenceHigh
			return a
		}
		lastErr = err
	}
	for _, f := range other {
		a, err := decode(f.body)
		if err == nil {
			a.Confidence = ConfidenceMedium
			return a
		}
		lastErr = err
	}
	if len(fences) == 0 {
		if a, err := decode(text); err == nil {
			a.Confidence = ConfidenceLow
			return a
		}
	}

	if lastErr == nil {
		lastErr = ErrNoActionBlock
	}
	return Action{
		Name:       Unknown,
		Parameters: map[string]any{},
		Raw:        text,
		Confidence: ConfidenceLow,
		ParseError: lastErr.Error(),
	}
}

// scanFences returns the fenced blocks in order of appearance. An
// unterminated fence runs to the end of the text.
func scanFences(text string) []fence {
	var out []fence
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		info := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
		var body []string
		j := i + 1
		for ; j < len(lines); j++ {
			if strings.TrimSpace(lines[j]) == "```" {
				break
			}
			body = append(body, lines[j])
		}
		out = append(out, fence{info: info, body: strings.Join(body, "\n")})
		i = j
	}
	return out
}

func decode(body string) (Action, error) {
	if strings.TrimSpace(body) == "" {
		return Action{}, fmt.Errorf("empty action block")
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return Action{}, fmt.Errorf("malformed action block: %w", err)
	}
	if doc == nil {
		return Action{}, fmt.Errorf("action block is not a mapping")
	}

	// {action: {name: ..., parameters: ...}}
	if nested, ok := doc["action"].(map[string]any); ok {
		doc = nested
	}

	name, _ := doc["name"].(string)
	if name == "" {
		// {action: edit_file, parameters: ...}
		name, _ = doc["action"].(string)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Action{}, fmt.Errorf("action block has no name")
	}

	params := map[string]any{}
	switch p := doc["parameters"].(type) {
	case nil:
	case map[string]any:
		params = p
	default:
		return Action{}, fmt.Errorf("parameters of %s must be a mapping", name)
	}

	return Action{Name: name, Parameters: params, Raw: body}, nil
}
