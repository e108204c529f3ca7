package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		wantName   string
		wantParams map[string]any
		confidence Confidence
	}{
		{
			name: "action fence",
			text: "I'll read the file.\n```action\nname: read_file\nparameters:\n  path: src/a.py\n```\n",
			wantName:   "read_file",
			wantParams: map[string]any{"path": "src/a.py"},
			confidence: ConfidenceHigh,
		},
		{
			name:       "json fence",
			text:       "```json\n{\"name\": \"edit_file\", \"parameters\": {\"path\": \"a\", \"old_text\": \"x\", \"new_text\": \"y\"}}\n```",
			wantName:   "edit_file",
			wantParams: map[string]any{"path": "a", "old_text": "x", "new_text": "y"},
			confidence: ConfidenceMedium,
		},
		{
			name:       "nested action key",
			text:       "```yaml\naction:\n  name: run_check\n```",
			wantName:   "run_check",
			wantParams: map[string]any{},
			confidence: ConfidenceMedium,
		},
		{
			name:       "action key holds the name",
			text:       "```\naction: escalate\nparameters:\n  reason: need creds\n```",
			wantName:   "escalate",
			wantParams: map[string]any{"reason": "need creds"},
			confidence: ConfidenceMedium,
		},
		{
			name:       "tagged fence wins over earlier bare fence",
			text:       "```\nname: list_dir\n```\n```action\nname: complete\n```",
			wantName:   "complete",
			wantParams: map[string]any{},
			confidence: ConfidenceHigh,
		},
		{
			name:       "first valid fence wins",
			text:       "```action\nnot: an action\n```\n```action\nname: read_file\nparameters: {path: b}\n```",
			wantName:   "read_file",
			wantParams: map[string]any{"path": "b"},
			confidence: ConfidenceHigh,
		},
		{
			name:       "unfenced mapping",
			text:       "name: complete\n",
			wantName:   "complete",
			wantParams: map[string]any{},
			confidence: ConfidenceLow,
		},
		{
			name:       "unterminated fence",
			text:       "```action\nname: list_dir\nparameters:\n  path: src",
			wantName:   "list_dir",
			wantParams: map[string]any{"path": "src"},
			confidence: ConfidenceHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := Parse(tt.text)
			assert.Equal(t, tt.wantName, a.Name)
			assert.Equal(t, tt.wantParams, a.Parameters)
			assert.Equal(t, tt.confidence, a.Confidence)
			assert.Empty(t, a.ParseError)
		})
	}
}

func TestParse_FallsBackToUnknown(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{"prose only", "I am not sure what to do next.", ErrNoActionBlock.Error()},
		{"empty", "", ErrNoActionBlock.Error()},
		{"missing name", "```action\nparameters:\n  path: a\n```", "no name"},
		{"bad yaml", "```action\nname: [unclosed\n```", "malformed"},
		{"scalar parameters", "```action\nname: read_file\nparameters: a.py\n```", "must be a mapping"},
		{"other language fence", "```python\nprint('hi')\n```", ErrNoActionBlock.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := Parse(tt.text)
			assert.True(t, a.IsUnknown())
			assert.Equal(t, ConfidenceLow, a.Confidence)
			assert.Contains(t, a.ParseError, tt.wantErr)
			assert.NotNil(t, a.Parameters)
			assert.Equal(t, tt.text, a.Raw)
		})
	}
}

func TestConfidence_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "high", ConfidenceHigh.String())
	assert.Equal(t, "medium", ConfidenceMedium.String())
	assert.Equal(t, "low", ConfidenceLow.String())
}

func TestValidator(t *testing.T) {
	t.Parallel()

	v := NewValidator()
	require.NoError(t, v.Register("read_file", `{
		"type": "object",
		"required": ["path"],
		"properties": {
			"path": {"type": "string", "minLength": 1},
			"start_line": {"type": "integer", "minimum": 1}
		}
	}`))
	assert.True(t, v.Has("read_file"))

	assert.NoError(t, v.Validate("read_file", map[string]any{"path": "a.go", "start_line": 3}))
	assert.NoError(t, v.Validate("unregistered", map[string]any{"anything": true}))

	err := v.Validate("read_file", map[string]any{})
	assert.ErrorIs(t, err, ErrInvalidParameters)
	assert.Contains(t, err.Error(), "read_file")

	err = v.Validate("read_file", map[string]any{"path": "a.go", "start_line": 0})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	err = v.Validate("read_file", map[string]any{"path": "a.go", "start_line": "three"})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	assert.Error(t, v.Register("broken", `{"type": 12}`))

	require.NoError(t, v.Register("read_file", ""))
	assert.False(t, v.Has("read_file"))
}
