package testutil

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/thruflo/ember/internal/state"
)

// SampleSource is a small Python file with an unused import on line 1.
const SampleSource = `import os
import sys


def main():
    print(sys.argv)
`

// SampleViolationRequest returns a fix_violation task for SampleSource
// written at src/app.py.
func SampleViolationRequest(id string) state.CreateRequest {
	return state.CreateRequest{
		TaskID:          id,
		TaskType:        "fix_violation",
		Goal:            "Remove the unused import in src/app.py",
		SuccessCriteria: []string{"Tests pass", "Lint reports no F401"},
		Constraints:     []string{"Do not change behaviour"},
		ContextData: map[string]any{
			"violation_id": "F401-app-1",
			"check_id":     "F401",
			"file_path":    "src/app.py",
			"line":         1,
			"message":      "'os' imported but unused",
		},
	}
}

// SampleTestRequest returns a fix_test task.
func SampleTestRequest(id string) state.CreateRequest {
	return state.CreateRequest{
		TaskID:          id,
		TaskType:        "fix_test",
		Goal:            "Make TestParse pass",
		SuccessCriteria: []string{"TestParse passes"},
		ContextData: map[string]any{
			"test_name":      "TestParse",
			"test_command":   "go test ./parser -run TestParse",
			"failure_output": "expected 1, got 2",
		},
	}
}

// ActionBlock renders a model response containing one action block.
func ActionBlock(name string, params map[string]string) string {
	var sb strings.Builder
	sb.WriteString("Next step.\n```action\n")
	fmt.Fprintf(&sb, "name: %s\n", name)
	if len(params) > 0 {
		sb.WriteString("parameters:\n")
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %q\n", k, params[k])
		}
	}
	sb.WriteString("```\n")
	return sb.String()
}

// FailedRecords returns n identical failing records for action.
func FailedRecords(action string, n int, params map[string]any, errMsg string) []state.ActionRecord {
	out := make([]state.ActionRecord, n)
	for i := range out {
		out[i] = state.ActionRecord{
			Step:       i + 1,
			Action:     action,
			Parameters: params,
			Result:     state.ResultFailure,
			Summary:    action + " failed",
			Error:      errMsg,
			Timestamp:  time.Date(2026, 1, 16, 10, 0, i, 0, time.UTC),
		}
	}
	return out
}
