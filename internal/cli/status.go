package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var actions int

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show task status",
		Long: `Shows a task's identity, phase, verification status, context data and
its most recent actions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags, args[0], actions)
		},
	}
	cmd.Flags().IntVar(&actions, "actions", 5, "number of recent actions to show")
	return cmd
}

func runStatus(cmd *cobra.Command, flags *globalFlags, taskID string, limit int) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}

	st, err := a.store.Load(taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if st == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	recent, err := a.store.RecentActions(taskID, limit)
	if err != nil {
		return fmt.Errorf("failed to load actions: %w", err)
	}

	w := cmd.OutOrStdout()
	p := newPainter(w)

	printHeading(w, "Task "+st.TaskID)
	printField(w, "Type", st.TaskType)
	printField(w, "Goal", st.Goal)
	printField(w, "Phase", p.phase(st.Phase))
	printField(w, "Step", fmt.Sprintf("%d", st.CurrentStep))
	printField(w, "Created", formatTime(st.CreatedAt))
	printField(w, "Updated", formatTime(st.LastUpdated))
	printField(w, "Age", formatDuration(time.Since(st.CreatedAt)))
	if st.Error != "" {
		printField(w, "Error", st.Error)
	}
	fmt.Fprintln(w)

	printHeading(w, "Verification")
	v := st.Verification
	printField(w, "Checks", fmt.Sprintf("%d passing, %d failing", v.ChecksPassing, v.ChecksFailing))
	printField(w, "Tests passing", yesNo(v.TestsPassing))
	printField(w, "Ready", yesNo(v.ReadyForCompletion))
	fmt.Fprintln(w)

	if len(st.ContextData) > 0 {
		printHeading(w, "Context")
		keys := make([]string, 0, len(st.ContextData))
		for k := range st.ContextData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printField(w, k, scalar(st.ContextData[k]))
		}
		fmt.Fprintln(w)
	}

	printHeading(w, "Recent actions")
	if len(recent) == 0 {
		fmt.Fprintln(w, "  (none)")
		return nil
	}
	for _, r := range recent {
		fmt.Fprintf(w, "  %3d  %-14s %-8s %s\n", r.Step, r.Action, p.result(r.Result), r.Summary)
	}
	return nil
}

// scalar renders a context value on one line.
func scalar(v any) string {
	switch v := v.(type) {
	case string:
		return oneLine(v)
	case nil:
		return ""
	case map[string]any, []any:
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return oneLine(string(data))
	default:
		return fmt.Sprint(v)
	}
}

func oneLine(s string) string {
	const maxLen = 100
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if len(out) == maxLen {
			return string(out) + "..."
		}
		if r == '\n' || r == '\r' || r == '\t' {
			r = ' '
		}
		out = append(out, r)
	}
	return string(out)
}
