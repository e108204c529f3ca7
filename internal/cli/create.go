package cli

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thruflo/ember/internal/state"
)

type createOptions struct {
	id          string
	taskType    string
	goal        string
	criteria    []string
	constraints []string
	set         []string
	contextFile string
}

func newCreateCmd(flags *globalFlags) *cobra.Command {
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Long: `Creates a task under .ember/tasks/ in phase INIT.

Context data comes from --context-file (a YAML mapping) and --set key=value
pairs, which win over the file. Values given with --set are parsed as YAML,
so --set line=12 stores a number.

Example:
  ember create --type fix_violation --goal "Remove unused import" \
    --criterion "ruff reports no F401" \
    --set violation_id=F401-1 --set file_path=src/app.py --set line=1 \
    --set check_command="ruff check src"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd, flags, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.id, "id", "", "task id (generated when empty)")
	f.StringVarP(&opts.taskType, "type", "t", "", "task type, e.g. fix_violation or fix_test")
	f.StringVarP(&opts.goal, "goal", "g", "", "what the task should achieve")
	f.StringArrayVar(&opts.criteria, "criterion", nil, "success criterion (repeatable)")
	f.StringArrayVar(&opts.constraints, "constraint", nil, "constraint (repeatable)")
	f.StringArrayVar(&opts.set, "set", nil, "context data key=value (repeatable)")
	f.StringVar(&opts.contextFile, "context-file", "", "YAML file with context data")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("goal")
	return cmd
}

func runCreate(cmd *cobra.Command, flags *globalFlags, opts *createOptions) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}

	known := a.schemas.TaskTypes()
	if !slices.Contains(known, opts.taskType) {
		return fmt.Errorf("unknown task type %q (known: %s)", opts.taskType, strings.Join(known, ", "))
	}

	contextData, err := buildContextData(opts.contextFile, opts.set)
	if err != nil {
		return err
	}
	if _, err := state.DecodeContextData(opts.taskType, contextData); err != nil {
		return err
	}

	st, err := a.store.CreateTask(state.CreateRequest{
		TaskID:          opts.id,
		TaskType:        opts.taskType,
		Goal:            opts.goal,
		SuccessCriteria: opts.criteria,
		Constraints:     opts.constraints,
		ContextData:     contextData,
	})
	if err != nil {
		return err
	}

	a.log.Info("task created", "task", st.TaskID, "type", st.TaskType)
	fmt.Fprintln(cmd.OutOrStdout(), st.TaskID)
	return nil
}

// buildContextData merges a YAML file with key=value pairs.
func buildContextData(path string, pairs []string) (map[string]any, error) {
	data := map[string]any{}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read context file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse context file: %w", err)
		}
		if data == nil {
			data = map[string]any{}
		}
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil || isCollection(v) {
			v = raw
		}
		data[key] = v
	}
	return data, nil
}

// isCollection reports whether a --set value parsed as a YAML mapping or
// sequence. Those are stored as the literal string instead.
func isCollection(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}
