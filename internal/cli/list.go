package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thruflo/ember/internal/state"
)

func newListCmd(flags *globalFlags) *cobra.Command {
	var phases []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long: `Lists tasks with their type, phase and step. Use --phase (repeatable) to
show only tasks in the given phases.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags, phases)
		},
	}
	cmd.Flags().StringArrayVar(&phases, "phase", nil, "only list tasks in this phase (repeatable)")
	return cmd
}

func runList(cmd *cobra.Command, flags *globalFlags, phaseNames []string) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}

	phases := make([]state.Phase, 0, len(phaseNames))
	for _, name := range phaseNames {
		p, err := state.ParsePhase(name)
		if err != nil {
			return err
		}
		phases = append(phases, p)
	}

	ids, err := a.store.ListTasks(phases...)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return nil
	}

	tasks := make([]*state.TaskState, 0, len(ids))
	for _, id := range ids {
		st, err := a.store.Load(id)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", id, err)
		}
		if st != nil {
			tasks = append(tasks, st)
		}
	}

	// Calculate column widths
	idWidth, typeWidth, phaseWidth := len("TASK"), len("TYPE"), len("PHASE")
	for _, t := range tasks {
		idWidth = max(idWidth, len(t.TaskID))
		typeWidth = max(typeWidth, len(t.TaskType))
		phaseWidth = max(phaseWidth, len(t.Phase))
	}

	p := newPainter(w)
	fmt.Fprintf(w, "%-*s  %-*s  %-*s  %s\n", idWidth, "TASK", typeWidth, "TYPE", phaseWidth, "PHASE", "STEP")
	fmt.Fprintf(w, "%s  %s  %s  %s\n", strings.Repeat("-", idWidth), strings.Repeat("-", typeWidth), strings.Repeat("-", phaseWidth), "----")
	for _, t := range tasks {
		// Pad before colouring so escape codes don't skew the columns.
		phase := p.phase(t.Phase) + strings.Repeat(" ", phaseWidth-len(t.Phase))
		fmt.Fprintf(w, "%-*s  %-*s  %s  %d\n", idWidth, t.TaskID, typeWidth, t.TaskType, phase, t.CurrentStep)
	}
	return nil
}
