package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and all of its state",
		Long: `Removes .ember/tasks/<task-id>/, including the action log, working memory
and artifacts. Tasks that are still in a working phase need --force.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, flags, args[0], force)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "delete even if the task has not finished")
	return cmd
}

func runDelete(cmd *cobra.Command, flags *globalFlags, taskID string, force bool) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}

	st, err := a.store.Load(taskID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}
	if !st.Phase.IsTerminal() && !force {
		return fmt.Errorf("task %s is in phase %s (use --force to delete it anyway)", taskID, st.Phase)
	}

	if _, err := a.store.DeleteTask(taskID); err != nil {
		return err
	}
	a.log.Info("task deleted", "task", taskID)
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", taskID)
	return nil
}
