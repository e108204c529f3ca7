package cli

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/thruflo/ember/internal/stepctx"
)

func newContextCmd(flags *globalFlags) *cobra.Command {
	var (
		asJSON    bool
		breakdown bool
	)

	cmd := &cobra.Command{
		Use:   "context <task-id>",
		Short: "Print the context the next step would send",
		Long: `Builds the system and user messages for the task's next step exactly as
run would, and prints them followed by a per-section token breakdown.
Nothing is sent to the model and nothing is written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runContext(cmd, flags, args[0], asJSON, breakdown)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages and breakdown as JSON")
	cmd.Flags().BoolVar(&breakdown, "breakdown", false, "print only the token breakdown")
	return cmd
}

type contextReport struct {
	Messages  any                      `json:"messages,omitempty"`
	Breakdown *stepctx.TokenBreakdown `json:"breakdown"`
}

func runContext(cmd *cobra.Command, flags *globalFlags, taskID string, asJSON, breakdownOnly bool) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}

	b := a.builder()
	sc, err := b.Build(taskID)
	if err != nil {
		return err
	}
	tb := &stepctx.TokenBreakdown{
		TotalTokens:  sc.TotalTokens,
		MaxTokens:    b.MaxTokens(),
		WithinBudget: sc.TotalTokens <= b.MaxTokens(),
		Sections:     sc.Sections,
		Compressed:   sc.Compressed,
	}

	w := cmd.OutOrStdout()

	if asJSON {
		report := contextReport{Breakdown: tb}
		if !breakdownOnly {
			report.Messages = sc.Messages()
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	p := newPainter(w)
	if !breakdownOnly {
		for _, m := range sc.Messages() {
			fmt.Fprintln(w, p.dim(fmt.Sprintf("=== %s ===", m.Role)))
			fmt.Fprintln(w, m.Content)
			fmt.Fprintln(w)
		}
	}

	printHeading(w, "Tokens")
	names := make([]string, 0, len(tb.Sections))
	for name := range tb.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		printField(w, name, fmt.Sprintf("%d", tb.Sections[name]))
	}
	printField(w, "total", fmt.Sprintf("%d / %d", tb.TotalTokens, tb.MaxTokens))
	if len(tb.Compressed) > 0 {
		printField(w, "compressed", fmt.Sprint(tb.Compressed))
	}
	return nil
}
