package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/forge/internal/agent"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/output"
	"github.com/joescharf/forge/internal/store"
)

var (
	agentRollbackOnFailure bool
	agentState             string
	agentOpen              bool
	agentLimit             int
	agentLogLimit          int
	agentKeep              int
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent loop and inspect its history",
	Long:  "Run the five-phase agent against the current project and review past runs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentHistoryRun()
	},
}

var agentRunCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Analyze, plan, execute, test and report on a request",
	Long: `Run the agent loop on a request in the foreground, streaming its log.

File changes go through the sync engine. With --rollback, the changes of a
failed run are undone before exiting.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentRunRun(strings.Join(args, " "))
	},
}

var agentHistoryCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"ls"},
	Short:   "Show past agent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentHistoryRun()
	},
}

var agentLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Show the log of an agent run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentLogsRun(args[0])
	},
}

var agentPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest runs from history",
	RunE: func(cmd *cobra.Command, args []string) error {
		return agentPruneRun()
	},
}

func init() {
	agentRunCmd.Flags().BoolVar(&agentRollbackOnFailure, "rollback", false, "Undo the run's changes if it fails")

	agentHistoryCmd.Flags().StringVar(&agentState, "state", "", "Filter by final state (COMPLETED, FAILED, ...)")
	agentHistoryCmd.Flags().BoolVar(&agentOpen, "open", false, "Show only runs that have not ended")
	agentHistoryCmd.Flags().IntVar(&agentLimit, "limit", 20, "Max runs to show")

	agentLogsCmd.Flags().IntVar(&agentLogLimit, "limit", 0, "Show only the last N entries")

	agentPruneCmd.Flags().IntVar(&agentKeep, "keep", 50, "Number of runs to keep")

	agentCmd.AddCommand(agentRunCmd)
	agentCmd.AddCommand(agentHistoryCmd)
	agentCmd.AddCommand(agentLogsCmd)
	agentCmd.AddCommand(agentPruneCmd)
	rootCmd.AddCommand(agentCmd)
}

func agentRunRun(request string) error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	a, err := newApp(ctx, newLogger(os.Stderr))
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if dryRun {
		ui.DryRunMsg("Would run agent on %s: %q", output.Cyan(a.rt.Root()), request)
		return nil
	}

	cancel := a.runner.Store().Subscribe(ui.Log)
	defer cancel()

	// A signal cancels ctx and the run settles in FAILED.
	final, err := a.runner.Run(ctx, request)
	if err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)
	printRunSummary(final)

	if final.Phase != models.AgentFailed {
		return nil
	}
	if agentRollbackOnFailure && len(final.Rollback) > 0 {
		if err := a.runner.Rollback(context.Background()); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		ui.Success("Rolled back %d change(s)", len(final.Rollback))
	} else if len(final.Rollback) > 0 {
		ui.Warning("%d change(s) were kept; rerun with --rollback to undo them on failure", len(final.Rollback))
	}
	return fmt.Errorf("agent run failed: %s", final.Error)
}

func printRunSummary(st agent.State) {
	p := st.Progress()
	ui.Info("Run %s: %s (%d/%d steps, %d retries)", shortID(st.RunID), output.StateColor(st.Phase), p.CompletedSteps, p.TotalSteps, st.RetryCount)
	if st.Analysis != nil && len(st.Analysis.Questions) > 0 {
		ui.Warning("Clarification needed:")
		for _, q := range st.Analysis.Questions {
			fmt.Fprintf(ui.Out, "  - %s\n", q)
		}
	}
	r := st.Report
	if r == nil {
		return
	}
	if r.Summary != "" {
		fmt.Fprintf(ui.Out, "\n%s\n", r.Summary)
	}
	for _, f := range r.FilesCreated {
		fmt.Fprintf(ui.Out, "  %s %s\n", output.Green("+"), f)
	}
	for _, f := range r.FilesModified {
		fmt.Fprintf(ui.Out, "  %s %s\n", output.Yellow("~"), f)
	}
	for _, f := range r.FilesDeleted {
		fmt.Fprintf(ui.Out, "  %s %s\n", output.Red("-"), f)
	}
	ui.VerboseLog("+%d/-%d lines", r.LinesAdded, r.LinesRemoved)
	for _, s := range r.Suggestions {
		ui.VerboseLog("Next: %s", s)
	}
}

func agentHistoryRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	runs, err := s.ListAgentRuns(ctx, store.RunListFilter{
		State: models.AgentState(strings.ToUpper(agentState)),
		Open:  agentOpen,
		Limit: agentLimit,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		ui.Info("No agent run history.")
		return nil
	}

	table := ui.Table([]string{"ID", "State", "Request", "Steps", "Retries", "Started", "Duration"})
	for _, run := range runs {
		duration := "running"
		if run.EndedAt != nil {
			duration = formatDuration(run.EndedAt.Sub(run.StartedAt))
		}
		table.Append([]string{
			shortID(run.ID),
			output.StateColor(run.State),
			truncate(run.UserRequest, 48),
			fmt.Sprintf("%d/%d", run.StepsCompleted, run.StepsTotal),
			fmt.Sprintf("%d", run.RetryCount),
			timeAgo(run.StartedAt),
			duration,
		})
	}
	table.Render()
	return nil
}

func agentLogsRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	run, err := findRun(ctx, s, ref)
	if err != nil {
		return err
	}
	logs, err := s.ListAgentLogs(ctx, run.ID, agentLogLimit)
	if err != nil {
		return err
	}

	ui.Info("%s %s", output.Cyan(run.ID), output.StateColor(run.State))
	fmt.Fprintf(ui.Out, "  %s\n\n", run.UserRequest)
	if len(logs) == 0 {
		ui.Info("No log entries.")
		return nil
	}
	for _, l := range logs {
		ui.Log(l)
	}
	if run.Error != "" {
		fmt.Fprintln(ui.Out)
		ui.Error("%s", run.Error)
	}
	return nil
}

func agentPruneRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		runs, err := s.ListAgentRuns(ctx, store.RunListFilter{})
		if err != nil {
			return err
		}
		n := max(len(runs)-agentKeep, 0)
		ui.DryRunMsg("Would delete %d of %d runs", n, len(runs))
		return nil
	}

	n, err := s.PruneAgentRuns(ctx, agentKeep)
	if err != nil {
		return err
	}
	ui.Success("Deleted %d run(s)", n)
	return nil
}

// findRun finds a run by full ID or unique prefix.
func findRun(ctx context.Context, s store.Store, ref string) (*models.AgentRun, error) {
	if run, err := s.GetAgentRun(ctx, ref); err == nil {
		return run, nil
	}

	runs, err := s.ListAgentRuns(ctx, store.RunListFilter{})
	if err != nil {
		return nil, err
	}
	var match *models.AgentRun
	for _, run := range runs {
		if strings.HasPrefix(run.ID, strings.ToUpper(ref)) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous run ID prefix: %s", ref)
			}
			match = run
		}
	}
	if match == nil {
		return nil, fmt.Errorf("run not found: %s", ref)
	}
	return match, nil
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
