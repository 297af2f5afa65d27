package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"techscout/internal"
	"techscout/internal/jobs"
	"techscout/internal/watcher"
)

var jobRunCmd = &cobra.Command{
	Use:   "job:run",
	Short: "Start a remote job and wait for it to finish",
	Long: `Start a remote job and poll it until it completes, fails, times out or
is interrupted with Ctrl-C. A report job is processed afterwards, also when it
timed out (the result is then marked partial).

Examples:
  techscout job:run --kind report --project p-42
  techscout job:run --kind enrichment --project p-42`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		runner := a.runner()
		var res jobs.RunResult
		var err error
		switch internal.JobKind(kind) {
		case internal.JobKindReport:
			res, err = runner.RunReport(ctx, project)
		case internal.JobKindEnrichment:
			res, err = runner.RunEnrichment(ctx, project)
		default:
			return fmt.Errorf("unknown job kind %q (want report or enrichment)", kind)
		}
		printJobOutcome(res)
		if err != nil && errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("interrupted")
		}
		return err
	},
}

func printJobOutcome(res jobs.RunResult) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	job := res.Job
	if job.ID == "" {
		return
	}
	mark := green("✓")
	switch job.State {
	case watcher.StateTimedOut, watcher.StateCancelled:
		mark = yellow("⚠")
	case watcher.StateFailed:
		mark = red("✗")
	}
	fmt.Printf("%s Job %s (%s) %s\n", mark, job.ID, job.RemoteID, job.State)
	if job.Predicate == watcher.PredicateCount {
		fmt.Printf("  Results: %d (baseline %d)\n", job.LastCount, job.Baseline)
	}
	if job.LastError != "" {
		fmt.Printf("  Last poll error: %s\n", job.LastError)
	}
	if res.Partial {
		fmt.Printf("  %s Timed out; results below may be incomplete\n", yellow("⚠"))
	}
	if res.Report != nil {
		fmt.Printf("  Report %d stored (matched=%d unmatched=%d)\n\n", res.Report.ReportID, res.Report.Matched, res.Report.Unmatched)
		printReport(os.Stdout, res.Report.Report)
	}
}

var jobListCmd = &cobra.Command{
	Use:   "job:list",
	Short: "List recently watched jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := a.db.ListPollJobs(limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No jobs recorded")
			return nil
		}
		printPollJobs(os.Stdout, rows)
		return nil
	},
}

func init() {
	jobRunCmd.Flags().String("kind", string(internal.JobKindReport), "report or enrichment")
	jobRunCmd.Flags().String("project", "", "Project to run the job for")
	jobListCmd.Flags().Int("limit", 20, "Maximum number of jobs to show")
	rootCmd.AddCommand(jobRunCmd, jobListCmd)
}
