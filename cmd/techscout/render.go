package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"

	"techscout/internal"
	"techscout/internal/util"
)

var categoryLabels = map[internal.Category]string{
	internal.CategoryAdded:    "Added",
	internal.CategoryReview:   "Review",
	internal.CategoryRejected: "Rejected",
}

// printReport renders the summary, one table per non-empty category and the
// technical-issue advisory.
func printReport(w io.Writer, report internal.ParsedReport) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	s := report.Summary
	fmt.Fprintf(w, "%s evaluated=%d added=%d review=%d rejected=%d\n",
		cyan("Summary:"), s.Evaluated, s.Added, s.Review, s.Rejected)

	for _, category := range internal.Categories {
		techs := report.Technologies.ByCategory(category)
		if len(techs) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s (%d)\n", cyan(categoryLabels[category]), len(techs))

		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.AppendHeader(table.Row{"#", "Technology", "Provider", "Score", "TRL", "Country", "Queue", "Reason"})
		for i, tech := range techs {
			queue := gray("unmatched")
			if tech.QueueID != nil {
				queue = fmt.Sprintf("%s (%.2f)", *tech.QueueID, tech.MatchScore)
			}
			t.AppendRow(table.Row{
				i + 1, tech.Name, tech.Provider, tech.Score,
				util.Deref(tech.TRL), util.Deref(tech.Country), queue, tech.Reason,
			})
		}
		t.Render()
	}

	printList(w, "Conclusions", report.Conclusions)
	printList(w, "Recommendations", report.Recommendations)
	printAdvisory(w, report)
}

func printList(w io.Writer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	fmt.Fprintf(w, "\n%s\n", cyan(title))
	for _, item := range items {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}

func printAdvisory(w io.Writer, report internal.ParsedReport) {
	if !report.HadTechnicalIssues {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Fprintf(w, "\n%s No technical issues detected\n", green("✓"))
		return
	}
	yellow := color.New(color.FgYellow).SprintFunc()
	fmt.Fprintf(w, "\n%s The agent reported technical issues:\n", yellow("⚠"))
	for _, msg := range report.TechnicalErrors {
		fmt.Fprintf(w, "  %s %s\n", yellow("•"), msg)
	}
}

func printRecords(w io.Writer, records []internal.PersistedRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Number", "Date", "Amount", "Created"})
	for _, r := range records {
		t.AppendRow(table.Row{r.ID, r.DocumentNumber, r.DocumentDate, r.TotalAmount, r.CreatedAt})
	}
	t.Render()
}

func printPollJobs(w io.Writer, rows []internal.PollJobRow) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Kind", "Project", "Remote", "State", "Baseline", "Last count", "Started", "Finished"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.ID, r.Kind, r.ProjectID, r.RemoteJobID, r.State, strconv.Itoa(r.Baseline), strconv.Itoa(r.LastCount), r.StartedAt, r.FinishedAt})
	}
	t.Render()
}
