package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"techscout/internal"
	"techscout/internal/pipeline"
)

// readInput reads path, or stdin when path is empty or "-".
func readInput(path string) (string, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var reportParseCmd = &cobra.Command{
	Use:   "report:parse [file]",
	Short: "Parse a report and print it without storing anything",
	Long: `Parse an agent report and print its summary, technology tables and
technical-issue advisory. Reads stdin when no file is given.

Examples:
  techscout report:parse informe.md
  cat informe.md | techscout report:parse --reconcile
  techscout report:parse informe.md --xlsx informe.xlsx`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		text, err := readInput(path)
		if err != nil {
			return err
		}
		report := pipeline.ParseReport(text)

		if reconcile, _ := cmd.Flags().GetBool("reconcile"); reconcile {
			queue, err := a.processor().QueueSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			report = pipeline.ReconcileReport(report, queue)
		}
		if out, _ := cmd.Flags().GetString("xlsx"); out != "" {
			if err := pipeline.ExportReportToXLSX(report, out); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "wrote %s\n", out)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(report)
		}
		printReport(os.Stdout, report)
		return nil
	},
}

var reportProcessCmd = &cobra.Command{
	Use:   "report:process [file]",
	Short: "Parse, reconcile and store a report",
	Long: `Store a report, reconcile it against the current review queue and save
the parsed result. With --id an already stored report is processed again.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proc := a.processor()
		var res pipeline.ProcessResult
		var err error

		if id, _ := cmd.Flags().GetInt("id"); id > 0 {
			res, err = proc.ProcessReportByID(cmd.Context(), id)
		} else {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			text, readErr := readInput(path)
			if readErr != nil {
				return readErr
			}
			project, _ := cmd.Flags().GetString("project")
			jobID, _ := cmd.Flags().GetString("job")
			ref, _ := cmd.Flags().GetString("ref")
			raw := internal.RawReport{Origin: internal.OriginManual, ProjectID: project, JobID: jobID, Text: text}
			res, err = proc.ProcessReport(cmd.Context(), raw, ref)
		}
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Report %d stored (matched=%d unmatched=%d)\n\n", green("✓"), res.ReportID, res.Matched, res.Unmatched)
		printReport(os.Stdout, res.Report)
		return nil
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "report:show <id>",
	Short: "Print a stored report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		report, err := a.db.LoadParsedReport(id)
		if err != nil {
			return err
		}
		if report == nil {
			return fmt.Errorf("report %d not found or not processed yet", id)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(report)
		}
		printReport(os.Stdout, *report)
		return nil
	},
}

func init() {
	reportParseCmd.Flags().Bool("reconcile", false, "Match technologies against the live review queue")
	reportParseCmd.Flags().Bool("json", false, "Print the parsed report as JSON")
	reportParseCmd.Flags().String("xlsx", "", "Also write the parsed technologies to this XLSX file")

	reportProcessCmd.Flags().Int("id", 0, "Reprocess a stored report")
	reportProcessCmd.Flags().String("project", "", "Project the report belongs to")
	reportProcessCmd.Flags().String("job", "", "Remote job that produced the report")
	reportProcessCmd.Flags().String("ref", "", "Stable reference used to deduplicate resubmissions")

	reportShowCmd.Flags().Bool("json", false, "Print the parsed report as JSON")

	rootCmd.AddCommand(reportParseCmd, reportProcessCmd, reportShowCmd)
}
