package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"techscout/internal/pipeline"
)

var exportXLSXCmd = &cobra.Command{
	Use:   "export:xlsx <report-id>",
	Short: "Write a stored report to an XLSX file",
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
		rows, err := a.db.GetExportRows(id)
		if err != nil {
			return err
		}

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = filepath.Join(a.cfg.OutputDir, fmt.Sprintf("report_%d.xlsx", id))
		}
		if err := pipeline.ExportRowsToXLSX(rows, report, out); err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Wrote %d technologies to %s\n", green("✓"), len(rows), out)
		return nil
	},
}

func init() {
	exportXLSXCmd.Flags().String("out", "", "Output path (default OUTPUT_DIR/report_<id>.xlsx)")
	rootCmd.AddCommand(exportXLSXCmd)
}
