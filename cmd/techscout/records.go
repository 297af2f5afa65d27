package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"techscout/internal/pipeline"
)

var recordsDedupeCmd = &cobra.Command{
	Use:   "records:dedupe <project-id>",
	Short: "List a project's records with duplicates collapsed",
	Long: `Fetch the records persisted against a project and keep the first record
for each (document number, date, amount) key. Records with none of those
fields are always kept.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := a.client.ListRecords(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		kept, dropped := pipeline.DedupeRecords(records)

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(kept)
		}
		printRecords(os.Stdout, kept)
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Println(gray(fmt.Sprintf("%d records, %d duplicates dropped", len(kept), dropped)))
		return nil
	},
}

func init() {
	recordsDedupeCmd.Flags().Bool("json", false, "Print records as JSON")
	rootCmd.AddCommand(recordsDedupeCmd)
}
