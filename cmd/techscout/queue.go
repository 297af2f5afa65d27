package main

import (
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"techscout/internal"
)

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// decisionCmd builds queue:approve, queue:reject and queue:reconsider. The
// target is either a queue id or a technology of a stored report.
func decisionCmd(decision internal.Decision, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue:" + string(decision) + " [queue-id]",
		Short: short,
		Long: fmt.Sprintf(`%s

Examples:
  techscout queue:%[2]s q-123
  techscout queue:%[2]s --report 7 --category added --position 2`, short, decision),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actions := a.actions()
			green := color.New(color.FgGreen).SprintFunc()

			if len(args) == 1 {
				if err := actions.DecideByID(cmd.Context(), args[0], decision); err != nil {
					return err
				}
				fmt.Printf("%s %s %s\n", green("✓"), decision, args[0])
				return nil
			}

			reportID, _ := cmd.Flags().GetInt("report")
			category, _ := cmd.Flags().GetString("category")
			position, _ := cmd.Flags().GetInt("position")
			if reportID <= 0 || category == "" || position <= 0 {
				return fmt.Errorf("pass a queue id or --report, --category and --position")
			}
			rows, err := a.db.GetExportRows(reportID)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if row.Category != category || row.Position != position {
					continue
				}
				tech := internal.ParsedTechnology{Name: row.Name, Provider: row.Provider, QueueID: row.QueueID}
				if err := actions.Decide(cmd.Context(), tech, decision); err != nil {
					return err
				}
				fmt.Printf("%s %s %s (%s)\n", green("✓"), decision, row.Name, *row.QueueID)
				return nil
			}
			return fmt.Errorf("report %d has no %s technology at position %d", reportID, category, position)
		},
	}
	cmd.Flags().Int("report", 0, "Stored report id")
	cmd.Flags().String("category", "", "added, review or rejected")
	cmd.Flags().Int("position", 0, "1-based position within the category")
	return cmd
}

func init() {
	rootCmd.AddCommand(
		decisionCmd(internal.DecisionApprove, "Approve a queue record"),
		decisionCmd(internal.DecisionReject, "Reject a queue record"),
		decisionCmd(internal.DecisionReconsider, "Send a queue record back for reconsideration"),
	)
}
