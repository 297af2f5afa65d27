package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"techscout/internal/connectors"
	"techscout/internal/listener"
)

var mailFetchCmd = &cobra.Command{
	Use:   "mail:fetch",
	Short: "Fetch report mails and store them for processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		label, _ := cmd.Flags().GetString("label")
		max, _ := cmd.Flags().GetInt("max")

		conn, err := connectors.New(cmd.Context(), a.cfg, provider)
		if err != nil {
			return err
		}
		fetch := connectors.NewFetchService(a.db, a.cfg.RawMailDir, a.cfg.MailSubjectFilter, conn, a.logger)
		res, err := fetch.FetchAndStore(cmd.Context(), label, max)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s provider=%s fetched=%d stored=%d skipped=%d\n", green("✓"), provider, res.Fetched, res.Stored, res.Skipped)
		return nil
	},
}

var mailProcessCmd = &cobra.Command{
	Use:   "mail:process",
	Short: "Turn stored mails into processed reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, _ := cmd.Flags().GetString("provider")
		messageID, _ := cmd.Flags().GetString("message-id")
		batch, _ := cmd.Flags().GetInt("batch")
		proc := a.processor()
		green := color.New(color.FgGreen).SprintFunc()

		if messageID != "" {
			res, err := proc.ProcessByProviderMessageID(cmd.Context(), provider, messageID)
			if err != nil {
				return err
			}
			if res.ReportID == 0 {
				fmt.Println("Message carries no report text; marked skipped")
				return nil
			}
			fmt.Printf("%s Report %d stored (matched=%d unmatched=%d)\n\n", green("✓"), res.ReportID, res.Matched, res.Unmatched)
			printReport(os.Stdout, res.Report)
			return nil
		}

		messages, reports, err := proc.ProcessPending(cmd.Context(), batch, provider)
		if err != nil {
			return err
		}
		fmt.Printf("%s processed messages=%d reports=%d\n", green("✓"), messages, reports)
		return nil
	},
}

var mailListenCmd = &cobra.Command{
	Use:   "mail:listen",
	Short: "Poll the mailbox, process reports and export them until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := listener.NewService(a.db, a.cfg, a.processor(), a.logger)
		if once, _ := cmd.Flags().GetBool("once"); once {
			res, err := svc.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("fetched=%d stored=%d processed=%d exported=%d\n", res.Fetched, res.Stored, res.Processed, res.Exported)
			return nil
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return svc.Run(ctx)
	},
}

func init() {
	mailFetchCmd.Flags().String("provider", "imap", "gmail or imap")
	mailFetchCmd.Flags().String("label", "INBOX", "Mailbox folder or Gmail label")
	mailFetchCmd.Flags().Int("max", 50, "Maximum messages to fetch")

	mailProcessCmd.Flags().String("provider", "", "Only process messages of this provider")
	mailProcessCmd.Flags().String("message-id", "", "Process one specific message (requires --provider)")
	mailProcessCmd.Flags().Int("batch", 20, "Batch size")

	mailListenCmd.Flags().Bool("once", false, "Run a single cycle and exit")

	rootCmd.AddCommand(mailFetchCmd, mailProcessCmd, mailListenCmd)
}
