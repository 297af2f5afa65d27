package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"techscout/internal/backend"
	"techscout/internal/config"
	"techscout/internal/jobs"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
	"techscout/internal/watcher"
)

// app holds what every command needs. It is filled in by the root command's
// PersistentPreRunE.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
	db     *storage.DB
	client *backend.Client
}

var a app

var rootCmd = &cobra.Command{
	Use:           "techscout",
	Short:         "Parse agent scouting reports and act on the review queue",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if level, _ := cmd.Flags().GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		db, err := storage.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.cfg = cfg
		a.logger = logging.New(cfg)
		a.db = db
		a.client = backend.NewClient(cfg, a.logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if a.db != nil {
			_ = a.db.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

func (a *app) processor() *pipeline.ProcessingService {
	return pipeline.NewProcessingService(a.db, a.client, a.cfg, a.logger)
}

func (a *app) actions() *pipeline.ActionService {
	return pipeline.NewActionService(a.client, a.logger)
}

func (a *app) runner() *jobs.Runner {
	w := watcher.New(watcher.RealClock(), a.cfg.PollInterval(), a.cfg.PollMaxDuration(), a.logger)
	return jobs.NewRunner(a.db, a.client, w, a.processor(), a.logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		if a.db != nil {
			_ = a.db.Close()
		}
		os.Exit(1)
	}
}
