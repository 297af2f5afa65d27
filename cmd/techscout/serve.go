package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"techscout/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = a.cfg.HTTPAddr
		}

		srv := api.NewServer(api.Deps{
			DB:        a.db,
			Processor: a.processor(),
			Actions:   a.actions(),
			Runner:    a.runner(),
			Records:   a.client,
			Logger:    a.logger,
		})

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(addr) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}
