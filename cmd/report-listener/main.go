package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"techscout/internal/backend"
	"techscout/internal/config"
	"techscout/internal/listener"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)
	must(cfg.Validate())
	logger := logging.New(cfg)

	db, err := storage.Open(cfg.DBPath)
	must(err)
	defer db.Close()

	processor := pipeline.NewProcessingService(db, backend.NewClient(cfg, logger), cfg, logger)
	svc := listener.NewService(db, cfg, processor, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	must(svc.Run(ctx))
}

func must(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
