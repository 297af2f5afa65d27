package listener

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"techscout/internal/config"
	"techscout/internal/connectors"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
)

// Service polls one mailbox for agent reports, processes them and optionally
// writes an XLSX per processed report.
type Service struct {
	db        *storage.DB
	cfg       config.Config
	processor *pipeline.ProcessingService
	logger    *logrus.Logger
	connect   func(ctx context.Context, provider string) (connectors.MailConnector, error)
}

type CycleResult struct {
	Fetched   int
	Stored    int
	Processed int
	Exported  int
}

func NewService(db *storage.DB, cfg config.Config, processor *pipeline.ProcessingService, logger *logrus.Logger) *Service {
	return &Service{
		db:        db,
		cfg:       cfg,
		processor: processor,
		logger:    logger,
		connect: func(ctx context.Context, provider string) (connectors.MailConnector, error) {
			return connectors.New(ctx, cfg, provider)
		},
	}
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.MailListenerIntervalSec) * time.Second
	s.logger.WithFields(logrus.Fields{"provider": s.provider(), "interval": interval}).Info("listener started")
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			logging.LogError(s.logger, "listener", "Run", "cycle", logrus.Fields{"provider": s.provider()}, err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("listener stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	provider := s.provider()
	conn, err := s.connect(ctx, provider)
	if err != nil {
		return CycleResult{}, err
	}

	fetch := connectors.NewFetchService(s.db, s.cfg.RawMailDir, s.cfg.MailSubjectFilter, conn, s.logger)
	fetched, err := fetch.FetchAndStore(ctx, s.cfg.MailListenerLabel, s.cfg.MailListenerFetchMax)
	if err != nil {
		return CycleResult{}, err
	}
	result := CycleResult{Fetched: fetched.Fetched, Stored: fetched.Stored}

	messages, reports, err := s.processor.ProcessPending(ctx, s.cfg.MailListenerProcessBatch, provider)
	result.Processed = messages + reports
	if err != nil {
		return result, err
	}

	if s.cfg.MailListenerAutoExport {
		exported, err := s.ExportProcessed()
		result.Exported = exported
		if err != nil {
			return result, err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"provider":  provider,
		"fetched":   result.Fetched,
		"stored":    result.Stored,
		"processed": result.Processed,
		"exported":  result.Exported,
	}).Info("listener cycle done")
	return result, nil
}

// ExportProcessed writes every processed report to OutputDir/listener and
// marks it exported.
func (s *Service) ExportProcessed() (int, error) {
	reports, err := s.db.ListReportsByStatus(storage.ReportProcessed, 200)
	if err != nil {
		return 0, err
	}

	exported := 0
	for _, row := range reports {
		parsed, err := s.db.LoadParsedReport(row.ID)
		if err != nil {
			return exported, err
		}
		rows, err := s.db.GetExportRows(row.ID)
		if err != nil {
			return exported, err
		}
		filename := fmt.Sprintf("%d_%s.xlsx", row.ID, sanitizeRef(row.MessageRef))
		outputPath := filepath.Join(s.cfg.OutputDir, "listener", filename)
		if err := pipeline.ExportRowsToXLSX(rows, parsed, outputPath); err != nil {
			return exported, err
		}
		if err := s.db.UpdateReportStatus(row.ID, storage.ReportExported); err != nil {
			return exported, err
		}
		exported++
	}
	return exported, nil
}

func (s *Service) provider() string {
	return strings.ToLower(strings.TrimSpace(s.cfg.MailListenerProvider))
}

func sanitizeRef(input string) string {
	repl := strings.NewReplacer("<", "_", ">", "_", ":", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_", " ", "_", "@", "_")
	out := repl.Replace(input)
	if len(out) > 120 {
		out = out[:120]
	}
	return out
}
