package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"techscout/internal"
	"techscout/internal/config"
	"techscout/internal/logging"
	"techscout/internal/storage"
)

type QueueSource interface {
	ListQueue(ctx context.Context, status string) ([]internal.QueueRecord, error)
}

type ProcessingService struct {
	db     *storage.DB
	queue  QueueSource
	cfg    config.Config
	logger *logrus.Logger
}

// NewProcessingService wires parsing, reconciliation and persistence. queue
// may be nil, in which case reports are stored without queue ids.
func NewProcessingService(db *storage.DB, queue QueueSource, cfg config.Config, logger *logrus.Logger) *ProcessingService {
	return &ProcessingService{db: db, queue: queue, cfg: cfg, logger: logger}
}

type ProcessResult struct {
	ReportID  int
	Report    internal.ParsedReport
	Matched   int
	Unmatched int
}

func (s *ProcessingService) ProcessReport(ctx context.Context, raw internal.RawReport, messageRef string) (ProcessResult, error) {
	if strings.TrimSpace(messageRef) == "" {
		messageRef = firstNonEmpty(raw.JobID, uuid.NewString())
	}
	row, err := s.db.UpsertReport(raw, messageRef)
	if err != nil {
		return ProcessResult{}, err
	}
	return s.ProcessStored(ctx, row)
}

func (s *ProcessingService) ProcessReportByID(ctx context.Context, reportID int) (ProcessResult, error) {
	row, err := s.db.GetReport(reportID)
	if err != nil {
		return ProcessResult{}, err
	}
	if row == nil {
		return ProcessResult{}, fmt.Errorf("report not found: id=%d", reportID)
	}
	return s.ProcessStored(ctx, *row)
}

func (s *ProcessingService) ProcessStored(ctx context.Context, row internal.ReportRow) (ProcessResult, error) {
	start := time.Now()
	report := ParseReport(row.RawText)
	parseMs := float64(time.Since(start).Microseconds()) / 1000

	queue, err := s.QueueSnapshot(ctx)
	if err != nil {
		logging.LogError(s.logger, "pipeline", "ProcessStored", "queue snapshot", logrus.Fields{"reportId": row.ID}, err)
		return ProcessResult{}, err
	}
	reconciled := ReconcileReport(report, queue)

	rows := ReportExportRows(reconciled)
	if err := s.db.SaveParsedReport(row.ID, reconciled, rows); err != nil {
		return ProcessResult{}, err
	}

	matched := 0
	for _, r := range rows {
		if r.QueueID != nil {
			matched++
		}
	}
	result := ProcessResult{ReportID: row.ID, Report: reconciled, Matched: matched, Unmatched: len(rows) - matched}

	counts := map[string]int{
		"evaluated": reconciled.Summary.Evaluated,
		"added":     len(reconciled.Technologies.Added),
		"review":    len(reconciled.Technologies.Review),
		"rejected":  len(reconciled.Technologies.Rejected),
		"matched":   result.Matched,
		"unmatched": result.Unmatched,
		"errors":    len(reconciled.TechnicalErrors),
	}
	traceID := uuid.NewString()
	_ = s.db.InsertRun(traceID, row.ID, map[string]float64{"parseMs": parseMs, "totalMs": float64(time.Since(start).Milliseconds())}, counts)

	entry := s.logger.WithFields(logrus.Fields{
		"traceId":   traceID,
		"reportId":  row.ID,
		"origin":    row.Origin,
		"matched":   result.Matched,
		"unmatched": result.Unmatched,
	})
	if reconciled.HadTechnicalIssues {
		entry.WithField("technicalErrors", reconciled.TechnicalErrors).Warn("report processed with technical issues")
	} else {
		entry.Info("report processed")
	}
	return result, nil
}

// QueueSnapshot fetches every awaiting-decision status concurrently and
// concatenates the results in configured status order.
func (s *ProcessingService) QueueSnapshot(ctx context.Context) ([]internal.QueueRecord, error) {
	if s.queue == nil {
		return nil, nil
	}
	statuses := s.cfg.QueueStatuses
	parts := make([][]internal.QueueRecord, len(statuses))

	g, gctx := errgroup.WithContext(ctx)
	for i, status := range statuses {
		g.Go(func() error {
			records, err := s.queue.ListQueue(gctx, status)
			if err != nil {
				return fmt.Errorf("queue status %s: %w", status, err)
			}
			parts[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []internal.QueueRecord{}
	for _, p := range parts {
		out = append(out, p...)
	}
	_ = s.db.SetMetadata("queue.last_snapshot", time.Now().UTC().Format(time.RFC3339))
	return out, nil
}

// ProcessMessage turns one stored mail message into a report and processes it.
// A message without report text is marked skipped.
func (s *ProcessingService) ProcessMessage(ctx context.Context, msg internal.MessageRow) (ProcessResult, error) {
	raw, err := os.ReadFile(msg.RawRef)
	if err != nil {
		return ProcessResult{}, err
	}
	mail, err := ExtractReportFromEmailRaw(raw)
	if err != nil {
		return ProcessResult{}, err
	}
	if strings.TrimSpace(mail.Text) == "" {
		_ = s.db.UpdateMessageStatus(msg.ID, "skipped")
		s.logger.WithFields(logrus.Fields{"messageId": msg.MessageID, "subject": firstNonEmpty(mail.Subject, msg.Subject)}).Info("message carries no report text")
		return ProcessResult{}, nil
	}

	res, err := s.ProcessReport(ctx, internal.RawReport{Origin: internal.OriginMail, Text: mail.Text}, msg.Provider+":"+msg.MessageID)
	if err != nil {
		return ProcessResult{}, err
	}
	if err := s.db.UpdateMessageStatus(msg.ID, "processed"); err != nil {
		return ProcessResult{}, err
	}
	return res, nil
}

func (s *ProcessingService) ProcessByProviderMessageID(ctx context.Context, provider, messageID string) (ProcessResult, error) {
	msg, err := s.db.MustMessageByProviderMessageID(provider, messageID)
	if err != nil {
		return ProcessResult{}, err
	}
	return s.ProcessMessage(ctx, msg)
}

// ProcessPending drains fetched mail messages (optionally for one provider)
// and then every stored report still in the fetched state. An item that fails
// is marked failed and the batch continues.
func (s *ProcessingService) ProcessPending(ctx context.Context, limit int, provider string) (int, int, error) {
	messages, err := s.db.ListMessagesByStatus("fetched", limit)
	if err != nil {
		return 0, 0, err
	}
	processedMessages := 0
	for _, msg := range messages {
		if provider != "" && msg.Provider != provider {
			continue
		}
		if err := ctx.Err(); err != nil {
			return processedMessages, 0, err
		}
		if _, err := s.ProcessMessage(ctx, msg); err != nil {
			logging.LogError(s.logger, "pipeline", "ProcessPending", "process message", logrus.Fields{"messageId": msg.MessageID, "provider": msg.Provider}, err)
			_ = s.db.UpdateMessageStatus(msg.ID, "failed")
			continue
		}
		processedMessages++
	}

	reports, err := s.db.ListReportsByStatus(storage.ReportFetched, limit)
	if err != nil {
		return processedMessages, 0, err
	}
	processedReports := 0
	for _, row := range reports {
		if err := ctx.Err(); err != nil {
			return processedMessages, processedReports, err
		}
		if _, err := s.ProcessStored(ctx, row); err != nil {
			logging.LogError(s.logger, "pipeline", "ProcessPending", "process report", logrus.Fields{"reportId": row.ID}, err)
			_ = s.db.UpdateReportStatus(row.ID, storage.ReportFailed)
			continue
		}
		processedReports++
	}
	return processedMessages, processedReports, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
