package listener

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techscout/internal"
	"techscout/internal/config"
	"techscout/internal/connectors"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
)

type stubConnector struct {
	messages []internal.FetchedMailMessage
}

func (s stubConnector) FetchInbox(context.Context, string, int) ([]internal.FetchedMailMessage, error) {
	return s.messages, nil
}

const reportMail = "From: agent@example.com\r\n" +
	"Subject: Informe de vigilancia\r\n" +
	"Message-ID: <r1@example.com>\r\n" +
	"Content-Type: text/plain; charset=UTF-8\r\n" +
	"\r\n" +
	"Tecnologías evaluadas: 1\r\n" +
	"Añadidas: 1\r\n" +
	"\r\n" +
	"✅ Añadidas\r\n" +
	"| Sensor Y | AcmeCo | 85 | Encaja |\r\n"

func newTestService(t *testing.T, autoExport bool) (*Service, *storage.DB, config.Config) {
	t.Helper()
	tmp := t.TempDir()
	db, err := storage.Open(filepath.Join(tmp, "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Config{
		RawMailDir:               filepath.Join(tmp, "raw"),
		OutputDir:                filepath.Join(tmp, "out"),
		MailListenerProvider:     "IMAP",
		MailListenerLabel:        "INBOX",
		MailListenerIntervalSec:  1,
		MailListenerFetchMax:     10,
		MailListenerProcessBatch: 10,
		MailListenerAutoExport:   autoExport,
	}
	logger := logging.Discard()
	svc := NewService(db, cfg, pipeline.NewProcessingService(db, nil, cfg, logger), logger)
	svc.connect = func(context.Context, string) (connectors.MailConnector, error) {
		return stubConnector{messages: []internal.FetchedMailMessage{{
			Provider:   "imap",
			MessageID:  "<r1@example.com>",
			Subject:    "Informe de vigilancia",
			ReceivedAt: "2026-02-08T10:00:00Z",
			Raw:        []byte(reportMail),
		}}}, nil
	}
	return svc, db, cfg
}

func TestRunCycleFetchesProcessesAndExports(t *testing.T) {
	svc, db, cfg := newTestService(t, true)

	res, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Fetched: 1, Stored: 1, Processed: 1, Exported: 1}, res)

	exported, err := db.ListReportsByStatus(storage.ReportExported, 10)
	require.NoError(t, err)
	require.Len(t, exported, 1)

	files, err := os.ReadDir(filepath.Join(cfg.OutputDir, "listener"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasSuffix(files[0].Name(), ".xlsx"))
	assert.NotContains(t, files[0].Name(), "<")

	again, err := svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleResult{Fetched: 1, Stored: 1}, again)
}

func TestRunCycleWithoutExportLeavesReportsProcessed(t *testing.T) {
	svc, db, _ := newTestService(t, false)

	_, err := svc.RunCycle(context.Background())
	require.NoError(t, err)

	processed, err := db.ListReportsByStatus(storage.ReportProcessed, 10)
	require.NoError(t, err)
	assert.Len(t, processed, 1)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	svc, _, _ := newTestService(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, svc.Run(ctx))
}

func TestSanitizeRef(t *testing.T) {
	assert.Equal(t, "imap__r1_example.com_", sanitizeRef("imap:<r1@example.com>"))
	assert.Len(t, sanitizeRef(strings.Repeat("x", 300)), 120)
}
