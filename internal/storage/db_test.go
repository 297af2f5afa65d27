package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techscout/internal"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func strp(v string) *string { return &v }

func TestReportLifecycle(t *testing.T) {
	db := openTestDB(t)

	raw := internal.RawReport{Origin: internal.OriginResultsSummary, ProjectID: "p-1", JobID: "job-1", Text: "Tecnologías evaluadas: 1"}
	row, err := db.UpsertReport(raw, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReportFetched, row.Status)
	assert.Equal(t, "p-1", row.ProjectID)

	pending, err := db.ListReportsByStatus(ReportFetched, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	report := internal.ParsedReport{
		Summary:            internal.ReportSummary{Evaluated: 1, Added: 1},
		HadTechnicalIssues: true,
		TechnicalErrors:    []string{"tool failed."},
	}
	rows := []internal.TechnologyExportRow{
		{Category: "rejected", Position: 1, Name: "Bomba X", Provider: "ProvCo", Score: 42, Reason: "caro"},
		{Category: "added", Position: 1, Name: "Sensor Y", Provider: "AcmeCo", Score: 85, Reason: "ok", TRL: strp("7"), QueueID: strp("q-1"), MatchScore: 0.9},
	}
	require.NoError(t, db.SaveParsedReport(row.ID, report, rows))
	// Saving twice replaces the technology rows.
	require.NoError(t, db.SaveParsedReport(row.ID, report, rows))

	stored, err := db.GetReport(row.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, ReportProcessed, stored.Status)
	assert.True(t, stored.HadTechnicalIssues)

	parsed, err := db.LoadParsedReport(row.ID)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, []string{"tool failed."}, parsed.TechnicalErrors)

	exported, err := db.GetExportRows(row.ID)
	require.NoError(t, err)
	require.Len(t, exported, 2)
	assert.Equal(t, "Sensor Y", exported[0].Name)
	assert.Equal(t, "q-1", *exported[0].QueueID)
	assert.Nil(t, exported[1].TRL)

	byJob, err := db.GetLatestReportByJobID("job-1")
	require.NoError(t, err)
	require.NotNil(t, byJob)
	assert.Equal(t, row.ID, byJob.ID)

	// Same text keeps the processed status; new text re-queues it.
	again, err := db.UpsertReport(raw, "job-1")
	require.NoError(t, err)
	assert.Equal(t, ReportProcessed, again.Status)
	raw.Text = "Tecnologías evaluadas: 2"
	again, err = db.UpsertReport(raw, "job-1")
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, ReportFetched, again.Status)
}

func TestMessagesAndMetadata(t *testing.T) {
	db := openTestDB(t)

	msg, err := db.UpsertMessage("imap", "<1@example.com>", "Informe", "agent@example.com", "2026-02-08T00:00:00Z", "hash", "/tmp/1.eml", "fetched")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)

	_, err = db.MustMessageByProviderMessageID("imap", "<missing>")
	assert.Error(t, err)

	require.NoError(t, db.UpdateMessageStatus(msg.ID, "processed"))
	fetched, err := db.ListMessagesByStatus("fetched", 10)
	require.NoError(t, err)
	assert.Empty(t, fetched)

	same, err := db.UpsertMessage("imap", "<1@example.com>", "Informe", "agent@example.com", "2026-02-08T00:00:00Z", "hash", "/tmp/1.eml", "fetched")
	require.NoError(t, err)
	assert.Equal(t, "processed", same.Status)
	changed, err := db.UpsertMessage("imap", "<1@example.com>", "Informe", "agent@example.com", "2026-02-08T00:00:00Z", "hash-2", "/tmp/2.eml", "fetched")
	require.NoError(t, err)
	assert.Equal(t, "fetched", changed.Status)

	missing, err := db.GetMetadata("imap_last_uid")
	require.NoError(t, err)
	assert.Nil(t, missing)
	require.NoError(t, db.SetMetadata("imap_last_uid", "42"))
	value, err := db.GetMetadata("imap_last_uid")
	require.NoError(t, err)
	assert.Equal(t, "42", *value)
}

func TestPollJobsAndRuns(t *testing.T) {
	db := openTestDB(t)

	job := internal.PollJobRow{ID: "abc", Kind: "enrichment", ProjectID: "p-1", State: "polling", Baseline: 3, StartedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, db.SavePollJob(job))
	job.State = "complete"
	job.LastCount = 5
	job.FinishedAt = "2026-01-01T00:01:00Z"
	require.NoError(t, db.SavePollJob(job))

	got, err := db.GetPollJob("abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "complete", got.State)
	assert.Equal(t, 5, got.LastCount)
	assert.Equal(t, 3, got.Baseline)

	list, err := db.ListPollJobs(10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	row, err := db.UpsertReport(internal.RawReport{Origin: internal.OriginManual, Text: "x"}, "manual-1")
	require.NoError(t, err)
	require.NoError(t, db.InsertRun("trace", row.ID, map[string]float64{"totalMs": 1}, map[string]int{"added": 0}))
	n, err := db.CountRuns(row.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
