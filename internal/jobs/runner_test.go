package jobs

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techscout/internal"
	"techscout/internal/config"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
	"techscout/internal/watcher"
)

const interval = 5 * time.Second

type fakeBackend struct {
	mu      sync.Mutex
	status  string
	count   int
	summary string
	started []internal.JobKind
}

func (f *fakeBackend) StartJob(_ context.Context, kind internal.JobKind, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, kind)
	return "remote-1", nil
}

func (f *fakeBackend) GetJob(_ context.Context, jobID string) (internal.RemoteJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return internal.RemoteJob{ID: jobID, Status: f.status}, nil
}

func (f *fakeBackend) CountSearchResults(context.Context, string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, nil
}

func (f *fakeBackend) FetchReport(_ context.Context, jobID string) (internal.RawReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return internal.RawReport{Origin: internal.OriginResultsSummary, JobID: jobID, Text: f.summary}, nil
}

func (f *fakeBackend) set(fn func(*fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newRunner(t *testing.T, backend *fakeBackend) (*Runner, *watcher.FakeClock, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logging.Discard()
	clock := watcher.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	w := watcher.New(clock, interval, time.Minute, logger)
	proc := pipeline.NewProcessingService(db, nil, config.Config{}, logger)
	return NewRunner(db, backend, w, proc, logger), clock, db
}

func advanceWhenArmed(t *testing.T, clock *watcher.FakeClock, d time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return clock.Pending() > 0 }, 2*time.Second, time.Millisecond)
	clock.Advance(d)
}

func TestRunReportProcessesCompletedJob(t *testing.T) {
	backend := &fakeBackend{status: "running", summary: "✅ Añadidas\n| Sensor Y | AcmeCo | 85 | ok |"}
	runner, clock, db := newRunner(t, backend)

	type outcome struct {
		res RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := runner.RunReport(context.Background(), "p-1")
		done <- outcome{res, err}
	}()

	advanceWhenArmed(t, clock, interval)
	backend.set(func(f *fakeBackend) { f.status = "completed" })
	clock.Advance(interval)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, watcher.StateComplete, out.res.Job.State)
	assert.False(t, out.res.Partial)
	require.NotNil(t, out.res.Report)
	require.Len(t, out.res.Report.Report.Technologies.Added, 1)

	stored, err := db.GetPollJob(out.res.Job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "complete", stored.State)
	assert.Equal(t, "remote-1", stored.RemoteJobID)
	assert.NotEmpty(t, stored.FinishedAt)

	row, err := db.GetLatestReportByJobID("remote-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "p-1", row.ProjectID)
}

func TestRunReportTimeoutIsPartialSuccess(t *testing.T) {
	backend := &fakeBackend{status: "running", summary: "Tecnologías evaluadas: 4\nAñadidas: 1"}
	runner, clock, _ := newRunner(t, backend)

	done := make(chan RunResult, 1)
	go func() {
		res, err := runner.RunReport(context.Background(), "p-1")
		assert.NoError(t, err)
		done <- res
	}()

	advanceWhenArmed(t, clock, time.Minute)

	res := <-done
	assert.Equal(t, watcher.StateTimedOut, res.Job.State)
	assert.True(t, res.Partial)
	require.NotNil(t, res.Report)
	assert.Equal(t, 4, res.Report.Report.Summary.Evaluated)
}

func TestRunEnrichmentCompletesOnCountGrowth(t *testing.T) {
	backend := &fakeBackend{count: 10}
	runner, clock, _ := newRunner(t, backend)

	done := make(chan RunResult, 1)
	go func() {
		res, err := runner.RunEnrichment(context.Background(), "p-1")
		assert.NoError(t, err)
		done <- res
	}()

	advanceWhenArmed(t, clock, interval)
	backend.set(func(f *fakeBackend) { f.count = 12 })
	clock.Advance(interval)

	res := <-done
	assert.Equal(t, watcher.StateComplete, res.Job.State)
	assert.Equal(t, 10, res.Job.Baseline)
	assert.Equal(t, 12, res.Job.LastCount)
	assert.Equal(t, []internal.JobKind{internal.JobKindEnrichment}, backend.started)
}

func TestCollectSkipsCancelledJobs(t *testing.T) {
	runner, _, _ := newRunner(t, &fakeBackend{status: "running"})

	job, err := runner.StartReport(context.Background(), "p-1")
	require.NoError(t, err)
	runner.Watcher().Cancel()
	job, _ = runner.Watcher().Current()

	res, err := runner.Collect(context.Background(), job)
	require.NoError(t, err)
	assert.Nil(t, res)
}
