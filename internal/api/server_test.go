package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techscout/internal"
	"techscout/internal/config"
	"techscout/internal/jobs"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
	"techscout/internal/watcher"
)

const sampleReport = `Tecnologías evaluadas: 2
Añadidas: 1
Rechazadas: 1

✅ Añadidas
| UV Reactor X200 | AquaTech | 85 | Encaja |

❌ Rechazadas
| Bomba X | ProvCo | 40 | TRL bajo |
`

type fakeRemote struct {
	mu          sync.Mutex
	transitions []string
	records     []internal.PersistedRecord
}

func (f *fakeRemote) ListQueue(_ context.Context, status string) ([]internal.QueueRecord, error) {
	if status != "pending" {
		return nil, nil
	}
	return []internal.QueueRecord{{ID: "q-2", Name: "UV Reactor X200", Provider: "AquaTech"}}, nil
}

func (f *fakeRemote) TransitionQueueRecord(_ context.Context, queueID string, decision internal.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, queueID+":"+string(decision))
	return nil
}

func (f *fakeRemote) ListRecords(context.Context, string) ([]internal.PersistedRecord, error) {
	return f.records, nil
}

func (f *fakeRemote) StartJob(context.Context, internal.JobKind, string) (string, error) {
	return "remote-9", nil
}

func (f *fakeRemote) GetJob(_ context.Context, id string) (internal.RemoteJob, error) {
	return internal.RemoteJob{ID: id, Status: "running"}, nil
}

func (f *fakeRemote) CountSearchResults(context.Context, string) (int, error) {
	return 0, nil
}

func (f *fakeRemote) FetchReport(_ context.Context, jobID string) (internal.RawReport, error) {
	return internal.RawReport{Origin: internal.OriginResultsSummary, JobID: jobID, Text: sampleReport}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeRemote) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := logging.Discard()
	remote := &fakeRemote{}
	cfg := config.Config{QueueStatuses: []string{"pending"}}
	proc := pipeline.NewProcessingService(db, remote, cfg, logger)
	clock := watcher.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	runner := jobs.NewRunner(db, remote, watcher.New(clock, 5*time.Second, time.Minute, logger), proc, logger)

	s := NewServer(Deps{
		DB:        db,
		Processor: proc,
		Actions:   pipeline.NewActionService(remote, logger),
		Runner:    runner,
		Records:   remote,
		Logger:    logger,
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, remote
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func jsonBody(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestParsePreviewDoesNotStore(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/reports/parse?reconcile=true", jsonBody(t, map[string]string{"text": sampleReport}))
	require.Equal(t, http.StatusOK, rec.Code)

	var report internal.ParsedReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Technologies.Added, 1)
	require.NotNil(t, report.Technologies.Added[0].QueueID)
	assert.Equal(t, "q-2", *report.Technologies.Added[0].QueueID)

	rows, err := s.db.ListReportsByStatus(storage.ReportProcessed, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestProcessFetchAndExportReport(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/reports", jsonBody(t, map[string]string{"text": sampleReport, "projectId": "p-1"}))
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode(t, rec)
	assert.EqualValues(t, 1, created["matched"])
	assert.EqualValues(t, 1, created["unmatched"])
	id := int(created["reportId"].(float64))

	rec = do(t, s, http.MethodGet, "/api/v1/reports/"+strconv.Itoa(id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.Equal(t, "p-1", got["projectId"])
	assert.Equal(t, storage.ReportProcessed, got["status"])

	rec = do(t, s, http.MethodGet, "/api/v1/reports/"+strconv.Itoa(id)+"/xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "report_"+strconv.Itoa(id)+".xlsx")
	assert.NotZero(t, rec.Body.Len())

	rec = do(t, s, http.MethodGet, "/api/v1/reports/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/reports/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessRejectsEmptyText(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/reports", jsonBody(t, map[string]string{"text": ""}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecideTechnology(t *testing.T) {
	s, remote := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/reports", jsonBody(t, map[string]string{"text": sampleReport}))
	require.Equal(t, http.StatusCreated, rec.Code)
	id := strconv.Itoa(int(decode(t, rec)["reportId"].(float64)))

	rec = do(t, s, http.MethodPost, "/api/v1/reports/"+id+"/technologies/added/1/approve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"q-2:approve"}, remote.transitions)

	rec = do(t, s, http.MethodPost, "/api/v1/reports/"+id+"/technologies/rejected/1/reconsider", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/reports/"+id+"/technologies/added/1/archive", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/reports/"+id+"/technologies/added/7/approve", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Len(t, remote.transitions, 1)
}

func TestDecideQueueRecord(t *testing.T) {
	s, remote := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/queue/q-5/reject", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"q-5:reject"}, remote.transitions)
}

func TestReportJobLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "report", "projectId": "p-1"}))
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decode(t, rec)
	id := started["jobId"].(string)
	assert.Equal(t, "/api/v1/jobs/"+id, started["poll"])
	assert.Equal(t, "polling", started["state"])

	rec = do(t, s, http.MethodPost, "/api/v1/jobs/remote-9/status", jsonBody(t, map[string]string{"status": "completed"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "complete", decode(t, rec)["state"])

	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+id, "")
		_, ok := decode(t, rec)["collected"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	row, err := s.db.GetLatestReportByJobID("remote-9")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "p-1", row.ProjectID)

	rec = do(t, s, http.MethodPost, "/api/v1/jobs/other/status", jsonBody(t, map[string]string{"status": "completed"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinishedReportJobIsCollectedAfterReplacement(t *testing.T) {
	s, _ := newTestServer(t)

	first := decode(t, do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "report", "projectId": "p-1"})))
	id := first["jobId"].(string)
	rec := do(t, s, http.MethodPost, "/api/v1/jobs/"+id+"/status", jsonBody(t, map[string]string{"status": "completed"}))
	require.Equal(t, http.StatusOK, rec.Code)

	second := decode(t, do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "report", "projectId": "p-2"})))
	require.NotEqual(t, id, second["jobId"])

	require.Eventually(t, func() bool {
		rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+id, "")
		_, ok := decode(t, rec)["collected"]
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/"+id, "")
	assert.Equal(t, "complete", decode(t, rec)["state"])
}

func TestJobStatusFallsBackToStoredJobs(t *testing.T) {
	s, _ := newTestServer(t)

	first := decode(t, do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "enrichment", "projectId": "p-1"})))
	second := decode(t, do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "enrichment", "projectId": "p-2"})))
	require.NotEqual(t, first["jobId"], second["jobId"])

	rec := do(t, s, http.MethodGet, "/api/v1/jobs/"+first["jobId"].(string), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["state"])

	rec = do(t, s, http.MethodPost, "/api/v1/jobs/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode(t, rec)["state"])

	rec = do(t, s, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartJobValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "scrape", "projectId": "p-1"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/jobs", jsonBody(t, map[string]string{"kind": "report"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/jobs/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecordsDedupes(t *testing.T) {
	s, remote := newTestServer(t)
	remote.records = []internal.PersistedRecord{
		{ID: "r1", DocumentNumber: "F-1", DocumentDate: "2026-01-01", TotalAmount: "100.00"},
		{ID: "r2", DocumentNumber: "f-1", DocumentDate: "2026-01-01", TotalAmount: "100"},
		{ID: "r3", DocumentNumber: "F-2"},
	}

	rec := do(t, s, http.MethodGet, "/api/v1/projects/p-1/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)
	assert.EqualValues(t, 2, got["count"])
	assert.EqualValues(t, 1, got["dropped"])

	rec = do(t, s, http.MethodGet, "/api/v1/projects/p-1/records?dedupe=false", "")
	assert.EqualValues(t, 3, decode(t, rec)["count"])
}
