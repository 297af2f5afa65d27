package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"techscout/internal"
	"techscout/internal/config"
	"techscout/internal/logging"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, payload any) *http.Response {
	blob, _ := json.Marshal(payload)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(string(blob))),
		Header:     make(http.Header),
	}
}

func ok(data any) *http.Response {
	return jsonResponse(http.StatusOK, map[string]any{"success": true, "data": data})
}

func newTestClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	cfg := config.Config{
		APIBaseURL:        "https://backend.test/api/v1",
		APIToken:          "test",
		APIRateLimitRPS:   1000,
		APITimeoutMs:      1000,
		ReportPhaseMarker: "RESUMEN FINAL",
	}
	client := NewClient(cfg, logging.Discard())
	client.httpClient = &http.Client{Transport: rt}
	return client
}

func TestListQueueFollowsCursorAndRetriesGets(t *testing.T) {
	attempt := 0
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/api/v1/queue", r.URL.Path)
		assert.Equal(t, "review", r.URL.Query().Get("status"))
		assert.Equal(t, "Bearer test", r.Header.Get("Authorization"))
		attempt++
		switch attempt {
		case 1:
			return jsonResponse(http.StatusServiceUnavailable, map[string]any{"error": "boom"}), nil
		case 2:
			assert.Empty(t, r.URL.Query().Get("cursor"))
			return ok(map[string]any{"items": []map[string]any{{"id": "q-1", "name": "UV Reactor X200", "provider": "AquaTech"}}, "nextCursor": "abc"}), nil
		default:
			assert.Equal(t, "abc", r.URL.Query().Get("cursor"))
			return ok(map[string]any{"items": []map[string]any{{"id": "q-2", "name": "Bomba", "provider": "ProvCo"}}, "nextCursor": nil}), nil
		}
	})

	queue, err := client.ListQueue(context.Background(), "review")
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "q-1", queue[0].ID)
	assert.Equal(t, "AquaTech", queue[0].Provider)
	assert.Equal(t, 3, attempt)
}

func TestMutationsAreNotRetried(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/queue/q-9/approve", r.URL.Path)
		return jsonResponse(http.StatusServiceUnavailable, map[string]any{}), nil
	})

	err := client.TransitionQueueRecord(context.Background(), "q-9", internal.DecisionApprove)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Status)
	assert.Equal(t, 1, calls)
}

func TestNotFoundIsSentinel(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, map[string]any{"success": false}), nil
	})

	_, err := client.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartJobSendsKindAndProject(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/api/v1/jobs", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "enrichment", body["kind"])
		assert.Equal(t, "p-1", body["projectId"])
		return ok(map[string]any{"id": "job-1", "status": "running"}), nil
	})

	id, err := client.StartJob(context.Background(), internal.JobKindEnrichment, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestFetchReportPrefersResultsSummary(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			t.Fatalf("logs should not be read")
		}
		return ok(map[string]any{"id": "job-1", "status": "completed", "results_summary": "Tecnologías evaluadas: 2"}), nil
	})

	report, err := client.FetchReport(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, internal.OriginResultsSummary, report.Origin)
	assert.Equal(t, "Tecnologías evaluadas: 2", report.Text)
}

func TestFetchReportFallsBackToNewestPhaseLog(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			return ok(map[string]any{"logs": []internal.JobLogEntry{
				{Phase: "search", Message: "RESUMEN FINAL v2", CreatedAt: base.Add(2 * time.Minute)},
				{Phase: "search", Message: "RESUMEN FINAL v1", CreatedAt: base},
				{Phase: "search", Message: "buscando patentes", CreatedAt: base.Add(5 * time.Minute)},
			}}), nil
		}
		return ok(map[string]any{"id": "job-1", "status": "completed", "results_summary": ""}), nil
	})

	report, err := client.FetchReport(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, internal.OriginPhaseLog, report.Origin)
	assert.Equal(t, "RESUMEN FINAL v2", report.Text)
}

func TestCountAndRecords(t *testing.T) {
	client := newTestClient(t, func(r *http.Request) (*http.Response, error) {
		switch r.URL.Path {
		case "/api/v1/projects/p-1/search-results/count":
			return ok(map[string]any{"count": 7}), nil
		case "/api/v1/projects/p-1/records":
			return ok(map[string]any{"items": []map[string]any{{"id": "r-1", "documentNumber": "F-1"}}}), nil
		}
		t.Fatalf("unexpected path %s", r.URL.Path)
		return nil, nil
	})

	n, err := client.CountSearchResults(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	records, err := client.ListRecords(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "F-1", records[0].DocumentNumber)
}
