package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"techscout/internal"
	"techscout/internal/config"
)

var ErrNotFound = errors.New("not found")

const maxAttempts = 5

type Client struct {
	cfg        config.Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Entry
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

type pagePayload[T any] struct {
	Items      []T     `json:"items"`
	NextCursor *string `json:"nextCursor"`
}

// StatusError is returned for non-2xx responses that were not retried.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend %s %s: status=%d body=%s", e.Method, e.Path, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

func NewClient(cfg config.Config, logger *logrus.Logger) *Client {
	rps := cfg.APIRateLimitRPS
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.APITimeoutMs) * time.Millisecond},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		log:        logger.WithField("module", "backend"),
	}
}

// ListQueue returns every queue record in the given status, following cursors
// until the backend stops returning one.
func (c *Client) ListQueue(ctx context.Context, status string) ([]internal.QueueRecord, error) {
	return scrollAll[internal.QueueRecord](ctx, c, "queue", map[string]string{"status": status})
}

func (c *Client) ListRecords(ctx context.Context, projectID string) ([]internal.PersistedRecord, error) {
	return scrollAll[internal.PersistedRecord](ctx, c, "projects/"+url.PathEscape(projectID)+"/records", map[string]string{})
}

func (c *Client) TransitionQueueRecord(ctx context.Context, queueID string, decision internal.Decision) error {
	endpoint := "queue/" + url.PathEscape(queueID) + "/" + string(decision)
	_, err := c.do(ctx, http.MethodPost, endpoint, nil, map[string]any{})
	return err
}

func (c *Client) StartJob(ctx context.Context, kind internal.JobKind, projectID string) (string, error) {
	body, err := c.do(ctx, http.MethodPost, "jobs", nil, map[string]any{"kind": kind, "projectId": projectID})
	if err != nil {
		return "", err
	}
	var job internal.RemoteJob
	if err := json.Unmarshal(body, &job); err != nil {
		return "", err
	}
	if strings.TrimSpace(job.ID) == "" {
		return "", errors.New("backend returned a job without id")
	}
	return job.ID, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (internal.RemoteJob, error) {
	body, err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		return internal.RemoteJob{}, err
	}
	var job internal.RemoteJob
	if err := json.Unmarshal(body, &job); err != nil {
		return internal.RemoteJob{}, err
	}
	return job, nil
}

func (c *Client) JobLogs(ctx context.Context, jobID string) ([]internal.JobLogEntry, error) {
	body, err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID)+"/logs", nil, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Logs []internal.JobLogEntry `json:"logs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	return payload.Logs, nil
}

func (c *Client) CountSearchResults(ctx context.Context, projectID string) (int, error) {
	body, err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/search-results/count", nil, nil)
	if err != nil {
		return 0, err
	}
	var payload struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, err
	}
	return payload.Count, nil
}

// FetchReport returns the agent output for a job: the results_summary field
// when it is set, otherwise the newest log entry carrying the report phase
// marker. A job without either yields an empty report, not an error.
func (c *Client) FetchReport(ctx context.Context, jobID string) (internal.RawReport, error) {
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return internal.RawReport{}, err
	}
	if strings.TrimSpace(job.ResultsSummary) != "" {
		return internal.RawReport{Origin: internal.OriginResultsSummary, JobID: jobID, Text: job.ResultsSummary}, nil
	}

	logs, err := c.JobLogs(ctx, jobID)
	if err != nil {
		return internal.RawReport{}, err
	}
	text := latestPhaseMessage(logs, c.cfg.ReportPhaseMarker)
	if text == "" {
		c.log.WithField("jobId", jobID).Warn("job has no report text")
	}
	return internal.RawReport{Origin: internal.OriginPhaseLog, JobID: jobID, Text: text}, nil
}

func latestPhaseMessage(logs []internal.JobLogEntry, marker string) string {
	marker = strings.ToLower(strings.TrimSpace(marker))
	if marker == "" {
		return ""
	}
	idx := make([]int, 0, len(logs))
	for i, entry := range logs {
		if strings.Contains(strings.ToLower(entry.Message), marker) || strings.ToLower(strings.TrimSpace(entry.Phase)) == marker {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return ""
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return logs[idx[a]].CreatedAt.Before(logs[idx[b]].CreatedAt)
	})
	return logs[idx[len(idx)-1]].Message
}

func scrollAll[T any](ctx context.Context, c *Client, endpoint string, params map[string]string) ([]T, error) {
	all := make([]T, 0)
	seen := map[string]struct{}{}
	var cursor string

	for {
		query := map[string]string{}
		for k, v := range params {
			query[k] = v
		}
		if cursor != "" {
			query["cursor"] = cursor
		}

		body, err := c.do(ctx, http.MethodGet, endpoint, query, nil)
		if err != nil {
			return nil, err
		}

		var page pagePayload[T]
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode %s: %w", endpoint, err)
		}
		all = append(all, page.Items...)

		if page.NextCursor == nil || *page.NextCursor == "" || len(page.Items) == 0 {
			break
		}
		if _, ok := seen[*page.NextCursor]; ok {
			break
		}
		seen[*page.NextCursor] = struct{}{}
		cursor = *page.NextCursor
	}

	return all, nil
}

// do sends one request and unwraps the response envelope. Only GETs are
// retried; a failed mutation is returned to the caller as is.
func (c *Client) do(ctx context.Context, method, endpoint string, params map[string]string, payload any) (json.RawMessage, error) {
	baseURL := strings.TrimRight(c.cfg.APIBaseURL, "/") + "/"
	u, err := url.Parse(baseURL + endpoint)
	if err != nil {
		return nil, err
	}

	q := u.Query()
	for k, v := range params {
		if strings.TrimSpace(v) != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var reqBody []byte
	if payload != nil {
		if reqBody, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.cfg.APIToken) != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			statusErr := &StatusError{Method: method, Path: endpoint, Status: resp.StatusCode, Body: string(body)}
			if isRetryableStatus(resp.StatusCode) && attempt < attempts {
				lastErr = statusErr
				backoff := time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
				c.log.WithFields(logrus.Fields{"path": endpoint, "status": resp.StatusCode, "attempt": attempt, "backoff": backoff}).Debug("retrying backend request")
				if err := sleepContext(ctx, backoff); err != nil {
					return nil, err
				}
				continue
			}
			return nil, statusErr
		}

		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, err
		}
		if !apiResp.Success {
			return nil, fmt.Errorf("backend %s %s unsuccessful: %s %s", method, endpoint, apiResp.Message, string(apiResp.Errors))
		}
		return apiResp.Data, nil
	}

	if lastErr == nil {
		lastErr = errors.New("backend request failed")
	}
	return nil, fmt.Errorf("backend %s %s after %d attempts: %w", method, endpoint, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
