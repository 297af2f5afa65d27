package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"techscout/internal"
	"techscout/internal/backend"
	"techscout/internal/jobs"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
	"techscout/internal/watcher"
)

const xlsxMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RecordSource lists the business records persisted against a project.
type RecordSource interface {
	ListRecords(ctx context.Context, projectID string) ([]internal.PersistedRecord, error)
}

type Deps struct {
	DB        *storage.DB
	Processor *pipeline.ProcessingService
	Actions   *pipeline.ActionService
	Runner    *jobs.Runner
	Records   RecordSource
	Logger    *logrus.Logger
}

type Server struct {
	Echo *echo.Echo

	db        *storage.DB
	processor *pipeline.ProcessingService
	actions   *pipeline.ActionService
	runner    *jobs.Runner
	records   RecordSource
	logger    *logrus.Logger

	baseCtx context.Context
	stop    context.CancelFunc

	// Reports collected by finished report jobs, keyed by job id.
	collectMu sync.Mutex
	collected map[string]collectedReport
}

type collectedReport struct {
	ReportID int    `json:"reportId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type requestValidator struct {
	v *validator.Validate
}

func (r *requestValidator) Validate(i any) error {
	return r.v.Struct(i)
}

func NewServer(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			d.Logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Debug("request")
			return nil
		},
	}))

	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		Echo:      e,
		db:        d.DB,
		processor: d.Processor,
		actions:   d.Actions,
		runner:    d.Runner,
		records:   d.Records,
		logger:    d.Logger,
		baseCtx:   ctx,
		stop:      stop,
		collected: map[string]collectedReport{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")

	api.POST("/reports/parse", s.handleParsePreview)
	api.POST("/reports", s.handleProcessReport)
	api.GET("/reports/:id", s.handleGetReport)
	api.GET("/reports/:id/xlsx", s.handleExportReport)
	api.POST("/reports/:id/technologies/:category/:position/:decision", s.handleDecideTechnology)

	api.POST("/queue/:id/:decision", s.handleDecideQueueRecord)

	api.POST("/jobs", s.handleStartJob)
	api.POST("/jobs/cancel", s.handleCancelJob)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.POST("/jobs/:id/status", s.handleObserveJob)

	api.GET("/projects/:id/records", s.handleListRecords)
}

func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("http server listening")
	if err := s.Echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops background collectors and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		status = he.Code
		err = fmt.Errorf("%v", he.Message)
	case errors.Is(err, pipeline.ErrUnmatched):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrUnknownDecision):
		status = http.StatusBadRequest
	case errors.Is(err, watcher.ErrNoJob), errors.Is(err, backend.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, new(*backend.StatusError)):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		logging.LogError(s.logger, "api", c.Path(), c.Request().Method, nil, err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func bindValid(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func reportIDParam(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	return id, nil
}

type parseRequest struct {
	Text string `json:"text"`
}

// handleParsePreview parses text without storing it. With ?reconcile=true
// the current queue snapshot is matched as well.
func (s *Server) handleParsePreview(c echo.Context) error {
	var req parseRequest
	if err := bindValid(c, &req); err != nil {
		return s.fail(c, err)
	}
	report := pipeline.ParseReport(req.Text)
	if c.QueryParam("reconcile") == "true" {
		queue, err := s.processor.QueueSnapshot(c.Request().Context())
		if err != nil {
			return s.fail(c, err)
		}
		report = pipeline.ReconcileReport(report, queue)
	}
	return c.JSON(http.StatusOK, report)
}

type processRequest struct {
	Text      string `json:"text" validate:"required"`
	ProjectID string `json:"projectId"`
	JobID     string `json:"jobId"`
	Ref       string `json:"ref"`
}

func (s *Server) handleProcessReport(c echo.Context) error {
	var req processRequest
	if err := bindValid(c, &req); err != nil {
		return s.fail(c, err)
	}
	raw := internal.RawReport{Origin: internal.OriginManual, ProjectID: req.ProjectID, JobID: req.JobID, Text: req.Text}
	res, err := s.processor.ProcessReport(c.Request().Context(), raw, req.Ref)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"reportId":  res.ReportID,
		"matched":   res.Matched,
		"unmatched": res.Unmatched,
		"report":    res.Report,
	})
}

func (s *Server) loadReport(c echo.Context) (int, *internal.ParsedReport, error) {
	id, err := reportIDParam(c)
	if err != nil {
		return 0, nil, err
	}
	report, err := s.db.LoadParsedReport(id)
	if err != nil {
		return 0, nil, err
	}
	if report == nil {
		return 0, nil, echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	return id, report, nil
}

func (s *Server) handleGetReport(c echo.Context) error {
	id, report, err := s.loadReport(c)
	if err != nil {
		return s.fail(c, err)
	}
	row, err := s.db.GetReport(id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":        row.ID,
		"origin":    row.Origin,
		"projectId": row.ProjectID,
		"jobId":     row.JobID,
		"status":    row.Status,
		"createdAt": row.CreatedAt,
		"report":    report,
	})
}

func (s *Server) handleExportReport(c echo.Context) error {
	id, report, err := s.loadReport(c)
	if err != nil {
		return s.fail(c, err)
	}
	rows, err := s.db.GetExportRows(id)
	if err != nil {
		return s.fail(c, err)
	}

	var buf bytes.Buffer
	if err := pipeline.WriteRowsXLSX(&buf, rows, report); err != nil {
		return s.fail(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("report_%d.xlsx", id)))
	return c.Blob(http.StatusOK, xlsxMIME, buf.Bytes())
}

// handleDecideTechnology acts on one stored technology, addressed by its
// category and 1-based position in the report.
func (s *Server) handleDecideTechnology(c echo.Context) error {
	id, err := reportIDParam(c)
	if err != nil {
		return s.fail(c, err)
	}
	position, err := strconv.Atoi(c.Param("position"))
	if err != nil {
		return s.fail(c, echo.NewHTTPError(http.StatusBadRequest, "invalid position"))
	}
	rows, err := s.db.GetExportRows(id)
	if err != nil {
		return s.fail(c, err)
	}

	for _, row := range rows {
		if row.Category != c.Param("category") || row.Position != position {
			continue
		}
		tech := internal.ParsedTechnology{Name: row.Name, Provider: row.Provider, QueueID: row.QueueID}
		decision := internal.Decision(c.Param("decision"))
		if err := s.actions.Decide(c.Request().Context(), tech, decision); err != nil {
			return s.fail(c, err)
		}
		return c.JSON(http.StatusOK, map[string]string{"queueId": *row.QueueID, "decision": string(decision)})
	}
	return s.fail(c, echo.NewHTTPError(http.StatusNotFound, "technology not found"))
}

func (s *Server) handleDecideQueueRecord(c echo.Context) error {
	decision := internal.Decision(c.Param("decision"))
	if err := s.actions.DecideByID(c.Request().Context(), c.Param("id"), decision); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"queueId": c.Param("id"), "decision": string(decision)})
}

type startJobRequest struct {
	Kind      string `json:"kind" validate:"required,oneof=report enrichment"`
	ProjectID string `json:"projectId" validate:"required"`
}

func (s *Server) handleStartJob(c echo.Context) error {
	var req startJobRequest
	if err := bindValid(c, &req); err != nil {
		return s.fail(c, err)
	}

	var job watcher.Job
	var err error
	if internal.JobKind(req.Kind) == internal.JobKindEnrichment {
		job, err = s.runner.StartEnrichment(c.Request().Context(), req.ProjectID)
	} else {
		job, err = s.runner.StartReport(c.Request().Context(), req.ProjectID)
	}
	if err != nil {
		return s.fail(c, err)
	}
	if job.Kind == internal.JobKindReport {
		go s.collectWhenDone(job.ID)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "job started",
		"jobId":   job.ID,
		"state":   job.State,
		"poll":    "/api/v1/jobs/" + job.ID,
	})
}

// collectWhenDone processes the report of job id once it finishes. A job that
// was replaced before finishing ends cancelled and is not collected.
func (s *Server) collectWhenDone(id string) {
	job, err := s.runner.Watcher().WaitJob(s.baseCtx, id)
	if err != nil {
		return
	}
	res, err := s.runner.Collect(s.baseCtx, job)
	entry := collectedReport{}
	switch {
	case err != nil:
		entry.Error = err.Error()
	case res != nil:
		entry.ReportID = res.ReportID
	default:
		return
	}
	s.collectMu.Lock()
	s.collected[id] = entry
	s.collectMu.Unlock()
}

func (s *Server) handleCancelJob(c echo.Context) error {
	s.runner.Watcher().Cancel()
	job, ok := s.runner.Watcher().Current()
	if !ok {
		return s.fail(c, watcher.ErrNoJob)
	}
	return c.JSON(http.StatusOK, s.jobView(job))
}

type jobStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// handleObserveJob accepts pushed status updates for the current job.
func (s *Server) handleObserveJob(c echo.Context) error {
	var req jobStatusRequest
	if err := bindValid(c, &req); err != nil {
		return s.fail(c, err)
	}
	if err := s.runner.Watcher().Observe(c.Param("id"), req.Status); err != nil {
		return s.fail(c, err)
	}
	job, _ := s.runner.Watcher().Current()
	return c.JSON(http.StatusOK, s.jobView(job))
}

func (s *Server) handleJobStatus(c echo.Context) error {
	id := c.Param("id")
	if job, ok := s.runner.Watcher().Current(); ok && (job.ID == id || job.RemoteID == id) {
		return c.JSON(http.StatusOK, s.jobView(job))
	}

	row, err := s.db.GetPollJob(id)
	if err != nil {
		return s.fail(c, err)
	}
	if row == nil {
		return s.fail(c, echo.NewHTTPError(http.StatusNotFound, "job not found"))
	}
	resp := map[string]any{
		"id":         row.ID,
		"remoteId":   row.RemoteJobID,
		"kind":       row.Kind,
		"projectId":  row.ProjectID,
		"state":      row.State,
		"baseline":   row.Baseline,
		"lastCount":  row.LastCount,
		"lastStatus": row.LastStatus,
		"startedAt":  row.StartedAt,
	}
	if row.FinishedAt != "" {
		resp["finishedAt"] = row.FinishedAt
	}
	if row.LastError != "" {
		resp["lastError"] = row.LastError
	}
	s.addCollected(resp, row.ID)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) jobView(job watcher.Job) map[string]any {
	resp := map[string]any{
		"id":         job.ID,
		"remoteId":   job.RemoteID,
		"kind":       job.Kind,
		"projectId":  job.ProjectID,
		"state":      job.State,
		"baseline":   job.Baseline,
		"lastCount":  job.LastCount,
		"lastStatus": job.LastStatus,
		"startedAt":  job.StartedAt,
	}
	if !job.FinishedAt.IsZero() {
		resp["finishedAt"] = job.FinishedAt
		resp["duration"] = job.FinishedAt.Sub(job.StartedAt).Round(time.Millisecond).String()
	}
	if job.LastError != "" {
		resp["lastError"] = job.LastError
	}
	s.addCollected(resp, job.ID)
	return resp
}

func (s *Server) addCollected(resp map[string]any, jobID string) {
	s.collectMu.Lock()
	defer s.collectMu.Unlock()
	if entry, ok := s.collected[jobID]; ok {
		resp["collected"] = entry
	}
}

func (s *Server) handleListRecords(c echo.Context) error {
	records, err := s.records.ListRecords(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	dropped := 0
	if c.QueryParam("dedupe") != "false" {
		records, dropped = pipeline.DedupeRecords(records)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
		"dropped": dropped,
	})
}
