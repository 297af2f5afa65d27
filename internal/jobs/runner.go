package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"techscout/internal"
	"techscout/internal/logging"
	"techscout/internal/pipeline"
	"techscout/internal/storage"
	"techscout/internal/watcher"
)

// Backend is the slice of the remote API a job run needs.
type Backend interface {
	StartJob(ctx context.Context, kind internal.JobKind, projectID string) (string, error)
	GetJob(ctx context.Context, jobID string) (internal.RemoteJob, error)
	CountSearchResults(ctx context.Context, projectID string) (int, error)
	FetchReport(ctx context.Context, jobID string) (internal.RawReport, error)
}

type Runner struct {
	db        *storage.DB
	backend   Backend
	watcher   *watcher.Watcher
	processor *pipeline.ProcessingService
	logger    *logrus.Logger
}

type RunResult struct {
	Job     watcher.Job
	Report  *pipeline.ProcessResult
	Partial bool
}

// NewRunner persists every watcher change to the poll_jobs table.
func NewRunner(db *storage.DB, backend Backend, w *watcher.Watcher, processor *pipeline.ProcessingService, logger *logrus.Logger) *Runner {
	r := &Runner{db: db, backend: backend, watcher: w, processor: processor, logger: logger}
	w.OnChange(r.persist)
	return r
}

func (r *Runner) Watcher() *watcher.Watcher { return r.watcher }

// StartReport begins a report job without waiting for it.
func (r *Runner) StartReport(ctx context.Context, projectID string) (watcher.Job, error) {
	return r.watcher.Start(ctx, watcher.Spec{
		Kind:      internal.JobKindReport,
		ProjectID: projectID,
		Predicate: watcher.PredicateStatus,
		StartJob: func(ctx context.Context) (string, error) {
			return r.backend.StartJob(ctx, internal.JobKindReport, projectID)
		},
		PollStatus: func(ctx context.Context, remoteID string) (string, error) {
			job, err := r.backend.GetJob(ctx, remoteID)
			if err != nil {
				return "", err
			}
			return job.Status, nil
		},
	})
}

// StartEnrichment begins a job whose only completion signal is growth of the
// project's search-result collection.
func (r *Runner) StartEnrichment(ctx context.Context, projectID string) (watcher.Job, error) {
	return r.watcher.Start(ctx, watcher.Spec{
		Kind:      internal.JobKindEnrichment,
		ProjectID: projectID,
		Predicate: watcher.PredicateCount,
		StartJob: func(ctx context.Context) (string, error) {
			return r.backend.StartJob(ctx, internal.JobKindEnrichment, projectID)
		},
		PollCount: func(ctx context.Context) (int, error) {
			return r.backend.CountSearchResults(ctx, projectID)
		},
	})
}

// RunReport starts a report job, waits for it and processes whatever report
// text exists. A timed-out job is still processed and flagged partial.
func (r *Runner) RunReport(ctx context.Context, projectID string) (RunResult, error) {
	started, err := r.StartReport(ctx, projectID)
	if err != nil {
		return RunResult{}, err
	}
	job, err := r.wait(ctx, started.ID)
	if err != nil {
		return RunResult{Job: job}, err
	}
	res, err := r.Collect(ctx, job)
	if err != nil {
		return RunResult{Job: job}, err
	}
	return RunResult{Job: job, Report: res, Partial: job.State == watcher.StateTimedOut}, nil
}

func (r *Runner) RunEnrichment(ctx context.Context, projectID string) (RunResult, error) {
	started, err := r.StartEnrichment(ctx, projectID)
	if err != nil {
		return RunResult{}, err
	}
	job, err := r.wait(ctx, started.ID)
	return RunResult{Job: job, Partial: job.State == watcher.StateTimedOut}, err
}

// Collect fetches and processes the report of a finished report job. Jobs
// that were cancelled or never produced a report return nil.
func (r *Runner) Collect(ctx context.Context, job watcher.Job) (*pipeline.ProcessResult, error) {
	if job.Kind != internal.JobKindReport {
		return nil, nil
	}
	switch job.State {
	case watcher.StateComplete, watcher.StateTimedOut, watcher.StateFailed:
	default:
		return nil, nil
	}

	raw, err := r.backend.FetchReport(ctx, job.RemoteID)
	if err != nil {
		logging.LogError(r.logger, "jobs", "Collect", "fetch report", logrus.Fields{"jobId": job.ID, "remoteId": job.RemoteID}, err)
		return nil, err
	}
	raw.ProjectID = job.ProjectID
	res, err := r.processor.ProcessReport(ctx, raw, job.RemoteID)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// wait stops the watcher when the caller gives up, so no poll outlives it.
func (r *Runner) wait(ctx context.Context, id string) (watcher.Job, error) {
	job, err := r.watcher.WaitJob(ctx, id)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if cur, ok := r.watcher.Current(); ok && cur.ID == id {
			r.watcher.Cancel()
			job, _ = r.watcher.Current()
		}
		return job, fmt.Errorf("waiting for job %s: %w", id, err)
	}
	return job, err
}

func (r *Runner) persist(job watcher.Job) {
	row := internal.PollJobRow{
		ID:          job.ID,
		Kind:        string(job.Kind),
		ProjectID:   job.ProjectID,
		RemoteJobID: job.RemoteID,
		State:       string(job.State),
		Baseline:    job.Baseline,
		LastCount:   job.LastCount,
		LastStatus:  job.LastStatus,
		LastError:   job.LastError,
		StartedAt:   job.StartedAt.UTC().Format(time.RFC3339),
	}
	if !job.FinishedAt.IsZero() {
		row.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	if err := r.db.SavePollJob(row); err != nil {
		logging.LogError(r.logger, "jobs", "persist", "save poll job", logrus.Fields{"jobId": job.ID}, err)
		return
	}
	r.logger.WithFields(logrus.Fields{"jobId": job.ID, "state": job.State, "kind": job.Kind}).Debug("poll job saved")
}
