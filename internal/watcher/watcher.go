package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"techscout/internal"
)

var (
	ErrNoJob      = errors.New("no watched job")
	ErrSuperseded = errors.New("job superseded or cancelled before it started")
)

type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateComplete  State = "complete"
	StateTimedOut  State = "timedOut"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateComplete, StateTimedOut, StateCancelled, StateFailed:
		return true
	}
	return false
}

type Predicate string

const (
	// PredicateStatus completes on a terminal status field, polled or pushed.
	PredicateStatus Predicate = "status"
	// PredicateCount completes once a collection grows past its baseline.
	PredicateCount Predicate = "count"
)

// Spec describes one job to watch. StartJob is required; PollCount is
// required for PredicateCount and also supplies the baseline. PollStatus is
// optional for PredicateStatus when updates arrive through Observe.
type Spec struct {
	Kind      internal.JobKind
	ProjectID string
	Predicate Predicate

	StartJob   func(ctx context.Context) (string, error)
	PollStatus func(ctx context.Context, remoteID string) (string, error)
	PollCount  func(ctx context.Context) (int, error)

	Interval    time.Duration
	MaxDuration time.Duration
}

type Job struct {
	ID         string
	RemoteID   string
	Kind       internal.JobKind
	ProjectID  string
	Predicate  Predicate
	State      State
	Baseline   int
	LastCount  int
	LastStatus string
	LastError  string
	StartedAt  time.Time
	FinishedAt time.Time
}

type Watcher struct {
	mu sync.Mutex

	clock       Clock
	interval    time.Duration
	maxDuration time.Duration
	log         *logrus.Entry
	onChange    func(Job)

	gen        uint64
	starting   bool
	job        *Job
	spec       Spec
	deadlineAt time.Time
	tick       Timer
	deadline   Timer
	stopPolls  context.CancelFunc
	pollCtx    context.Context

	handles map[string]*handle
	order   []string
}

// handle lets waiters follow one job after a newer Start replaced it.
type handle struct {
	done  chan struct{}
	final Job
}

// keepHandles bounds how many finished jobs can still be waited on by id.
const keepHandles = 16

func New(clock Clock, interval, maxDuration time.Duration, logger *logrus.Logger) *Watcher {
	if clock == nil {
		clock = RealClock()
	}
	return &Watcher{
		clock:       clock,
		interval:    interval,
		maxDuration: maxDuration,
		log:         logger.WithField("module", "watcher"),
	}
}

// OnChange registers a callback that receives a snapshot after every change
// of the current job. It runs outside the watcher lock.
func (w *Watcher) OnChange(fn func(Job)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = fn
}

// Start cancels any outstanding job, captures the baseline, calls the
// job-start function and begins polling.
func (w *Watcher) Start(ctx context.Context, spec Spec) (Job, error) {
	if spec.StartJob == nil {
		return Job{}, errors.New("watcher: StartJob is required")
	}
	if spec.Predicate == "" {
		spec.Predicate = PredicateStatus
	}
	if spec.Predicate == PredicateCount && spec.PollCount == nil {
		return Job{}, errors.New("watcher: count predicate needs PollCount")
	}
	if spec.Interval <= 0 {
		spec.Interval = w.interval
	}
	if spec.MaxDuration <= 0 {
		spec.MaxDuration = w.maxDuration
	}

	w.mu.Lock()
	var notes []Job
	if w.job != nil && !w.job.State.Terminal() {
		w.finishLocked(StateCancelled)
		notes = append(notes, *w.job)
	}
	w.gen++
	gen := w.gen
	w.starting = true
	onChange := w.onChange
	w.mu.Unlock()
	notify(onChange, notes)

	job := Job{
		ID:        uuid.NewString(),
		Kind:      spec.Kind,
		ProjectID: spec.ProjectID,
		Predicate: spec.Predicate,
		State:     StatePolling,
	}

	if spec.Predicate == PredicateCount {
		baseline, err := spec.PollCount(ctx)
		if err != nil {
			w.clearStarting(gen)
			return Job{}, fmt.Errorf("capture baseline: %w", err)
		}
		job.Baseline = baseline
		job.LastCount = baseline
	}

	remoteID, err := spec.StartJob(ctx)
	if err != nil {
		w.clearStarting(gen)
		return Job{}, fmt.Errorf("start job: %w", err)
	}
	job.RemoteID = remoteID

	w.mu.Lock()
	if w.gen != gen {
		w.mu.Unlock()
		return Job{}, ErrSuperseded
	}
	w.starting = false
	now := w.clock.Now()
	job.StartedAt = now
	w.job = &job
	w.spec = spec
	w.deadlineAt = now.Add(spec.MaxDuration)
	w.remember(job.ID, &handle{done: make(chan struct{})})
	w.pollCtx, w.stopPolls = context.WithCancel(context.WithoutCancel(ctx))
	w.deadline = w.clock.AfterFunc(spec.MaxDuration, func() { w.expire(gen) })
	w.tick = w.clock.AfterFunc(spec.Interval, func() { w.poll(gen) })
	snapshot := *w.job
	onChange = w.onChange
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{
		"jobId":     snapshot.ID,
		"remoteId":  snapshot.RemoteID,
		"kind":      snapshot.Kind,
		"predicate": snapshot.Predicate,
		"baseline":  snapshot.Baseline,
	}).Info("watching job")
	notify(onChange, []Job{snapshot})
	return snapshot, nil
}

// Observe applies a pushed status update for the current job. Repeated or
// late updates for a finished job are ignored.
func (w *Watcher) Observe(jobID, status string) error {
	w.mu.Lock()
	if w.job == nil || (jobID != w.job.ID && jobID != w.job.RemoteID) {
		w.mu.Unlock()
		return ErrNoJob
	}
	if w.job.State.Terminal() {
		w.mu.Unlock()
		return nil
	}
	changed := w.applyStatusLocked(status)
	snapshot := *w.job
	onChange := w.onChange
	w.mu.Unlock()

	if changed {
		notify(onChange, []Job{snapshot})
	}
	return nil
}

func (w *Watcher) clearStarting(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen == gen {
		w.starting = false
	}
}

// Cancel stops the current job immediately. Partial results stay on the job.
// A Start still waiting on its remote call is abandoned as well.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	if w.starting {
		w.starting = false
		w.gen++
	}
	if w.job == nil || w.job.State.Terminal() {
		w.mu.Unlock()
		return
	}
	w.finishLocked(StateCancelled)
	w.gen++
	snapshot := *w.job
	onChange := w.onChange
	w.mu.Unlock()

	w.log.WithField("jobId", snapshot.ID).Info("job cancelled")
	notify(onChange, []Job{snapshot})
}

func (w *Watcher) Current() (Job, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job == nil {
		return Job{}, false
	}
	return *w.job, true
}

// Wait blocks until the current job reaches a terminal state or ctx ends.
func (w *Watcher) Wait(ctx context.Context) (Job, error) {
	w.mu.Lock()
	if w.job == nil {
		w.mu.Unlock()
		return Job{}, ErrNoJob
	}
	id := w.job.ID
	w.mu.Unlock()
	return w.WaitJob(ctx, id)
}

// WaitJob blocks until job id is terminal and returns its final snapshot,
// even when a newer Start has replaced it in the meantime.
func (w *Watcher) WaitJob(ctx context.Context, id string) (Job, error) {
	w.mu.Lock()
	h, ok := w.handles[id]
	w.mu.Unlock()
	if !ok {
		return Job{}, ErrNoJob
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.job != nil && w.job.ID == id {
			return *w.job, ctx.Err()
		}
		return h.final, ctx.Err()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return h.final, nil
}

func (w *Watcher) remember(id string, h *handle) {
	if w.handles == nil {
		w.handles = make(map[string]*handle)
	}
	w.handles[id] = h
	w.order = append(w.order, id)
	for len(w.order) > keepHandles {
		delete(w.handles, w.order[0])
		w.order = w.order[1:]
	}
}

func (w *Watcher) poll(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.job == nil || w.job.State.Terminal() {
		w.mu.Unlock()
		return
	}
	if !w.clock.Now().Before(w.deadlineAt) {
		w.finishLocked(StateTimedOut)
		snapshot := *w.job
		onChange := w.onChange
		w.mu.Unlock()
		notify(onChange, []Job{snapshot})
		return
	}
	spec := w.spec
	ctx := w.pollCtx
	remoteID := w.job.RemoteID
	w.mu.Unlock()

	var (
		status string
		count  int
		err    error
		polled bool
	)
	switch {
	case spec.Predicate == PredicateCount:
		count, err = spec.PollCount(ctx)
		polled = true
	case spec.PollStatus != nil:
		status, err = spec.PollStatus(ctx, remoteID)
		polled = true
	}

	w.mu.Lock()
	if gen != w.gen || w.job == nil || w.job.State.Terminal() {
		w.mu.Unlock()
		w.log.WithField("generation", gen).Debug("discarding stale poll result")
		return
	}
	changed := false
	switch {
	case !polled:
	case err != nil:
		w.job.LastError = err.Error()
		changed = true
	case spec.Predicate == PredicateCount:
		w.job.LastError = ""
		w.job.LastCount = count
		changed = true
		if count > w.job.Baseline {
			w.finishLocked(StateComplete)
		}
	default:
		w.job.LastError = ""
		changed = w.applyStatusLocked(status)
	}
	if !w.job.State.Terminal() {
		w.tick = w.clock.AfterFunc(spec.Interval, func() { w.poll(gen) })
	}
	snapshot := *w.job
	onChange := w.onChange
	w.mu.Unlock()

	if err != nil {
		w.log.WithFields(logrus.Fields{"jobId": snapshot.ID, "error": err}).Warn("poll failed")
	}
	if changed {
		notify(onChange, []Job{snapshot})
	}
}

func (w *Watcher) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.job == nil || w.job.State.Terminal() {
		w.mu.Unlock()
		return
	}
	w.finishLocked(StateTimedOut)
	snapshot := *w.job
	onChange := w.onChange
	w.mu.Unlock()

	w.log.WithFields(logrus.Fields{"jobId": snapshot.ID, "lastCount": snapshot.LastCount}).Warn("job timed out")
	notify(onChange, []Job{snapshot})
}

func (w *Watcher) applyStatusLocked(status string) bool {
	status = strings.TrimSpace(status)
	changed := status != w.job.LastStatus
	w.job.LastStatus = status
	switch ClassifyStatus(status) {
	case StateComplete:
		w.finishLocked(StateComplete)
		return true
	case StateFailed:
		w.finishLocked(StateFailed)
		return true
	}
	return changed
}

func (w *Watcher) finishLocked(state State) {
	w.job.State = state
	w.job.FinishedAt = w.clock.Now()
	if w.tick != nil {
		w.tick.Stop()
	}
	if w.deadline != nil {
		w.deadline.Stop()
	}
	if w.stopPolls != nil {
		w.stopPolls()
	}
	if h := w.handles[w.job.ID]; h != nil {
		h.final = *w.job
		close(h.done)
	}
}

// ClassifyStatus maps a backend status string to the terminal state it
// implies, or StatePolling when the job is still running.
func ClassifyStatus(status string) State {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "complete", "done", "succeeded", "success":
		return StateComplete
	case "failed", "error", "errored":
		return StateFailed
	}
	return StatePolling
}

func notify(fn func(Job), jobs []Job) {
	if fn == nil {
		return
	}
	for _, j := range jobs {
		fn(j)
	}
}
