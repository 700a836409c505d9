// Package scheduler drives the periodic recompute cycle.
//
// A cycle runs only while this process holds the fleet-wide lock:
//
//	acquire lock -> fetch stale cohorts -> backoff filter -> resolve levels
//	  -> for each level: extend lock, dispatch, await -> maybe gc -> release
//
// Nothing escapes RunCycle; every failure is attributed to a cohort and
// recorded, or logged.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"cohort-engine/internal/backoff"
	"cohort-engine/internal/condition"
	"cohort-engine/internal/deps"
	"cohort-engine/internal/dispatch"
	"cohort-engine/internal/services"
	"cohort-engine/internal/telemetry"
	"cohort-engine/pkg/models"
)

// ErrStopped is reported by cycles requested after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Lock is a fleet-wide mutual-exclusion lock with a TTL.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Counter is an externally persisted cycle counter.
type Counter interface {
	Incr(ctx context.Context) (int64, error)
}

// CohortLister reads recompute candidates, and the rest of the reference
// graph, from the tracking store.
type CohortLister interface {
	ListStaleCohorts(ctx context.Context, now time.Time, staleThreshold time.Duration, maxErrors int) ([]*models.Cohort, error)
	ListDynamicCohortIDs(ctx context.Context) ([]int64, error)
	GetCohorts(ctx context.Context, ids []int64) ([]*models.Cohort, error)
}

// Executor computes cohorts and records their failures.
type Executor interface {
	Process(ctx context.Context, c *models.Cohort, def *condition.Group, version int64) (services.Result, error)
	RecordError(ctx context.Context, id int64, cause error)
	GCOrphanedMemberships(ctx context.Context) services.BestEffortResult
}

// Dispatcher runs one level of jobs and waits for all of them to settle.
type Dispatcher interface {
	RunBatch(ctx context.Context, jobs []dispatch.Job) []dispatch.Outcome
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config tunes the cycle.
type Config struct {
	Interval       time.Duration
	StaleThreshold time.Duration
	MaxErrors      int
	Backoff        backoff.Policy
	GCEveryNCycles int64
}

// Deps are the collaborators of a Scheduler. Metrics may be nil.
type Deps struct {
	Store    CohortLister
	Executor Executor
	Lock     Lock
	Counter  Counter
	Pool     Dispatcher
	Metrics  *telemetry.Metrics
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	StartedAt         time.Time     `json:"started_at"`
	Duration          time.Duration `json:"duration_ns"`
	LockAcquired      bool          `json:"lock_acquired"`
	LockLost          bool          `json:"lock_lost"`
	Candidates        int           `json:"candidates"`
	SkippedBackoff    []int64       `json:"skipped_backoff,omitempty"`
	InvalidDefinition []int64       `json:"invalid_definition,omitempty"`
	Cyclic            []int64       `json:"cyclic,omitempty"`
	Computed          []int64       `json:"computed,omitempty"`
	Superseded        []int64       `json:"superseded,omitempty"`
	Failed            []int64       `json:"failed,omitempty"`
	MembersWritten    int64         `json:"members_written"`
	LevelsTotal       int           `json:"levels_total"`
	LevelsDispatched  int           `json:"levels_dispatched"`
	GCRan             bool          `json:"gc_ran"`
	Error             string        `json:"error,omitempty"`
}

// Scheduler runs cycles on a timer.
type Scheduler struct {
	cfg     Config
	deps    Deps
	metrics *telemetry.Metrics
	logger  Logger
	now     func() time.Time

	// cycleMu keeps cycles of this process from overlapping.
	cycleMu sync.Mutex

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a Scheduler. now defaults to time.Now when nil.
func New(cfg Config, d Deps, logger Logger, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	m := d.Metrics
	if m == nil {
		m, _ = telemetry.NewMetrics(noop.NewMeterProvider().Meter("scheduler"))
	}
	if cfg.GCEveryNCycles <= 0 {
		cfg.GCEveryNCycles = 1
	}
	return &Scheduler{cfg: cfg, deps: d, metrics: m, logger: logger, now: now}
}

// JobID is the content-derived dispatch id of a cohort computation.
func JobID(cohortID int64) string {
	return fmt.Sprintf("cohort-%d", cohortID)
}

// Start runs cycles until ctx is done or Stop is called. The next cycle is
// scheduled Interval after the previous one settles.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil || s.stopped {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.done)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			s.RunCycle(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// Stop prevents new cycles and waits for the in-flight one, whether the loop
// or a RunCycle caller started it, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		if s.stopCh != nil {
			close(s.stopCh)
		}
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// a cycle triggered through RunCycle may still hold cycleMu
	idle := make(chan struct{})
	go func() {
		s.cycleMu.Lock()
		s.cycleMu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// RunCycle runs one cycle if this process can take the lock.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	report := CycleReport{StartedAt: s.now()}
	if s.isStopped() {
		report.Error = ErrStopped.Error()
		return report
	}

	acquired, err := s.deps.Lock.Acquire(ctx)
	if err != nil {
		s.logger.Warn("failed to acquire cycle lock", "error", err)
		report.Error = err.Error()
		return report
	}
	if !acquired {
		s.logger.Debug("cycle lock held by another worker")
		return report
	}
	report.LockAcquired = true

	completed := s.runLocked(ctx, &report)
	if completed {
		s.maybeGC(ctx, &report)
	}

	if err := s.deps.Lock.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to release cycle lock", "error", err)
	}

	report.Duration = s.now().Sub(report.StartedAt)
	s.metrics.CycleCompleted(ctx, report.Duration)
	s.logger.Info("cycle finished",
		"candidates", report.Candidates,
		"computed", len(report.Computed),
		"failed", len(report.Failed),
		"superseded", len(report.Superseded),
		"cyclic", len(report.Cyclic),
		"skipped_backoff", len(report.SkippedBackoff),
		"levels", fmt.Sprintf("%d/%d", report.LevelsDispatched, report.LevelsTotal),
		"lock_lost", report.LockLost,
		"gc", report.GCRan,
		"duration", report.Duration)
	return report
}

// runLocked reports whether every level was dispatched while the lock was held.
func (s *Scheduler) runLocked(ctx context.Context, report *CycleReport) bool {
	now := report.StartedAt
	cohorts, err := s.deps.Store.ListStaleCohorts(ctx, now, s.cfg.StaleThreshold, s.cfg.MaxErrors)
	if err != nil {
		s.logger.Error("failed to list stale cohorts", "error", err)
		report.Error = err.Error()
		return false
	}
	report.Candidates = len(cohorts)

	byID := make(map[int64]*models.Cohort, len(cohorts))
	items := make([]deps.Item, 0, len(cohorts))
	for _, c := range cohorts {
		if !s.cfg.Backoff.IsEligible(c.ErrorsCalculating, c.LastErrorAt, now) {
			report.SkippedBackoff = append(report.SkippedBackoff, c.ID)
			continue
		}
		def, err := condition.Parse(c.Definition)
		if err == nil {
			err = condition.Validate(def)
		}
		if err != nil {
			s.logger.Warn("invalid cohort definition", "cohort_id", c.ID, "error", err)
			s.deps.Executor.RecordError(ctx, c.ID, err)
			s.metrics.CohortFailed(ctx, telemetry.ErrorKindDefinition)
			report.InvalidDefinition = append(report.InvalidDefinition, c.ID)
			continue
		}
		byID[c.ID] = c
		items = append(items, deps.Item{CohortID: c.ID, ProjectID: c.ProjectID, Definition: def})
	}

	var cyclic []int64
	if len(items) > 0 {
		onCycle := s.cyclicCohorts(ctx)
		acyclic := items[:0]
		for _, it := range items {
			if onCycle[it.CohortID] {
				cyclic = append(cyclic, it.CohortID)
				continue
			}
			acyclic = append(acyclic, it)
		}
		items = acyclic
	}

	resolved := deps.Resolve(items)
	cyclic = append(cyclic, resolved.Cyclic...)
	sort.Slice(cyclic, func(i, j int) bool { return cyclic[i] < cyclic[j] })
	for _, id := range cyclic {
		s.deps.Executor.RecordError(ctx, id, fmt.Errorf("%w: cohort %d", deps.ErrCyclicDependency, id))
		s.metrics.CohortFailed(ctx, telemetry.ErrorKindCyclic)
	}
	report.Cyclic = cyclic
	report.LevelsTotal = len(resolved.Levels)

	for i, level := range resolved.Levels {
		if ctx.Err() != nil {
			s.logger.Info("cycle cancelled", "level", i)
			return false
		}
		held, err := s.deps.Lock.Extend(ctx)
		if err != nil || !held {
			s.logger.Warn("cycle lock lost, abandoning remaining levels",
				"level", i, "remaining", len(resolved.Levels)-i, "error", err)
			report.LockLost = true
			s.metrics.LockLost(ctx)
			return false
		}
		s.dispatchLevel(ctx, level, byID, report)
		report.LevelsDispatched++
	}
	return true
}

// cyclicCohorts resolves the reference graph of every dynamic cohort, fresh
// ones included, and returns those on or behind a cycle. A stale cohort can
// close a cycle through a cohort that is not due. When the graph cannot be
// read, it returns nil and cycles are detected among the stale cohorts only.
func (s *Scheduler) cyclicCohorts(ctx context.Context) map[int64]bool {
	ids, err := s.deps.Store.ListDynamicCohortIDs(ctx)
	if err != nil {
		s.logger.Warn("failed to list dynamic cohorts for cycle detection", "error", err)
		return nil
	}
	cohorts, err := s.deps.Store.GetCohorts(ctx, ids)
	if err != nil {
		s.logger.Warn("failed to read dynamic cohorts for cycle detection", "error", err)
		return nil
	}

	items := make([]deps.Item, 0, len(cohorts))
	for _, c := range cohorts {
		def, err := condition.Parse(c.Definition)
		if err != nil {
			continue
		}
		items = append(items, deps.Item{CohortID: c.ID, ProjectID: c.ProjectID, Definition: def})
	}
	onCycle := make(map[int64]bool)
	for _, id := range deps.Resolve(items).Cyclic {
		onCycle[id] = true
	}
	return onCycle
}

func (s *Scheduler) dispatchLevel(ctx context.Context, level []deps.Item, byID map[int64]*models.Cohort, report *CycleReport) {
	version := s.now().UnixMilli()
	results := make([]services.Result, len(level))
	jobs := make([]dispatch.Job, len(level))
	for i, it := range level {
		c := byID[it.CohortID]
		jobs[i] = dispatch.Job{
			ID: JobID(c.ID),
			Run: func(ctx context.Context) error {
				r, err := s.deps.Executor.Process(ctx, c, it.Definition, version)
				results[i] = r
				return err
			},
		}
	}

	for i, o := range s.deps.Pool.RunBatch(ctx, jobs) {
		id := level[i].CohortID
		switch {
		case o.Err == nil && results[i].Published:
			report.Computed = append(report.Computed, id)
			report.MembersWritten += results[i].Members
			s.metrics.CohortComputed(ctx, results[i].Members)
		case o.Err == nil:
			report.Superseded = append(report.Superseded, id)
		case ctx.Err() != nil:
			// shutdown, not the cohort's fault
			s.logger.Info("cohort computation cancelled", "cohort_id", id, "error", o.Err)
		default:
			s.logger.Warn("cohort computation failed", "cohort_id", id, "version", version, "error", o.Err)
			s.deps.Executor.RecordError(ctx, id, o.Err)
			s.metrics.CohortFailed(ctx, errorKind(o.Err))
			report.Failed = append(report.Failed, id)
		}
	}
}

func (s *Scheduler) maybeGC(ctx context.Context, report *CycleReport) {
	n, err := s.deps.Counter.Incr(ctx)
	if err != nil {
		s.logger.Warn("failed to advance cycle counter", "error", err)
		return
	}
	if n <= 0 || n%s.cfg.GCEveryNCycles != 0 {
		return
	}
	report.GCRan = true
	s.deps.Executor.GCOrphanedMemberships(ctx)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrJobTimeout):
		return telemetry.ErrorKindTimeout
	case errors.Is(err, dispatch.ErrDuplicateJob), errors.Is(err, dispatch.ErrPoolClosed):
		return telemetry.ErrorKindRejected
	}
	return telemetry.ErrorKindCompute
}
