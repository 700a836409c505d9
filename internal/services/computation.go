package services

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"cohort-engine/internal/compiler"
	"cohort-engine/internal/condition"
	"cohort-engine/internal/repository"
	"cohort-engine/pkg/models"
)

// MaxErrorMessageLength bounds the stored last_error_message, in bytes.
const MaxErrorMessageLength = 1000

// ErrCrossProjectReference is returned when a definition references a cohort
// of another project.
var ErrCrossProjectReference = errors.New("cohort reference crosses projects")

// Result is the outcome of one successful computation.
type Result struct {
	CohortID int64
	Version  int64
	Members  int64
	// Published is false when a newer version was already published by
	// another worker; the rows written here are then superseded.
	Published   bool
	SizeHistory BestEffortResult
}

// ComputationService computes and publishes cohort membership.
type ComputationService struct {
	store    repository.CohortStore
	wh       Warehouse
	logger   Logger
	universe compiler.Universe
	now      func() time.Time
}

// Option configures a ComputationService.
type Option func(*ComputationService)

// WithUniverse sets the person universe negated cohort references are
// evaluated against.
func WithUniverse(u compiler.Universe) Option {
	return func(s *ComputationService) { s.universe = u }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *ComputationService) { s.now = now }
}

// NewComputationService creates a new ComputationService.
func NewComputationService(store repository.CohortStore, wh Warehouse, logger Logger, opts ...Option) *ComputationService {
	s := &ComputationService{
		store:    store,
		wh:       wh,
		logger:   logger,
		universe: compiler.UniverseAll,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process computes the membership of c at version, publishes the version and,
// when it was published, records its size. The returned error is the
// computation or publication failure to be recorded against the cohort.
func (s *ComputationService) Process(ctx context.Context, c *models.Cohort, def *condition.Group, version int64) (Result, error) {
	res := Result{CohortID: c.ID, Version: version}

	n, err := s.ComputeMembership(ctx, c, def, version)
	if err != nil {
		return res, err
	}
	res.Members = n

	published, err := s.MarkComputationSuccess(ctx, c.ID, version)
	if err != nil {
		return res, err
	}
	res.Published = published
	if !published {
		s.logger.Info("membership version superseded", "cohort_id", c.ID, "version", version)
		return res, nil
	}
	s.retireSupersededVersions(ctx, c.ID, version)
	res.SizeHistory = s.RecordSizeHistory(ctx, c.ID, c.ProjectID, version)
	return res, nil
}

// retireSupersededVersions drops the rows older than the version just
// published. Dependents read the published version, so older rows must stay
// until the publish has committed. A failed delete is logged and left to the
// next publish.
func (s *ComputationService) retireSupersededVersions(ctx context.Context, cohortID, version int64) {
	if err := s.wh.DeleteSupersededVersions(ctx, cohortID, version); err != nil {
		s.logger.Warn("failed to retire superseded membership", "cohort_id", cohortID, "version", version, "error", err)
	}
}

// ComputeMembership writes the members of c at version. The rows stay
// invisible to dependents until the version is published.
func (s *ComputationService) ComputeMembership(ctx context.Context, c *models.Cohort, def *condition.Group, version int64) (int64, error) {
	versions, err := s.resolveReferences(ctx, c, def)
	if err != nil {
		return 0, err
	}

	q, err := compiler.Compile(s.wh.Dialect(), def, compiler.Params{
		ProjectID:      c.ProjectID,
		Now:            s.now(),
		Universe:       s.universe,
		CohortVersions: versions,
	})
	if err != nil {
		return 0, fmt.Errorf("compile cohort %d: %w", c.ID, err)
	}

	n, err := s.wh.InsertMembership(ctx, c.ProjectID, c.ID, version, q)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("membership written", "cohort_id", c.ID, "version", version, "rows", n)
	return n, nil
}

// resolveReferences maps every cohort referenced by def to its published
// membership version.
func (s *ComputationService) resolveReferences(ctx context.Context, c *models.Cohort, def *condition.Group) (map[int64]int64, error) {
	refs := condition.CohortRefs(def)
	if len(refs) == 0 {
		return nil, nil
	}
	cohorts, err := s.store.GetCohorts(ctx, refs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.Cohort, len(cohorts))
	for _, rc := range cohorts {
		byID[rc.ID] = rc
	}

	versions := make(map[int64]int64, len(refs))
	for _, id := range refs {
		rc, ok := byID[id]
		switch {
		case !ok || rc.Deleted:
			return nil, fmt.Errorf("%w: cohort %d does not exist", compiler.ErrUnresolvedCohort, id)
		case rc.ProjectID != c.ProjectID:
			return nil, fmt.Errorf("%w: cohort %d references cohort %d", ErrCrossProjectReference, c.ID, id)
		case rc.MembershipVersion == nil:
			return nil, fmt.Errorf("%w: cohort %d", compiler.ErrUnresolvedCohort, id)
		}
		versions[id] = *rc.MembershipVersion
	}
	return versions, nil
}

// MarkComputationSuccess publishes version for cohort id. False means a
// version at least as new is already published.
func (s *ComputationService) MarkComputationSuccess(ctx context.Context, id, version int64) (bool, error) {
	return s.store.MarkComputationSuccess(ctx, id, version, s.now())
}

// RecordError counts a failed computation against cohort id. A failure to
// record is logged and otherwise ignored.
func (s *ComputationService) RecordError(ctx context.Context, id int64, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = truncate(cause.Error(), MaxErrorMessageLength)
	}
	if err := s.store.RecordError(ctx, id, msg, s.now()); err != nil {
		s.logger.Error("failed to record cohort error", "cohort_id", id, "cause", msg, "error", err)
	}
}

// RecordSizeHistory appends the member count of cohortID at version to its
// size history.
func (s *ComputationService) RecordSizeHistory(ctx context.Context, cohortID, projectID, version int64) BestEffortResult {
	return bestEffort(s.logger, "record_size_history", func() error {
		n, err := s.wh.CountMembers(ctx, cohortID, version)
		if err != nil {
			return err
		}
		return s.store.InsertSizeHistory(ctx, models.SizeHistoryEntry{
			CohortID:    cohortID,
			ProjectID:   projectID,
			Version:     version,
			MemberCount: n,
			RecordedAt:  s.now(),
		})
	}, "cohort_id", cohortID)
}

// GCOrphanedMemberships removes membership rows of cohorts that are no longer
// dynamic. An empty set of live cohorts deletes nothing.
func (s *ComputationService) GCOrphanedMemberships(ctx context.Context) BestEffortResult {
	return bestEffort(s.logger, "gc_orphaned_memberships", func() error {
		keep, err := s.store.ListDynamicCohortIDs(ctx)
		if err != nil {
			return err
		}
		if len(keep) == 0 {
			s.logger.Info("no dynamic cohorts, skipping orphan gc")
			return nil
		}
		if err := s.wh.DeleteOrphans(ctx, keep); err != nil {
			return err
		}
		s.logger.Info("orphaned membership gc issued", "live_cohorts", len(keep))
		return nil
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// cut on a rune boundary
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
