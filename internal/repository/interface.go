package repository

import (
	"context"
	"errors"
	"time"

	"cohort-engine/pkg/models"
)

// ErrNotFound is returned when a cohort does not exist.
var ErrNotFound = errors.New("cohort not found")

// CohortStore is the relational tracking store for cohort rows.
type CohortStore interface {
	// ListStaleCohorts returns dynamic cohorts that were never computed or
	// were last computed at least staleThreshold before now, and have fewer
	// than maxErrors recorded errors. Ordered by id.
	ListStaleCohorts(ctx context.Context, now time.Time, staleThreshold time.Duration, maxErrors int) ([]*models.Cohort, error)
	// GetCohort retrieves a cohort by its ID.
	GetCohort(ctx context.Context, id int64) (*models.Cohort, error)
	// GetCohorts retrieves the cohorts in ids that exist. Order is unspecified.
	GetCohorts(ctx context.Context, ids []int64) ([]*models.Cohort, error)
	// ListDynamicCohortIDs returns the ids of every existing dynamic cohort.
	ListDynamicCohortIDs(ctx context.Context) ([]int64, error)
	// CreateCohort inserts c and sets its ID.
	CreateCohort(ctx context.Context, c *models.Cohort) error
	// MarkComputationSuccess publishes version for cohort id if the stored
	// version is null or strictly lower, and clears error tracking. It
	// reports whether the row was updated.
	MarkComputationSuccess(ctx context.Context, id, version int64, computedAt time.Time) (bool, error)
	// RecordError increments the error counter of cohort id.
	RecordError(ctx context.Context, id int64, message string, at time.Time) error
	// InsertSizeHistory appends one size-history row.
	InsertSizeHistory(ctx context.Context, entry models.SizeHistoryEntry) error
	// SizeHistory returns the size-history rows of cohort id, newest first.
	SizeHistory(ctx context.Context, id int64, limit int) ([]models.SizeHistoryEntry, error)
	Ping(ctx context.Context) error
}
