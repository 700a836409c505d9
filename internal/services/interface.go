package services

import (
	"context"

	"cohort-engine/internal/warehouse"
)

// Warehouse is the part of the columnar store a computation writes to.
type Warehouse interface {
	Dialect() warehouse.Dialect
	InsertMembership(ctx context.Context, projectID, cohortID, version int64, q warehouse.Query) (int64, error)
	DeleteSupersededVersions(ctx context.Context, cohortID, version int64) error
	DeleteOrphans(ctx context.Context, keep []int64) error
	CountMembers(ctx context.Context, cohortID, version int64) (int64, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
