package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohort-engine/pkg/models"
)

// Schema creates the tracking tables.
const Schema = `
CREATE TABLE IF NOT EXISTS cohorts (
	id                     BIGSERIAL PRIMARY KEY,
	project_id             BIGINT NOT NULL,
	name                   TEXT NOT NULL DEFAULT '',
	definition             JSONB NOT NULL DEFAULT '{}',
	is_static              BOOLEAN NOT NULL DEFAULT FALSE,
	deleted                BOOLEAN NOT NULL DEFAULT FALSE,
	membership_version     BIGINT,
	membership_computed_at TIMESTAMPTZ,
	errors_calculating     INT NOT NULL DEFAULT 0,
	last_error_at          TIMESTAMPTZ,
	last_error_message     TEXT
);
CREATE INDEX IF NOT EXISTS idx_cohorts_dynamic ON cohorts (membership_computed_at) WHERE NOT is_static AND NOT deleted;
CREATE TABLE IF NOT EXISTS cohort_size_history (
	cohort_id    BIGINT NOT NULL,
	project_id   BIGINT NOT NULL,
	version      BIGINT NOT NULL,
	member_count BIGINT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_cohort_size_history_cohort ON cohort_size_history (cohort_id, recorded_at DESC);
`

const cohortColumns = `id, project_id, name, definition, is_static, deleted, membership_version,
	membership_computed_at, errors_calculating, last_error_at, last_error_message`

// PostgresCohortStore is a PostgreSQL implementation of CohortStore.
type PostgresCohortStore struct {
	db *pgxpool.Pool
}

// NewPostgresCohortStore creates a new PostgresCohortStore.
func NewPostgresCohortStore(db *pgxpool.Pool) *PostgresCohortStore {
	return &PostgresCohortStore{db: db}
}

// Migrate creates the tracking tables if they do not exist.
func (s *PostgresCohortStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate tracking store: %w", err)
	}
	return nil
}

func (s *PostgresCohortStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresCohortStore) ListStaleCohorts(ctx context.Context, now time.Time, staleThreshold time.Duration, maxErrors int) ([]*models.Cohort, error) {
	rows, err := s.db.Query(ctx, `SELECT `+cohortColumns+` FROM cohorts
		WHERE NOT is_static AND NOT deleted
		  AND errors_calculating < $1
		  AND (membership_computed_at IS NULL OR membership_computed_at <= $2)
		ORDER BY id`, maxErrors, now.Add(-staleThreshold))
	if err != nil {
		return nil, fmt.Errorf("list stale cohorts: %w", err)
	}
	return collectCohorts(rows)
}

func (s *PostgresCohortStore) GetCohort(ctx context.Context, id int64) (*models.Cohort, error) {
	c, err := scanCohort(s.db.QueryRow(ctx, `SELECT `+cohortColumns+` FROM cohorts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cohort %d: %w", id, err)
	}
	return c, nil
}

func (s *PostgresCohortStore) GetCohorts(ctx context.Context, ids []int64) ([]*models.Cohort, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+cohortColumns+` FROM cohorts WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("get cohorts: %w", err)
	}
	return collectCohorts(rows)
}

func (s *PostgresCohortStore) ListDynamicCohortIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM cohorts WHERE NOT is_static AND NOT deleted ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list dynamic cohorts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("list dynamic cohorts: %w", err)
	}
	return ids, nil
}

func (s *PostgresCohortStore) CreateCohort(ctx context.Context, c *models.Cohort) error {
	def := c.Definition
	if len(def) == 0 {
		def = []byte("{}")
	}
	err := s.db.QueryRow(ctx, `INSERT INTO cohorts (project_id, name, definition, is_static, deleted)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		c.ProjectID, c.Name, string(def), c.IsStatic, c.Deleted).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("create cohort: %w", err)
	}
	return nil
}

// MarkComputationSuccess is a single conditional UPDATE; the predicate on
// membership_version makes concurrent publishers safe without a transaction.
func (s *PostgresCohortStore) MarkComputationSuccess(ctx context.Context, id, version int64, computedAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `UPDATE cohorts
		SET membership_version = $2,
		    membership_computed_at = $3,
		    errors_calculating = 0,
		    last_error_at = NULL,
		    last_error_message = NULL
		WHERE id = $1 AND (membership_version IS NULL OR membership_version < $2)`,
		id, version, computedAt)
	if err != nil {
		return false, fmt.Errorf("mark cohort %d computed: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresCohortStore) RecordError(ctx context.Context, id int64, message string, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE cohorts
		SET errors_calculating = errors_calculating + 1,
		    last_error_at = $2,
		    last_error_message = $3
		WHERE id = $1`, id, at, message)
	if err != nil {
		return fmt.Errorf("record error for cohort %d: %w", id, err)
	}
	return nil
}

func (s *PostgresCohortStore) InsertSizeHistory(ctx context.Context, e models.SizeHistoryEntry) error {
	_, err := s.db.Exec(ctx, `INSERT INTO cohort_size_history (cohort_id, project_id, version, member_count, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`, e.CohortID, e.ProjectID, e.Version, e.MemberCount, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert size history for cohort %d: %w", e.CohortID, err)
	}
	return nil
}

func (s *PostgresCohortStore) SizeHistory(ctx context.Context, id int64, limit int) ([]models.SizeHistoryEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT cohort_id, project_id, version, member_count, recorded_at
		FROM cohort_size_history WHERE cohort_id = $1 ORDER BY recorded_at DESC, version DESC LIMIT $2`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("size history of cohort %d: %w", id, err)
	}
	defer rows.Close()

	var out []models.SizeHistoryEntry
	for rows.Next() {
		var e models.SizeHistoryEntry
		if err := rows.Scan(&e.CohortID, &e.ProjectID, &e.Version, &e.MemberCount, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanCohort(row pgx.Row) (*models.Cohort, error) {
	var c models.Cohort
	var def []byte
	err := row.Scan(&c.ID, &c.ProjectID, &c.Name, &def, &c.IsStatic, &c.Deleted, &c.MembershipVersion,
		&c.MembershipComputedAt, &c.ErrorsCalculating, &c.LastErrorAt, &c.LastErrorMessage)
	if err != nil {
		return nil, err
	}
	c.Definition = def
	return &c, nil
}

func collectCohorts(rows pgx.Rows) ([]*models.Cohort, error) {
	defer rows.Close()
	var out []*models.Cohort
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
