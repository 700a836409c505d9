// Package warehouse is the columnar store holding events, person snapshots
// and versioned cohort membership.
//
// Membership rows are append-only. Each computation writes a new version and
// later asks for the older versions of that cohort to be deleted; the engine
// may apply that delete asynchronously, so readers always select the version
// they want explicitly instead of relying on deletes having happened.
package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "modernc.org/sqlite"

	"cohort-engine/pkg/models"
)

const (
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
)

// Config selects the warehouse engine.
type Config struct {
	Driver string
	DSN    string
}

// Query is a compiled statement with positional arguments.
type Query struct {
	SQL  string
	Args []any
}

// Store runs warehouse reads and writes for one dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured engine. It does not create tables; see Migrate.
func Open(cfg Config) (*Store, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	dsn := cfg.DSN
	if cfg.Driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// A single writer avoids SQLITE_BUSY between concurrent jobs.
		db.SetMaxOpenConns(1)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, dialect), nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
}

// New wraps an existing connection.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Dialect returns the SQL dialect of the underlying engine.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the warehouse tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate warehouse: %w", err)
		}
	}
	return nil
}

// InsertMembership writes every person returned by q as a member of cohortID
// at version. The selection runs inside the engine; person ids never travel
// through this process. It returns the member count of the written version;
// drivers do not agree on affected rows for INSERT ... SELECT, so it is read
// back.
func (s *Store) InsertMembership(ctx context.Context, projectID, cohortID, version int64, q Query) (int64, error) {
	stmt := "INSERT INTO cohort_membership (project_id, cohort_id, person_id, version) " +
		"SELECT ?, ?, m.person_id, ? FROM (" + q.SQL + ") AS m"
	args := append([]any{projectID, cohortID, version}, q.Args...)
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return 0, fmt.Errorf("insert membership for cohort %d version %d: %w", cohortID, version, err)
	}
	return s.CountMembers(ctx, cohortID, version)
}

// DeleteSupersededVersions removes rows of cohortID older than version.
func (s *Store) DeleteSupersededVersions(ctx context.Context, cohortID, version int64) error {
	stmt := s.dialect.DeleteWhere("cohort_membership", "cohort_id = ? AND version < ?")
	if _, err := s.db.ExecContext(ctx, stmt, cohortID, version); err != nil {
		return fmt.Errorf("delete superseded membership of cohort %d: %w", cohortID, err)
	}
	return nil
}

// DeleteOrphans removes membership rows of every cohort not in keep. An empty
// keep list deletes nothing: it cannot be told apart from a failed read of the
// live cohorts.
func (s *Store) DeleteOrphans(ctx context.Context, keep []int64) error {
	if len(keep) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keep)), ", ")
	stmt := s.dialect.DeleteWhere("cohort_membership", "cohort_id NOT IN ("+placeholders+")")
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete orphaned membership: %w", err)
	}
	return nil
}

// CountMembers counts the members of cohortID at version.
func (s *Store) CountMembers(ctx context.Context, cohortID, version int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT count(DISTINCT person_id) FROM cohort_membership WHERE cohort_id = ? AND version = ?",
		cohortID, version).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members of cohort %d: %w", cohortID, err)
	}
	return n, nil
}

// Members returns the sorted person ids of cohortID at its highest version.
func (s *Store) Members(ctx context.Context, cohortID int64) ([]string, error) {
	return s.members(ctx,
		"SELECT DISTINCT person_id FROM cohort_membership WHERE cohort_id = ? AND version = "+
			"(SELECT max(version) FROM cohort_membership WHERE cohort_id = ?) ORDER BY person_id",
		cohortID, cohortID)
}

// MembersAt returns the sorted person ids of cohortID at version.
func (s *Store) MembersAt(ctx context.Context, cohortID, version int64) ([]string, error) {
	return s.members(ctx,
		"SELECT DISTINCT person_id FROM cohort_membership WHERE cohort_id = ? AND version = ? ORDER BY person_id",
		cohortID, version)
}

func (s *Store) members(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read membership: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Select runs a compiled query and returns the person ids it yields.
func (s *Store) Select(ctx context.Context, q Query) ([]string, error) {
	return s.members(ctx, "SELECT r.person_id FROM ("+q.SQL+") AS r ORDER BY r.person_id", q.Args...)
}

// InsertEvents appends events. Ingestion proper happens elsewhere; this is
// used for seeding and tests.
func (s *Store) InsertEvents(ctx context.Context, events []models.Event) error {
	return s.insertBatch(ctx,
		"INSERT INTO events (project_id, person_id, event, timestamp, properties) VALUES (?, ?, ?, ?, ?)",
		len(events), func(i int) ([]any, error) {
			e := events[i]
			props, err := marshalProperties(e.Properties)
			if err != nil {
				return nil, err
			}
			return []any{e.ProjectID, e.PersonID, e.Event, e.Timestamp.UnixMilli(), props}, nil
		})
}

// InsertPersons appends person snapshots.
func (s *Store) InsertPersons(ctx context.Context, persons []models.Person) error {
	return s.insertBatch(ctx,
		"INSERT INTO persons (project_id, person_id, properties, version) VALUES (?, ?, ?, ?)",
		len(persons), func(i int) ([]any, error) {
			p := persons[i]
			props, err := marshalProperties(p.Properties)
			if err != nil {
				return nil, err
			}
			return []any{p.ProjectID, p.PersonID, props, p.Version}, nil
		})
}

func (s *Store) insertBatch(ctx context.Context, query string, n int, row func(int) ([]any, error)) error {
	if n == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		args, err := row(i)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func marshalProperties(props map[string]any) (string, error) {
	if len(props) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(b), nil
}
