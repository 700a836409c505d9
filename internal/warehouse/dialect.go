package warehouse

import (
	"fmt"
	"strings"
)

// Dialect renders the few expressions that differ between SQL engines.
// Every expression that reads a JSON property contains exactly one
// placeholder, bound to KeyArg(key).
type Dialect interface {
	Name() string
	// PropertyString reads a JSON property of column as text.
	PropertyString(column string) string
	// PropertyNumber reads a JSON property of column as a nullable float.
	PropertyNumber(column string) string
	// PropertyExists is true when the JSON property is present.
	PropertyExists(column string) string
	KeyArg(key string) any
	// ContainsFold matches when expr contains the bound placeholder value,
	// ignoring case.
	ContainsFold(expr string) string
	IntDiv(a, b string) string
	UnionDistinct() string
	// DeleteWhere removes rows matching predicate. Engines may apply it
	// asynchronously.
	DeleteWhere(table, predicate string) string
	Schema() []string
}

// DialectFor returns the dialect registered for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite:
		return SQLite{}, nil
	case DriverClickHouse:
		return ClickHouse{}, nil
	}
	return nil, fmt.Errorf("unknown warehouse driver %q", driver)
}

// SQLite is the embedded dialect used for development and tests.
type SQLite struct{}

func (SQLite) Name() string { return DriverSQLite }

// PropertyString walks the value at the path so JSON booleans read as
// "true" and "false" rather than the 1 and 0 json_extract yields.
func (SQLite) PropertyString(column string) string {
	return fmt.Sprintf("(SELECT CASE j.type WHEN 'true' THEN 'true' WHEN 'false' THEN 'false' "+
		"WHEN 'object' THEN j.value WHEN 'array' THEN j.value ELSE CAST(j.atom AS TEXT) END "+
		"FROM json_tree(%s, ?) AS j WHERE j.parent IS NULL)", column)
}

func (SQLite) PropertyNumber(column string) string {
	return fmt.Sprintf("CAST(json_extract(%s, ?) AS REAL)", column)
}

func (SQLite) PropertyExists(column string) string {
	return fmt.Sprintf("json_type(%s, ?) IS NOT NULL", column)
}

func (SQLite) KeyArg(key string) any {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

func (SQLite) ContainsFold(expr string) string {
	return fmt.Sprintf("instr(lower(%s), lower(?)) > 0", expr)
}

func (SQLite) IntDiv(a, b string) string { return fmt.Sprintf("((%s) / (%s))", a, b) }

func (SQLite) UnionDistinct() string { return "UNION" }

func (SQLite) DeleteWhere(table, predicate string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s", table, predicate)
}

func (SQLite) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			project_id INTEGER NOT NULL,
			person_id  TEXT NOT NULL,
			event      TEXT NOT NULL,
			timestamp  INTEGER NOT NULL,
			properties TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_event ON events(project_id, event, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_person ON events(project_id, person_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS persons (
			project_id INTEGER NOT NULL,
			person_id  TEXT NOT NULL,
			properties TEXT NOT NULL DEFAULT '{}',
			version    INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_persons_project_person ON persons(project_id, person_id, version)`,
		`CREATE TABLE IF NOT EXISTS cohort_membership (
			project_id INTEGER NOT NULL,
			cohort_id  INTEGER NOT NULL,
			person_id  TEXT NOT NULL,
			version    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_membership_cohort_version ON cohort_membership(cohort_id, version)`,
	}
}

// ClickHouse is the production columnar dialect. Persons are a
// ReplacingMergeTree keyed by person so the highest version wins on merge.
// Membership keeps every version apart until it is deleted: dependents read
// the published version, which may be older than the newest rows written.
// Deletes are asynchronous mutations.
type ClickHouse struct{}

func (ClickHouse) Name() string { return DriverClickHouse }

func (ClickHouse) PropertyString(column string) string {
	return fmt.Sprintf("trim(BOTH '\"' FROM JSONExtractRaw(%s, ?))", column)
}

func (ClickHouse) PropertyNumber(column string) string {
	return fmt.Sprintf("toFloat64OrNull(JSONExtractRaw(%s, ?))", column)
}

func (ClickHouse) PropertyExists(column string) string {
	return fmt.Sprintf("JSONHas(%s, ?)", column)
}

func (ClickHouse) KeyArg(key string) any { return key }

func (ClickHouse) ContainsFold(expr string) string {
	return fmt.Sprintf("positionCaseInsensitiveUTF8(%s, ?) > 0", expr)
}

func (ClickHouse) IntDiv(a, b string) string { return fmt.Sprintf("intDiv(%s, %s)", a, b) }

func (ClickHouse) UnionDistinct() string { return "UNION DISTINCT" }

func (ClickHouse) DeleteWhere(table, predicate string) string {
	return fmt.Sprintf("ALTER TABLE %s DELETE WHERE %s", table, predicate)
}

func (ClickHouse) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			project_id Int64,
			person_id  String,
			event      String,
			timestamp  Int64,
			properties String
		) ENGINE = MergeTree
		ORDER BY (project_id, event, timestamp)`,
		`CREATE TABLE IF NOT EXISTS persons (
			project_id Int64,
			person_id  String,
			properties String,
			version    Int64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (project_id, person_id)`,
		`CREATE TABLE IF NOT EXISTS cohort_membership (
			project_id Int64,
			cohort_id  Int64,
			person_id  String,
			version    Int64
		) ENGINE = MergeTree
		ORDER BY (project_id, cohort_id, version, person_id)`,
	}
}
