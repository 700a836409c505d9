// Package compiler translates a cohort definition into one warehouse query
// yielding the person ids that satisfy it.
//
// The query has the shape
//
//	SELECT u.person_id FROM (<universe>) AS u WHERE <predicate>
//
// where every leaf condition becomes a u.person_id [NOT] IN (<sub-query>)
// predicate, AND groups become conjunctions (intersection) and OR groups
// disjunctions (union). Negated cohort references are complements within the
// universe, never within all persons everywhere.
package compiler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cohort-engine/internal/condition"
	"cohort-engine/internal/warehouse"
)

// ErrUnresolvedCohort is returned when a referenced cohort has no published
// membership version.
var ErrUnresolvedCohort = errors.New("referenced cohort has no computed membership")

// Universe selects the set of persons a project is considered to contain.
type Universe string

const (
	// UniverseAll is every person of the project with a profile row or at
	// least one event.
	UniverseAll Universe = "all"
	// UniversePersons is every person of the project with a profile row.
	UniversePersons Universe = "persons"
)

// ParseUniverse validates a configured universe name. Empty means UniverseAll.
func ParseUniverse(s string) (Universe, error) {
	switch Universe(s) {
	case "", UniverseAll:
		return UniverseAll, nil
	case UniversePersons:
		return UniversePersons, nil
	}
	return "", fmt.Errorf("unknown negation universe %q", s)
}

// Params scopes a compilation.
type Params struct {
	ProjectID int64
	Now       time.Time
	Universe  Universe
	// CohortVersions maps every referenced cohort to the membership version
	// to read.
	CohortVersions map[int64]int64
}

// Compile validates g and compiles it for the dialect.
func Compile(d warehouse.Dialect, g *condition.Group, p Params) (warehouse.Query, error) {
	if err := condition.Validate(g); err != nil {
		return warehouse.Query{}, err
	}
	if p.Universe == "" {
		p.Universe = UniverseAll
	}
	c := &compiler{d: d, p: p, now: p.Now.UnixMilli()}

	c.w("SELECT u.person_id FROM (")
	if err := c.universe(); err != nil {
		return warehouse.Query{}, err
	}
	c.w(") AS u WHERE ")
	if err := c.group(g); err != nil {
		return warehouse.Query{}, err
	}
	return warehouse.Query{SQL: c.sb.String(), Args: c.args}, nil
}

type compiler struct {
	d    warehouse.Dialect
	p    Params
	now  int64
	sb   strings.Builder
	args []any
}

// w appends a fragment and the arguments of its placeholders, in order.
func (c *compiler) w(fragment string, args ...any) {
	c.sb.WriteString(fragment)
	c.args = append(c.args, args...)
}

func (c *compiler) universe() error {
	switch c.p.Universe {
	case UniverseAll:
		c.w("SELECT person_id FROM persons WHERE project_id = ? "+c.d.UnionDistinct()+
			" SELECT person_id FROM events WHERE project_id = ?", c.p.ProjectID, c.p.ProjectID)
	case UniversePersons:
		c.w("SELECT DISTINCT person_id FROM persons WHERE project_id = ?", c.p.ProjectID)
	default:
		return fmt.Errorf("unknown negation universe %q", c.p.Universe)
	}
	return nil
}

func (c *compiler) group(g *condition.Group) error {
	sep := " AND "
	if g.Type == condition.Or {
		sep = " OR "
	}
	c.w("(")
	for i, v := range g.Values {
		if i > 0 {
			c.w(sep)
		}
		var err error
		switch n := v.(type) {
		case *condition.Group:
			err = c.group(n)
		case condition.Condition:
			err = c.leaf(n)
		default:
			err = fmt.Errorf("unsupported node %T", v)
		}
		if err != nil {
			return err
		}
	}
	c.w(")")
	return nil
}

func (c *compiler) leaf(cond condition.Condition) error {
	switch n := cond.(type) {
	case *condition.PersonProperty:
		c.personProperty(n)
	case *condition.PerformedEvent:
		c.performedEvent(n)
	case *condition.FirstTimeEvent:
		c.firstTimeEvent(n)
	case *condition.NotPerformedEvent:
		c.w("(u.person_id IN (")
		c.active(Trailing(c.p.Now, n.TimeWindowDays))
		c.w(") AND u.person_id NOT IN (")
		c.occurrences(n.Event, n.EventFilters, Trailing(c.p.Now, n.TimeWindowDays))
		c.w("))")
	case *condition.EventSequence:
		c.w("u.person_id IN (")
		c.sequence(n.Steps, Trailing(c.p.Now, n.TimeWindowDays))
		c.w(")")
	case *condition.NotPerformedEventSequence:
		c.w("(u.person_id IN (")
		c.active(Trailing(c.p.Now, n.TimeWindowDays))
		c.w(") AND u.person_id NOT IN (")
		c.sequence(n.Steps, Trailing(c.p.Now, n.TimeWindowDays))
		c.w("))")
	case *condition.PerformedRegularly:
		c.performedRegularly(n)
	case *condition.StoppedPerforming:
		historical, recent := StoppedWindows(c.p.Now, n.HistoricalWindowDays, n.RecentWindowDays)
		c.w("(u.person_id IN (")
		c.occurrences(n.Event, n.EventFilters, historical)
		c.w(") AND u.person_id NOT IN (")
		c.occurrences(n.Event, n.EventFilters, recent)
		c.w("))")
	case *condition.RestartedPerforming:
		historical, gap, recent := RestartedWindows(c.p.Now, n.HistoricalWindowDays, n.GapWindowDays, n.RecentWindowDays)
		c.w("(u.person_id IN (")
		c.occurrences(n.Event, n.EventFilters, historical)
		c.w(") AND u.person_id NOT IN (")
		c.occurrences(n.Event, n.EventFilters, gap)
		c.w(") AND u.person_id IN (")
		c.occurrences(n.Event, n.EventFilters, recent)
		c.w("))")
	case *condition.CohortRef:
		return c.cohortRef(n)
	default:
		return fmt.Errorf("%w: unsupported condition %T", condition.ErrInvalidDefinition, cond)
	}
	return nil
}

func (c *compiler) personProperty(n *condition.PersonProperty) {
	c.w("u.person_id IN (SELECT p.person_id FROM (" +
		"SELECT person_id, properties, row_number() OVER (PARTITION BY person_id ORDER BY version DESC) AS rn " +
		"FROM persons WHERE project_id = ?) AS p WHERE p.rn = 1 AND ")
	c.args = append(c.args, c.p.ProjectID)
	c.property("p.properties", n.PropertyFilter)
	c.w(")")
}

// performedEvent compares per-person counts. When zero events satisfy the
// operator (lt, lte, eq 0) persons without any event must match too, so the
// predicate is expressed as the complement of the persons who violate it.
func (c *compiler) performedEvent(n *condition.PerformedEvent) {
	window := Trailing(c.p.Now, n.TimeWindowDays)
	cmp := countOperatorSQL(n.CountOperator)
	if n.CountOperator.Compare(0, n.Count) {
		c.w("u.person_id NOT IN (")
		c.occurrences(n.Event, n.EventFilters, window)
		c.w(" GROUP BY person_id HAVING NOT (count(*) "+cmp+" ?))", n.Count)
		return
	}
	c.w("u.person_id IN (")
	c.occurrences(n.Event, n.EventFilters, window)
	c.w(" GROUP BY person_id HAVING count(*) "+cmp+" ?)", n.Count)
}

func (c *compiler) firstTimeEvent(n *condition.FirstTimeEvent) {
	window := Trailing(c.p.Now, n.TimeWindowDays)
	c.w("u.person_id IN (SELECT person_id FROM events WHERE project_id = ? AND event = ?", c.p.ProjectID, n.Event)
	c.filters("", n.EventFilters)
	c.w(" GROUP BY person_id HAVING min(timestamp) >= ? AND min(timestamp) <= ?)",
		window.From.UnixMilli(), window.To.UnixMilli())
}

func (c *compiler) performedRegularly(n *condition.PerformedRegularly) {
	period := PeriodLength(n.Granularity).Milliseconds()
	start := c.now - int64(n.TotalPeriods)*period
	c.w("u.person_id IN (SELECT person_id FROM events WHERE project_id = ? AND event = ? AND timestamp > ? AND timestamp <= ?",
		c.p.ProjectID, n.Event, start, c.now)
	c.filters("", n.EventFilters)
	c.w(" GROUP BY person_id HAVING count(DISTINCT "+c.d.IntDiv("? - timestamp", "?")+") >= ?)",
		c.now, period, int64(n.MinPeriods))
}

func (c *compiler) cohortRef(n *condition.CohortRef) error {
	version, ok := c.p.CohortVersions[n.CohortID]
	if !ok {
		return fmt.Errorf("%w: cohort %d", ErrUnresolvedCohort, n.CohortID)
	}
	op := "IN"
	if n.Negated {
		op = "NOT IN"
	}
	c.w("u.person_id "+op+" (SELECT person_id FROM cohort_membership WHERE project_id = ? AND cohort_id = ? AND version = ?)",
		c.p.ProjectID, n.CohortID, version)
	return nil
}

// occurrences selects the persons with at least one matching event in window.
func (c *compiler) occurrences(event string, filters []condition.PropertyFilter, window Window) {
	c.w("SELECT person_id FROM events WHERE project_id = ? AND event = ? AND timestamp >= ? AND "+upperBound("timestamp", window),
		c.p.ProjectID, event, window.From.UnixMilli(), window.To.UnixMilli())
	c.filters("", filters)
}

// active selects the persons with any event in window.
func (c *compiler) active(window Window) {
	c.w("SELECT person_id FROM events WHERE project_id = ? AND timestamp >= ? AND "+upperBound("timestamp", window),
		c.p.ProjectID, window.From.UnixMilli(), window.To.UnixMilli())
}

// sequence self-joins the events table once per step, keyed by person, with
// strictly increasing timestamps. No correlated sub-queries are used.
func (c *compiler) sequence(steps []condition.SequenceStep, window Window) {
	c.w("SELECT DISTINCT s0.person_id FROM events AS s0")
	for i := 1; i < len(steps); i++ {
		c.w(fmt.Sprintf(" INNER JOIN events AS s%d ON s%d.person_id = s0.person_id", i, i))
	}
	for i, step := range steps {
		alias := "s" + strconv.Itoa(i)
		if i == 0 {
			c.w(" WHERE ")
		} else {
			c.w(" AND ")
		}
		c.w(alias+".project_id = ? AND "+alias+".event = ?", c.p.ProjectID, step.Event)
		if i == 0 {
			c.w(" AND s0.timestamp >= ?", window.From.UnixMilli())
		} else {
			c.w(fmt.Sprintf(" AND %s.timestamp > s%d.timestamp", alias, i-1))
		}
		c.w(" AND "+upperBound(alias+".timestamp", window), window.To.UnixMilli())
		c.filters(alias+".", step.EventFilters)
	}
}

func (c *compiler) filters(prefix string, filters []condition.PropertyFilter) {
	for _, f := range filters {
		c.w(" AND ")
		c.property(prefix+"properties", f)
	}
}

func (c *compiler) property(column string, f condition.PropertyFilter) {
	key := c.d.KeyArg(f.Key)
	switch f.Operator {
	case condition.OpExact:
		c.w(c.d.PropertyString(column)+" IN ("+placeholders(len(values(f)))+")", key)
		c.args = append(c.args, values(f)...)
	case condition.OpIsNot:
		c.w("COALESCE("+c.d.PropertyString(column)+", '') NOT IN ("+placeholders(len(values(f)))+")", key)
		c.args = append(c.args, values(f)...)
	case condition.OpIContains:
		c.w(c.d.ContainsFold(c.d.PropertyString(column)), key, stringify(f.Value))
	case condition.OpNotIContains:
		c.w("NOT ("+c.d.ContainsFold("COALESCE("+c.d.PropertyString(column)+", '')")+")", key, stringify(f.Value))
	case condition.OpGt, condition.OpGte, condition.OpLt, condition.OpLte:
		c.w(c.d.PropertyNumber(column)+" "+numericOperatorSQL(f.Operator)+" ?", key, f.Value)
	case condition.OpIsSet:
		c.w(c.d.PropertyExists(column), key)
	case condition.OpIsNotSet:
		c.w("NOT ("+c.d.PropertyExists(column)+")", key)
	}
}

func upperBound(column string, window Window) string {
	if window.IncludeTo {
		return column + " <= ?"
	}
	return column + " < ?"
}

func countOperatorSQL(op condition.CountOperator) string {
	switch op {
	case condition.CountEq:
		return "="
	case condition.CountGt:
		return ">"
	case condition.CountLt:
		return "<"
	case condition.CountLte:
		return "<="
	}
	return ">="
}

func numericOperatorSQL(op condition.PropertyOperator) string {
	switch op {
	case condition.OpGt:
		return ">"
	case condition.OpLt:
		return "<"
	case condition.OpLte:
		return "<="
	}
	return ">="
}

func values(f condition.PropertyFilter) []any {
	src := f.Values
	if len(src) == 0 {
		src = []any{f.Value}
	}
	out := make([]any, len(src))
	for i, v := range src {
		out[i] = stringify(v)
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
