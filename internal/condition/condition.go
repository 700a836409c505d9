// Package condition defines the recursive boolean condition tree that
// describes cohort membership rules.
//
// A definition is a *Group whose values are either nested groups or leaf
// conditions. The set of leaf types is closed: every leaf implements the
// unexported methods of Condition, so only this package can add variants and
// consumers switch over the concrete types listed here.
package condition

import (
	"errors"
	"sort"
)

// ErrInvalidDefinition is wrapped by every parse and validation failure.
var ErrInvalidDefinition = errors.New("invalid cohort definition")

// GroupType combines the values of a Group.
type GroupType string

const (
	And GroupType = "AND"
	Or  GroupType = "OR"
)

// Node is a *Group or a Condition.
type Node interface {
	node()
}

// Group is a boolean combination of nodes.
type Group struct {
	Type   GroupType
	Values []Node
}

func (*Group) node() {}

// Kind names a leaf condition type as it appears in stored definitions.
type Kind string

const (
	KindPersonProperty            Kind = "person_property"
	KindEvent                     Kind = "event"
	KindFirstTimeEvent            Kind = "first_time_event"
	KindNotPerformedEvent         Kind = "not_performed_event"
	KindEventSequence             Kind = "event_sequence"
	KindNotPerformedEventSequence Kind = "not_performed_event_sequence"
	KindPerformedRegularly        Kind = "performed_regularly"
	KindStoppedPerforming         Kind = "stopped_performing"
	KindRestartedPerforming       Kind = "restarted_performing"
	KindCohort                    Kind = "cohort"
)

// Condition is a leaf of the tree.
type Condition interface {
	Node
	Kind() Kind
	validate() error
}

// PropertyOperator compares a property against a value.
type PropertyOperator string

const (
	OpExact        PropertyOperator = "exact"
	OpIsNot        PropertyOperator = "is_not"
	OpIContains    PropertyOperator = "icontains"
	OpNotIContains PropertyOperator = "not_icontains"
	OpGt           PropertyOperator = "gt"
	OpGte          PropertyOperator = "gte"
	OpLt           PropertyOperator = "lt"
	OpLte          PropertyOperator = "lte"
	OpIsSet        PropertyOperator = "is_set"
	OpIsNotSet     PropertyOperator = "is_not_set"
)

// PropertyFilter matches one property of a person or an event.
type PropertyFilter struct {
	Key      string           `json:"key"`
	Operator PropertyOperator `json:"operator"`
	Value    any              `json:"value,omitempty"`
	Values   []any            `json:"values,omitempty"`
}

// CountOperator compares an event count against a threshold.
type CountOperator string

const (
	CountEq  CountOperator = "eq"
	CountGt  CountOperator = "gt"
	CountGte CountOperator = "gte"
	CountLt  CountOperator = "lt"
	CountLte CountOperator = "lte"
)

// Compare reports whether count satisfies the operator against threshold.
func (op CountOperator) Compare(count, threshold int64) bool {
	switch op {
	case CountEq:
		return count == threshold
	case CountGt:
		return count > threshold
	case CountGte:
		return count >= threshold
	case CountLt:
		return count < threshold
	case CountLte:
		return count <= threshold
	}
	return false
}

// Granularity is the period length used by PerformedRegularly.
type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// PersonProperty matches the latest property snapshot of a person.
type PersonProperty struct {
	PropertyFilter
}

// PerformedEvent matches persons whose count of Event inside the window
// satisfies CountOperator against Count.
type PerformedEvent struct {
	Event          string           `json:"event"`
	CountOperator  CountOperator    `json:"count_operator"`
	Count          int64            `json:"count"`
	TimeWindowDays int              `json:"time_window_days"`
	EventFilters   []PropertyFilter `json:"event_filters,omitempty"`
}

// FirstTimeEvent matches persons whose first ever Event falls in the window.
type FirstTimeEvent struct {
	Event          string           `json:"event"`
	TimeWindowDays int              `json:"time_window_days"`
	EventFilters   []PropertyFilter `json:"event_filters,omitempty"`
}

// NotPerformedEvent matches persons active in the window who never
// performed Event there.
type NotPerformedEvent struct {
	Event          string           `json:"event"`
	TimeWindowDays int              `json:"time_window_days"`
	EventFilters   []PropertyFilter `json:"event_filters,omitempty"`
}

// SequenceStep is one event of an ordered sequence.
type SequenceStep struct {
	Event        string           `json:"event"`
	EventFilters []PropertyFilter `json:"event_filters,omitempty"`
}

// EventSequence matches persons who performed Steps in order inside the window.
type EventSequence struct {
	Steps          []SequenceStep `json:"steps"`
	TimeWindowDays int            `json:"time_window_days"`
}

// NotPerformedEventSequence matches persons active in the window who did not
// complete Steps in order there.
type NotPerformedEventSequence struct {
	Steps          []SequenceStep `json:"steps"`
	TimeWindowDays int            `json:"time_window_days"`
}

// PerformedRegularly matches persons who performed Event in at least
// MinPeriods of the last TotalPeriods periods.
type PerformedRegularly struct {
	Event        string           `json:"event"`
	Granularity  Granularity      `json:"granularity"`
	TotalPeriods int              `json:"total_periods"`
	MinPeriods   int              `json:"min_periods"`
	EventFilters []PropertyFilter `json:"event_filters,omitempty"`
}

// StoppedPerforming matches persons who performed Event in the historical
// window but not in the recent one.
type StoppedPerforming struct {
	Event                string           `json:"event"`
	HistoricalWindowDays int              `json:"historical_window_days"`
	RecentWindowDays     int              `json:"recent_window_days"`
	EventFilters         []PropertyFilter `json:"event_filters,omitempty"`
}

// RestartedPerforming matches persons who performed Event historically,
// paused during the gap window and performed it again recently.
type RestartedPerforming struct {
	Event                string           `json:"event"`
	HistoricalWindowDays int              `json:"historical_window_days"`
	GapWindowDays        int              `json:"gap_window_days"`
	RecentWindowDays     int              `json:"recent_window_days"`
	EventFilters         []PropertyFilter `json:"event_filters,omitempty"`
}

// CohortRef matches the members of another cohort, or everyone else when
// Negated is set.
type CohortRef struct {
	CohortID int64 `json:"cohort_id"`
	Negated  bool  `json:"negated"`
}

func (*PersonProperty) node()            {}
func (*PerformedEvent) node()            {}
func (*FirstTimeEvent) node()            {}
func (*NotPerformedEvent) node()         {}
func (*EventSequence) node()             {}
func (*NotPerformedEventSequence) node() {}
func (*PerformedRegularly) node()        {}
func (*StoppedPerforming) node()         {}
func (*RestartedPerforming) node()       {}
func (*CohortRef) node()                 {}

func (*PersonProperty) Kind() Kind            { return KindPersonProperty }
func (*PerformedEvent) Kind() Kind            { return KindEvent }
func (*FirstTimeEvent) Kind() Kind            { return KindFirstTimeEvent }
func (*NotPerformedEvent) Kind() Kind         { return KindNotPerformedEvent }
func (*EventSequence) Kind() Kind             { return KindEventSequence }
func (*NotPerformedEventSequence) Kind() Kind { return KindNotPerformedEventSequence }
func (*PerformedRegularly) Kind() Kind        { return KindPerformedRegularly }
func (*StoppedPerforming) Kind() Kind         { return KindStoppedPerforming }
func (*RestartedPerforming) Kind() Kind       { return KindRestartedPerforming }
func (*CohortRef) Kind() Kind                 { return KindCohort }

// Walk calls fn for every leaf below g, depth first.
func Walk(g *Group, fn func(Condition)) {
	if g == nil {
		return
	}
	for _, v := range g.Values {
		switch n := v.(type) {
		case *Group:
			Walk(n, fn)
		case Condition:
			fn(n)
		}
	}
}

// CohortRefs returns the sorted, distinct ids of every cohort referenced
// anywhere in g, negated or not.
func CohortRefs(g *Group) []int64 {
	seen := map[int64]bool{}
	Walk(g, func(c Condition) {
		if ref, ok := c.(*CohortRef); ok {
			seen[ref.CohortID] = true
		}
	})
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
