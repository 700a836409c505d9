package condition

import (
	"fmt"
)

// Validate reports the first semantic problem in g. Definitions that could
// never match anyone, such as a restarted_performing whose windows overlap,
// are rejected here rather than compiled into silently wrong queries.
func Validate(g *Group) error {
	if err := validateGroup(g, "root"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return nil
}

func validateGroup(g *Group, path string) error {
	if g == nil {
		return fmt.Errorf("%s: missing group", path)
	}
	if g.Type != And && g.Type != Or {
		return fmt.Errorf("%s: unknown group type %q", path, g.Type)
	}
	if len(g.Values) == 0 {
		return fmt.Errorf("%s: group has no conditions", path)
	}
	for i, v := range g.Values {
		p := fmt.Sprintf("%s.values[%d]", path, i)
		switch n := v.(type) {
		case *Group:
			if err := validateGroup(n, p); err != nil {
				return err
			}
		case Condition:
			if err := n.validate(); err != nil {
				return fmt.Errorf("%s: %s: %v", p, n.Kind(), err)
			}
		default:
			return fmt.Errorf("%s: unsupported node %T", p, v)
		}
	}
	return nil
}

func (f *PropertyFilter) validate() error {
	if f.Key == "" {
		return fmt.Errorf("property key is required")
	}
	switch f.Operator {
	case OpIsSet, OpIsNotSet:
		return nil
	case OpExact, OpIsNot:
		if f.Value == nil && len(f.Values) == 0 {
			return fmt.Errorf("operator %s on %q needs a value", f.Operator, f.Key)
		}
	case OpIContains, OpNotIContains:
		if _, ok := f.Value.(string); !ok {
			return fmt.Errorf("operator %s on %q needs a string value", f.Operator, f.Key)
		}
	case OpGt, OpGte, OpLt, OpLte:
		if _, ok := f.Value.(float64); !ok {
			return fmt.Errorf("operator %s on %q needs a numeric value", f.Operator, f.Key)
		}
	default:
		return fmt.Errorf("unknown property operator %q", f.Operator)
	}
	return nil
}

func validateFilters(filters []PropertyFilter) error {
	for i := range filters {
		if err := filters[i].validate(); err != nil {
			return fmt.Errorf("event_filters[%d]: %v", i, err)
		}
	}
	return nil
}

func validateEvent(name string, filters []PropertyFilter) error {
	if name == "" {
		return fmt.Errorf("event name is required")
	}
	return validateFilters(filters)
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, v)
	}
	return nil
}

func validateSteps(steps []SequenceStep, windowDays int) error {
	if len(steps) == 0 {
		return fmt.Errorf("sequence needs at least one step")
	}
	for i, s := range steps {
		if err := validateEvent(s.Event, s.EventFilters); err != nil {
			return fmt.Errorf("steps[%d]: %v", i, err)
		}
	}
	return positive("time_window_days", windowDays)
}

func (c *PersonProperty) validate() error {
	return c.PropertyFilter.validate()
}

func (c *PerformedEvent) validate() error {
	if err := validateEvent(c.Event, c.EventFilters); err != nil {
		return err
	}
	switch c.CountOperator {
	case CountEq, CountGt, CountGte, CountLt, CountLte:
	default:
		return fmt.Errorf("unknown count operator %q", c.CountOperator)
	}
	if c.Count < 0 {
		return fmt.Errorf("count must not be negative, got %d", c.Count)
	}
	return positive("time_window_days", c.TimeWindowDays)
}

func (c *FirstTimeEvent) validate() error {
	if err := validateEvent(c.Event, c.EventFilters); err != nil {
		return err
	}
	return positive("time_window_days", c.TimeWindowDays)
}

func (c *NotPerformedEvent) validate() error {
	if err := validateEvent(c.Event, c.EventFilters); err != nil {
		return err
	}
	return positive("time_window_days", c.TimeWindowDays)
}

func (c *EventSequence) validate() error {
	return validateSteps(c.Steps, c.TimeWindowDays)
}

func (c *NotPerformedEventSequence) validate() error {
	return validateSteps(c.Steps, c.TimeWindowDays)
}

func (c *PerformedRegularly) validate() error {
	if err := validateEvent(c.Event, c.EventFilters); err != nil {
		return err
	}
	switch c.Granularity {
	case Day, Week, Month:
	default:
		return fmt.Errorf("unknown granularity %q", c.Granularity)
	}
	if err := positive("total_periods", c.TotalPeriods); err != nil {
		return err
	}
	if err := positive("min_periods", c.MinPeriods); err != nil {
		return err
	}
	if c.MinPeriods > c.TotalPeriods {
		return fmt.Errorf("min_periods (%d) exceeds total_periods (%d)", c.MinPeriods, c.TotalPeriods)
	}
	return nil
}

func (c *StoppedPerforming) validate() error {
	if err := validateEvent(c.Event, c.EventFilters); err != nil {
		return err
	}
	if err := positive("recent_window_days", c.RecentWindowDays); err != nil {
		return err
	}
	if c.HistoricalWindowDays <= c.RecentWindowDays {
		return fmt.Errorf("historical_window_days (%d) must exceed recent_window_days (%d)",
			c.HistoricalWindowDays, c.RecentWindowDays)
	}
	return nil
}

func (c *RestartedPerforming) validate() error {
	if err := validateEvent(c.Event, c.EventFilters); err != nil {
		return err
	}
	if err := positive("recent_window_days", c.RecentWindowDays); err != nil {
		return err
	}
	if err := positive("gap_window_days", c.GapWindowDays); err != nil {
		return err
	}
	if c.HistoricalWindowDays <= c.RecentWindowDays+c.GapWindowDays {
		return fmt.Errorf("historical_window_days (%d) must exceed recent_window_days + gap_window_days (%d + %d)",
			c.HistoricalWindowDays, c.RecentWindowDays, c.GapWindowDays)
	}
	return nil
}

func (c *CohortRef) validate() error {
	if c.CohortID <= 0 {
		return fmt.Errorf("cohort_id must be positive, got %d", c.CohortID)
	}
	return nil
}
