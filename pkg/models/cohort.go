// Package models defines the domain models for the cohort computation engine
package models

import (
	"encoding/json"
	"time"
)

// Cohort is the tracking row of a saved, rule-based audience definition.
type Cohort struct {
	ID        int64  `json:"id" db:"id"`
	ProjectID int64  `json:"project_id" db:"project_id"`
	Name      string `json:"name" db:"name"`

	// Definition is the raw stored definition, either the nested group shape
	// or the legacy flat shape. It is normalized by condition.Parse.
	Definition json.RawMessage `json:"definition" db:"definition"`
	IsStatic   bool            `json:"is_static" db:"is_static"`
	Deleted    bool            `json:"deleted" db:"deleted"`

	// Computation tracking
	MembershipVersion    *int64     `json:"membership_version,omitempty" db:"membership_version"`
	MembershipComputedAt *time.Time `json:"membership_computed_at,omitempty" db:"membership_computed_at"`

	// Error tracking
	ErrorsCalculating int        `json:"errors_calculating" db:"errors_calculating"`
	LastErrorAt       *time.Time `json:"last_error_at,omitempty" db:"last_error_at"`
	LastErrorMessage  *string    `json:"last_error_message,omitempty" db:"last_error_message"`
}

// IsDynamic reports whether the engine owns this cohort's membership.
func (c *Cohort) IsDynamic() bool {
	return !c.IsStatic && !c.Deleted
}

// SizeHistoryEntry records the member count of one published membership version.
type SizeHistoryEntry struct {
	CohortID    int64     `json:"cohort_id" db:"cohort_id"`
	ProjectID   int64     `json:"project_id" db:"project_id"`
	Version     int64     `json:"version" db:"version"`
	MemberCount int64     `json:"member_count" db:"member_count"`
	RecordedAt  time.Time `json:"recorded_at" db:"recorded_at"`
}
