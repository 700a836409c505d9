package models

import (
	"time"
)

// Event is a single behavioral event in the columnar event store.
type Event struct {
	ProjectID  int64          `json:"project_id" ch:"project_id"`
	PersonID   string         `json:"person_id" ch:"person_id"`
	Event      string         `json:"event" ch:"event"`
	Timestamp  time.Time      `json:"timestamp" ch:"timestamp"`
	Properties map[string]any `json:"properties,omitempty" ch:"properties"`
}

// Person is one property snapshot of a person. The snapshot with the highest
// Version is the person's current state.
type Person struct {
	ProjectID  int64          `json:"project_id" ch:"project_id"`
	PersonID   string         `json:"person_id" ch:"person_id"`
	Properties map[string]any `json:"properties,omitempty" ch:"properties"`
	Version    int64          `json:"version" ch:"version"`
}
