package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"cohort-engine/pkg/models"
)

// MemoryCohortStore is an in-process CohortStore for tests and local runs.
// Returned cohorts are copies.
type MemoryCohortStore struct {
	mu      sync.Mutex
	nextID  int64
	cohorts map[int64]*models.Cohort
	history []models.SizeHistoryEntry
}

// NewMemoryCohortStore creates an empty MemoryCohortStore.
func NewMemoryCohortStore() *MemoryCohortStore {
	return &MemoryCohortStore{cohorts: make(map[int64]*models.Cohort)}
}

func (s *MemoryCohortStore) Ping(context.Context) error { return nil }

func (s *MemoryCohortStore) ListStaleCohorts(_ context.Context, now time.Time, staleThreshold time.Duration, maxErrors int) ([]*models.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-staleThreshold)
	var out []*models.Cohort
	for _, c := range s.cohorts {
		if !c.IsDynamic() || c.ErrorsCalculating >= maxErrors {
			continue
		}
		if c.MembershipComputedAt != nil && c.MembershipComputedAt.After(cutoff) {
			continue
		}
		out = append(out, clone(c))
	}
	sortCohorts(out)
	return out, nil
}

func (s *MemoryCohortStore) GetCohort(_ context.Context, id int64) (*models.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cohorts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (s *MemoryCohortStore) GetCohorts(_ context.Context, ids []int64) ([]*models.Cohort, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Cohort
	for _, id := range ids {
		if c, ok := s.cohorts[id]; ok {
			out = append(out, clone(c))
		}
	}
	sortCohorts(out)
	return out, nil
}

func (s *MemoryCohortStore) ListDynamicCohortIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, c := range s.cohorts {
		if c.IsDynamic() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CreateCohort keeps a caller-supplied ID; otherwise it assigns the next one.
func (s *MemoryCohortStore) CreateCohort(_ context.Context, c *models.Cohort) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == 0 {
		s.nextID++
		c.ID = s.nextID
	} else if c.ID > s.nextID {
		s.nextID = c.ID
	}
	s.cohorts[c.ID] = clone(c)
	return nil
}

func (s *MemoryCohortStore) MarkComputationSuccess(_ context.Context, id, version int64, computedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cohorts[id]
	if !ok {
		return false, nil
	}
	if c.MembershipVersion != nil && *c.MembershipVersion >= version {
		return false, nil
	}
	c.MembershipVersion = &version
	c.MembershipComputedAt = &computedAt
	c.ErrorsCalculating = 0
	c.LastErrorAt = nil
	c.LastErrorMessage = nil
	return true, nil
}

func (s *MemoryCohortStore) RecordError(_ context.Context, id int64, message string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cohorts[id]
	if !ok {
		return nil
	}
	c.ErrorsCalculating++
	c.LastErrorAt = &at
	c.LastErrorMessage = &message
	return nil
}

func (s *MemoryCohortStore) InsertSizeHistory(_ context.Context, e models.SizeHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, e)
	return nil
}

func (s *MemoryCohortStore) SizeHistory(_ context.Context, id int64, limit int) ([]models.SizeHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.SizeHistoryEntry
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		if s.history[i].CohortID == id {
			out = append(out, s.history[i])
		}
	}
	return out, nil
}

func clone(c *models.Cohort) *models.Cohort {
	cp := *c
	cp.Definition = append([]byte(nil), c.Definition...)
	if c.MembershipVersion != nil {
		v := *c.MembershipVersion
		cp.MembershipVersion = &v
	}
	if c.MembershipComputedAt != nil {
		t := *c.MembershipComputedAt
		cp.MembershipComputedAt = &t
	}
	if c.LastErrorAt != nil {
		t := *c.LastErrorAt
		cp.LastErrorAt = &t
	}
	if c.LastErrorMessage != nil {
		m := *c.LastErrorMessage
		cp.LastErrorMessage = &m
	}
	return &cp
}

func sortCohorts(cs []*models.Cohort) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}
