package services

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cohort-engine/internal/compiler"
	"cohort-engine/internal/condition"
	"cohort-engine/internal/repository"
	"cohort-engine/internal/warehouse"
	"cohort-engine/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockWarehouse satisfies Warehouse
type MockWarehouse struct {
	mock.Mock
}

func (m *MockWarehouse) Dialect() warehouse.Dialect { return warehouse.SQLite{} }

func (m *MockWarehouse) InsertMembership(ctx context.Context, projectID, cohortID, version int64, q warehouse.Query) (int64, error) {
	args := m.Called(ctx, projectID, cohortID, version, q)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockWarehouse) DeleteSupersededVersions(ctx context.Context, cohortID, version int64) error {
	return m.Called(ctx, cohortID, version).Error(0)
}

func (m *MockWarehouse) DeleteOrphans(ctx context.Context, keep []int64) error {
	return m.Called(ctx, keep).Error(0)
}

func (m *MockWarehouse) CountMembers(ctx context.Context, cohortID, version int64) (int64, error) {
	args := m.Called(ctx, cohortID, version)
	return args.Get(0).(int64), args.Error(1)
}

// failingStore fails every tracking write.
type failingStore struct {
	*repository.MemoryCohortStore
}

func (f failingStore) RecordError(context.Context, int64, string, time.Time) error {
	return errors.New("tracking store unavailable")
}

func (f failingStore) MarkComputationSuccess(context.Context, int64, int64, time.Time) (bool, error) {
	return false, errors.New("tracking store unavailable")
}

func (f failingStore) ListDynamicCohortIDs(context.Context) ([]int64, error) {
	return nil, errors.New("tracking store unavailable")
}

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func mustParse(t *testing.T, def string) *condition.Group {
	t.Helper()
	g, err := condition.Parse([]byte(def))
	require.NoError(t, err)
	return g
}

const planIsSet = `{"type": "AND", "values": [{"type": "person_property", "key": "plan", "operator": "is_set"}]}`

func newService(store repository.CohortStore, wh Warehouse) *ComputationService {
	return NewComputationService(store, wh, &NoOpLogger{}, WithClock(func() time.Time { return now }))
}

func TestProcess_RetiresOldVersionsOnlyAfterPublish(t *testing.T) {
	ctx := context.Background()
	def := mustParse(t, planIsSet)
	isCompiled := mock.MatchedBy(func(q warehouse.Query) bool {
		return strings.HasPrefix(q.SQL, "SELECT u.person_id FROM (")
	})
	newStore := func(t *testing.T) *repository.MemoryCohortStore {
		store := repository.NewMemoryCohortStore()
		require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 7, ProjectID: 1}))
		return store
	}

	t.Run("insert failure", func(t *testing.T) {
		wh := new(MockWarehouse)
		wh.On("InsertMembership", mock.Anything, int64(1), int64(7), int64(100), mock.Anything).
			Return(int64(0), errors.New("query timeout"))

		_, err := newService(newStore(t), wh).Process(ctx, &models.Cohort{ID: 7, ProjectID: 1}, def, 100)

		assert.EqualError(t, err, "query timeout")
		wh.AssertNotCalled(t, "DeleteSupersededVersions", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("publish failure keeps the published version readable", func(t *testing.T) {
		wh := new(MockWarehouse)
		wh.On("InsertMembership", mock.Anything, int64(1), int64(7), int64(100), isCompiled).Return(int64(4), nil)

		_, err := newService(failingStore{newStore(t)}, wh).Process(ctx, &models.Cohort{ID: 7, ProjectID: 1}, def, 100)

		assert.EqualError(t, err, "tracking store unavailable")
		wh.AssertNotCalled(t, "DeleteSupersededVersions", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("superseded version", func(t *testing.T) {
		store := newStore(t)
		_, err := store.MarkComputationSuccess(ctx, 7, 200, now)
		require.NoError(t, err)
		wh := new(MockWarehouse)
		wh.On("InsertMembership", mock.Anything, int64(1), int64(7), int64(100), isCompiled).Return(int64(4), nil)

		res, err := newService(store, wh).Process(ctx, &models.Cohort{ID: 7, ProjectID: 1}, def, 100)

		require.NoError(t, err)
		assert.False(t, res.Published)
		wh.AssertNotCalled(t, "DeleteSupersededVersions", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("delete failure after publish is not fatal", func(t *testing.T) {
		wh := new(MockWarehouse)
		wh.On("InsertMembership", mock.Anything, int64(1), int64(7), int64(100), isCompiled).Return(int64(42), nil)
		wh.On("DeleteSupersededVersions", mock.Anything, int64(7), int64(100)).Return(errors.New("mutation queue full"))
		wh.On("CountMembers", mock.Anything, int64(7), int64(100)).Return(int64(42), nil)

		res, err := newService(newStore(t), wh).Process(ctx, &models.Cohort{ID: 7, ProjectID: 1}, def, 100)

		require.NoError(t, err)
		assert.True(t, res.Published)
		assert.Equal(t, int64(42), res.Members)
		wh.AssertExpectations(t)
	})
}

func TestComputeMembership_References(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryCohortStore()
	require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 1, ProjectID: 1, Definition: json.RawMessage(planIsSet)}))
	require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 2, ProjectID: 1, Definition: json.RawMessage(planIsSet)}))
	require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 3, ProjectID: 2, Definition: json.RawMessage(planIsSet)}))
	_, err := store.MarkComputationSuccess(ctx, 1, 500, now)
	require.NoError(t, err)
	_, err = store.MarkComputationSuccess(ctx, 3, 500, now)
	require.NoError(t, err)

	self := &models.Cohort{ID: 10, ProjectID: 1}
	ref := func(id int64) *condition.Group {
		return &condition.Group{Type: condition.And, Values: []condition.Node{&condition.CohortRef{CohortID: id}}}
	}

	t.Run("resolved reference reads its published version", func(t *testing.T) {
		wh := new(MockWarehouse)
		wh.On("InsertMembership", mock.Anything, int64(1), int64(10), int64(900), mock.MatchedBy(func(q warehouse.Query) bool {
			return len(q.Args) > 0 && q.Args[len(q.Args)-1] == int64(500)
		})).Return(int64(3), nil)

		_, err := newService(store, wh).ComputeMembership(ctx, self, ref(1), 900)
		require.NoError(t, err)
		wh.AssertExpectations(t)
	})

	t.Run("never computed reference", func(t *testing.T) {
		wh := new(MockWarehouse)
		_, err := newService(store, wh).ComputeMembership(ctx, self, ref(2), 900)
		assert.ErrorIs(t, err, compiler.ErrUnresolvedCohort)
		wh.AssertNotCalled(t, "InsertMembership", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing reference", func(t *testing.T) {
		_, err := newService(store, new(MockWarehouse)).ComputeMembership(ctx, self, ref(99), 900)
		assert.ErrorIs(t, err, compiler.ErrUnresolvedCohort)
	})

	t.Run("cross project reference", func(t *testing.T) {
		_, err := newService(store, new(MockWarehouse)).ComputeMembership(ctx, self, ref(3), 900)
		assert.ErrorIs(t, err, ErrCrossProjectReference)
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	t.Run("truncates the stored message", func(t *testing.T) {
		store := repository.NewMemoryCohortStore()
		require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 1, ProjectID: 1}))

		newService(store, new(MockWarehouse)).RecordError(ctx, 1, errors.New(strings.Repeat("é", MaxErrorMessageLength)))

		c, err := store.GetCohort(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, c.ErrorsCalculating)
		require.NotNil(t, c.LastErrorMessage)
		assert.Len(t, *c.LastErrorMessage, MaxErrorMessageLength)
		require.NotNil(t, c.LastErrorAt)
		assert.True(t, now.Equal(*c.LastErrorAt))
	})

	t.Run("store failure is absorbed", func(t *testing.T) {
		store := failingStore{repository.NewMemoryCohortStore()}
		assert.NotPanics(t, func() {
			newService(store, new(MockWarehouse)).RecordError(ctx, 1, errors.New("boom"))
		})
	})
}

func TestRecordSizeHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("records the member count", func(t *testing.T) {
		store := repository.NewMemoryCohortStore()
		wh := new(MockWarehouse)
		wh.On("CountMembers", mock.Anything, int64(1), int64(100)).Return(int64(12), nil)

		res := newService(store, wh).RecordSizeHistory(ctx, 1, 9, 100)
		require.True(t, res.OK())

		h, err := store.SizeHistory(ctx, 1, 10)
		require.NoError(t, err)
		require.Len(t, h, 1)
		assert.Equal(t, models.SizeHistoryEntry{CohortID: 1, ProjectID: 9, Version: 100, MemberCount: 12, RecordedAt: now}, h[0])
	})

	t.Run("count failure is reported, not raised", func(t *testing.T) {
		wh := new(MockWarehouse)
		wh.On("CountMembers", mock.Anything, int64(1), int64(100)).Return(int64(0), errors.New("too many parts"))

		res := newService(repository.NewMemoryCohortStore(), wh).RecordSizeHistory(ctx, 1, 9, 100)
		assert.False(t, res.OK())
		assert.Equal(t, "record_size_history", res.Op)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		wh := new(MockWarehouse)
		wh.On("CountMembers", mock.Anything, int64(1), int64(100)).Panic("driver bug")

		var res BestEffortResult
		assert.NotPanics(t, func() {
			res = newService(repository.NewMemoryCohortStore(), wh).RecordSizeHistory(ctx, 1, 9, 100)
		})
		assert.ErrorContains(t, res.Err, "driver bug")
	})
}

func TestGCOrphanedMemberships(t *testing.T) {
	ctx := context.Background()

	t.Run("no dynamic cohorts deletes nothing", func(t *testing.T) {
		store := repository.NewMemoryCohortStore()
		require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 1, ProjectID: 1, IsStatic: true}))
		wh := new(MockWarehouse)

		res := newService(store, wh).GCOrphanedMemberships(ctx)
		assert.True(t, res.OK())
		wh.AssertNotCalled(t, "DeleteOrphans", mock.Anything, mock.Anything)
	})

	t.Run("tracking read failure deletes nothing", func(t *testing.T) {
		wh := new(MockWarehouse)

		res := newService(failingStore{repository.NewMemoryCohortStore()}, wh).GCOrphanedMemberships(ctx)
		assert.False(t, res.OK())
		wh.AssertNotCalled(t, "DeleteOrphans", mock.Anything, mock.Anything)
	})

	t.Run("keeps live dynamic cohorts", func(t *testing.T) {
		store := repository.NewMemoryCohortStore()
		require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 1, ProjectID: 1}))
		require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 2, ProjectID: 1, Deleted: true}))
		require.NoError(t, store.CreateCohort(ctx, &models.Cohort{ID: 3, ProjectID: 1}))
		wh := new(MockWarehouse)
		wh.On("DeleteOrphans", mock.Anything, []int64{1, 3}).Return(nil)

		res := newService(store, wh).GCOrphanedMemberships(ctx)
		assert.True(t, res.OK())
		wh.AssertExpectations(t)
	})
}

func TestProcess_AgainstSQLiteWarehouse(t *testing.T) {
	ctx := context.Background()
	wh, err := warehouse.Open(warehouse.Config{Driver: warehouse.DriverSQLite, DSN: filepath.Join(t.TempDir(), "wh.db")})
	require.NoError(t, err)
	defer wh.Close()
	require.NoError(t, wh.Migrate(ctx))

	var events []models.Event
	for i := 0; i < 3; i++ {
		events = append(events, models.Event{ProjectID: 1, PersonID: "buyer", Event: "purchase", Timestamp: now.Add(-time.Duration(i+1) * time.Hour)})
	}
	events = append(events, models.Event{ProjectID: 1, PersonID: "browser", Event: "pageview", Timestamp: now.Add(-time.Hour)})
	require.NoError(t, wh.InsertEvents(ctx, events))

	store := repository.NewMemoryCohortStore()
	c := &models.Cohort{ID: 5, ProjectID: 1, Definition: json.RawMessage(`{"type": "AND", "values": [
		{"type": "event", "event": "purchase", "count_operator": "gte", "count": 3, "time_window_days": 30}
	]}`)}
	require.NoError(t, store.CreateCohort(ctx, c))
	def := mustParse(t, string(c.Definition))

	s := newService(store, wh)

	res, err := s.Process(ctx, c, def, 100)
	require.NoError(t, err)
	assert.True(t, res.Published)
	assert.Equal(t, int64(1), res.Members)
	assert.True(t, res.SizeHistory.OK())

	members, err := wh.Members(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer"}, members)

	// A slower worker finishing an older version does not republish.
	res, err = s.Process(ctx, c, def, 50)
	require.NoError(t, err)
	assert.False(t, res.Published)

	stored, err := store.GetCohort(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(100), *stored.MembershipVersion)

	h, err := store.SizeHistory(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, int64(1), h[0].MemberCount)

	members, err = wh.Members(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer"}, members)
}
