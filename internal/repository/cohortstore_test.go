package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"cohort-engine/pkg/models"
)

var definition = json.RawMessage(`{"type": "AND", "values": [{"type": "person_property", "key": "plan", "operator": "is_set"}]}`)

func TestMemoryCohortStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) CohortStore { return NewMemoryCohortStore() })
}

func TestPostgresCohortStore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("cohorts"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresCohortStore(pool)
	require.NoError(t, store.Migrate(ctx))
	// idempotent
	require.NoError(t, store.Migrate(ctx))

	runStoreTests(t, func(t *testing.T) CohortStore {
		_, err := pool.Exec(ctx, "TRUNCATE cohorts, cohort_size_history RESTART IDENTITY")
		require.NoError(t, err)
		return store
	})
}

func runStoreTests(t *testing.T, newStore func(t *testing.T) CohortStore) {
	ctx := context.Background()
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	create := func(t *testing.T, s CohortStore, c models.Cohort) int64 {
		t.Helper()
		c.ProjectID = 1
		c.Definition = definition
		require.NoError(t, s.CreateCohort(ctx, &c))
		require.NotZero(t, c.ID)
		return c.ID
	}

	t.Run("version CAS", func(t *testing.T) {
		s := newStore(t)
		id := create(t, s, models.Cohort{Name: "cas"})

		ok, err := s.MarkComputationSuccess(ctx, id, 100, now)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MarkComputationSuccess(ctx, id, 50, now)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = s.MarkComputationSuccess(ctx, id, 100, now)
		require.NoError(t, err)
		assert.False(t, ok, "equal version must not republish")

		c, err := s.GetCohort(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, c.MembershipVersion)
		assert.Equal(t, int64(100), *c.MembershipVersion)

		fresh := create(t, s, models.Cohort{Name: "fresh"})
		ok, err = s.MarkComputationSuccess(ctx, fresh, 50, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("success clears error tracking", func(t *testing.T) {
		s := newStore(t)
		id := create(t, s, models.Cohort{Name: "flaky"})

		require.NoError(t, s.RecordError(ctx, id, "boom", now))
		require.NoError(t, s.RecordError(ctx, id, "boom again", now.Add(time.Minute)))

		c, err := s.GetCohort(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, c.ErrorsCalculating)
		require.NotNil(t, c.LastErrorMessage)
		assert.Equal(t, "boom again", *c.LastErrorMessage)
		require.NotNil(t, c.LastErrorAt)
		assert.True(t, now.Add(time.Minute).Equal(*c.LastErrorAt))

		ok, err := s.MarkComputationSuccess(ctx, id, 1, now)
		require.NoError(t, err)
		require.True(t, ok)

		c, err = s.GetCohort(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, c.ErrorsCalculating)
		assert.Nil(t, c.LastErrorAt)
		assert.Nil(t, c.LastErrorMessage)
		require.NotNil(t, c.MembershipComputedAt)
		assert.True(t, now.Equal(*c.MembershipComputedAt))
	})

	t.Run("stale listing", func(t *testing.T) {
		s := newStore(t)
		never := create(t, s, models.Cohort{Name: "never computed"})
		recent := create(t, s, models.Cohort{Name: "recent"})
		old := create(t, s, models.Cohort{Name: "old"})
		create(t, s, models.Cohort{Name: "static", IsStatic: true})
		create(t, s, models.Cohort{Name: "deleted", Deleted: true})
		capped := create(t, s, models.Cohort{Name: "capped"})
		boundary := create(t, s, models.Cohort{Name: "boundary"})

		_, err := s.MarkComputationSuccess(ctx, recent, 1, now.Add(-time.Hour))
		require.NoError(t, err)
		_, err = s.MarkComputationSuccess(ctx, old, 1, now.Add(-48*time.Hour))
		require.NoError(t, err)
		_, err = s.MarkComputationSuccess(ctx, boundary, 1, now.Add(-24*time.Hour))
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.RecordError(ctx, capped, "bad", now))
		}

		stale, err := s.ListStaleCohorts(ctx, now, 24*time.Hour, 3)
		require.NoError(t, err)

		var ids []int64
		for _, c := range stale {
			ids = append(ids, c.ID)
			assert.JSONEq(t, string(definition), string(c.Definition))
		}
		assert.Equal(t, []int64{never, old, boundary}, ids)
	})

	t.Run("dynamic ids exclude static and deleted", func(t *testing.T) {
		s := newStore(t)
		a := create(t, s, models.Cohort{Name: "a"})
		create(t, s, models.Cohort{Name: "static", IsStatic: true})
		create(t, s, models.Cohort{Name: "deleted", Deleted: true})
		b := create(t, s, models.Cohort{Name: "b"})

		ids, err := s.ListDynamicCohortIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int64{a, b}, ids)
	})

	t.Run("get", func(t *testing.T) {
		s := newStore(t)
		a := create(t, s, models.Cohort{Name: "a"})
		b := create(t, s, models.Cohort{Name: "b"})

		_, err := s.GetCohort(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)

		cs, err := s.GetCohorts(ctx, []int64{b, 9999, a})
		require.NoError(t, err)
		require.Len(t, cs, 2)
		assert.Equal(t, a, cs[0].ID)
		assert.Equal(t, "b", cs[1].Name)
	})

	t.Run("size history", func(t *testing.T) {
		s := newStore(t)
		id := create(t, s, models.Cohort{Name: "sized"})

		require.NoError(t, s.InsertSizeHistory(ctx, models.SizeHistoryEntry{CohortID: id, ProjectID: 1, Version: 1, MemberCount: 10, RecordedAt: now}))
		require.NoError(t, s.InsertSizeHistory(ctx, models.SizeHistoryEntry{CohortID: id, ProjectID: 1, Version: 2, MemberCount: 12, RecordedAt: now.Add(time.Minute)}))

		h, err := s.SizeHistory(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, h, 2)
		assert.Equal(t, int64(2), h[0].Version)
		assert.Equal(t, int64(12), h[0].MemberCount)
	})
}
