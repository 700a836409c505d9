package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatch_OutcomesInOrder(t *testing.T) {
	p := NewPool(4, time.Second)
	defer p.Close()

	boom := errors.New("boom")
	out := p.RunBatch(context.Background(), []Job{
		{ID: "a", Run: func(context.Context) error { return nil }},
		{ID: "b", Run: func(context.Context) error { return boom }},
		{ID: "c", Run: func(context.Context) error { panic("bad job") }},
	})

	require.Len(t, out, 3)
	assert.Equal(t, Outcome{ID: "a"}, out[0])
	assert.Equal(t, "b", out[1].ID)
	assert.ErrorIs(t, out[1].Err, boom)
	assert.ErrorContains(t, out[2].Err, "bad job")
}

func TestRunBatch_BoundedConcurrency(t *testing.T) {
	p := NewPool(2, time.Second)
	defer p.Close()

	var current, peak atomic.Int32
	var jobs []Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, Job{ID: fmt.Sprintf("job-%d", i), Run: func(context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return nil
		}})
	}

	for _, o := range p.RunBatch(context.Background(), jobs) {
		assert.NoError(t, o.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunBatch_TimeoutDoesNotBlockTheBatch(t *testing.T) {
	p := NewPool(2, 50*time.Millisecond)

	release := make(chan struct{})
	start := time.Now()
	out := p.RunBatch(context.Background(), []Job{
		{ID: "stuck", Run: func(context.Context) error { <-release; return nil }},
		{ID: "fast", Run: func(context.Context) error { return nil }},
	})

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, out[0].Err, ErrJobTimeout)
	assert.NoError(t, out[1].Err)

	// the stuck job still holds its id
	again := p.RunBatch(context.Background(), []Job{{ID: "stuck", Run: func(context.Context) error { return nil }}})
	assert.ErrorIs(t, again[0].Err, ErrDuplicateJob)

	close(release)
	p.Close()
}

func TestRunBatch_DuplicateIDRejected(t *testing.T) {
	p := NewPool(1, time.Second)
	defer p.Close()

	var runs atomic.Int32
	job := Job{ID: "cohort-1", Run: func(context.Context) error {
		runs.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}}

	out := p.RunBatch(context.Background(), []Job{job, job})
	assert.NoError(t, out[0].Err)
	assert.ErrorIs(t, out[1].Err, ErrDuplicateJob)
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunBatch_ClosedPool(t *testing.T) {
	p := NewPool(1, time.Second)
	p.Close()

	out := p.RunBatch(context.Background(), []Job{{ID: "late", Run: func(context.Context) error { return nil }}})
	assert.ErrorIs(t, out[0].Err, ErrPoolClosed)
}

func TestRunBatch_ParentCancellation(t *testing.T) {
	p := NewPool(1, time.Minute)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := p.RunBatch(ctx, []Job{{ID: "x", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})
	assert.ErrorIs(t, out[0].Err, context.Canceled)
}
