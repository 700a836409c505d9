package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Error kinds attached to cohort_errors_total.
const (
	ErrorKindCompute    = "compute"
	ErrorKindTimeout    = "timeout"
	ErrorKindRejected   = "rejected"
	ErrorKindCyclic     = "cyclic"
	ErrorKindDefinition = "definition"
)

// Metrics holds the scheduler's instruments.
type Metrics struct {
	cycles         metric.Int64Counter
	computed       metric.Int64Counter
	errors         metric.Int64Counter
	membersUpdated metric.Int64Counter
	lockLost       metric.Int64Counter
	cycleDuration  metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.cycles, err = meter.Int64Counter("cohort_cycles_total",
		metric.WithDescription("Scheduler cycles that acquired the lock.")); err != nil {
		return nil, err
	}
	if m.computed, err = meter.Int64Counter("cohort_computed_total",
		metric.WithDescription("Cohort computations that completed.")); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("cohort_errors_total",
		metric.WithDescription("Cohort computations recorded as failed.")); err != nil {
		return nil, err
	}
	if m.membersUpdated, err = meter.Int64Counter("cohort_members_updated_total",
		metric.WithDescription("Membership rows written.")); err != nil {
		return nil, err
	}
	if m.lockLost, err = meter.Int64Counter("cohort_lock_lost_total",
		metric.WithDescription("Cycles abandoned because the lock could not be extended.")); err != nil {
		return nil, err
	}
	if m.cycleDuration, err = meter.Float64Histogram("cohort_cycle_duration_seconds",
		metric.WithDescription("Wall time of a scheduler cycle."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) CycleCompleted(ctx context.Context, d time.Duration) {
	m.cycles.Add(ctx, 1)
	m.cycleDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) CohortComputed(ctx context.Context, members int64) {
	m.computed.Add(ctx, 1)
	m.membersUpdated.Add(ctx, members)
}

func (m *Metrics) CohortFailed(ctx context.Context, kind string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) LockLost(ctx context.Context) {
	m.lockLost.Add(ctx, 1)
}
