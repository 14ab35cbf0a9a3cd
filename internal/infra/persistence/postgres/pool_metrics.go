package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/execgate/internal/infra/telemetry"
)

const (
	poolMeterName   = "postgres.pool"
	defaultPoolName = "primary"
)

// poolSample is one reading of the pool counters. The acquire figures are
// cumulative since the pool was created.
type poolSample struct {
	Idle             int64
	Acquired         int64
	Constructing     int64
	Max              int64
	EmptyAcquires    int64
	CanceledAcquires int64
	AcquireWait      time.Duration
}

func sampleStat(stat *pgxpool.Stat) poolSample {
	return poolSample{
		Idle:             int64(stat.IdleConns()),
		Acquired:         int64(stat.AcquiredConns()),
		Constructing:     int64(stat.ConstructingConns()),
		Max:              int64(stat.MaxConns()),
		EmptyAcquires:    stat.EmptyAcquireCount(),
		CanceledAcquires: stat.CanceledAcquireCount(),
		AcquireWait:      stat.AcquireDuration(),
	}
}

// ObservePoolMetrics reports connection usage and acquire pressure of pool
// until the returned registration is unregistered. Write-through order
// persistence acquires a connection per registry mutation, so empty acquires
// and acquire wait are the early signal that order handling is queueing on
// the database.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) (metric.Registration, error) {
	if pool == nil {
		return nil, nil
	}
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = defaultPoolName
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db_pool", name),
	}
	if db := pool.Config().ConnConfig.Database; db != "" {
		attrs = append(attrs, attribute.String("db.name", db))
	}
	return registerPoolGauges(otel.Meter(poolMeterName), attrs, func() poolSample {
		return sampleStat(pool.Stat())
	})
}

func registerPoolGauges(meter metric.Meter, attrs []attribute.KeyValue, sample func() poolSample) (metric.Registration, error) {
	conns, err := meter.Int64ObservableGauge("execgate_db_pool_connections",
		metric.WithDescription("Pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("pool metrics: connections gauge: %w", err)
	}
	maxConns, err := meter.Int64ObservableGauge("execgate_db_pool_max_connections",
		metric.WithDescription("Configured pool size"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("pool metrics: max gauge: %w", err)
	}
	emptyAcquires, err := meter.Int64ObservableCounter("execgate_db_pool_empty_acquires",
		metric.WithDescription("Acquires that waited because no idle connection was available"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("pool metrics: empty acquires: %w", err)
	}
	canceledAcquires, err := meter.Int64ObservableCounter("execgate_db_pool_canceled_acquires",
		metric.WithDescription("Acquires abandoned because the caller's context ended"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("pool metrics: canceled acquires: %w", err)
	}
	acquireWait, err := meter.Float64ObservableCounter("execgate_db_pool_acquire_wait",
		metric.WithDescription("Total time spent waiting to acquire connections"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("pool metrics: acquire wait: %w", err)
	}

	base := metric.WithAttributeSet(attribute.NewSet(attrs...))
	byState := func(state string) metric.ObserveOption {
		kv := append(append([]attribute.KeyValue(nil), attrs...), telemetry.AttrConnectionState.String(state))
		return metric.WithAttributeSet(attribute.NewSet(kv...))
	}
	idle, acquired, constructing := byState("idle"), byState("acquired"), byState("constructing")

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := sample()
		o.ObserveInt64(conns, s.Idle, idle)
		o.ObserveInt64(conns, s.Acquired, acquired)
		o.ObserveInt64(conns, s.Constructing, constructing)
		o.ObserveInt64(maxConns, s.Max, base)
		o.ObserveInt64(emptyAcquires, s.EmptyAcquires, base)
		o.ObserveInt64(canceledAcquires, s.CanceledAcquires, base)
		o.ObserveFloat64(acquireWait, s.AcquireWait.Seconds(), base)
		return nil
	}, conns, maxConns, emptyAcquires, canceledAcquires, acquireWait)
}
