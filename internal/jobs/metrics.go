// Package jobs holds the instruments shared by the job dispatcher and worker.
package jobs

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "trade-machine/backend/jobs"

// Metrics counts local and bridged job lifecycle transitions. Every counter carries a "kind" or
// "worker" attribute.
type Metrics struct {
	Enqueued   metric.Int64Counter
	Suppressed metric.Int64Counter
	Bridged    metric.Int64Counter
	Completed  metric.Int64Counter
	Retried    metric.Int64Counter
	Discarded  metric.Int64Counter
	Duration   metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	enqueued, err := meter.Int64Counter("jobs.enqueued", metric.WithDescription("Local jobs added to a queue"))
	if err != nil {
		return nil, err
	}
	suppressed, err := meter.Int64Counter("jobs.suppressed", metric.WithDescription("Local jobs skipped for test recipients"))
	if err != nil {
		return nil, err
	}
	bridged, err := meter.Int64Counter("jobs.bridged", metric.WithDescription("Jobs inserted for the external runner"))
	if err != nil {
		return nil, err
	}
	completed, err := meter.Int64Counter("jobs.completed", metric.WithDescription("Local jobs that succeeded"))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("jobs.retried", metric.WithDescription("Failed local job attempts scheduled again"))
	if err != nil {
		return nil, err
	}
	discarded, err := meter.Int64Counter("jobs.discarded", metric.WithDescription("Local jobs dropped after exhausting attempts"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("jobs.duration",
		metric.WithDescription("Local job attempt duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Enqueued:   enqueued,
		Suppressed: suppressed,
		Bridged:    bridged,
		Completed:  completed,
		Retried:    retried,
		Discarded:  discarded,
		Duration:   duration,
	}, nil
}
