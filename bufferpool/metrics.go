package bufferpool

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func noopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter("")
}

// poolMetrics holds the metric instruments recorded on the fix/unfix path:
// one counter per outcome plus a latency histogram, all registered
// against a single otel Meter at Pool construction time.
type poolMetrics struct {
	fixHitTotal       metric.Int64Counter
	fixMissTotal      metric.Int64Counter
	evictionTotal     metric.Int64Counter
	bufferFullTotal   metric.Int64Counter
	fixLatency        metric.Int64Histogram
	residentFrames    metric.Int64UpDownCounter
}

func newPoolMetrics(meter metric.Meter) (*poolMetrics, error) {
	if meter == nil {
		meter = noopMeter()
	}

	fixHitTotal, err := meter.Int64Counter(
		"bufferpool.fix.hit_total",
		metric.WithDescription("Number of Fix calls served by an already-resident Frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fixMissTotal, err := meter.Int64Counter(
		"bufferpool.fix.miss_total",
		metric.WithDescription("Number of Fix calls that required allocating or evicting a Frame."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionTotal, err := meter.Int64Counter(
		"bufferpool.eviction_total",
		metric.WithDescription("Number of Frames evicted to make room for a miss."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bufferFullTotal, err := meter.Int64Counter(
		"bufferpool.buffer_full_total",
		metric.WithDescription("Number of Fix calls that failed with ErrBufferFull."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	fixLatency, err := meter.Int64Histogram(
		"bufferpool.fix.latency",
		metric.WithDescription("Latency of Fix calls, hit and miss combined."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	residentFrames, err := meter.Int64UpDownCounter(
		"bufferpool.resident_frames",
		metric.WithDescription("Current number of Frames tracked by the Pool's table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &poolMetrics{
		fixHitTotal:     fixHitTotal,
		fixMissTotal:    fixMissTotal,
		evictionTotal:   evictionTotal,
		bufferFullTotal: bufferFullTotal,
		fixLatency:      fixLatency,
		residentFrames:  residentFrames,
	}, nil
}
