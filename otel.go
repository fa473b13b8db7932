package cqueue

import (
	"context"

	"github.com/pelageech/cqueue/pkg/sync/lockfree"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	OTelScopeName = "github.com/pelageech/cqueue"
	MeterPrefix   = "cqueue."
)

var (
	_attributeTimeout = metric.WithAttributeSet(attribute.NewSet(attribute.String(MeterPrefix+"tasks.status", "TIMEOUT")))
	_attributeErr     = metric.WithAttributeSet(attribute.NewSet(attribute.String(MeterPrefix+"tasks.status", "ERR")))
	_attributeOK      = metric.WithAttributeSet(attribute.NewSet(attribute.String(MeterPrefix+"tasks.status", "OK")))

	_cqueueInfo, _   = Meter().Int64Gauge(MeterPrefix + "info")
	_taskTimings, _  = Meter().Int64Histogram(MeterPrefix + "tasks.timings")
	_tasksWorking, _ = Meter().Int64UpDownCounter(MeterPrefix + "tasks.working")

	_cqueueService = attribute.String(MeterPrefix+"service", "unspecified")
	_cqueueSystem  = attribute.String(MeterPrefix+"system", "unspecified")
	_cqueueVersion = attribute.String(MeterPrefix+"version", Version())

	_attributes = metric.WithAttributes(
		_cqueueService, _cqueueSystem, _cqueueVersion,
	)
)

// Meter returns an instrumented meter with the scope OTelScopeName.
func Meter() metric.Meter {
	return otel.Meter(OTelScopeName, metric.WithInstrumentationAttributes(SystemAttributes()...))
}

func InstrumentMetrics() {
	_cqueueInfo, _ = Meter().Int64Gauge(MeterPrefix + "info")
	_cqueueInfo.Record(context.TODO(), 1, WithSystemAttributes())

	_taskTimings, _ = Meter().Int64Histogram(MeterPrefix+"tasks.timings", metric.WithUnit("ms"))
	_tasksWorking, _ = Meter().Int64UpDownCounter(MeterPrefix + "tasks.working")
}

func SystemAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		_cqueueService, _cqueueSystem, _cqueueVersion,
	}
}

func WithSystemAttributes() metric.MeasurementOption {
	return _attributes
}

// SetService configures cqueue.service attribute for cqueue.info.
func SetService(name string) {
	_cqueueService = attribute.String(MeterPrefix+"service", name)
	setSystemAttributes()
}

// SetSystem configures cqueue.system attribute for cqueue.info.
func SetSystem(system string) {
	_cqueueSystem = attribute.String(MeterPrefix+"system", system)
	setSystemAttributes()
}

// SetVersion configures cqueue.version attribute for cqueue.info.
func SetVersion(version string) {
	_cqueueVersion = attribute.String(MeterPrefix+"version", version)
	setSystemAttributes()
}

func setSystemAttributes() {
	_attributes = metric.WithAttributes(
		_cqueueService, _cqueueSystem, _cqueueVersion,
	)
}

// StatsSource is implemented by lockfree.Queue.
type StatsSource interface {
	Stats() lockfree.Stats
	Len() int64
}

type instrumentConfig struct {
	meter metric.Meter
}

type InstrumentOpt func(*instrumentConfig)

// WithMeter overrides the meter returned by Meter.
func WithMeter(m metric.Meter) InstrumentOpt {
	return func(c *instrumentConfig) {
		c.meter = m
	}
}

// InstrumentQueue exports the diagnostic counters of a queue as observable
// instruments tagged with cqueue.queue=name. The returned registration must be
// unregistered when the queue is dropped.
func InstrumentQueue(name string, src StatsSource, opts ...InstrumentOpt) (metric.Registration, error) {
	c := instrumentConfig{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.meter == nil {
		c.meter = Meter()
	}
	m := c.meter

	enqueued, err := m.Int64ObservableCounter(MeterPrefix + "queue.enqueued")
	if err != nil {
		return nil, err
	}
	dequeued, err := m.Int64ObservableCounter(MeterPrefix + "queue.dequeued")
	if err != nil {
		return nil, err
	}
	retries, err := m.Int64ObservableCounter(MeterPrefix + "queue.retries")
	if err != nil {
		return nil, err
	}
	helps, err := m.Int64ObservableCounter(MeterPrefix + "queue.helps")
	if err != nil {
		return nil, err
	}
	cleared, err := m.Int64ObservableCounter(MeterPrefix + "queue.cleared")
	if err != nil {
		return nil, err
	}
	length, err := m.Int64ObservableGauge(MeterPrefix + "queue.length")
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String(MeterPrefix+"queue", name))
	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := src.Stats()
		o.ObserveInt64(enqueued, s.Enqueued, attrs)
		o.ObserveInt64(dequeued, s.Dequeued, attrs)
		o.ObserveInt64(retries, s.Retries, attrs)
		o.ObserveInt64(helps, s.Helps, attrs)
		o.ObserveInt64(cleared, s.Cleared, attrs)
		o.ObserveInt64(length, src.Len(), attrs)
		return nil
	}, enqueued, dequeued, retries, helps, cleared, length)
}
