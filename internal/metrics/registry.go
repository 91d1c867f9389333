package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "notifications-engine"

// Registry lazily creates otel instruments by name and mirrors every
// measurement into an in-process snapshot keyed by name and attribute set.
// All methods are safe on a nil receiver.
type Registry struct {
	meter metric.Meter

	mu        sync.Mutex
	counters  map[string]metric.Int64Counter
	timers    map[string]metric.Float64Histogram
	values    map[string]int64
	durations map[string]time.Duration
}

// NewRegistry builds a registry on the global meter provider.
func NewRegistry() *Registry {
	return NewRegistryWithMeter(otel.Meter(meterName))
}

// NewRegistryWithMeter builds a registry on the supplied meter.
func NewRegistryWithMeter(m metric.Meter) *Registry {
	if m == nil {
		m = noop.NewMeterProvider().Meter(meterName)
	}
	return &Registry{
		meter:     m,
		counters:  make(map[string]metric.Int64Counter),
		timers:    make(map[string]metric.Float64Histogram),
		values:    make(map[string]int64),
		durations: make(map[string]time.Duration),
	}
}

// Inc adds one to the named counter.
func (r *Registry) Inc(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	r.Add(ctx, name, 1, attrs...)
}

// Add adds n to the named counter.
func (r *Registry) Add(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	r.mu.Lock()
	counter := r.counter(name)
	r.values[seriesKey(name, attrs)] += n
	r.mu.Unlock()

	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

// Record stores one timer observation in seconds.
func (r *Registry) Record(ctx context.Context, name string, d time.Duration, attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	key := seriesKey(name, attrs)
	r.mu.Lock()
	timer := r.timer(name)
	r.values[key]++
	r.durations[key] += d
	r.mu.Unlock()

	timer.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// Count returns the value of the series matching name and exactly attrs.
func (r *Registry) Count(name string, attrs ...attribute.KeyValue) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[seriesKey(name, attrs)]
}

// Total sums every series of the named metric.
func (r *Registry) Total(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	prefix := name + "|"
	for key, v := range r.values {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			total += v
		}
	}
	return total
}

// Snapshot copies every series value. Keys are "name|k=v,k=v".
func (r *Registry) Snapshot() map[string]int64 {
	out := map[string]int64{}
	if r == nil {
		return out
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// SeriesNames lists the snapshot keys in sorted order.
func (r *Registry) SeriesNames() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) counter(name string) metric.Int64Counter {
	if c, ok := r.counters[name]; ok {
		return c
	}
	c, err := r.meter.Int64Counter(name)
	if err != nil {
		c = noop.Int64Counter{}
	}
	r.counters[name] = c
	return c
}

func (r *Registry) timer(name string) metric.Float64Histogram {
	if h, ok := r.timers[name]; ok {
		return h
	}
	h, err := r.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		h = noop.Float64Histogram{}
	}
	r.timers[name] = h
	return h
}

func seriesKey(name string, attrs []attribute.KeyValue) string {
	set := attribute.NewSet(attrs...)
	return name + "|" + set.Encoded(attribute.DefaultEncoder())
}
