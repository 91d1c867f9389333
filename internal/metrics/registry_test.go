package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestRegistryCountsPerAttributeSet(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	r.Inc(ctx, InputRejected)
	r.Inc(ctx, InputRejected)
	r.Inc(ctx, InputConsumed, BundleApp("rhel", "advisor")...)
	r.Add(ctx, InputConsumed, 2, attribute.String(KeyApplication, "advisor"), attribute.String(KeyBundle, "rhel"))

	assert.Equal(t, int64(2), r.Count(InputRejected))
	assert.Equal(t, int64(3), r.Count(InputConsumed, BundleApp("rhel", "advisor")...), "attribute order must not matter")
	assert.Equal(t, int64(0), r.Count(InputConsumed, BundleApp("rhel", "other")...))
	assert.Equal(t, int64(3), r.Total(InputConsumed))
}

func TestRegistryTimers(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	r.Record(ctx, AggregationTimeConsumed, 10*time.Millisecond)
	r.Record(ctx, AggregationTimeConsumed, 20*time.Millisecond)

	assert.Equal(t, int64(2), r.Count(AggregationTimeConsumed))
}

func TestRegistryNilSafe(t *testing.T) {
	var r *Registry
	r.Inc(context.Background(), InputRejected)
	r.Record(context.Background(), InputConsumed, time.Second)
	assert.Zero(t, r.Count(InputRejected))
	assert.Empty(t, r.Snapshot())
}

func TestRegistryConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc(context.Background(), InputProcessed)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), r.Count(InputProcessed))
}
