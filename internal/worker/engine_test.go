package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notifications-engine/internal/kafka/consumer"
	"github.com/example/notifications-engine/internal/metrics"
)

var errPermanent = errors.New("malformed")

type handlerStub struct {
	mu      sync.Mutex
	calls   int
	results []error
	block   chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (h *handlerStub) HandleRecord(context.Context, []byte, map[string][]byte) error {
	n := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if h.block != nil {
		<-h.block
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if len(h.results) == 0 {
		return nil
	}
	err := h.results[0]
	h.results = h.results[1:]
	return err
}

func (h *handlerStub) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type commitCounter struct {
	n atomic.Int32
}

func (c *commitCounter) fn(context.Context) error {
	c.n.Add(1)
	return nil
}

func newTestEngine(t *testing.T, cfg Config, h Handler) (*Engine, *metrics.Registry) {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "ingress"
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	m := metrics.NewRegistry()
	eng, err := NewEngine(cfg, Dependencies{
		Handler:   h,
		Permanent: func(err error) bool { return errors.Is(err, errPermanent) },
		Metrics:   m,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return eng, m
}

func record(c *commitCounter) *Record {
	r := &Record{Topic: "t", Partition: 0, Offset: 7, Value: []byte(`{}`)}
	r.setCommitFn(c.fn)
	return r
}

func TestNewEngineValidates(t *testing.T) {
	_, err := NewEngine(Config{}, Dependencies{})
	require.Error(t, err)
	_, err = NewEngine(Config{Name: "x", MaxAttempts: 1, Concurrency: 1}, Dependencies{})
	require.Error(t, err)
}

func TestEngineCommitsAfterSuccess(t *testing.T) {
	h := &handlerStub{}
	eng, m := newTestEngine(t, Config{}, h)
	c := &commitCounter{}

	require.NoError(t, eng.HandleRecord(context.Background(), record(c)))
	eng.Wait()

	assert.Equal(t, 1, h.callCount())
	assert.Equal(t, int32(1), c.n.Load())
	assert.Equal(t, int64(1), m.Total(RecordsHandled))
}

func TestEngineRetriesTransientErrors(t *testing.T) {
	h := &handlerStub{results: []error{errors.New("db down"), errors.New("db down")}}
	eng, m := newTestEngine(t, Config{BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, h)
	c := &commitCounter{}

	require.NoError(t, eng.HandleRecord(context.Background(), record(c)))
	eng.Wait()

	assert.Equal(t, 3, h.callCount())
	assert.Equal(t, int32(1), c.n.Load())
	assert.Equal(t, int64(2), m.Total(RecordsRetried))
}

func TestEngineSkipsPermanentErrors(t *testing.T) {
	h := &handlerStub{results: []error{errPermanent}}
	eng, _ := newTestEngine(t, Config{}, h)
	c := &commitCounter{}

	require.NoError(t, eng.HandleRecord(context.Background(), record(c)))
	eng.Wait()

	assert.Equal(t, 1, h.callCount())
	assert.Equal(t, int32(1), c.n.Load())
}

func TestEngineExhaustedRecordCommitPolicy(t *testing.T) {
	fail := errors.New("still down")

	h := &handlerStub{results: []error{fail, fail}}
	eng, m := newTestEngine(t, Config{MaxAttempts: 2, CommitOnSuccessOnly: true}, h)
	c := &commitCounter{}
	require.NoError(t, eng.HandleRecord(context.Background(), record(c)))
	eng.Wait()
	assert.Zero(t, c.n.Load())
	assert.Equal(t, int64(1), m.Total(RecordsExhausted))

	h = &handlerStub{results: []error{fail, fail}}
	eng, _ = newTestEngine(t, Config{MaxAttempts: 2}, h)
	c = &commitCounter{}
	require.NoError(t, eng.HandleRecord(context.Background(), record(c)))
	eng.Wait()
	assert.Equal(t, int32(1), c.n.Load())
}

func TestEngineBoundsConcurrency(t *testing.T) {
	h := &handlerStub{block: make(chan struct{})}
	eng, _ := newTestEngine(t, Config{Concurrency: 2}, h)

	require.NoError(t, eng.HandleRecord(context.Background(), record(&commitCounter{})))
	require.NoError(t, eng.HandleRecord(context.Background(), record(&commitCounter{})))

	// Both slots are taken; the third record waits until ctx expires.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, eng.HandleRecord(ctx, record(&commitCounter{})))

	close(h.block)
	eng.Wait()
	assert.Equal(t, int32(2), h.peak.Load())
}

type committerStub struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *committerStub) Commit(_ context.Context, rec *consumer.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsets = append(c.offsets, rec.Offset)
	return nil
}

func TestKafkaHandlerBridgesRecords(t *testing.T) {
	var got []byte
	h := HandlerFunc(func(_ context.Context, payload []byte, headers map[string][]byte) error {
		got = payload
		assert.Equal(t, "v", string(headers["k"]))
		return nil
	})
	eng, _ := newTestEngine(t, Config{}, h)
	cons := &committerStub{}

	rec := &consumer.Record{Topic: "t", Offset: 12, Value: []byte(`{"a":1}`), Headers: map[string][]byte{"k": []byte("v")}}
	require.NoError(t, KafkaHandler(eng, cons)(context.Background(), rec))
	eng.Wait()

	assert.JSONEq(t, `{"a":1}`, string(got))
	cons.mu.Lock()
	defer cons.mu.Unlock()
	assert.Equal(t, []int64{12}, cons.offsets)
}
