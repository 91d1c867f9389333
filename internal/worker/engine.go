package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/example/notifications-engine/internal/metrics"
)

// Config contains the runtime settings of one consuming stream.
type Config struct {
	Name        string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Concurrency int
	// CommitOnSuccessOnly leaves records that exhausted their retries
	// uncommitted so they are redelivered after a rebalance.
	CommitOnSuccessOnly bool
}

// Record represents a Kafka message delivered to the worker, decoupled from
// the concrete consumer implementation.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte

	commit func(context.Context) error
}

// Clone returns a deep copy of the record that is safe to hand to another
// goroutine.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Key = cloneBytes(r.Key)
	clone.Value = cloneBytes(r.Value)
	if len(r.Headers) > 0 {
		clone.Headers = cloneHeaders(r.Headers)
	}

	return &clone
}

func (r *Record) setCommitFn(fn func(context.Context) error) {
	r.commit = fn
}

// Handler processes the payload of one record. A returned error is retried
// unless the engine classifies it as permanent.
type Handler interface {
	HandleRecord(ctx context.Context, payload []byte, headers map[string][]byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte, headers map[string][]byte) error

// HandleRecord implements Handler.
func (f HandlerFunc) HandleRecord(ctx context.Context, payload []byte, headers map[string][]byte) error {
	return f(ctx, payload, headers)
}

// Dependencies collects the runtime collaborators required by the engine.
type Dependencies struct {
	Handler Handler
	// Permanent reports errors that must not be retried. Nil treats every
	// error as transient.
	Permanent func(error) bool
	Metrics   *metrics.Registry
	Logger    zerolog.Logger
}

// Worker outcome counters.
const (
	RecordsHandled   = "worker.records.handled"
	RecordsRetried   = "worker.records.retried"
	RecordsExhausted = "worker.records.exhausted"
)

// Engine bounds in-flight work, retries failed records with backoff and
// commits offsets once a record is done with.
type Engine struct {
	cfg       Config
	handler   Handler
	permanent func(error) bool
	metrics   *metrics.Registry
	logger    zerolog.Logger

	semaphore *semaphore.Weighted
	inflight  sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewEngine validates cfg and deps and builds an engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("worker: name must be provided")
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("worker: max attempts must be >= 1")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("worker: concurrency must be >= 1")
	}
	if deps.Handler == nil {
		return nil, errors.New("worker: handler dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "worker_engine").Str("stream", cfg.Name).Logger()

	permanent := deps.Permanent
	if permanent == nil {
		permanent = func(error) bool { return false }
	}

	return &Engine{
		cfg:       cfg,
		handler:   deps.Handler,
		permanent: permanent,
		metrics:   deps.Metrics,
		logger:    logger,
		semaphore: semaphore.NewWeighted(int64(cfg.Concurrency)),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// HandleRecord waits for a free slot and processes the record
// asynchronously. It returns an error only when ctx ends before a slot frees.
func (e *Engine) HandleRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return nil
	}
	if err := e.semaphore.Acquire(ctx, 1); err != nil {
		e.logger.Warn().
			Str("topic", record.Topic).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to acquire concurrency semaphore")
		return err
	}

	e.inflight.Add(1)
	go e.processRecord(ctx, record.Clone())
	return nil
}

// Wait blocks until every in-flight record finished.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

func (e *Engine) processRecord(ctx context.Context, record *Record) {
	defer e.inflight.Done()
	defer e.semaphore.Release(1)

	log := e.logger.With().
		Str("topic", record.Topic).
		Int32("partition", record.Partition).
		Int64("offset", record.Offset).
		Logger()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			log.Warn().Msg("worker: context cancelled before processing; record will be redelivered")
			return
		}

		start := time.Now()
		err := e.handler.HandleRecord(ctx, record.Value, record.Headers)
		if err == nil {
			log.Debug().Int("attempt", attempt).Dur("duration", time.Since(start)).Msg("worker: record handled")
			e.metrics.Inc(ctx, RecordsHandled, attribute.String("stream", e.cfg.Name))
			e.commitRecord(ctx, record)
			return
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("worker: context cancelled during handling; deferring commit for reprocessing")
			return
		}

		if e.permanent(err) {
			log.Warn().Err(err).Int("attempt", attempt).Msg("worker: permanent failure, record skipped")
			e.commitRecord(ctx, record)
			return
		}

		if attempt >= e.cfg.MaxAttempts {
			e.metrics.Inc(ctx, RecordsExhausted, attribute.String("stream", e.cfg.Name))
			log.Error().Err(err).Int("attempt", attempt).Msg("worker: retries exhausted")
			if !e.cfg.CommitOnSuccessOnly {
				e.commitRecord(ctx, record)
			}
			return
		}

		backoff := e.computeBackoff(attempt)
		e.metrics.Inc(ctx, RecordsRetried, attribute.String("stream", e.cfg.Name))
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("worker: scheduling retry after transient error")

		if !e.wait(ctx, backoff) {
			log.Warn().Int("attempt", attempt).Msg("worker: context cancelled while waiting for retry; record will be redelivered")
			return
		}
	}
}

func (e *Engine) computeBackoff(attempt int) time.Duration {
	if e.cfg.BaseBackoff <= 0 {
		return 0
	}

	multiplier := math.Pow(2, float64(attempt-1))
	raw := time.Duration(float64(e.cfg.BaseBackoff) * multiplier)
	if e.cfg.MaxBackoff > 0 && raw > e.cfg.MaxBackoff {
		raw = e.cfg.MaxBackoff
	}

	return e.fullJitter(raw)
}

func (e *Engine) fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}

	e.randMu.Lock()
	defer e.randMu.Unlock()

	return time.Duration(e.rnd.Int63n(int64(max) + 1))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (e *Engine) commitRecord(ctx context.Context, record *Record) {
	if record.commit == nil {
		return
	}
	if err := record.commit(ctx); err != nil {
		e.logger.Error().
			Str("topic", record.Topic).
			Int32("partition", record.Partition).
			Int64("offset", record.Offset).
			Err(err).
			Msg("worker: failed to commit record offset")
	}
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}

func cloneHeaders(headers map[string][]byte) map[string][]byte {
	if len(headers) == 0 {
		return nil
	}
	clone := make(map[string][]byte, len(headers))
	for k, v := range headers {
		clone[k] = cloneBytes(v)
	}
	return clone
}
