package aggregation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/notifications-engine/internal/cache"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/models"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
	defaultLockRetry = 500 * time.Millisecond
	defaultLockWaits = 20
	lockPrefix       = "aggregation:"
)

// ErrRunnerClosed is returned by Submit after Close.
var ErrRunnerClosed = errors.New("aggregation: runner closed")

// Builder builds the digests of commands sharing one (org, bundle).
type Builder interface {
	BuildDigest(ctx context.Context, cmds ...models.AggregationCommand) ([]*models.Event, error)
}

// Locker is a cross-process named lock.
type Locker interface {
	Acquire(ctx context.Context, name string) (func(context.Context) error, error)
}

// RunnerOption customises the runner.
type RunnerOption func(*Runner)

// WithWorkers bounds the concurrent builds.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLocker adds cross-process exclusion per key.
func WithLocker(l Locker) RunnerOption {
	return func(r *Runner) {
		r.locker = l
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(log zerolog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger.Component(log, "aggregation_runner")
	}
}

// WithLockRetry tunes how long a build waits for a key held elsewhere.
func WithLockRetry(interval time.Duration, attempts int) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.lockRetry = interval
		}
		if attempts > 0 {
			r.lockWaits = attempts
		}
	}
}

type job struct {
	key  string
	cmds []models.AggregationCommand
}

// Runner executes aggregation commands off the ingestion path. Commands of
// the same (org, bundle) never build concurrently.
type Runner struct {
	builder   Builder
	workers   int
	locker    Locker
	lockRetry time.Duration
	lockWaits int
	logger    zerolog.Logger

	queue     chan job
	keys      *keyedMutex
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	pending   sync.WaitGroup
}

// NewRunner builds a runner over builder.
func NewRunner(builder Builder, opts ...RunnerOption) *Runner {
	r := &Runner{
		builder:   builder,
		workers:   defaultWorkers,
		lockRetry: defaultLockRetry,
		lockWaits: defaultLockWaits,
		logger:    zerolog.Nop(),
		queue:     make(chan job, defaultQueueSize),
		keys:      newKeyedMutex(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Submit groups the commands by (org, bundle) and queues one build per
// group. It blocks while the queue is full.
func (r *Runner) Submit(ctx context.Context, cmds []models.AggregationCommand) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRunnerClosed
	}
	for _, j := range groupCommands(cmds) {
		r.pending.Add(1)
		select {
		case r.queue <- j:
		case <-ctx.Done():
			r.pending.Done()
			return ctx.Err()
		}
	}
	return nil
}

// Wait blocks until every submitted build has finished.
func (r *Runner) Wait() {
	r.pending.Wait()
}

// Run starts the workers. Once ctx is cancelled or Close is called it stops
// accepting commands and returns after the queued builds have finished.
// Builds run on a context detached from ctx cancellation.
func (r *Runner) Run(ctx context.Context) error {
	buildCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for j := range r.queue {
				r.execute(buildCtx, j)
				r.pending.Done()
			}
			return nil
		})
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("aggregation: draining queued builds")
			r.Close()
		case <-stop:
		}
	}()
	err := g.Wait()
	close(stop)
	return err
}

// Close stops accepting commands; queued builds still run.
func (r *Runner) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})
}

func (r *Runner) execute(ctx context.Context, j job) {
	log := r.logger.With().Str("aggregation_key", j.key).Int("commands", len(j.cmds)).Logger()

	unlock := r.keys.lock(j.key)
	defer unlock()

	if r.locker != nil {
		release, err := r.acquire(ctx, j.key)
		if err != nil {
			log.Error().Err(err).Msg("aggregation: key lock not acquired")
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Msg("aggregation: key lock release failed")
			}
		}()
	}

	digests, err := r.builder.BuildDigest(ctx, j.cmds...)
	if err != nil {
		log.Error().Err(err).Msg("aggregation: build failed")
		return
	}
	log.Info().Int("digests", len(digests)).Msg("aggregation: build finished")
}

func (r *Runner) acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	name := lockPrefix + key
	for attempt := 0; ; attempt++ {
		release, err := r.locker.Acquire(ctx, name)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, cache.ErrLockHeld) || attempt+1 >= r.lockWaits {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.lockRetry):
		}
	}
}

func groupCommands(cmds []models.AggregationCommand) []job {
	byKey := map[string][]models.AggregationCommand{}
	for _, c := range cmds {
		k := c.Key.OrgID + "/" + c.Key.Bundle
		byKey[k] = append(byKey[k], c)
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]job, 0, len(keys))
	for _, k := range keys {
		out = append(out, job{key: k, cmds: byKey[k]})
	}
	return out
}

// keyedMutex serialises work per key and forgets idle keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyLock{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
