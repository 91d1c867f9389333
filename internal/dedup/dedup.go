package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/logger"
)

// Ledger is the durable record of processed message identifiers. It must run
// on the caller's unit of work.
type Ledger interface {
	HasKafkaMessage(ctx context.Context, id string) (bool, error)
	RegisterKafkaMessage(ctx context.Context, id string) (bool, error)
}

// Cache is an optional fast path in front of the ledger.
type Cache interface {
	Seen(ctx context.Context, id string) (bool, error)
	Remember(ctx context.Context, id string) error
}

// Option customises a Deduplicator.
type Option func(*Deduplicator)

// WithCache puts a bounded, expiring cache in front of the ledger.
func WithCache(c Cache) Option {
	return func(d *Deduplicator) {
		d.cache = c
	}
}

// WithLogger sets the logger used for cache failures.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Deduplicator) {
		d.logger = logger.Component(l, "dedup")
	}
}

// Deduplicator answers "was this message already processed?".
// Identifier-less messages are never duplicates and are never recorded.
type Deduplicator struct {
	ledger Ledger
	cache  Cache
	logger zerolog.Logger
}

// New builds a Deduplicator on top of the durable ledger.
func New(ledger Ledger, opts ...Option) (*Deduplicator, error) {
	if ledger == nil {
		return nil, errors.New("dedup: ledger is required")
	}
	d := &Deduplicator{ledger: ledger, logger: zerolog.Nop()}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// IsDuplicate consults the cache, then the ledger. Cache failures fall back
// to the ledger.
func (d *Deduplicator) IsDuplicate(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	if d.cache != nil {
		seen, err := d.cache.Seen(ctx, id)
		if err != nil {
			d.logger.Warn().Err(err).Str("message_id", id).Msg("dedup: cache lookup failed, using ledger")
		} else if seen {
			return true, nil
		}
	}
	seen, err := d.ledger.HasKafkaMessage(ctx, id)
	if err != nil {
		return false, fmt.Errorf("dedup: ledger lookup: %w", err)
	}
	return seen, nil
}

// Register records id in the ledger within the caller's unit of work. fresh
// is false when a concurrent unit of work registered id first.
func (d *Deduplicator) Register(ctx context.Context, id string) (fresh bool, err error) {
	if id == "" {
		return true, nil
	}
	inserted, err := d.ledger.RegisterKafkaMessage(ctx, id)
	if err != nil {
		return false, fmt.Errorf("dedup: register: %w", err)
	}
	return inserted, nil
}

// Remember fills the cache. Call it only after the unit of work committed.
func (d *Deduplicator) Remember(ctx context.Context, id string) {
	if id == "" || d.cache == nil {
		return
	}
	if err := d.cache.Remember(ctx, id); err != nil {
		d.logger.Warn().Err(err).Str("message_id", id).Msg("dedup: cache fill failed")
	}
}
