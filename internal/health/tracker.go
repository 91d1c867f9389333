package health

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notifications-engine/internal/delivery"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
)

// DefaultThreshold is the server error streak that disables an endpoint.
const DefaultThreshold = 10

// Store holds the endpoint health state. Every mutation is a single
// conditional statement; the boolean results report whether a row changed.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	IncrementServerErrors(ctx context.Context, id string) (streak int, ok bool, err error)
	DisableOnServerErrors(ctx context.Context, id string, threshold int) (bool, error)
	DisableEndpoint(ctx context.Context, id string) (bool, error)
	ResetServerErrors(ctx context.Context, id string) (bool, error)
	EnableEndpoint(ctx context.Context, id string) (bool, error)
}

// Notifier is told about every enabled/disabled transition, exactly once.
type Notifier interface {
	EndpointDisabled(ctx context.Context, ep models.Endpoint, cause delivery.Result, errorsCount int) error
	EndpointEnabled(ctx context.Context, ep models.Endpoint) error
}

// Option customises the tracker.
type Option func(*Tracker)

// WithThreshold sets the consecutive server error threshold.
func WithThreshold(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithNotifier registers the transition notifier.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) {
		t.notifier = n
	}
}

// WithMetrics sets the metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// Tracker applies delivery outcomes to endpoint health.
type Tracker struct {
	store     Store
	notifier  Notifier
	threshold int
	metrics   *metrics.Registry
	logger    zerolog.Logger
}

// NewTracker builds a tracker on the given store.
func NewTracker(store Store, log zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		store:     store,
		threshold: DefaultThreshold,
		logger:    logger.Component(log, "health"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// RecordSuccess clears the server error streak of the endpoint.
func (t *Tracker) RecordSuccess(ctx context.Context, ep models.Endpoint) {
	err := t.store.WithinTx(ctx, func(ctx context.Context) error {
		_, err := t.store.ResetServerErrors(ctx, ep.ID)
		return err
	})
	if err != nil {
		t.logger.Error().Err(err).Str("endpoint_id", ep.ID).Msg("health: reset failed")
	}
}

// RecordFailure applies a failed delivery. Client errors disable at once;
// server errors extend the streak and disable at the threshold. Other
// failures leave the endpoint untouched.
func (t *Tracker) RecordFailure(ctx context.Context, ep models.Endpoint, result delivery.Result) {
	log := t.logger.With().Str("endpoint_id", ep.ID).Str("error_type", string(result.ErrorType)).Logger()

	var (
		disabled bool
		streak   int
	)
	err := t.store.WithinTx(ctx, func(ctx context.Context) error {
		switch {
		case result.ErrorType.IsClient():
			ok, err := t.store.DisableEndpoint(ctx, ep.ID)
			disabled = ok
			return err
		case result.ErrorType.IsServer():
			n, ok, err := t.store.IncrementServerErrors(ctx, ep.ID)
			if err != nil || !ok {
				return err
			}
			streak = n
			if n < t.threshold {
				return nil
			}
			disabled, err = t.store.DisableOnServerErrors(ctx, ep.ID, t.threshold)
			return err
		default:
			return nil
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("health: failure not recorded")
		return
	}
	if !disabled {
		if streak > 0 {
			log.Debug().Int("server_errors", streak).Msg("health: server error recorded")
		}
		return
	}

	kind := "server"
	if result.ErrorType.IsClient() {
		kind = "client"
		streak = 1
	}
	t.metrics.Inc(ctx, metrics.WebhookDisabledEndpoints, attribute.String(metrics.KeyErrorType, kind))
	log.Warn().Int("server_errors", streak).Int("status_code", result.StatusCode).Msg("health: endpoint disabled")
	t.notify(log, func(n Notifier) error {
		return n.EndpointDisabled(ctx, ep, result, streak)
	})
}

// ErrNotDisabled is returned by Enable when the endpoint was already enabled
// or does not exist.
var ErrNotDisabled = errors.New("health: endpoint not disabled")

// Enable re-enables a disabled endpoint and clears its streak.
func (t *Tracker) Enable(ctx context.Context, ep models.Endpoint) error {
	var enabled bool
	err := t.store.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		enabled, err = t.store.EnableEndpoint(ctx, ep.ID)
		return err
	})
	if err != nil {
		return err
	}
	if !enabled {
		return ErrNotDisabled
	}
	t.logger.Info().Str("endpoint_id", ep.ID).Msg("health: endpoint re-enabled")
	t.notify(t.logger, func(n Notifier) error {
		return n.EndpointEnabled(ctx, ep)
	})
	return nil
}

func (t *Tracker) notify(log zerolog.Logger, fn func(Notifier) error) {
	if t.notifier == nil {
		return
	}
	if err := fn(t.notifier); err != nil {
		log.Error().Err(err).Msg("health: transition notification failed")
	}
}
