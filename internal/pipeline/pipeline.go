package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notifications-engine/internal/aggregation"
	"github.com/example/notifications-engine/internal/ingress"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/routing"
	"github.com/example/notifications-engine/internal/store"
)

// Status is the outcome of one ingestion.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusFailed    Status = "failed"
)

// Rejection reasons.
const (
	ReasonUnparseable      = "unparseable"
	ReasonTooLarge         = "too_large"
	ReasonUnknownEventType = "unknown_event_type"
	ReasonBlacklisted      = "blacklisted"
)

// Result describes what happened to one record.
type Result struct {
	Status    Status
	EventID   string
	MessageID string
	Reason    string
	Err       error
}

// Store is the transactional storage behind ingestion.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	ResolveEventType(ctx context.Context, key models.EventTypeKey) (*models.EventType, error)
	CreateEvent(ctx context.Context, event *models.Event) error
}

// Deduplicator guards against reprocessing a message id.
type Deduplicator interface {
	IsDuplicate(ctx context.Context, id string) (bool, error)
	Register(ctx context.Context, id string) (bool, error)
	Remember(ctx context.Context, id string)
}

// Resolver computes the destinations of an event.
type Resolver interface {
	Resolve(ctx context.Context, event *models.Event) *routing.Destinations
}

// Dispatcher hands an event to the channel processors.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.Event, dest *routing.Destinations) routing.DispatchResult
}

// AggregationSubmitter schedules aggregation commands.
type AggregationSubmitter interface {
	Submit(ctx context.Context, cmds []models.AggregationCommand) error
}

// Dependencies groups the collaborators of the pipeline.
type Dependencies struct {
	Store      Store
	Dedup      Deduplicator
	Normalizer *ingress.Normalizer
	Resolver   Resolver
	Dispatcher Dispatcher
	// Aggregations is optional; without it aggregation commands are stored
	// and not run.
	Aggregations AggregationSubmitter
	// Blacklist holds event type ids that are stored but never dispatched.
	Blacklist []string
	// MaxBytes rejects larger payloads when positive.
	MaxBytes int
	Metrics  *metrics.Registry
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Pipeline turns raw records into persisted, dispatched events.
type Pipeline struct {
	store        Store
	dedup        Deduplicator
	normalizer   *ingress.Normalizer
	resolver     Resolver
	dispatcher   Dispatcher
	aggregations AggregationSubmitter
	blacklist    map[string]struct{}
	maxBytes     int
	metrics      *metrics.Registry
	logger       zerolog.Logger
	now          func() time.Time
	tracer       trace.Tracer
}

// New validates dependencies and builds a pipeline.
func New(deps Dependencies) (*Pipeline, error) {
	if deps.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if deps.Dedup == nil {
		return nil, errors.New("pipeline: deduplicator is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("pipeline: resolver is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("pipeline: dispatcher is required")
	}
	if deps.Normalizer == nil {
		deps.Normalizer = ingress.NewNormalizer()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	blacklist := make(map[string]struct{}, len(deps.Blacklist))
	for _, id := range deps.Blacklist {
		blacklist[id] = struct{}{}
	}
	return &Pipeline{
		store:        deps.Store,
		dedup:        deps.Dedup,
		normalizer:   deps.Normalizer,
		resolver:     deps.Resolver,
		dispatcher:   deps.Dispatcher,
		aggregations: deps.Aggregations,
		blacklist:    blacklist,
		maxBytes:     deps.MaxBytes,
		metrics:      deps.Metrics,
		logger:       logger.Component(deps.Logger, "pipeline"),
		now:          deps.Now,
		tracer:       otel.Tracer("pipeline"),
	}, nil
}

// IngestRaw ingests a record and reports failed ingestions as errors.
func (p *Pipeline) IngestRaw(ctx context.Context, payload []byte, headers map[string][]byte) error {
	res := p.Ingest(ctx, payload, headers)
	if res.Status == StatusFailed {
		return res.Err
	}
	return nil
}

// Ingest parses, deduplicates, persists and dispatches one record. It never
// returns an error; the outcome is carried by the result status.
func (p *Pipeline) Ingest(ctx context.Context, payload []byte, headers map[string][]byte) Result {
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "ingest")
	defer span.End()

	res, key := p.ingest(ctx, payload, headers)

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String(metrics.KeyBundle, key.Bundle),
		attribute.String(metrics.KeyApplication, key.Application),
	)
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Reason)
	}
	p.metrics.Record(ctx, metrics.InputConsumed, time.Since(started), metrics.BundleApp(key.Bundle, key.Application)...)

	log := p.logger.Debug()
	if res.Status == StatusFailed {
		log = p.logger.Error().Err(res.Err)
	}
	log.Str("status", string(res.Status)).
		Str("message_id", res.MessageID).
		Str("event_id", res.EventID).
		Str("reason", res.Reason).
		Msg("pipeline: record ingested")
	return res
}

func (p *Pipeline) ingest(ctx context.Context, payload []byte, headers map[string][]byte) (Result, models.EventTypeKey) {
	if p.maxBytes > 0 && len(payload) > p.maxBytes {
		return p.reject(ctx, Result{Reason: ReasonTooLarge}), models.EventTypeKey{}
	}

	env, err := p.normalizer.Normalize(payload)
	if err != nil {
		p.logger.Warn().Err(err).Msg("pipeline: record rejected")
		return p.reject(ctx, Result{Reason: ReasonUnparseable, Err: err}), models.EventTypeKey{}
	}
	key := env.Key

	messageID, idStatus := ingress.MessageID(env, headers)
	switch idStatus {
	case ingress.IDInvalid:
		p.metrics.Inc(ctx, metrics.MessageIDInvalid)
	case ingress.IDMissing:
		p.metrics.Inc(ctx, metrics.MessageIDMissing)
	default:
		p.metrics.Inc(ctx, metrics.MessageIDValid)
	}
	res := Result{MessageID: messageID}

	// Fast path out of the cache, outside any unit of work.
	if dup, err := p.dedup.IsDuplicate(ctx, messageID); err == nil && dup {
		return p.duplicate(ctx, res), key
	}

	var (
		event *models.Event
		cmds  []models.AggregationCommand
	)
	err = p.store.WithinTx(ctx, func(ctx context.Context) error {
		dup, err := p.dedup.IsDuplicate(ctx, messageID)
		if err != nil {
			return err
		}
		if dup {
			res.Status = StatusDuplicate
			return nil
		}
		fresh, err := p.dedup.Register(ctx, messageID)
		if err != nil {
			return err
		}
		if !fresh {
			res.Status = StatusDuplicate
			return nil
		}

		et, err := p.store.ResolveEventType(ctx, key)
		if errors.Is(err, store.ErrEventTypeNotFound) {
			// The dedup record stays: replays of this id are duplicates.
			res.Status = StatusRejected
			res.Reason = ReasonUnknownEventType
			res.Err = err
			return nil
		}
		if err != nil {
			return err
		}
		key = et.Key()

		eventID := env.ID
		if eventID == "" {
			eventID = uuid.NewString()
		}
		event = &models.Event{
			ID:           eventID,
			OrgID:        env.OrgID,
			AccountID:    env.AccountID,
			EventTypeID:  et.ID,
			EnvelopeKind: env.Kind,
			Payload:      string(payload),
			DisplayName:  et.DisplayName,
			Created:      p.now().UTC(),
			EventType:    et,
			Envelope:     env,
		}
		if messageID != "" {
			id := messageID
			event.MessageID = &id
		}
		if err := p.store.CreateEvent(ctx, event); err != nil {
			return err
		}
		res.EventID = event.ID
		res.Status = StatusProcessed

		if _, blocked := p.blacklist[et.ID]; blocked {
			res.Reason = ReasonBlacklisted
			return nil
		}
		if aggregation.IsCommand(et.Key()) {
			var errs []error
			cmds, errs = aggregation.ParseCommands(event)
			for _, cerr := range errs {
				p.metrics.Inc(ctx, metrics.AggregationCommandRejected)
				p.logger.Warn().Err(cerr).Str("event_id", event.ID).Msg("pipeline: aggregation command rejected")
			}
			return nil
		}

		dest := p.resolver.Resolve(ctx, event)
		dr := p.dispatcher.Dispatch(ctx, event, dest)
		p.logger.Debug().
			Str("event_id", event.ID).
			Int("destinations", dest.Len()).
			Int("history_entries", len(dr.Entries)).
			Int("history_failed", dr.PersistFailed).
			Msg("pipeline: event dispatched")
		return nil
	})
	if err != nil {
		p.metrics.Inc(ctx, metrics.InputProcessingException, metrics.BundleApp(key.Bundle, key.Application)...)
		return Result{Status: StatusFailed, MessageID: messageID, Reason: "storage", Err: fmt.Errorf("pipeline: %w", err)}, key
	}

	switch res.Status {
	case StatusDuplicate:
		return p.duplicate(ctx, res), key
	case StatusRejected:
		p.dedup.Remember(ctx, messageID)
		return p.reject(ctx, res), key
	}

	p.dedup.Remember(ctx, messageID)
	if res.Reason == ReasonBlacklisted {
		p.metrics.Inc(ctx, metrics.InputBlacklisted, metrics.BundleApp(key.Bundle, key.Application)...)
	}
	p.metrics.Inc(ctx, metrics.InputProcessed, metrics.BundleApp(key.Bundle, key.Application)...)

	if len(cmds) > 0 {
		if p.aggregations == nil {
			p.logger.Warn().Str("event_id", event.ID).Msg("pipeline: aggregation commands dropped, no runner")
		} else if err := p.aggregations.Submit(ctx, cmds); err != nil {
			p.metrics.Inc(ctx, metrics.AggregationCommandError)
			p.logger.Error().Err(err).Str("event_id", event.ID).Msg("pipeline: aggregation commands not scheduled")
		}
	}
	return res, key
}

func (p *Pipeline) reject(ctx context.Context, res Result) Result {
	res.Status = StatusRejected
	p.metrics.Inc(ctx, metrics.InputRejected, attribute.String(metrics.KeyReason, res.Reason))
	return res
}

func (p *Pipeline) duplicate(ctx context.Context, res Result) Result {
	res.Status = StatusDuplicate
	p.metrics.Inc(ctx, metrics.InputDuplicate)
	p.logger.Info().Str("message_id", res.MessageID).Msg("pipeline: duplicate message skipped")
	return res
}
