package routing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
)

// Processor delivers an event to every endpoint of one kind and returns one
// history entry per attempted endpoint.
type Processor interface {
	Process(ctx context.Context, event *models.Event, endpoints []models.Endpoint, recipients Recipients) []*models.NotificationHistory
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, event *models.Event, endpoints []models.Endpoint, recipients Recipients) []*models.NotificationHistory

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, event *models.Event, endpoints []models.Endpoint, recipients Recipients) []*models.NotificationHistory {
	return f(ctx, event, endpoints, recipients)
}

// NoopProcessor is the fallback for kinds without a processor.
type NoopProcessor struct{}

// Process implements Processor.
func (NoopProcessor) Process(context.Context, *models.Event, []models.Endpoint, Recipients) []*models.NotificationHistory {
	return nil
}

// Registry is a static table from endpoint kind to processor.
type Registry struct {
	processors map[models.EndpointType]Processor
	fallback   Processor
}

// NewRegistry builds the table. Kinds missing from it resolve to the no-op
// processor.
func NewRegistry(entries map[models.EndpointType]Processor) *Registry {
	table := make(map[models.EndpointType]Processor, len(entries))
	for k, p := range entries {
		if p != nil {
			table[k] = p
		}
	}
	return &Registry{processors: table, fallback: NoopProcessor{}}
}

// Lookup returns the processor of kind, or the fallback.
func (r *Registry) Lookup(kind models.EndpointType) Processor {
	if p, ok := r.processors[kind]; ok {
		return p
	}
	return r.fallback
}

// HistoryWriter persists history entries.
type HistoryWriter interface {
	CreateHistory(ctx context.Context, h *models.NotificationHistory) error
}

// DispatchResult summarises one dispatch.
type DispatchResult struct {
	Entries       []*models.NotificationHistory
	Persisted     int
	PersistFailed int
}

// Dispatcher hands each kind's endpoints to its processor and persists the
// returned history entries independently of each other.
type Dispatcher struct {
	registry *Registry
	history  HistoryWriter
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(registry *Registry, history HistoryWriter, m *metrics.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		history:  history,
		metrics:  m,
		logger:   logger.Component(log, "dispatcher"),
	}
}

// Dispatch processes every kind of dest in order. A history entry that fails
// to persist is logged and skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.Event, dest *Destinations) DispatchResult {
	var result DispatchResult
	if event == nil || dest == nil {
		return result
	}
	d.metrics.Inc(ctx, metrics.ProcessorProcessed)

	for _, kind := range dest.Kinds() {
		endpoints := dest.Endpoints(kind)
		d.metrics.Add(ctx, metrics.ProcessorEndpointProcessed, int64(len(endpoints)), attribute.String(metrics.KeyEndpointType, string(kind)))

		entries := d.registry.Lookup(kind).Process(ctx, event, endpoints, dest.Recipients(kind))
		for _, h := range entries {
			if h == nil {
				continue
			}
			result.Entries = append(result.Entries, h)
			if err := d.history.CreateHistory(ctx, h); err != nil {
				result.PersistFailed++
				d.metrics.Inc(ctx, metrics.HistoryPersistError, attribute.String(metrics.KeyEndpointType, string(kind)))
				d.logger.Error().Err(err).
					Str("event_id", event.ID).
					Str("history_id", h.ID).
					Str("endpoint_type", string(kind)).
					Msg("dispatcher: history entry not persisted")
				continue
			}
			result.Persisted++
		}
	}
	return result
}

// NewHistory builds a history entry for one endpoint. Processors that
// delegate delivery use the id as the correlation key for the outcome.
func NewHistory(event *models.Event, ep models.Endpoint, status models.HistoryStatus, started time.Time, details map[string]any) *models.NotificationHistory {
	id := ep.ID
	h := &models.NotificationHistory{
		ID:              uuid.NewString(),
		EventID:         event.ID,
		EndpointID:      &id,
		EndpointType:    ep.Type,
		EndpointSubType: ep.SubType,
		Status:          status,
		Details:         models.JSONMap(details),
	}
	if !started.IsZero() {
		h.InvocationTime = time.Since(started).Milliseconds()
	}
	if h.Details == nil {
		h.Details = models.JSONMap{}
	}
	return h
}
