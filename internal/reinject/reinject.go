package reinject

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notifications-engine/internal/delivery"
	"github.com/example/notifications-engine/internal/ingress"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
)

// Integration event coordinates.
const (
	Bundle      = "console"
	Application = "integrations"

	EventDisabled = "integration-disabled"
	EventFailed   = "integration-failed"
	EventEnabled  = "integration-enabled"
)

// Sink submits an action back into ingestion.
type Sink interface {
	Submit(ctx context.Context, action *models.Action) error
}

// Reinjector turns endpoint transitions and delegated failures into
// integration actions addressed to org admins.
type Reinjector struct {
	sink    Sink
	metrics *metrics.Registry
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds a reinjector submitting to sink.
func New(sink Sink, m *metrics.Registry, log zerolog.Logger) *Reinjector {
	return &Reinjector{
		sink:    sink,
		metrics: m,
		logger:  logger.Component(log, "reinject"),
		now:     time.Now,
	}
}

// EndpointDisabled reports an automatic disable.
func (r *Reinjector) EndpointDisabled(ctx context.Context, ep models.Endpoint, cause delivery.Result, errorsCount int) error {
	return r.submit(ctx, r.build(EventDisabled, ep, map[string]any{
		"error_type":   string(cause.ErrorType),
		"errors_count": errorsCount,
		"status_code":  cause.StatusCode,
	}))
}

// EndpointEnabled reports an operator re-enable.
func (r *Reinjector) EndpointEnabled(ctx context.Context, ep models.Endpoint) error {
	return r.submit(ctx, r.build(EventEnabled, ep, nil))
}

// IntegrationFailed reports a failed delegated delivery. originalID is the
// history id of the failed attempt.
func (r *Reinjector) IntegrationFailed(ctx context.Context, ep models.Endpoint, cause delivery.Result, originalID string) error {
	return r.submit(ctx, r.build(EventFailed, ep, map[string]any{
		"error_type":   string(cause.ErrorType),
		"errors_count": cause.Attempts,
		"status_code":  cause.StatusCode,
		"original-id":  originalID,
		"outcome":      cause.Message,
	}))
}

func (r *Reinjector) build(eventType string, ep models.Endpoint, extra map[string]any) *models.Action {
	ctxMap := map[string]any{
		"endpoint_id":   ep.ID,
		"endpoint_name": ep.Name,
		"endpoint_type": string(ep.Type),
	}
	for k, v := range extra {
		ctxMap[k] = v
	}
	return &models.Action{
		ID:          uuid.NewString(),
		Version:     "2.0.0",
		Bundle:      Bundle,
		Application: Application,
		EventType:   eventType,
		Timestamp:   r.now().UTC(),
		AccountID:   ep.AccountID,
		OrgID:       ep.OrgID,
		Context:     ctxMap,
		Events:      []models.ActionEvent{{Metadata: models.Metadata{}, Payload: map[string]any{}}},
		Recipients:  []models.Recipient{{OnlyAdmins: true, IgnoreUserPreferences: true}},
	}
}

func (r *Reinjector) submit(ctx context.Context, action *models.Action) error {
	attr := attribute.String(metrics.KeyEventType, action.EventType)
	if err := r.sink.Submit(ctx, action); err != nil {
		r.metrics.Inc(ctx, metrics.ReinjectError, attr)
		return fmt.Errorf("reinject: submit %s: %w", action.EventType, err)
	}
	r.metrics.Inc(ctx, metrics.ReinjectPublished, attr)
	r.logger.Info().
		Str("message_id", action.ID).
		Str("event_type", action.EventType).
		Str("endpoint_id", fmt.Sprint(action.Context["endpoint_id"])).
		Msg("reinject: integration event submitted")
	return nil
}

// ActionPublisher writes actions to the ingress topic.
type ActionPublisher interface {
	PublishAction(ctx context.Context, action *models.Action) error
}

// KafkaSink submits through the ingress topic.
type KafkaSink struct {
	Publisher ActionPublisher
}

// Submit implements Sink.
func (s KafkaSink) Submit(ctx context.Context, action *models.Action) error {
	return s.Publisher.PublishAction(ctx, action)
}

// Ingester consumes a raw record in process.
type Ingester interface {
	IngestRaw(ctx context.Context, payload []byte, headers map[string][]byte) error
}

// IngesterFunc adapts a function to Ingester.
type IngesterFunc func(ctx context.Context, payload []byte, headers map[string][]byte) error

// IngestRaw implements Ingester.
func (f IngesterFunc) IngestRaw(ctx context.Context, payload []byte, headers map[string][]byte) error {
	return f(ctx, payload, headers)
}

// PipelineSink submits straight into an in-process pipeline.
type PipelineSink struct {
	Ingester Ingester
}

// Submit implements Sink. The action id is sent as the message id header.
func (s PipelineSink) Submit(ctx context.Context, action *models.Action) error {
	raw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("reinject: marshal action: %w", err)
	}
	return s.Ingester.IngestRaw(ctx, raw, map[string][]byte{ingress.HeaderMessageID: []byte(action.ID)})
}
