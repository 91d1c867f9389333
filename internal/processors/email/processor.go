package email

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/processors"
	"github.com/example/notifications-engine/internal/routing"
)

// ConnectorName is the connector that renders and sends emails.
const ConnectorName = "email_subscription"

// AggregationBuffer stores events for later daily digests.
type AggregationBuffer interface {
	AddAggregation(ctx context.Context, row *models.EventAggregation) error
}

// Processor buffers events for digests and delegates instant emails to the
// email connector.
type Processor struct {
	buffer AggregationBuffer
	sender processors.ConnectorSender
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an email processor.
func New(buffer AggregationBuffer, sender processors.ConnectorSender, log zerolog.Logger) *Processor {
	return &Processor{
		buffer: buffer,
		sender: sender,
		logger: logger.Component(log, "email_processor"),
		now:    time.Now,
	}
}

// Process implements routing.Processor.
func (p *Processor) Process(ctx context.Context, event *models.Event, endpoints []models.Endpoint, recipients routing.Recipients) []*models.NotificationHistory {
	if len(endpoints) == 0 {
		return nil
	}
	if event.IsDigest() {
		return p.send(ctx, event, endpoints, map[string]any{
			"users":  event.DigestPayload.Recipients,
			"digest": event.DigestPayload,
		})
	}

	p.bufferForDigest(ctx, event)

	if !recipients.SubscribedByDefault && len(recipients.Subscribers) == 0 {
		return nil
	}
	return p.send(ctx, event, endpoints, map[string]any{
		"subscribers":           recipients.Subscribers,
		"unsubscribers":         recipients.Unsubscribers,
		"subscribed_by_default": recipients.SubscribedByDefault,
		"recipient_settings":    recipients.Settings,
		"payload":               processors.Payload(event),
	})
}

func (p *Processor) bufferForDigest(ctx context.Context, event *models.Event) {
	et := event.EventType
	if et == nil || et.Application == nil || !et.Application.AggregationEnabled {
		return
	}
	row := &models.EventAggregation{
		OrgID:       event.OrgID,
		Bundle:      et.BundleName(),
		Application: et.ApplicationName(),
		EventType:   et.Name,
		EventTypeID: et.ID,
		Created:     event.Created,
		Payload:     models.JSONMap(processors.Payload(event)),
	}
	if err := p.buffer.AddAggregation(ctx, row); err != nil {
		p.logger.Error().Err(err).Str("event_id", event.ID).Msg("email: aggregation buffer write failed")
	}
}

func (p *Processor) send(ctx context.Context, event *models.Event, endpoints []models.Endpoint, data map[string]any) []*models.NotificationHistory {
	out := make([]*models.NotificationHistory, 0, len(endpoints))
	for _, ep := range endpoints {
		h := routing.NewHistory(event, ep, models.HistoryProcessing, time.Time{}, map[string]any{"connector": ConnectorName})
		msg := models.NewConnectorMessage(h.ID, event.OrgID, ConnectorName, data, p.now())
		if err := p.sender.SendConnector(ctx, msg); err != nil {
			p.logger.Error().Err(err).Str("event_id", event.ID).Msg("email: publish failed")
			h.Status = models.HistoryFailedCreation
			h.Details["error_message"] = err.Error()
		}
		out = append(out, h)
	}
	return out
}
