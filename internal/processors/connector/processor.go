package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/processors"
	"github.com/example/notifications-engine/internal/routing"
)

// DefaultConnector handles camel endpoints without a sub-type.
const DefaultConnector = "camel"

// Processor delegates camel endpoints to the connector named by their
// sub-type.
type Processor struct {
	sender processors.ConnectorSender
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a connector processor.
func New(sender processors.ConnectorSender, log zerolog.Logger) *Processor {
	return &Processor{
		sender: sender,
		logger: logger.Component(log, "connector_processor"),
		now:    time.Now,
	}
}

// Process implements routing.Processor.
func (p *Processor) Process(ctx context.Context, event *models.Event, endpoints []models.Endpoint, _ routing.Recipients) []*models.NotificationHistory {
	payload := processors.Payload(event)
	out := make([]*models.NotificationHistory, 0, len(endpoints))
	for _, ep := range endpoints {
		started := time.Now()
		name := ep.SubType
		if name == "" {
			name = DefaultConnector
		}
		h := routing.NewHistory(event, ep, models.HistoryProcessing, time.Time{}, map[string]any{"connector": name})

		data := map[string]any{
			"notif-metadata": map[string]any(ep.Properties),
			"org_id":         event.OrgID,
			"payload":        payload,
		}
		msg := models.NewConnectorMessage(h.ID, event.OrgID, name, data, p.now())
		if err := p.sender.SendConnector(ctx, msg); err != nil {
			p.logger.Error().Err(err).
				Str("event_id", event.ID).
				Str("endpoint_id", ep.ID).
				Str("connector", name).
				Msg("connector: publish failed")
			h.Status = models.HistoryFailedCreation
			h.Details["error_message"] = err.Error()
		}
		h.InvocationTime = time.Since(started).Milliseconds()
		out = append(out, h)
	}
	return out
}
