package drawer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/routing"
)

// EntryWriter persists drawer entries.
type EntryWriter interface {
	CreateDrawerEntry(ctx context.Context, entry *models.DrawerEntry) error
}

// Processor writes in-app drawer entries synchronously.
type Processor struct {
	writer EntryWriter
	logger zerolog.Logger
}

// New builds a drawer processor.
func New(writer EntryWriter, log zerolog.Logger) *Processor {
	return &Processor{writer: writer, logger: logger.Component(log, "drawer_processor")}
}

// Process implements routing.Processor.
func (p *Processor) Process(ctx context.Context, event *models.Event, endpoints []models.Endpoint, recipients routing.Recipients) []*models.NotificationHistory {
	out := make([]*models.NotificationHistory, 0, len(endpoints))
	for _, ep := range endpoints {
		started := time.Now()
		entry := &models.DrawerEntry{OrgID: event.OrgID, EventID: event.ID, Title: title(event)}
		if err := p.writer.CreateDrawerEntry(ctx, entry); err != nil {
			p.logger.Error().Err(err).Str("event_id", event.ID).Msg("drawer: entry not stored")
			out = append(out, routing.NewHistory(event, ep, models.HistoryFailedProcessing, started, map[string]any{
				"error_message": err.Error(),
			}))
			continue
		}
		out = append(out, routing.NewHistory(event, ep, models.HistorySuccess, started, map[string]any{
			"drawer_entry_id": entry.ID,
			"recipients":      len(recipients.Subscribers),
		}))
	}
	return out
}

func title(event *models.Event) string {
	if event.DisplayName != "" {
		return event.DisplayName
	}
	if event.EventType != nil {
		if event.EventType.DisplayName != "" {
			return event.EventType.DisplayName
		}
		return event.EventType.Name
	}
	return event.ID
}
