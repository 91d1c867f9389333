package processors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/notifications-engine/internal/models"
)

// ConnectorSender delegates a delivery to an external connector.
type ConnectorSender interface {
	SendConnector(ctx context.Context, msg models.ConnectorMessage) error
}

// Payload renders the outbound JSON body of an event. Cloud events are
// forwarded as received; actions are flattened with the resolved names.
func Payload(event *models.Event) map[string]any {
	out := map[string]any{
		"id":     event.ID,
		"org_id": event.OrgID,
	}
	if event.EventType != nil {
		out["bundle"] = event.EventType.BundleName()
		out["application"] = event.EventType.ApplicationName()
		out["event_type"] = event.EventType.Name
	}

	env := event.Envelope
	switch {
	case env != nil && env.CloudEvent != nil:
		var ce map[string]any
		raw, _ := json.Marshal(env.CloudEvent)
		_ = json.Unmarshal(raw, &ce)
		return ce
	case env != nil && env.Action != nil:
		a := env.Action
		out["account_id"] = a.AccountID
		out["timestamp"] = formatTime(a.Timestamp, event.Created)
		out["context"] = a.Context
		out["events"] = a.Events
	case event.IsDigest():
		out["timestamp"] = formatTime(time.Time{}, event.Created)
		out["digest"] = event.DigestPayload
	default:
		out["timestamp"] = formatTime(time.Time{}, event.Created)
	}
	return out
}

func formatTime(ts, fallback time.Time) string {
	if ts.IsZero() {
		ts = fallback
	}
	return ts.UTC().Format(time.RFC3339)
}
