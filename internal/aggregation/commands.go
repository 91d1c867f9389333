package aggregation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/util"
)

// Coordinates of the command and digest event types.
const (
	CommandBundle      = "console"
	CommandApplication = "notifications"
	CommandEventType   = "aggregation"
	DigestEventType    = "daily-digest"
)

// ErrInvalidCommand marks an aggregation command that cannot be run.
var ErrInvalidCommand = errors.New("aggregation: invalid command")

// IsCommand reports whether the event carries aggregation commands.
func IsCommand(key models.EventTypeKey) bool {
	return key.Bundle == CommandBundle && key.Application == CommandApplication && key.EventType == CommandEventType
}

type commandWire struct {
	Key struct {
		OrgID       string `json:"orgId"`
		Bundle      string `json:"bundle"`
		Application string `json:"application"`
	} `json:"aggregationKey"`
	Start            string `json:"start"`
	End              string `json:"end"`
	SubscriptionType string `json:"subscriptionType"`
}

// ParseCommands decodes the commands carried in the payloads of an
// aggregation action. Invalid entries are returned as errors next to the
// valid commands.
func ParseCommands(event *models.Event) ([]models.AggregationCommand, []error) {
	var (
		cmds []models.AggregationCommand
		errs []error
	)
	for i, ev := range event.Envelope.Events() {
		cmd, err := parseCommand(ev.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: events[%d]: %v", ErrInvalidCommand, i, err))
			continue
		}
		if event.OrgID != "" && cmd.Key.OrgID != event.OrgID {
			errs = append(errs, fmt.Errorf("%w: events[%d]: org %q does not match event org", ErrInvalidCommand, i, cmd.Key.OrgID))
			continue
		}
		cmds = append(cmds, cmd)
	}
	return cmds, errs
}

func parseCommand(payload map[string]any) (models.AggregationCommand, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.AggregationCommand{}, err
	}
	var w commandWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return models.AggregationCommand{}, err
	}
	if err := util.RequireFields(
		[2]string{"aggregationKey.orgId", w.Key.OrgID},
		[2]string{"aggregationKey.bundle", w.Key.Bundle},
		[2]string{"aggregationKey.application", w.Key.Application},
		[2]string{"start", w.Start},
		[2]string{"end", w.End},
	); err != nil {
		return models.AggregationCommand{}, err
	}
	start, err := util.ParseTimestamp(w.Start)
	if err != nil {
		return models.AggregationCommand{}, fmt.Errorf("start: %w", err)
	}
	end, err := util.ParseTimestamp(w.End)
	if err != nil {
		return models.AggregationCommand{}, fmt.Errorf("end: %w", err)
	}
	if !start.Before(end) {
		return models.AggregationCommand{}, errors.New("start must be before end")
	}

	typ := models.SubscriptionType(strings.ToUpper(strings.TrimSpace(w.SubscriptionType)))
	if typ == "" {
		typ = models.SubscriptionDaily
	}
	if typ != models.SubscriptionDaily {
		return models.AggregationCommand{}, fmt.Errorf("unsupported subscription type %q", typ)
	}

	return models.AggregationCommand{
		Key: models.AggregationKey{
			OrgID:       w.Key.OrgID,
			Bundle:      w.Key.Bundle,
			Application: w.Key.Application,
		},
		Start:            start,
		End:              end,
		SubscriptionType: typ,
	}, nil
}
