package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/util"
)

// ErrUnparseable is returned when no parser accepts a payload.
var ErrUnparseable = errors.New("ingress: unparseable payload")

// Parser turns a raw payload into the canonical envelope.
type Parser interface {
	Name() string
	Parse(payload []byte) (*models.Envelope, error)
}

// Normalizer tries its parsers in order; the first success wins.
type Normalizer struct {
	parsers []Parser
}

// NewNormalizer builds a normalizer. With no parsers it tries the action
// format first, then CloudEvents.
func NewNormalizer(parsers ...Parser) *Normalizer {
	if len(parsers) == 0 {
		parsers = []Parser{ActionParser{}, CloudEventParser{}}
	}
	return &Normalizer{parsers: parsers}
}

// Normalize parses payload or returns ErrUnparseable carrying every parser's
// failure.
func (n *Normalizer) Normalize(payload []byte) (*models.Envelope, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUnparseable)
	}
	var causes []string
	for _, p := range n.parsers {
		env, err := p.Parse(payload)
		if err == nil {
			return env, nil
		}
		causes = append(causes, fmt.Sprintf("%s: %v", p.Name(), err))
	}
	return nil, fmt.Errorf("%w: %s", ErrUnparseable, strings.Join(causes, "; "))
}

type actionWire struct {
	ID          string               `json:"id"`
	Version     string               `json:"version"`
	Bundle      string               `json:"bundle"`
	Application string               `json:"application"`
	EventType   string               `json:"event_type"`
	Timestamp   string               `json:"timestamp"`
	AccountID   string               `json:"account_id"`
	OrgID       string               `json:"org_id"`
	Context     map[string]any       `json:"context"`
	Events      []models.ActionEvent `json:"events"`
	Recipients  []models.Recipient   `json:"recipients"`
}

// ActionParser accepts the native action envelope.
type ActionParser struct{}

// Name implements Parser.
func (ActionParser) Name() string { return "action" }

// Parse implements Parser.
func (ActionParser) Parse(payload []byte) (*models.Envelope, error) {
	var w actionWire
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := util.RequireFields(
		[2]string{"bundle", w.Bundle},
		[2]string{"application", w.Application},
		[2]string{"event_type", w.EventType},
		[2]string{"org_id", w.OrgID},
	); err != nil {
		return nil, err
	}

	var id string
	if strings.TrimSpace(w.ID) != "" {
		u, err := util.ParseUUID(w.ID)
		if err != nil {
			return nil, fmt.Errorf("id: %w", err)
		}
		id = u.String()
	}

	ts := time.Time{}
	if strings.TrimSpace(w.Timestamp) != "" {
		parsed, err := util.ParseTimestamp(w.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("timestamp: %w", err)
		}
		ts = parsed
	}

	action := &models.Action{
		ID:          id,
		Version:     w.Version,
		Bundle:      w.Bundle,
		Application: w.Application,
		EventType:   w.EventType,
		Timestamp:   ts,
		AccountID:   w.AccountID,
		OrgID:       w.OrgID,
		Context:     w.Context,
		Events:      w.Events,
		Recipients:  w.Recipients,
	}
	if action.Events == nil {
		action.Events = []models.ActionEvent{}
	}

	return &models.Envelope{
		Kind:      models.EnvelopeAction,
		ID:        id,
		OrgID:     w.OrgID,
		AccountID: w.AccountID,
		Key:       models.TripletKey(w.Bundle, w.Application, w.EventType),
		Timestamp: ts,
		Action:    action,
	}, nil
}

// CloudEventParser accepts CloudEvents carrying the tenant extensions.
type CloudEventParser struct{}

// Name implements Parser.
func (CloudEventParser) Name() string { return "cloudevent" }

// Parse implements Parser.
func (CloudEventParser) Parse(payload []byte) (*models.Envelope, error) {
	var ce models.CloudEvent
	if err := json.Unmarshal(payload, &ce); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := util.RequireFields(
		[2]string{"specversion", ce.SpecVersion},
		[2]string{"id", ce.ID},
		[2]string{"source", ce.Source},
		[2]string{"type", ce.Type},
		[2]string{"redhatorgid", ce.OrgID},
	); err != nil {
		return nil, err
	}
	u, err := util.ParseUUID(ce.ID)
	if err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	data := bytes.TrimSpace(ce.Data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errors.New("data must be a JSON object")
	}

	ts := time.Time{}
	if ce.Time != nil {
		ts = ce.Time.UTC()
	}

	return &models.Envelope{
		Kind:       models.EnvelopeCloudEvent,
		ID:         u.String(),
		OrgID:      ce.OrgID,
		AccountID:  ce.AccountID,
		Key:        models.FQNKey(ce.Type),
		Timestamp:  ts,
		CloudEvent: &ce,
	}, nil
}
