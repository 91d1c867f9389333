package models

import (
	"encoding/json"
	"time"
)

// EnvelopeKind names the wire format an event arrived in.
type EnvelopeKind string

const (
	EnvelopeAction     EnvelopeKind = "action"
	EnvelopeCloudEvent EnvelopeKind = "cloudevent"
)

// Recipient narrows who should receive an action.
type Recipient struct {
	OnlyAdmins            bool     `json:"only_admins"`
	IgnoreUserPreferences bool     `json:"ignore_user_preferences"`
	Users                 []string `json:"users,omitempty"`
	Groups                []string `json:"groups,omitempty"`
}

// Metadata is attached to a single action event.
type Metadata map[string]any

// ActionEvent is one entry of Action.Events.
type ActionEvent struct {
	Metadata Metadata       `json:"metadata"`
	Payload  map[string]any `json:"payload"`
}

// Action is the native event envelope.
type Action struct {
	ID          string         `json:"id,omitempty"`
	Version     string         `json:"version,omitempty"`
	Bundle      string         `json:"bundle"`
	Application string         `json:"application"`
	EventType   string         `json:"event_type"`
	Timestamp   time.Time      `json:"timestamp"`
	AccountID   string         `json:"account_id,omitempty"`
	OrgID       string         `json:"org_id"`
	Context     map[string]any `json:"context,omitempty"`
	Events      []ActionEvent  `json:"events"`
	Recipients  []Recipient    `json:"recipients,omitempty"`
}

// CloudEvent is the CNCF CloudEvents envelope with the tenant extensions used
// by the platform.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            *time.Time      `json:"time,omitempty"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	DataSchema      string          `json:"dataschema,omitempty"`
	OrgID           string          `json:"redhatorgid"`
	AccountID       string          `json:"redhataccount,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Envelope is the canonical form produced by the normalizer, whatever the
// wire format was.
type Envelope struct {
	Kind       EnvelopeKind
	ID         string
	OrgID      string
	AccountID  string
	Key        EventTypeKey
	Timestamp  time.Time
	Action     *Action
	CloudEvent *CloudEvent
}

// Context returns the action context, or nil for cloud events.
func (e *Envelope) Context() map[string]any {
	if e == nil || e.Action == nil {
		return nil
	}
	return e.Action.Context
}

// Events returns the action events, or nil for cloud events.
func (e *Envelope) Events() []ActionEvent {
	if e == nil || e.Action == nil {
		return nil
	}
	return e.Action.Events
}

// Recipients returns the recipient settings carried by the envelope.
func (e *Envelope) Recipients() []Recipient {
	if e == nil || e.Action == nil {
		return nil
	}
	return e.Action.Recipients
}

// ConnectorMessage is a delivery request delegated to an external connector,
// shaped as a cloud event. ID is the history id the connector echoes back
// with the outcome.
type ConnectorMessage struct {
	SpecVersion string    `json:"specversion"`
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Type        string    `json:"type"`
	Time        time.Time `json:"time"`
	OrgID       string    `json:"redhatorgid"`
	Connector   string    `json:"-"`
	Data        any       `json:"data"`
}

// ConnectorMessageType is the cloud event type of delegated requests.
const ConnectorMessageType = "com.redhat.console.notification.toCamel"

// NewConnectorMessage builds a delegated request for the given connector.
func NewConnectorMessage(historyID, orgID, connector string, data any, now time.Time) ConnectorMessage {
	return ConnectorMessage{
		SpecVersion: "1.0",
		ID:          historyID,
		Source:      "notifications",
		Type:        ConnectorMessageType + "." + connector,
		Time:        now.UTC(),
		OrgID:       orgID,
		Connector:   connector,
		Data:        data,
	}
}
