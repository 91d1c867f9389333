package models

import "time"

// Event is a persisted, immutable, validated inbound event bound to its
// resolved event type.
type Event struct {
	ID            string       `gorm:"primaryKey;size:36" json:"id"`
	OrgID         string       `gorm:"index;size:50;not null" json:"org_id"`
	AccountID     string       `gorm:"size:50" json:"account_id,omitempty"`
	EventTypeID   string       `gorm:"index;size:36;not null" json:"event_type_id"`
	MessageID     *string      `gorm:"size:36" json:"message_id,omitempty"`
	EnvelopeKind  EnvelopeKind `gorm:"size:20" json:"envelope_kind"`
	Payload       string       `gorm:"type:text" json:"payload"`
	DisplayName   string       `gorm:"size:255" json:"display_name,omitempty"`
	Created       time.Time    `gorm:"index;not null" json:"created"`
	EventType     *EventType   `gorm:"foreignKey:EventTypeID" json:"event_type,omitempty"`
	Envelope      *Envelope    `gorm:"-" json:"-"`
	DigestPayload *Digest      `gorm:"-" json:"-"`
}

// IsDigest reports whether this event was synthesised by the aggregation
// engine rather than ingested.
func (e *Event) IsDigest() bool {
	return e != nil && e.DigestPayload != nil
}

// Digest is the rendered body of an aggregated digest plus the recipients it
// was computed for.
type Digest struct {
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Recipients []string `json:"recipients"`
	Bundle     string   `json:"bundle"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
}
