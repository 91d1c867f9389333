package models

import "time"

// SubscriptionType selects how a user wants to be notified.
type SubscriptionType string

const (
	SubscriptionInstant SubscriptionType = "INSTANT"
	SubscriptionDaily   SubscriptionType = "DAILY"
	SubscriptionDrawer  SubscriptionType = "DRAWER"
)

// Subscription is a per-user opt-in (Subscribed=true) or opt-out row.
type Subscription struct {
	OrgID       string           `gorm:"primaryKey;size:50" json:"org_id" yaml:"org_id"`
	Username    string           `gorm:"primaryKey;size:255" json:"username" yaml:"username"`
	EventTypeID string           `gorm:"primaryKey;size:36" json:"event_type_id" yaml:"event_type_id"`
	Type        SubscriptionType `gorm:"primaryKey;size:20" json:"type" yaml:"type"`
	Subscribed  bool             `gorm:"not null" json:"subscribed" yaml:"subscribed"`
}

// AggregationKey scopes a digest window.
type AggregationKey struct {
	OrgID       string `json:"orgId"`
	Bundle      string `json:"bundle"`
	Application string `json:"application"`
}

// AggregationCommand asks for a digest of the half-open window [Start, End).
type AggregationCommand struct {
	Key              AggregationKey   `json:"aggregationKey"`
	Start            time.Time        `json:"start"`
	End              time.Time        `json:"end"`
	SubscriptionType SubscriptionType `json:"subscriptionType"`
}

// Contains reports whether t falls inside [Start, End).
func (c AggregationCommand) Contains(t time.Time) bool {
	return !t.Before(c.Start) && t.Before(c.End)
}

// EventAggregation is a raw event buffered for a later digest.
type EventAggregation struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	OrgID       string    `gorm:"index:idx_aggregation_key;size:50;not null" json:"org_id"`
	Bundle      string    `gorm:"index:idx_aggregation_key;size:255;not null" json:"bundle"`
	Application string    `gorm:"index:idx_aggregation_key;size:255;not null" json:"application"`
	EventType   string    `gorm:"size:255;not null" json:"event_type"`
	EventTypeID string    `gorm:"size:36" json:"event_type_id"`
	Created     time.Time `gorm:"index;not null" json:"created"`
	Payload     JSONMap   `json:"payload"`
}

// KafkaMessage is the write-once deduplication record.
type KafkaMessage struct {
	ID      string    `gorm:"primaryKey;size:36"`
	Created time.Time `gorm:"not null"`
}

// DrawerEntry is an in-app notification produced by the drawer channel.
type DrawerEntry struct {
	ID      string    `gorm:"primaryKey;size:36" json:"id"`
	OrgID   string    `gorm:"index;size:50;not null" json:"org_id"`
	EventID string    `gorm:"index;size:36;not null" json:"event_id"`
	Title   string    `gorm:"size:255" json:"title"`
	Created time.Time `json:"created"`
}
