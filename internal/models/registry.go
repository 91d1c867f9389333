package models

import (
	"fmt"
	"strings"
)

// Bundle groups applications (e.g. "rhel", "console").
type Bundle struct {
	ID          string `gorm:"primaryKey;size:36" json:"id" yaml:"id"`
	Name        string `gorm:"uniqueIndex;size:255;not null" json:"name" yaml:"name"`
	DisplayName string `gorm:"size:255" json:"display_name" yaml:"display_name"`
}

// Application belongs to a bundle and owns event types.
type Application struct {
	ID                 string  `gorm:"primaryKey;size:36" json:"id"`
	BundleID           string  `gorm:"uniqueIndex:idx_app_bundle_name;size:36;not null" json:"bundle_id"`
	Name               string  `gorm:"uniqueIndex:idx_app_bundle_name;size:255;not null" json:"name"`
	DisplayName        string  `gorm:"size:255" json:"display_name"`
	AggregationEnabled bool    `json:"aggregation_enabled"`
	Bundle             *Bundle `gorm:"foreignKey:BundleID" json:"bundle,omitempty"`
}

// EventType is a (bundle, application, name) triplet. The engine treats event
// types as read-only reference data.
type EventType struct {
	ID                  string       `gorm:"primaryKey;size:36" json:"id"`
	ApplicationID       string       `gorm:"uniqueIndex:idx_event_type_app_name;size:36;not null" json:"application_id"`
	Name                string       `gorm:"uniqueIndex:idx_event_type_app_name;size:255;not null" json:"name"`
	DisplayName         string       `gorm:"size:255" json:"display_name"`
	FullyQualifiedName  string       `gorm:"index;size:512" json:"fully_qualified_name"`
	SubscribedByDefault bool         `json:"subscribed_by_default"`
	SubscriptionLocked  bool         `json:"subscription_locked"`
	Application         *Application `gorm:"foreignKey:ApplicationID" json:"application,omitempty"`
}

// BundleName returns the owning bundle name when the relation was loaded.
func (et *EventType) BundleName() string {
	if et == nil || et.Application == nil || et.Application.Bundle == nil {
		return ""
	}
	return et.Application.Bundle.Name
}

// ApplicationName returns the owning application name when loaded.
func (et *EventType) ApplicationName() string {
	if et == nil || et.Application == nil {
		return ""
	}
	return et.Application.Name
}

// Key rebuilds the triplet key of a loaded event type.
func (et *EventType) Key() EventTypeKey {
	return TripletKey(et.BundleName(), et.ApplicationName(), et.Name)
}

// FQNPrefix is prepended to bundle/application/event type when deriving a
// fully qualified name.
const FQNPrefix = "com.redhat.console"

// DeriveFQN builds the fully qualified name used by CloudEvents.
func DeriveFQN(bundle, application, eventType string) string {
	return strings.Join([]string{FQNPrefix, bundle, application, eventType}, ".")
}

// EventTypeKey identifies an event type either by triplet or by FQN.
type EventTypeKey struct {
	Bundle      string
	Application string
	EventType   string
	FQN         string
}

// TripletKey builds a key out of bundle, application and event type names.
func TripletKey(bundle, application, eventType string) EventTypeKey {
	return EventTypeKey{Bundle: bundle, Application: application, EventType: eventType}
}

// FQNKey builds a key out of a fully qualified event type name.
func FQNKey(fqn string) EventTypeKey {
	return EventTypeKey{FQN: fqn}
}

// IsFQN reports whether the key carries a fully qualified name.
func (k EventTypeKey) IsFQN() bool {
	return k.FQN != ""
}

// Equal compares keys field by field.
func (k EventTypeKey) Equal(other EventTypeKey) bool {
	return k == other
}

func (k EventTypeKey) String() string {
	if k.IsFQN() {
		return k.FQN
	}
	return fmt.Sprintf("%s/%s/%s", k.Bundle, k.Application, k.EventType)
}
