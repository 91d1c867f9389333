package models

import "time"

// EndpointType is the channel kind of a destination.
type EndpointType string

const (
	EndpointWebhook           EndpointType = "webhook"
	EndpointAnsible           EndpointType = "ansible"
	EndpointCamel             EndpointType = "camel"
	EndpointEmailSubscription EndpointType = "email_subscription"
	EndpointDrawer            EndpointType = "drawer"
)

// Connector sub-types for camel endpoints.
const (
	SubTypeSlack      = "slack"
	SubTypeTeams      = "teams"
	SubTypeGoogleChat = "google_chat"
	SubTypeServiceNow = "servicenow"
	SubTypeSplunk     = "splunk"
	SubTypePagerDuty  = "pagerduty"
)

// EndpointStatus is the provisioning/health state of a destination.
type EndpointStatus string

const (
	EndpointStatusReady        EndpointStatus = "READY"
	EndpointStatusUnknown      EndpointStatus = "UNKNOWN"
	EndpointStatusNew          EndpointStatus = "NEW"
	EndpointStatusProvisioning EndpointStatus = "PROVISIONING"
	EndpointStatusDeleting     EndpointStatus = "DELETING"
	EndpointStatusFailed       EndpointStatus = "FAILED"
)

// Endpoint is a tenant-configured destination.
type Endpoint struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id" yaml:"id"`
	OrgID             string         `gorm:"index;size:50;not null" json:"org_id" yaml:"org_id"`
	AccountID         string         `gorm:"size:50" json:"account_id,omitempty" yaml:"account_id"`
	Name              string         `gorm:"size:255;not null" json:"name" yaml:"name"`
	Type              EndpointType   `gorm:"index;size:50;not null" json:"type" yaml:"type"`
	SubType           string         `gorm:"size:50" json:"sub_type,omitempty" yaml:"sub_type"`
	Enabled           bool           `gorm:"not null" json:"enabled" yaml:"enabled"`
	Status            EndpointStatus `gorm:"size:20;not null" json:"status" yaml:"status"`
	ServerErrors      int            `gorm:"not null;default:0" json:"server_errors" yaml:"-"`
	ServerErrorsSince *time.Time     `json:"server_errors_since,omitempty" yaml:"-"`
	Properties        JSONMap        `json:"properties" yaml:"properties"`
	Created           time.Time      `json:"created" yaml:"-"`
	Updated           *time.Time     `json:"updated,omitempty" yaml:"-"`
}

// IsSystem reports whether the endpoint is an implicit system subscription.
func (e *Endpoint) IsSystem() bool {
	return e.Type == EndpointEmailSubscription || e.Type == EndpointDrawer
}

// WebhookProperties configures webhook and ansible endpoints.
type WebhookProperties struct {
	URL                    string               `json:"url"`
	Method                 string               `json:"method"`
	DisableSSLVerification bool                 `json:"disable_ssl_verification"`
	SecretToken            string               `json:"secret_token,omitempty"`
	BasicAuthentication    *BasicAuthentication `json:"basic_authentication,omitempty"`
}

// BasicAuthentication holds webhook basic auth credentials.
type BasicAuthentication struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SystemSubscriptionProperties configures email and drawer system endpoints.
type SystemSubscriptionProperties struct {
	OnlyAdmins        bool   `json:"only_admins"`
	IgnorePreferences bool   `json:"ignore_preferences"`
	GroupID           string `json:"group_id,omitempty"`
}

// EndpointEventType links an endpoint explicitly to an event type.
type EndpointEventType struct {
	EndpointID  string `gorm:"primaryKey;size:36" json:"endpoint_id" yaml:"endpoint_id"`
	EventTypeID string `gorm:"primaryKey;size:36" json:"event_type_id" yaml:"event_type_id"`
}
