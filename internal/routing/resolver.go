package routing

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/models"
)

// EndpointSource is the storage the resolver reads from.
type EndpointSource interface {
	ListTargetEndpoints(ctx context.Context, orgID, eventTypeID string) ([]models.Endpoint, error)
	GetOrCreateSystemEndpoint(ctx context.Context, orgID string, typ models.EndpointType) (*models.Endpoint, error)
	ListSubscribers(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType) ([]string, error)
	ListUnsubscribers(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType) ([]string, error)
}

// Resolver computes the destinations of an event.
type Resolver struct {
	source EndpointSource
	logger zerolog.Logger
}

// NewResolver builds a resolver on the given source.
func NewResolver(source EndpointSource, log zerolog.Logger) *Resolver {
	return &Resolver{source: source, logger: logger.Component(log, "resolver")}
}

type implicitKind struct {
	endpoint models.EndpointType
	// subscriptions lists the preference types that pull the kind in; the
	// first one drives the recipient lists.
	subscriptions []models.SubscriptionType
}

var implicitKinds = []implicitKind{
	{endpoint: models.EndpointEmailSubscription, subscriptions: []models.SubscriptionType{models.SubscriptionInstant, models.SubscriptionDaily}},
	{endpoint: models.EndpointDrawer, subscriptions: []models.SubscriptionType{models.SubscriptionDrawer}},
}

// Resolve returns the explicit endpoints linked to the event type plus the
// implicit email and drawer subscriptions. Lookup failures are logged and
// leave the affected part empty.
func (r *Resolver) Resolve(ctx context.Context, event *models.Event) *Destinations {
	dest := NewDestinations()
	if event == nil || event.EventType == nil {
		return dest
	}
	et := event.EventType
	log := r.logger.With().Str("event_id", event.ID).Str("org_id", event.OrgID).Str("event_type", et.Name).Logger()

	explicit, err := r.source.ListTargetEndpoints(ctx, event.OrgID, et.ID)
	if err != nil {
		log.Error().Err(err).Msg("resolver: explicit endpoint lookup failed")
	}
	for _, ep := range explicit {
		dest.Add(ep)
	}

	for _, kind := range implicitKinds {
		recipients, include, err := r.implicitRecipients(ctx, event, kind)
		if err != nil {
			log.Error().Err(err).Str("endpoint_type", string(kind.endpoint)).Msg("resolver: subscription lookup failed")
			continue
		}
		if len(dest.Endpoints(kind.endpoint)) > 0 {
			dest.SetRecipients(kind.endpoint, recipients)
			continue
		}
		if !include {
			continue
		}
		ep, err := r.source.GetOrCreateSystemEndpoint(ctx, event.OrgID, kind.endpoint)
		if err != nil {
			log.Error().Err(err).Str("endpoint_type", string(kind.endpoint)).Msg("resolver: system endpoint lookup failed")
			continue
		}
		if !ep.Enabled {
			continue
		}
		dest.Add(*ep)
		dest.SetRecipients(kind.endpoint, recipients)
	}

	return dest
}

func (r *Resolver) implicitRecipients(ctx context.Context, event *models.Event, kind implicitKind) (Recipients, bool, error) {
	et := event.EventType
	rec := Recipients{
		SubscribedByDefault: et.SubscribedByDefault,
		Settings:            event.Envelope.Recipients(),
	}
	include := et.SubscribedByDefault

	for i, typ := range kind.subscriptions {
		subs, err := r.source.ListSubscribers(ctx, event.OrgID, et.ID, typ)
		if err != nil {
			return Recipients{}, false, err
		}
		if len(subs) > 0 {
			include = true
		}
		if i > 0 {
			continue
		}
		rec.Subscribers = subs
		if !et.SubscriptionLocked {
			unsubs, err := r.source.ListUnsubscribers(ctx, event.OrgID, et.ID, typ)
			if err != nil {
				return Recipients{}, false, err
			}
			rec.Unsubscribers = unsubs
		}
	}
	return rec, include, nil
}
