package routing

import (
	"sort"

	"github.com/example/notifications-engine/internal/models"
)

// kindOrder fixes the dispatch order of known kinds. Unknown kinds follow,
// sorted by name.
var kindOrder = []models.EndpointType{
	models.EndpointWebhook,
	models.EndpointAnsible,
	models.EndpointCamel,
	models.EndpointEmailSubscription,
	models.EndpointDrawer,
}

// Recipients carries the user-level targeting of an implicit kind.
type Recipients struct {
	Subscribers         []string
	Unsubscribers       []string
	SubscribedByDefault bool
	Settings            []models.Recipient
	// Users is a precomputed recipient list; set for digests.
	Users []string
}

// Destinations groups resolved endpoints by kind.
type Destinations struct {
	byKind     map[models.EndpointType][]models.Endpoint
	seen       map[string]struct{}
	recipients map[models.EndpointType]Recipients
}

// NewDestinations builds a grouping out of the given endpoints.
func NewDestinations(endpoints ...models.Endpoint) *Destinations {
	d := &Destinations{
		byKind:     map[models.EndpointType][]models.Endpoint{},
		seen:       map[string]struct{}{},
		recipients: map[models.EndpointType]Recipients{},
	}
	for _, ep := range endpoints {
		d.Add(ep)
	}
	return d
}

// Add appends an endpoint unless it is already present.
func (d *Destinations) Add(ep models.Endpoint) {
	if _, dup := d.seen[ep.ID]; dup {
		return
	}
	d.seen[ep.ID] = struct{}{}
	d.byKind[ep.Type] = append(d.byKind[ep.Type], ep)
}

// SetRecipients attaches recipient targeting to a kind.
func (d *Destinations) SetRecipients(kind models.EndpointType, r Recipients) {
	d.recipients[kind] = r
}

// Recipients returns the targeting of a kind.
func (d *Destinations) Recipients(kind models.EndpointType) Recipients {
	return d.recipients[kind]
}

// Endpoints returns the endpoints of a kind in insertion order.
func (d *Destinations) Endpoints(kind models.EndpointType) []models.Endpoint {
	return d.byKind[kind]
}

// Kinds returns every non-empty kind in dispatch order.
func (d *Destinations) Kinds() []models.EndpointType {
	known := make(map[models.EndpointType]struct{}, len(kindOrder))
	out := make([]models.EndpointType, 0, len(d.byKind))
	for _, k := range kindOrder {
		known[k] = struct{}{}
		if len(d.byKind[k]) > 0 {
			out = append(out, k)
		}
	}
	var unknown []models.EndpointType
	for k, eps := range d.byKind {
		if _, ok := known[k]; !ok && len(eps) > 0 {
			unknown = append(unknown, k)
		}
	}
	sort.Slice(unknown, func(i, j int) bool { return unknown[i] < unknown[j] })
	return append(out, unknown...)
}

// Len counts every endpoint.
func (d *Destinations) Len() int {
	n := 0
	for _, eps := range d.byKind {
		n += len(eps)
	}
	return n
}
