package routing_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/routing"
	"github.com/example/notifications-engine/internal/store"
)

const seedYAML = `
bundles:
  - name: rhel
    applications:
      - name: advisor
        event_types:
          - name: new-recommendation
            subscribed_by_default: true
          - name: opt-in-only
          - name: locked
            subscription_locked: true
endpoints:
  - org_id: org-1
    name: hook
    type: webhook
    enabled: true
    event_types: ["rhel/advisor/new-recommendation", "rhel/advisor/opt-in-only", "rhel/advisor/locked"]
  - org_id: org-1
    name: slack
    type: camel
    sub_type: slack
    enabled: true
    event_types: ["rhel/advisor/new-recommendation"]
  - org_id: org-1
    name: custom
    type: pigeon
    enabled: true
    event_types: ["rhel/advisor/new-recommendation"]
  - org_id: org-1
    name: off
    type: webhook
    enabled: false
    event_types: ["rhel/advisor/new-recommendation"]
subscriptions:
  - {org_id: org-1, username: alice, event_type: rhel/advisor/new-recommendation, type: INSTANT, subscribed: false}
  - {org_id: org-1, username: bob, event_type: rhel/advisor/locked, type: INSTANT, subscribed: true}
  - {org_id: org-1, username: carol, event_type: rhel/advisor/locked, type: INSTANT, subscribed: false}
`

func openSeeded(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	seed, err := store.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, s.ApplySeed(ctx, seed))
	return s
}

func eventFor(t *testing.T, s *store.Store, name string) *models.Event {
	t.Helper()
	et, err := s.ResolveEventType(context.Background(), models.TripletKey("rhel", "advisor", name))
	require.NoError(t, err)
	return &models.Event{ID: "ev-" + name, OrgID: "org-1", EventTypeID: et.ID, EventType: et, Envelope: &models.Envelope{}}
}

func TestResolveGroupsByKindInStableOrder(t *testing.T) {
	s := openSeeded(t)
	dest := routing.NewResolver(s, zerolog.Nop()).Resolve(context.Background(), eventFor(t, s, "new-recommendation"))

	assert.Equal(t, []models.EndpointType{
		models.EndpointWebhook,
		models.EndpointCamel,
		models.EndpointEmailSubscription,
		models.EndpointDrawer,
		"pigeon",
	}, dest.Kinds())
	require.Len(t, dest.Endpoints(models.EndpointWebhook), 1, "disabled endpoints are excluded")
	assert.Equal(t, "hook", dest.Endpoints(models.EndpointWebhook)[0].Name)

	email := dest.Recipients(models.EndpointEmailSubscription)
	assert.True(t, email.SubscribedByDefault)
	assert.Equal(t, []string{"alice"}, email.Unsubscribers)
}

func TestResolveOptInOnlyWithoutSubscribers(t *testing.T) {
	s := openSeeded(t)
	dest := routing.NewResolver(s, zerolog.Nop()).Resolve(context.Background(), eventFor(t, s, "opt-in-only"))
	assert.Equal(t, []models.EndpointType{models.EndpointWebhook}, dest.Kinds())
}

func TestResolveLockedIgnoresUnsubscribes(t *testing.T) {
	s := openSeeded(t)
	dest := routing.NewResolver(s, zerolog.Nop()).Resolve(context.Background(), eventFor(t, s, "locked"))

	require.Len(t, dest.Endpoints(models.EndpointEmailSubscription), 1)
	rec := dest.Recipients(models.EndpointEmailSubscription)
	assert.Equal(t, []string{"bob"}, rec.Subscribers)
	assert.Empty(t, rec.Unsubscribers)
}

type failingSource struct{}

func (failingSource) ListTargetEndpoints(context.Context, string, string) ([]models.Endpoint, error) {
	return nil, errors.New("db down")
}
func (failingSource) GetOrCreateSystemEndpoint(context.Context, string, models.EndpointType) (*models.Endpoint, error) {
	return nil, errors.New("db down")
}
func (failingSource) ListSubscribers(context.Context, string, string, models.SubscriptionType) ([]string, error) {
	return nil, errors.New("db down")
}
func (failingSource) ListUnsubscribers(context.Context, string, string, models.SubscriptionType) ([]string, error) {
	return nil, errors.New("db down")
}

func TestResolveFailureYieldsEmptyGrouping(t *testing.T) {
	ev := &models.Event{ID: "e", OrgID: "org-1", EventType: &models.EventType{ID: "et", SubscribedByDefault: true}}
	dest := routing.NewResolver(failingSource{}, zerolog.Nop()).Resolve(context.Background(), ev)
	assert.Zero(t, dest.Len())
	assert.Empty(t, dest.Kinds())
}

type recordingProcessor struct {
	mu    sync.Mutex
	calls [][]models.Endpoint
}

func (p *recordingProcessor) Process(_ context.Context, ev *models.Event, eps []models.Endpoint, _ routing.Recipients) []*models.NotificationHistory {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, eps)
	out := make([]*models.NotificationHistory, 0, len(eps))
	for _, ep := range eps {
		out = append(out, routing.NewHistory(ev, ep, models.HistorySuccess, time.Now(), nil))
	}
	return out
}

type flakyHistory struct {
	mu     sync.Mutex
	saved  []*models.NotificationHistory
	failOn string
}

func (h *flakyHistory) CreateHistory(_ context.Context, entry *models.NotificationHistory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entry.EndpointID != nil && *entry.EndpointID == h.failOn {
		return errors.New("constraint violation")
	}
	h.saved = append(h.saved, entry)
	return nil
}

func TestDispatchCoversEveryKindAndFallsBackToNoop(t *testing.T) {
	webhook := &recordingProcessor{}
	email := &recordingProcessor{}
	drawer := &recordingProcessor{}
	registry := routing.NewRegistry(map[models.EndpointType]routing.Processor{
		models.EndpointWebhook:           webhook,
		models.EndpointEmailSubscription: email,
		models.EndpointDrawer:            drawer,
	})
	history := &flakyHistory{}
	m := metrics.NewRegistry()
	d := routing.NewDispatcher(registry, history, m, zerolog.Nop())

	dest := routing.NewDestinations(
		models.Endpoint{ID: "w1", Type: models.EndpointWebhook},
		models.Endpoint{ID: "e1", Type: models.EndpointEmailSubscription},
		models.Endpoint{ID: "d1", Type: models.EndpointDrawer},
		models.Endpoint{ID: "u1", Type: "unknown-kind"},
	)
	res := d.Dispatch(context.Background(), &models.Event{ID: "ev"}, dest)

	assert.Len(t, webhook.calls, 1)
	assert.Len(t, email.calls, 1)
	assert.Len(t, drawer.calls, 1)
	assert.Equal(t, 3, res.Persisted, "unknown kind produces no history entries")
	assert.Equal(t, int64(1), m.Count(metrics.ProcessorProcessed))
}

func TestDispatchPersistFailureDoesNotAbortOthers(t *testing.T) {
	proc := &recordingProcessor{}
	registry := routing.NewRegistry(map[models.EndpointType]routing.Processor{models.EndpointWebhook: proc})
	history := &flakyHistory{failOn: "w2"}
	m := metrics.NewRegistry()
	d := routing.NewDispatcher(registry, history, m, zerolog.Nop())

	dest := routing.NewDestinations(
		models.Endpoint{ID: "w1", Type: models.EndpointWebhook},
		models.Endpoint{ID: "w2", Type: models.EndpointWebhook},
		models.Endpoint{ID: "w3", Type: models.EndpointWebhook},
	)
	res := d.Dispatch(context.Background(), &models.Event{ID: "ev"}, dest)

	assert.Equal(t, 2, res.Persisted)
	assert.Equal(t, 1, res.PersistFailed)
	assert.Len(t, history.saved, 2)
	assert.Equal(t, int64(1), m.Total(metrics.HistoryPersistError))
}

func TestDestinationsDeduplicateEndpoints(t *testing.T) {
	dest := routing.NewDestinations(
		models.Endpoint{ID: "a", Type: models.EndpointWebhook},
		models.Endpoint{ID: "a", Type: models.EndpointWebhook},
	)
	assert.Equal(t, 1, dest.Len())
}
