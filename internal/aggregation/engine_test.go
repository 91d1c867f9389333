package aggregation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notifications-engine/internal/aggregation"
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
        display_name: Advisor
        aggregation_enabled: true
        event_types:
          - name: new-recommendation
      - name: policies
        display_name: Policies
        aggregation_enabled: true
        event_types:
          - name: policy-triggered
      - name: patch
        display_name: Patch
        aggregation_enabled: true
        event_types:
          - name: critical-advisory
            subscribed_by_default: true
            subscription_locked: true
          - name: advisory
            subscribed_by_default: true
      - name: compliance
        display_name: Compliance
        aggregation_enabled: true
        event_types:
          - name: report
          - name: scan
  - name: console
    applications:
      - name: notifications
        event_types:
          - name: aggregation
          - name: daily-digest
subscriptions:
  - {org_id: org-1, username: alice, event_type: rhel/advisor/new-recommendation, type: DAILY, subscribed: true}
  - {org_id: org-1, username: carol, event_type: rhel/advisor/new-recommendation, type: DAILY, subscribed: true}
  - {org_id: org-1, username: alice, event_type: rhel/policies/policy-triggered, type: DAILY, subscribed: true}
  - {org_id: org-1, username: carol, event_type: rhel/policies/policy-triggered, type: DAILY, subscribed: true}
  - {org_id: org-1, username: bob, event_type: rhel/advisor/new-recommendation, type: DAILY, subscribed: true}
  - {org_id: org-1, username: bob, event_type: rhel/patch/critical-advisory, type: DAILY, subscribed: false}
  - {org_id: org-1, username: bob, event_type: rhel/patch/advisory, type: DAILY, subscribed: false}
  - {org_id: org-1, username: alice, event_type: rhel/compliance/report, type: DAILY, subscribed: true}
  - {org_id: org-1, username: carol, event_type: rhel/compliance/report, type: DAILY, subscribed: true}
  - {org_id: org-1, username: bob, event_type: rhel/compliance/scan, type: DAILY, subscribed: true}
`

var (
	windowStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.Add(24 * time.Hour)
)

type dispatcherStub struct {
	mu    sync.Mutex
	calls []dispatched
}

type dispatched struct {
	event *models.Event
	dest  *routing.Destinations
}

func (d *dispatcherStub) Dispatch(_ context.Context, event *models.Event, dest *routing.Destinations) routing.DispatchResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{event: event, dest: dest})
	return routing.DispatchResult{}
}

type failingRenderer struct {
	*aggregation.TemplateRenderer
	failApp string
}

func (r failingRenderer) RenderSection(data aggregation.SectionData) (string, error) {
	if data.Application == r.failApp {
		return "", errors.New("template exploded")
	}
	return r.TemplateRenderer.RenderSection(data)
}

// brokenRowRenderer fails any section holding a row flagged "broken".
type brokenRowRenderer struct {
	*aggregation.TemplateRenderer
}

func (r brokenRowRenderer) RenderSection(data aggregation.SectionData) (string, error) {
	for _, ev := range data.Events {
		if ev["broken"] == true {
			return "", errors.New("template exploded")
		}
	}
	return r.TemplateRenderer.RenderSection(data)
}

type fixture struct {
	store      *store.Store
	engine     *aggregation.Engine
	dispatcher *dispatcherStub
	metrics    *metrics.Registry
}

func newFixture(t *testing.T, renderer aggregation.Renderer) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	seed, err := store.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, st.ApplySeed(ctx, seed))

	if renderer == nil {
		renderer = aggregation.NewTemplateRenderer(map[string]string{
			"rhel/advisor":  "{{ .Count }} advisor events",
			"rhel/policies": "{{ .Count }} policy events",
			"rhel/patch":    "{{ .Count }} patch events",
		}, nil)
	}
	f := &fixture{store: st, dispatcher: &dispatcherStub{}, metrics: metrics.NewRegistry()}
	f.engine, err = aggregation.NewEngine(aggregation.Dependencies{
		Store:      st,
		Dispatcher: f.dispatcher,
		Renderer:   renderer,
		PageSize:   2,
		Metrics:    f.metrics,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) buffer(t *testing.T, app, eventType string, created time.Time) string {
	t.Helper()
	row := &models.EventAggregation{
		OrgID:       "org-1",
		Bundle:      "rhel",
		Application: app,
		EventType:   eventType,
		EventTypeID: store.SeedID("rhel", app, eventType),
		Created:     created,
		Payload:     models.JSONMap{"app": app},
	}
	require.NoError(t, f.store.AddAggregation(context.Background(), row))
	return row.ID
}

func command(app string) models.AggregationCommand {
	return models.AggregationCommand{
		Key:              models.AggregationKey{OrgID: "org-1", Bundle: "rhel", Application: app},
		Start:            windowStart,
		End:              windowEnd,
		SubscriptionType: models.SubscriptionDaily,
	}
}

func TestBuildDigestHonoursHalfOpenWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.buffer(t, "advisor", "new-recommendation", windowStart.Add(-time.Nanosecond))
	f.buffer(t, "advisor", "new-recommendation", windowStart)
	f.buffer(t, "advisor", "new-recommendation", windowStart.Add(time.Hour))
	f.buffer(t, "advisor", "new-recommendation", windowStart.Add(2*time.Hour))
	f.buffer(t, "advisor", "new-recommendation", windowEnd)

	digests, err := f.engine.BuildDigest(ctx, command("advisor"))
	require.NoError(t, err)

	// alice, bob and carol all receive the same advisor rows.
	require.Len(t, digests, 1)
	d := digests[0].DigestPayload
	assert.Equal(t, []string{"alice", "bob", "carol"}, d.Recipients)
	assert.Contains(t, d.Body, "3 advisor events")

	left, err := f.store.CountAggregations(ctx, models.AggregationKey{OrgID: "org-1", Bundle: "rhel", Application: "advisor"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), left, "rows outside the window survive the purge")
	assert.Equal(t, int64(1), f.metrics.Count(metrics.AggregationCommandProcessed, metrics.BundleApp("rhel", "advisor")...))
}

func TestBuildDigestGroupsIdenticalRecipients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.buffer(t, "advisor", "new-recommendation", windowStart.Add(time.Hour))
	f.buffer(t, "policies", "policy-triggered", windowStart.Add(time.Hour))

	digests, err := f.engine.BuildDigest(ctx, command("advisor"), command("policies"))
	require.NoError(t, err)

	require.Len(t, digests, 2)
	assert.Equal(t, []string{"alice", "carol"}, digests[0].DigestPayload.Recipients)
	assert.Contains(t, digests[0].DigestPayload.Body, "1 policy events")
	assert.Equal(t, []string{"bob"}, digests[1].DigestPayload.Recipients)
	assert.NotContains(t, digests[1].DigestPayload.Body, "policy")

	require.Len(t, f.dispatcher.calls, 2)
	call := f.dispatcher.calls[0]
	assert.Equal(t, aggregation.DigestEventType, call.event.EventType.Name)
	eps := call.dest.Endpoints(models.EndpointEmailSubscription)
	require.Len(t, eps, 1)
	assert.Equal(t, []string{"alice", "carol"}, call.dest.Recipients(models.EndpointEmailSubscription).Users)

	stored, err := f.store.GetEvent(ctx, digests[0].ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Payload, "alice")
}

func TestBuildDigestIsolatesRenderFailures(t *testing.T) {
	ctx := context.Background()
	renderer := failingRenderer{
		TemplateRenderer: aggregation.NewTemplateRenderer(map[string]string{"rhel/advisor": "{{ .Count }} advisor events"}, nil),
		failApp:          "policies",
	}
	f := newFixture(t, renderer)

	f.buffer(t, "advisor", "new-recommendation", windowStart.Add(time.Hour))
	f.buffer(t, "policies", "policy-triggered", windowStart.Add(time.Hour))

	digests, err := f.engine.BuildDigest(ctx, command("advisor"), command("policies"))
	require.NoError(t, err)

	require.NotEmpty(t, digests)
	for _, d := range digests {
		assert.Contains(t, d.DigestPayload.Body, "advisor events")
		assert.NotContains(t, d.DigestPayload.Body, "Policies")
	}

	advisorLeft, err := f.store.CountAggregations(ctx, models.AggregationKey{OrgID: "org-1", Bundle: "rhel", Application: "advisor"})
	require.NoError(t, err)
	policiesLeft, err := f.store.CountAggregations(ctx, models.AggregationKey{OrgID: "org-1", Bundle: "rhel", Application: "policies"})
	require.NoError(t, err)
	assert.Zero(t, advisorLeft)
	assert.Equal(t, int64(1), policiesLeft)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.AggregationRenderError, metrics.BundleApp("rhel", "policies")...))
}

func TestBuildDigestEmptyWindow(t *testing.T) {
	f := newFixture(t, nil)

	digests, err := f.engine.BuildDigest(context.Background(), command("advisor"))
	require.NoError(t, err)
	assert.Empty(t, digests)
	assert.Empty(t, f.dispatcher.calls)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.AggregationDigestEmpty, attribute.String(metrics.KeyBundle, "rhel")))
}

func TestBuildDigestRejectsMixedKeys(t *testing.T) {
	f := newFixture(t, nil)
	other := command("advisor")
	other.Key.OrgID = "org-2"

	_, err := f.engine.BuildDigest(context.Background(), command("advisor"), other)
	require.ErrorIs(t, err, aggregation.ErrInvalidCommand)
}

func TestBuildDigestUnknownApplicationKeepsGoing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.buffer(t, "advisor", "new-recommendation", windowStart.Add(time.Hour))

	digests, err := f.engine.BuildDigest(ctx, command("advisor"), command("ghost"))
	require.NoError(t, err)
	assert.Len(t, digests, 1)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.AggregationCommandError, metrics.BundleApp("rhel", "ghost")...))
}

func TestBuildDigestLockedTypeIgnoresOptOuts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	f.buffer(t, "patch", "critical-advisory", windowStart.Add(time.Hour))
	f.buffer(t, "patch", "advisory", windowStart.Add(2*time.Hour))

	digests, err := f.engine.BuildDigest(ctx, command("patch"))
	require.NoError(t, err)

	// bob opted out of both types; only the unlocked opt-out applies.
	require.Len(t, digests, 2)
	assert.Equal(t, []string{"alice", "carol"}, digests[0].DigestPayload.Recipients)
	assert.Contains(t, digests[0].DigestPayload.Body, "2 patch events")
	assert.Equal(t, []string{"bob"}, digests[1].DigestPayload.Recipients)
	assert.Contains(t, digests[1].DigestPayload.Body, "1 patch events")
}

func TestBuildDigestKeepsOnlyRowsOfFailedSections(t *testing.T) {
	ctx := context.Background()
	renderer := brokenRowRenderer{TemplateRenderer: aggregation.NewTemplateRenderer(nil, nil)}
	f := newFixture(t, renderer)
	key := models.AggregationKey{OrgID: "org-1", Bundle: "rhel", Application: "compliance"}

	broken := &models.EventAggregation{
		OrgID: "org-1", Bundle: "rhel", Application: "compliance", EventType: "report",
		EventTypeID: store.SeedID("rhel", "compliance", "report"),
		Created:     windowStart.Add(time.Hour),
		Payload:     models.JSONMap{"broken": true},
	}
	require.NoError(t, f.store.AddAggregation(ctx, broken))
	f.buffer(t, "compliance", "scan", windowStart.Add(time.Hour))

	digests, err := f.engine.BuildDigest(ctx, command("compliance"))
	require.NoError(t, err)

	require.Len(t, digests, 1)
	assert.Equal(t, []string{"bob"}, digests[0].DigestPayload.Recipients)

	left, err := f.store.FetchAggregations(ctx, key, windowStart, windowEnd, 0, 10)
	require.NoError(t, err)
	require.Len(t, left, 1, "the row bob received is purged")
	assert.Equal(t, broken.ID, left[0].ID)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.AggregationRenderError, metrics.BundleApp("rhel", "compliance")...))
	assert.Zero(t, f.metrics.Count(metrics.AggregationCommandProcessed, metrics.BundleApp("rhel", "compliance")...))
}
