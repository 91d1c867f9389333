package aggregation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/routing"
)

// DefaultPageSize bounds one fetch of buffered rows.
const DefaultPageSize = 100

// Store is the storage the engine reads buffered rows and preferences from.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	FetchAggregations(ctx context.Context, key models.AggregationKey, start, end time.Time, offset, limit int) ([]models.EventAggregation, error)
	DeleteAggregations(ctx context.Context, ids []string) (int64, error)
	ListSubscribers(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType) ([]string, error)
	ListUnsubscribers(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType) ([]string, error)
	ListOrgUsers(ctx context.Context, orgID string) ([]string, error)
	FindApplication(ctx context.Context, bundle, application string) (*models.Application, error)
	ListEventTypes(ctx context.Context, applicationID string) ([]models.EventType, error)
	ResolveEventType(ctx context.Context, key models.EventTypeKey) (*models.EventType, error)
	CreateEvent(ctx context.Context, event *models.Event) error
	GetOrCreateSystemEndpoint(ctx context.Context, orgID string, typ models.EndpointType) (*models.Endpoint, error)
}

// Dispatcher delivers a digest event to its destinations.
type Dispatcher interface {
	Dispatch(ctx context.Context, event *models.Event, dest *routing.Destinations) routing.DispatchResult
}

// Dependencies wires the engine collaborators.
type Dependencies struct {
	Store      Store
	Dispatcher Dispatcher
	Renderer   Renderer
	PageSize   int
	Metrics    *metrics.Registry
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Engine folds buffered events into per-recipient digests.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	renderer   Renderer
	pageSize   int
	metrics    *metrics.Registry
	logger     zerolog.Logger
	now        func() time.Time
	tracer     trace.Tracer
}

// NewEngine validates dependencies and builds an engine.
func NewEngine(deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("aggregation: store is required")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("aggregation: dispatcher is required")
	}
	if deps.Renderer == nil {
		return nil, errors.New("aggregation: renderer is required")
	}
	if deps.PageSize <= 0 {
		deps.PageSize = DefaultPageSize
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		renderer:   deps.Renderer,
		pageSize:   deps.PageSize,
		metrics:    deps.Metrics,
		logger:     logger.Component(deps.Logger, "aggregation"),
		now:        deps.Now,
		tracer:     otel.Tracer("aggregation"),
	}, nil
}

// folded is the state of one command after fetching and folding its rows.
type folded struct {
	cmd    models.AggregationCommand
	rowIDs []string
	failed bool
}

// recipientData holds, for one user, the folded rows per application.
type recipientData map[string][]models.EventAggregation

// BuildDigest builds the digests for commands sharing one (org, bundle). It
// persists and dispatches one digest event per group of recipients with
// identical content, then purges every row that reached all of its
// recipient groups.
func (e *Engine) BuildDigest(ctx context.Context, cmds ...models.AggregationCommand) ([]*models.Event, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	org, bundle := cmds[0].Key.OrgID, cmds[0].Key.Bundle
	for _, c := range cmds[1:] {
		if c.Key.OrgID != org || c.Key.Bundle != bundle {
			return nil, fmt.Errorf("%w: commands span more than one org and bundle", ErrInvalidCommand)
		}
	}

	started := time.Now()
	attrs := []attribute.KeyValue{attribute.String(metrics.KeyBundle, bundle), attribute.String("org_id", org)}
	ctx, span := e.tracer.Start(ctx, "aggregation.build", trace.WithAttributes(attrs...))
	defer span.End()
	defer func() {
		e.metrics.Record(ctx, metrics.AggregationTimeConsumed, time.Since(started), attribute.String(metrics.KeyBundle, bundle))
	}()

	log := e.logger.With().Str("org_id", org).Str("bundle", bundle).Logger()

	states := make([]*folded, 0, len(cmds))
	users := map[string]recipientData{}
	recipients := newRecipientCache(e.store, org)
	displayNames := map[string]string{}
	start, end := cmds[0].Start, cmds[0].End

	for _, cmd := range cmds {
		st := &folded{cmd: cmd}
		states = append(states, st)
		if cmd.Start.Before(start) {
			start = cmd.Start
		}
		if cmd.End.After(end) {
			end = cmd.End
		}
		if err := e.fold(ctx, st, users, recipients, displayNames); err != nil {
			st.failed = true
			e.metrics.Inc(ctx, metrics.AggregationCommandError, metrics.BundleApp(bundle, cmd.Key.Application)...)
			log.Error().Err(err).Str("application", cmd.Key.Application).Msg("aggregation: command fold failed")
		}
	}

	kept := map[string]struct{}{}
	digests := e.render(ctx, log, org, bundle, start, end, users, displayNames, kept)

	if len(digests) == 0 {
		e.metrics.Inc(ctx, metrics.AggregationDigestEmpty, attribute.String(metrics.KeyBundle, bundle))
		log.Info().Msg("aggregation: nothing to send")
	} else if err := e.deliver(ctx, org, digests); err != nil {
		log.Error().Err(err).Msg("aggregation: digest delivery failed")
		for _, st := range states {
			st.failed = true
			e.metrics.Inc(ctx, metrics.AggregationCommandError, metrics.BundleApp(bundle, st.cmd.Key.Application)...)
		}
		return nil, err
	}

	for _, st := range states {
		if st.failed {
			continue
		}
		app := st.cmd.Key.Application
		purge := make([]string, 0, len(st.rowIDs))
		for _, id := range st.rowIDs {
			if _, ok := kept[id]; !ok {
				purge = append(purge, id)
			}
		}
		held := len(st.rowIDs) - len(purge)
		if held > 0 {
			log.Warn().Str("application", app).Int("kept", held).Msg("aggregation: rows kept, section did not render")
		}
		if len(purge) > 0 {
			n, err := e.store.DeleteAggregations(ctx, purge)
			if err != nil {
				e.metrics.Inc(ctx, metrics.AggregationCommandError, metrics.BundleApp(bundle, app)...)
				log.Error().Err(err).Str("application", app).Msg("aggregation: purge failed")
				continue
			}
			log.Debug().Str("application", app).Int64("purged", n).Msg("aggregation: rows purged")
		}
		if held == 0 {
			e.metrics.Inc(ctx, metrics.AggregationCommandProcessed, metrics.BundleApp(bundle, app)...)
		}
	}

	out := make([]*models.Event, 0, len(digests))
	for _, d := range digests {
		out = append(out, d.event)
	}
	return out, nil
}

// fold pages through the command window and assigns every row to the users
// who receive its event type. Users only see the command's rows when the
// whole window folded.
func (e *Engine) fold(ctx context.Context, st *folded, users map[string]recipientData, rc *recipientCache, displayNames map[string]string) error {
	key := st.cmd.Key
	app, err := e.store.FindApplication(ctx, key.Bundle, key.Application)
	if err != nil {
		return err
	}
	types, err := e.store.ListEventTypes(ctx, app.ID)
	if err != nil {
		return err
	}
	for _, et := range types {
		rc.setPolicy(et)
	}
	displayNames[key.Application] = key.Application
	if app.DisplayName != "" {
		displayNames[key.Application] = app.DisplayName
	}

	local := map[string][]models.EventAggregation{}
	for offset := 0; ; offset += e.pageSize {
		page, err := e.store.FetchAggregations(ctx, key, st.cmd.Start, st.cmd.End, offset, e.pageSize)
		if err != nil {
			return err
		}
		for _, row := range page {
			st.rowIDs = append(st.rowIDs, row.ID)
			rs, err := rc.forEventType(ctx, row.EventTypeID)
			if err != nil {
				return err
			}
			for _, user := range rs {
				local[user] = append(local[user], row)
			}
		}
		if len(page) < e.pageSize {
			break
		}
	}

	for user, rows := range local {
		data, ok := users[user]
		if !ok {
			data = recipientData{}
			users[user] = data
		}
		data[key.Application] = append(data[key.Application], rows...)
	}
	return nil
}

type digest struct {
	event      *models.Event
	recipients []string
}

type group struct {
	recipients []string
	data       recipientData
}

// render builds one digest per recipient group. Rows of a section that did
// not reach its group are added to kept.
func (e *Engine) render(ctx context.Context, log zerolog.Logger, org, bundle string, start, end time.Time, users map[string]recipientData, displayNames map[string]string, kept map[string]struct{}) []digest {
	groups := groupRecipients(users)
	var out []digest

	for _, g := range groups {
		apps := make([]string, 0, len(g.data))
		for app := range g.data {
			apps = append(apps, app)
		}
		sort.Strings(apps)

		sections := make([]Section, 0, len(apps))
		for _, app := range apps {
			name := displayNames[app]
			body, err := e.renderer.RenderSection(sectionData(bundle, app, name, g.data[app]))
			if err != nil {
				keepRows(kept, g.data[app])
				e.metrics.Inc(ctx, metrics.AggregationRenderError, metrics.BundleApp(bundle, app)...)
				log.Error().Err(err).Str("application", app).Msg("aggregation: section render failed")
				continue
			}
			sections = append(sections, Section{Application: app, DisplayName: name, Body: body})
		}
		if len(sections) == 0 {
			continue
		}

		body, err := e.renderer.RenderDigest(DigestData{OrgID: org, Bundle: bundle, Start: start, End: end, Sections: sections})
		if err != nil {
			for _, s := range sections {
				keepRows(kept, g.data[s.Application])
			}
			e.metrics.Inc(ctx, metrics.AggregationRenderError, attribute.String(metrics.KeyBundle, bundle))
			log.Error().Err(err).Msg("aggregation: digest render failed")
			continue
		}

		payload := &models.Digest{
			Title:      fmt.Sprintf("Daily digest - %s", bundle),
			Body:       body,
			Recipients: g.recipients,
			Bundle:     bundle,
			Start:      start.UTC().Format(time.RFC3339),
			End:        end.UTC().Format(time.RFC3339),
		}
		out = append(out, digest{
			event: &models.Event{
				ID:            uuid.NewString(),
				OrgID:         org,
				EnvelopeKind:  models.EnvelopeAction,
				DisplayName:   payload.Title,
				Created:       e.now().UTC(),
				DigestPayload: payload,
			},
			recipients: g.recipients,
		})
	}
	return out
}

func keepRows(kept map[string]struct{}, rows []models.EventAggregation) {
	for _, row := range rows {
		kept[row.ID] = struct{}{}
	}
}

// deliver persists each digest event and dispatches it to the org's email
// subscription endpoint.
func (e *Engine) deliver(ctx context.Context, org string, digests []digest) error {
	et, err := e.store.ResolveEventType(ctx, models.TripletKey(CommandBundle, CommandApplication, DigestEventType))
	if err != nil {
		return fmt.Errorf("aggregation: digest event type: %w", err)
	}
	return e.store.WithinTx(ctx, func(ctx context.Context) error {
		ep, err := e.store.GetOrCreateSystemEndpoint(ctx, org, models.EndpointEmailSubscription)
		if err != nil {
			return fmt.Errorf("aggregation: email endpoint: %w", err)
		}
		for _, d := range digests {
			d.event.EventTypeID = et.ID
			d.event.EventType = et
			raw, err := json.Marshal(d.event.DigestPayload)
			if err != nil {
				return fmt.Errorf("aggregation: encode digest: %w", err)
			}
			d.event.Payload = string(raw)
			if err := e.store.CreateEvent(ctx, d.event); err != nil {
				return err
			}
			if !ep.Enabled {
				continue
			}
			dest := routing.NewDestinations(*ep)
			dest.SetRecipients(models.EndpointEmailSubscription, routing.Recipients{Users: d.recipients})
			res := e.dispatcher.Dispatch(ctx, d.event, dest)
			e.metrics.Inc(ctx, metrics.AggregationDigestSent, attribute.String(metrics.KeyBundle, d.event.DigestPayload.Bundle))
			e.logger.Info().
				Str("event_id", d.event.ID).
				Int("recipients", len(d.recipients)).
				Int("history_entries", len(res.Entries)).
				Msg("aggregation: digest dispatched")
		}
		return nil
	})
}

func sectionData(bundle, app, displayName string, rows []models.EventAggregation) SectionData {
	counts := map[string]int{}
	events := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		counts[row.EventType]++
		events = append(events, map[string]any(row.Payload))
	}
	return SectionData{
		Bundle:      bundle,
		Application: app,
		DisplayName: displayName,
		Count:       len(rows),
		EventTypes:  sortedCounts(counts),
		Events:      events,
	}
}

// groupRecipients merges users whose folded rows are identical.
func groupRecipients(users map[string]recipientData) []group {
	byKey := map[string]*group{}
	for user, data := range users {
		key := fingerprint(data)
		g, ok := byKey[key]
		if !ok {
			g = &group{data: data}
			byKey[key] = g
		}
		g.recipients = append(g.recipients, user)
	}
	out := make([]group, 0, len(byKey))
	for _, g := range byKey {
		sort.Strings(g.recipients)
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].recipients[0] < out[j].recipients[0] })
	return out
}

func fingerprint(data recipientData) string {
	apps := make([]string, 0, len(data))
	for app := range data {
		apps = append(apps, app)
	}
	sort.Strings(apps)
	var b strings.Builder
	for _, app := range apps {
		b.WriteString(app)
		b.WriteByte('=')
		for _, row := range data[app] {
			b.WriteString(row.ID)
			b.WriteByte(',')
		}
		b.WriteByte(';')
	}
	return b.String()
}

// recipientCache resolves the daily recipients of each event type once per
// build. Recipients are the explicit subscribers plus, for types subscribed
// by default, every known org user who did not opt out.
type recipientCache struct {
	store    Store
	org      string
	orgUsers []string
	loaded   bool
	byType   map[string][]string
	policies map[string]models.EventType
}

func newRecipientCache(store Store, org string) *recipientCache {
	return &recipientCache{store: store, org: org, byType: map[string][]string{}, policies: map[string]models.EventType{}}
}

// setPolicy records the subscription flags of an event type. Opt-outs are
// ignored for locked types.
func (c *recipientCache) setPolicy(et models.EventType) {
	c.policies[et.ID] = models.EventType{SubscribedByDefault: et.SubscribedByDefault, SubscriptionLocked: et.SubscriptionLocked}
}

func (c *recipientCache) forEventType(ctx context.Context, eventTypeID string) ([]string, error) {
	if rs, ok := c.byType[eventTypeID]; ok {
		return rs, nil
	}
	subs, err := c.store.ListSubscribers(ctx, c.org, eventTypeID, models.SubscriptionDaily)
	if err != nil {
		return nil, err
	}
	set := map[string]struct{}{}
	for _, u := range subs {
		set[u] = struct{}{}
	}
	policy := c.policies[eventTypeID]
	if policy.SubscribedByDefault {
		if !c.loaded {
			c.orgUsers, err = c.store.ListOrgUsers(ctx, c.org)
			if err != nil {
				return nil, err
			}
			c.loaded = true
		}
		out := map[string]struct{}{}
		if !policy.SubscriptionLocked {
			unsubs, err := c.store.ListUnsubscribers(ctx, c.org, eventTypeID, models.SubscriptionDaily)
			if err != nil {
				return nil, err
			}
			for _, u := range unsubs {
				out[u] = struct{}{}
			}
		}
		for _, u := range c.orgUsers {
			if _, skip := out[u]; !skip {
				set[u] = struct{}{}
			}
		}
	}
	rs := make([]string, 0, len(set))
	for u := range set {
		rs = append(rs, u)
	}
	sort.Strings(rs)
	c.byType[eventTypeID] = rs
	return rs, nil
}
