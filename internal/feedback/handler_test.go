package feedback_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notifications-engine/internal/delivery"
	"github.com/example/notifications-engine/internal/feedback"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/store"
)

type trackerStub struct {
	mu        sync.Mutex
	successes int
	failures  []delivery.Result
}

func (s *trackerStub) RecordSuccess(context.Context, models.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
}

func (s *trackerStub) RecordFailure(_ context.Context, _ models.Endpoint, r delivery.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, r)
}

type reporterStub struct {
	mu          sync.Mutex
	originalIDs []string
}

func (r *reporterStub) IntegrationFailed(_ context.Context, _ models.Endpoint, _ delivery.Result, originalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.originalIDs = append(r.originalIDs, originalID)
	return nil
}

type fixture struct {
	store    *store.Store
	handler  *feedback.Handler
	tracker  *trackerStub
	reporter *reporterStub
	metrics  *metrics.Registry
	endpoint models.Endpoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ep := models.Endpoint{OrgID: "org-1", Name: "slack", Type: models.EndpointCamel, SubType: models.SubTypeSlack, Enabled: true}
	require.NoError(t, st.CreateEndpoint(ctx, &ep))

	f := &fixture{store: st, tracker: &trackerStub{}, reporter: &reporterStub{}, metrics: metrics.NewRegistry(), endpoint: ep}
	f.handler, err = feedback.NewHandler(feedback.Dependencies{
		Store:    st,
		Tracker:  f.tracker,
		Reporter: f.reporter,
		Metrics:  f.metrics,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) pendingHistory(t *testing.T) *models.NotificationHistory {
	t.Helper()
	id := f.endpoint.ID
	h := &models.NotificationHistory{
		EventID:      "ev-1",
		EndpointID:   &id,
		EndpointType: models.EndpointCamel,
		Status:       models.HistoryProcessing,
		Details:      models.JSONMap{"connector": "slack"},
	}
	require.NoError(t, f.store.CreateHistory(context.Background(), h))
	return h
}

func TestOutcomeSuccessFinalizesAndResets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.pendingHistory(t)

	err := f.handler.OnOutcome(ctx, feedback.Outcome{HistoryID: h.ID, Successful: true, Duration: 120, Details: map[string]any{"outcome": "sent"}})
	require.NoError(t, err)

	got, err := f.store.GetHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistorySuccess, got.Status)
	assert.Equal(t, int64(120), got.InvocationTime)
	assert.Equal(t, "sent", got.Details["outcome"])
	assert.Equal(t, "slack", got.Details["connector"], "existing details are kept")
	assert.Equal(t, 1, f.tracker.successes)
	assert.Empty(t, f.reporter.originalIDs)
}

func TestOutcomeFailureFeedsHealthAndReinjects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.pendingHistory(t)

	raw := `{"id":"` + h.ID + `","data":{"successful":false,"details":{"outcome":"500 from slack"},"error":{"error_type":"HTTP_5XX","http_status_code":500,"delivery_attempts":2}}}`
	require.NoError(t, f.handler.HandleRecord(ctx, []byte(raw), nil))

	got, err := f.store.GetHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryFailedProcessing, got.Status)
	require.Len(t, f.tracker.failures, 1)
	assert.Equal(t, delivery.ErrorHTTP5xx, f.tracker.failures[0].ErrorType)
	assert.Equal(t, []string{h.ID}, f.reporter.originalIDs)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.FeedbackProcessed,
		attribute.String(metrics.KeyEndpointType, string(models.EndpointCamel)),
		attribute.Bool("successful", false),
	))
}

func TestOutcomeAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.pendingHistory(t)

	out := feedback.Outcome{HistoryID: h.ID, Successful: false, Error: &feedback.OutcomeError{ErrorType: "HTTP_4XX", HTTPStatusCode: 404}}
	require.NoError(t, f.handler.OnOutcome(ctx, out))
	require.NoError(t, f.handler.OnOutcome(ctx, out))

	assert.Len(t, f.tracker.failures, 1)
}

func TestOutcomeUnknownHistorySkipped(t *testing.T) {
	f := newFixture(t)

	err := f.handler.OnOutcome(context.Background(), feedback.Outcome{HistoryID: "44444444-4444-4444-8444-444444444444", Successful: true})
	require.NoError(t, err)
	assert.Zero(t, f.tracker.successes)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.FeedbackError, attribute.String(metrics.KeyReason, "unknown_history")))
}

func TestOutcomeDeletedEndpointSkipsHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.pendingHistory(t)
	require.NoError(t, f.store.DeleteEndpoint(ctx, f.endpoint.ID))

	require.NoError(t, f.handler.OnOutcome(ctx, feedback.Outcome{HistoryID: h.ID, Successful: false}))

	got, err := f.store.GetHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryFailedProcessing, got.Status)
	assert.Empty(t, f.tracker.failures)
	assert.Empty(t, f.reporter.originalIDs)
}

func TestHandleRecordMalformed(t *testing.T) {
	f := newFixture(t)
	err := f.handler.HandleRecord(context.Background(), []byte(`{"id":1}`), nil)
	require.ErrorIs(t, err, feedback.ErrMalformed)
}

type flakyEndpointStore struct {
	*store.Store
}

func (flakyEndpointStore) GetEndpoint(context.Context, string) (*models.Endpoint, error) {
	return nil, errors.New("connection reset")
}

func TestOutcomeEndpointLookupErrorReturned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	h := f.pendingHistory(t)

	handler, err := feedback.NewHandler(feedback.Dependencies{
		Store:    flakyEndpointStore{Store: f.store},
		Tracker:  f.tracker,
		Reporter: f.reporter,
		Metrics:  f.metrics,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	var outcomeErr error
	require.NotPanics(t, func() {
		outcomeErr = handler.OnOutcome(ctx, feedback.Outcome{HistoryID: h.ID, Successful: false})
	})
	require.Error(t, outcomeErr)
	assert.Empty(t, f.tracker.failures)
	assert.Zero(t, f.tracker.successes)
	assert.Empty(t, f.reporter.originalIDs)
	assert.Equal(t, int64(1), f.metrics.Count(metrics.FeedbackError, attribute.String(metrics.KeyReason, "storage")))

	got, err := f.store.GetHistory(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryProcessing, got.Status, "finalization rolls back with the failed lookup")
}
