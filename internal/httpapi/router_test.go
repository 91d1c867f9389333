package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notifications-engine/internal/health"
	"github.com/example/notifications-engine/internal/httpapi"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/store"
)

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	router := httpapi.NewRouter(httpapi.Dependencies{Logger: zerolog.Nop()})
	rec := serve(t, router, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReadyzReportsFailingProbe(t *testing.T) {
	router := httpapi.NewRouter(httpapi.Dependencies{
		Probes: map[string]httpapi.Probe{
			"database": func(context.Context) error { return nil },
			"kafka":    func(context.Context) error { return errors.New("no brokers") },
		},
	})

	rec := serve(t, router, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Ready  bool              `json:"ready"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Ready)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "no brokers", body.Checks["kafka"])
}

func TestCountersExposesSnapshot(t *testing.T) {
	m := metrics.NewRegistry()
	m.Inc(context.Background(), metrics.InputProcessed)
	router := httpapi.NewRouter(httpapi.Dependencies{Metrics: m})

	rec := serve(t, router, http.MethodGet, "/counters")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, int64(1), body[metrics.InputProcessed+"|"])
}

func TestEnableEndpoint(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenInMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ep := models.Endpoint{OrgID: "org-1", Name: "hook", Type: models.EndpointWebhook, Enabled: true, Status: models.EndpointStatusReady}
	require.NoError(t, st.CreateEndpoint(ctx, &ep))

	router := httpapi.NewRouter(httpapi.Dependencies{
		Endpoints: st,
		Enabler:   health.NewTracker(st, zerolog.Nop()),
	})

	rec := serve(t, router, http.MethodPost, "/endpoints/"+ep.ID+"/enable")
	assert.Equal(t, http.StatusConflict, rec.Code)

	disabled, err := st.DisableEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	require.True(t, disabled)

	rec = serve(t, router, http.MethodPost, "/endpoints/"+ep.ID+"/enable")
	assert.Equal(t, http.StatusOK, rec.Code)
	got, err := st.GetEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	rec = serve(t, router, http.MethodPost, "/endpoints/missing/enable")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
