package feedback

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notifications-engine/internal/delivery"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/store"
)

// Store is the history and endpoint storage used to apply outcomes.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetHistory(ctx context.Context, id string) (*models.NotificationHistory, error)
	FinalizeHistory(ctx context.Context, id string, status models.HistoryStatus, invocationTime int64, details map[string]any) (bool, error)
	GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error)
}

// HealthTracker receives the outcome of delegated deliveries.
type HealthTracker interface {
	RecordSuccess(ctx context.Context, ep models.Endpoint)
	RecordFailure(ctx context.Context, ep models.Endpoint, result delivery.Result)
}

// FailureReporter reinjects failed delegated deliveries.
type FailureReporter interface {
	IntegrationFailed(ctx context.Context, ep models.Endpoint, cause delivery.Result, originalID string) error
}

// Dependencies wires the handler collaborators.
type Dependencies struct {
	Store   Store
	Tracker HealthTracker
	// Reporter is optional; failures are only reinjected when set.
	Reporter FailureReporter
	Metrics  *metrics.Registry
	Logger   zerolog.Logger
}

// Handler applies connector outcomes to history and endpoint health.
type Handler struct {
	store    Store
	tracker  HealthTracker
	reporter FailureReporter
	metrics  *metrics.Registry
	logger   zerolog.Logger
}

// NewHandler builds a feedback handler.
func NewHandler(deps Dependencies) (*Handler, error) {
	if deps.Store == nil {
		return nil, errors.New("feedback: store is required")
	}
	if deps.Tracker == nil {
		return nil, errors.New("feedback: health tracker is required")
	}
	return &Handler{
		store:    deps.Store,
		tracker:  deps.Tracker,
		reporter: deps.Reporter,
		metrics:  deps.Metrics,
		logger:   logger.Component(deps.Logger, "feedback"),
	}, nil
}

// HandleRecord decodes and applies a raw return record. Only malformed
// records and storage failures are reported as errors.
func (h *Handler) HandleRecord(ctx context.Context, payload []byte, _ map[string][]byte) error {
	outcome, err := Decode(payload)
	if err != nil {
		h.metrics.Inc(ctx, metrics.FeedbackError, attribute.String(metrics.KeyReason, "malformed"))
		return err
	}
	return h.OnOutcome(ctx, outcome)
}

// OnOutcome finalizes the history entry named by the outcome and forwards
// the result to the health tracker. Unknown entries and deleted endpoints
// are logged and skipped.
func (h *Handler) OnOutcome(ctx context.Context, o Outcome) error {
	log := h.logger.With().Str("history_id", o.HistoryID).Bool("successful", o.Successful).Logger()

	status := models.HistorySuccess
	if !o.Successful {
		status = models.HistoryFailedProcessing
	}
	details := map[string]any{}
	for k, v := range o.Details {
		details[k] = v
	}
	if o.Error != nil {
		details["error"] = map[string]any{
			"error_type":        o.Error.ErrorType,
			"http_status_code":  o.Error.HTTPStatusCode,
			"delivery_attempts": o.Error.DeliveryAttempts,
		}
	}

	var (
		entry    *models.NotificationHistory
		endpoint *models.Endpoint
		unknown  bool
	)
	err := h.store.WithinTx(ctx, func(ctx context.Context) error {
		updated, err := h.store.FinalizeHistory(ctx, o.HistoryID, status, o.Duration, details)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("feedback: outcome for unknown history entry")
			unknown = true
			return nil
		}
		if err != nil {
			return err
		}
		if !updated {
			log.Info().Msg("feedback: history entry already final")
			return nil
		}
		entry, err = h.store.GetHistory(ctx, o.HistoryID)
		if err != nil {
			return err
		}
		if entry.EndpointID == nil {
			return nil
		}
		endpoint, err = h.store.GetEndpoint(ctx, *entry.EndpointID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Str("endpoint_id", *entry.EndpointID).Msg("feedback: endpoint no longer exists")
			endpoint = nil
			return nil
		}
		if err != nil {
			endpoint = nil
			return err
		}
		if !endpoint.Enabled {
			log.Info().Str("endpoint_id", endpoint.ID).Msg("feedback: endpoint disabled, health unchanged")
			endpoint = nil
		}
		return nil
	})
	if err != nil {
		h.metrics.Inc(ctx, metrics.FeedbackError, attribute.String(metrics.KeyReason, "storage"))
		return err
	}
	if unknown {
		h.metrics.Inc(ctx, metrics.FeedbackError, attribute.String(metrics.KeyReason, "unknown_history"))
		return nil
	}
	if entry == nil {
		return nil
	}

	h.metrics.Inc(ctx, metrics.FeedbackProcessed,
		attribute.String(metrics.KeyEndpointType, string(entry.EndpointType)),
		attribute.Bool("successful", o.Successful),
	)
	if endpoint == nil {
		return nil
	}

	if o.Successful {
		h.tracker.RecordSuccess(ctx, *endpoint)
		return nil
	}
	result := o.Result()
	h.tracker.RecordFailure(ctx, *endpoint, result)
	log.Warn().
		Str("endpoint_id", endpoint.ID).
		Str("error_type", string(result.ErrorType)).
		Dur("duration", time.Duration(o.Duration)*time.Millisecond).
		Msg("feedback: delegated delivery failed")

	if h.reporter != nil && endpoint.Type != models.EndpointEmailSubscription {
		if err := h.reporter.IntegrationFailed(ctx, *endpoint, result, o.HistoryID); err != nil {
			log.Error().Err(err).Msg("feedback: failure not reinjected")
		}
	}
	return nil
}
