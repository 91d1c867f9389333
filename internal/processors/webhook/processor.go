package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/notifications-engine/internal/delivery"
	"github.com/example/notifications-engine/internal/logger"
	"github.com/example/notifications-engine/internal/metrics"
	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/processors"
	"github.com/example/notifications-engine/internal/routing"
	"github.com/example/notifications-engine/internal/util"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 4096
	tokenHeader      = "X-Insight-Token"
)

var errServerSide = errors.New("webhook: server-side failure")

// HTTPClient captures the subset of http.Client used by the processor.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HealthTracker receives the outcome of every synchronous delivery.
type HealthTracker interface {
	RecordSuccess(ctx context.Context, ep models.Endpoint)
	RecordFailure(ctx context.Context, ep models.Endpoint, result delivery.Result)
}

// BreakerSettings tunes the per-endpoint circuit breakers.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Option customises the processor.
type Option func(*Processor)

// WithHTTPClient replaces both the verifying and the non-verifying client.
func WithHTTPClient(client HTTPClient) Option {
	return func(p *Processor) {
		if client != nil {
			p.client = client
			p.insecureClient = client
		}
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithBreakerSettings overrides the circuit breaker tuning.
func WithBreakerSettings(s BreakerSettings) Option {
	return func(p *Processor) {
		p.breakerSettings = s
	}
}

// Processor delivers events to webhook and ansible endpoints synchronously.
type Processor struct {
	client          HTTPClient
	insecureClient  HTTPClient
	timeout         time.Duration
	tracker         HealthTracker
	breakers        *breakerSet
	breakerSettings BreakerSettings
	metrics         *metrics.Registry
	logger          zerolog.Logger
	tracer          trace.Tracer
}

// New builds a webhook processor.
func New(tracker HealthTracker, m *metrics.Registry, log zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		client: &http.Client{},
		insecureClient: &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // per-endpoint opt-in
		}},
		timeout: defaultTimeout,
		tracker: tracker,
		breakerSettings: BreakerSettings{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 10,
		},
		metrics: m,
		logger:  logger.Component(log, "webhook_processor"),
		tracer:  otel.Tracer("webhook-processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.breakers = newBreakerSet(p.breakerSettings, p.logger)
	return p
}

// Process implements routing.Processor.
func (p *Processor) Process(ctx context.Context, event *models.Event, endpoints []models.Endpoint, _ routing.Recipients) []*models.NotificationHistory {
	body, err := json.Marshal(processors.Payload(event))
	if err != nil {
		p.logger.Error().Err(err).Str("event_id", event.ID).Msg("webhook: payload not serialisable")
		return nil
	}
	out := make([]*models.NotificationHistory, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, p.deliver(ctx, event, ep, body))
	}
	return out
}

func (p *Processor) deliver(ctx context.Context, event *models.Event, ep models.Endpoint, body []byte) *models.NotificationHistory {
	started := time.Now()
	var props models.WebhookProperties
	if err := ep.Properties.Decode(&props); err != nil {
		return routing.NewHistory(event, ep, models.HistoryFailedProcessing, started, map[string]any{
			"outcome":       "invalid endpoint properties",
			"error_message": err.Error(),
		})
	}
	target, err := util.ValidateHTTPURL(props.URL)
	if err != nil {
		return routing.NewHistory(event, ep, models.HistoryFailedProcessing, started, map[string]any{
			"outcome":       "invalid endpoint url",
			"error_message": err.Error(),
		})
	}
	method := strings.ToUpper(strings.TrimSpace(props.Method))
	if method == "" {
		method = http.MethodPost
	}

	ctx, span := p.tracer.Start(ctx, "webhook.deliver", trace.WithAttributes(
		attribute.String("endpoint.id", ep.ID),
		attribute.String("event.id", event.ID),
	))
	defer span.End()

	raw, err := p.breakers.get(ep.ID).Execute(func() (interface{}, error) {
		res := p.call(ctx, target, method, props, body)
		if !res.Successful && res.ErrorType.IsServer() {
			return res, errServerSide
		}
		return res, nil
	})
	details := map[string]any{"url": target, "method": method}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.metrics.Inc(ctx, metrics.WebhookCircuitOpen)
		span.SetStatus(codes.Error, "circuit open")
		details["outcome"] = "circuit open"
		details["error_message"] = err.Error()
		// An open circuit still counts toward the server error streak.
		p.tracker.RecordFailure(ctx, ep, delivery.Failure(delivery.ErrorConnectionRefused, 0, "circuit open"))
		return routing.NewHistory(event, ep, models.HistoryFailedProcessing, started, details)
	}

	res, _ := raw.(delivery.Result)
	details["code"] = res.StatusCode
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))

	if res.Successful {
		details["outcome"] = "delivered"
		p.tracker.RecordSuccess(ctx, ep)
		return routing.NewHistory(event, ep, models.HistorySuccess, started, details)
	}

	span.SetStatus(codes.Error, string(res.ErrorType))
	details["outcome"] = "failed"
	details["error_type"] = string(res.ErrorType)
	details["error_message"] = res.Message
	if res.Raw != "" {
		details["response_body"] = res.Raw
	}
	p.logger.Warn().
		Str("endpoint_id", ep.ID).
		Str("event_id", event.ID).
		Int("status_code", res.StatusCode).
		Str("error_type", string(res.ErrorType)).
		Msg("webhook: delivery failed")
	p.tracker.RecordFailure(ctx, ep, res)
	return routing.NewHistory(event, ep, models.HistoryFailedProcessing, started, details)
}

func (p *Processor) call(ctx context.Context, target, method string, props models.WebhookProperties, body []byte) delivery.Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return delivery.Failure(delivery.ErrorUnknown, 0, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if props.SecretToken != "" {
		req.Header.Set(tokenHeader, props.SecretToken)
	}
	if props.BasicAuthentication != nil {
		req.SetBasicAuth(props.BasicAuthentication.Username, props.BasicAuthentication.Password)
	}

	client := p.client
	if props.DisableSSLVerification {
		client = p.insecureClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return delivery.Failure(delivery.Classify(err), 0, err.Error())
	}
	defer resp.Body.Close()

	rawBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return delivery.Success(resp.StatusCode)
	}

	errType, ok := delivery.FromStatus(resp.StatusCode)
	if !ok {
		errType = delivery.ErrorUnknown
	}
	res := delivery.Failure(errType, resp.StatusCode, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	res.Raw = delivery.TruncateRaw(string(rawBody), delivery.DefaultRawBodyLimit)
	return res
}
