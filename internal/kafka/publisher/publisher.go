package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/notifications-engine/internal/models"
)

// Header names set on outbound records.
const (
	HeaderConnector   = "x-rh-notifications-connector"
	HeaderMessageID   = "rh-message-id"
	HeaderContentType = "content-type"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer captures the subset of producer behaviour required by the Kafka publishers.
type SyncProducer interface {
	PublishSync(topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// ConnectorPublisher delegates deliveries to connectors through the
// connector topic.
type ConnectorPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewConnectorPublisher constructs a ConnectorPublisher instance.
func NewConnectorPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *ConnectorPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &ConnectorPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// SendConnector writes the request synchronously. The connector header routes
// it to the matching connector.
func (p *ConnectorPublisher) SendConnector(_ context.Context, msg models.ConnectorMessage) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if msg.Connector == "" {
		return errors.New("kafka publisher: connector is required")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal connector message: %w", err)
	}

	headers := map[string][]byte{
		HeaderContentType: []byte("application/cloudevents+json"),
		HeaderConnector:   []byte(msg.Connector),
	}

	if err := p.producer.PublishSync(p.topic, []byte(msg.OrgID), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish connector message: %w", err)
	}
	p.logger.Debug().Str("history_id", msg.ID).Str("connector", msg.Connector).Msg("kafka publisher: connector message sent")
	return nil
}

// IngressPublisher writes actions back to the ingress topic.
type IngressPublisher struct {
	producer SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewIngressPublisher constructs an IngressPublisher instance.
func NewIngressPublisher(prod SyncProducer, topic string, logger zerolog.Logger) *IngressPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &IngressPublisher{
		producer: prod,
		topic:    topic,
		logger:   logger,
	}
}

// PublishAction writes the action synchronously. The action id doubles as
// the message id header.
func (p *IngressPublisher) PublishAction(_ context.Context, action *models.Action) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if action == nil {
		return errors.New("kafka publisher: action is required")
	}

	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal action: %w", err)
	}

	headers := map[string][]byte{
		HeaderContentType: []byte("application/json"),
	}
	if action.ID != "" {
		headers[HeaderMessageID] = []byte(action.ID)
	}

	if err := p.producer.PublishSync(p.topic, []byte(action.OrgID), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish action: %w", err)
	}
	return nil
}
