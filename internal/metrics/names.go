package metrics

import "go.opentelemetry.io/otel/attribute"

// Counter and timer names.
const (
	InputRejected            = "input.rejected"
	InputDuplicate           = "input.duplicate.event"
	InputProcessed           = "input.processed"
	InputProcessingError     = "input.processing.error"
	InputProcessingException = "input.processing.exception"
	InputBlacklisted         = "input.processing.blacklisted"
	InputConsumed            = "input.consumed"

	MessageIDValid   = "kafka-message-id.valid"
	MessageIDInvalid = "kafka-message-id.invalid"
	MessageIDMissing = "kafka-message-id.missing"

	ProcessorProcessed         = "processor.input.processed"
	ProcessorEndpointProcessed = "processor.input.endpoint.processed"
	HistoryPersistError        = "processor.history.persist.error"

	WebhookDisabledEndpoints = "processor.webhook.disabled.endpoints"
	WebhookCircuitOpen       = "processor.webhook.circuit.open"

	FeedbackProcessed = "camel.messages.processed"
	FeedbackError     = "camel.messages.error"

	ReinjectPublished = "reinject.published"
	ReinjectError     = "reinject.error"

	AggregationCommandProcessed = "aggregation.command.processed"
	AggregationCommandRejected  = "aggregation.command.rejected"
	AggregationCommandError     = "aggregation.command.error"
	AggregationRenderError      = "aggregation.render.error"
	AggregationDigestEmpty      = "aggregation.digest.empty"
	AggregationDigestSent       = "aggregation.digest.sent"
	AggregationTimeConsumed     = "aggregation.time.consumed"
)

// Attribute keys.
const (
	KeyBundle       = "bundle"
	KeyApplication  = "application"
	KeyEventType    = "event-type"
	KeyEndpointType = "endpoint_type"
	KeyErrorType    = "error_type"
	KeyReason       = "reason"
)

// BundleApp tags a measurement with bundle and application.
func BundleApp(bundle, application string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyBundle, bundle),
		attribute.String(KeyApplication, application),
	}
}
