package feedback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/notifications-engine/internal/delivery"
	"github.com/example/notifications-engine/internal/util"
)

// ErrMalformed marks a return record that cannot be decoded.
var ErrMalformed = errors.New("feedback: malformed outcome")

// Outcome is the connector's report for one delegated delivery.
type Outcome struct {
	HistoryID  string
	Successful bool
	Duration   int64
	Details    map[string]any
	Error      *OutcomeError
}

// OutcomeError carries the connector's failure classification.
type OutcomeError struct {
	ErrorType        string `json:"error_type"`
	HTTPStatusCode   int    `json:"http_status_code"`
	DeliveryAttempts int    `json:"delivery_attempts"`
}

type returnEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type outcomeData struct {
	Successful bool           `json:"successful"`
	Duration   int64          `json:"duration"`
	Details    map[string]any `json:"details"`
	Error      *OutcomeError  `json:"error"`
}

// Decode parses a connector return record. The data member may be an object
// or a JSON string holding the object.
func Decode(payload []byte) (Outcome, error) {
	var env returnEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	id, err := util.ParseUUID(env.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: id: %v", ErrMalformed, err)
	}

	raw := bytes.TrimSpace(env.Data)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return Outcome{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
		}
		raw = []byte(inner)
	}
	if len(raw) == 0 {
		return Outcome{}, fmt.Errorf("%w: data is empty", ErrMalformed)
	}

	var data outcomeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return Outcome{}, fmt.Errorf("%w: data: %v", ErrMalformed, err)
	}
	if data.Details == nil {
		data.Details = map[string]any{}
	}
	return Outcome{
		HistoryID:  id.String(),
		Successful: data.Successful,
		Duration:   data.Duration,
		Details:    data.Details,
		Error:      data.Error,
	}, nil
}

// Result converts the outcome into a delivery result for health tracking.
func (o Outcome) Result() delivery.Result {
	if o.Successful {
		return delivery.Success(0)
	}
	message, _ := o.Details["outcome"].(string)
	res := delivery.Failure(delivery.ErrorUnknown, 0, message)
	if o.Error == nil {
		return res
	}
	res.StatusCode = o.Error.HTTPStatusCode
	if o.Error.DeliveryAttempts > 0 {
		res.Attempts = o.Error.DeliveryAttempts
	}
	res.ErrorType = delivery.ParseErrorType(o.Error.ErrorType)
	if res.ErrorType == delivery.ErrorUnknown {
		if t, ok := delivery.FromStatus(res.StatusCode); ok {
			res.ErrorType = t
		}
	}
	return res
}
