package feedback

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notifications-engine/internal/delivery"
)

const historyID = "33333333-3333-4333-8333-333333333333"

func TestDecodeObjectAndStringData(t *testing.T) {
	cases := map[string]string{
		"object": `{"id":"` + historyID + `","type":"com.redhat.console.notifications.history","data":{"successful":true,"duration":42,"details":{"outcome":"ok"}}}`,
		"string": `{"id":"` + historyID + `","data":"{\"successful\":true,\"duration\":42,\"details\":{\"outcome\":\"ok\"}}"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			o, err := Decode([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, historyID, o.HistoryID)
			assert.True(t, o.Successful)
			assert.Equal(t, int64(42), o.Duration)
			assert.Equal(t, "ok", o.Details["outcome"])
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"id":"nope","data":{}}`,
		`{"id":"` + historyID + `"}`,
		`{"id":"` + historyID + `","data":"{broken"}`,
	} {
		_, err := Decode([]byte(raw))
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrMalformed), raw)
	}
}

func TestOutcomeResultClassification(t *testing.T) {
	o := Outcome{Details: map[string]any{"outcome": "HTTP 503"}, Error: &OutcomeError{HTTPStatusCode: 503, DeliveryAttempts: 3}}
	res := o.Result()
	assert.False(t, res.Successful)
	assert.Equal(t, delivery.ErrorHTTP5xx, res.ErrorType, "status code fills a missing error type")
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "HTTP 503", res.Message)

	o = Outcome{Error: &OutcomeError{ErrorType: "socket_timeout"}}
	assert.Equal(t, delivery.ErrorSocketTimeout, o.Result().ErrorType)

	assert.Equal(t, delivery.ErrorUnknown, Outcome{}.Result().ErrorType)
	assert.True(t, Outcome{Successful: true}.Result().Successful)
}
