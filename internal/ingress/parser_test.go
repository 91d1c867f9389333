package ingress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notifications-engine/internal/models"
)

const actionPayload = `{
	"id": "11111111-1111-4111-1111-111111111111",
	"bundle": "console",
	"application": "notifications",
	"event_type": "aggregation",
	"timestamp": "2026-01-01T10:00:00",
	"org_id": "org-1",
	"context": {"k": "v"},
	"events": [{"metadata": {}, "payload": {"a": 1}}],
	"recipients": [{"only_admins": true, "users": ["alice"]}]
}`

const cloudEventPayload = `{
	"specversion": "1.0.2",
	"id": "33333333-3333-4333-8333-333333333333",
	"source": "urn:redhat:source:console:app:policies",
	"type": "com.redhat.console.rhel.policies.policy-triggered",
	"time": "2026-01-01T10:00:00Z",
	"redhatorgid": "org-1",
	"data": {"policy": "p"}
}`

func TestNormalizeAction(t *testing.T) {
	env, err := NewNormalizer().Normalize([]byte(actionPayload))
	require.NoError(t, err)

	assert.Equal(t, models.EnvelopeAction, env.Kind)
	assert.Equal(t, "11111111-1111-4111-1111-111111111111", env.ID)
	assert.Equal(t, models.TripletKey("console", "notifications", "aggregation"), env.Key)
	assert.Equal(t, "org-1", env.OrgID)
	assert.Equal(t, 10, env.Timestamp.Hour())
	require.Len(t, env.Events(), 1)
	require.Len(t, env.Recipients(), 1)
	assert.True(t, env.Recipients()[0].OnlyAdmins)
	assert.Equal(t, "v", env.Context()["k"])
}

func TestNormalizeCloudEvent(t *testing.T) {
	env, err := NewNormalizer().Normalize([]byte(cloudEventPayload))
	require.NoError(t, err)

	assert.Equal(t, models.EnvelopeCloudEvent, env.Kind)
	assert.True(t, env.Key.IsFQN())
	assert.Equal(t, "com.redhat.console.rhel.policies.policy-triggered", env.Key.FQN)
	assert.Equal(t, "33333333-3333-4333-8333-333333333333", env.ID)
	assert.Nil(t, env.Context())
}

func TestNormalizeRejects(t *testing.T) {
	cases := map[string]string{
		"empty":           ``,
		"not json":        `hello`,
		"missing org":     `{"bundle":"b","application":"a","event_type":"e"}`,
		"bad action id":   `{"id":"x","bundle":"b","application":"a","event_type":"e","org_id":"o"}`,
		"bad timestamp":   `{"bundle":"b","application":"a","event_type":"e","org_id":"o","timestamp":"yesterday"}`,
		"ce without data": `{"specversion":"1.0","id":"33333333-3333-4333-8333-333333333333","source":"s","type":"t","redhatorgid":"o"}`,
	}
	for name, payload := range cases {
		_, err := NewNormalizer().Normalize([]byte(payload))
		if !errors.Is(err, ErrUnparseable) {
			t.Fatalf("%s: expected ErrUnparseable, got %v", name, err)
		}
	}
}

func TestNormalizeActionWithoutIDOrEvents(t *testing.T) {
	env, err := NewNormalizer().Normalize([]byte(`{"bundle":"b","application":"a","event_type":"e","org_id":"o"}`))
	require.NoError(t, err)
	assert.Empty(t, env.ID)
	assert.NotNil(t, env.Events())
	assert.Empty(t, env.Events())
}

func TestMessageIDPrecedence(t *testing.T) {
	env := &models.Envelope{ID: "11111111-1111-4111-1111-111111111111"}
	header := map[string][]byte{HeaderMessageID: []byte("44444444-4444-4444-8444-444444444444")}

	id, status := MessageID(env, header)
	assert.Equal(t, env.ID, id)
	assert.Equal(t, IDFromEnvelope, status)

	id, status = MessageID(&models.Envelope{}, header)
	assert.Equal(t, "44444444-4444-4444-8444-444444444444", id)
	assert.Equal(t, IDFromHeader, status)

	id, status = MessageID(&models.Envelope{}, map[string][]byte{HeaderMessageID: []byte("6fa459ea-ee8a-11d2-90f6-000000000000")})
	assert.Empty(t, id)
	assert.Equal(t, IDInvalid, status)

	id, status = MessageID(&models.Envelope{}, nil)
	assert.Empty(t, id)
	assert.Equal(t, IDMissing, status)
}
