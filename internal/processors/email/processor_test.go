package email

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/routing"
)

type bufferStub struct {
	mu   sync.Mutex
	rows []*models.EventAggregation
}

func (b *bufferStub) AddAggregation(_ context.Context, row *models.EventAggregation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows = append(b.rows, row)
	return nil
}

type senderStub struct {
	mu   sync.Mutex
	msgs []models.ConnectorMessage
}

func (s *senderStub) SendConnector(_ context.Context, msg models.ConnectorMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func advisorEvent(aggregation bool) *models.Event {
	return &models.Event{
		ID:      "ev-1",
		OrgID:   "org-1",
		Created: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		EventType: &models.EventType{
			ID:   "et-1",
			Name: "new-recommendation",
			Application: &models.Application{
				Name:               "advisor",
				AggregationEnabled: aggregation,
				Bundle:             &models.Bundle{Name: "rhel"},
			},
		},
	}
}

var systemEmail = models.Endpoint{ID: "sys-email", OrgID: "org-1", Type: models.EndpointEmailSubscription, Enabled: true}

func TestProcessBuffersAndSendsInstant(t *testing.T) {
	buffer := &bufferStub{}
	sender := &senderStub{}
	p := New(buffer, sender, zerolog.Nop())

	entries := p.Process(context.Background(), advisorEvent(true), []models.Endpoint{systemEmail}, routing.Recipients{
		Subscribers: []string{"alice"},
	})

	require.Len(t, buffer.rows, 1)
	row := buffer.rows[0]
	assert.Equal(t, "rhel", row.Bundle)
	assert.Equal(t, "advisor", row.Application)
	assert.Equal(t, "new-recommendation", row.EventType)
	assert.True(t, row.Created.Equal(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)))

	require.Len(t, entries, 1)
	assert.Equal(t, models.HistoryProcessing, entries[0].Status)
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, ConnectorName, sender.msgs[0].Connector)
	assert.Equal(t, entries[0].ID, sender.msgs[0].ID)
}

func TestProcessDailyOnlyBuffersWithoutSending(t *testing.T) {
	buffer := &bufferStub{}
	sender := &senderStub{}
	p := New(buffer, sender, zerolog.Nop())

	entries := p.Process(context.Background(), advisorEvent(true), []models.Endpoint{systemEmail}, routing.Recipients{})

	assert.Empty(t, entries)
	assert.Empty(t, sender.msgs)
	assert.Len(t, buffer.rows, 1)
}

func TestProcessAggregationDisabledSkipsBuffer(t *testing.T) {
	buffer := &bufferStub{}
	sender := &senderStub{}
	p := New(buffer, sender, zerolog.Nop())

	entries := p.Process(context.Background(), advisorEvent(false), []models.Endpoint{systemEmail}, routing.Recipients{SubscribedByDefault: true})

	assert.Empty(t, buffer.rows)
	assert.Len(t, entries, 1)
}

func TestProcessDigestCarriesRecipients(t *testing.T) {
	buffer := &bufferStub{}
	sender := &senderStub{}
	p := New(buffer, sender, zerolog.Nop())

	event := advisorEvent(true)
	event.DigestPayload = &models.Digest{Title: "Daily digest", Recipients: []string{"alice", "carol"}}

	entries := p.Process(context.Background(), event, []models.Endpoint{systemEmail}, routing.Recipients{})

	assert.Empty(t, buffer.rows, "digests are never buffered again")
	require.Len(t, entries, 1)
	require.Len(t, sender.msgs, 1)
	data, ok := sender.msgs[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "carol"}, data["users"])
}
