package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/notifications-engine/internal/models"
)

// CreateEvent persists an event, assigning an id and creation time when unset.
func (s *Store) CreateEvent(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Created.IsZero() {
		event.Created = s.now()
	}
	event.Created = event.Created.UTC()
	if err := s.conn(ctx).Omit("EventType").Create(event).Error; err != nil {
		return fmt.Errorf("store: create event: %w", err)
	}
	return nil
}

// GetEvent loads an event with its event type hierarchy.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	if err := s.conn(ctx).Preload("EventType.Application.Bundle").Where("id = ?", id).Take(&ev).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &ev, nil
}

// CountEvents returns the number of persisted events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.Event{}).Count(&n).Error
	return n, err
}
