package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/example/notifications-engine/internal/models"
)

// ResolveEventType maps a triplet or fully qualified key onto a registered
// event type, with its application and bundle loaded.
func (s *Store) ResolveEventType(ctx context.Context, key models.EventTypeKey) (*models.EventType, error) {
	var et models.EventType
	q := s.conn(ctx).Preload("Application.Bundle")

	var err error
	if key.IsFQN() {
		err = q.Where("event_types.fully_qualified_name = ?", key.FQN).Take(&et).Error
	} else {
		err = q.Joins("JOIN applications ON applications.id = event_types.application_id").
			Joins("JOIN bundles ON bundles.id = applications.bundle_id").
			Where("bundles.name = ? AND applications.name = ? AND event_types.name = ?", key.Bundle, key.Application, key.EventType).
			Take(&et).Error
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrEventTypeNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve event type %s: %w", key, err)
	}
	return &et, nil
}

// FindApplication loads an application by bundle and application name.
func (s *Store) FindApplication(ctx context.Context, bundle, application string) (*models.Application, error) {
	var app models.Application
	err := s.conn(ctx).Preload("Bundle").
		Joins("JOIN bundles ON bundles.id = applications.bundle_id").
		Where("bundles.name = ? AND applications.name = ?", bundle, application).
		Take(&app).Error
	if err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &app, nil
}

// ListEventTypes returns the event types of an application ordered by name.
func (s *Store) ListEventTypes(ctx context.Context, applicationID string) ([]models.EventType, error) {
	var out []models.EventType
	err := s.conn(ctx).Where("application_id = ?", applicationID).Order("name").Find(&out).Error
	return out, err
}
