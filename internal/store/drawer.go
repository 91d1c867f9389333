package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/notifications-engine/internal/models"
)

// CreateDrawerEntry stores an in-app notification in its own savepoint.
func (s *Store) CreateDrawerEntry(ctx context.Context, entry *models.DrawerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Created.IsZero() {
		entry.Created = s.now()
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).Create(entry).Error; err != nil {
			return fmt.Errorf("store: create drawer entry: %w", err)
		}
		return nil
	})
}

// ListDrawerEntries returns an org's drawer entries, newest first.
func (s *Store) ListDrawerEntries(ctx context.Context, orgID string) ([]models.DrawerEntry, error) {
	var out []models.DrawerEntry
	err := s.conn(ctx).Where("org_id = ?", orgID).Order("created DESC, id").Find(&out).Error
	return out, err
}
