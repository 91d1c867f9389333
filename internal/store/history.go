package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/notifications-engine/internal/models"
)

// CreateHistory persists one history entry in its own savepoint so a failure
// leaves sibling entries of the same unit of work intact.
func (s *Store) CreateHistory(ctx context.Context, h *models.NotificationHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Created.IsZero() {
		h.Created = s.now()
	}
	if h.Details == nil {
		h.Details = models.JSONMap{}
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).Create(h).Error; err != nil {
			return fmt.Errorf("store: create history: %w", err)
		}
		return nil
	})
}

// GetHistory loads a history entry by id.
func (s *Store) GetHistory(ctx context.Context, id string) (*models.NotificationHistory, error) {
	var h models.NotificationHistory
	if err := s.conn(ctx).Where("id = ?", id).Take(&h).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &h, nil
}

// ListHistoryByEvent returns the history entries of an event.
func (s *Store) ListHistoryByEvent(ctx context.Context, eventID string) ([]models.NotificationHistory, error) {
	var out []models.NotificationHistory
	err := s.conn(ctx).Where("event_id = ?", eventID).Order("created, id").Find(&out).Error
	return out, err
}

// FinalizeHistory moves a PROCESSING entry to a final status, merging details.
// updated is false when the entry is unknown or already final.
func (s *Store) FinalizeHistory(ctx context.Context, id string, status models.HistoryStatus, invocationTime int64, details map[string]any) (updated bool, err error) {
	err = s.WithinTx(ctx, func(ctx context.Context) error {
		h, err := s.GetHistory(ctx, id)
		if err != nil {
			return err
		}
		if h.Status.IsFinal() {
			return nil
		}
		res := s.conn(ctx).Model(&models.NotificationHistory{}).
			Where("id = ? AND status = ?", id, models.HistoryProcessing).
			Updates(map[string]any{
				"status":          status,
				"invocation_time": invocationTime,
				"details":         h.Details.Merge(details),
				"updated":         s.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("store: finalize history: %w", res.Error)
		}
		updated = res.RowsAffected == 1
		return nil
	})
	return updated, err
}
