package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/example/notifications-engine/internal/models"
)

// HasKafkaMessage reports whether a message identifier was already recorded.
func (s *Store) HasKafkaMessage(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.conn(ctx).Model(&models.KafkaMessage{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: lookup kafka message: %w", err)
	}
	return count > 0, nil
}

// RegisterKafkaMessage records a message identifier. Registering twice is a
// no-op; inserted is false when the row already existed.
func (s *Store) RegisterKafkaMessage(ctx context.Context, id string) (inserted bool, err error) {
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.KafkaMessage{ID: id, Created: s.now()})
	if res.Error != nil {
		return false, fmt.Errorf("store: register kafka message: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
