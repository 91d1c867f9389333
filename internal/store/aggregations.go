package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/notifications-engine/internal/models"
)

// purgeChunk bounds the IN list of a single delete statement.
const purgeChunk = 500

// AddAggregation buffers a raw event for a later digest, in its own savepoint.
func (s *Store) AddAggregation(ctx context.Context, row *models.EventAggregation) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Created.IsZero() {
		row.Created = s.now()
	}
	row.Created = row.Created.UTC()
	return s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).Create(row).Error; err != nil {
			return fmt.Errorf("store: add aggregation: %w", err)
		}
		return nil
	})
}

// FetchAggregations returns one page of buffered rows for the key in the
// half-open window [start, end), ordered by creation time.
func (s *Store) FetchAggregations(ctx context.Context, key models.AggregationKey, start, end time.Time, offset, limit int) ([]models.EventAggregation, error) {
	var rows []models.EventAggregation
	err := s.conn(ctx).
		Where("org_id = ? AND bundle = ? AND application = ?", key.OrgID, key.Bundle, key.Application).
		Where("created >= ? AND created < ?", start.UTC(), end.UTC()).
		Order("created, id").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: fetch aggregations: %w", err)
	}
	return rows, nil
}

// DeleteAggregations removes exactly the given rows.
func (s *Store) DeleteAggregations(ctx context.Context, ids []string) (int64, error) {
	var total int64
	for start := 0; start < len(ids); start += purgeChunk {
		end := start + purgeChunk
		if end > len(ids) {
			end = len(ids)
		}
		res := s.conn(ctx).Where("id IN ?", ids[start:end]).Delete(&models.EventAggregation{})
		if res.Error != nil {
			return total, fmt.Errorf("store: purge aggregations: %w", res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

// CountAggregations counts buffered rows for a key.
func (s *Store) CountAggregations(ctx context.Context, key models.AggregationKey) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&models.EventAggregation{}).
		Where("org_id = ? AND bundle = ? AND application = ?", key.OrgID, key.Bundle, key.Application).
		Count(&n).Error
	return n, err
}
