package store

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"github.com/example/notifications-engine/internal/models"
)

// UpsertSubscription records a user's opt-in or opt-out.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "username"}, {Name: "event_type_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"subscribed"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("store: upsert subscription: %w", err)
	}
	return nil
}

// ListSubscribers returns users who opted in.
func (s *Store) ListSubscribers(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType) ([]string, error) {
	return s.listUsernames(ctx, orgID, eventTypeID, typ, true)
}

// ListUnsubscribers returns users who opted out.
func (s *Store) ListUnsubscribers(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType) ([]string, error) {
	return s.listUsernames(ctx, orgID, eventTypeID, typ, false)
}

// ListOrgUsers returns every user with at least one preference row in the org.
func (s *Store) ListOrgUsers(ctx context.Context, orgID string) ([]string, error) {
	var out []string
	err := s.conn(ctx).Model(&models.Subscription{}).
		Where("org_id = ?", orgID).
		Distinct("username").
		Order("username").
		Pluck("username", &out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list org users: %w", err)
	}
	return out, nil
}

func (s *Store) listUsernames(ctx context.Context, orgID, eventTypeID string, typ models.SubscriptionType, subscribed bool) ([]string, error) {
	var out []string
	err := s.conn(ctx).Model(&models.Subscription{}).
		Where("org_id = ? AND event_type_id = ? AND type = ? AND subscribed = ?", orgID, eventTypeID, typ, subscribed).
		Order("username").
		Pluck("username", &out).Error
	if err != nil {
		return nil, fmt.Errorf("store: list subscriptions: %w", err)
	}
	return out, nil
}
