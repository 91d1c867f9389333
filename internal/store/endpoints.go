package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/notifications-engine/internal/models"
)

var systemEndpointNamespace = uuid.MustParse("5d1e0c87-8d7b-4c39-9a59-3f0c3b5c7a21")

// CreateEndpoint inserts an endpoint, filling id, status and timestamps.
func (s *Store) CreateEndpoint(ctx context.Context, ep *models.Endpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.Status == "" {
		ep.Status = models.EndpointStatusReady
	}
	if ep.Created.IsZero() {
		ep.Created = s.now()
	}
	if ep.Properties == nil {
		ep.Properties = models.JSONMap{}
	}
	if err := s.conn(ctx).Create(ep).Error; err != nil {
		return fmt.Errorf("store: create endpoint: %w", err)
	}
	return nil
}

// GetEndpoint loads an endpoint by id.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	var ep models.Endpoint
	if err := s.conn(ctx).Where("id = ?", id).Take(&ep).Error; err != nil {
		return nil, notFound(err, ErrNotFound)
	}
	return &ep, nil
}

// DeleteEndpoint removes an endpoint and its event type links.
func (s *Store) DeleteEndpoint(ctx context.Context, id string) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.conn(ctx).Where("endpoint_id = ?", id).Delete(&models.EndpointEventType{}).Error; err != nil {
			return err
		}
		return s.conn(ctx).Where("id = ?", id).Delete(&models.Endpoint{}).Error
	})
}

// LinkEndpoint subscribes an endpoint explicitly to an event type.
func (s *Store) LinkEndpoint(ctx context.Context, endpointID, eventTypeID string) error {
	link := models.EndpointEventType{EndpointID: endpointID, EventTypeID: eventTypeID}
	if err := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
		return fmt.Errorf("store: link endpoint: %w", err)
	}
	return nil
}

// ListTargetEndpoints returns the enabled endpoints of the org explicitly
// linked to the event type.
func (s *Store) ListTargetEndpoints(ctx context.Context, orgID, eventTypeID string) ([]models.Endpoint, error) {
	var eps []models.Endpoint
	err := s.conn(ctx).
		Joins("JOIN endpoint_event_types ON endpoint_event_types.endpoint_id = endpoints.id").
		Where("endpoints.org_id = ? AND endpoints.enabled = ? AND endpoint_event_types.event_type_id = ?", orgID, true, eventTypeID).
		Order("endpoints.created, endpoints.id").
		Find(&eps).Error
	if err != nil {
		return nil, fmt.Errorf("store: list target endpoints: %w", err)
	}
	return eps, nil
}

// GetOrCreateSystemEndpoint returns the org's implicit email or drawer
// endpoint, creating it on first use. The id is derived from (org, type) so
// concurrent creators converge on one row.
func (s *Store) GetOrCreateSystemEndpoint(ctx context.Context, orgID string, typ models.EndpointType) (*models.Endpoint, error) {
	id := uuid.NewSHA1(systemEndpointNamespace, []byte(orgID+"/"+string(typ))).String()
	ep := &models.Endpoint{
		ID:         id,
		OrgID:      orgID,
		Name:       systemEndpointName(typ),
		Type:       typ,
		Enabled:    true,
		Status:     models.EndpointStatusReady,
		Properties: models.JSONMap{"only_admins": false, "ignore_preferences": false},
		Created:    s.now(),
	}
	if err := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(ep).Error; err != nil {
		return nil, fmt.Errorf("store: create system endpoint: %w", err)
	}
	return s.GetEndpoint(ctx, id)
}

func systemEndpointName(typ models.EndpointType) string {
	switch typ {
	case models.EndpointDrawer:
		return "Drawer"
	default:
		return "Email"
	}
}

// IncrementServerErrors atomically bumps the server error streak of an
// enabled endpoint, stamping the streak start on the first error. It returns
// the streak after the increment; ok is false when the endpoint is missing or
// already disabled.
func (s *Store) IncrementServerErrors(ctx context.Context, id string) (streak int, ok bool, err error) {
	now := s.now()
	res := s.conn(ctx).Model(&models.Endpoint{}).
		Where("id = ? AND enabled = ?", id, true).
		Updates(map[string]any{
			"server_errors":       gorm.Expr("server_errors + 1"),
			"server_errors_since": gorm.Expr("COALESCE(server_errors_since, ?)", now),
			"updated":             now,
		})
	if res.Error != nil {
		return 0, false, fmt.Errorf("store: increment server errors: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, false, nil
	}
	var ep models.Endpoint
	if err := s.conn(ctx).Select("server_errors").Where("id = ?", id).Take(&ep).Error; err != nil {
		return 0, false, fmt.Errorf("store: read server errors: %w", err)
	}
	return ep.ServerErrors, true, nil
}

// DisableOnServerErrors disables the endpoint when its streak reached the
// threshold. disabled is true only for the call that performed the change.
func (s *Store) DisableOnServerErrors(ctx context.Context, id string, threshold int) (disabled bool, err error) {
	res := s.conn(ctx).Model(&models.Endpoint{}).
		Where("id = ? AND enabled = ? AND server_errors >= ?", id, true, threshold).
		Updates(map[string]any{
			"enabled": false,
			"status":  models.EndpointStatusFailed,
			"updated": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: disable on server errors: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DisableEndpoint disables an enabled endpoint. disabled is true only for the
// call that performed the change.
func (s *Store) DisableEndpoint(ctx context.Context, id string) (disabled bool, err error) {
	res := s.conn(ctx).Model(&models.Endpoint{}).
		Where("id = ? AND enabled = ?", id, true).
		Updates(map[string]any{
			"enabled": false,
			"status":  models.EndpointStatusFailed,
			"updated": s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: disable endpoint: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ResetServerErrors clears a non-empty streak.
func (s *Store) ResetServerErrors(ctx context.Context, id string) (reset bool, err error) {
	res := s.conn(ctx).Model(&models.Endpoint{}).
		Where("id = ? AND server_errors > 0", id).
		Updates(map[string]any{
			"server_errors":       0,
			"server_errors_since": nil,
			"updated":             s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: reset server errors: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// EnableEndpoint re-enables a disabled endpoint and clears its streak.
func (s *Store) EnableEndpoint(ctx context.Context, id string) (enabled bool, err error) {
	res := s.conn(ctx).Model(&models.Endpoint{}).
		Where("id = ? AND enabled = ?", id, false).
		Updates(map[string]any{
			"enabled":             true,
			"status":              models.EndpointStatusReady,
			"server_errors":       0,
			"server_errors_since": nil,
			"updated":             s.now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("store: enable endpoint: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
