package store

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/notifications-engine/internal/models"
)

var seedNamespace = uuid.MustParse("0f6f3c52-6a0e-4a43-8d4e-2b9f1d7e9c10")

// Seed is reference data loaded from YAML at startup.
type Seed struct {
	Bundles       []SeedBundle       `yaml:"bundles"`
	Endpoints     []SeedEndpoint     `yaml:"endpoints"`
	Subscriptions []SeedSubscription `yaml:"subscriptions"`
	Templates     SeedTemplates      `yaml:"templates"`
}

// SeedBundle declares a bundle and its applications.
type SeedBundle struct {
	Name         string            `yaml:"name"`
	DisplayName  string            `yaml:"display_name"`
	Applications []SeedApplication `yaml:"applications"`
}

// SeedApplication declares an application and its event types.
type SeedApplication struct {
	Name               string          `yaml:"name"`
	DisplayName        string          `yaml:"display_name"`
	AggregationEnabled bool            `yaml:"aggregation_enabled"`
	EventTypes         []SeedEventType `yaml:"event_types"`
}

// SeedEventType declares one event type.
type SeedEventType struct {
	Name                string `yaml:"name"`
	DisplayName         string `yaml:"display_name"`
	FullyQualifiedName  string `yaml:"fully_qualified_name"`
	SubscribedByDefault bool   `yaml:"subscribed_by_default"`
	SubscriptionLocked  bool   `yaml:"subscription_locked"`
}

// SeedEndpoint declares an endpoint and the event types it is linked to,
// written as "bundle/application/event_type".
type SeedEndpoint struct {
	models.Endpoint `yaml:",inline"`
	EventTypes      []string `yaml:"event_types"`
}

// SeedSubscription declares a user preference.
type SeedSubscription struct {
	OrgID      string                  `yaml:"org_id"`
	Username   string                  `yaml:"username"`
	EventType  string                  `yaml:"event_type"`
	Type       models.SubscriptionType `yaml:"type"`
	Subscribed bool                    `yaml:"subscribed"`
}

// SeedTemplates carries digest templates keyed by "bundle/application" for
// sections and by bundle for the digest body.
type SeedTemplates struct {
	Sections map[string]string `yaml:"sections"`
	Digests  map[string]string `yaml:"digests"`
}

// LoadSeed reads and parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read seed: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed parses YAML seed content.
func ParseSeed(raw []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("store: parse seed: %w", err)
	}
	return &seed, nil
}

// SeedID derives the stable id of a seeded entity from its natural key.
func SeedID(parts ...string) string {
	return uuid.NewSHA1(seedNamespace, []byte(strings.Join(parts, "/"))).String()
}

// ApplySeed upserts every entity of the seed in one unit of work.
func (s *Store) ApplySeed(ctx context.Context, seed *Seed) error {
	if seed == nil {
		return nil
	}
	return s.WithinTx(ctx, func(ctx context.Context) error {
		upsert := func() *gorm.DB {
			return s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true})
		}
		eventTypeIDs := map[string]string{}

		for _, b := range seed.Bundles {
			bundle := models.Bundle{ID: SeedID(b.Name), Name: b.Name, DisplayName: b.DisplayName}
			if err := upsert().Create(&bundle).Error; err != nil {
				return fmt.Errorf("store: seed bundle %s: %w", b.Name, err)
			}
			for _, a := range b.Applications {
				app := models.Application{
					ID:                 SeedID(b.Name, a.Name),
					BundleID:           bundle.ID,
					Name:               a.Name,
					DisplayName:        a.DisplayName,
					AggregationEnabled: a.AggregationEnabled,
				}
				if err := upsert().Omit("Bundle").Create(&app).Error; err != nil {
					return fmt.Errorf("store: seed application %s/%s: %w", b.Name, a.Name, err)
				}
				for _, e := range a.EventTypes {
					fqn := e.FullyQualifiedName
					if fqn == "" {
						fqn = models.DeriveFQN(b.Name, a.Name, e.Name)
					}
					et := models.EventType{
						ID:                  SeedID(b.Name, a.Name, e.Name),
						ApplicationID:       app.ID,
						Name:                e.Name,
						DisplayName:         e.DisplayName,
						FullyQualifiedName:  fqn,
						SubscribedByDefault: e.SubscribedByDefault,
						SubscriptionLocked:  e.SubscriptionLocked,
					}
					if err := upsert().Omit("Application").Create(&et).Error; err != nil {
						return fmt.Errorf("store: seed event type %s: %w", e.Name, err)
					}
					eventTypeIDs[strings.Join([]string{b.Name, a.Name, e.Name}, "/")] = et.ID
				}
			}
		}

		for _, se := range seed.Endpoints {
			ep := se.Endpoint
			if ep.ID == "" {
				ep.ID = SeedID("endpoint", ep.OrgID, ep.Name)
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
			if err := upsert().Create(&ep).Error; err != nil {
				return fmt.Errorf("store: seed endpoint %s: %w", ep.Name, err)
			}
			for _, key := range se.EventTypes {
				etID, ok := eventTypeIDs[key]
				if !ok {
					return fmt.Errorf("store: seed endpoint %s: unknown event type %q", ep.Name, key)
				}
				if err := s.LinkEndpoint(ctx, ep.ID, etID); err != nil {
					return err
				}
			}
		}

		for _, sub := range seed.Subscriptions {
			etID, ok := eventTypeIDs[sub.EventType]
			if !ok {
				return fmt.Errorf("store: seed subscription %s: unknown event type %q", sub.Username, sub.EventType)
			}
			row := models.Subscription{
				OrgID:       sub.OrgID,
				Username:    sub.Username,
				EventTypeID: etID,
				Type:        sub.Type,
				Subscribed:  sub.Subscribed,
			}
			if err := s.UpsertSubscription(ctx, &row); err != nil {
				return err
			}
		}
		return nil
	})
}
