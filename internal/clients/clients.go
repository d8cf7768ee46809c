// Package clients manages the client roster of a route and the assets placed
// at each client.
package clients

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Input carries the editable fields of a client.
type Input struct {
	// ID is generated on create when empty.
	ID       string
	RouteID  string
	Name     string
	Document string
	Phone    string
}

func (in Input) validate() error {
	if in.RouteID == "" {
		return apperr.Validation("route id is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return apperr.Validation("client name is required")
	}
	return nil
}

// Service is the client and asset write path.
//
// Client operations are enqueued with high priority so a client reaches the
// backend before the settlements and assets that reference it.
type Service struct {
	store    storage.Store
	outbox   *outbox.Outbox
	clock    clock.Clock
	observer observe.MutationObserver
	logger   *slog.Logger
}

// New creates a Service. A nil observer is replaced by observe.Nop.
func New(store storage.Store, ob *outbox.Outbox, clk clock.Clock, observer observe.MutationObserver) *Service {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Service{
		store:    store,
		outbox:   ob,
		clock:    clk,
		observer: observer,
		logger:   slog.Default(),
	}
}

// Create adds an active client with zero debt.
func (s *Service) Create(ctx context.Context, in Input) (*models.Client, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var created *models.Client
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		now := s.clock.Now()
		id := in.ID
		if id == "" {
			id = uuid.New().String()
		}
		c := &models.Client{
			ID:                  id,
			RouteID:             in.RouteID,
			Name:                strings.TrimSpace(in.Name),
			Document:            in.Document,
			Phone:               in.Phone,
			Active:              true,
			CachedDebtUpdatedAt: now,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if err := tx.InsertClient(ctx, c); err != nil {
			return err
		}
		s.enqueueClient(ctx, tx, c, models.KindCreate)
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.Notify()
	s.observer.OnInserted(ctx, models.EntityClient, created.ID)
	s.logger.InfoContext(ctx, "Client created", "client_id", created.ID, "route_id", created.RouteID)
	return created, nil
}

// Update changes a client's descriptive fields. The route and the cached
// balance are not editable here.
func (s *Service) Update(ctx context.Context, id string, in Input) (*models.Client, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, apperr.Validation("client name is required")
	}
	return s.modify(ctx, id, func(c *models.Client) {
		c.Name = strings.TrimSpace(in.Name)
		c.Document = in.Document
		c.Phone = in.Phone
	})
}

// SetActive activates or deactivates a client. Inactive clients keep their
// history and balance.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (*models.Client, error) {
	return s.modify(ctx, id, func(c *models.Client) {
		c.Active = active
	})
}

func (s *Service) modify(ctx context.Context, id string, fn func(c *models.Client)) (*models.Client, error) {
	var updated *models.Client
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetClient(ctx, id)
		if err != nil {
			return err
		}
		fn(c)
		c.UpdatedAt = s.clock.Now()
		if err := tx.UpdateClient(ctx, c); err != nil {
			return err
		}
		s.enqueueClient(ctx, tx, c, models.KindUpdate)
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.Notify()
	s.observer.OnUpdated(ctx, models.EntityClient, updated.ID)
	return updated, nil
}

func (s *Service) enqueueClient(ctx context.Context, tx storage.Tx, c *models.Client, kind models.OperationKind) {
	s.outbox.Enqueue(ctx, tx, outbox.Entry{
		EntityType: models.EntityClient,
		EntityID:   c.ID,
		Kind:       kind,
		Data:       payload.FromClient(c),
		Priority:   models.PriorityHigh,
	})
}

// Get returns a client.
func (s *Service) Get(ctx context.Context, id string) (*models.Client, error) {
	return s.store.GetClient(ctx, id)
}

// ListByRoute returns the clients of a route.
func (s *Service) ListByRoute(ctx context.Context, routeID string) ([]*models.Client, error) {
	return s.store.ListClientsByRoute(ctx, routeID)
}

// AddAsset places an asset at a client.
func (s *Service) AddAsset(ctx context.Context, clientID, label string) (*models.Asset, error) {
	if strings.TrimSpace(label) == "" {
		return nil, apperr.Validation("asset label is required")
	}

	var created *models.Asset
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetClient(ctx, clientID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		a := &models.Asset{
			ID:        uuid.New().String(),
			ClientID:  c.ID,
			RouteID:   c.RouteID,
			Label:     strings.TrimSpace(label),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertAsset(ctx, a); err != nil {
			return err
		}
		s.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityAsset,
			EntityID:   a.ID,
			Kind:       models.KindCreate,
			Data:       payload.FromAsset(a),
		})
		created = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.Notify()
	s.observer.OnInserted(ctx, models.EntityAsset, created.ID)
	return created, nil
}

// MoveAsset relabels an asset or moves it to another client of the same
// route. An empty label keeps the current one.
func (s *Service) MoveAsset(ctx context.Context, assetID, clientID, label string) (*models.Asset, error) {
	var updated *models.Asset
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		a, err := tx.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		if clientID != "" && clientID != a.ClientID {
			c, err := tx.GetClient(ctx, clientID)
			if err != nil {
				return err
			}
			if c.RouteID != a.RouteID {
				return apperr.Validation("client %s is not on route %s", c.ID, a.RouteID)
			}
			a.ClientID = c.ID
		}
		if l := strings.TrimSpace(label); l != "" {
			a.Label = l
		}
		a.UpdatedAt = s.clock.Now()
		if err := tx.UpdateAsset(ctx, a); err != nil {
			return err
		}
		s.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityAsset,
			EntityID:   a.ID,
			Kind:       models.KindUpdate,
			Data:       payload.FromAsset(a),
		})
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.outbox.Notify()
	s.observer.OnUpdated(ctx, models.EntityAsset, updated.ID)
	return updated, nil
}

// RemoveAsset deletes an asset.
func (s *Service) RemoveAsset(ctx context.Context, assetID string) error {
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.DeleteAsset(ctx, assetID); err != nil {
			return err
		}
		s.outbox.Enqueue(ctx, tx, outbox.Entry{
			EntityType: models.EntityAsset,
			EntityID:   assetID,
			Kind:       models.KindDelete,
			Data:       payload.Tombstone{ID: assetID, DeletedAt: s.clock.Now()},
		})
		return nil
	})
	if err != nil {
		return err
	}

	s.outbox.Notify()
	s.observer.OnDeleted(ctx, models.EntityAsset, assetID)
	return nil
}

// Assets returns the assets placed at a client.
func (s *Service) Assets(ctx context.Context, clientID string) ([]*models.Asset, error) {
	return s.store.ListAssetsByClient(ctx, clientID)
}
