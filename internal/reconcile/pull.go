package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/ledger"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Record is one entity as held by the backend.
type Record struct {
	EntityType string
	EntityID   string
	Data       json.RawMessage
	Deleted    bool

	// UpdatedAt is the backend's change time, used as the pull watermark.
	UpdatedAt time.Time
}

// Source lists backend records changed after a watermark, oldest first.
type Source interface {
	Pull(ctx context.Context, entityType string, since time.Time, limit int) ([]Record, error)
}

// Applier writes one pulled record to the device store.
type Applier func(ctx context.Context, rec Record) error

// Puller pulls backend changes incrementally. The watermark of each entity
// type is kept in SyncMetadata under the entity type.
type Puller struct {
	source   Source
	store    storage.Store
	resolver *Resolver
	clock    clock.Clock
	pageSize int
	logger   *slog.Logger

	order    []string
	appliers map[string]Applier
}

// NewPuller creates a Puller with appliers for clients and settlements.
func NewPuller(source Source, store storage.Store, resolver *Resolver, clk clock.Clock, pageSize int) *Puller {
	if pageSize <= 0 {
		pageSize = 200
	}
	p := &Puller{
		source:   source,
		store:    store,
		resolver: resolver,
		clock:    clk,
		pageSize: pageSize,
		logger:   slog.Default(),
		appliers: make(map[string]Applier),
	}
	p.Register(models.EntityClient, p.applyClient)
	p.Register(models.EntitySettlement, p.applySettlement)
	return p
}

// Register sets the applier of an entity type. PullAll visits entity types
// in registration order.
func (p *Puller) Register(entityType string, a Applier) {
	if _, ok := p.appliers[entityType]; !ok {
		p.order = append(p.order, entityType)
	}
	p.appliers[entityType] = a
}

// PullAll pulls every registered entity type and returns the number of
// records applied per type. It stops at the first failure.
func (p *Puller) PullAll(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(p.order))
	for _, entityType := range p.order {
		n, err := p.Pull(ctx, entityType)
		counts[entityType] = n
		if err != nil {
			return counts, err
		}
	}
	return counts, nil
}

// Pull fetches and applies every record of entityType changed since the last
// pull. The watermark only advances past records that were applied.
func (p *Puller) Pull(ctx context.Context, entityType string) (int, error) {
	apply, ok := p.appliers[entityType]
	if !ok {
		return 0, apperr.Validation("no pull applier for %s", entityType)
	}

	meta, err := p.store.GetSyncMetadata(ctx, entityType)
	if err != nil {
		return 0, err
	}
	start := p.clock.Now()
	since := meta.LastSyncTimestamp

	applied := 0
	var pullErr error
	for ctx.Err() == nil {
		records, err := p.source.Pull(ctx, entityType, since, p.pageSize)
		if err != nil {
			pullErr = fmt.Errorf("failed to pull %s: %w", entityType, err)
			break
		}
		for _, rec := range records {
			if err := apply(ctx, rec); err != nil {
				pullErr = fmt.Errorf("failed to apply %s %s: %w", entityType, rec.EntityID, err)
				break
			}
			applied++
			if rec.UpdatedAt.After(since) {
				since = rec.UpdatedAt
			}
		}
		if pullErr != nil || len(records) < p.pageSize {
			break
		}
	}
	if pullErr == nil {
		pullErr = ctx.Err()
	}

	meta.LastSyncTimestamp = since
	meta.LastSyncCount = applied
	meta.LastDuration = p.clock.Now().Sub(start)
	meta.LastError = ""
	if pullErr != nil {
		meta.LastError = pullErr.Error()
	}
	meta.UpdatedAt = p.clock.Now()
	bg := context.WithoutCancel(ctx)
	err = p.store.WithTx(bg, func(tx storage.Tx) error {
		return tx.PutSyncMetadata(bg, meta)
	})
	if err != nil {
		return applied, err
	}

	if pullErr != nil {
		p.logger.WarnContext(ctx, "Pull stopped", "entity_type", entityType, "applied", applied, "error", pullErr)
		return applied, pullErr
	}
	if applied > 0 {
		p.logger.InfoContext(ctx, "Pulled remote changes", "entity_type", entityType, "count", applied)
	}
	return applied, nil
}

func (p *Puller) applyClient(ctx context.Context, rec Record) error {
	if rec.Deleted {
		// Clients are deactivated, not deleted; a remote delete is the
		// leftover of a merge on another device.
		p.logger.DebugContext(ctx, "Ignoring deleted remote client", "client_id", rec.EntityID)
		return nil
	}
	env := payload.Envelope{EntityType: rec.EntityType, Data: rec.Data}
	var dto payload.Client
	if err := env.Into(&dto); err != nil {
		return err
	}
	c := dto.Model()
	c.ID = rec.EntityID
	_, err := p.resolver.ResolveRemoteClient(ctx, c)
	return err
}

func (p *Puller) applySettlement(ctx context.Context, rec Record) error {
	return p.store.WithTx(ctx, func(tx storage.Tx) error {
		now := p.clock.Now()
		if rec.Deleted {
			s, err := tx.GetSettlement(ctx, rec.EntityID)
			if apperr.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := tx.DeleteSettlement(ctx, s.ID); err != nil {
				return err
			}
			return refreshIfKnown(ctx, tx, s.ClientID, now)
		}

		env := payload.Envelope{EntityType: rec.EntityType, Data: rec.Data}
		var dto payload.Settlement
		if err := env.Into(&dto); err != nil {
			return err
		}
		s := dto.Model()
		s.ID = rec.EntityID
		inserted, err := tx.InsertSettlementIfAbsent(ctx, s)
		if err != nil || !inserted {
			return err
		}
		if err := tx.MarkSynced(ctx, models.EntitySettlement, s.ID); err != nil {
			return err
		}
		return refreshIfKnown(ctx, tx, s.ClientID, now)
	})
}

// refreshIfKnown recomputes a client's cached debt. Settlements may arrive
// before their client; the cache is then computed when the client is pulled.
func refreshIfKnown(ctx context.Context, tx storage.Tx, clientID string, now time.Time) error {
	_, err := ledger.Refresh(ctx, tx, clientID, now)
	if apperr.IsNotFound(err) {
		return nil
	}
	return err
}
