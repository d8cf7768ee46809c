// Package reconcile merges records that were created independently on
// different devices and applies records pulled from the backend.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/clock"
	"github.com/mmynk/fieldsync/internal/ledger"
	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/observe"
	"github.com/mmynk/fieldsync/internal/outbox"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// Resolution is what ResolveRemoteClient did with a remote client.
type Resolution int

const (
	// Kept means the local copy was newer and was left as is.
	Kept Resolution = iota
	Inserted
	Updated
	// Merged means a local client with a different id was folded into the
	// remote one.
	Merged
)

func (r Resolution) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Merged:
		return "merged"
	}
	return "kept"
}

// Resolver reconciles client identities.
type Resolver struct {
	store    storage.Store
	outbox   *outbox.Outbox
	clock    clock.Clock
	observer observe.MutationObserver
	logger   *slog.Logger
}

// New creates a Resolver. A nil observer is replaced by observe.Nop.
func New(store storage.Store, ob *outbox.Outbox, clk clock.Clock, observer observe.MutationObserver) *Resolver {
	if observer == nil {
		observer = observe.Nop{}
	}
	return &Resolver{
		store:    store,
		outbox:   ob,
		clock:    clk,
		observer: observer,
		logger:   slog.Default(),
	}
}

// Merge folds the local client staleID into canonicalID, the id the backend
// already holds for the same client. It runs in one transaction: either every
// reference is moved or nothing changes. Merging a client that no longer
// exists locally is a no-op.
func (r *Resolver) Merge(ctx context.Context, entityType, staleID, canonicalID string) error {
	if entityType != models.EntityClient {
		return apperr.Reconciliation("cannot merge %s records", entityType)
	}
	if canonicalID == "" || canonicalID == staleID {
		return apperr.Reconciliation("invalid canonical id %q for %s", canonicalID, staleID)
	}

	var merged bool
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		stale, err := tx.GetClient(ctx, staleID)
		if apperr.IsNotFound(err) {
			merged = false
			return nil
		}
		if err != nil {
			return err
		}

		canonical, err := tx.GetClient(ctx, canonicalID)
		switch {
		case apperr.IsNotFound(err):
			c := *stale
			c.ID = canonicalID
			canonical = &c
		case err != nil:
			return err
		}

		merged = true
		return r.merge(ctx, tx, stale, canonical)
	})
	if err != nil {
		return err
	}
	if merged {
		r.committed(ctx, staleID, canonicalID)
	}
	return nil
}

// ResolveRemoteClient applies a client pulled from the backend.
//
// A client already known by id is resolved last writer wins on UpdatedAt.
// Inserted and updated rows are marked synced so the outbox sweep does not
// send them back.
// Otherwise local clients on the same route are matched by MatchKey: no
// match inserts the remote client, one match is merged into it, and more
// than one fails with RECONCILIATION without changing anything.
func (r *Resolver) ResolveRemoteClient(ctx context.Context, remote *models.Client) (Resolution, error) {
	if remote.ID == "" || remote.RouteID == "" {
		return Kept, apperr.Validation("remote client needs an id and a route")
	}

	var (
		res     Resolution
		staleID string
	)
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		now := r.clock.Now()

		local, err := tx.GetClient(ctx, remote.ID)
		switch {
		case err == nil:
			if !remote.UpdatedAt.After(local.UpdatedAt) {
				res = Kept
				return nil
			}
			applyRemote(local, remote)
			if err := tx.UpdateClient(ctx, local); err != nil {
				return err
			}
			if _, err := ledger.Refresh(ctx, tx, local.ID, now); err != nil {
				return err
			}
			res = Updated
			return tx.MarkSynced(ctx, models.EntityClient, local.ID)
		case !apperr.IsNotFound(err):
			return err
		}

		roster, err := tx.ListClientsByRoute(ctx, remote.RouteID)
		if err != nil {
			return err
		}
		key := MatchKey(remote.RouteID, remote.Name)
		var matches []*models.Client
		for _, c := range roster {
			if MatchKey(c.RouteID, c.Name) == key {
				matches = append(matches, c)
			}
		}

		switch len(matches) {
		case 0:
			c := *remote
			if err := tx.InsertClient(ctx, &c); err != nil {
				return err
			}
			if _, err := ledger.Refresh(ctx, tx, c.ID, now); err != nil {
				return err
			}
			res = Inserted
			return tx.MarkSynced(ctx, models.EntityClient, c.ID)
		case 1:
			staleID = matches[0].ID
			c := *remote
			res = Merged
			return r.merge(ctx, tx, matches[0], &c)
		default:
			ids := make([]string, 0, len(matches))
			for _, m := range matches {
				ids = append(ids, m.ID)
			}
			return apperr.Reconciliation("remote client %s matches %d local clients %v", remote.ID, len(matches), ids)
		}
	})
	if err != nil {
		return Kept, err
	}

	switch res {
	case Inserted:
		r.observer.OnInserted(ctx, models.EntityClient, remote.ID)
	case Updated:
		r.observer.OnUpdated(ctx, models.EntityClient, remote.ID)
	case Merged:
		r.committed(ctx, staleID, remote.ID)
	}
	return res, nil
}

func applyRemote(local, remote *models.Client) {
	local.RouteID = remote.RouteID
	local.Name = remote.Name
	local.Document = remote.Document
	local.Phone = remote.Phone
	local.Active = remote.Active
	local.UpdatedAt = remote.UpdatedAt
}

// merge moves everything that references stale to canonical inside tx.
// canonical is inserted when it does not exist locally yet.
func (r *Resolver) merge(ctx context.Context, tx storage.Tx, stale, canonical *models.Client) error {
	now := r.clock.Now()

	if _, err := tx.GetClient(ctx, canonical.ID); apperr.IsNotFound(err) {
		if err := tx.InsertClient(ctx, canonical); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	assets, err := tx.ReassignAssets(ctx, stale.ID, canonical.ID, now)
	if err != nil {
		return err
	}
	settlements, err := tx.ReassignSettlements(ctx, stale.ID, canonical.ID)
	if err != nil {
		return err
	}

	if _, err := tx.SupersedeOutbox(ctx, models.EntityClient, stale.ID, models.KindCreate, outbox.NoteSuperseded, now); err != nil {
		return err
	}
	if _, err := tx.RetargetOutbox(ctx, models.EntityClient, stale.ID, canonical.ID, now); err != nil {
		return err
	}
	pending, err := r.rewritePending(ctx, tx, stale.ID, canonical.ID, now)
	if err != nil {
		return err
	}

	if err := tx.DeleteClient(ctx, stale.ID); err != nil {
		return err
	}
	if _, err := ledger.Refresh(ctx, tx, canonical.ID, now); err != nil {
		return err
	}

	// Children already delivered under the stale id must be re-sent with
	// their new client.
	for _, id := range assets {
		if err := r.resend(ctx, tx, pending, models.EntityAsset, id); err != nil {
			return err
		}
	}
	for _, id := range settlements {
		if err := r.resend(ctx, tx, pending, models.EntitySettlement, id); err != nil {
			return err
		}
	}

	c, err := tx.GetClient(ctx, canonical.ID)
	if err != nil {
		return err
	}
	r.outbox.Enqueue(ctx, tx, outbox.Entry{
		EntityType: models.EntityClient,
		EntityID:   c.ID,
		Kind:       models.KindUpdate,
		Data:       payload.FromClient(c),
		Priority:   models.PriorityHigh,
	})

	r.logger.DebugContext(ctx, "Merging client into canonical",
		"stale_id", stale.ID,
		"canonical_id", canonical.ID,
		"assets", len(assets),
		"settlements", len(settlements),
	)
	return nil
}

// rewritePending points the payloads of pending operations at the canonical
// client and returns the set of entities that still have a pending
// operation.
func (r *Resolver) rewritePending(ctx context.Context, tx storage.Tx, staleID, canonicalID string, now time.Time) (map[string]bool, error) {
	ops, err := tx.ListPendingOutbox(ctx)
	if err != nil {
		return nil, err
	}

	pending := make(map[string]bool, len(ops))
	for _, op := range ops {
		pending[op.EntityType+"/"+op.EntityID] = true

		var (
			raw     []byte
			changed bool
		)
		if op.EntityType == models.EntityClient && op.EntityID == canonicalID {
			raw, changed, err = rewriteClientPayload(op.Payload, staleID, canonicalID)
		} else {
			raw, changed, err = payload.RewriteClientID(op.Payload, staleID, canonicalID)
		}
		if err != nil {
			// Undecodable payloads are parked by the dispatcher.
			continue
		}
		if !changed {
			continue
		}
		if err := tx.UpdateOutboxPayload(ctx, op.ID, raw, now); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func rewriteClientPayload(b []byte, staleID, canonicalID string) ([]byte, bool, error) {
	env, err := payload.Decode(b)
	if err != nil {
		return nil, false, err
	}
	var c payload.Client
	if err := env.Into(&c); err != nil {
		return nil, false, err
	}
	if c.ID != staleID {
		return b, false, nil
	}
	c.ID = canonicalID
	out, err := payload.Encode(env.EntityType, env.Kind, c)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (r *Resolver) resend(ctx context.Context, tx storage.Tx, pending map[string]bool, entityType, id string) error {
	if pending[entityType+"/"+id] {
		return nil
	}
	data, err := outbox.Snapshot(ctx, tx, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s %s: %w", entityType, id, err)
	}
	r.outbox.Enqueue(ctx, tx, outbox.Entry{
		EntityType: entityType,
		EntityID:   id,
		Kind:       models.KindUpdate,
		Data:       data,
	})
	return nil
}

func (r *Resolver) committed(ctx context.Context, staleID, canonicalID string) {
	r.outbox.Notify()
	r.observer.OnDeleted(ctx, models.EntityClient, staleID)
	r.observer.OnUpdated(ctx, models.EntityClient, canonicalID)
	r.logger.InfoContext(ctx, "Client merged", "stale_id", staleID, "canonical_id", canonicalID)
}
