package outbox

import (
	"context"
	"fmt"

	"github.com/mmynk/fieldsync/internal/models"
	"github.com/mmynk/fieldsync/internal/payload"
	"github.com/mmynk/fieldsync/internal/storage"
)

// sweepOrder lists parents before children so a re-enqueued child never
// overtakes its parent.
var sweepOrder = []string{
	models.EntityClient,
	models.EntityCycle,
	models.EntityAsset,
	models.EntitySettlement,
	models.EntityExpense,
}

// Sweep re-enqueues an UPDATE for every row changed within the retention
// window that has no outbox operation recorded at or after its change. This
// repairs writes whose Enqueue failed. Deleted rows leave nothing behind to
// find, so a lost DELETE operation is not recovered.
func (o *Outbox) Sweep(ctx context.Context) (map[string]int, error) {
	since := o.clock.Now().Add(-o.policy.Retention)
	var counts map[string]int

	err := o.store.WithTx(ctx, func(tx storage.Tx) error {
		counts = make(map[string]int)
		for _, entityType := range sweepOrder {
			ids, err := tx.ListUnsynced(ctx, entityType, since)
			if err != nil {
				return err
			}
			for _, id := range ids {
				data, err := Snapshot(ctx, tx, entityType, id)
				if err != nil {
					return err
				}
				entry := Entry{EntityType: entityType, EntityID: id, Kind: models.KindUpdate, Data: data}
				if o.Enqueue(ctx, tx, entry) != nil {
					counts[entityType]++
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sweep: %w", err)
	}

	total := 0
	for entityType, n := range counts {
		o.metrics.swept.WithLabelValues(entityType).Add(float64(n))
		total += n
	}
	if total > 0 {
		o.logger.WarnContext(ctx, "Re-enqueued writes missing from the outbox", "count", total)
		o.Notify()
	}
	return counts, nil
}

// Snapshot loads the current payload DTO of an entity.
func Snapshot(ctx context.Context, q storage.Queries, entityType, id string) (any, error) {
	switch entityType {
	case models.EntityClient:
		c, err := q.GetClient(ctx, id)
		if err != nil {
			return nil, err
		}
		return payload.FromClient(c), nil
	case models.EntityAsset:
		a, err := q.GetAsset(ctx, id)
		if err != nil {
			return nil, err
		}
		return payload.FromAsset(a), nil
	case models.EntityCycle:
		c, err := q.GetCycle(ctx, id)
		if err != nil {
			return nil, err
		}
		return payload.FromCycle(c), nil
	case models.EntitySettlement:
		s, err := q.GetSettlement(ctx, id)
		if err != nil {
			return nil, err
		}
		return payload.FromSettlement(s), nil
	case models.EntityExpense:
		e, err := q.GetExpense(ctx, id)
		if err != nil {
			return nil, err
		}
		return payload.FromExpense(e), nil
	}
	return nil, fmt.Errorf("unknown entity type: %s", entityType)
}
