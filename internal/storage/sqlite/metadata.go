package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/fieldsync/internal/models"
)

// GetSyncMetadata retrieves the bookkeeping stored under key.
func (q queries) GetSyncMetadata(ctx context.Context, key string) (*models.SyncMetadata, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT entity_type, last_sync_timestamp, last_sync_count, last_duration_ms, last_error, updated_at
		 FROM sync_metadata WHERE entity_type = ?`,
		key,
	)
	m, err := scanSyncMetadata(row)
	if err == sql.ErrNoRows {
		return &models.SyncMetadata{EntityType: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync metadata: %w", err)
	}
	return m, nil
}

// PutSyncMetadata inserts or replaces the bookkeeping for m.EntityType.
func (q queries) PutSyncMetadata(ctx context.Context, m *models.SyncMetadata) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_metadata (entity_type, last_sync_timestamp, last_sync_count, last_duration_ms, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type) DO UPDATE SET
		     last_sync_timestamp = excluded.last_sync_timestamp,
		     last_sync_count = excluded.last_sync_count,
		     last_duration_ms = excluded.last_duration_ms,
		     last_error = excluded.last_error,
		     updated_at = excluded.updated_at`,
		m.EntityType,
		toMillis(m.LastSyncTimestamp),
		m.LastSyncCount,
		m.LastDuration.Milliseconds(),
		nullString(m.LastError),
		toMillis(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put sync metadata: %w", err)
	}
	return nil
}

// ListSyncMetadata returns every bookkeeping row ordered by key.
func (q queries) ListSyncMetadata(ctx context.Context) ([]*models.SyncMetadata, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT entity_type, last_sync_timestamp, last_sync_count, last_duration_ms, last_error, updated_at
		 FROM sync_metadata ORDER BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync metadata: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncMetadata
	for rows.Next() {
		m, err := scanSyncMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync metadata: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync metadata: %w", err)
	}
	return out, nil
}

func scanSyncMetadata(row rowScanner) (*models.SyncMetadata, error) {
	m := &models.SyncMetadata{}
	var (
		last, durationMs, updated int64
		lastError                 sql.NullString
	)
	if err := row.Scan(&m.EntityType, &last, &m.LastSyncCount, &durationMs, &lastError, &updated); err != nil {
		return nil, err
	}
	m.LastSyncTimestamp = fromMillis(last)
	m.LastDuration = time.Duration(durationMs) * time.Millisecond
	m.LastError = lastError.String
	m.UpdatedAt = fromMillis(updated)
	return m, nil
}

// changeColumn maps each propagated entity type to its table and the column
// that records its last local change. Settlements are append-only.
var changeColumn = map[string]struct{ table, column string }{
	models.EntityClient:     {"clients", "updated_at"},
	models.EntityAsset:      {"assets", "updated_at"},
	models.EntityCycle:      {"cycles", "updated_at"},
	models.EntitySettlement: {"settlements", "created_at"},
	models.EntityExpense:    {"expenses", "updated_at"},
}

// ListUnsynced finds rows changed locally since the cutoff with no outbox
// operation recorded at or after the change. Rows whose change came from the
// backend are skipped.
func (q queries) ListUnsynced(ctx context.Context, entityType string, since time.Time) ([]string, error) {
	src, ok := changeColumn[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type: %s", entityType)
	}

	query := fmt.Sprintf(
		`SELECT t.id FROM %[1]s t
		 WHERE t.%[2]s >= ?
		   AND (t.synced_at IS NULL OR t.synced_at < t.%[2]s)
		   AND NOT EXISTS (
		       SELECT 1 FROM sync_outbox o
		       WHERE o.entity_type = ? AND o.entity_id = t.id AND o.created_at >= t.%[2]s
		   )
		 ORDER BY t.%[2]s, t.id`,
		src.table, src.column,
	)
	ids, err := q.selectIDs(ctx, query, toMillis(since), entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced %s rows: %w", entityType, err)
	}
	return ids, nil
}

// MarkSynced records that a row holds the backend's copy as of its last
// change.
func (q queries) MarkSynced(ctx context.Context, entityType, id string) error {
	src, ok := changeColumn[entityType]
	if !ok {
		return fmt.Errorf("unknown entity type: %s", entityType)
	}

	query := fmt.Sprintf(`UPDATE %[1]s SET synced_at = %[2]s WHERE id = ?`, src.table, src.column)
	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", entityType, id, err)
	}
	return nil
}
