package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

const outboxColumns = `seq, id, entity_type, entity_id, kind, payload, priority, status, retry_count, scheduled_at, created_at, updated_at, last_error`

// readyOrder is the dispatch order.
const readyOrder = `priority DESC, created_at ASC, seq ASC`

// InsertOutbox appends an operation to the outbox.
func (q queries) InsertOutbox(ctx context.Context, op *models.OutboxOperation) error {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO sync_outbox (id, entity_type, entity_id, kind, payload, priority, status, retry_count, scheduled_at, created_at, updated_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID,
		op.EntityType,
		op.EntityID,
		string(op.Kind),
		op.Payload,
		op.Priority,
		string(op.Status),
		op.RetryCount,
		toMillis(op.ScheduledAt),
		toMillis(op.CreatedAt),
		toMillis(op.UpdatedAt),
		nullString(op.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox operation: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	op.Seq = seq
	return nil
}

// GetOutbox retrieves an operation by ID.
func (q queries) GetOutbox(ctx context.Context, id string) (*models.OutboxOperation, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM sync_outbox WHERE id = ?`, id)
	op, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("outbox operation", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox operation: %w", err)
	}
	return op, nil
}

// ReadyOutbox returns the dispatchable heads of every entity's queue.
func (q queries) ReadyOutbox(ctx context.Context, now time.Time, limit int) ([]*models.OutboxOperation, error) {
	return q.listOutbox(ctx,
		`SELECT `+outboxColumns+` FROM sync_outbox o
		 WHERE o.status = ? AND o.scheduled_at <= ?
		   AND NOT EXISTS (
		       SELECT 1 FROM sync_outbox p
		       WHERE p.entity_type = o.entity_type
		         AND p.entity_id = o.entity_id
		         AND p.status IN (?, ?)
		         AND p.seq < o.seq
		   )
		 ORDER BY `+readyOrder+`
		 LIMIT ?`,
		string(models.StatusPending), toMillis(now),
		string(models.StatusPending), string(models.StatusProcessing),
		limit,
	)
}

// ClaimOutbox moves a PENDING operation to PROCESSING.
func (q queries) ClaimOutbox(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(models.StatusProcessing), toMillis(now), id, string(models.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to inspect outbox claim: %w", err)
	}
	return n == 1, nil
}

// CompleteOutbox marks an operation COMPLETED.
func (q queries) CompleteOutbox(ctx context.Context, id string, note string, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(models.StatusCompleted), nullString(note), toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete outbox operation: %w", err)
	}
	return requireOne(res, "outbox operation", id)
}

// RescheduleOutbox returns an operation to PENDING for a later attempt.
func (q queries) RescheduleOutbox(ctx context.Context, id string, retryCount int, scheduledAt time.Time, lastError string, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_outbox
		 SET status = ?, retry_count = ?, scheduled_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		string(models.StatusPending), retryCount, toMillis(scheduledAt), nullString(lastError), toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to reschedule outbox operation: %w", err)
	}
	return requireOne(res, "outbox operation", id)
}

// FailOutbox marks an operation terminally FAILED.
func (q queries) FailOutbox(ctx context.Context, id string, retryCount int, lastError string, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE id = ?",
		string(models.StatusFailed), retryCount, nullString(lastError), toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail outbox operation: %w", err)
	}
	return requireOne(res, "outbox operation", id)
}

// RequeueOutbox moves a FAILED operation back to PENDING.
func (q queries) RequeueOutbox(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_outbox
		 SET status = ?, retry_count = 0, scheduled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(models.StatusPending), toMillis(now), toMillis(now), id, string(models.StatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to requeue outbox operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to inspect outbox requeue: %w", err)
	}
	return n == 1, nil
}

// ListOutbox returns operations with the given status in dispatch order.
// A zero limit returns every match.
func (q queries) ListOutbox(ctx context.Context, status models.OperationStatus, limit int) ([]*models.OutboxOperation, error) {
	if limit <= 0 {
		limit = -1
	}
	return q.listOutbox(ctx,
		`SELECT `+outboxColumns+` FROM sync_outbox WHERE status = ? ORDER BY `+readyOrder+` LIMIT ?`,
		string(status), limit,
	)
}

// ListPendingOutbox returns every PENDING operation.
func (q queries) ListPendingOutbox(ctx context.Context) ([]*models.OutboxOperation, error) {
	return q.ListOutbox(ctx, models.StatusPending, 0)
}

// PurgeCompletedOutbox deletes COMPLETED operations older than cutoff.
func (q queries) PurgeCompletedOutbox(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM sync_outbox WHERE status = ? AND updated_at < ?",
		string(models.StatusCompleted), toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseProcessingOutbox returns abandoned claims to PENDING.
func (q queries) ReleaseProcessingOutbox(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_outbox SET status = ?, updated_at = ? WHERE status = ?",
		string(models.StatusPending), toMillis(now), string(models.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release outbox claims: %w", err)
	}
	return res.RowsAffected()
}

// SupersedeOutbox completes the PENDING operations of one kind for an entity.
func (q queries) SupersedeOutbox(ctx context.Context, entityType, entityID string, kind models.OperationKind, note string, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_outbox SET status = ?, last_error = ?, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND kind = ? AND status = ?`,
		string(models.StatusCompleted), nullString(note), toMillis(now),
		entityType, entityID, string(kind), string(models.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede outbox operations: %w", err)
	}
	return res.RowsAffected()
}

// RetargetOutbox moves PENDING operations from one entity id to another.
func (q queries) RetargetOutbox(ctx context.Context, entityType, fromID, toID string, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE sync_outbox SET entity_id = ?, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND status = ?`,
		toID, toMillis(now), entityType, fromID, string(models.StatusPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to retarget outbox operations: %w", err)
	}
	return res.RowsAffected()
}

// UpdateOutboxPayload replaces the payload of an operation.
func (q queries) UpdateOutboxPayload(ctx context.Context, id string, payload []byte, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_outbox SET payload = ?, updated_at = ? WHERE id = ?",
		payload, toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update outbox payload: %w", err)
	}
	return requireOne(res, "outbox operation", id)
}

// SummarizeOutbox counts operations by status.
func (q queries) SummarizeOutbox(ctx context.Context) (models.OutboxSummary, error) {
	var summary models.OutboxSummary

	rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM sync_outbox GROUP BY status")
	if err != nil {
		return summary, fmt.Errorf("failed to summarize outbox: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return summary, fmt.Errorf("failed to scan outbox summary: %w", err)
		}
		switch models.OperationStatus(status) {
		case models.StatusPending:
			summary.Pending = count
		case models.StatusProcessing:
			summary.Processing = count
		case models.StatusCompleted:
			summary.Completed = count
		case models.StatusFailed:
			summary.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("failed to iterate outbox summary: %w", err)
	}

	var oldest sql.NullInt64
	if err := q.db.QueryRowContext(ctx,
		"SELECT MIN(created_at) FROM sync_outbox WHERE status = ?",
		string(models.StatusPending),
	).Scan(&oldest); err != nil {
		return summary, fmt.Errorf("failed to read oldest pending operation: %w", err)
	}
	if oldest.Valid {
		summary.OldestPendingAt = fromMillis(oldest.Int64)
	}
	return summary, nil
}

func (q queries) listOutbox(ctx context.Context, query string, args ...any) ([]*models.OutboxOperation, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var ops []*models.OutboxOperation
	for rows.Next() {
		op, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox: %w", err)
	}
	return ops, nil
}

func scanOutbox(row rowScanner) (*models.OutboxOperation, error) {
	op := &models.OutboxOperation{}
	var (
		kind, status                string
		scheduled, created, updated int64
		lastError                   sql.NullString
	)
	if err := row.Scan(
		&op.Seq,
		&op.ID,
		&op.EntityType,
		&op.EntityID,
		&kind,
		&op.Payload,
		&op.Priority,
		&status,
		&op.RetryCount,
		&scheduled,
		&created,
		&updated,
		&lastError,
	); err != nil {
		return nil, err
	}
	op.Kind = models.OperationKind(kind)
	op.Status = models.OperationStatus(status)
	op.ScheduledAt = fromMillis(scheduled)
	op.CreatedAt = fromMillis(created)
	op.UpdatedAt = fromMillis(updated)
	op.LastError = lastError.String
	return op, nil
}
