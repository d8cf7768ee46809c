package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

const cycleColumns = `id, route_id, year, sequence_number, status, started_at, finished_at, frozen_totals, notes, created_by, created_at, updated_at`

// InsertCycle persists a new settlement cycle.
func (q queries) InsertCycle(ctx context.Context, c *models.SettlementCycle) error {
	totals, err := encodeTotals(c.FrozenTotals)
	if err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO cycles (`+cycleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.RouteID,
		c.Year,
		c.SequenceNumber,
		string(c.Status),
		toMillis(c.StartedAt),
		nullMillis(c.FinishedAt),
		totals,
		nullString(c.Notes),
		nullString(c.CreatedBy),
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return &apperr.Error{
				Code:    apperr.CodeConflict,
				Message: fmt.Sprintf("cycle %d/%d already exists on route %s", c.SequenceNumber, c.Year, c.RouteID),
				Err:     err,
			}
		}
		return fmt.Errorf("failed to insert cycle: %w", err)
	}
	return nil
}

// UpdateCycle overwrites the mutable columns of a cycle.
func (q queries) UpdateCycle(ctx context.Context, c *models.SettlementCycle) error {
	totals, err := encodeTotals(c.FrozenTotals)
	if err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE cycles
		 SET status = ?, started_at = ?, finished_at = ?, frozen_totals = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		string(c.Status),
		toMillis(c.StartedAt),
		nullMillis(c.FinishedAt),
		totals,
		nullString(c.Notes),
		toMillis(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		if isConstraintError(err) {
			return apperr.CycleAlreadyActive(c.RouteID, "")
		}
		return fmt.Errorf("failed to update cycle: %w", err)
	}
	return requireOne(res, "cycle", c.ID)
}

// GetCycle retrieves a cycle by ID.
func (q queries) GetCycle(ctx context.Context, id string) (*models.SettlementCycle, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("cycle", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	return c, nil
}

// ActiveCycle retrieves the IN_PROGRESS cycle of a route.
func (q queries) ActiveCycle(ctx context.Context, routeID string) (*models.SettlementCycle, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE route_id = ? AND status = ?`,
		routeID, string(models.CycleInProgress),
	)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("active cycle for route", routeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active cycle: %w", err)
	}
	return c, nil
}

// ListCyclesByRoute returns the cycles of a route, newest first.
func (q queries) ListCyclesByRoute(ctx context.Context, routeID string) ([]*models.SettlementCycle, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE route_id = ? ORDER BY year DESC, sequence_number DESC`,
		routeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*models.SettlementCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cycles: %w", err)
	}
	return cycles, nil
}

// MaxSequence returns the highest sequence number of a route in a year.
func (q queries) MaxSequence(ctx context.Context, routeID string, year int) (int, error) {
	var seq int
	err := q.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) FROM cycles WHERE route_id = ? AND year = ?",
		routeID, year,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max cycle sequence: %w", err)
	}
	return seq, nil
}

func scanCycle(row rowScanner) (*models.SettlementCycle, error) {
	c := &models.SettlementCycle{}
	var (
		status                    string
		started, created, updated int64
		finished                  sql.NullInt64
		totals, notes, createdBy  sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.RouteID,
		&c.Year,
		&c.SequenceNumber,
		&status,
		&started,
		&finished,
		&totals,
		&notes,
		&createdBy,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	c.Status = models.CycleStatus(status)
	c.StartedAt = fromMillis(started)
	c.FinishedAt = fromNullMillis(finished)
	c.Notes = notes.String
	c.CreatedBy = createdBy.String
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	if totals.Valid {
		c.FrozenTotals = &models.CycleTotals{}
		if err := json.Unmarshal([]byte(totals.String), c.FrozenTotals); err != nil {
			return nil, fmt.Errorf("failed to decode frozen totals: %w", err)
		}
	}
	return c, nil
}

func encodeTotals(t *models.CycleTotals) (sql.NullString, error) {
	if t == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode frozen totals: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
