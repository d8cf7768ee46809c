package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

const settlementColumns = `id, client_id, cycle_id, route_id, timestamp, previous_debt, gross_amount, discount, amount_received, current_debt, payment_breakdown, notes, created_at`

// settlementOrder is the ledger order: the last row is the client's balance.
// Rows recorded in the same millisecond fall back to insertion order.
const settlementOrder = `timestamp, created_at, rowid`

// InsertSettlement persists a new settlement to the database.
func (q queries) InsertSettlement(ctx context.Context, s *models.Settlement) error {
	args, err := settlementArgs(s)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to insert settlement: %w", err)
	}
	return nil
}

// InsertSettlementIfAbsent inserts a settlement unless its id already exists.
func (q queries) InsertSettlementIfAbsent(ctx context.Context, s *models.Settlement) (bool, error) {
	args, err := settlementArgs(s)
	if err != nil {
		return false, err
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlements (`+settlementColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert settlement: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to inspect settlement insert: %w", err)
	}
	return n == 1, nil
}

func settlementArgs(s *models.Settlement) ([]any, error) {
	var breakdown sql.NullString
	if len(s.PaymentBreakdown) > 0 {
		fixed := make(map[string]string, len(s.PaymentBreakdown))
		for method, amount := range s.PaymentBreakdown {
			fixed[method] = money(amount)
		}
		data, err := json.Marshal(fixed)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payment breakdown: %w", err)
		}
		breakdown = sql.NullString{String: string(data), Valid: true}
	}

	return []any{
		s.ID,
		s.ClientID,
		s.CycleID,
		s.RouteID,
		toMillis(s.Timestamp),
		money(s.PreviousDebt),
		money(s.GrossAmount),
		money(s.Discount),
		money(s.AmountReceived),
		money(s.CurrentDebt),
		breakdown,
		nullString(s.Notes),
		toMillis(s.CreatedAt),
	}, nil
}

// DeleteSettlement removes a settlement by ID.
func (q queries) DeleteSettlement(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM settlements WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete settlement: %w", err)
	}
	return requireOne(res, "settlement", id)
}

// GetSettlement retrieves a settlement by ID.
func (q queries) GetSettlement(ctx context.Context, id string) (*models.Settlement, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = ?`, id)
	s, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("settlement", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return s, nil
}

// LatestSettlement retrieves the most recent settlement of a client.
func (q queries) LatestSettlement(ctx context.Context, clientID string) (*models.Settlement, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE client_id = ?
		 ORDER BY timestamp DESC, created_at DESC, rowid DESC LIMIT 1`,
		clientID,
	)
	s, err := scanSettlement(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("settlement for client", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest settlement: %w", err)
	}
	return s, nil
}

// ListSettlementsByClient retrieves all settlements of a client in ledger order.
func (q queries) ListSettlementsByClient(ctx context.Context, clientID string) ([]*models.Settlement, error) {
	return q.listSettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE client_id = ? ORDER BY `+settlementOrder,
		clientID,
	)
}

// ListSettlementsByCycle retrieves all settlements recorded in a cycle.
func (q queries) ListSettlementsByCycle(ctx context.Context, cycleID string) ([]*models.Settlement, error) {
	return q.listSettlements(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE cycle_id = ? ORDER BY `+settlementOrder,
		cycleID,
	)
}

func (q queries) listSettlements(ctx context.Context, query string, args ...any) ([]*models.Settlement, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	defer rows.Close()

	var settlements []*models.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settlements: %w", err)
	}

	return settlements, nil
}

// ReassignSettlements moves settlements from one client to another.
func (q queries) ReassignSettlements(ctx context.Context, fromClientID, toClientID string) ([]string, error) {
	ids, err := q.selectIDs(ctx, "SELECT id FROM settlements WHERE client_id = ? ORDER BY "+settlementOrder, fromClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to find settlements to reassign: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := q.db.ExecContext(ctx,
		"UPDATE settlements SET client_id = ? WHERE client_id = ?",
		toClientID, fromClientID,
	); err != nil {
		return nil, fmt.Errorf("failed to reassign settlements: %w", err)
	}
	return ids, nil
}

func scanSettlement(row rowScanner) (*models.Settlement, error) {
	s := &models.Settlement{}
	var (
		timestamp, created                       int64
		previous, gross, discount, received, cur string
		breakdown, notes                         sql.NullString
	)
	if err := row.Scan(
		&s.ID,
		&s.ClientID,
		&s.CycleID,
		&s.RouteID,
		&timestamp,
		&previous,
		&gross,
		&discount,
		&received,
		&cur,
		&breakdown,
		&notes,
		&created,
	); err != nil {
		return nil, err
	}

	amounts := []struct {
		src string
		dst *decimal.Decimal
	}{
		{previous, &s.PreviousDebt},
		{gross, &s.GrossAmount},
		{discount, &s.Discount},
		{received, &s.AmountReceived},
		{cur, &s.CurrentDebt},
	}
	for _, a := range amounts {
		d, err := parseMoney(a.src)
		if err != nil {
			return nil, err
		}
		*a.dst = d
	}

	if breakdown.Valid {
		var raw map[string]string
		if err := json.Unmarshal([]byte(breakdown.String), &raw); err != nil {
			return nil, fmt.Errorf("failed to decode payment breakdown: %w", err)
		}
		s.PaymentBreakdown = make(map[string]decimal.Decimal, len(raw))
		for method, amount := range raw {
			d, err := parseMoney(amount)
			if err != nil {
				return nil, err
			}
			s.PaymentBreakdown[method] = d
		}
	}

	s.Timestamp = fromMillis(timestamp)
	s.Notes = notes.String
	s.CreatedAt = fromMillis(created)
	return s, nil
}
