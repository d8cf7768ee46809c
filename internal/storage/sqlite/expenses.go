package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

const expenseColumns = `id, cycle_id, route_id, amount, category, type, description, timestamp, year, cycle_number, photo_ref, created_at, updated_at`

// InsertExpense persists a new expense.
func (q queries) InsertExpense(ctx context.Context, e *models.Expense) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO expenses (`+expenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		nullString(e.CycleID),
		e.RouteID,
		money(e.Amount),
		nullString(e.Category),
		nullString(e.Type),
		nullString(e.Description),
		toMillis(e.Timestamp),
		e.Year,
		e.CycleNumber,
		nullString(e.PhotoRef),
		toMillis(e.CreatedAt),
		toMillis(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert expense: %w", err)
	}
	return nil
}

// UpdateExpense overwrites an existing expense.
func (q queries) UpdateExpense(ctx context.Context, e *models.Expense) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE expenses
		 SET cycle_id = ?, route_id = ?, amount = ?, category = ?, type = ?, description = ?,
		     timestamp = ?, year = ?, cycle_number = ?, photo_ref = ?, updated_at = ?
		 WHERE id = ?`,
		nullString(e.CycleID),
		e.RouteID,
		money(e.Amount),
		nullString(e.Category),
		nullString(e.Type),
		nullString(e.Description),
		toMillis(e.Timestamp),
		e.Year,
		e.CycleNumber,
		nullString(e.PhotoRef),
		toMillis(e.UpdatedAt),
		e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update expense: %w", err)
	}
	return requireOne(res, "expense", e.ID)
}

// DeleteExpense removes an expense by ID.
func (q queries) DeleteExpense(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM expenses WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return requireOne(res, "expense", id)
}

// GetExpense retrieves an expense by ID.
func (q queries) GetExpense(ctx context.Context, id string) (*models.Expense, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
	e, err := scanExpense(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("expense", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expense: %w", err)
	}
	return e, nil
}

// ListExpensesByCycle returns the expenses attached to a cycle.
func (q queries) ListExpensesByCycle(ctx context.Context, cycleID string) ([]*models.Expense, error) {
	return q.listExpenses(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE cycle_id = ? ORDER BY timestamp, id`, cycleID)
}

// ListExpensesByPeriod returns the expenses of every route tagged with
// (year, cycleNumber).
func (q queries) ListExpensesByPeriod(ctx context.Context, year, cycleNumber int) ([]*models.Expense, error) {
	return q.listExpenses(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE year = ? AND cycle_number = ? ORDER BY route_id, timestamp, id`,
		year, cycleNumber)
}

func (q queries) listExpenses(ctx context.Context, query string, args ...any) ([]*models.Expense, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var expenses []*models.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		expenses = append(expenses, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate expenses: %w", err)
	}
	return expenses, nil
}

func scanExpense(row rowScanner) (*models.Expense, error) {
	e := &models.Expense{}
	var (
		cycleID, category, kind, description, photo sql.NullString
		amount                                      string
		timestamp, created, updated                 int64
	)
	if err := row.Scan(
		&e.ID,
		&cycleID,
		&e.RouteID,
		&amount,
		&category,
		&kind,
		&description,
		&timestamp,
		&e.Year,
		&e.CycleNumber,
		&photo,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	d, err := parseMoney(amount)
	if err != nil {
		return nil, err
	}
	e.Amount = d
	e.CycleID = cycleID.String
	e.Category = category.String
	e.Type = kind.String
	e.Description = description.String
	e.PhotoRef = photo.String
	e.Timestamp = fromMillis(timestamp)
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return e, nil
}
