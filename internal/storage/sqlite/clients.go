package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmynk/fieldsync/internal/apperr"
	"github.com/mmynk/fieldsync/internal/models"
)

const clientColumns = `id, route_id, name, document, phone, active, cached_debt, cached_debt_updated_at, created_at, updated_at`

// InsertClient inserts a new client into the database.
func (q queries) InsertClient(ctx context.Context, c *models.Client) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID,
		c.RouteID,
		c.Name,
		nullString(c.Document),
		nullString(c.Phone),
		c.Active,
		money(c.CachedDebt),
		toMillis(c.CachedDebtUpdatedAt),
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

// UpdateClient overwrites every column of an existing client.
func (q queries) UpdateClient(ctx context.Context, c *models.Client) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE clients
		 SET route_id = ?, name = ?, document = ?, phone = ?, active = ?,
		     cached_debt = ?, cached_debt_updated_at = ?, created_at = ?, updated_at = ?
		 WHERE id = ?`,
		c.RouteID,
		c.Name,
		nullString(c.Document),
		nullString(c.Phone),
		c.Active,
		money(c.CachedDebt),
		toMillis(c.CachedDebtUpdatedAt),
		toMillis(c.CreatedAt),
		toMillis(c.UpdatedAt),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return requireOne(res, "client", c.ID)
}

// DeleteClient removes a client by ID.
func (q queries) DeleteClient(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM clients WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return requireOne(res, "client", id)
}

// GetClient retrieves a client by ID.
func (q queries) GetClient(ctx context.Context, id string) (*models.Client, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	c, err := scanClient(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("client", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// ListClients returns every client ordered by route and name.
func (q queries) ListClients(ctx context.Context) ([]*models.Client, error) {
	return q.listClients(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY route_id, name, id`)
}

// ListClientsByRoute returns the clients of a route ordered by name.
func (q queries) ListClientsByRoute(ctx context.Context, routeID string) ([]*models.Client, error) {
	return q.listClients(ctx, `SELECT `+clientColumns+` FROM clients WHERE route_id = ? ORDER BY name, id`, routeID)
}

func (q queries) listClients(ctx context.Context, query string, args ...any) ([]*models.Client, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate clients: %w", err)
	}
	return clients, nil
}

// SetCachedDebt writes the cached balance of a client.
func (q queries) SetCachedDebt(ctx context.Context, clientID string, debt decimal.Decimal, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE clients SET cached_debt = ?, cached_debt_updated_at = ? WHERE id = ?`,
		money(debt), toMillis(at), clientID,
	)
	if err != nil {
		return fmt.Errorf("failed to set cached debt: %w", err)
	}
	return requireOne(res, "client", clientID)
}

func scanClient(row rowScanner) (*models.Client, error) {
	c := &models.Client{}
	var (
		document, phone            sql.NullString
		cachedDebt                 string
		cachedAt, created, updated int64
	)
	if err := row.Scan(
		&c.ID,
		&c.RouteID,
		&c.Name,
		&document,
		&phone,
		&c.Active,
		&cachedDebt,
		&cachedAt,
		&created,
		&updated,
	); err != nil {
		return nil, err
	}

	debt, err := parseMoney(cachedDebt)
	if err != nil {
		return nil, err
	}
	c.Document = document.String
	c.Phone = phone.String
	c.CachedDebt = debt
	c.CachedDebtUpdatedAt = fromMillis(cachedAt)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return c, nil
}

const assetColumns = `id, client_id, route_id, label, created_at, updated_at`

// InsertAsset inserts a new asset.
func (q queries) InsertAsset(ctx context.Context, a *models.Asset) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.ClientID, a.RouteID, a.Label, toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert asset: %w", err)
	}
	return nil
}

// UpdateAsset overwrites an existing asset.
func (q queries) UpdateAsset(ctx context.Context, a *models.Asset) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE assets SET client_id = ?, route_id = ?, label = ?, updated_at = ? WHERE id = ?`,
		a.ClientID, a.RouteID, a.Label, toMillis(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update asset: %w", err)
	}
	return requireOne(res, "asset", a.ID)
}

// DeleteAsset removes an asset by ID.
func (q queries) DeleteAsset(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}
	return requireOne(res, "asset", id)
}

// GetAsset retrieves an asset by ID.
func (q queries) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	a := &models.Asset{}
	var created, updated int64
	err := q.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id).Scan(
		&a.ID, &a.ClientID, &a.RouteID, &a.Label, &created, &updated,
	)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("asset", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return a, nil
}

// ListAssetsByClient returns the assets placed at a client.
func (q queries) ListAssetsByClient(ctx context.Context, clientID string) ([]*models.Asset, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE client_id = ? ORDER BY label, id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		a := &models.Asset{}
		var created, updated int64
		if err := rows.Scan(&a.ID, &a.ClientID, &a.RouteID, &a.Label, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		a.CreatedAt = fromMillis(created)
		a.UpdatedAt = fromMillis(updated)
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assets: %w", err)
	}
	return assets, nil
}

// ReassignAssets moves assets from one client to another.
func (q queries) ReassignAssets(ctx context.Context, fromClientID, toClientID string, at time.Time) ([]string, error) {
	ids, err := q.selectIDs(ctx, "SELECT id FROM assets WHERE client_id = ? ORDER BY id", fromClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to find assets to reassign: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := q.db.ExecContext(ctx,
		"UPDATE assets SET client_id = ?, updated_at = ? WHERE client_id = ?",
		toClientID, toMillis(at), fromClientID,
	); err != nil {
		return nil, fmt.Errorf("failed to reassign assets: %w", err)
	}
	return ids, nil
}

func (q queries) selectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// requireOne maps a zero-row write to NOT_FOUND.
func requireOne(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect %s write: %w", entity, err)
	}
	if n == 0 {
		return apperr.NotFound(entity, id)
	}
	return nil
}
