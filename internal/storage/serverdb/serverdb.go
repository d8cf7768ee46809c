// Package serverdb is the SQLite store behind the reference sync backend.
//
// Every accepted record is kept as an opaque JSON document keyed by
// (entity type, entity id). Each write is stamped with an updated_at that is
// strictly increasing per entity type, so devices can page through changes
// with a single "updated after" watermark without skipping or repeating rows.
package serverdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mmynk/fieldsync/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS remote_records (
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    data TEXT,
    match_key TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    device_id TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_remote_records_updated ON remote_records(entity_type, updated_at);
CREATE INDEX IF NOT EXISTS idx_remote_records_match ON remote_records(entity_type, match_key)
    WHERE match_key <> '' AND deleted = 0;

CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    secret_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    last_seen_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blobs (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    content_type TEXT NOT NULL,
    data BLOB NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
`

// Record is one entity as held by the backend.
type Record struct {
	EntityType string
	EntityID   string

	// Data is nil for deleted records.
	Data []byte

	// MatchKey identifies the same real-world entity across ids. Empty for
	// entity types that are matched by id only.
	MatchKey string

	Deleted   bool
	DeviceID  string
	UpdatedAt time.Time
}

// Device is an enrolled field device.
type Device struct {
	ID         string
	SecretHash string
	CreatedAt  time.Time
	LastSeenAt time.Time
}

// Blob is an uploaded file, such as an expense receipt photo.
type Blob struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
	DeviceID    string
	CreatedAt   time.Time
}

// Store implements the backend persistence on SQLite.
type Store struct {
	db *sql.DB
}

// New opens the database at dbPath, creating it and its tables if needed.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := dbPath + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores rec and returns its assigned change time. When rec carries a
// match key already used by a live record with another id, nothing is
// written and an IDENTITY_CONFLICT error naming the existing id is returned.
func (s *Store) Upsert(ctx context.Context, rec *Record, now time.Time) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.MatchKey != "" {
		var canonicalID string
		err := tx.QueryRowContext(ctx, `
			SELECT entity_id FROM remote_records
			WHERE entity_type = ? AND match_key = ? AND entity_id <> ? AND deleted = 0
			ORDER BY updated_at LIMIT 1
		`, rec.EntityType, rec.MatchKey, rec.EntityID).Scan(&canonicalID)
		switch {
		case err == nil:
			return time.Time{}, apperr.IdentityConflict(rec.EntityType, rec.EntityID, canonicalID)
		case !errors.Is(err, sql.ErrNoRows):
			return time.Time{}, fmt.Errorf("failed to match %s: %w", rec.EntityType, err)
		}
	}

	at, err := nextChange(ctx, tx, rec.EntityType, now)
	if err != nil {
		return time.Time{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_records (entity_type, entity_id, data, match_key, deleted, device_id, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = excluded.data,
			match_key = excluded.match_key,
			deleted = 0,
			device_id = excluded.device_id,
			updated_at = excluded.updated_at
	`, rec.EntityType, rec.EntityID, string(rec.Data), rec.MatchKey, rec.DeviceID, at.UnixMilli())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to upsert %s %s: %w", rec.EntityType, rec.EntityID, err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return at, nil
}

// Delete tombstones a record so pulling devices learn about the removal.
// Deleting an unknown record still leaves a tombstone.
func (s *Store) Delete(ctx context.Context, entityType, entityID, deviceID string, now time.Time) (time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	at, err := nextChange(ctx, tx, entityType, now)
	if err != nil {
		return time.Time{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO remote_records (entity_type, entity_id, data, match_key, deleted, device_id, updated_at)
		VALUES (?, ?, NULL, '', 1, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			data = NULL,
			match_key = '',
			deleted = 1,
			device_id = excluded.device_id,
			updated_at = excluded.updated_at
	`, entityType, entityID, deviceID, at.UnixMilli())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to delete %s %s: %w", entityType, entityID, err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return at, nil
}

// nextChange returns max(now, last change of entityType + 1ms).
func nextChange(ctx context.Context, tx *sql.Tx, entityType string, now time.Time) (time.Time, error) {
	var last sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(updated_at) FROM remote_records WHERE entity_type = ?`, entityType,
	).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read change clock: %w", err)
	}
	at := now.UTC().UnixMilli()
	if last.Valid && last.Int64 >= at {
		at = last.Int64 + 1
	}
	return time.UnixMilli(at).UTC(), nil
}

// Get retrieves a record, including tombstones.
func (s *Store) Get(ctx context.Context, entityType, entityID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, data, match_key, deleted, device_id, updated_at
		FROM remote_records WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound(entityType, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", entityType, entityID, err)
	}
	return rec, nil
}

// ListChanged returns up to limit records of entityType changed after since,
// oldest change first.
func (s *Store) ListChanged(ctx context.Context, entityType string, since time.Time, limit int) ([]*Record, error) {
	var sinceMillis int64
	if !since.IsZero() {
		sinceMillis = since.UTC().UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, data, match_key, deleted, device_id, updated_at
		FROM remote_records
		WHERE entity_type = ? AND updated_at > ?
		ORDER BY updated_at, entity_id
		LIMIT ?
	`, entityType, sinceMillis, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s changes: %w", entityType, err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		data      sql.NullString
		deleted   int
		updatedAt int64
	)
	if err := row.Scan(&rec.EntityType, &rec.EntityID, &data, &rec.MatchKey, &deleted, &rec.DeviceID, &updatedAt); err != nil {
		return nil, err
	}
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	rec.Deleted = deleted != 0
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

// CreateDevice enrolls a device. It fails with CONFLICT if the id is taken.
func (s *Store) CreateDevice(ctx context.Context, d *Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, secret_hash, created_at) VALUES (?, ?, ?)`,
		d.ID, d.SecretHash, d.CreatedAt.UTC().UnixMilli(),
	)
	if isConstraintError(err) {
		return &apperr.Error{Code: apperr.CodeConflict, Message: "device already enrolled: " + d.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	var (
		d                   Device
		createdAt, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, secret_hash, created_at, last_seen_at FROM devices WHERE id = ?`, id,
	).Scan(&d.ID, &d.SecretHash, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("device", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	d.CreatedAt = time.UnixMilli(createdAt).UTC()
	if lastSeen != 0 {
		d.LastSeenAt = time.UnixMilli(lastSeen).UTC()
	}
	return &d, nil
}

// TouchDevice records the last successful authentication of a device.
func (s *Store) TouchDevice(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE id = ?`, at.UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// PutBlob stores an uploaded file.
func (s *Store) PutBlob(ctx context.Context, b *Blob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (id, name, content_type, data, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.Name, b.ContentType, b.Data, b.DeviceID, b.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

// GetBlob retrieves an uploaded file.
func (s *Store) GetBlob(ctx context.Context, id string) (*Blob, error) {
	var (
		b         Blob
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, content_type, data, device_id, created_at FROM blobs WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.ContentType, &b.Data, &b.DeviceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("blob", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &b, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
