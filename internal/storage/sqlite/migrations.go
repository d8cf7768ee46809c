package sqlite

import "database/sql"

// schema contains the SQL statements to set up the device database.
// These run on startup to ensure tables exist.
//
// Domain tables carry no foreign keys: rows arrive from pulls and merges in
// any order, and client ids are rewritten when a duplicate is merged.
// Money columns are TEXT with two fractional digits; times are unix millis.
// synced_at copies the change column of rows written from the backend; a row
// whose change column moved past it was changed locally.
const schema = `
CREATE TABLE IF NOT EXISTS clients (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    name TEXT NOT NULL,
    document TEXT,
    phone TEXT,
    active INTEGER NOT NULL DEFAULT 1,
    cached_debt TEXT NOT NULL DEFAULT '0.00',
    cached_debt_updated_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    synced_at INTEGER
);

CREATE TABLE IF NOT EXISTS assets (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    label TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    synced_at INTEGER
);

CREATE TABLE IF NOT EXISTS cycles (
    id TEXT PRIMARY KEY,
    route_id TEXT NOT NULL,
    year INTEGER NOT NULL,
    sequence_number INTEGER NOT NULL,
    status TEXT NOT NULL,
    started_at INTEGER NOT NULL DEFAULT 0,
    finished_at INTEGER,
    frozen_totals TEXT,
    notes TEXT,
    created_by TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    synced_at INTEGER,
    UNIQUE (route_id, year, sequence_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_cycles_one_active
    ON cycles(route_id) WHERE status = 'IN_PROGRESS';

CREATE TABLE IF NOT EXISTS settlements (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL,
    cycle_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    previous_debt TEXT NOT NULL,
    gross_amount TEXT NOT NULL,
    discount TEXT NOT NULL,
    amount_received TEXT NOT NULL,
    current_debt TEXT NOT NULL,
    payment_breakdown TEXT,
    notes TEXT,
    created_at INTEGER NOT NULL,
    synced_at INTEGER
);

CREATE TABLE IF NOT EXISTS expenses (
    id TEXT PRIMARY KEY,
    cycle_id TEXT,
    route_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    category TEXT,
    type TEXT,
    description TEXT,
    timestamp INTEGER NOT NULL,
    year INTEGER NOT NULL,
    cycle_number INTEGER NOT NULL,
    photo_ref TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    synced_at INTEGER
);

CREATE TABLE IF NOT EXISTS sync_outbox (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload BLOB NOT NULL,
    priority INTEGER NOT NULL DEFAULT 5,
    status TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    scheduled_at INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    last_error TEXT
);

CREATE TABLE IF NOT EXISTS sync_metadata (
    entity_type TEXT PRIMARY KEY,
    last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
    last_sync_count INTEGER NOT NULL DEFAULT 0,
    last_duration_ms INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_clients_route_id ON clients(route_id);
CREATE INDEX IF NOT EXISTS idx_clients_updated_at ON clients(updated_at);
CREATE INDEX IF NOT EXISTS idx_assets_client_id ON assets(client_id);
CREATE INDEX IF NOT EXISTS idx_cycles_route_year ON cycles(route_id, year);
CREATE INDEX IF NOT EXISTS idx_settlements_client_order ON settlements(client_id, timestamp, created_at, id);
CREATE INDEX IF NOT EXISTS idx_settlements_cycle_id ON settlements(cycle_id);
CREATE INDEX IF NOT EXISTS idx_expenses_cycle_id ON expenses(cycle_id);
CREATE INDEX IF NOT EXISTS idx_expenses_period ON expenses(year, cycle_number);
CREATE INDEX IF NOT EXISTS idx_outbox_ready ON sync_outbox(status, scheduled_at, priority);
CREATE INDEX IF NOT EXISTS idx_outbox_entity ON sync_outbox(entity_type, entity_id, status);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
