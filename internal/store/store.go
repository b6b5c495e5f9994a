// Package store provides the embedded SQLite durable store for satchel.
//
// This is the client-resident persistence layer: every resource the
// registry declares gets its own durable table with dirty/synced
// bookkeeping, and the mutation queue and context cache share the same
// database file.
//
// The database runs in embedded mode with WAL for concurrency support.
//
// Architecture:
//   - Database file: .satchel/satchel.db
//   - WAL mode: Concurrent readers during writes
//   - Schema: one res_<name> table per registered resource, plus
//     mutations, context_cache and sync_state tables
//
// Workflow:
//  1. Feature code mutates records through the resource facade
//  2. Local writes land here first and always succeed
//  3. Deferred remote writes queue in the mutations table
//  4. The sync processor clears dirty flags once the server confirms
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/classkit/satchel/internal/registry"
)

// ErrNotFound is returned when a record does not exist locally.
var ErrNotFound = errors.New("record not found")

// timeLayout is the persisted timestamp format. Nanosecond precision keeps
// staleness comparisons exact across rapid successive writes.
const timeLayout = time.RFC3339Nano

// Record is one row of a named resource.
//
// LocalID is the durable primary key, generated on the client and never
// reused. RemoteID stays empty until the server confirms the record; the
// two are distinct on purpose and must never be conflated in storage keys.
type Record struct {
	LocalID   string
	RemoteID  string
	Payload   json.RawMessage
	UpdatedAt time.Time
	SyncedAt  *time.Time
	Dirty     bool
	DeletedAt *time.Time
}

// Deleted reports whether the record carries a soft-delete tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// ListFilter configures the List query.
type ListFilter struct {
	// IncludeDeleted includes soft-deleted tombstones in the results.
	IncludeDeleted bool
	// DirtyOnly restricts results to records awaiting server confirmation.
	DirtyOnly bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// DB wraps the embedded SQLite connection together with the resource
// registry that validates every table access.
type DB struct {
	conn *sql.DB
	reg  *registry.Registry
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The registry drives schema creation: call InitSchema before first use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string, reg *registry.Registry) (*DB, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, reg: reg, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The mutation queue and context cache share it.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Registry returns the resource registry this store validates against.
func (db *DB) Registry() *registry.Registry {
	return db.reg
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates one durable table per registered resource plus the shared
// mutations, context_cache and sync_state tables. Idempotent - safe to
// call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, res := range db.reg.All() {
		table := res.TableName()
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			local_id   TEXT PRIMARY KEY,
			remote_id  TEXT,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			synced_at  TEXT,
			is_dirty   INTEGER NOT NULL DEFAULT 1,
			deleted_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_dirty ON %[1]s(is_dirty);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_remote ON %[1]s(remote_id);
		`, table)

		if _, err := db.conn.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("failed to create table for resource %q: %w", res.Name, err)
		}
	}

	shared := `
	CREATE TABLE IF NOT EXISTS mutations (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		method      TEXT NOT NULL,
		url         TEXT NOT NULL,
		payload     TEXT,
		resource    TEXT NOT NULL,
		local_id    TEXT,
		priority    INTEGER NOT NULL DEFAULT 2,
		status      TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_order ON mutations(priority, seq);

	CREATE TABLE IF NOT EXISTS context_cache (
		user_id    TEXT NOT NULL,
		segment    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		cached_at  TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		PRIMARY KEY (user_id, segment)
	);
	CREATE INDEX IF NOT EXISTS idx_context_expires ON context_cache(expires_at);

	CREATE TABLE IF NOT EXISTS sync_state (
		resource     TEXT PRIMARY KEY,
		refreshed_at TEXT NOT NULL
	);
	`

	if _, err := db.conn.ExecContext(ctx, shared); err != nil {
		return fmt.Errorf("failed to create shared tables: %w", err)
	}

	return nil
}

// table resolves a resource name to its durable table, rejecting unknown
// names as a configuration error.
func (db *DB) table(resource string) (string, error) {
	res, err := db.reg.Get(resource)
	if err != nil {
		return "", err
	}
	return res.TableName(), nil
}

const recordColumns = "local_id, remote_id, payload, updated_at, synced_at, is_dirty, deleted_at"

// Get retrieves a single record by local id.
// Returns ErrNotFound if no such record exists.
func (db *DB) Get(ctx context.Context, resource, localID string) (*Record, error) {
	table, err := db.table(resource)
	if err != nil {
		return nil, err
	}

	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE local_id = ?", recordColumns, table), localID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resource, localID)
	}
	return rec, err
}

// GetByRemoteID retrieves a record by its server-assigned id.
// Returns ErrNotFound if the server id is unknown locally.
func (db *DB) GetByRemoteID(ctx context.Context, resource, remoteID string) (*Record, error) {
	table, err := db.table(resource)
	if err != nil {
		return nil, err
	}

	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE remote_id = ?", recordColumns, table), remoteID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s remote %s", ErrNotFound, resource, remoteID)
	}
	return rec, err
}

// List retrieves records matching the filter, ordered by updated_at
// descending so the most recently touched records come first.
func (db *DB) List(ctx context.Context, resource string, filter ListFilter) ([]*Record, error) {
	table, err := db.table(resource)
	if err != nil {
		return nil, err
	}

	var conditions []string
	if !filter.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if filter.DirtyOnly {
		conditions = append(conditions, "is_dirty = 1")
	}

	query := fmt.Sprintf("SELECT %s FROM %s", recordColumns, table)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, local_id ASC"

	var args []interface{}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", resource, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Put upserts a record.
//
// UpdatedAt is always stamped and the record is marked dirty: a local
// write may diverge from the last confirmed server state until an
// explicit MarkSynced clears it. Concurrent writes to the same local id
// are whole-record last-write-wins.
func (db *DB) Put(ctx context.Context, resource string, rec *Record) error {
	return db.put(ctx, resource, rec, false)
}

// PutSynced upserts a record that mirrors confirmed server state: clean,
// with SyncedAt stamped. Used when caching server reads, where a
// Put-then-MarkSynced pair would leave a dirty window.
func (db *DB) PutSynced(ctx context.Context, resource string, rec *Record) error {
	return db.put(ctx, resource, rec, true)
}

func (db *DB) put(ctx context.Context, resource string, rec *Record, synced bool) error {
	table, err := db.table(resource)
	if err != nil {
		return err
	}
	if rec.LocalID == "" {
		return fmt.Errorf("record local id is required")
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	rec.Dirty = !synced
	var syncedAt sql.NullString
	if synced {
		t := now
		rec.SyncedAt = &t
		syncedAt = sql.NullString{String: now.Format(timeLayout), Valid: true}
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (local_id, remote_id, payload, updated_at, synced_at, is_dirty, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(local_id) DO UPDATE SET
		remote_id  = excluded.remote_id,
		payload    = excluded.payload,
		updated_at = excluded.updated_at,
		synced_at  = excluded.synced_at,
		is_dirty   = excluded.is_dirty,
		deleted_at = excluded.deleted_at
	`, table)

	_, err = db.conn.ExecContext(ctx, query,
		rec.LocalID,
		nullString(rec.RemoteID),
		string(rec.Payload),
		now.Format(timeLayout),
		syncedAt,
		boolToInt(rec.Dirty),
		timeToNullString(rec.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", resource, rec.LocalID, err)
	}
	return nil
}

// Delete removes a record.
//
// With soft=true the record is tombstoned (deleted_at stamped, marked
// dirty) so the deletion can still be mirrored to the server. With
// soft=false the row is removed outright. Idempotent either way.
func (db *DB) Delete(ctx context.Context, resource, localID string, soft bool) error {
	table, err := db.table(resource)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	if soft {
		_, err = db.conn.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET deleted_at = ?, updated_at = ?, is_dirty = 1 WHERE local_id = ?", table),
			now, now, localID)
	} else {
		_, err = db.conn.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE local_id = ?", table), localID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", resource, localID, err)
	}
	return nil
}

// QueryDirty returns every record awaiting server confirmation,
// tombstones included.
func (db *DB) QueryDirty(ctx context.Context, resource string) ([]*Record, error) {
	return db.List(ctx, resource, ListFilter{IncludeDeleted: true, DirtyOnly: true})
}

// MarkSynced clears the dirty flag and stamps synced_at on the given
// records. Calling it again on an already-synced record is a no-op:
// neither the flag nor the original synced_at timestamp changes.
func (db *DB) MarkSynced(ctx context.Context, resource string, localIDs []string) error {
	if len(localIDs) == 0 {
		return nil
	}
	table, err := db.table(resource)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	query := fmt.Sprintf(
		"UPDATE %s SET is_dirty = 0, synced_at = ? WHERE local_id IN (%s) AND is_dirty = 1",
		table, placeholders(len(localIDs)))

	args := make([]interface{}, 0, len(localIDs)+1)
	args = append(args, now)
	for _, id := range localIDs {
		args = append(args, id)
	}

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark %s records synced: %w", resource, err)
	}
	return nil
}

// SetRemoteID records the server-assigned id for a locally created record.
func (db *DB) SetRemoteID(ctx context.Context, resource, localID, remoteID string) error {
	table, err := db.table(resource)
	if err != nil {
		return err
	}
	if remoteID == "" {
		return fmt.Errorf("remote id is required")
	}

	_, err = db.conn.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET remote_id = ? WHERE local_id = ?", table), remoteID, localID)
	if err != nil {
		return fmt.Errorf("failed to set remote id for %s/%s: %w", resource, localID, err)
	}
	return nil
}

// ConfirmRemote applies a server-confirmed state to a record in one
// statement: the payload is replaced (when provided), the remote id
// recorded, and the record marked synced.
func (db *DB) ConfirmRemote(ctx context.Context, resource, localID, remoteID string, payload json.RawMessage) error {
	table, err := db.table(resource)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	if len(payload) > 0 {
		_, err = db.conn.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET payload = ?, remote_id = ?, synced_at = ?, is_dirty = 0, updated_at = ? WHERE local_id = ?",
			table), string(payload), nullString(remoteID), now, now, localID)
	} else {
		_, err = db.conn.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET remote_id = ?, synced_at = ?, is_dirty = 0 WHERE local_id = ?",
			table), nullString(remoteID), now, localID)
	}
	if err != nil {
		return fmt.Errorf("failed to confirm %s/%s: %w", resource, localID, err)
	}
	return nil
}

// ReplaceAll atomically replaces the local copy of a resource with a
// server-fetched snapshot.
//
// The whole swap runs in one transaction so no reader ever observes a
// partially cleared table. Dirty records are kept: they carry local
// edits the server has not confirmed yet, and the snapshot must not
// clobber them.
func (db *DB) ReplaceAll(ctx context.Context, resource string, recs []*Record) error {
	table, err := db.table(resource)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE is_dirty = 0", table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", resource, err)
	}

	now := time.Now().UTC()
	nowStr := now.Format(timeLayout)
	insert := fmt.Sprintf(`
	INSERT INTO %s (local_id, remote_id, payload, updated_at, synced_at, is_dirty, deleted_at)
	VALUES (?, ?, ?, ?, ?, 0, NULL)
	ON CONFLICT(local_id) DO NOTHING
	`, table)

	for _, rec := range recs {
		if rec.LocalID == "" {
			return fmt.Errorf("refusing snapshot record without local id")
		}
		if _, err := tx.ExecContext(ctx, insert,
			rec.LocalID,
			nullString(rec.RemoteID),
			string(rec.Payload),
			nowStr,
			nowStr,
		); err != nil {
			return fmt.Errorf("failed to insert snapshot record %s/%s: %w", resource, rec.LocalID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO sync_state (resource, refreshed_at) VALUES (?, ?)
	ON CONFLICT(resource) DO UPDATE SET refreshed_at = excluded.refreshed_at
	`, resource, nowStr); err != nil {
		return fmt.Errorf("failed to stamp refresh time for %s: %w", resource, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot for %s: %w", resource, err)
	}
	return nil
}

// RefreshedAt returns when the resource was last fully refreshed from the
// server. The zero time means it never was.
func (db *DB) RefreshedAt(ctx context.Context, resource string) (time.Time, error) {
	if _, err := db.reg.Get(resource); err != nil {
		return time.Time{}, err
	}

	var raw string
	err := db.conn.QueryRowContext(ctx,
		"SELECT refreshed_at FROM sync_state WHERE resource = ?", resource).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read refresh time for %s: %w", resource, err)
	}

	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse refresh time for %s: %w", resource, err)
	}
	return t, nil
}

// Count returns the number of live (non-tombstoned) records.
func (db *DB) Count(ctx context.Context, resource string) (int, error) {
	table, err := db.table(resource)
	if err != nil {
		return 0, err
	}

	var count int
	err = db.conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE deleted_at IS NULL", table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s records: %w", resource, err)
	}
	return count, nil
}

// DirtyCount returns the number of records awaiting server confirmation.
func (db *DB) DirtyCount(ctx context.Context, resource string) (int, error) {
	table, err := db.table(resource)
	if err != nil {
		return 0, err
	}

	var count int
	err = db.conn.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE is_dirty = 1", table)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty %s records: %w", resource, err)
	}
	return count, nil
}

// ClearResource removes every record of a resource along with its
// refresh bookkeeping, in one transaction.
func (db *DB) ClearResource(ctx context.Context, resource string) error {
	table, err := db.table(resource)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", resource, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_state WHERE resource = ?", resource); err != nil {
		return fmt.Errorf("failed to clear refresh state for %s: %w", resource, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear for %s: %w", resource, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for record scanning.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var remoteID, syncedAt, deletedAt sql.NullString
	var payload, updatedAt string
	var dirty int

	if err := s.Scan(&rec.LocalID, &remoteID, &payload, &updatedAt, &syncedAt, &dirty, &deletedAt); err != nil {
		return nil, err
	}

	rec.RemoteID = remoteID.String
	rec.Payload = json.RawMessage(payload)
	rec.Dirty = dirty != 0
	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	rec.SyncedAt = nullStringToTime(syncedAt)
	rec.DeletedAt = nullStringToTime(deletedAt)

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return recs, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
