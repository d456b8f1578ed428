// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invsync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Replica is the persistent local copy of the inventory: a keyed cache of
// entity records, the coalesced queue of pending mutations, and the log of
// detected conflicts. Every successful remote read or write is mirrored
// here so the next offline read is consistent with the last known server
// state. All operations are synchronous; failures wrap
// ErrStoreUnavailable and are never fatal to the calling operation.
type Replica struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenReplica opens (or creates) the replica database at path.
// Use ":memory:" for an ephemeral store.
func OpenReplica(path string, logger *slog.Logger) (*Replica, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}
	// SQLite serializes writers anyway, and a single connection keeps
	// ":memory:" databases coherent across the pool.
	db.SetMaxOpenConns(1)
	r, err := NewReplica(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// NewReplica wraps an existing SQLite handle and initializes the replica
// schema.
func NewReplica(db *sql.DB, logger *slog.Logger) (*Replica, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS _inv_records (
			table_name TEXT NOT NULL,
			rec_key    TEXT NOT NULL,
			remote_id  INTEGER NOT NULL DEFAULT 0,
			owner_id   INTEGER NOT NULL DEFAULT 0,
			deleted    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT '',
			sort_num   INTEGER NOT NULL DEFAULT 0,
			sort_text  TEXT NOT NULL DEFAULT '',
			payload    TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (table_name, rec_key)
		)`,

		// Pending queue: coalesced, one row per (table, key). seq outlives
		// coalescing so FIFO order across distinct entities is stable.
		`CREATE TABLE IF NOT EXISTS _inv_pending (
			seq          INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id     TEXT NOT NULL UNIQUE,
			table_name   TEXT NOT NULL,
			rec_key      TEXT NOT NULL,
			op           TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			base_version TEXT NOT NULL DEFAULT '',
			payload      TEXT,
			status       TEXT NOT NULL DEFAULT 'queued',
			attempts     INTEGER NOT NULL DEFAULT 0,
			queued_at    TEXT NOT NULL,
			UNIQUE (table_name, rec_key)
		)`,

		`CREATE TABLE IF NOT EXISTS _inv_conflicts (
			id             TEXT PRIMARY KEY,
			table_name     TEXT NOT NULL,
			rec_key        TEXT NOT NULL,
			op             TEXT NOT NULL,
			local_payload  TEXT,
			base_version   TEXT NOT NULL DEFAULT '',
			remote_version TEXT NOT NULL DEFAULT '',
			remote_deleted INTEGER NOT NULL DEFAULT 0,
			detected_at    TEXT NOT NULL,
			resolution     TEXT NOT NULL DEFAULT 'unresolved'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS _inv_conflicts_open
			ON _inv_conflicts (table_name, rec_key) WHERE resolution = 'unresolved'`,

		`CREATE TABLE IF NOT EXISTS _inv_settings (
			k TEXT PRIMARY KEY,
			v TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create replica table: %w", err)
		}
	}

	// Reset in-flight markers left behind by a crash mid-replay.
	if _, err := db.Exec(`UPDATE _inv_pending SET status = 'queued' WHERE status = 'in_flight'`); err != nil {
		logger.Warn("failed to reset in-flight mutations during init", "error", err)
	}

	return &Replica{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (r *Replica) Close() error {
	return r.db.Close()
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sortColumns(t EntityType, fields map[string]any) (int64, string) {
	spec := tableSpecs[t]
	var num int64
	var text string
	if spec.sortNumField != "" {
		if v, ok := fields[spec.sortNumField]; ok {
			switch n := v.(type) {
			case float64:
				num = int64(n)
			case int:
				num = int64(n)
			case int64:
				num = n
			}
		}
	}
	if spec.sortTextField != "" {
		if v, ok := fields[spec.sortTextField].(string); ok {
			text = v
		}
	}
	return num, text
}

// Put mirrors a record into the replica, replacing any prior copy under
// the same key.
func (r *Replica) Put(rec *Record) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record payload: %w", err)
	}
	sortNum, sortText := sortColumns(rec.Type, rec.Fields)
	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO _inv_records
			(table_name, rec_key, remote_id, owner_id, deleted, created_at, updated_at, sort_num, sort_text, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(rec.Type), rec.Key, rec.RemoteID, rec.OwnerID, boolToInt(rec.Deleted),
		encodeTime(rec.CreatedAt), encodeTime(rec.UpdatedAt), sortNum, sortText, string(payload))
	if err != nil {
		return storeErr("failed to put record", err)
	}
	return nil
}

// ReplaceKey swaps a record's key, used when a locally created entity
// receives its remote id. The old row is removed and rec stored under its
// new key atomically.
func (r *Replica) ReplaceKey(t EntityType, oldKey string, rec *Record) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record payload: %w", err)
	}
	sortNum, sortText := sortColumns(rec.Type, rec.Fields)

	tx, err := r.db.Begin()
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM _inv_records WHERE table_name = ? AND rec_key = ?`,
		string(t), oldKey); err != nil {
		return storeErr("failed to remove old record key", err)
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO _inv_records
			(table_name, rec_key, remote_id, owner_id, deleted, created_at, updated_at, sort_num, sort_text, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(rec.Type), rec.Key, rec.RemoteID, rec.OwnerID, boolToInt(rec.Deleted),
		encodeTime(rec.CreatedAt), encodeTime(rec.UpdatedAt), sortNum, sortText, string(payload)); err != nil {
		return storeErr("failed to put record under new key", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("failed to commit key replacement", err)
	}
	return nil
}

// Get returns the record under (t, key), including soft-deleted records so
// ids stay resolvable for referential checks. ok is false when no record
// exists.
func (r *Replica) Get(t EntityType, key string) (rec *Record, ok bool, err error) {
	row := r.db.QueryRow(`
		SELECT rec_key, remote_id, owner_id, deleted, created_at, updated_at, payload
		FROM _inv_records WHERE table_name = ? AND rec_key = ?
	`, string(t), key)
	rec, err = scanRecord(t, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("failed to get record", err)
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(t EntityType, row rowScanner) (*Record, error) {
	var rec Record
	var deleted int
	var createdAt, updatedAt, payload string
	if err := row.Scan(&rec.Key, &rec.RemoteID, &rec.OwnerID, &deleted, &createdAt, &updatedAt, &payload); err != nil {
		return nil, err
	}
	rec.Type = t
	rec.Deleted = deleted != 0
	rec.CreatedAt = decodeTime(createdAt)
	rec.UpdatedAt = decodeTime(updatedAt)
	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return nil, fmt.Errorf("corrupt record payload: %w", err)
	}
	return &rec, nil
}

// List returns all non-deleted records of t in the table's stable order.
func (r *Replica) List(t EntityType) ([]Record, error) {
	spec, ok := tableSpecs[t]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT rec_key, remote_id, owner_id, deleted, created_at, updated_at, payload
		FROM _inv_records WHERE table_name = ? AND deleted = 0
		ORDER BY %s
	`, spec.replicaOrder), string(t))
	if err != nil {
		return nil, storeErr("failed to list records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(t, rows)
		if err != nil {
			return nil, storeErr("failed to scan record", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate records", err)
	}
	return out, nil
}

// EnqueueMutation stages a mutation for replay. If a mutation for the same
// (type, key) is already queued, the new intent coalesces into it: the row
// keeps its queue position and base version, only operation and payload
// fold forward. A create followed by a delete cancels out entirely.
func (r *Replica) EnqueueMutation(m *PendingMutation) error {
	if m.LocalID == "" {
		m.LocalID = uuid.New().String()
	}
	if m.QueuedAt.IsZero() {
		m.QueuedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}

	tx, err := r.db.Begin()
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var existingID string
	var existingOp string
	var existingPayload sql.NullString
	err = tx.QueryRow(`
		SELECT local_id, op, payload FROM _inv_pending
		WHERE table_name = ? AND rec_key = ?
	`, string(m.Type), m.Key).Scan(&existingID, &existingOp, &existingPayload)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		payload, perr := encodeMutationPayload(m.Op, m.Fields)
		if perr != nil {
			return perr
		}
		if _, err := tx.Exec(`
			INSERT INTO _inv_pending (local_id, table_name, rec_key, op, base_version, payload, status, attempts, queued_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.LocalID, string(m.Type), m.Key, string(m.Op), encodeTime(m.BaseVersion),
			payload, string(m.Status), m.Attempts, encodeTime(m.QueuedAt)); err != nil {
			return storeErr("failed to enqueue mutation", err)
		}

	case err != nil:
		return storeErr("failed to query pending mutation", err)

	default:
		// Coalesce into the existing row.
		if Operation(existingOp) == OpCreate && m.Op == OpSoftDelete {
			// Never reached the server; the intents cancel out.
			if _, err := tx.Exec(`DELETE FROM _inv_pending WHERE local_id = ?`, existingID); err != nil {
				return storeErr("failed to cancel pending create", err)
			}
			if err := tx.Commit(); err != nil {
				return storeErr("failed to commit coalesce", err)
			}
			return nil
		}

		newOp := m.Op
		newFields := m.Fields
		if Operation(existingOp) == OpCreate && m.Op == OpUpdate {
			// The entity still has to be created remotely; fold the edit
			// into the create payload.
			newOp = OpCreate
			newFields = mergePayloads(existingPayload, m.Fields)
		} else if Operation(existingOp) == OpUpdate && m.Op == OpUpdate {
			newFields = mergePayloads(existingPayload, m.Fields)
		}
		payload, perr := encodeMutationPayload(newOp, newFields)
		if perr != nil {
			return perr
		}
		if _, err := tx.Exec(`
			UPDATE _inv_pending SET op = ?, payload = ?, status = 'queued'
			WHERE local_id = ?
		`, string(newOp), payload, existingID); err != nil {
			return storeErr("failed to coalesce mutation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("failed to commit enqueue", err)
	}
	return nil
}

func encodeMutationPayload(op Operation, fields map[string]any) (sql.NullString, error) {
	if op == OpSoftDelete || fields == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode mutation payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func mergePayloads(existing sql.NullString, fields map[string]any) map[string]any {
	merged := map[string]any{}
	if existing.Valid {
		// Ignore decode errors on the old payload; the new intent wins.
		_ = json.Unmarshal([]byte(existing.String), &merged)
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// DequeueMutation removes a mutation from the queue.
func (r *Replica) DequeueMutation(localID string) error {
	if _, err := r.db.Exec(`DELETE FROM _inv_pending WHERE local_id = ?`, localID); err != nil {
		return storeErr("failed to dequeue mutation", err)
	}
	return nil
}

// UpdateMutation persists status, attempt count, operation, base version
// and payload changes of a queued mutation.
func (r *Replica) UpdateMutation(m *PendingMutation) error {
	payload, err := encodeMutationPayload(m.Op, m.Fields)
	if err != nil {
		return err
	}
	if _, err := r.db.Exec(`
		UPDATE _inv_pending SET op = ?, base_version = ?, payload = ?, status = ?, attempts = ?
		WHERE local_id = ?
	`, string(m.Op), encodeTime(m.BaseVersion), payload, string(m.Status), m.Attempts, m.LocalID); err != nil {
		return storeErr("failed to update mutation", err)
	}
	return nil
}

// ListPendingMutations returns the queue in FIFO order, oldest first.
func (r *Replica) ListPendingMutations() ([]PendingMutation, error) {
	rows, err := r.db.Query(`
		SELECT seq, local_id, table_name, rec_key, op, base_version, payload, status, attempts, queued_at
		FROM _inv_pending ORDER BY seq
	`)
	if err != nil {
		return nil, storeErr("failed to list pending mutations", err)
	}
	defer rows.Close()

	var out []PendingMutation
	for rows.Next() {
		var m PendingMutation
		var table, op, base, status, queuedAt string
		var payload sql.NullString
		if err := rows.Scan(&m.Seq, &m.LocalID, &table, &m.Key, &op, &base, &payload, &status, &m.Attempts, &queuedAt); err != nil {
			return nil, storeErr("failed to scan pending mutation", err)
		}
		m.Type = EntityType(table)
		m.Op = Operation(op)
		m.BaseVersion = decodeTime(base)
		m.Status = MutationStatus(status)
		m.QueuedAt = decodeTime(queuedAt)
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &m.Fields); err != nil {
				return nil, fmt.Errorf("corrupt mutation payload: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate pending mutations", err)
	}
	return out, nil
}

// GetMutation returns the queued mutation for (t, key), if any.
func (r *Replica) GetMutation(t EntityType, key string) (*PendingMutation, bool, error) {
	all, err := r.ListPendingMutations()
	if err != nil {
		return nil, false, err
	}
	for i := range all {
		if all[i].Type == t && all[i].Key == key {
			return &all[i], true, nil
		}
	}
	return nil, false, nil
}

// RecordConflict logs a conflict, replacing any prior unresolved conflict
// for the same (type, key).
func (r *Replica) RecordConflict(c *ConflictRecord) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	if c.Resolution == "" {
		c.Resolution = ResolutionUnresolved
	}
	payload, err := encodeMutationPayload(OpUpdate, c.LocalFields)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return storeErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM _inv_conflicts
		WHERE table_name = ? AND rec_key = ? AND resolution = 'unresolved'
	`, string(c.Type), c.Key); err != nil {
		return storeErr("failed to replace prior conflict", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO _inv_conflicts
			(id, table_name, rec_key, op, local_payload, base_version, remote_version, remote_deleted, detected_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, string(c.Type), c.Key, string(c.Op), payload, encodeTime(c.BaseVersion),
		encodeTime(c.RemoteVersion), boolToInt(c.RemoteDeleted), encodeTime(c.DetectedAt), string(c.Resolution)); err != nil {
		return storeErr("failed to record conflict", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("failed to commit conflict", err)
	}
	return nil
}

// ListConflicts returns every conflict record, newest first.
func (r *Replica) ListConflicts() ([]ConflictRecord, error) {
	return r.listConflicts(`SELECT id, table_name, rec_key, op, local_payload, base_version, remote_version, remote_deleted, detected_at, resolution
		FROM _inv_conflicts ORDER BY detected_at DESC`)
}

// ListUnresolvedConflicts returns open conflicts, newest first.
func (r *Replica) ListUnresolvedConflicts() ([]ConflictRecord, error) {
	return r.listConflicts(`SELECT id, table_name, rec_key, op, local_payload, base_version, remote_version, remote_deleted, detected_at, resolution
		FROM _inv_conflicts WHERE resolution = 'unresolved' ORDER BY detected_at DESC`)
}

func (r *Replica) listConflicts(query string) ([]ConflictRecord, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, storeErr("failed to list conflicts", err)
	}
	defer rows.Close()

	var out []ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("failed to iterate conflicts", err)
	}
	return out, nil
}

// GetConflict returns a conflict record by id.
func (r *Replica) GetConflict(id string) (*ConflictRecord, bool, error) {
	row := r.db.QueryRow(`
		SELECT id, table_name, rec_key, op, local_payload, base_version, remote_version, remote_deleted, detected_at, resolution
		FROM _inv_conflicts WHERE id = ?
	`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var c ConflictRecord
	var table, op, base, remote, detectedAt, resolution string
	var remoteDeleted int
	var payload sql.NullString
	if err := row.Scan(&c.ID, &table, &c.Key, &op, &payload, &base, &remote, &remoteDeleted, &detectedAt, &resolution); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("failed to scan conflict", err)
	}
	c.Type = EntityType(table)
	c.Op = Operation(op)
	c.BaseVersion = decodeTime(base)
	c.RemoteVersion = decodeTime(remote)
	c.RemoteDeleted = remoteDeleted != 0
	c.DetectedAt = decodeTime(detectedAt)
	c.Resolution = Resolution(resolution)
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &c.LocalFields); err != nil {
			return nil, fmt.Errorf("corrupt conflict payload: %w", err)
		}
	}
	return &c, nil
}

// MarkConflictResolved sets the resolution of a conflict record.
func (r *Replica) MarkConflictResolved(id string, res Resolution) error {
	result, err := r.db.Exec(`
		UPDATE _inv_conflicts SET resolution = ? WHERE id = ? AND resolution = 'unresolved'
	`, string(res), id)
	if err != nil {
		return storeErr("failed to resolve conflict", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeErr("failed to resolve conflict", err)
	}
	if n == 0 {
		return fmt.Errorf("no unresolved conflict with id %s", id)
	}
	return nil
}

// ManualOffline reads the persisted user-forced offline flag.
func (r *Replica) ManualOffline() (bool, error) {
	var v string
	err := r.db.QueryRow(`SELECT v FROM _inv_settings WHERE k = 'manual_offline'`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("failed to read manual offline flag", err)
	}
	return v == "1", nil
}

// SetManualOffline persists the user-forced offline flag.
func (r *Replica) SetManualOffline(on bool) error {
	v := "0"
	if on {
		v = "1"
	}
	if _, err := r.db.Exec(`
		INSERT INTO _inv_settings (k, v) VALUES ('manual_offline', ?)
		ON CONFLICT(k) DO UPDATE SET v = excluded.v
	`, v); err != nil {
		return storeErr("failed to persist manual offline flag", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
