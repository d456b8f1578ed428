// Package invserver is a reference implementation of the backend the
// invsync client talks to: per-table REST CRUD on Postgres with owner
// scoping, soft deletes, and updated_at as the authoritative version
// column.
//
// Copyright 2026 The invsync Authors
// SPDX-License-Identifier: Apache-2.0

package invserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reselly/invsync/invsync"
)

// ErrNotFound reports that no visible row matched.
var ErrNotFound = errors.New("row not found")

// ErrReferenced reports that a row cannot be soft-deleted because a
// non-deleted row of another table still references it.
var ErrReferenced = errors.New("row is still referenced")

// ErrBadField reports an unknown column in a write payload.
var ErrBadField = errors.New("unknown field")

// Config holds reference-server configuration.
type Config struct {
	AppName string
}

// Service provides the storage operations behind the HTTP handlers.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *Config
}

// NewService creates the service and initializes the schema inside a
// single transaction.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *Config, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &Config{AppName: "invsyncd"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, logger: logger, config: config}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Service) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS categories (
			id         BIGSERIAL PRIMARY KEY,
			owner_id   BIGINT NOT NULL,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			name       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS locations (
			id          BIGSERIAL PRIMARY KEY,
			owner_id    BIGINT NOT NULL,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sources (
			id         BIGSERIAL PRIMARY KEY,
			owner_id   BIGINT NOT NULL,
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			name       TEXT NOT NULL DEFAULT '',
			notes      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS containers (
			id          BIGSERIAL PRIMARY KEY,
			owner_id    BIGINT NOT NULL,
			deleted     BOOLEAN NOT NULL DEFAULT FALSE,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			name        TEXT NOT NULL DEFAULT '',
			number      BIGINT NOT NULL DEFAULT 0,
			location_id BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id             BIGSERIAL PRIMARY KEY,
			owner_id       BIGINT NOT NULL,
			deleted        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			name           TEXT NOT NULL DEFAULT '',
			description    TEXT NOT NULL DEFAULT '',
			quantity       BIGINT NOT NULL DEFAULT 0,
			purchase_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			selling_price  DOUBLE PRECISION NOT NULL DEFAULT 0,
			category_id    BIGINT,
			container_id   BIGINT,
			location_id    BIGINT,
			source_id      BIGINT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func selectColumns(t invsync.EntityType) string {
	cols := invsync.WireColumns(t)
	sort.Strings(cols)
	out := "id, owner_id, deleted, created_at, updated_at"
	for _, c := range cols {
		out += ", " + c
	}
	return out
}

// ListPage returns one page of non-deleted rows plus the total count of
// visible rows.
func (s *Service) ListPage(ctx context.Context, t invsync.EntityType, ownerID int64, offset, limit int) ([]map[string]any, int, error) {
	var total int
	err := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE owner_id = $1 AND deleted = FALSE`, t),
		ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count rows: %w", err)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE owner_id = $1 AND deleted = FALSE ORDER BY %s OFFSET $2 LIMIT $3`,
		selectColumns(t), t, invsync.OrderClause(t)),
		ownerID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row, err := rowToMap(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, total, nil
}

// GetByID returns one non-deleted row.
func (s *Service) GetByID(ctx context.Context, t invsync.EntityType, ownerID, id int64) (map[string]any, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE owner_id = $1 AND id = $2 AND deleted = FALSE`,
		selectColumns(t), t),
		ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get row: %w", err)
		}
		return nil, ErrNotFound
	}
	return rowToMap(rows)
}

// CreateRow inserts a row from wire-named values.
func (s *Service) CreateRow(ctx context.Context, t invsync.EntityType, ownerID int64, values map[string]any) (map[string]any, error) {
	cols, args, err := sanitizeValues(t, values, false)
	if err != nil {
		return nil, err
	}
	colSQL := "owner_id"
	valSQL := "$1"
	params := []any{ownerID}
	for i, c := range cols {
		colSQL += ", " + c
		valSQL += fmt.Sprintf(", $%d", i+2)
		params = append(params, args[i])
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING %s`,
		t, colSQL, valSQL, selectColumns(t)),
		params...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to insert row: %w", err)
		}
		return nil, fmt.Errorf("insert returned no row")
	}
	return rowToMap(rows)
}

// UpdateRow applies a partial patch and bumps updated_at. Soft-deleted
// rows remain patchable so a tombstone can be restored with
// deleted=false.
func (s *Service) UpdateRow(ctx context.Context, t invsync.EntityType, ownerID, id int64, values map[string]any) (map[string]any, error) {
	cols, args, err := sanitizeValues(t, values, true)
	if err != nil {
		return nil, err
	}
	setSQL := "updated_at = now()"
	params := []any{ownerID, id}
	for i, c := range cols {
		setSQL += fmt.Sprintf(", %s = $%d", c, i+3)
		params = append(params, args[i])
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`UPDATE %s SET %s WHERE owner_id = $1 AND id = $2 RETURNING %s`,
		t, setSQL, selectColumns(t)),
		params...)
	if err != nil {
		return nil, fmt.Errorf("failed to update row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to update row: %w", err)
		}
		return nil, ErrNotFound
	}
	return rowToMap(rows)
}

// SoftDeleteRow marks a row deleted after checking that no non-deleted
// row of another table still references it.
func (s *Service) SoftDeleteRow(ctx context.Context, t invsync.EntityType, ownerID, id int64) (map[string]any, error) {
	for _, other := range invsync.Tables() {
		for col, target := range invsync.WireReferences(other) {
			if target != t {
				continue
			}
			var exists bool
			err := s.pool.QueryRow(ctx, fmt.Sprintf(
				`SELECT EXISTS(SELECT 1 FROM %s WHERE owner_id = $1 AND %s = $2 AND deleted = FALSE)`,
				other, col),
				ownerID, id).Scan(&exists)
			if err != nil {
				return nil, fmt.Errorf("failed referential check: %w", err)
			}
			if exists {
				return nil, fmt.Errorf("%w: %s.%s -> %s/%d", ErrReferenced, other, col, t, id)
			}
		}
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`UPDATE %s SET deleted = TRUE, updated_at = now() WHERE owner_id = $1 AND id = $2 RETURNING %s`,
		t, selectColumns(t)),
		ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to soft-delete row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to soft-delete row: %w", err)
		}
		return nil, ErrNotFound
	}
	return rowToMap(rows)
}

// sanitizeValues filters a write payload down to known wire columns in a
// deterministic order. allowDeleted permits the deleted flag in patches.
func sanitizeValues(t invsync.EntityType, values map[string]any, allowDeleted bool) ([]string, []any, error) {
	known := map[string]bool{}
	for _, c := range invsync.WireColumns(t) {
		known[c] = true
	}
	var cols []string
	for c := range values {
		if !known[c] && !(allowDeleted && c == "deleted") {
			return nil, nil, fmt.Errorf("%w: %q for %s", ErrBadField, c, t)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		// JSON numbers arrive as float64; pgx converts them to the integral
		// column types on the way in.
		args[i] = values[c]
	}
	return cols, args, nil
}

func rowToMap(rows pgx.Rows) (map[string]any, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read row values: %w", err)
	}
	descs := rows.FieldDescriptions()
	out := make(map[string]any, len(values))
	for i, d := range descs {
		v := values[i]
		if ts, ok := v.(time.Time); ok {
			v = ts.UTC().Format(time.RFC3339Nano)
		}
		out[string(d.Name)] = v
	}
	return out, nil
}
