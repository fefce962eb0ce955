package effectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/etiquettestartshere/effectivetray/internal/effect"
	"github.com/etiquettestartshere/effectivetray/pkg/types"
)

// Schema is the SQL DDL for the applied_effects table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
//
// The partial unique index enforces the one-effect-per-origin rule at the
// database level.
const Schema = `
CREATE TABLE IF NOT EXISTS applied_effects (
    id          TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    origin      TEXT NOT NULL DEFAULT '',
    name        TEXT NOT NULL DEFAULT '',
    icon        TEXT NOT NULL DEFAULT '',
    disabled    BOOLEAN NOT NULL DEFAULT false,
    transfer    BOOLEAN NOT NULL DEFAULT false,
    duration    JSONB NOT NULL DEFAULT '{}',
    flags       JSONB NOT NULL DEFAULT '{}',
    dependents  JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (entity_id, id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_applied_effects_origin
    ON applied_effects(entity_id, origin) WHERE origin <> '';
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is an [effect.Store] backed by PostgreSQL. Duration, flags
// and dependents are stored as JSONB.
type PostgresStore struct {
	db DB
}

var _ effect.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("effectstore: migrate: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, entity_id, origin, name, icon, disabled, transfer,
	       duration, flags, dependents, created_at, updated_at
	FROM applied_effects`

// List implements [effect.Store].
func (s *PostgresStore) List(ctx context.Context, entityID string) ([]types.AppliedEffect, error) {
	rows, err := s.db.Query(ctx, selectColumns+`
	WHERE entity_id = $1
	ORDER BY created_at, id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("effectstore: list %q: %w", entityID, err)
	}
	defer rows.Close()

	var out []types.AppliedEffect
	for rows.Next() {
		e, err := scanEffect(rows)
		if err != nil {
			return nil, fmt.Errorf("effectstore: list %q: %w", entityID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("effectstore: list %q: %w", entityID, err)
	}
	return out, nil
}

// Get implements [effect.Store].
func (s *PostgresStore) Get(ctx context.Context, ref types.EffectRef) (types.AppliedEffect, error) {
	row := s.db.QueryRow(ctx, selectColumns+`
	WHERE entity_id = $1 AND id = $2`, ref.EntityID, ref.EffectID)
	e, err := scanEffect(row)
	if err != nil {
		return types.AppliedEffect{}, fmt.Errorf("effectstore: get %s: %w", ref, notFound(err))
	}
	return e, nil
}

// FindByOrigin implements [effect.Store].
func (s *PostgresStore) FindByOrigin(ctx context.Context, entityID, origin string) (types.AppliedEffect, error) {
	if origin == "" {
		return types.AppliedEffect{}, effect.ErrNotFound
	}
	row := s.db.QueryRow(ctx, selectColumns+`
	WHERE entity_id = $1 AND origin = $2`, entityID, origin)
	e, err := scanEffect(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.AppliedEffect{}, effect.ErrNotFound
		}
		return types.AppliedEffect{}, fmt.Errorf("effectstore: find origin %q on %q: %w", origin, entityID, err)
	}
	return e, nil
}

// Create implements [effect.Store].
func (s *PostgresStore) Create(ctx context.Context, e types.AppliedEffect) (types.AppliedEffect, error) {
	if e.EntityID == "" {
		return types.AppliedEffect{}, fmt.Errorf("effectstore: create: entity id is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	cols, err := marshalColumns(e)
	if err != nil {
		return types.AppliedEffect{}, err
	}

	const query = `
		INSERT INTO applied_effects (
			id, entity_id, origin, name, icon, disabled, transfer,
			duration, flags, dependents
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		e.ID, e.EntityID, e.Origin, e.Name, e.Icon, e.Disabled, e.Transfer,
		cols.duration, cols.flags, cols.dependents,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return types.AppliedEffect{}, fmt.Errorf("effectstore: create on %q: %w", e.EntityID, effect.ErrDuplicateOrigin)
		}
		return types.AppliedEffect{}, fmt.Errorf("effectstore: create on %q: %w", e.EntityID, err)
	}
	return e, nil
}

// Update implements [effect.Store].
func (s *PostgresStore) Update(ctx context.Context, e types.AppliedEffect) (types.AppliedEffect, error) {
	cols, err := marshalColumns(e)
	if err != nil {
		return types.AppliedEffect{}, err
	}

	const query = `
		UPDATE applied_effects SET
			origin = $3, name = $4, icon = $5, disabled = $6, transfer = $7,
			duration = $8, flags = $9, dependents = $10, updated_at = now()
		WHERE entity_id = $1 AND id = $2
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		e.EntityID, e.ID, e.Origin, e.Name, e.Icon, e.Disabled, e.Transfer,
		cols.duration, cols.flags, cols.dependents,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return types.AppliedEffect{}, fmt.Errorf("effectstore: update %s: %w", e.Ref(), effect.ErrDuplicateOrigin)
		}
		return types.AppliedEffect{}, fmt.Errorf("effectstore: update %s: %w", e.Ref(), notFound(err))
	}
	return e, nil
}

// Delete implements [effect.Store].
func (s *PostgresStore) Delete(ctx context.Context, ref types.EffectRef) error {
	const query = `DELETE FROM applied_effects WHERE entity_id = $1 AND id = $2`
	tag, err := s.db.Exec(ctx, query, ref.EntityID, ref.EffectID)
	if err != nil {
		return fmt.Errorf("effectstore: delete %s: %w", ref, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("effectstore: delete %s: %w", ref, effect.ErrNotFound)
	}
	return nil
}

// AddDependent implements [effect.Store]. The containment check makes the
// append idempotent.
func (s *PostgresStore) AddDependent(ctx context.Context, source, dependent types.EffectRef) error {
	dep, err := json.Marshal([]types.EffectRef{dependent})
	if err != nil {
		return fmt.Errorf("effectstore: marshal dependent: %w", err)
	}

	const query = `
		UPDATE applied_effects SET
			dependents = CASE WHEN dependents @> $3::jsonb THEN dependents
			                  ELSE dependents || $3::jsonb END,
			updated_at = now()
		WHERE entity_id = $1 AND id = $2`

	tag, err := s.db.Exec(ctx, query, source.EntityID, source.EffectID, dep)
	if err != nil {
		return fmt.Errorf("effectstore: add dependent to %s: %w", source, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("effectstore: add dependent to %s: %w", source, effect.ErrNotFound)
	}
	return nil
}

type jsonColumns struct {
	duration, flags, dependents []byte
}

func marshalColumns(e types.AppliedEffect) (jsonColumns, error) {
	var c jsonColumns
	var err error
	if c.duration, err = json.Marshal(e.Duration); err != nil {
		return c, fmt.Errorf("effectstore: marshal duration: %w", err)
	}
	if c.flags, err = json.Marshal(emptyMap(e.Flags)); err != nil {
		return c, fmt.Errorf("effectstore: marshal flags: %w", err)
	}
	if c.dependents, err = json.Marshal(emptySlice(e.Dependents)); err != nil {
		return c, fmt.Errorf("effectstore: marshal dependents: %w", err)
	}
	return c, nil
}

// scanEffect reads one row in selectColumns order. pgx.Row and pgx.Rows
// both satisfy the argument.
func scanEffect(row interface{ Scan(dest ...any) error }) (types.AppliedEffect, error) {
	var e types.AppliedEffect
	var duration, flags, dependents []byte
	if err := row.Scan(
		&e.ID, &e.EntityID, &e.Origin, &e.Name, &e.Icon, &e.Disabled, &e.Transfer,
		&duration, &flags, &dependents, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return types.AppliedEffect{}, err
	}
	if err := json.Unmarshal(duration, &e.Duration); err != nil {
		return types.AppliedEffect{}, fmt.Errorf("unmarshal duration: %w", err)
	}
	if err := json.Unmarshal(flags, &e.Flags); err != nil {
		return types.AppliedEffect{}, fmt.Errorf("unmarshal flags: %w", err)
	}
	if len(e.Flags) == 0 {
		e.Flags = nil
	}
	if err := json.Unmarshal(dependents, &e.Dependents); err != nil {
		return types.AppliedEffect{}, fmt.Errorf("unmarshal dependents: %w", err)
	}
	if len(e.Dependents) == 0 {
		e.Dependents = nil
	}
	return e, nil
}

// notFound maps pgx.ErrNoRows onto [effect.ErrNotFound].
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return effect.ErrNotFound
	}
	return err
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice, so JSON
// marshalling produces "[]" instead of "null".
func emptySlice(s []types.EffectRef) []types.EffectRef {
	if s == nil {
		return []types.EffectRef{}
	}
	return s
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map, so JSON
// marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
