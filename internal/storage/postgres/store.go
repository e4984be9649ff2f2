package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nkiryanov/glavbuh/internal/storage"
)

var ErrNotMigrated = errors.New("storage schema is not migrated")

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Key/value storage in postgres
// Several installations may share one database, rows are namespaced by installation id
type Store struct {
	db             DBTX
	installationID string
}

func NewStore(db DBTX, installationID string) *Store {
	return &Store{db: db, installationID: installationID}
}

const getEntry = `-- name: GetEntry
SELECT value
FROM kv_entries
WHERE installation_id = $1 AND key = $2
`

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	rows, _ := s.db.Query(ctx, getEntry, s.installationID, key)
	value, err := pgx.CollectOneRow(rows, pgx.RowTo[string])

	switch {
	case err == nil:
		return value, nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", storage.ErrNotFound
	default:
		return "", dbError(err)
	}
}

const upsertEntry = `-- name: UpsertEntry
INSERT INTO kv_entries (installation_id, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (installation_id, key) DO UPDATE
SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
`

func (s *Store) Set(ctx context.Context, key string, value string) error {
	_, err := s.db.Exec(ctx, upsertEntry, s.installationID, key, value)
	if err != nil {
		return dbError(err)
	}
	return nil
}

// Write all values in one transaction
func (s *Store) SetMany(ctx context.Context, values map[string]string) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return dbError(err)
	}

	defer func() {
		switch err {
		case nil:
			err = tx.Commit(ctx)
		default:
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for k, v := range values {
		batch.Queue(upsertEntry, s.installationID, k, v)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return dbError(err)
	}

	return nil
}

const deleteEntries = `-- name: DeleteEntries
DELETE FROM kv_entries
WHERE installation_id = $1 AND key = ANY($2)
`

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := s.db.Exec(ctx, deleteEntries, s.installationID, keys)
	if err != nil {
		return dbError(err)
	}
	return nil
}

func dbError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UndefinedTable {
		return fmt.Errorf("db error: %w", ErrNotMigrated)
	}
	return fmt.Errorf("db error: %w", err)
}
