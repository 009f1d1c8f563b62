package jsondb

import (
	"context"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/activitytracker/internal/common/trackererrors"
)

// PostgresStore persists documents in a postgres table. Paths use the "C" collation so range
// predicates order them bytewise, matching the order of the keys they contain.
type PostgresStore struct {
	db        *pgxpool.Pool
	tableName string
}

func NewPostgresStore(ctx context.Context, db *pgxpool.Pool, tableName string) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "db",
			Value:   db,
			Message: "db must be non-nil",
		})
	}
	if err := validateTableName(tableName); err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db, tableName: tableName}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (path text COLLATE "C" PRIMARY KEY, value bytea NOT NULL)`, s.tableName))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == pgerrcode.DuplicateTable || pgErr.Code == pgerrcode.UniqueViolation) {
		// Another tracker created it concurrently.
		return nil
	}
	return errors.WithStack(err)
}

func (s *PostgresStore) GetAsBytes(ctx context.Context, path string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, fmt.Sprintf("SELECT value FROM %s WHERE path = $1", s.tableName), path).Scan(&value)
	if err == nil {
		return value, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.WithStack(err)
	}

	from, to := childRange(path)
	rows, err := s.db.Query(ctx,
		fmt.Sprintf("SELECT path, value FROM %s WHERE path >= $1 AND path < $2 ORDER BY path", s.tableName), from, to)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var children []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.path, &r.value); err != nil {
			return nil, errors.WithStack(err)
		}
		children = append(children, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(children) == 0 {
		return nil, notFound(path)
	}
	return assemble(path, children)
}

func (s *PostgresStore) BatchUpsert(ctx context.Context, values map[string][]byte) error {
	paths := maps.Keys(values)
	slices.Sort(paths)
	for _, path := range paths {
		if err := validatePath(path); err != nil {
			return err
		}
	}

	upsert := fmt.Sprintf(
		"INSERT INTO %s (path, value) VALUES ($1, $2) ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value",
		s.tableName)
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, path := range paths {
			batch.Queue(upsert, path, values[path])
		}
		results := tx.SendBatch(ctx, batch)
		for _, path := range paths {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return errors.Wrapf(err, "error writing %s", path)
			}
		}
		return results.Close()
	})
	return errors.WithStack(err)
}

func (s *PostgresStore) Delete(ctx context.Context, path string) (int, error) {
	from, to := childRange(path)
	return s.exec(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE path = $1 OR (path >= $2 AND path < $3)", s.tableName), path, from, to)
}

func (s *PostgresStore) DeleteBelowKey(ctx context.Context, parent string, boundary string) (int, error) {
	from, _ := childRange(parent)
	return s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE path >= $1 AND path < $2", s.tableName), from, from+boundary)
}

func (s *PostgresStore) DeleteAllButLatest(ctx context.Context, parent string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	from, to := childRange(parent)
	return s.exec(ctx, fmt.Sprintf(
		"DELETE FROM %[1]s WHERE path IN (SELECT path FROM %[1]s WHERE path >= $1 AND path < $2 ORDER BY path DESC OFFSET $3)",
		s.tableName), from, to, keep)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) (int, error) {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(tag.RowsAffected()), nil
}
