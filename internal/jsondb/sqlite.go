package jsondb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	_ "modernc.org/sqlite"
)

const sqliteMemory = ":memory:"

// SqliteStore persists documents in a single sqlite table. sqlite allows one writer at a time, so the
// connection pool is limited to a single connection.
type SqliteStore struct {
	db        *sql.DB
	tableName string
}

func NewSqliteStore(ctx context.Context, path string, tableName string) (*SqliteStore, error) {
	if err := validateTableName(tableName); err != nil {
		return nil, err
	}
	if path == "" {
		path = sqliteMemory
	}
	if path != sqliteMemory {
		dbDir := filepath.Dir(path)
		if _, err := os.Stat(dbDir); os.IsNotExist(err) {
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return nil, errors.Wrapf(err, "could not make directory at %s for sqlite db", dbDir)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite db at %s", path)
	}
	db.SetMaxOpenConns(1)

	if path != sqliteMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, errors.WithStack(err)
		}
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (path TEXT PRIMARY KEY, value BLOB NOT NULL)", tableName))
	if err != nil {
		_ = db.Close()
		return nil, errors.WithStack(err)
	}
	log.Infof("Opened sqlite store at %s", path)
	return &SqliteStore{db: db, tableName: tableName}, nil
}

func (s *SqliteStore) GetAsBytes(ctx context.Context, path string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT value FROM %s WHERE path = ?", s.tableName), path).Scan(&value)
	if err == nil {
		return value, nil
	}
	if err != sql.ErrNoRows {
		return nil, errors.WithStack(err)
	}

	from, to := childRange(path)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT path, value FROM %s WHERE path >= ? AND path < ? ORDER BY path", s.tableName), from, to)
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

func (s *SqliteStore) BatchUpsert(ctx context.Context, values map[string][]byte) error {
	paths := maps.Keys(values)
	slices.Sort(paths)
	for _, path := range paths {
		if err := validatePath(path); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT OR REPLACE INTO %s (path, value) VALUES (?, ?)", s.tableName))
	if err != nil {
		return errors.WithStack(err)
	}
	defer stmt.Close()

	for _, path := range paths {
		if _, err := stmt.ExecContext(ctx, path, values[path]); err != nil {
			return errors.Wrapf(err, "error writing %s", path)
		}
	}
	return errors.WithStack(tx.Commit())
}

func (s *SqliteStore) Delete(ctx context.Context, path string) (int, error) {
	from, to := childRange(path)
	return s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE path = ? OR (path >= ? AND path < ?)", s.tableName), path, from, to)
}

func (s *SqliteStore) DeleteBelowKey(ctx context.Context, parent string, boundary string) (int, error) {
	from, _ := childRange(parent)
	return s.exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE path >= ? AND path < ?", s.tableName), from, from+boundary)
}

func (s *SqliteStore) DeleteAllButLatest(ctx context.Context, parent string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	from, to := childRange(parent)
	return s.exec(ctx, fmt.Sprintf(
		"DELETE FROM %[1]s WHERE path IN (SELECT path FROM %[1]s WHERE path >= ? AND path < ? ORDER BY path DESC LIMIT -1 OFFSET ?)",
		s.tableName), from, to, keep)
}

func (s *SqliteStore) Close() error {
	return errors.WithStack(s.db.Close())
}

func (s *SqliteStore) exec(ctx context.Context, query string, args ...interface{}) (int, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := result.RowsAffected()
	return int(n), errors.WithStack(err)
}
