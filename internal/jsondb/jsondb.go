// Package jsondb is a path-addressed JSON document store. Leaves are JSON documents stored at '/'-separated
// paths; reading an interior path returns the JSON object assembled from every leaf beneath it. Three backends
// share the same semantics: postgres for production, sqlite for single-node deployments and go-memdb for tests.
package jsondb

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/G-Research/activitytracker/internal/common/database"
	"github.com/G-Research/activitytracker/internal/common/trackererrors"
)

const (
	PostgresType = "postgres"
	SqliteType   = "sqlite"
	MemoryType   = "memory"

	DefaultTableName = "jsondb"
)

type Store interface {
	// GetAsBytes returns the document at path, or the object assembled from all documents below it.
	// Returns *trackererrors.ErrNotFound if there is neither.
	GetAsBytes(ctx context.Context, path string) ([]byte, error)
	// BatchUpsert writes all values in a single transaction. Either every path is written or none is.
	BatchUpsert(ctx context.Context, values map[string][]byte) error
	// Delete removes the document at path and everything below it, returning the number of documents removed.
	Delete(ctx context.Context, path string) (int, error)
	// DeleteBelowKey removes every child of parent whose key sorts below boundary.
	DeleteBelowKey(ctx context.Context, parent string, boundary string) (int, error)
	// DeleteAllButLatest removes every child of parent except the keep children with the greatest keys.
	DeleteAllButLatest(ctx context.Context, parent string, keep int) (int, error)
	Close() error
}

type Config struct {
	Type       string `validate:"oneof=postgres sqlite memory"`
	TableName  string
	SqlitePath string
	Postgres   database.PostgresConfig
}

// New opens the store backend selected by config.Type.
func New(ctx context.Context, config Config) (Store, error) {
	tableName := config.TableName
	if tableName == "" {
		tableName = DefaultTableName
	}
	switch config.Type {
	case PostgresType:
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to connect to postgres")
		}
		return NewPostgresStore(ctx, db, tableName)
	case SqliteType:
		return NewSqliteStore(ctx, config.SqlitePath, tableName)
	case MemoryType:
		return NewMemoryStore()
	default:
		return nil, errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "type",
			Value:   config.Type,
			Message: "store type must be one of postgres, sqlite or memory",
		})
	}
}

// Join builds a path from keys, e.g. Join("activity", "pods", "p1") is "/activity/pods/p1".
func Join(keys ...string) string {
	return "/" + strings.Join(keys, "/")
}

// ValidateKey returns an error if key cannot be used as a single path segment.
func ValidateKey(key string) error {
	if key == "" {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{Name: "key", Value: key, Message: "key must be non-empty"})
	}
	for _, c := range key {
		switch {
		case c == '.', c == '%', c == '$', c == '#', c == '[', c == ']', c == '/':
			return errors.WithStack(&trackererrors.ErrInvalidArgument{
				Name:    "key",
				Value:   key,
				Message: "key must not contain '.', '%', '$', '#', '[', ']' or '/'",
			})
		case c < 0x20, c == 0x7f:
			return errors.WithStack(&trackererrors.ErrInvalidArgument{
				Name:    "key",
				Value:   key,
				Message: "key must not contain control characters",
			})
		}
	}
	return nil
}

func validatePath(path string) error {
	if !strings.HasPrefix(path, "/") || path == "/" {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "path",
			Value:   path,
			Message: "path must start with '/' and name at least one key",
		})
	}
	for _, key := range strings.Split(path[1:], "/") {
		if err := ValidateKey(key); err != nil {
			return errors.WithMessagef(err, "invalid path %s", path)
		}
	}
	return nil
}

// childRange returns the half-open range [from, to) containing exactly the paths below parent.
// '0' is the byte following '/'.
func childRange(parent string) (from string, to string) {
	parent = strings.TrimSuffix(parent, "/")
	return parent + "/", parent + "0"
}

func notFound(path string) error {
	return errors.WithStack(&trackererrors.ErrNotFound{Type: "path", Value: path})
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateTableName(tableName string) error {
	if !tableNamePattern.MatchString(tableName) {
		return errors.WithStack(&trackererrors.ErrInvalidArgument{
			Name:    "tableName",
			Value:   tableName,
			Message: "table name must be a plain SQL identifier",
		})
	}
	return nil
}
