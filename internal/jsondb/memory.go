package jsondb

import (
	"context"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	entriesTable = "entries"
	pathIndex    = "id"
)

type entry struct {
	Path  string
	Value []byte
}

// MemoryStore keeps documents in a go-memdb radix tree, which iterates in key order.
type MemoryStore struct {
	db *memdb.MemDB
}

func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			entriesTable: {
				Name: entriesTable,
				Indexes: map[string]*memdb.IndexSchema{
					pathIndex: {
						Name:    pathIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Path"},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryStore{db: db}, nil
}

func (s *MemoryStore) GetAsBytes(_ context.Context, path string) ([]byte, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(entriesTable, pathIndex, path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw != nil {
		return slices.Clone(raw.(*entry).Value), nil
	}

	children, err := s.children(txn, path)
	if err != nil {
		return nil, err
	}
	if len(children) == 0 {
		return nil, notFound(path)
	}
	rows := make([]row, len(children))
	for i, e := range children {
		rows[i] = row{path: e.Path, value: e.Value}
	}
	return assemble(path, rows)
}

func (s *MemoryStore) BatchUpsert(_ context.Context, values map[string][]byte) error {
	paths := maps.Keys(values)
	slices.Sort(paths)
	for _, path := range paths {
		if err := validatePath(path); err != nil {
			return err
		}
	}

	txn := s.db.Txn(true)
	defer txn.Abort()
	for _, path := range paths {
		if err := txn.Insert(entriesTable, &entry{Path: path, Value: slices.Clone(values[path])}); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	deleted := 0
	raw, err := txn.First(entriesTable, pathIndex, path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if raw != nil {
		if err := txn.Delete(entriesTable, raw); err != nil {
			return 0, errors.WithStack(err)
		}
		deleted++
	}
	from, _ := childRange(path)
	n, err := txn.DeleteAll(entriesTable, pathIndex+"_prefix", from)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	txn.Commit()
	return deleted + n, nil
}

func (s *MemoryStore) DeleteBelowKey(_ context.Context, parent string, boundary string) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	children, err := s.children(txn, parent)
	if err != nil {
		return 0, err
	}
	from, _ := childRange(parent)
	upper := from + boundary
	deleted := 0
	for _, e := range children {
		if e.Path >= upper {
			break
		}
		if err := txn.Delete(entriesTable, e); err != nil {
			return 0, errors.WithStack(err)
		}
		deleted++
	}
	txn.Commit()
	return deleted, nil
}

func (s *MemoryStore) DeleteAllButLatest(_ context.Context, parent string, keep int) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	children, err := s.children(txn, parent)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	if len(children) <= keep {
		return 0, nil
	}
	expired := children[:len(children)-keep]
	for _, e := range expired {
		if err := txn.Delete(entriesTable, e); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return len(expired), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// children returns every entry below parent in ascending path order.
func (s *MemoryStore) children(txn *memdb.Txn, parent string) ([]*entry, error) {
	from, _ := childRange(parent)
	it, err := txn.Get(entriesTable, pathIndex+"_prefix", from)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		result = append(result, obj.(*entry))
	}
	return result, nil
}
