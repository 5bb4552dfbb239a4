// Package storage provides StorageEffects handlers: a LevelDB store for
// devices and a map-backed store for tests and simulation.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/roach88/aura/internal/effects"
)

// LevelDB stores keys under a namespace prefix in a LevelDB database.
// Writes are synced.
type LevelDB struct {
	db     *leveldb.DB
	prefix []byte
	owned  bool
}

// OpenLevelDB opens or creates a database directory.
func OpenLevelDB(path, namespace string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db, prefix: nsPrefix(namespace), owned: true}, nil
}

// OpenMemLevelDB opens a LevelDB over in-memory storage.
func OpenMemLevelDB(namespace string) (*LevelDB, error) {
	db, err := leveldb.Open(lvstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &LevelDB{db: db, prefix: nsPrefix(namespace), owned: true}, nil
}

// Namespace returns a view over the same database under another prefix.
// Closing the view does not close the database.
func (s *LevelDB) Namespace(namespace string) *LevelDB {
	return &LevelDB{db: s.db, prefix: nsPrefix(namespace)}
}

func nsPrefix(namespace string) []byte {
	if namespace == "" {
		return nil
	}
	return []byte(namespace + "/")
}

func (s *LevelDB) key(k string) []byte {
	return append(append([]byte{}, s.prefix...), k...)
}

var syncWrite = &opt.WriteOptions{Sync: true}

func (s *LevelDB) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *LevelDB) Store(_ context.Context, key string, value []byte) error {
	return s.db.Put(s.key(key), value, syncWrite)
}

func (s *LevelDB) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	v, err := s.db.Get(s.key(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("retrieve %q: %w", key, err)
	}
	return v, true, nil
}

func (s *LevelDB) Remove(_ context.Context, key string) (bool, error) {
	k := s.key(key)
	ok, err := s.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	return true, s.db.Delete(k, syncWrite)
}

func (s *LevelDB) Exists(_ context.Context, key string) (bool, error) {
	return s.db.Has(s.key(key), nil)
}

func (s *LevelDB) StoreBatch(_ context.Context, values map[string][]byte) error {
	b := new(leveldb.Batch)
	for k, v := range values {
		b.Put(s.key(k), v)
	}
	return s.db.Write(b, syncWrite)
}

func (s *LevelDB) RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := s.Retrieve(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *LevelDB) scan(fn func(key, value []byte)) error {
	var rg *util.Range
	if len(s.prefix) > 0 {
		rg = util.BytesPrefix(s.prefix)
	}
	it := s.db.NewIterator(rg, nil)
	defer it.Release()
	for it.Next() {
		fn(it.Key(), it.Value())
	}
	return it.Error()
}

// ClearAll deletes every key in the namespace.
func (s *LevelDB) ClearAll(context.Context) error {
	b := new(leveldb.Batch)
	if err := s.scan(func(k, _ []byte) { b.Delete(append([]byte{}, k...)) }); err != nil {
		return err
	}
	return s.db.Write(b, syncWrite)
}

func (s *LevelDB) Stats(context.Context) (effects.StorageStats, error) {
	st := effects.StorageStats{Backend: "leveldb"}
	err := s.scan(func(_, v []byte) {
		st.Keys++
		st.Bytes += int64(len(v))
	})
	return st, err
}

// Keys lists keys in the namespace with the given prefix, in order.
func (s *LevelDB) Keys(prefix string) ([]string, error) {
	var out []string
	full := s.key(prefix)
	err := s.scan(func(k, _ []byte) {
		if len(k) >= len(full) && string(k[:len(full)]) == string(full) {
			out = append(out, string(k[len(s.prefix):]))
		}
	})
	return out, err
}
