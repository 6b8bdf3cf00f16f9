// Package boltstore is the embedded hash-DB backend: spec.md §4.3 describes
// a disk hash table in a shared-memory environment (the original used
// bsddb3's DBEnv/DB_HASH with DB_SYSTEM_MEM). Go has no maintained
// BerkeleyDB binding, so this wraps go.etcd.io/bbolt, an mmap-backed
// single-file B+tree with the same "one process, one file, transactional"
// shape used elsewhere in the corpus via the teacher's KVStore/Iterator
// pair (core/cross_chain.go). shmkey becomes a deterministic part of the
// file name so two processes sharing a shmkey attach the same store file.
// bbolt holds an exclusive lock on that file while it is open, so a second
// Open of the same (basedir, shmkey) pair blocks until the first is closed;
// the store is not open in two processes at once.
package boltstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/rdbkv/rdb/internal/backend"
	"github.com/rdbkv/rdb/pkg/utils"
)

var bucketName = []byte("rdb")

const (
	tagNull byte = 0x00
	tagByte byte = 0x01
)

func encode(r backend.Result) []byte {
	if r.Null {
		return []byte{tagNull}
	}
	buf := make([]byte, 1+len(r.Value))
	buf[0] = tagByte
	copy(buf[1:], r.Value)
	return buf
}

func decode(data []byte) (backend.Result, error) {
	if len(data) == 0 {
		return backend.Result{}, fmt.Errorf("boltstore: corrupt record")
	}
	switch data[0] {
	case tagNull:
		return backend.Result{Null: true}, nil
	case tagByte:
		v := make([]byte, len(data)-1)
		copy(v, data[1:])
		return backend.Result{Value: v}, nil
	default:
		return backend.Result{}, fmt.Errorf("boltstore: unrecognized record tag %d", data[0])
	}
}

// Store is the Primitives implementation backing an embedded database file.
type Store struct {
	BaseDir string
	ShmKey  int

	mu   sync.Mutex
	db   *bbolt.DB
	path string
}

// New builds a Store for the database identified by (baseDir, shmKey). Two
// Stores created with the same pair attach the same file; basedir must
// exist by the time Open is called.
func New(baseDir string, shmKey int) *Store {
	return &Store{
		BaseDir: baseDir,
		ShmKey:  shmKey,
		path:    filepath.Join(baseDir, fmt.Sprintf("rdb-%d.db", shmKey)),
	}
}

// NewBackend wraps a Store with backend.Base's default behaviors.
func NewBackend(baseDir string, shmKey int) *backend.Base {
	return backend.NewBase(New(baseDir, shmKey))
}

// Open attaches the bbolt file, creating it (and the rdb bucket) on first
// use. Calling Open on an already-open Store is a no-op.
func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if fi, err := os.Stat(s.BaseDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: basedir %q must exist: %v", utils.ErrBackendUnavailable, s.BaseDir, err)
	}
	db, err := bbolt.Open(s.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("%w: open %q: %v", utils.ErrBackendUnavailable, s.path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return utils.Wrap(err, "create bucket")
	}
	s.db = db
	return nil
}

// Close detaches the bbolt file. Calling Close on an already-closed or
// never-opened Store is a no-op.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*bbolt.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, utils.ErrBackendUnavailable
	}
	return db, nil
}

// GetPrimitive implements backend.Primitives.
func (s *Store) GetPrimitive(_ context.Context, key []byte) (backend.Result, error) {
	db, err := s.handle()
	if err != nil {
		return backend.Result{}, err
	}
	var out backend.Result
	found := false
	err = db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return nil
		}
		found = true
		r, derr := decode(v)
		if derr != nil {
			return derr
		}
		out = r
		return nil
	})
	if err != nil {
		return backend.Result{}, err
	}
	if !found {
		return backend.Result{}, fmt.Errorf("get %q: %w", key, utils.ErrNotFound)
	}
	return out, nil
}

// PutPrimitive implements backend.Primitives.
func (s *Store) PutPrimitive(_ context.Context, key []byte, value backend.Result) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, encode(value))
	})
}

// DeletePrimitive implements backend.Primitives. Deleting a missing key is
// a no-op, as bbolt's own Bucket.Delete already behaves.
func (s *Store) DeletePrimitive(_ context.Context, key []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// Stats reports bbolt's native transaction counters plus the key count.
func (s *Store) Stats(_ context.Context) (map[string]any, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var keyN int
	if err := db.View(func(tx *bbolt.Tx) error {
		keyN = tx.Bucket(bucketName).Stats().KeyN
		return nil
	}); err != nil {
		return nil, err
	}
	dbStats := db.Stats()
	return map[string]any{
		"path":     s.path,
		"keys":     keyN,
		"tx_count": dbStats.TxN,
	}, nil
}

// SupportsIteration is always true for the embedded backend.
func (s *Store) SupportsIteration() bool { return true }

// IterateKeys implements backend.Iterable.
func (s *Store) IterateKeys(_ context.Context) (backend.Iterator, error) {
	return s.newIterator(false)
}

// IterateItems implements backend.Iterable.
func (s *Store) IterateItems(_ context.Context) (backend.Iterator, error) {
	return s.newIterator(true)
}

func (s *Store) newIterator(items bool) (backend.Iterator, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	tx, err := db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &iterator{tx: tx, cursor: tx.Bucket(bucketName).Cursor(), items: items}, nil
}

type iterator struct {
	tx      *bbolt.Tx
	cursor  *bbolt.Cursor
	items   bool
	started bool
	key     []byte
	raw     []byte
	err     error
}

func (it *iterator) Next(_ context.Context) bool {
	if it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		it.key, it.raw = it.cursor.First()
	} else {
		it.key, it.raw = it.cursor.Next()
	}
	return it.key != nil
}

func (it *iterator) Key() []byte { return it.key }

func (it *iterator) Value() []byte {
	if !it.items {
		return nil
	}
	r, err := decode(it.raw)
	if err != nil {
		it.err = err
		return nil
	}
	if r.Null {
		return nil
	}
	return r.Value
}

func (it *iterator) Err() error { return it.err }

func (it *iterator) Close() error { return it.tx.Rollback() }
