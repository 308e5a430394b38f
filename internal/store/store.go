// Package store implements the memory engine's durable per-tier record
// store on top of BadgerDB: insert, get, delete, snapshot-isolated
// iteration, and explicit flush-to-disk.
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	badgeroptions "github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/shannon-memory/memengine/internal/errs"
	"github.com/shannon-memory/memengine/internal/types"
)

func init() {
	gob.Register(types.Record{})
}

const component = "store"

// Options configures a Store.
type Options struct {
	// Dir is the on-disk directory. Empty means in-memory (tests only).
	Dir string
	// InMemory forces badger's in-memory mode regardless of Dir.
	InMemory bool
	// SyncWrites trades write latency for durability; the engine leaves it
	// false and does not call Flush, so engine writes are not fsynced per
	// call or at any checkpoint.
	SyncWrites bool
}

// DefaultOptions returns the store's default on-disk options for dir.
func DefaultOptions(dir string) Options {
	return Options{Dir: dir, SyncWrites: false}
}

// Store is a thread-safe, per-tier persistent key-value store of Records,
// keyed by record id. A single badger database backs all three tiers; tier
// membership is encoded into the key prefix so iteration, counting, and
// cross-tier collision detection are cheap.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a store at the directory in opt.
func Open(opt Options) (*Store, error) {
	var bopts badger.Options
	if opt.InMemory || opt.Dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opt.Dir)
		bopts.Compression = badgeroptions.ZSTD
	}
	bopts.SyncWrites = opt.SyncWrites
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errs.Infra(component, "open", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func tierKey(layer types.Layer, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("rec:%s:%s", layer, id))
}

// keyPrefix returns the iteration prefix for a tier.
func keyPrefix(layer types.Layer) []byte {
	return []byte(fmt.Sprintf("rec:%s:", layer))
}

// Insert writes rec into its Layer tier. If a record with the same id
// already exists in the SAME tier, it is overwritten. If a record with the
// same id exists in a DIFFERENT tier, Insert rejects the write — a record
// occupies exactly one tier at a time, and cross-tier moves go through
// promotion, not a second insert.
func (s *Store) Insert(rec *types.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.Infra(component, "insert", fmt.Errorf("store closed"))
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, layer := range types.Layers {
			if layer == rec.Layer {
				continue
			}
			if _, err := txn.Get(tierKey(layer, rec.ID)); err == nil {
				return errs.Conflictf(component, "insert", "record %s already exists in tier %s", rec.ID, layer)
			} else if err != badger.ErrKeyNotFound {
				return errs.Infra(component, "insert", err)
			}
		}

		data, err := encodeRecord(rec)
		if err != nil {
			return errs.DataCorruptedErr(component, "insert", err)
		}
		return txn.Set(tierKey(rec.Layer, rec.ID), data)
	})
}

// Get retrieves a record by id and tier.
func (s *Store) Get(layer types.Layer, id uuid.UUID) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.Infra(component, "get", fmt.Errorf("store closed"))
	}

	var rec *types.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tierKey(layer, id))
		if err == badger.ErrKeyNotFound {
			return errs.NotFoundf(component, "get", "record %s not found in tier %s", id, layer)
		}
		if err != nil {
			return errs.Infra(component, "get", err)
		}
		return item.Value(func(val []byte) error {
			r, decErr := decodeRecord(val)
			if decErr != nil {
				return errs.DataCorruptedErr(component, "get", decErr)
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Find locates a record by id regardless of tier, returning the tier it
// occupies. Used by update/delete callers that only have an id.
func (s *Store) Find(id uuid.UUID) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.Infra(component, "find", fmt.Errorf("store closed"))
	}

	var rec *types.Record
	err := s.db.View(func(txn *badger.Txn) error {
		for _, layer := range types.Layers {
			item, err := txn.Get(tierKey(layer, id))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return errs.Infra(component, "find", err)
			}
			return item.Value(func(val []byte) error {
				r, decErr := decodeRecord(val)
				if decErr != nil {
					return errs.DataCorruptedErr(component, "find", decErr)
				}
				rec = r
				return nil
			})
		}
		return errs.NotFoundf(component, "find", "record %s not found", id)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record from a tier. Deleting a nonexistent record is not
// an error — callers that race a promotion sweep against a direct delete
// should not have to special-case it.
func (s *Store) Delete(layer types.Layer, id uuid.UUID) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.Infra(component, "delete", fmt.Errorf("store closed"))
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(tierKey(layer, id)); err != nil {
			return errs.Infra(component, "delete", err)
		}
		return nil
	})
}

// Move relocates a record from one tier to another atomically — used by the
// promotion engine. It fails with a Conflict if no record exists at
// (from, id).
func (s *Store) Move(id uuid.UUID, from, to types.Layer, updated *types.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.Infra(component, "move", fmt.Errorf("store closed"))
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(tierKey(from, id)); err == badger.ErrKeyNotFound {
			return errs.Conflictf(component, "move", "record %s not present in tier %s", id, from)
		} else if err != nil {
			return errs.Infra(component, "move", err)
		}
		data, err := encodeRecord(updated)
		if err != nil {
			return errs.DataCorruptedErr(component, "move", err)
		}
		if err := txn.Delete(tierKey(from, id)); err != nil {
			return errs.Infra(component, "move", err)
		}
		return txn.Set(tierKey(to, id), data)
	})
}

// IterLayer streams every record in layer to fn in key order (insertion
// order is not preserved; badger iterates lexicographically by key, i.e. by
// id). fn returning false stops iteration early. IterLayer uses a single
// read transaction, so it observes a consistent snapshot even if writes
// happen concurrently.
func (s *Store) IterLayer(layer types.Layer, fn func(*types.Record) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.Infra(component, "iter_layer", fmt.Errorf("store closed"))
	}

	prefix := keyPrefix(layer)
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var rec *types.Record
			if err := item.Value(func(val []byte) error {
				r, err := decodeRecord(val)
				if err != nil {
					return err
				}
				rec = r
				return nil
			}); err != nil {
				return errs.DataCorruptedErr(component, "iter_layer", err)
			}
			if !fn(rec) {
				break
			}
		}
		return nil
	})
}

// Count returns the number of records in layer.
func (s *Store) Count(layer types.Layer) (int, error) {
	n := 0
	err := s.IterLayer(layer, func(*types.Record) bool {
		n++
		return true
	})
	return n, err
}

// Flush forces badger's write-ahead log and value log to disk, so an
// unclean shutdown loses at most the writes since the last Flush. It runs
// only when a caller invokes it; no engine code path (promotion, backup)
// calls it.
func (s *Store) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.Infra(component, "flush", fmt.Errorf("store closed"))
	}
	if err := s.db.Sync(); err != nil {
		return errs.Infra(component, "flush", err)
	}
	return nil
}

func encodeRecord(rec *types.Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*types.Record, error) {
	var rec types.Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}
