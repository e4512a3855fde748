// Mapsight - Live Map Presence and Audience Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mapsight

package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/mapsight/internal/geo"
	"github.com/tomtom215/mapsight/internal/models"
)

// Key prefixes for BadgerDB storage
const (
	socketKeyPrefix        = "socket:"
	socketUserKeyPrefix    = "socket_user:"
	socketProcessKeyPrefix = "socket_process:"
)

// maxConflictRetries bounds retries of transactions that lose a write
// conflict against a concurrent audience update on the same record.
const maxConflictRetries = 64

// BadgerOptions configures an embedded BadgerStore.
type BadgerOptions struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps all data in memory (tests and ephemeral nodes).
	InMemory bool

	// CellSizeKm sizes the in-process viewport index.
	CellSizeKm float64

	// Logger receives badger's internal log output. Nil silences it.
	Logger badger.Logger
}

// BadgerStore is an embedded, single-process Store. Records are persisted
// in BadgerDB; viewport centers are indexed in memory and rebuilt on open.
type BadgerStore struct {
	db *badger.DB

	mu       sync.RWMutex // guards regions
	regions  map[string]*geo.Grid
	cellSize float64

	// indexMu orders a commit with its grid update so a viewport write
	// cannot re-index a socket that a concurrent Delete already dropped.
	indexMu sync.Mutex
}

var _ Store = (*BadgerStore)(nil)

// OpenBadgerStore opens (or creates) the database and rebuilds the index.
func OpenBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = opts.Logger

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := NewBadgerStore(db, opts.CellSizeKm)
	if err := s.rebuildIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewBadgerStore wraps an already open database. Call only on an empty
// database or follow with rebuildIndex.
func NewBadgerStore(db *badger.DB, cellSizeKm float64) *BadgerStore {
	return &BadgerStore{
		db:       db,
		regions:  make(map[string]*geo.Grid),
		cellSize: cellSizeKm,
	}
}

// DB exposes the underlying database for maintenance (value log GC).
func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

func (s *BadgerStore) grid(region string) *geo.Grid {
	s.mu.RLock()
	g, ok := s.regions[region]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.regions[region]; !ok {
		g = geo.NewGrid(s.cellSize)
		s.regions[region] = g
	}
	return g
}

func (s *BadgerStore) rebuildIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(socketKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec models.SocketRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			if rec.Viewport != nil {
				s.grid(rec.Region).Insert(rec.SocketID, rec.Viewport.Center)
			}
		}
		return nil
	})
}

func socketKey(id string) []byte {
	return []byte(socketKeyPrefix + id)
}

// ownerPrefix length-prefixes owner so that one owner's scan never matches
// another owner whose id merely starts with it ("u1" vs "u1:x").
func ownerPrefix(kind, owner string) string {
	return kind + strconv.Itoa(len(owner)) + ":" + owner + ":"
}

func userKey(userID, id string) []byte {
	return []byte(ownerPrefix(socketUserKeyPrefix, userID) + id)
}

func processKey(processID, id string) []byte {
	return []byte(ownerPrefix(socketProcessKeyPrefix, processID) + id)
}

// unavailable tags infrastructure failures so callers can match them.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// update runs fn in a read-write transaction, retrying lost write conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 1; attempt <= maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(rand.N(time.Duration(attempt) * 100 * time.Microsecond))
	}
	return err
}

func getRecord(txn *badger.Txn, id string) (*models.SocketRecord, error) {
	item, err := txn.Get(socketKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec models.SocketRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode socket %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(txn *badger.Txn, rec *models.SocketRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal socket: %w", err)
	}
	return txn.Set(socketKey(rec.SocketID), data)
}

// classify passes domain errors through and tags everything else.
func classify(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateSocket) {
		return err
	}
	return unavailable(op, err)
}

// Insert implements Store.
func (s *BadgerStore) Insert(_ context.Context, rec *models.SocketRecord) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(socketKey(rec.SocketID)); err == nil {
			return ErrDuplicateSocket
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Set(userKey(rec.UserID, rec.SocketID), []byte(rec.SocketID)); err != nil {
			return fmt.Errorf("set user mapping: %w", err)
		}
		if err := txn.Set(processKey(rec.ProcessID, rec.SocketID), []byte(rec.SocketID)); err != nil {
			return fmt.Errorf("set process mapping: %w", err)
		}
		return nil
	})
	if err != nil {
		return classify("insert", err)
	}
	if rec.Viewport != nil {
		s.grid(rec.Region).Insert(rec.SocketID, rec.Viewport.Center)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(_ context.Context, socketID string) (bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	var removed *models.SocketRecord
	err := s.update(func(txn *badger.Txn) error {
		removed = nil
		rec, err := getRecord(txn, socketID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, key := range [][]byte{
			socketKey(socketID),
			userKey(rec.UserID, socketID),
			processKey(rec.ProcessID, socketID),
		} {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		removed = rec
		return nil
	})
	if err != nil {
		return false, classify("delete", err)
	}
	if removed == nil {
		return false, nil
	}
	s.grid(removed.Region).Remove(socketID)
	return true, nil
}

// mutate applies fn to the stored record inside one transaction.
func (s *BadgerStore) mutate(op, socketID string, fn func(rec *models.SocketRecord)) (*models.SocketRecord, error) {
	var out *models.SocketRecord
	err := s.update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, socketID)
		if err != nil {
			return err
		}
		fn(rec)
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

// UpdatePoint implements Store.
func (s *BadgerStore) UpdatePoint(_ context.Context, socketID string, p geo.Point) (*models.SocketRecord, error) {
	return s.mutate("update point", socketID, func(rec *models.SocketRecord) {
		rec.Point = &p
	})
}

// UpdateViewport implements Store.
func (s *BadgerStore) UpdateViewport(_ context.Context, socketID string, vp geo.Viewport) (*models.SocketRecord, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	rec, err := s.mutate("update viewport", socketID, func(rec *models.SocketRecord) {
		rec.Viewport = &vp
	})
	if err != nil {
		return nil, err
	}
	s.grid(rec.Region).Insert(socketID, vp.Center)
	return rec, nil
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, socketID string) (*models.SocketRecord, error) {
	var rec *models.SocketRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, socketID)
		return err
	})
	if err != nil {
		return nil, classify("get", err)
	}
	return rec, nil
}

// idsWithPrefix collects the values stored under an index prefix.
func (s *BadgerStore) idsWithPrefix(txn *badger.Txn, prefix []byte) ([]string, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(func(val []byte) error {
			ids = append(ids, string(val))
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// FindByUser implements Store.
func (s *BadgerStore) FindByUser(_ context.Context, userID string) ([]*models.SocketRecord, error) {
	var out []*models.SocketRecord
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := s.idsWithPrefix(txn, []byte(ownerPrefix(socketUserKeyPrefix, userID)))
		if err != nil {
			return err
		}
		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, classify("find by user", err)
	}
	return out, nil
}

// FindInBox implements Store.
func (s *BadgerStore) FindInBox(_ context.Context, region string, box geo.Bounds, excludeSocketID string) ([]*models.SocketRecord, error) {
	ids := s.grid(region).QueryBox(box)
	if len(ids) == 0 {
		return nil, nil
	}

	var out []*models.SocketRecord
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			if id == excludeSocketID {
				continue
			}
			rec, err := getRecord(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue // deleted after the index read
			}
			if err != nil {
				return err
			}
			// The index may briefly lag a viewport write; trust the record.
			if rec.Viewport == nil || rec.Region != region || !box.Contains(rec.Viewport.Center) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, classify("find in box", err)
	}
	return out, nil
}

// AddAudience implements Store.
func (s *BadgerStore) AddAudience(_ context.Context, socketID string, targets []string) ([]string, error) {
	var added []string
	_, err := s.mutate("add audience", socketID, func(rec *models.SocketRecord) {
		rec.Audience, added = models.AddToSet(rec.Audience, targets...)
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveAudience implements Store.
func (s *BadgerStore) RemoveAudience(_ context.Context, socketID string, targets []string) ([]string, error) {
	var removed []string
	_, err := s.mutate("remove audience", socketID, func(rec *models.SocketRecord) {
		rec.Audience, removed = models.RemoveFromSet(rec.Audience, targets...)
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// ListByProcess implements Store.
func (s *BadgerStore) ListByProcess(_ context.Context, processID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ids, err = s.idsWithPrefix(txn, []byte(ownerPrefix(socketProcessKeyPrefix, processID)))
		return err
	})
	if err != nil {
		return nil, classify("list by process", err)
	}
	return ids, nil
}

// Ping implements Store.
func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return unavailable("ping", badger.ErrDBClosed)
	}
	return nil
}

// RunGC runs one value log garbage collection pass. Nothing to rewrite and
// in-memory mode are not errors.
func (s *BadgerStore) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
