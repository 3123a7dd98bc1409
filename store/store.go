// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store provides the ledger's durable state: a key-path K/V store
// with snapshot-isolated transactions layered over a database.Database.
//
// A key is an ordered path of segments, e.g. [people, alice, balance].
// All mutation flows through Update; concurrent transactions that touch
// overlapping paths serialize via first-committer-wins validation, so the
// committed history is serializable over the stored records.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/log"
)

var (
	// ErrNotFound is returned when a path has no value.
	ErrNotFound = database.ErrNotFound
	// ErrAlreadyExists is returned by Create when the path is occupied.
	ErrAlreadyExists = errors.New("path already exists")
	// ErrConflict is returned when a transaction cannot be serialized
	// against concurrently committed transactions. Callers may retry.
	ErrConflict = errors.New("transaction conflict")
)

// pathSep joins path segments into flat database keys. Segment values are
// validated upstream (account names, uuids) and never contain it.
const pathSep = "/"

// recentWindow bounds how many committed write-sets are retained for
// conflict validation. Transactions older than the window abort
// conservatively.
const recentWindow = 128

// Path is an ordered list of key segments.
type Path []string

func (p Path) key() string { return strings.Join(p, pathSep) }

// String returns the joined form, for logs.
func (p Path) String() string { return p.key() }

type commitRecord struct {
	epoch  uint64
	writes map[string]struct{}
}

// Store owns all durable ledger records.
type Store struct {
	db  database.Database
	log log.Logger

	// commitMu serializes commit validation and application. Read-only
	// access outside transactions goes straight to db.
	commitMu sync.Mutex
	epoch    uint64
	floor    uint64
	recent   []commitRecord
}

// New wraps db. The caller retains ownership of db's lifecycle.
func New(db database.Database) *Store {
	return &Store{
		db:  db,
		log: log.New("module", "store"),
	}
}

// Close releases the backing database.
func (s *Store) Close() error { return s.db.Close() }

// Get unmarshals the value at path into out, outside any transaction.
func (s *Store) Get(path Path, out interface{}) error {
	raw, err := s.db.Get([]byte(path.key()))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Has reports whether path holds a value.
func (s *Store) Has(path Path) (bool, error) {
	return s.db.Has([]byte(path.key()))
}

// Update runs fn inside a transaction. Reads observe a consistent view;
// writes are buffered in a versiondb and commit atomically when fn returns
// nil. If a concurrently committed transaction wrote any path this one read
// or wrote, Update returns ErrConflict and no mutation is applied.
func (s *Store) Update(ctx context.Context, fn func(tx *Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.commitMu.Lock()
	begin := s.epoch
	s.commitMu.Unlock()

	tx := &Txn{
		vdb:    versiondb.New(s.db),
		begin:  begin,
		reads:  make(map[string]struct{}),
		writes: make(map[string]struct{}),
	}
	defer tx.vdb.Abort()

	if err := fn(tx); err != nil {
		return err
	}
	// The handler may have been abandoned while fn ran; commit must not
	// start after cancellation.
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *Txn) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if tx.begin < s.floor {
		return ErrConflict
	}
	for _, rec := range s.recent {
		if rec.epoch <= tx.begin {
			continue
		}
		if tx.overlaps(rec.writes) {
			s.log.Debug("transaction conflict", "begin", tx.begin, "against", rec.epoch)
			return ErrConflict
		}
	}

	if err := tx.vdb.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	if len(tx.writes) > 0 {
		s.epoch++
		s.recent = append(s.recent, commitRecord{epoch: s.epoch, writes: tx.writes})
		if len(s.recent) > recentWindow {
			s.recent = s.recent[1:]
			s.floor = s.recent[0].epoch
		}
	}
	return nil
}

// Txn is a single transaction scope. It is not safe for concurrent use.
type Txn struct {
	vdb   *versiondb.Database
	begin uint64

	reads  map[string]struct{}
	writes map[string]struct{}
	scans  []string
}

func (tx *Txn) overlaps(writes map[string]struct{}) bool {
	for k := range writes {
		if _, ok := tx.reads[k]; ok {
			return true
		}
		if _, ok := tx.writes[k]; ok {
			return true
		}
		for _, prefix := range tx.scans {
			if strings.HasPrefix(k, prefix) {
				return true
			}
		}
	}
	return false
}

// Get unmarshals the value at path into out.
func (tx *Txn) Get(path Path, out interface{}) error {
	key := path.key()
	tx.reads[key] = struct{}{}
	raw, err := tx.vdb.Get([]byte(key))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Has reports whether path holds a value, recording the read.
func (tx *Txn) Has(path Path) (bool, error) {
	key := path.key()
	tx.reads[key] = struct{}{}
	return tx.vdb.Has([]byte(key))
}

// Put upserts the value at path.
func (tx *Txn) Put(path Path, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	key := path.key()
	tx.writes[key] = struct{}{}
	return tx.vdb.Put([]byte(key), raw)
}

// Create stores the value at path, failing with ErrAlreadyExists if the
// path is occupied.
func (tx *Txn) Create(path Path, v interface{}) error {
	ok, err := tx.Has(path)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, path)
	}
	return tx.Put(path, v)
}

// Delete removes the value at path. Deleting an absent path is a no-op.
func (tx *Txn) Delete(path Path) error {
	key := path.key()
	tx.writes[key] = struct{}{}
	return tx.vdb.Delete([]byte(key))
}

// Entry is one key/value pair produced by List.
type Entry struct {
	Path  Path
	Value json.RawMessage
}

// List returns all entries strictly below prefix, in key order. The scan
// is recorded so that a concurrent insert under prefix conflicts with this
// transaction (no phantoms).
func (tx *Txn) List(prefix Path) ([]Entry, error) {
	scan := prefix.key() + pathSep
	tx.scans = append(tx.scans, scan)

	it := tx.vdb.NewIteratorWithPrefix([]byte(scan))
	defer it.Release()

	var entries []Entry
	for it.Next() {
		key := string(it.Key())
		val := make(json.RawMessage, len(it.Value()))
		copy(val, it.Value())
		entries = append(entries, Entry{
			Path:  Path(strings.Split(key, pathSep)),
			Value: val,
		})
	}
	return entries, it.Error()
}
