// Copyright 2024 The pipewatch Authors
// This file is part of the pipewatch library.
//
// The pipewatch library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pipewatch library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pipewatch library. If not, see <http://www.gnu.org/licenses/>.

// Package store persists the watchtower's view of the world: observed pipes,
// active closures, held signature states, dispute attempts and a bounded
// ring of recent events. Rows live in a leveldb keyspace under single-byte
// prefixes; every logical mutation commits as one write batch.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/stackflow-labs/pipewatch/pipe"
)

// DefaultMaxRecentEvents bounds the event ring when no limit is configured.
const DefaultMaxRecentEvents = 200

// Error wraps a failed store operation; callers treat it as fatal to the
// current request but not to the process.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store is the single mutation surface for all persisted watchtower state.
type Store struct {
	mu sync.Mutex
	db *leveldb.DB

	maxRecentEvents int
}

// Snapshot is a read view across all tables. Lists are individually
// consistent; callers never cross-index between them outside one call.
type Snapshot struct {
	Closures        []pipe.Closure        `json:"closures"`
	ObservedPipes   []pipe.ObservedPipe   `json:"observedPipes"`
	SignatureStates []pipe.SignatureState `json:"signatureStates"`
	DisputeAttempts []pipe.DisputeAttempt `json:"disputeAttempts"`
	RecentEvents    []pipe.RecordedEvent  `json:"recentEvents"`
	UpdatedAt       string                `json:"updatedAt,omitempty"`
}

// Open opens (creating if necessary) the database at path. A pre-existing
// legacy JSON snapshot at the same path is imported once and the file moved
// aside to a timestamped backup.
func Open(path string, maxRecentEvents int) (*Store, error) {
	if maxRecentEvents <= 0 {
		maxRecentEvents = DefaultMaxRecentEvents
	}
	legacy, err := loadLegacySnapshot(path)
	if err != nil {
		return nil, storeErr("legacy import", err)
	}
	db, err := leveldb.OpenFile(path, &opt.Options{OpenFilesCacheCapacity: 64})
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(path, nil)
		}
		if err != nil {
			return nil, storeErr("open", err)
		}
	}
	s := &Store{db: db, maxRecentEvents: maxRecentEvents}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if legacy != nil {
		if err := s.importSnapshot(legacy); err != nil {
			db.Close()
			return nil, err
		}
		log.Infof("Imported legacy JSON snapshot: %d closures, %d signature states",
			len(legacy.Closures), len(legacy.SignatureStates))
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// migrate stamps new databases and applies forward-only layout upgrades.
func (s *Store) migrate() error {
	raw, err := s.db.Get(metaKey(metaVersion), nil)
	switch {
	case err == leveldb.ErrNotFound:
		batch := new(leveldb.Batch)
		batch.Put(metaKey(metaVersion), []byte(fmt.Sprint(schemaVersion)))
		s.stampUpdated(batch)
		return storeErr("migrate", s.db.Write(batch, &opt.WriteOptions{Sync: true}))
	case err != nil:
		return storeErr("migrate", err)
	}
	have := string(raw)
	want := fmt.Sprint(schemaVersion)
	if have == want {
		return nil
	}
	// Forward-only: rows carry their own JSON schema, so missing fields
	// decode to zero values and only the stamp moves.
	log.Infof("Upgrading store schema %s -> %s", have, want)
	batch := new(leveldb.Batch)
	batch.Put(metaKey(metaVersion), []byte(want))
	s.stampUpdated(batch)
	return storeErr("migrate", s.db.Write(batch, &opt.WriteOptions{Sync: true}))
}

func (s *Store) stampUpdated(batch *leveldb.Batch) {
	batch.Put(metaKey(metaUpdatedAt), []byte(time.Now().UTC().Format(time.RFC3339)))
}

func (s *Store) write(op string, batch *leveldb.Batch) error {
	s.stampUpdated(batch)
	return storeErr(op, s.db.Write(batch, &opt.WriteOptions{Sync: true}))
}

// UpdatedAt returns the RFC 3339 timestamp of the last mutation.
func (s *Store) UpdatedAt() string {
	raw, err := s.db.Get(metaKey(metaUpdatedAt), nil)
	if err != nil {
		return ""
	}
	return string(raw)
}

func getRow[T any](s *Store, op string, key []byte) (*T, error) {
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	row := new(T)
	if err := json.Unmarshal(raw, row); err != nil {
		return nil, storeErr(op, err)
	}
	return row, nil
}

func listRows[T any](s *Store, op string, prefix []byte) ([]T, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out []T
	for iter.Next() {
		var row T
		if err := json.Unmarshal(iter.Value(), &row); err != nil {
			log.Warnf("Skipping undecodable %s row %q: %v", op, iter.Key(), err)
			continue
		}
		out = append(out, row)
	}
	return out, storeErr(op, iter.Error())
}

func putRow(s *Store, op string, key []byte, row interface{}) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return storeErr(op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Put(key, raw)
	return s.write(op, batch)
}

func deleteRow(s *Store, op string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete(key)
	return s.write(op, batch)
}

// Closure returns the active closure for a pipe, or nil.
func (s *Store) Closure(pipeID string) (*pipe.Closure, error) {
	return getRow[pipe.Closure](s, "get closure", closureKey(pipeID))
}

// Closures lists active closures ordered by pipe id.
func (s *Store) Closures() ([]pipe.Closure, error) {
	return listRows[pipe.Closure](s, "list closures", closurePrefix)
}

// PutClosure upserts a closure row.
func (s *Store) PutClosure(c pipe.Closure) error {
	return putRow(s, "put closure", closureKey(c.PipeID), c)
}

// DeleteClosure removes a closure row if present.
func (s *Store) DeleteClosure(pipeID string) error {
	return deleteRow(s, "delete closure", closureKey(pipeID))
}

// ObservedPipe returns the observed pipe row for a state id, or nil.
func (s *Store) ObservedPipe(stateID string) (*pipe.ObservedPipe, error) {
	return getRow[pipe.ObservedPipe](s, "get observed pipe", observedKey(stateID))
}

// ObservedPipes lists observed pipes ordered by state id.
func (s *Store) ObservedPipes() ([]pipe.ObservedPipe, error) {
	return listRows[pipe.ObservedPipe](s, "list observed pipes", observedPrefix)
}

// PutObservedPipe upserts an observed pipe row.
func (s *Store) PutObservedPipe(o pipe.ObservedPipe) error {
	return putRow(s, "put observed pipe", observedKey(o.StateID), o)
}

// DeleteObservedPipe removes an observed pipe row if present.
func (s *Store) DeleteObservedPipe(stateID string) error {
	return deleteRow(s, "delete observed pipe", observedKey(stateID))
}

// SignatureState returns the signature state row for a state id, or nil.
func (s *Store) SignatureState(stateID string) (*pipe.SignatureState, error) {
	return getRow[pipe.SignatureState](s, "get signature state", sigStateKey(stateID))
}

// SignatureStates lists held signature states ordered by state id.
func (s *Store) SignatureStates() ([]pipe.SignatureState, error) {
	return listRows[pipe.SignatureState](s, "list signature states", sigStatePrefix)
}

// PutSignatureState upserts a signature state row.
func (s *Store) PutSignatureState(st pipe.SignatureState) error {
	return putRow(s, "put signature state", sigStateKey(st.StateID), st)
}

// DisputeAttempt returns the dispute attempt row, or nil.
func (s *Store) DisputeAttempt(attemptID string) (*pipe.DisputeAttempt, error) {
	return getRow[pipe.DisputeAttempt](s, "get dispute attempt", attemptKey(attemptID))
}

// DisputeAttempts lists dispute attempts, newest first.
func (s *Store) DisputeAttempts() ([]pipe.DisputeAttempt, error) {
	attempts, err := listRows[pipe.DisputeAttempt](s, "list dispute attempts", attemptPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].CreatedAt.After(attempts[j].CreatedAt)
	})
	return attempts, nil
}

// PutDisputeAttempt upserts a dispute attempt row.
func (s *Store) PutDisputeAttempt(a pipe.DisputeAttempt) error {
	return putRow(s, "put dispute attempt", attemptKey(a.AttemptID), a)
}

// AppendEvent appends to the recent-events ring and trims rows beyond the
// configured bound, all in one batch.
func (s *Store) AppendEvent(ev pipe.RecordedEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return storeErr("append event", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextEventSeq()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(eventKey(seq), raw)
	putEventSeq(batch, seq+1)

	// drop the oldest rows beyond the ring bound
	keys, err := s.eventKeysLocked()
	if err != nil {
		return err
	}
	if excess := len(keys) + 1 - s.maxRecentEvents; excess > 0 {
		for _, key := range keys[:excess] {
			batch.Delete(key)
		}
	}
	return s.write("append event", batch)
}

// RecentEvents lists the ring oldest first.
func (s *Store) RecentEvents() ([]pipe.RecordedEvent, error) {
	return listRows[pipe.RecordedEvent](s, "list recent events", eventPrefix)
}

// GetSnapshot assembles a read view of every table.
func (s *Store) GetSnapshot() (*Snapshot, error) {
	snap := &Snapshot{UpdatedAt: s.UpdatedAt()}
	var err error
	if snap.Closures, err = s.Closures(); err != nil {
		return nil, err
	}
	if snap.ObservedPipes, err = s.ObservedPipes(); err != nil {
		return nil, err
	}
	if snap.SignatureStates, err = s.SignatureStates(); err != nil {
		return nil, err
	}
	if snap.DisputeAttempts, err = s.DisputeAttempts(); err != nil {
		return nil, err
	}
	if snap.RecentEvents, err = s.RecentEvents(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Store) nextEventSeq() (uint64, error) {
	raw, err := s.db.Get(eventSeqKey, nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr("event seq", err)
	}
	if len(raw) != 8 {
		return 0, storeErr("event seq", errors.New("malformed counter"))
	}
	return beUint64(raw), nil
}

func (s *Store) eventKeysLocked() ([][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix(eventPrefix), nil)
	defer iter.Release()
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte{}, iter.Key()...))
	}
	return keys, storeErr("event keys", iter.Error())
}
