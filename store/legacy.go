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

package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/stackflow-labs/pipewatch/pipe"
)

// legacySnapshot is the JSON state file written by the pre-leveldb
// watchtower. Maps are keyed by the same ids the leveldb rows use.
type legacySnapshot struct {
	Closures        map[string]pipe.Closure        `json:"closures"`
	ObservedPipes   map[string]pipe.ObservedPipe   `json:"observedPipes"`
	SignatureStates map[string]pipe.SignatureState `json:"signatureStates"`
	DisputeAttempts map[string]pipe.DisputeAttempt `json:"disputeAttempts"`
	RecentEvents    []pipe.RecordedEvent           `json:"recentEvents"`
}

// loadLegacySnapshot detects a legacy JSON state file at path. When found it
// parses the snapshot and renames the file to a timestamped backup so the
// leveldb directory can take its place. Returns nil when path is absent or
// already a database directory.
func loadLegacySnapshot(path string) (*legacySnapshot, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("existing file %s is neither a database nor a JSON snapshot", path)
	}
	var snap legacySnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return nil, fmt.Errorf("legacy snapshot %s: %w", path, err)
	}
	backup := fmt.Sprintf("%s.bak-%d", path, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil {
		return nil, err
	}
	log.Infof("Moved legacy snapshot to %s", backup)
	return &snap, nil
}

// importSnapshot writes a parsed legacy snapshot in a single batch.
func (s *Store) importSnapshot(snap *legacySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	put := func(key []byte, row interface{}) error {
		raw, err := json.Marshal(row)
		if err != nil {
			return err
		}
		batch.Put(key, raw)
		return nil
	}
	for id, row := range snap.Closures {
		if row.PipeID == "" {
			row.PipeID = id
		}
		if err := put(closureKey(row.PipeID), row); err != nil {
			return storeErr("import closure", err)
		}
	}
	for id, row := range snap.ObservedPipes {
		if row.StateID == "" {
			row.StateID = id
		}
		if err := put(observedKey(row.StateID), row); err != nil {
			return storeErr("import observed pipe", err)
		}
	}
	for id, row := range snap.SignatureStates {
		if row.StateID == "" {
			row.StateID = id
		}
		if err := put(sigStateKey(row.StateID), row); err != nil {
			return storeErr("import signature state", err)
		}
	}
	for id, row := range snap.DisputeAttempts {
		if row.AttemptID == "" {
			row.AttemptID = id
		}
		if err := put(attemptKey(row.AttemptID), row); err != nil {
			return storeErr("import dispute attempt", err)
		}
	}
	events := snap.RecentEvents
	if excess := len(events) - s.maxRecentEvents; excess > 0 {
		events = events[excess:]
	}
	seq := uint64(0)
	for _, ev := range events {
		if err := put(eventKey(seq), ev); err != nil {
			return storeErr("import event", err)
		}
		seq++
	}
	putEventSeq(batch, seq)
	return s.write("import snapshot", batch)
}

func putEventSeq(batch *leveldb.Batch, next uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	batch.Put(eventSeqKey, buf[:])
}

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
