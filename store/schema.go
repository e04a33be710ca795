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

import "encoding/binary"

// The fields below define the low level database schema prefixing.
var (
	// Data item prefixes (single byte to avoid mixing data types).
	metaPrefix     = []byte("m") // metaPrefix + name -> value
	closurePrefix  = []byte("c") // closurePrefix + pipeId -> closure row
	observedPrefix = []byte("o") // observedPrefix + stateId -> observed pipe row
	sigStatePrefix = []byte("s") // sigStatePrefix + stateId -> signature state row
	attemptPrefix  = []byte("d") // attemptPrefix + attemptId -> dispute attempt row
	eventPrefix    = []byte("e") // eventPrefix + seq (uint64 big endian) -> recorded event row

	eventSeqKey = []byte("n") // next event ring sequence number
)

// Meta row names.
const (
	metaVersion   = "version"
	metaUpdatedAt = "updated_at"
)

// schemaVersion is the current on-disk layout version. Version 1 is the
// legacy JSON snapshot file, imported on first open.
const schemaVersion = 2

func metaKey(name string) []byte {
	return append(append([]byte{}, metaPrefix...), name...)
}

func closureKey(pipeID string) []byte {
	return append(append([]byte{}, closurePrefix...), pipeID...)
}

func observedKey(stateID string) []byte {
	return append(append([]byte{}, observedPrefix...), stateID...)
}

func sigStateKey(stateID string) []byte {
	return append(append([]byte{}, sigStatePrefix...), stateID...)
}

func attemptKey(attemptID string) []byte {
	return append(append([]byte{}, attemptPrefix...), attemptID...)
}

// eventKey = eventPrefix + seq (uint64 big endian)
func eventKey(seq uint64) []byte {
	key := make([]byte, len(eventPrefix)+8)
	copy(key, eventPrefix)
	binary.BigEndian.PutUint64(key[len(eventPrefix):], seq)
	return key
}
