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

// Package sip018 implements the SIP-018 structured data signing digest: a
// domain tuple separating contract and network, a message tuple carrying the
// payload, and the prefixed double hash both parties sign.
package sip018

import (
	"crypto/sha256"
	"fmt"

	"github.com/stackflow-labs/pipewatch/clarity"
)

// Prefix is the byte string "SIP018" that leads every structured data
// pre-image.
var Prefix = []byte{0x53, 0x49, 0x50, 0x30, 0x31, 0x38}

// Domain builds the structured data domain tuple for a contract on a chain.
func Domain(name, version string, chainID uint64) clarity.Tuple {
	return clarity.Tuple{
		"name":     clarity.StringASCII(name),
		"version":  clarity.StringASCII(version),
		"chain-id": clarity.NewUInt(chainID),
	}
}

// HashValue hashes the consensus serialization of a single Clarity value.
func HashValue(v clarity.Value) ([32]byte, error) {
	raw, err := clarity.Serialize(v)
	if err != nil {
		return [32]byte{}, fmt.Errorf("sip018: serialize: %w", err)
	}
	return sha256.Sum256(raw), nil
}

// Digest computes the 32-byte message to sign:
// sha256(Prefix || hash(domain) || hash(message)).
func Digest(domain, message clarity.Value) ([32]byte, error) {
	domainHash, err := HashValue(domain)
	if err != nil {
		return [32]byte{}, err
	}
	messageHash, err := HashValue(message)
	if err != nil {
		return [32]byte{}, err
	}
	pre := make([]byte, 0, len(Prefix)+64)
	pre = append(pre, Prefix...)
	pre = append(pre, domainHash[:]...)
	pre = append(pre, messageHash[:]...)
	return sha256.Sum256(pre), nil
}
