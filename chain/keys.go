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

// Package chain talks to a Stacks-style node: secp256k1 key handling with
// RSV recoverable signatures, the contract-call transaction wire codec, and
// a REST client for read-only calls and broadcasts.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/ripemd160"

	"github.com/stackflow-labs/pipewatch/clarity"
)

const (
	// RSVSignatureLen is the length of a recoverable signature: 32 bytes r,
	// 32 bytes s and one recovery byte.
	RSVSignatureLen = 65

	compactHeaderBase = 27
	compactCompressed = 4
)

var (
	// ErrBadSignature is returned for malformed recoverable signatures.
	ErrBadSignature = errors.New("chain: invalid signature")

	// ErrBadPrivateKey is returned when key material fails to parse.
	ErrBadPrivateKey = errors.New("chain: invalid private key")
)

// ParsePrivateKey decodes a hex private key. Both the bare 32-byte form and
// the 33-byte form with a trailing 0x01 compression marker are accepted.
func ParsePrivateKey(s string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPrivateKey, err)
	}
	switch len(raw) {
	case 32:
	case 33:
		if raw[32] != 0x01 {
			return nil, fmt.Errorf("%w: bad compression marker", ErrBadPrivateKey)
		}
		raw = raw[:32]
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrBadPrivateKey, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrBadPrivateKey)
	}
	return priv, nil
}

// Hash160 is ripemd160(sha256(b)), the signer hash used in addresses and
// spending conditions.
func Hash160(b []byte) [20]byte {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AddressFromPublicKey derives the single-sig principal for a compressed
// public key on the given address version.
func AddressFromPublicKey(pub *btcec.PublicKey, version byte) clarity.Principal {
	return clarity.NewPrincipal(version, Hash160(pub.SerializeCompressed()))
}

// SignRSV signs a 32-byte digest and returns the 65-byte r||s||v signature
// with v in {0..3}. s is always in the lower half of the curve order.
func SignRSV(priv *btcec.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("chain: digest must be 32 bytes, got %d", len(digest))
	}
	compact, err := btcecdsa.SignCompact(priv, digest, true)
	if err != nil {
		return nil, err
	}
	recID := (compact[0] - compactHeaderBase) & 3
	out := make([]byte, RSVSignatureLen)
	copy(out[:64], compact[1:])
	out[64] = recID
	return out, nil
}

// RecoverRSV recovers the compressed public key that produced an r||s||v
// signature over digest.
func RecoverRSV(sig, digest []byte) (*btcec.PublicKey, error) {
	if len(sig) != RSVSignatureLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sig))
	}
	if sig[64] > 3 {
		return nil, fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}
	compact := make([]byte, RSVSignatureLen)
	compact[0] = compactHeaderBase + compactCompressed + sig[64]
	copy(compact[1:], sig[:64])
	pub, _, err := btcecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return pub, nil
}

// RSVToVRS reorders an r||s||v signature into the v||r||s layout used inside
// transaction spending conditions.
func RSVToVRS(sig []byte) ([]byte, error) {
	if len(sig) != RSVSignatureLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(sig))
	}
	out := make([]byte, RSVSignatureLen)
	out[0] = sig[64]
	copy(out[1:], sig[:64])
	return out, nil
}
