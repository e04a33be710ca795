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

package cosigner

import (
	"context"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/params"
)

// Signer produces our 65-byte RSV signature over a structured-data digest.
// Principal is only meaningful after a successful EnsureReady.
type Signer interface {
	Enabled() bool
	Principal() string
	EnsureReady(ctx context.Context) error
	SignDigest(ctx context.Context, digest [32]byte) ([]byte, error)
}

// NewLocalSigner signs with an in-process private key; the principal is
// derived immediately.
func NewLocalSigner(key *btcec.PrivateKey, network params.Network) Signer {
	return &localSigner{
		key:       key,
		principal: chain.AddressFromPublicKey(key.PubKey(), network.AddressVersion()).String(),
	}
}

type localSigner struct {
	key       *btcec.PrivateKey
	principal string
}

func (s *localSigner) Enabled() bool                   { return true }
func (s *localSigner) Principal() string               { return s.principal }
func (s *localSigner) EnsureReady(context.Context) error { return nil }

func (s *localSigner) SignDigest(_ context.Context, digest [32]byte) ([]byte, error) {
	return chain.SignRSV(s.key, digest[:])
}

// NewUnsupportedSigner is the signer used when co-signing is not configured;
// every operation fails with a CoSignerError.
func NewUnsupportedSigner() Signer {
	return unsupportedSigner{}
}

type unsupportedSigner struct{}

func (unsupportedSigner) Enabled() bool     { return false }
func (unsupportedSigner) Principal() string { return "" }

func (unsupportedSigner) EnsureReady(context.Context) error {
	return &CoSignerError{Msg: "signing not configured"}
}

func (unsupportedSigner) SignDigest(context.Context, [32]byte) ([]byte, error) {
	return nil, &CoSignerError{Msg: "signing not configured"}
}
