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
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/pipe"
	"github.com/stackflow-labs/pipewatch/sip018"
)

// MessageTuple canonicalizes a signature state into the structured-data
// message both parties sign: the pipe key, balances in canonical principal
// order, and the transition fields. The secret never appears directly, only
// its sha256.
func MessageTuple(key pipe.Key, state *pipe.SignatureState) (clarity.Tuple, error) {
	p1, err := clarity.ParsePrincipal(key.Principal1)
	if err != nil {
		return nil, err
	}
	p2, err := clarity.ParsePrincipal(key.Principal2)
	if err != nil {
		return nil, err
	}
	actor, err := clarity.ParsePrincipal(state.Actor)
	if err != nil {
		return nil, fmt.Errorf("cosigner: actor: %w", err)
	}

	var balance1, balance2 string
	switch state.ForPrincipal {
	case key.Principal1:
		balance1, balance2 = state.MyBalance, state.TheirBalance
	case key.Principal2:
		balance1, balance2 = state.TheirBalance, state.MyBalance
	default:
		return nil, fmt.Errorf("cosigner: %s is not a pipe party", state.ForPrincipal)
	}
	b1, err := clarity.ParseUInt(balance1)
	if err != nil {
		return nil, fmt.Errorf("cosigner: balance-1: %w", err)
	}
	b2, err := clarity.ParseUInt(balance2)
	if err != nil {
		return nil, fmt.Errorf("cosigner: balance-2: %w", err)
	}
	nonce, err := clarity.ParseUInt(state.Nonce)
	if err != nil {
		return nil, fmt.Errorf("cosigner: nonce: %w", err)
	}

	token := clarity.Optional{}
	if key.Token != "" {
		tp, err := clarity.ParsePrincipal(key.Token)
		if err != nil {
			return nil, err
		}
		token.Inner = tp
	}
	hashedSecret := clarity.Optional{}
	if state.Secret != "" {
		secretHex, err := pipe.NormalizeHex(state.Secret, 32)
		if err != nil {
			return nil, fmt.Errorf("cosigner: secret: %w", err)
		}
		raw, _ := hex.DecodeString(secretHex)
		sum := sha256.Sum256(raw)
		hashedSecret.Inner = clarity.Buffer(sum[:])
	}
	validAfter := clarity.Optional{}
	if state.ValidAfter != "" {
		va, err := clarity.ParseUInt(state.ValidAfter)
		if err != nil {
			return nil, fmt.Errorf("cosigner: valid-after: %w", err)
		}
		validAfter.Inner = va
	}

	return clarity.Tuple{
		"token":         token,
		"principal-1":   p1,
		"principal-2":   p2,
		"balance-1":     b1,
		"balance-2":     b2,
		"nonce":         nonce,
		"action":        clarity.NewUInt(uint64(state.Action)),
		"actor":         actor,
		"hashed-secret": hashedSecret,
		"valid-after":   validAfter,
	}, nil
}

// SigningDigest computes the SIP-018 digest a party signs for a state: the
// domain is the contract id and configured message version on the network's
// chain id.
func SigningDigest(network params.Network, messageVersion string, key pipe.Key, state *pipe.SignatureState) ([32]byte, error) {
	message, err := MessageTuple(key, state)
	if err != nil {
		return [32]byte{}, err
	}
	domain := sip018.Domain(state.ContractID, messageVersion, network.ChainID())
	return sip018.Digest(domain, message)
}
