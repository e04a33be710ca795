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

// Package pipe defines the payment-pipe domain model: canonical pipe keys,
// observed on-chain snapshots, off-chain signature states and the records the
// watchtower persists.
package pipe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stackflow-labs/pipewatch/clarity"
)

// NativeToken is the token marker used in pipe ids for the chain's native
// asset.
const NativeToken = "stx"

var (
	// ErrSamePrincipal is returned when both pipe parties are the same
	// principal.
	ErrSamePrincipal = errors.New("pipe: principals must differ")
)

// Key is the canonical identity of a pipe. Principal1 orders before
// Principal2 under the lexicographic comparison of their Clarity consensus
// serialization; Token is empty for the native asset and does not participate
// in the ordering.
type Key struct {
	Token      string `json:"token,omitempty"`
	Principal1 string `json:"principal-1"`
	Principal2 string `json:"principal-2"`
}

// NewKey canonicalizes a pipe key from a token (empty for the native asset)
// and two principals given in any order.
func NewKey(token, a, b string) (Key, error) {
	pa, err := clarity.ParsePrincipal(a)
	if err != nil {
		return Key{}, fmt.Errorf("pipe: principal %q: %w", a, err)
	}
	pb, err := clarity.ParsePrincipal(b)
	if err != nil {
		return Key{}, fmt.Errorf("pipe: principal %q: %w", b, err)
	}
	switch pa.Compare(pb) {
	case 0:
		return Key{}, ErrSamePrincipal
	case 1:
		pa, pb = pb, pa
	}
	token = NormalizeToken(token)
	if token != "" {
		tp, err := clarity.ParsePrincipal(token)
		if err != nil {
			return Key{}, fmt.Errorf("pipe: token %q: %w", token, err)
		}
		if !tp.IsContract() {
			return Key{}, fmt.Errorf("pipe: token %q is not a contract principal", token)
		}
		token = tp.String()
	}
	return Key{Token: token, Principal1: pa.String(), Principal2: pb.String()}, nil
}

// NormalizeToken maps the various "native asset" spellings to the empty
// string and leaves token contract ids untouched.
func NormalizeToken(token string) string {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", NativeToken, "none", "null":
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenID is the token component of the pipe id.
func (k Key) TokenID() string {
	if k.Token == "" {
		return NativeToken
	}
	return k.Token
}

// ID is the stable pipe identity: token|principal-1|principal-2.
func (k Key) ID() string {
	return k.TokenID() + "|" + k.Principal1 + "|" + k.Principal2
}

// Orient returns (mine, theirs) mapping the canonical balance pair
// (balance1, balance2) onto the given principal's perspective. ok is false
// when the principal is not a party to the pipe.
func (k Key) Orient(principal, balance1, balance2 string) (mine, theirs string, ok bool) {
	switch principal {
	case k.Principal1:
		return balance1, balance2, true
	case k.Principal2:
		return balance2, balance1, true
	}
	return "", "", false
}

// Other returns the counterparty of the given principal within the key.
func (k Key) Other(principal string) (string, bool) {
	switch principal {
	case k.Principal1:
		return k.Principal2, true
	case k.Principal2:
		return k.Principal1, true
	}
	return "", false
}

// StateID builds the observed-pipe state id for a contract and key.
func StateID(contractID, pipeID string) string {
	return contractID + "|" + pipeID
}

// SignatureStateID builds the signature-state id for a contract, key and the
// principal the state is held for.
func SignatureStateID(contractID, pipeID, forPrincipal string) string {
	return contractID + "|" + pipeID + "|" + forPrincipal
}

// AttemptID builds the dispute idempotency key for a closure trigger. An
// absent trigger txid degrades to a per-pipe key.
func AttemptID(contractID, pipeID, triggerTxID string) string {
	if triggerTxID == "" {
		return contractID + "|" + pipeID + "|no-txid"
	}
	return contractID + "|" + pipeID + "|" + triggerTxID
}
