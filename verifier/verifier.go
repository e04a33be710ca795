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

// Package verifier decides whether a submitted signature state is
// acceptable. The readonly variant defers to the pipe contract's own
// verify-signature-request function; accept-all and reject-all exist for
// development and tests.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/pipe"
)

// Mode selects the verification strategy.
type Mode string

const (
	ModeReadOnly  Mode = "readonly"
	ModeAcceptAll Mode = "accept-all"
	ModeRejectAll Mode = "reject-all"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeReadOnly, ModeAcceptAll, ModeRejectAll:
		return true
	}
	return false
}

// Result is a verification verdict. Reason is set only when Valid is false.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Verifier checks the counterparty signature carried by a signature state.
type Verifier interface {
	VerifySignatureState(ctx context.Context, state *pipe.SignatureState) (Result, error)
}

// New builds a verifier for the mode. The chain client is required only for
// ModeReadOnly.
func New(mode Mode, client *chain.Client) (Verifier, error) {
	switch mode {
	case ModeAcceptAll:
		return acceptAll{}, nil
	case ModeRejectAll:
		return rejectAll{}, nil
	case ModeReadOnly:
		if client == nil {
			return nil, fmt.Errorf("verifier: readonly mode needs a chain client")
		}
		return &readOnly{client: client}, nil
	default:
		return nil, fmt.Errorf("verifier: unknown mode %q", mode)
	}
}

type acceptAll struct{}

func (acceptAll) VerifySignatureState(context.Context, *pipe.SignatureState) (Result, error) {
	return Result{Valid: true}, nil
}

type rejectAll struct{}

func (rejectAll) VerifySignatureState(context.Context, *pipe.SignatureState) (Result, error) {
	return Result{Valid: false, Reason: "invalid-signature"}, nil
}

type readOnly struct {
	client *chain.Client
}

func (v *readOnly) VerifySignatureState(ctx context.Context, state *pipe.SignatureState) (Result, error) {
	contract, err := clarity.ParsePrincipal(state.ContractID)
	if err != nil || !contract.IsContract() {
		return Result{}, fmt.Errorf("verifier: bad contract id %q", state.ContractID)
	}
	args, err := RequestArgs(state)
	if err != nil {
		return Result{}, err
	}
	result, err := v.client.CallReadOnly(ctx, contract, "verify-signature-request", state.ForPrincipal, args)
	if err != nil {
		return Result{}, fmt.Errorf("verifier: readonly call: %w", err)
	}
	resp, ok := result.(clarity.Response)
	if !ok {
		return Result{Valid: false, Reason: "unexpected-readonly-response"}, nil
	}
	if resp.Ok {
		return Result{Valid: true}, nil
	}
	if code, ok := resp.Inner.(clarity.UInt); ok {
		return Result{Valid: false, Reason: reasonForCode(code.N.Dec())}, nil
	}
	return Result{Valid: false, Reason: "unexpected-readonly-response"}, nil
}

// RequestArgs canonicalizes a signature state into the argument list of
// verify-signature-request: the counterparty signature and signer, the
// canonical pipe key, balances in canonical-principal order, then the
// transition fields.
func RequestArgs(state *pipe.SignatureState) ([]clarity.Value, error) {
	key, err := state.PipeKey()
	if err != nil {
		return nil, fmt.Errorf("verifier: %w", err)
	}
	p1, err := clarity.ParsePrincipal(key.Principal1)
	if err != nil {
		return nil, err
	}
	p2, err := clarity.ParsePrincipal(key.Principal2)
	if err != nil {
		return nil, err
	}
	signerPrincipal, err := clarity.ParsePrincipal(state.WithPrincipal)
	if err != nil {
		return nil, fmt.Errorf("verifier: signer: %w", err)
	}
	actor, err := clarity.ParsePrincipal(state.Actor)
	if err != nil {
		return nil, fmt.Errorf("verifier: actor: %w", err)
	}

	sigHex, err := pipe.NormalizeHex(state.TheirSignature, chain.RSVSignatureLen)
	if err != nil {
		return nil, fmt.Errorf("verifier: signature: %w", err)
	}
	sig, _ := hex.DecodeString(sigHex)

	balance1, balance2, err := canonicalBalances(key, state)
	if err != nil {
		return nil, err
	}
	nonce, err := clarity.ParseUInt(state.Nonce)
	if err != nil {
		return nil, fmt.Errorf("verifier: nonce: %w", err)
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
			return nil, fmt.Errorf("verifier: secret: %w", err)
		}
		raw, _ := hex.DecodeString(secretHex)
		sum := sha256.Sum256(raw)
		hashedSecret.Inner = clarity.Buffer(sum[:])
	}
	validAfter := clarity.Optional{}
	if state.ValidAfter != "" {
		va, err := clarity.ParseUInt(state.ValidAfter)
		if err != nil {
			return nil, fmt.Errorf("verifier: valid-after: %w", err)
		}
		validAfter.Inner = va
	}

	return []clarity.Value{
		clarity.Buffer(sig),
		signerPrincipal,
		token,
		p1,
		p2,
		balance1,
		balance2,
		nonce,
		clarity.NewUInt(uint64(state.Action)),
		actor,
		hashedSecret,
		validAfter,
	}, nil
}

func canonicalBalances(key pipe.Key, state *pipe.SignatureState) (clarity.UInt, clarity.UInt, error) {
	var b1, b2 string
	switch state.ForPrincipal {
	case key.Principal1:
		b1, b2 = state.MyBalance, state.TheirBalance
	case key.Principal2:
		b1, b2 = state.TheirBalance, state.MyBalance
	default:
		return clarity.UInt{}, clarity.UInt{}, fmt.Errorf("verifier: %s is not a pipe party", state.ForPrincipal)
	}
	balance1, err := clarity.ParseUInt(b1)
	if err != nil {
		return clarity.UInt{}, clarity.UInt{}, fmt.Errorf("verifier: balance-1: %w", err)
	}
	balance2, err := clarity.ParseUInt(b2)
	if err != nil {
		return clarity.UInt{}, clarity.UInt{}, fmt.Errorf("verifier: balance-2: %w", err)
	}
	return balance1, balance2, nil
}

// Contract error codes surfaced by verify-signature-request.
var reasonByCode = map[string]string{
	"100": "invalid-pipe",
	"101": "invalid-signature",
	"102": "nonce-too-low",
	"103": "invalid-total-balance",
	"104": "invalid-secret",
	"105": "not-expired",
}

func reasonForCode(code string) string {
	if reason, ok := reasonByCode[code]; ok {
		return reason
	}
	return "err-u" + code
}
