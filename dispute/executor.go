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

// Package dispute submits dispute-closure-for transactions from held
// signature states. The real executor signs and broadcasts through a chain
// client; noop and mock variants serve disabled deployments and tests.
package dispute

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/pipe"
)

// Mode selects the executor variant.
type Mode string

const (
	ModeAuto Mode = "auto"
	ModeNoop Mode = "noop"
	ModeMock Mode = "mock"
)

// Valid reports whether m names a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeNoop, ModeMock:
		return true
	}
	return false
}

// DefaultFee is the flat dispute transaction fee in microSTX. Fee
// estimation is out of scope.
const DefaultFee uint64 = 3000

// ErrDisabled is returned by the noop executor.
var ErrDisabled = errors.New("dispute: dispute executor disabled")

// Request carries everything needed to dispute a closure with a newer
// signature state.
type Request struct {
	State   *pipe.SignatureState
	Closure *pipe.Closure
	Trigger *pipe.Event
}

// Executor broadcasts disputes; implementations must be safe for concurrent
// use.
type Executor interface {
	SubmitDispute(ctx context.Context, req *Request) (txid string, err error)
}

// Config parameterizes the real executor.
type Config struct {
	Network params.Network
	Client  *chain.Client
	Key     *btcec.PrivateKey
	Fee     uint64
}

// New builds an executor for the mode. ModeAuto requires a client and key;
// it degrades to noop when no key is configured.
func New(mode Mode, cfg Config) (Executor, error) {
	switch mode {
	case ModeNoop:
		return noop{}, nil
	case ModeMock:
		return &mock{}, nil
	case ModeAuto:
		if cfg.Key == nil {
			log.Warnf("No signer key configured; dispute submission disabled")
			return noop{}, nil
		}
		if cfg.Client == nil {
			return nil, fmt.Errorf("dispute: auto mode needs a chain client")
		}
		if cfg.Fee == 0 {
			cfg.Fee = DefaultFee
		}
		return &real{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("dispute: unknown mode %q", mode)
	}
}

type noop struct{}

func (noop) SubmitDispute(context.Context, *Request) (string, error) {
	return "", ErrDisabled
}

type mock struct {
	n atomic.Uint64
}

func (m *mock) SubmitDispute(context.Context, *Request) (string, error) {
	return fmt.Sprintf("0xmock%08d", m.n.Add(1)), nil
}

type real struct {
	cfg Config
}

func (r *real) SubmitDispute(ctx context.Context, req *Request) (string, error) {
	state := req.State
	contract, err := clarity.ParsePrincipal(state.ContractID)
	if err != nil || !contract.IsContract() {
		return "", fmt.Errorf("dispute: bad contract id %q", state.ContractID)
	}
	args, err := CallArgs(state)
	if err != nil {
		return "", err
	}
	tx, err := chain.NewContractCall(r.cfg.Network, contract, "dispute-closure-for", args)
	if err != nil {
		return "", err
	}
	sender := chain.AddressFromPublicKey(r.cfg.Key.PubKey(), r.cfg.Network.AddressVersion())
	nonce, err := r.cfg.Client.AccountNonce(ctx, sender.String())
	if err != nil {
		return "", fmt.Errorf("dispute: account nonce: %w", err)
	}
	tx.Fee = r.cfg.Fee
	tx.Nonce = nonce
	if err := tx.Sign(r.cfg.Key); err != nil {
		return "", fmt.Errorf("dispute: sign: %w", err)
	}
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	txid, err := r.cfg.Client.Broadcast(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("dispute: broadcast: %w", err)
	}
	log.Infof("Submitted dispute for %s (nonce %s) in %s", state.StateID, state.Nonce, txid)
	return txid, nil
}

// CallArgs builds the dispute-closure-for argument list from a signature
// state: for-principal, optional token, with-principal, the balances from
// for-principal's perspective, both signatures, then the transition fields.
func CallArgs(state *pipe.SignatureState) ([]clarity.Value, error) {
	forPrincipal, err := clarity.ParsePrincipal(state.ForPrincipal)
	if err != nil {
		return nil, fmt.Errorf("dispute: for-principal: %w", err)
	}
	withPrincipal, err := clarity.ParsePrincipal(state.WithPrincipal)
	if err != nil {
		return nil, fmt.Errorf("dispute: with-principal: %w", err)
	}
	actor, err := clarity.ParsePrincipal(state.Actor)
	if err != nil {
		return nil, fmt.Errorf("dispute: actor: %w", err)
	}
	token := clarity.Optional{}
	if tok := pipe.NormalizeToken(state.Token); tok != "" {
		tp, err := clarity.ParsePrincipal(tok)
		if err != nil {
			return nil, fmt.Errorf("dispute: token: %w", err)
		}
		token.Inner = tp
	}
	myBalance, err := clarity.ParseUInt(state.MyBalance)
	if err != nil {
		return nil, fmt.Errorf("dispute: my balance: %w", err)
	}
	theirBalance, err := clarity.ParseUInt(state.TheirBalance)
	if err != nil {
		return nil, fmt.Errorf("dispute: their balance: %w", err)
	}
	mySig, err := signatureBuffer(state.MySignature)
	if err != nil {
		return nil, fmt.Errorf("dispute: my signature: %w", err)
	}
	theirSig, err := signatureBuffer(state.TheirSignature)
	if err != nil {
		return nil, fmt.Errorf("dispute: their signature: %w", err)
	}
	nonce, err := clarity.ParseUInt(state.Nonce)
	if err != nil {
		return nil, fmt.Errorf("dispute: nonce: %w", err)
	}
	secret := clarity.Optional{}
	if state.Secret != "" {
		secretHex, err := pipe.NormalizeHex(state.Secret, 32)
		if err != nil {
			return nil, fmt.Errorf("dispute: secret: %w", err)
		}
		raw, _ := hex.DecodeString(secretHex)
		secret.Inner = clarity.Buffer(raw)
	}
	validAfter := clarity.Optional{}
	if state.ValidAfter != "" {
		va, err := clarity.ParseUInt(state.ValidAfter)
		if err != nil {
			return nil, fmt.Errorf("dispute: valid-after: %w", err)
		}
		validAfter.Inner = va
	}
	return []clarity.Value{
		forPrincipal,
		token,
		withPrincipal,
		myBalance,
		theirBalance,
		mySig,
		theirSig,
		nonce,
		clarity.NewUInt(uint64(state.Action)),
		actor,
		secret,
		validAfter,
	}, nil
}

func signatureBuffer(sig string) (clarity.Buffer, error) {
	sigHex, err := pipe.NormalizeHex(sig, chain.RSVSignatureLen)
	if err != nil {
		return nil, err
	}
	raw, _ := hex.DecodeString(sigHex)
	return clarity.Buffer(raw), nil
}
