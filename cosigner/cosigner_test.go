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
	"encoding/hex"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/dispute"
	"github.com/stackflow-labs/pipewatch/events"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/pipe"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/verifier"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

func testContractID() string {
	var hash [20]byte
	for i := range hash {
		hash[i] = 0x55
	}
	p := clarity.NewPrincipal(clarity.VersionTestnetSingleSig, hash)
	p.Contract = "stackflow-0-5-0"
	return p.String()
}

func counterparty() string {
	var hash [20]byte
	for i := range hash {
		hash[i] = 0x02
	}
	return clarity.NewPrincipal(clarity.VersionTestnetSingleSig, hash).String()
}

type fixture struct {
	service *Service
	core    *watchtower.Core
	key     *btcec.PrivateKey
	mine    string // our co-signer principal
	other   string // counterparty
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "watchtower.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := verifier.New(verifier.ModeAcceptAll, nil)
	require.NoError(t, err)
	exec, err := dispute.New(dispute.ModeMock, dispute.Config{})
	require.NoError(t, err)

	core := watchtower.New(watchtower.Config{
		Store:    s,
		Parser:   events.NewParser(nil),
		Verifier: v,
		Executor: exec,
	})

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	signer := NewLocalSigner(key, params.Testnet)

	return &fixture{
		service: New(Config{Core: core, Signer: signer, Network: params.Testnet}),
		core:    core,
		key:     key,
		mine:    signer.Principal(),
		other:   counterparty(),
	}
}

// seedObserved records an on-chain snapshot paying both parties the given
// amounts, from our perspective.
func (f *fixture) seedObserved(t *testing.T, nonce, myBalance, theirBalance string) pipe.Key {
	t.Helper()
	key, err := pipe.NewKey("", f.mine, f.other)
	require.NoError(t, err)
	b1, b2 := myBalance, theirBalance
	if key.Principal2 == f.mine {
		b1, b2 = theirBalance, myBalance
	}
	require.NoError(t, f.core.Store().PutObservedPipe(pipe.ObservedPipe{
		StateID:    pipe.StateID(testContractID(), key.ID()),
		ContractID: testContractID(),
		Key:        key,
		Pipe:       pipe.Snapshot{Balance1: b1, Balance2: b2, Nonce: nonce},
		EventName:  "fund-pipe",
		UpdatedAt:  time.Now().UTC(),
	}))
	return key
}

func transferRequest(f *fixture, nonce, myBalance, theirBalance string) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"contractId":     testContractID(),
		"withPrincipal":  f.other,
		"myBalance":      myBalance,
		"theirBalance":   theirBalance,
		"theirSignature": strings.Repeat("22", 65),
		"nonce":          nonce,
		"action":         1,
	})
	return raw
}

func TestSignTransferRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	resp, err := f.service.SignTransfer(context.Background(), transferRequest(f, "5", "1100", "900"))
	require.NoError(t, err)
	require.True(t, resp.Upsert.Stored)
	require.Equal(t, f.mine, resp.Request.ForPrincipal)

	// the stored record carries our signature
	states, err := f.core.Store().SignatureStates()
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "5", states[0].Nonce)
	require.Equal(t, resp.MySignature, states[0].MySignature)

	// our signature recovers our key over the structured-data digest
	key, err := resp.Request.PipeKey()
	require.NoError(t, err)
	digest, err := SigningDigest(params.Testnet, params.DefaultMessageVersion, key, resp.Request)
	require.NoError(t, err)
	sig, err := hex.DecodeString(resp.MySignature)
	require.NoError(t, err)
	pub, err := chain.RecoverRSV(sig, digest[:])
	require.NoError(t, err)
	require.True(t, pub.IsEqual(f.key.PubKey()))
}

func TestRejectBalanceDecrease(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	_, err := f.service.SignTransfer(context.Background(), transferRequest(f, "5", "900", "1100"))
	var policy *watchtower.PolicyError
	require.ErrorAs(t, err, &policy)
	require.Equal(t, "counterparty-balance-decrease", policy.Reason)
	require.True(t, policy.Forbidden)

	states, err := f.core.Store().SignatureStates()
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestRejectNonceTooLow(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	_, err := f.service.SignTransfer(context.Background(), transferRequest(f, "4", "1100", "900"))
	var policy *watchtower.PolicyError
	require.ErrorAs(t, err, &policy)
	require.Equal(t, "nonce-too-low", policy.Reason)
	require.False(t, policy.Forbidden)
}

func TestRejectInvalidTransferTotal(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	_, err := f.service.SignTransfer(context.Background(), transferRequest(f, "5", "1100", "950"))
	var policy *watchtower.PolicyError
	require.ErrorAs(t, err, &policy)
	require.Equal(t, "invalid-transfer-total", policy.Reason)
}

func TestRejectNonBeneficialTransfer(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	_, err := f.service.SignTransfer(context.Background(), transferRequest(f, "5", "1000", "1000"))
	var policy *watchtower.PolicyError
	require.ErrorAs(t, err, &policy)
	require.Equal(t, "transfer-not-beneficial", policy.Reason)
}

func TestRejectUnknownPipe(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SignTransfer(context.Background(), transferRequest(f, "5", "1100", "900"))
	var policy *watchtower.PolicyError
	require.ErrorAs(t, err, &policy)
	require.Equal(t, "unknown-pipe-state", policy.Reason)
}

func TestHeldStateOutranksObservedBaseline(t *testing.T) {
	f := newFixture(t)
	key := f.seedObserved(t, "4", "1000", "1000")

	require.NoError(t, f.core.Store().PutSignatureState(pipe.SignatureState{
		StateID:       pipe.SignatureStateID(testContractID(), key.ID(), f.mine),
		ContractID:    testContractID(),
		ForPrincipal:  f.mine,
		WithPrincipal: f.other,
		MyBalance:     "1200",
		TheirBalance:  "800",
		Nonce:         "6",
		UpdatedAt:     time.Now().UTC(),
	}))

	// nonce 5 beats the snapshot but not the held state
	_, err := f.service.SignTransfer(context.Background(), transferRequest(f, "5", "1100", "900"))
	var policy *watchtower.PolicyError
	require.ErrorAs(t, err, &policy)
	require.Equal(t, "nonce-too-low", policy.Reason)

	resp, err := f.service.SignTransfer(context.Background(), transferRequest(f, "7", "1300", "700"))
	require.NoError(t, err)
	require.True(t, resp.Upsert.Stored)
	require.True(t, resp.Upsert.Replaced)
}

func TestActionGating(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	raw := transferRequest(f, "5", "1100", "900")
	_, err := f.service.SignSignatureRequest(context.Background(), raw)
	var vErr *watchtower.ValidationError
	require.ErrorAs(t, err, &vErr)

	closeReq, _ := json.Marshal(map[string]interface{}{
		"contractId":     testContractID(),
		"withPrincipal":  f.other,
		"myBalance":      "1100",
		"theirBalance":   "900",
		"theirSignature": strings.Repeat("22", 65),
		"nonce":          "5",
		"action":         "close",
	})
	_, err = f.service.SignTransfer(context.Background(), closeReq)
	require.ErrorAs(t, err, &vErr)

	resp, err := f.service.SignSignatureRequest(context.Background(), closeReq)
	require.NoError(t, err)
	require.Equal(t, pipe.ActionClose, resp.Request.Action)
}

func TestRejectForeignForPrincipal(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	raw, _ := json.Marshal(map[string]interface{}{
		"contractId":     testContractID(),
		"forPrincipal":   f.other,
		"withPrincipal":  f.other,
		"myBalance":      "1100",
		"theirBalance":   "900",
		"theirSignature": strings.Repeat("22", 65),
		"nonce":          "5",
		"action":         1,
	})
	_, err := f.service.SignTransfer(context.Background(), raw)
	var vErr *watchtower.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestVerifierRejectionIs401(t *testing.T) {
	f := newFixture(t)
	f.seedObserved(t, "4", "1000", "1000")

	rejecting, err := verifier.New(verifier.ModeRejectAll, nil)
	require.NoError(t, err)
	core := watchtower.New(watchtower.Config{
		Store:    f.core.Store(),
		Parser:   events.NewParser(nil),
		Verifier: rejecting,
		Executor: mustMock(t),
	})
	service := New(Config{Core: core, Signer: NewLocalSigner(f.key, params.Testnet), Network: params.Testnet})

	_, err = service.SignTransfer(context.Background(), transferRequest(f, "5", "1100", "900"))
	var sigErr *watchtower.SignatureValidationError
	require.ErrorAs(t, err, &sigErr)
}

func TestUnsupportedSigner(t *testing.T) {
	f := newFixture(t)
	service := New(Config{Core: f.core, Signer: NewUnsupportedSigner(), Network: params.Testnet})

	_, err := service.SignTransfer(context.Background(), transferRequest(f, "5", "1100", "900"))
	var csErr *CoSignerError
	require.ErrorAs(t, err, &csErr)
}

func mustMock(t *testing.T) dispute.Executor {
	t.Helper()
	exec, err := dispute.New(dispute.ModeMock, dispute.Config{})
	require.NoError(t, err)
	return exec
}
