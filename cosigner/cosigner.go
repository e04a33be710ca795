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

// Package cosigner answers counterparty signing requests: it resolves the
// best-known baseline for the pipe, enforces the monotone and beneficial
// signing policy, verifies the counterparty's signature, and co-signs with a
// local key or an external KMS.
package cosigner

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/pipe"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

// Config wires the service.
type Config struct {
	Core           *watchtower.Core
	Signer         Signer
	Network        params.Network
	MessageVersion string
}

// Service co-signs counterparty requests against the watchtower's state.
type Service struct {
	core           *watchtower.Core
	signer         Signer
	network        params.Network
	messageVersion string
}

// New builds the service. An empty message version falls back to the
// protocol default.
func New(cfg Config) *Service {
	version := cfg.MessageVersion
	if version == "" {
		version = params.DefaultMessageVersion
	}
	return &Service{
		core:           cfg.Core,
		signer:         cfg.Signer,
		network:        cfg.Network,
		messageVersion: version,
	}
}

// Signer exposes the configured signer.
func (s *Service) Signer() Signer { return s.signer }

// Response reports one successful co-signing.
type Response struct {
	Request     *pipe.SignatureState     `json:"request"`
	MySignature string                   `json:"mySignature"`
	Upsert      *watchtower.UpsertResult `json:"upsert"`
}

// SignTransfer co-signs a balance transfer request.
func (s *Service) SignTransfer(ctx context.Context, raw []byte) (*Response, error) {
	return s.sign(ctx, raw, pipe.ActionTransfer)
}

// SignSignatureRequest co-signs a close, deposit or withdraw request.
func (s *Service) SignSignatureRequest(ctx context.Context, raw []byte) (*Response, error) {
	return s.sign(ctx, raw, pipe.ActionClose, pipe.ActionDeposit, pipe.ActionWithdraw)
}

func (s *Service) sign(ctx context.Context, raw []byte, allowed ...pipe.Action) (*Response, error) {
	if !s.signer.Enabled() {
		return nil, &CoSignerError{Msg: "signing not configured"}
	}
	if err := s.signer.EnsureReady(ctx); err != nil {
		return nil, err
	}
	state, err := s.parseRequest(raw)
	if err != nil {
		return nil, err
	}
	if !actionAllowed(state.Action, allowed) {
		return nil, &watchtower.ValidationError{Msg: "action " + state.Action.String() + " not accepted here"}
	}
	key, err := state.PipeKey()
	if err != nil {
		return nil, &watchtower.ValidationError{Msg: "bad pipe key: " + err.Error()}
	}

	baseline, err := s.bestBaseline(state.ContractID, key, state.ForPrincipal)
	if err != nil {
		return nil, err
	}
	if baseline == nil {
		return nil, &watchtower.PolicyError{Reason: "unknown-pipe-state"}
	}
	if err := enforcePolicy(state, baseline); err != nil {
		return nil, err
	}

	// the request must carry a valid counterparty signature before we add ours
	verdict, err := s.core.Verifier().VerifySignatureState(ctx, state)
	if err != nil {
		return nil, err
	}
	if !verdict.Valid {
		return nil, &watchtower.SignatureValidationError{Reason: verdict.Reason}
	}

	digest, err := SigningDigest(s.network, s.messageVersion, key, state)
	if err != nil {
		return nil, &watchtower.ValidationError{Msg: err.Error()}
	}
	sig, err := s.signer.SignDigest(ctx, digest)
	if err != nil {
		return nil, err
	}
	state.MySignature = hex.EncodeToString(sig)

	upsert, err := s.core.UpsertSignatureState(ctx, state, true)
	if err != nil {
		return nil, err
	}
	log.Infof("Co-signed %s at nonce %s for %s", state.Action, state.Nonce, state.ForPrincipal)
	return &Response{Request: state, MySignature: state.MySignature, Upsert: upsert}, nil
}

func actionAllowed(action pipe.Action, allowed []pipe.Action) bool {
	for _, a := range allowed {
		if action == a {
			return true
		}
	}
	return false
}

// parseRequest coerces the loosely typed request JSON into a signature state
// from our (forPrincipal's) perspective. forPrincipal defaults to our signer
// and must match it when present.
func (s *Service) parseRequest(raw []byte) (*pipe.SignatureState, error) {
	var node map[string]interface{}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &watchtower.ValidationError{Msg: "request is not JSON: " + err.Error()}
	}
	state := &pipe.SignatureState{
		ContractID:     str(node, "contractId", "contract"),
		ForPrincipal:   str(node, "forPrincipal", "for"),
		WithPrincipal:  str(node, "withPrincipal", "with"),
		Token:          str(node, "token"),
		Amount:         str(node, "amount"),
		MyBalance:      str(node, "myBalance", "my-balance"),
		TheirBalance:   str(node, "theirBalance", "their-balance"),
		TheirSignature: str(node, "theirSignature", "their-signature"),
		Nonce:          str(node, "nonce"),
		Actor:          str(node, "actor"),
		Secret:         str(node, "secret"),
		ValidAfter:     str(node, "validAfter", "valid-after"),
		UpdatedAt:      time.Now().UTC(),
	}
	if state.ForPrincipal == "" {
		state.ForPrincipal = s.signer.Principal()
	} else if state.ForPrincipal != s.signer.Principal() {
		return nil, &watchtower.ValidationError{Msg: "forPrincipal does not match the configured co-signer"}
	}
	if state.WithPrincipal == "" {
		return nil, &watchtower.ValidationError{Msg: "missing withPrincipal"}
	}
	if state.Actor == "" {
		state.Actor = state.WithPrincipal
	}
	action, err := parseAction(str(node, "action"))
	if err != nil {
		return nil, err
	}
	state.Action = action
	return state, nil
}

func parseAction(v string) (pipe.Action, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "close":
		return pipe.ActionClose, nil
	case "1", "transfer":
		return pipe.ActionTransfer, nil
	case "2", "deposit":
		return pipe.ActionDeposit, nil
	case "3", "withdraw":
		return pipe.ActionWithdraw, nil
	}
	return 0, &watchtower.ValidationError{Msg: "bad action " + strconv.Quote(v)}
}

// Baseline is the best-known current state of the pipe from our perspective.
type Baseline struct {
	Source       string    `json:"source"`
	Nonce        string    `json:"nonce"`
	MyBalance    string    `json:"myBalance"`
	TheirBalance string    `json:"theirBalance"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// bestBaseline combines the observed on-chain snapshot and any held
// signature state: highest nonce wins, ties go to the later update, then to
// the on-chain row.
func (s *Service) bestBaseline(contractID string, key pipe.Key, forPrincipal string) (*Baseline, error) {
	store := s.core.Store()
	pipeID := key.ID()

	var candidates []Baseline
	observed, err := store.ObservedPipe(pipe.StateID(contractID, pipeID))
	if err != nil {
		return nil, err
	}
	if observed != nil {
		mine, theirs, ok := key.Orient(forPrincipal, observed.Pipe.Balance1, observed.Pipe.Balance2)
		if ok && pipe.IsUnsigned(observed.Pipe.Nonce) {
			candidates = append(candidates, Baseline{
				Source:       watchtower.SourceOnchain,
				Nonce:        observed.Pipe.Nonce,
				MyBalance:    mine,
				TheirBalance: theirs,
				UpdatedAt:    observed.UpdatedAt,
			})
		}
	}
	held, err := store.SignatureState(pipe.SignatureStateID(contractID, pipeID, forPrincipal))
	if err != nil {
		return nil, err
	}
	if held != nil && pipe.IsUnsigned(held.Nonce) {
		candidates = append(candidates, Baseline{
			Source:       watchtower.SourceSignatureState,
			Nonce:        held.Nonce,
			MyBalance:    held.MyBalance,
			TheirBalance: held.TheirBalance,
			UpdatedAt:    held.UpdatedAt,
		})
	}

	var best *Baseline
	for i := range candidates {
		cand := &candidates[i]
		if best == nil || betterBaseline(cand, best) {
			best = cand
		}
	}
	return best, nil
}

func betterBaseline(a, b *Baseline) bool {
	switch pipe.CompareUnsigned(a.Nonce, b.Nonce) {
	case 1:
		return true
	case -1:
		return false
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.Source == watchtower.SourceOnchain
}

// enforcePolicy gates the request against the baseline: monotone nonce, no
// balance decrease, and transfers must preserve the total while paying us
// strictly more.
func enforcePolicy(state *pipe.SignatureState, baseline *Baseline) error {
	for _, field := range []struct{ name, value string }{
		{"nonce", state.Nonce},
		{"myBalance", state.MyBalance},
		{"theirBalance", state.TheirBalance},
	} {
		if !pipe.IsUnsigned(field.value) {
			return &watchtower.ValidationError{Msg: "bad " + field.name + " " + strconv.Quote(field.value)}
		}
	}
	if pipe.CompareUnsigned(state.Nonce, baseline.Nonce) <= 0 {
		return &watchtower.PolicyError{Reason: "nonce-too-low"}
	}
	if pipe.CompareUnsigned(state.MyBalance, baseline.MyBalance) < 0 {
		return &watchtower.PolicyError{Reason: "counterparty-balance-decrease", Forbidden: true}
	}
	if state.Action == pipe.ActionTransfer {
		requestTotal, err := balanceTotal(state.MyBalance, state.TheirBalance)
		if err != nil {
			return &watchtower.ValidationError{Msg: err.Error()}
		}
		baselineTotal, err := balanceTotal(baseline.MyBalance, baseline.TheirBalance)
		if err != nil {
			return &watchtower.PolicyError{Reason: "unknown-pipe-state"}
		}
		if requestTotal.Cmp(baselineTotal) != 0 {
			return &watchtower.PolicyError{Reason: "invalid-transfer-total", Forbidden: true}
		}
		if pipe.CompareUnsigned(state.MyBalance, baseline.MyBalance) <= 0 {
			return &watchtower.PolicyError{Reason: "transfer-not-beneficial", Forbidden: true}
		}
	}
	return nil
}

func balanceTotal(a, b string) (*uint256.Int, error) {
	na, err := pipe.ParseUnsigned(a)
	if err != nil {
		return nil, err
	}
	nb, err := pipe.ParseUnsigned(b)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Add(na, nb), nil
}

func str(node map[string]interface{}, names ...string) string {
	for _, name := range names {
		v, ok := node[name]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(t), 10)
		}
	}
	return ""
}
