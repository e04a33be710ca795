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

// Package watchtower is the coordination core: it routes parsed chain events
// into the store, maintains the closure lifecycle, guards the signature-state
// table with nonce-monotone replacement, and fires disputes when a held state
// supersedes an observed closure.
package watchtower

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/dispute"
	"github.com/stackflow-labs/pipewatch/events"
	"github.com/stackflow-labs/pipewatch/metrics"
	"github.com/stackflow-labs/pipewatch/pipe"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/verifier"
)

// maxExpiresAt is the contract's "no closure pending" sentinel, the largest
// Clarity uint.
const maxExpiresAt = "340282366920938463463374607431768211455"

// Config wires the core's collaborators and policy knobs.
type Config struct {
	Store    *store.Store
	Parser   *events.Parser
	Verifier verifier.Verifier
	Executor dispute.Executor

	// WatchedPrincipals restricts whose signature states are accepted. Empty
	// accepts any principal.
	WatchedPrincipals []string

	// DisputeOnlyBeneficial applies the beneficial-balance gate to every
	// dispute candidate, not only those flagged per state.
	DisputeOnlyBeneficial bool

	// Metrics is optional; dispute submissions are counted on it when set.
	Metrics *metrics.Metrics

	LogRawEvents bool
}

// Core owns the ingestion and signature-state orchestration. All persistence
// goes through the store; the core itself is stateless beyond configuration.
type Core struct {
	store    *store.Store
	parser   *events.Parser
	verifier verifier.Verifier
	executor dispute.Executor
	metrics  *metrics.Metrics

	// mu serializes every read-check-write sequence against the store. The
	// store's own mutex only covers single batches; the nonce-monotone check
	// and the per-trigger dispute idempotency check each span several store
	// calls, and HTTP handlers invoke the core concurrently.
	mu sync.Mutex

	watched               map[string]struct{}
	disputeOnlyBeneficial bool
	logRawEvents          bool
}

// New builds a core from its collaborators.
func New(cfg Config) *Core {
	watched := make(map[string]struct{}, len(cfg.WatchedPrincipals))
	for _, p := range cfg.WatchedPrincipals {
		p = strings.TrimSpace(p)
		if p != "" {
			watched[p] = struct{}{}
		}
	}
	return &Core{
		store:                 cfg.Store,
		parser:                cfg.Parser,
		verifier:              cfg.Verifier,
		executor:              cfg.Executor,
		metrics:               cfg.Metrics,
		watched:               watched,
		disputeOnlyBeneficial: cfg.DisputeOnlyBeneficial,
		logRawEvents:          cfg.LogRawEvents,
	}
}

// Store exposes the persistence layer for read-only collaborators.
func (c *Core) Store() *store.Store { return c.store }

// Verifier exposes the configured signature verifier.
func (c *Core) Verifier() verifier.Verifier { return c.verifier }

// Watched reports whether a principal passes the watchlist. An empty
// watchlist accepts everyone.
func (c *Core) Watched(principal string) bool {
	if len(c.watched) == 0 {
		return true
	}
	_, ok := c.watched[principal]
	return ok
}

// IngestResult summarizes one ingest call. Events carries the parsed events
// for in-process consumers and stays out of the JSON response.
type IngestResult struct {
	ObservedEvents int          `json:"observedEvents"`
	ActiveClosures int          `json:"activeClosures"`
	Events         []pipe.Event `json:"-"`
}

// Ingest parses a chain observer payload and applies every extracted pipe
// event in envelope order. Each event's mutations complete before the next
// event is handled.
func (c *Core) Ingest(ctx context.Context, raw []byte, source string) (*IngestResult, error) {
	if c.logRawEvents {
		log.Debugf("Ingesting %d bytes from %s", len(raw), source)
	}
	evs, err := c.parser.ParseJSON(raw)
	if err != nil {
		return nil, &IngestError{Err: err}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range evs {
		if err := c.applyEvent(ctx, &evs[i], source); err != nil {
			return nil, err
		}
	}
	closures, err := c.store.Closures()
	if err != nil {
		return nil, err
	}
	return &IngestResult{ObservedEvents: len(evs), ActiveClosures: len(closures), Events: evs}, nil
}

func (c *Core) applyEvent(ctx context.Context, ev *pipe.Event, source string) error {
	if err := c.store.AppendEvent(pipe.RecordedEvent{
		Event:      *ev,
		ObservedAt: time.Now().UTC(),
		Source:     source,
	}); err != nil {
		return err
	}
	if ev.Key == nil {
		log.Debugf("Event %s from %s carries no pipe key, recorded only", ev.EventName, ev.ContractID)
		return nil
	}
	pipeID := ev.Key.ID()

	switch ev.EventName {
	case "create-pipe", "fund-pipe", "deposit", "withdraw":
		if err := c.upsertObserved(ev, pipeID); err != nil {
			return err
		}
		// a live funding event reopens the pipe
		return c.store.DeleteClosure(pipeID)

	case "force-cancel", "force-close":
		if err := c.upsertObserved(ev, pipeID); err != nil {
			return err
		}
		closure := closureFromEvent(ev, pipeID)
		if err := c.store.PutClosure(closure); err != nil {
			return err
		}
		log.Infof("Closure opened on %s by %s (%s, expires %s)",
			pipeID, closure.Closer, ev.EventName, orNone(closure.ExpiresAt))
		return c.respondToClosure(ctx, &closure, ev)

	case "finalize", "dispute-closure", "close-pipe":
		if err := c.store.DeleteClosure(pipeID); err != nil {
			return err
		}
		if ev.Pipe == nil {
			return c.store.DeleteObservedPipe(pipe.StateID(ev.ContractID, pipeID))
		}
		return c.upsertObserved(ev, pipeID)

	default:
		return c.upsertObserved(ev, pipeID)
	}
}

func (c *Core) upsertObserved(ev *pipe.Event, pipeID string) error {
	if ev.Pipe == nil {
		return nil
	}
	return c.store.PutObservedPipe(pipe.ObservedPipe{
		StateID:     pipe.StateID(ev.ContractID, pipeID),
		ContractID:  ev.ContractID,
		Key:         *ev.Key,
		Pipe:        *ev.Pipe,
		EventName:   ev.EventName,
		TxID:        ev.TxID,
		BlockHeight: ev.BlockHeight,
		UpdatedAt:   time.Now().UTC(),
	})
}

func closureFromEvent(ev *pipe.Event, pipeID string) pipe.Closure {
	closure := pipe.Closure{
		PipeID:      pipeID,
		ContractID:  ev.ContractID,
		Key:         *ev.Key,
		Closer:      ev.Sender,
		EventName:   ev.EventName,
		TxID:        ev.TxID,
		BlockHeight: ev.BlockHeight,
		UpdatedAt:   time.Now().UTC(),
	}
	if ev.Pipe != nil {
		closure.Nonce = ev.Pipe.Nonce
		closure.ExpiresAt = normalizeExpiresAt(ev.Pipe.ExpiresAt)
		if ev.Pipe.Closer != "" {
			closure.Closer = ev.Pipe.Closer
		}
	}
	return closure
}

// normalizeExpiresAt maps the contract's sentinel maximum to "no expiry".
func normalizeExpiresAt(s string) string {
	n, err := pipe.ParseUnsigned(s)
	if err != nil {
		return ""
	}
	if n.Dec() == maxExpiresAt {
		return ""
	}
	return n.Dec()
}

// IngestBurnBlock deletes every closure whose expiry height has passed and
// records a synthetic expired-closure event for each. Closures without an
// expiry are left for a terminating chain event.
func (c *Core) IngestBurnBlock(burnHeight, source string) (int, error) {
	height, err := pipe.ParseUnsigned(burnHeight)
	if err != nil {
		return 0, validationErrorf("bad burn height %q", burnHeight)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	closures, err := c.store.Closures()
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, closure := range closures {
		if closure.ExpiresAt == "" {
			continue
		}
		if pipe.CompareUnsigned(closure.ExpiresAt, height.Dec()) >= 0 {
			continue
		}
		if err := c.store.DeleteClosure(closure.PipeID); err != nil {
			return expired, err
		}
		if err := c.store.AppendEvent(pipe.RecordedEvent{
			Event: pipe.Event{
				ContractID: closure.ContractID,
				Topic:      "print",
				EventName:  "expired-closure",
				Key:        &closure.Key,
			},
			ObservedAt: time.Now().UTC(),
			Source:     source,
		}); err != nil {
			return expired, err
		}
		expired++
		log.Infof("Closure on %s expired at burn height %s", closure.PipeID, height.Dec())
	}
	return expired, nil
}

// respondToClosure dispatches at most one dispute for the trigger: the
// highest-nonce held state that supersedes the closure, provided no attempt
// for this trigger exists yet.
func (c *Core) respondToClosure(ctx context.Context, closure *pipe.Closure, trigger *pipe.Event) error {
	attemptID := pipe.AttemptID(closure.ContractID, closure.PipeID, closure.TxID)
	existing, err := c.store.DisputeAttempt(attemptID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Debugf("Dispute for trigger %s already attempted", attemptID)
		return nil
	}
	best, err := c.bestDisputeCandidate(closure)
	if err != nil || best == nil {
		return err
	}

	attempt := pipe.DisputeAttempt{
		AttemptID:    attemptID,
		ContractID:   closure.ContractID,
		PipeID:       closure.PipeID,
		ForPrincipal: best.ForPrincipal,
		TriggerTxID:  closure.TxID,
		CreatedAt:    time.Now().UTC(),
	}
	txid, err := c.executor.SubmitDispute(ctx, &dispute.Request{
		State:   best,
		Closure: closure,
		Trigger: trigger,
	})
	if err != nil {
		attempt.Error = err.Error()
		log.Warnf("Dispute for %s failed: %v", closure.PipeID, err)
	} else {
		attempt.Success = true
		attempt.DisputeTxID = txid
		log.Infof("Dispute for %s submitted in %s (nonce %s beats %s)",
			closure.PipeID, txid, best.Nonce, closure.Nonce)
	}
	if c.metrics != nil {
		result := "submitted"
		if !attempt.Success {
			result = "failed"
		}
		c.metrics.Disputes.WithLabelValues(result).Inc()
	}
	return c.store.PutDisputeAttempt(attempt)
}

func (c *Core) bestDisputeCandidate(closure *pipe.Closure) (*pipe.SignatureState, error) {
	states, err := c.store.SignatureStates()
	if err != nil {
		return nil, err
	}
	var best *pipe.SignatureState
	for i := range states {
		cand := &states[i]
		if cand.ContractID != closure.ContractID || cand.ForPrincipal == closure.Closer {
			continue
		}
		key, err := cand.PipeKey()
		if err != nil || key.ID() != closure.PipeID {
			continue
		}
		if pipe.CompareUnsigned(cand.Nonce, closure.Nonce) <= 0 {
			continue
		}
		if cand.BeneficialOnly || c.disputeOnlyBeneficial {
			ok, err := c.disputeIsBeneficial(closure, cand, key)
			if err != nil {
				return nil, err
			}
			if !ok {
				log.Debugf("Skipping non-beneficial dispute candidate %s", cand.StateID)
				continue
			}
		}
		if best == nil || betterCandidate(cand, best) {
			best = cand
		}
	}
	return best, nil
}

func betterCandidate(a, b *pipe.SignatureState) bool {
	switch pipe.CompareUnsigned(a.Nonce, b.Nonce) {
	case 1:
		return true
	case -1:
		return false
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

// disputeIsBeneficial requires the candidate to pay forPrincipal strictly
// more than the observed closure snapshot would.
func (c *Core) disputeIsBeneficial(closure *pipe.Closure, cand *pipe.SignatureState, key pipe.Key) (bool, error) {
	observed, err := c.store.ObservedPipe(pipe.StateID(closure.ContractID, closure.PipeID))
	if err != nil {
		return false, err
	}
	if observed == nil {
		return false, nil
	}
	mine, _, ok := key.Orient(cand.ForPrincipal, observed.Pipe.Balance1, observed.Pipe.Balance2)
	if !ok {
		return false, nil
	}
	return pipe.CompareUnsigned(cand.MyBalance, mine) > 0, nil
}

// UpsertResult reports one signature-state submission.
type UpsertResult struct {
	Stored   bool                 `json:"stored"`
	Replaced bool                 `json:"replaced"`
	Reason   string               `json:"reason,omitempty"`
	State    *pipe.SignatureState `json:"state,omitempty"`
}

// UpsertSignatureState validates, verifies and persists a submitted state,
// keeping only the strictly highest nonce per state id. A stored state is
// immediately re-checked against any open closure for its pipe.
func (c *Core) UpsertSignatureState(ctx context.Context, input *pipe.SignatureState, skipVerification bool) (*UpsertResult, error) {
	key, err := c.canonicalize(input)
	if err != nil {
		return nil, err
	}
	if !c.Watched(input.ForPrincipal) {
		return nil, &PrincipalNotWatchedError{Principal: input.ForPrincipal}
	}
	if !skipVerification {
		res, err := c.verifier.VerifySignatureState(ctx, input)
		if err != nil {
			return nil, err
		}
		if !res.Valid {
			return nil, &SignatureValidationError{Reason: res.Reason}
		}
	}

	pipeID := key.ID()
	input.StateID = pipe.SignatureStateID(input.ContractID, pipeID, input.ForPrincipal)
	input.UpdatedAt = time.Now().UTC()

	// validation and verification stay outside the lock; the nonce check
	// through the closure recheck must not interleave with other writers
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.store.SignatureState(input.StateID)
	if err != nil {
		return nil, err
	}
	if existing != nil && pipe.CompareUnsigned(existing.Nonce, input.Nonce) >= 0 {
		return &UpsertResult{Reason: "nonce-too-low", State: existing}, nil
	}
	if err := c.store.PutSignatureState(*input); err != nil {
		return nil, err
	}
	log.Debugf("Stored signature state %s at nonce %s", input.StateID, input.Nonce)

	closure, err := c.store.Closure(pipeID)
	if err != nil {
		return nil, err
	}
	if closure != nil {
		if err := c.respondToClosure(ctx, closure, nil); err != nil {
			return nil, err
		}
	}
	return &UpsertResult{Stored: true, Replaced: existing != nil, State: input}, nil
}

// canonicalize validates the input shape and normalizes principals, token,
// signatures and numeric fields in place.
func (c *Core) canonicalize(input *pipe.SignatureState) (pipe.Key, error) {
	contract, err := clarity.ParsePrincipal(input.ContractID)
	if err != nil || !contract.IsContract() {
		return pipe.Key{}, validationErrorf("bad contract id %q", input.ContractID)
	}
	input.ContractID = contract.String()

	key, err := pipe.NewKey(input.Token, input.ForPrincipal, input.WithPrincipal)
	if err != nil {
		return pipe.Key{}, validationErrorf("bad pipe key: %v", err)
	}
	input.Token = key.Token

	forP, err := clarity.ParsePrincipal(input.ForPrincipal)
	if err != nil {
		return pipe.Key{}, validationErrorf("bad forPrincipal %q", input.ForPrincipal)
	}
	input.ForPrincipal = forP.String()
	withP, _ := clarity.ParsePrincipal(input.WithPrincipal)
	input.WithPrincipal = withP.String()

	if input.Actor == "" {
		return pipe.Key{}, validationErrorf("missing actor")
	}
	actor, err := clarity.ParsePrincipal(input.Actor)
	if err != nil {
		return pipe.Key{}, validationErrorf("bad actor %q", input.Actor)
	}
	input.Actor = actor.String()

	if !input.Action.Valid() {
		return pipe.Key{}, validationErrorf("bad action %d", input.Action)
	}
	if input.Amount == "" {
		input.Amount = "0"
	}
	for _, field := range []struct{ name, value string }{
		{"amount", input.Amount},
		{"myBalance", input.MyBalance},
		{"theirBalance", input.TheirBalance},
		{"nonce", input.Nonce},
	} {
		if !pipe.IsUnsigned(field.value) {
			return pipe.Key{}, validationErrorf("bad %s %q", field.name, field.value)
		}
	}
	if input.MySignature, err = pipe.NormalizeHex(input.MySignature, chain.RSVSignatureLen); err != nil {
		return pipe.Key{}, validationErrorf("bad mySignature: %v", err)
	}
	if input.TheirSignature, err = pipe.NormalizeHex(input.TheirSignature, chain.RSVSignatureLen); err != nil {
		return pipe.Key{}, validationErrorf("bad theirSignature: %v", err)
	}
	if input.Secret != "" {
		if input.Secret, err = pipe.NormalizeHex(input.Secret, 32); err != nil {
			return pipe.Key{}, validationErrorf("bad secret: %v", err)
		}
	}
	if input.ValidAfter != "" && !pipe.IsUnsigned(input.ValidAfter) {
		return pipe.Key{}, validationErrorf("bad validAfter %q", input.ValidAfter)
	}
	return key, nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
