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

package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/stackflow-labs/pipewatch/cosigner"
	"github.com/stackflow-labs/pipewatch/pipe"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	snap, err := s.cfg.Core.Store().GetSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveClosures.Set(float64(len(snap.Closures)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"network": s.cfg.Network,
		"counts": map[string]int{
			"closures":        len(snap.Closures),
			"observedPipes":   len(snap.ObservedPipes),
			"signatureStates": len(snap.SignatureStates),
			"disputeAttempts": len(snap.DisputeAttempts),
			"recentEvents":    len(snap.RecentEvents),
		},
		"updatedAt": snap.UpdatedAt,
	})
}

func (s *Server) handleClosures(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	closures, err := s.cfg.Core.Store().Closures()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "closures": orEmpty(closures)})
}

func (s *Server) handleSignatureStates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		states, err := s.cfg.Core.Store().SignatureStates()
		if err != nil {
			s.writeError(w, err)
			return
		}
		limit := listLimit(r)
		if len(states) > limit {
			states = states[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "signatureStates": orEmpty(states)})

	case http.MethodPost:
		raw, err := readBody(w, r)
		if err != nil {
			return
		}
		state, err := decodeSignatureState(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		res, err := s.cfg.Core.UpsertSignatureState(r.Context(), state, false)
		if err != nil {
			s.countStateRejection(err)
			s.writeError(w, err)
			return
		}
		if s.cfg.Metrics != nil {
			if res.Stored {
				s.cfg.Metrics.StatesStored.Inc()
			} else {
				s.cfg.Metrics.StatesRejected.WithLabelValues(res.Reason).Inc()
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":       true,
			"stored":   res.Stored,
			"replaced": res.Replaced,
			"reason":   res.Reason,
			"state":    res.State,
		})

	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePipes(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	views, err := s.cfg.Core.Pipes(listLimit(r), strings.TrimSpace(r.URL.Query().Get("principal")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "pipes": orEmpty(views)})
}

func (s *Server) handleDisputeAttempts(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	attempts, err := s.cfg.Core.Store().DisputeAttempts()
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := listLimit(r)
	if len(attempts) > limit {
		attempts = attempts[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "disputeAttempts": orEmpty(attempts)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	events, err := s.cfg.Core.Store().RecentEvents()
	if err != nil {
		s.writeError(w, err)
		return
	}
	// the ring is oldest first; the limit keeps the newest entries
	if limit := listLimit(r); len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "events": orEmpty(events)})
}

func (s *Server) handleCounterpartyTransfer(w http.ResponseWriter, r *http.Request) {
	s.cosign(w, r, func(raw []byte) (*cosigner.Response, error) {
		return s.cfg.CoSigner.SignTransfer(r.Context(), raw)
	})
}

func (s *Server) handleCounterpartySignatureRequest(w http.ResponseWriter, r *http.Request) {
	s.cosign(w, r, func(raw []byte) (*cosigner.Response, error) {
		return s.cfg.CoSigner.SignSignatureRequest(r.Context(), raw)
	})
}

func (s *Server) cosign(w http.ResponseWriter, r *http.Request, sign func([]byte) (*cosigner.Response, error)) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.cfg.CoSigner == nil {
		s.writeError(w, &cosigner.CoSignerError{Msg: "signing not configured"})
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		return
	}
	resp, err := sign(raw)
	if s.cfg.Metrics != nil {
		result := "ok"
		if err != nil {
			result = "rejected"
		}
		s.cfg.Metrics.CosignRequests.WithLabelValues(result).Inc()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"request":     resp.Request,
		"mySignature": resp.MySignature,
		"upsert":      resp.Upsert,
	})
}

func (s *Server) handleNewBlock(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		return
	}
	res, err := s.cfg.Core.Ingest(r.Context(), raw, "new_block")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsIngested.Add(float64(res.ObservedEvents))
		s.cfg.Metrics.ActiveClosures.Set(float64(res.ActiveClosures))
	}
	s.hub.broadcast(res.Events)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"observedEvents": res.ObservedEvents,
		"activeClosures": res.ActiveClosures,
	})
}

func (s *Server) handleNewBurnBlock(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	raw, err := readBody(w, r)
	if err != nil {
		return
	}
	var node map[string]interface{}
	height := ""
	if json.Unmarshal(raw, &node) == nil {
		height = str(node, "burn_block_height", "burnBlockHeight", "height")
	}
	if height == "" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ignored": true})
		return
	}
	expired, err := s.cfg.Core.IngestBurnBlock(height, "new_burn_block")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BurnBlocks.Inc()
		s.cfg.Metrics.ClosuresExpired.Add(float64(expired))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "expiredClosures": expired})
}

func (s *Server) handleIgnored(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	io.Copy(io.Discard, r.Body)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ignored": true})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{"ok": false, "error": "not found"})
}

func (s *Server) countStateRejection(err error) {
	if s.cfg.Metrics == nil {
		return
	}
	reason := "invalid"
	var sigErr *watchtower.SignatureValidationError
	var watchErr *watchtower.PrincipalNotWatchedError
	switch {
	case errors.As(err, &sigErr):
		reason = "invalid-signature"
	case errors.As(err, &watchErr):
		reason = "not-watched"
	}
	s.cfg.Metrics.StatesRejected.WithLabelValues(reason).Inc()
}

// decodeSignatureState coerces the loosely typed POST body. Numbers may
// arrive as JSON numbers or strings.
func decodeSignatureState(raw []byte) (*pipe.SignatureState, error) {
	var node map[string]interface{}
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, &watchtower.ValidationError{Msg: "body is not JSON: " + err.Error()}
	}
	state := &pipe.SignatureState{
		ContractID:     str(node, "contractId", "contract"),
		ForPrincipal:   str(node, "forPrincipal", "for"),
		WithPrincipal:  str(node, "withPrincipal", "with"),
		Token:          str(node, "token"),
		Amount:         str(node, "amount"),
		MyBalance:      str(node, "myBalance", "my-balance"),
		TheirBalance:   str(node, "theirBalance", "their-balance"),
		MySignature:    str(node, "mySignature", "my-signature"),
		TheirSignature: str(node, "theirSignature", "their-signature"),
		Nonce:          str(node, "nonce"),
		Actor:          str(node, "actor"),
		Secret:         str(node, "secret"),
		ValidAfter:     str(node, "validAfter", "valid-after"),
	}
	if v, ok := node["beneficialOnly"].(bool); ok {
		state.BeneficialOnly = v
	}
	action := str(node, "action")
	n, err := strconv.ParseUint(action, 10, 8)
	if err != nil {
		return nil, &watchtower.ValidationError{Msg: "bad action " + strconv.Quote(action)}
	}
	state.Action = pipe.Action(n)
	if state.Actor == "" {
		state.Actor = state.WithPrincipal
	}
	return state, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{"ok": false, "error": err.Error()}

	var (
		vErr      *watchtower.ValidationError
		sigErr    *watchtower.SignatureValidationError
		watchErr  *watchtower.PrincipalNotWatchedError
		policyErr *watchtower.PolicyError
		ingestErr *watchtower.IngestError
		csErr     *cosigner.CoSignerError
		stErr     *store.Error
	)
	switch {
	case errors.As(err, &vErr):
		status = http.StatusBadRequest
	case errors.As(err, &ingestErr):
		status = http.StatusBadRequest
	case errors.As(err, &sigErr):
		status = http.StatusUnauthorized
		body["reason"] = sigErr.Reason
	case errors.As(err, &watchErr):
		status = http.StatusForbidden
	case errors.As(err, &policyErr):
		status = http.StatusConflict
		if policyErr.Forbidden {
			status = http.StatusForbidden
		}
		body["reason"] = policyErr.Reason
	case errors.As(err, &csErr):
		status = http.StatusServiceUnavailable
	case errors.As(err, &stErr):
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Writing response failed: %v", err)
	}
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		methodNotAllowed(w)
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"ok": false, "error": "method not allowed"})
}

// readBody drains the bounded body, reporting oversize payloads itself.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]interface{}{"ok": false, "error": "body too large"})
		return nil, err
	}
	return raw, nil
}

func listLimit(r *http.Request) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// orEmpty keeps empty lists rendering as [] instead of null.
func orEmpty[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
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
