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
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/dispute"
	"github.com/stackflow-labs/pipewatch/events"
	"github.com/stackflow-labs/pipewatch/metrics"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/verifier"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

func testPrincipal(fill byte) clarity.Principal {
	var hash [20]byte
	for i := range hash {
		hash[i] = fill
	}
	return clarity.NewPrincipal(clarity.VersionTestnetSingleSig, hash)
}

func testContract() clarity.Principal {
	contract := testPrincipal(0x55)
	contract.Contract = "stackflow-0-5-0"
	return contract
}

func newTestServer(t *testing.T, watched []string) *Server {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "watchtower.db"), 50)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := verifier.New(verifier.ModeAcceptAll, nil)
	require.NoError(t, err)
	exec, err := dispute.New(dispute.ModeMock, dispute.Config{})
	require.NoError(t, err)

	m := metrics.New()
	core := watchtower.New(watchtower.Config{
		Store:             s,
		Parser:            events.NewParser(nil),
		Verifier:          v,
		Executor:          exec,
		WatchedPrincipals: watched,
		Metrics:           m,
	})
	return New(Config{
		Host:    "127.0.0.1",
		Port:    0,
		Network: params.Devnet,
		Core:    core,
		Metrics: m,
	})
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var node map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &node), "body: %s", rec.Body.String())
	return rec.Code, node
}

func stateBody(forP, withP clarity.Principal, nonce, myBalance, theirBalance string) map[string]interface{} {
	return map[string]interface{}{
		"contractId":     testContract().String(),
		"forPrincipal":   forP.String(),
		"withPrincipal":  withP.String(),
		"myBalance":      myBalance,
		"theirBalance":   theirBalance,
		"mySignature":    strings.Repeat("11", 65),
		"theirSignature": strings.Repeat("22", 65),
		"nonce":          nonce,
		"action":         "1",
		"actor":          withP.String(),
	}
}

func blockBody(t *testing.T, eventName, txid string, sender, p1, p2 clarity.Principal, nonce, balance1, balance2, expiresAt uint64) map[string]interface{} {
	t.Helper()
	payload := clarity.Tuple{
		"event":  clarity.StringASCII(eventName),
		"sender": sender,
		"pipe-key": clarity.Tuple{
			"token":       clarity.Optional{},
			"principal-1": p1,
			"principal-2": p2,
		},
		"pipe": clarity.Tuple{
			"balance-1":  clarity.NewUInt(balance1),
			"balance-2":  clarity.NewUInt(balance2),
			"pending-1":  clarity.Optional{},
			"pending-2":  clarity.Optional{},
			"expires-at": clarity.NewUInt(expiresAt),
			"nonce":      clarity.NewUInt(nonce),
			"closer":     clarity.Optional{Inner: sender},
		},
	}
	hexStr, err := clarity.SerializeHex(payload)
	require.NoError(t, err)
	return map[string]interface{}{
		"block_height": 105,
		"events": []interface{}{
			map[string]interface{}{
				"txid":        txid,
				"event_index": 0,
				"contract_event": map[string]interface{}{
					"contract_identifier": testContract().String(),
					"topic":               "print",
					"raw_value":           hexStr,
				},
			},
		},
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, nil)
	code, node := doJSON(t, srv, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, node["ok"])
	require.Equal(t, "devnet", node["network"])
	counts := node["counts"].(map[string]interface{})
	require.Zero(t, counts["closures"])
	require.Zero(t, counts["signatureStates"])
}

func TestPostSignatureState(t *testing.T) {
	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	srv := newTestServer(t, nil)

	code, node := doJSON(t, srv, http.MethodPost, "/signature-states", stateBody(p1, p2, "5", "700", "300"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, node["stored"])
	require.Equal(t, false, node["replaced"])

	// an equal nonce is rejected but still answered 200
	code, node = doJSON(t, srv, http.MethodPost, "/signature-states", stateBody(p1, p2, "5", "800", "200"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, node["stored"])
	require.Equal(t, "nonce-too-low", node["reason"])

	code, node = doJSON(t, srv, http.MethodGet, "/signature-states", nil)
	require.Equal(t, http.StatusOK, code)
	states := node["signatureStates"].([]interface{})
	require.Len(t, states, 1)
	require.Equal(t, "5", states[0].(map[string]interface{})["nonce"])
}

func TestUnwatchedPrincipalForbidden(t *testing.T) {
	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	srv := newTestServer(t, []string{testPrincipal(0x09).String()})

	code, node := doJSON(t, srv, http.MethodPost, "/signature-states", stateBody(p1, p2, "5", "700", "300"))
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, false, node["ok"])
}

func TestPostSignatureStateBadBody(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/signature-states", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	body := stateBody(p1, p2, "5", "700", "300")
	body["action"] = "transfer" // must be numeric on the wire
	code, _ := doJSON(t, srv, http.MethodPost, "/signature-states", body)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestNewBlockAndClosures(t *testing.T) {
	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	srv := newTestServer(t, nil)

	code, node := doJSON(t, srv, http.MethodPost, "/signature-states", stateBody(p1, p2, "5", "900", "100"))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, node["stored"])

	code, node = doJSON(t, srv, http.MethodPost, "/new_block", blockBody(t, "force-cancel", "0xforce1", p2, p1, p2, 3, 500, 500, 120))
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), node["observedEvents"])
	require.Equal(t, float64(1), node["activeClosures"])

	code, node = doJSON(t, srv, http.MethodGet, "/closures", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, node["closures"].([]interface{}), 1)

	code, node = doJSON(t, srv, http.MethodGet, "/dispute-attempts", nil)
	require.Equal(t, http.StatusOK, code)
	attempts := node["disputeAttempts"].([]interface{})
	require.Len(t, attempts, 1)
	require.Equal(t, true, attempts[0].(map[string]interface{})["success"])
}

func TestNewBlockRejectsGarbage(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/new_block", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewBurnBlock(t *testing.T) {
	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	srv := newTestServer(t, nil)

	// no height at all is acknowledged and ignored
	code, node := doJSON(t, srv, http.MethodPost, "/new_burn_block", map[string]interface{}{})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, node["ignored"])

	_, node = doJSON(t, srv, http.MethodPost, "/new_block", blockBody(t, "force-cancel", "0xa", p2, p1, p2, 3, 500, 500, 120))
	require.Equal(t, float64(1), node["activeClosures"])

	code, node = doJSON(t, srv, http.MethodPost, "/new_burn_block", map[string]interface{}{"burn_block_height": 121})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(1), node["expiredClosures"])

	_, node = doJSON(t, srv, http.MethodGet, "/closures", nil)
	require.Empty(t, node["closures"].([]interface{}))
}

func TestEventsLimitKeepsNewest(t *testing.T) {
	p1 := testPrincipal(0x01)
	srv := newTestServer(t, nil)

	for i := byte(2); i < 6; i++ {
		p2 := testPrincipal(i)
		txid := fmt.Sprintf("0xfund%02d", i)
		code, _ := doJSON(t, srv, http.MethodPost, "/new_block", blockBody(t, "fund-pipe", txid, p1, p1, p2, 1, 100, 100, 120))
		require.Equal(t, http.StatusOK, code)
	}

	code, node := doJSON(t, srv, http.MethodGet, "/events", nil)
	require.Equal(t, http.StatusOK, code)
	evs := node["events"].([]interface{})
	require.Len(t, evs, 4)

	_, node = doJSON(t, srv, http.MethodGet, "/events?limit=1", nil)
	limited := node["events"].([]interface{})
	require.Len(t, limited, 1)
	require.Equal(t, evs[3], limited[0])
}

func TestPipesEndpoint(t *testing.T) {
	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	srv := newTestServer(t, nil)

	code, _ := doJSON(t, srv, http.MethodPost, "/new_block", blockBody(t, "fund-pipe", "0xfund", p1, p1, p2, 4, 1000, 1000, 120))
	require.Equal(t, http.StatusOK, code)

	code, node := doJSON(t, srv, http.MethodGet, "/pipes", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, node["pipes"].([]interface{}), 1)

	_, node = doJSON(t, srv, http.MethodGet, "/pipes?principal="+testPrincipal(0x09).String(), nil)
	require.Empty(t, node["pipes"].([]interface{}))
}

func TestCounterpartyUnavailableWithoutSigner(t *testing.T) {
	srv := newTestServer(t, nil)
	code, node := doJSON(t, srv, http.MethodPost, "/counterparty/transfer", map[string]interface{}{})
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, node["ok"])
}

func TestIgnoredObserverHooks(t *testing.T) {
	srv := newTestServer(t, nil)
	for _, path := range []string{"/new_mempool_tx", "/drop_mempool_tx", "/new_microblocks", "/attachments/new"} {
		code, node := doJSON(t, srv, http.MethodPost, path, map[string]interface{}{})
		require.Equal(t, http.StatusOK, code, path)
		require.Equal(t, true, node["ignored"], path)
	}
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	code, node := doJSON(t, srv, http.MethodGet, "/nope", nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, false, node["ok"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, nil)
	code, _ := doJSON(t, srv, http.MethodPost, "/health", nil)
	require.Equal(t, http.StatusMethodNotAllowed, code)
	code, _ = doJSON(t, srv, http.MethodGet, "/new_block", nil)
	require.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pipewatch_")
}

func TestEmbeddedUI(t *testing.T) {
	srv := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/app", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "pipewatch")

	req = httptest.NewRequest(http.MethodGet, "/app/missing.png", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
