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

package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/clarity"
)

func TestCallReadOnly(t *testing.T) {
	okHex, err := clarity.SerializeHex(clarity.Response{Ok: true, Inner: clarity.Bool(true)})
	require.NoError(t, err)

	var gotPath string
	var gotBody callReadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(callReadResponse{Okay: true, Result: okHex})
	}))
	defer srv.Close()

	contract := testContract(t)
	client := NewClient(srv.URL)
	result, err := client.CallReadOnly(context.Background(), contract, "verify-signature-request", "SP000000000000000000002Q6VF78", []clarity.Value{clarity.NewUInt(5)})
	require.NoError(t, err)

	resp, ok := result.(clarity.Response)
	require.True(t, ok)
	require.True(t, resp.Ok)

	addr := clarity.NewPrincipal(contract.Version, contract.Hash).String()
	require.Equal(t, "/v2/contracts/call-read/"+addr+"/stackflow-0-5-0/verify-signature-request", gotPath)
	require.Equal(t, "SP000000000000000000002Q6VF78", gotBody.Sender)
	require.Len(t, gotBody.Arguments, 1)
}

func TestCallReadOnlyFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(callReadResponse{Okay: false, Cause: "Unchecked(NoSuchContract)"})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).CallReadOnly(context.Background(), testContract(t), "f", "SP000000000000000000002Q6VF78", nil)
	require.ErrorContains(t, err, "NoSuchContract")
}

func TestAccountNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "0", r.URL.Query().Get("proof"))
		w.Write([]byte(`{"balance":"0x00","nonce":41}`))
	}))
	defer srv.Close()

	nonce, err := NewClient(srv.URL).AccountNonce(context.Background(), "SP000000000000000000002Q6VF78")
	require.NoError(t, err)
	require.EqualValues(t, 41, nonce)
}

func TestBroadcast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		w.Write([]byte(`"deadbeef"`))
	}))
	defer srv.Close()

	txid, err := NewClient(srv.URL).Broadcast(context.Background(), []byte{0x80})
	require.NoError(t, err)
	require.Equal(t, "0xdeadbeef", txid)
}

func TestBroadcastRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"transaction rejected","reason":"BadNonce"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Broadcast(context.Background(), []byte{0x80})
	require.ErrorContains(t, err, "BadNonce")
}
