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

package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/pipe"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func testPrincipal(fill byte) string {
	var hash [20]byte
	for i := range hash {
		hash[i] = fill
	}
	return clarity.NewPrincipal(clarity.VersionTestnetSingleSig, hash).String()
}

func testState() *pipe.SignatureState {
	p1, p2 := testPrincipal(0x01), testPrincipal(0x02)
	return &pipe.SignatureState{
		ContractID:     testPrincipal(0x55) + ".stackflow-0-5-0",
		ForPrincipal:   p1,
		WithPrincipal:  p2,
		Amount:         "0",
		MyBalance:      "900",
		TheirBalance:   "100",
		MySignature:    strings.Repeat("11", 65),
		TheirSignature: strings.Repeat("22", 65),
		Nonce:          "5",
		Action:         pipe.ActionTransfer,
		Actor:          p2,
	}
}

func TestAcceptAllRejectAll(t *testing.T) {
	v, err := New(ModeAcceptAll, nil)
	require.NoError(t, err)
	res, err := v.VerifySignatureState(context.Background(), testState())
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Empty(t, res.Reason)

	v, err = New(ModeRejectAll, nil)
	require.NoError(t, err)
	res, err = v.VerifySignatureState(context.Background(), testState())
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "invalid-signature", res.Reason)
}

func TestNewValidation(t *testing.T) {
	_, err := New(ModeReadOnly, nil)
	require.Error(t, err)
	_, err = New(Mode("bogus"), nil)
	require.Error(t, err)
	require.False(t, Mode("bogus").Valid())
	require.True(t, ModeReadOnly.Valid())
}

func readonlyServer(t *testing.T, result clarity.Value) (*httptest.Server, *[]string) {
	t.Helper()
	var gotArgs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Sender    string   `json:"sender"`
			Arguments []string `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotArgs = body.Arguments
		hexStr, err := clarity.SerializeHex(result)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]interface{}{"okay": true, "result": hexStr})
	}))
	return srv, &gotArgs
}

func TestReadOnlyOk(t *testing.T) {
	srv, gotArgs := readonlyServer(t, clarity.Response{Ok: true, Inner: clarity.Bool(true)})
	defer srv.Close()

	v, err := New(ModeReadOnly, chain.NewClient(srv.URL))
	require.NoError(t, err)
	res, err := v.VerifySignatureState(context.Background(), testState())
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Len(t, *gotArgs, 12)
}

func TestReadOnlyErrCodeMapsToReason(t *testing.T) {
	srv, _ := readonlyServer(t, clarity.Response{Ok: false, Inner: clarity.NewUInt(101)})
	defer srv.Close()

	v, err := New(ModeReadOnly, chain.NewClient(srv.URL))
	require.NoError(t, err)
	res, err := v.VerifySignatureState(context.Background(), testState())
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "invalid-signature", res.Reason)
}

func TestReadOnlyUnexpectedResponse(t *testing.T) {
	srv, _ := readonlyServer(t, clarity.Bool(true))
	defer srv.Close()

	v, err := New(ModeReadOnly, chain.NewClient(srv.URL))
	require.NoError(t, err)
	res, err := v.VerifySignatureState(context.Background(), testState())
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "unexpected-readonly-response", res.Reason)
}

func TestRequestArgsCanonicalOrientation(t *testing.T) {
	// forPrincipal is principal-2 of the canonical pair, so balances swap
	state := testState()
	state.ForPrincipal, state.WithPrincipal = state.WithPrincipal, state.ForPrincipal

	args, err := RequestArgs(state)
	require.NoError(t, err)
	require.Equal(t, "100", args[5].(clarity.UInt).N.Dec()) // balance-1 = their side
	require.Equal(t, "900", args[6].(clarity.UInt).N.Dec()) // balance-2 = my side

	// flipped back: same canonical order, swapped sources
	args, err = RequestArgs(testState())
	require.NoError(t, err)
	require.Equal(t, "900", args[5].(clarity.UInt).N.Dec())
	require.Equal(t, "100", args[6].(clarity.UInt).N.Dec())
}

func TestReasonForCode(t *testing.T) {
	require.Equal(t, "nonce-too-low", reasonForCode("102"))
	require.Equal(t, "err-u999", reasonForCode("999"))
}
