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

package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/clarity"
)

func principal(fill byte) clarity.Principal {
	var hash [20]byte
	for i := range hash {
		hash[i] = fill
	}
	return clarity.NewPrincipal(clarity.VersionTestnetSingleSig, hash)
}

func printEventHex(t *testing.T, eventName string, sender clarity.Principal, p1, p2 clarity.Principal, nonce uint64) string {
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
			"balance-1":  clarity.NewUInt(500),
			"balance-2":  clarity.NewUInt(500),
			"pending-1":  clarity.Optional{},
			"pending-2":  clarity.Optional{},
			"expires-at": clarity.NewUInt(120),
			"nonce":      clarity.NewUInt(nonce),
			"closer":     clarity.Optional{Inner: sender},
		},
	}
	hexStr, err := clarity.SerializeHex(payload)
	require.NoError(t, err)
	return hexStr
}

func newBlockEnvelope(contractID, txid, rawValue string) map[string]interface{} {
	return map[string]interface{}{
		"block_height": float64(105),
		"block_hash":   "0xblock",
		"events": []interface{}{
			map[string]interface{}{
				"txid":        txid,
				"event_index": float64(2),
				"type":        "contract_event",
				"contract_event": map[string]interface{}{
					"contract_identifier": contractID,
					"topic":               "print",
					"raw_value":           rawValue,
				},
			},
		},
	}
}

func TestParseNewBlockEnvelope(t *testing.T) {
	contract := principal(0x55)
	contract.Contract = "stackflow-0-5-0"
	p1, p2 := principal(0x01), principal(0x02)
	raw := printEventHex(t, "force-cancel", p2, p1, p2, 3)

	parser := NewParser(nil)
	got := parser.Parse(newBlockEnvelope(contract.String(), "0xforce1", raw))
	require.Len(t, got, 1)

	ev := got[0]
	require.Equal(t, contract.String(), ev.ContractID)
	require.Equal(t, "print", ev.Topic)
	require.Equal(t, "force-cancel", ev.EventName)
	require.Equal(t, p2.String(), ev.Sender)
	require.Equal(t, "0xforce1", ev.TxID)
	require.Equal(t, "105", ev.BlockHeight)
	require.Equal(t, "2", ev.EventIndex)
	require.NotNil(t, ev.Key)
	require.Equal(t, p1.String(), ev.Key.Principal1)
	require.NotNil(t, ev.Pipe)
	require.Equal(t, "500", ev.Pipe.Balance1)
	require.Equal(t, "120", ev.Pipe.ExpiresAt)
	require.Equal(t, "3", ev.Pipe.Nonce)
	require.Equal(t, p2.String(), ev.Pipe.Closer)
	require.Nil(t, ev.Pipe.Pending1)
}

func TestParseDeduplicates(t *testing.T) {
	contract := principal(0x55)
	contract.Contract = "stackflow-0-5-0"
	raw := printEventHex(t, "deposit", principal(0x01), principal(0x01), principal(0x02), 4)

	env := newBlockEnvelope(contract.String(), "0xtx", raw)
	env["events"] = append(env["events"].([]interface{}), env["events"].([]interface{})[0])

	got := NewParser(nil).Parse(env)
	require.Len(t, got, 1)
}

func TestParseWatchedContractFilter(t *testing.T) {
	contract := principal(0x55)
	contract.Contract = "stackflow-0-5-0"
	other := principal(0x66)
	other.Contract = "unrelated"
	raw := printEventHex(t, "deposit", principal(0x01), principal(0x01), principal(0x02), 4)

	// explicit watch set: only the listed contract passes
	parser := NewParser([]string{contract.String()})
	require.Len(t, parser.Parse(newBlockEnvelope(contract.String(), "0xa", raw)), 1)
	require.Empty(t, parser.Parse(newBlockEnvelope(other.String(), "0xb", raw)))

	// empty watch set: family suffix pattern decides
	parser = NewParser(nil)
	require.Empty(t, parser.Parse(newBlockEnvelope(other.String(), "0xc", raw)))
}

func TestParseSkipsMalformed(t *testing.T) {
	contract := principal(0x55)
	contract.Contract = "stackflow-0-5-0"

	for _, raw := range []string{"0xzznothex", "0x01ffff", ""} {
		got := NewParser(nil).Parse(newBlockEnvelope(contract.String(), "0xtx", raw))
		require.Empty(t, got, raw)
	}
}

func TestParseHexReprVariant(t *testing.T) {
	contract := principal(0x55)
	contract.Contract = "stackflow-0-5-0"
	raw := printEventHex(t, "close-pipe", principal(0x01), principal(0x01), principal(0x02), 9)

	env := newBlockEnvelope(contract.String(), "0xtx", "")
	events := env["events"].([]interface{})
	inner := events[0].(map[string]interface{})["contract_event"].(map[string]interface{})
	delete(inner, "raw_value")
	inner["value"] = map[string]interface{}{"hex": raw, "repr": "(tuple ...)"}

	got := NewParser(nil).Parse(env)
	require.Len(t, got, 1)
	require.Equal(t, "close-pipe", got[0].EventName)
}

func TestParseJSONRejectsGarbage(t *testing.T) {
	_, err := NewParser(nil).ParseJSON([]byte("not json"))
	require.Error(t, err)

	got, err := NewParser(nil).ParseJSON([]byte(`{"events":[]}`))
	require.NoError(t, err)
	require.Empty(t, got)
}
