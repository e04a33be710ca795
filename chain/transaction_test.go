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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/params"
)

func testContract(t *testing.T) clarity.Principal {
	t.Helper()
	var hash [20]byte
	hash[0] = 0x99
	return clarity.Principal{Version: clarity.VersionTestnetSingleSig, Hash: hash, Contract: "stackflow-0-5-0"}
}

func TestContractCallWireLayout(t *testing.T) {
	priv := testKey(t)
	tx, err := NewContractCall(params.Testnet, testContract(t), "dispute-closure-for", []clarity.Value{clarity.NewUInt(1)})
	require.NoError(t, err)
	tx.Fee = 3000
	tx.Nonce = 7
	require.NoError(t, tx.Sign(priv))

	raw, err := tx.Serialize()
	require.NoError(t, err)

	require.EqualValues(t, params.TestnetTransactionVersion, raw[0])
	require.EqualValues(t, params.TestnetChainID, binary.BigEndian.Uint32(raw[1:5]))
	require.EqualValues(t, authTypeStandard, raw[5])
	require.EqualValues(t, hashModeP2PKH, raw[6])
	signer := Hash160(priv.PubKey().SerializeCompressed())
	require.Equal(t, signer[:], raw[7:27])
	require.EqualValues(t, 7, binary.BigEndian.Uint64(raw[27:35]))
	require.EqualValues(t, 3000, binary.BigEndian.Uint64(raw[35:43]))
	require.EqualValues(t, keyEncodingCompressed, raw[43])
	// 65-byte signature, then anchor mode and post-condition framing
	require.EqualValues(t, anchorModeAny, raw[44+65])
	require.EqualValues(t, postConditionAllow, raw[44+66])
	require.EqualValues(t, payloadContractCall, raw[44+67+4])
}

func TestContractCallSignatureRecovers(t *testing.T) {
	priv := testKey(t)
	tx, err := NewContractCall(params.Testnet, testContract(t), "dispute-closure-for", nil)
	require.NoError(t, err)
	tx.Fee = 500
	tx.Nonce = 2
	require.NoError(t, tx.Sign(priv))

	initial, err := tx.initialSigHash()
	require.NoError(t, err)
	pre := preSignSigHash(initial, authTypeStandard, tx.Fee, tx.Nonce)

	rsv := make([]byte, RSVSignatureLen)
	copy(rsv[:64], tx.signature[1:])
	rsv[64] = tx.signature[0]
	pub, err := RecoverRSV(rsv, pre[:])
	require.NoError(t, err)
	require.Equal(t, priv.PubKey().SerializeCompressed(), pub.SerializeCompressed())
}

func TestContractCallTxIDStable(t *testing.T) {
	priv := testKey(t)
	tx, err := NewContractCall(params.Testnet, testContract(t), "finalize", nil)
	require.NoError(t, err)
	require.NoError(t, tx.Sign(priv))

	id1, err := tx.TxID()
	require.NoError(t, err)
	id2, err := tx.TxID()
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, id1, 2+64)

	_, err = (&ContractCall{Network: params.Testnet, Contract: testContract(t), Function: "f"}).Serialize()
	require.ErrorIs(t, err, ErrUnsigned)
}

func TestNewContractCallValidation(t *testing.T) {
	standard := clarity.NewPrincipal(clarity.VersionTestnetSingleSig, [20]byte{1})
	_, err := NewContractCall(params.Testnet, standard, "f", nil)
	require.Error(t, err)

	_, err = NewContractCall(params.Testnet, testContract(t), "", nil)
	require.Error(t, err)
}
