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
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"

	"github.com/stackflow-labs/pipewatch/clarity"
)

func testKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestParsePrivateKey(t *testing.T) {
	priv := testKey(t)
	raw := priv.Serialize()

	parsed, err := ParsePrivateKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, parsed.Serialize())

	// 33-byte form with compression marker
	parsed, err = ParsePrivateKey(hex.EncodeToString(append(raw, 0x01)))
	require.NoError(t, err)
	require.Equal(t, raw, parsed.Serialize())

	for _, bad := range []string{"", "ffff", hex.EncodeToString(append(raw, 0x02)), "zz"} {
		_, err := ParsePrivateKey(bad)
		require.ErrorIs(t, err, ErrBadPrivateKey, bad)
	}
}

func TestSignRecoverRoundTrip(t *testing.T) {
	priv := testKey(t)
	digest := sha256.Sum256([]byte("pipewatch"))

	sig, err := SignRSV(priv, digest[:])
	require.NoError(t, err)
	require.Len(t, sig, RSVSignatureLen)
	require.LessOrEqual(t, sig[64], byte(3))

	pub, err := RecoverRSV(sig, digest[:])
	require.NoError(t, err)
	require.Equal(t, priv.PubKey().SerializeCompressed(), pub.SerializeCompressed())

	// a flipped digest recovers a different key
	other := sha256.Sum256([]byte("tampered"))
	pub2, err := RecoverRSV(sig, other[:])
	if err == nil {
		require.NotEqual(t, pub.SerializeCompressed(), pub2.SerializeCompressed())
	}
}

func TestRSVToVRS(t *testing.T) {
	sig := make([]byte, RSVSignatureLen)
	for i := range sig {
		sig[i] = byte(i)
	}
	vrs, err := RSVToVRS(sig)
	require.NoError(t, err)
	require.Equal(t, byte(64), vrs[0])
	require.Equal(t, sig[:64], vrs[1:])

	_, err = RSVToVRS(sig[:64])
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestAddressFromPublicKey(t *testing.T) {
	priv := testKey(t)
	addr := AddressFromPublicKey(priv.PubKey(), clarity.VersionTestnetSingleSig)
	require.False(t, addr.IsContract())
	require.Equal(t, Hash160(priv.PubKey().SerializeCompressed()), addr.Hash)

	back, err := clarity.ParsePrincipal(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr, back)
}
