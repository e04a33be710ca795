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

package sip018

import (
	"crypto/sha256"
	"testing"

	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stretchr/testify/require"
)

func TestHashValueMatchesSerialization(t *testing.T) {
	v := clarity.NewUInt(42)
	raw, err := clarity.Serialize(v)
	require.NoError(t, err)
	want := sha256.Sum256(raw)

	got, err := HashValue(v)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestDigestSeparatesDomains(t *testing.T) {
	msg := clarity.Tuple{"nonce": clarity.NewUInt(5)}

	mainnet := Domain("SP000000000000000000002Q6VF78.stackflow-0-5-0", "0.5.0", 1)
	testnet := Domain("SP000000000000000000002Q6VF78.stackflow-0-5-0", "0.5.0", 0x80000000)

	d1, err := Digest(mainnet, msg)
	require.NoError(t, err)
	d2, err := Digest(testnet, msg)
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	// same inputs, same digest
	d3, err := Digest(mainnet, msg)
	require.NoError(t, err)
	require.Equal(t, d1, d3)
}

func TestDigestPreimageLayout(t *testing.T) {
	domain := Domain("contract", "1", 1)
	msg := clarity.Tuple{"x": clarity.Bool(true)}

	dh, err := HashValue(domain)
	require.NoError(t, err)
	mh, err := HashValue(msg)
	require.NoError(t, err)

	pre := append(append(append([]byte{}, Prefix...), dh[:]...), mh[:]...)
	want := sha256.Sum256(pre)

	got, err := Digest(domain, msg)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
