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

package clarity

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// Crockford-style alphabet used by c32check; excludes I, L, O and U.
const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var c32Reverse = func() [128]int8 {
	var m [128]int8
	for i := range m {
		m[i] = -1
	}
	for i := 0; i < len(c32Alphabet); i++ {
		m[c32Alphabet[i]] = int8(i)
	}
	// accepted homoglyphs
	m['O'] = 0
	m['L'] = 1
	m['I'] = 1
	return m
}()

var errBadC32 = errors.New("clarity: invalid c32 character")

// c32Encode encodes data as a big-endian c32 string. One leading zero byte of
// input maps to one leading '0' digit, mirroring the reference encoder.
func c32Encode(data []byte) string {
	out := make([]byte, 0, (len(data)*8+4)/5+1)
	carry := uint(0)
	carryBits := uint(0)
	for i := len(data) - 1; i >= 0; i-- {
		carry |= uint(data[i]) << carryBits
		carryBits += 8
		for carryBits >= 5 {
			out = append(out, c32Alphabet[carry&0x1f])
			carry >>= 5
			carryBits -= 5
		}
	}
	if carryBits > 0 {
		out = append(out, c32Alphabet[carry&0x1f])
	}
	// out holds least significant digit first; drop redundant high zeros
	for len(out) > 0 && out[len(out)-1] == '0' {
		out = out[:len(out)-1]
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}
	if len(out) == 0 {
		out = append(out, '0')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// c32Decode decodes a c32 string into exactly outLen bytes, restoring the
// leading zero bytes the encoder compressed away.
func c32Decode(s string, outLen int) ([]byte, error) {
	s = strings.ToUpper(s)
	out := make([]byte, 0, outLen)
	carry := uint(0)
	carryBits := uint(0)
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c >= 128 || c32Reverse[c] < 0 {
			return nil, errBadC32
		}
		carry |= uint(c32Reverse[c]) << carryBits
		carryBits += 5
		for carryBits >= 8 {
			out = append(out, byte(carry))
			carry >>= 8
			carryBits -= 8
		}
	}
	if carry != 0 {
		out = append(out, byte(carry))
	}
	for len(out) > outLen && out[len(out)-1] == 0 {
		out = out[:len(out)-1]
	}
	if len(out) > outLen {
		return nil, fmt.Errorf("clarity: c32 payload longer than %d bytes", outLen)
	}
	for len(out) < outLen {
		out = append(out, 0)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// c32Checksum is the 4-byte double-sha256 checksum over version||data.
func c32Checksum(version byte, data []byte) [4]byte {
	first := sha256.Sum256(append([]byte{version}, data...))
	second := sha256.Sum256(first[:])
	var sum [4]byte
	copy(sum[:], second[:4])
	return sum
}
