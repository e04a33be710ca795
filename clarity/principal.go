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
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Stacks address version bytes.
const (
	VersionMainnetSingleSig = 22 // P
	VersionMainnetMultiSig  = 20 // M
	VersionTestnetSingleSig = 26 // T
	VersionTestnetMultiSig  = 21 // N
)

var (
	// ErrBadPrincipal is returned for principals that fail c32check
	// decoding or carry a malformed contract name.
	ErrBadPrincipal = errors.New("clarity: invalid principal")
)

// Principal is a standard or contract principal. A standard principal has an
// empty Contract.
type Principal struct {
	Version  byte
	Hash     [20]byte
	Contract string
}

// ParsePrincipal parses "SP..." or "SP....contract-name".
func ParsePrincipal(s string) (Principal, error) {
	s = strings.TrimSpace(s)
	addr := s
	contract := ""
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		addr, contract = s[:dot], s[dot+1:]
		if !validContractName(contract) {
			return Principal{}, fmt.Errorf("%w: bad contract name %q", ErrBadPrincipal, contract)
		}
	}
	if len(addr) < 7 || (addr[0] != 'S' && addr[0] != 's') {
		return Principal{}, fmt.Errorf("%w: %q", ErrBadPrincipal, s)
	}
	verChar := byte(strings.ToUpper(addr)[1])
	if verChar >= 128 || c32Reverse[verChar] < 0 {
		return Principal{}, fmt.Errorf("%w: bad version char in %q", ErrBadPrincipal, s)
	}
	version := byte(c32Reverse[verChar])
	payload, err := c32Decode(addr[2:], 24)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %q", ErrBadPrincipal, s)
	}
	var p Principal
	p.Version = version
	copy(p.Hash[:], payload[:20])
	p.Contract = contract
	sum := c32Checksum(version, payload[:20])
	if !bytes.Equal(sum[:], payload[20:]) {
		return Principal{}, fmt.Errorf("%w: checksum mismatch in %q", ErrBadPrincipal, s)
	}
	return p, nil
}

// NewPrincipal builds a standard principal from a version byte and hash160.
func NewPrincipal(version byte, hash [20]byte) Principal {
	return Principal{Version: version, Hash: hash}
}

// String renders the c32check form, including the contract suffix when set.
func (p Principal) String() string {
	sum := c32Checksum(p.Version, p.Hash[:])
	payload := make([]byte, 0, 24)
	payload = append(payload, p.Hash[:]...)
	payload = append(payload, sum[:]...)
	s := "S" + string(c32Alphabet[p.Version]) + c32Encode(payload)
	if p.Contract != "" {
		s += "." + p.Contract
	}
	return s
}

// IsContract reports whether p names a contract.
func (p Principal) IsContract() bool { return p.Contract != "" }

// ConsensusBytes returns the principal data serialization (without the value
// type tag): version, hash160 and, for contracts, the length-prefixed name.
// Canonical pipe-key ordering compares these bytes.
func (p Principal) ConsensusBytes() []byte {
	out := make([]byte, 0, 22+len(p.Contract))
	out = append(out, p.Version)
	out = append(out, p.Hash[:]...)
	if p.Contract != "" {
		out = append(out, byte(len(p.Contract)))
		out = append(out, p.Contract...)
	}
	return out
}

// Compare orders principals by their consensus serialization.
func (p Principal) Compare(other Principal) int {
	return bytes.Compare(p.ConsensusBytes(), other.ConsensusBytes())
}

// EncodeTo implements Value.
func (p Principal) EncodeTo(buf *bytes.Buffer) error {
	if p.Contract == "" {
		buf.WriteByte(tagPrincipalStandard)
		buf.WriteByte(p.Version)
		buf.Write(p.Hash[:])
		return nil
	}
	if !validContractName(p.Contract) {
		return fmt.Errorf("%w: bad contract name %q", ErrBadPrincipal, p.Contract)
	}
	buf.WriteByte(tagPrincipalContract)
	buf.WriteByte(p.Version)
	buf.Write(p.Hash[:])
	return writeName(buf, p.Contract)
}

func validContractName(name string) bool {
	if len(name) == 0 || len(name) > maxNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
		if !ok || (i == 0 && c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
