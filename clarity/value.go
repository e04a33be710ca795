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

// Package clarity implements the Clarity value consensus codec used by the
// Stacks contract interfaces: typed values, their canonical binary
// serialization, c32check principal encoding and the unwrapping of
// Clarity-JSON representations emitted by chain observers.
package clarity

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/holiman/uint256"
)

// Consensus type tags, one byte on the wire.
const (
	tagInt               = 0x00
	tagUInt              = 0x01
	tagBuffer            = 0x02
	tagBoolTrue          = 0x03
	tagBoolFalse         = 0x04
	tagPrincipalStandard = 0x05
	tagPrincipalContract = 0x06
	tagResponseOk        = 0x07
	tagResponseErr       = 0x08
	tagOptionalNone      = 0x09
	tagOptionalSome      = 0x0a
	tagList              = 0x0b
	tagTuple             = 0x0c
	tagStringASCII       = 0x0d
	tagStringUTF8        = 0x0e
)

const (
	// maxNameLen is the Clarity limit on tuple keys and contract names.
	maxNameLen = 128

	// maxDepth bounds nesting during deserialization so a hostile payload
	// cannot exhaust the stack.
	maxDepth = 64
)

var (
	// ErrValueTooLarge is returned when an integer does not fit the
	// 128-bit Clarity width.
	ErrValueTooLarge = errors.New("clarity: value exceeds 128 bits")

	errTruncated = errors.New("clarity: truncated value")
	errBadTag    = errors.New("clarity: unknown type tag")
	errTooDeep   = errors.New("clarity: nesting too deep")
)

// Value is a decoded Clarity value. Implementations are the concrete value
// kinds below; all of them serialize through EncodeTo.
type Value interface {
	// EncodeTo appends the consensus serialization to buf.
	EncodeTo(buf *bytes.Buffer) error
}

// UInt is an unsigned 128-bit integer.
type UInt struct {
	N *uint256.Int
}

// Int is a signed 128-bit integer.
type Int struct {
	N *big.Int
}

// Buffer is an arbitrary byte string.
type Buffer []byte

// Bool is a Clarity boolean.
type Bool bool

// Response wraps an (ok ...) or (err ...) value.
type Response struct {
	Ok    bool
	Inner Value
}

// Optional wraps (some ...); a nil Inner denotes none.
type Optional struct {
	Inner Value
}

// List is an ordered sequence of values.
type List []Value

// Tuple maps names to values. Serialization orders keys lexicographically,
// matching the consensus rules.
type Tuple map[string]Value

// StringASCII is a Clarity (string-ascii ...) value.
type StringASCII string

// StringUTF8 is a Clarity (string-utf8 ...) value.
type StringUTF8 string

// NewUInt builds a UInt from a uint64.
func NewUInt(n uint64) UInt {
	return UInt{N: uint256.NewInt(n)}
}

// ParseUInt parses a decimal string into a UInt, enforcing the 128-bit width.
func ParseUInt(s string) (UInt, error) {
	n, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return UInt{}, fmt.Errorf("clarity: bad uint %q: %w", s, err)
	}
	if n.BitLen() > 128 {
		return UInt{}, ErrValueTooLarge
	}
	return UInt{N: n}, nil
}

func (v UInt) String() string { return v.N.Dec() }

// EncodeTo implements Value.
func (v UInt) EncodeTo(buf *bytes.Buffer) error {
	if v.N == nil || v.N.BitLen() > 128 {
		return ErrValueTooLarge
	}
	buf.WriteByte(tagUInt)
	b32 := v.N.Bytes32()
	buf.Write(b32[16:])
	return nil
}

// EncodeTo implements Value.
func (v Int) EncodeTo(buf *bytes.Buffer) error {
	if v.N == nil || v.N.BitLen() > 127 {
		return ErrValueTooLarge
	}
	buf.WriteByte(tagInt)
	var word [16]byte
	if v.N.Sign() >= 0 {
		v.N.FillBytes(word[:])
	} else {
		// two's complement of the magnitude
		twos := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(1), 128), v.N)
		twos.FillBytes(word[:])
	}
	buf.Write(word[:])
	return nil
}

// EncodeTo implements Value.
func (v Buffer) EncodeTo(buf *bytes.Buffer) error {
	buf.WriteByte(tagBuffer)
	writeLen32(buf, len(v))
	buf.Write(v)
	return nil
}

// EncodeTo implements Value.
func (v Bool) EncodeTo(buf *bytes.Buffer) error {
	if v {
		buf.WriteByte(tagBoolTrue)
	} else {
		buf.WriteByte(tagBoolFalse)
	}
	return nil
}

// EncodeTo implements Value.
func (v Response) EncodeTo(buf *bytes.Buffer) error {
	if v.Ok {
		buf.WriteByte(tagResponseOk)
	} else {
		buf.WriteByte(tagResponseErr)
	}
	if v.Inner == nil {
		return errors.New("clarity: response without inner value")
	}
	return v.Inner.EncodeTo(buf)
}

// EncodeTo implements Value.
func (v Optional) EncodeTo(buf *bytes.Buffer) error {
	if v.Inner == nil {
		buf.WriteByte(tagOptionalNone)
		return nil
	}
	buf.WriteByte(tagOptionalSome)
	return v.Inner.EncodeTo(buf)
}

// EncodeTo implements Value.
func (v List) EncodeTo(buf *bytes.Buffer) error {
	buf.WriteByte(tagList)
	writeLen32(buf, len(v))
	for _, item := range v {
		if err := item.EncodeTo(buf); err != nil {
			return err
		}
	}
	return nil
}

// EncodeTo implements Value.
func (v Tuple) EncodeTo(buf *bytes.Buffer) error {
	buf.WriteByte(tagTuple)
	writeLen32(buf, len(v))
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := writeName(buf, k); err != nil {
			return err
		}
		if err := v[k].EncodeTo(buf); err != nil {
			return err
		}
	}
	return nil
}

// EncodeTo implements Value.
func (v StringASCII) EncodeTo(buf *bytes.Buffer) error {
	for i := 0; i < len(v); i++ {
		if v[i] > 0x7f {
			return fmt.Errorf("clarity: non-ascii byte %#x in string-ascii", v[i])
		}
	}
	buf.WriteByte(tagStringASCII)
	writeLen32(buf, len(v))
	buf.WriteString(string(v))
	return nil
}

// EncodeTo implements Value.
func (v StringUTF8) EncodeTo(buf *bytes.Buffer) error {
	buf.WriteByte(tagStringUTF8)
	writeLen32(buf, len(v))
	buf.WriteString(string(v))
	return nil
}

// Serialize returns the consensus serialization of v.
func Serialize(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.EncodeTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SerializeHex returns the consensus serialization of v as 0x-prefixed hex.
func SerializeHex(v Value) (string, error) {
	b, err := Serialize(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// Deserialize decodes a single consensus-serialized value and requires the
// input to be fully consumed.
func Deserialize(data []byte) (Value, error) {
	r := bytes.NewReader(data)
	v, err := decode(r, 0)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("clarity: %d trailing bytes after value", r.Len())
	}
	return v, nil
}

// DeserializeHex decodes a hex-encoded consensus value, with or without the
// 0x prefix.
func DeserializeHex(s string) (Value, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("clarity: bad hex: %w", err)
	}
	return Deserialize(raw)
}

func decode(r *bytes.Reader, depth int) (Value, error) {
	if depth > maxDepth {
		return nil, errTooDeep
	}
	tag, err := r.ReadByte()
	if err != nil {
		return nil, errTruncated
	}
	switch tag {
	case tagInt:
		word, err := readN(r, 16)
		if err != nil {
			return nil, err
		}
		n := new(big.Int).SetBytes(word)
		if word[0]&0x80 != 0 {
			n.Sub(n, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		return Int{N: n}, nil
	case tagUInt:
		word, err := readN(r, 16)
		if err != nil {
			return nil, err
		}
		var b32 [32]byte
		copy(b32[16:], word)
		n := new(uint256.Int).SetBytes32(b32[:])
		return UInt{N: n}, nil
	case tagBuffer:
		n, err := readLen32(r)
		if err != nil {
			return nil, err
		}
		b, err := readN(r, n)
		if err != nil {
			return nil, err
		}
		return Buffer(b), nil
	case tagBoolTrue:
		return Bool(true), nil
	case tagBoolFalse:
		return Bool(false), nil
	case tagPrincipalStandard:
		return decodePrincipal(r, false)
	case tagPrincipalContract:
		return decodePrincipal(r, true)
	case tagResponseOk, tagResponseErr:
		inner, err := decode(r, depth+1)
		if err != nil {
			return nil, err
		}
		return Response{Ok: tag == tagResponseOk, Inner: inner}, nil
	case tagOptionalNone:
		return Optional{}, nil
	case tagOptionalSome:
		inner, err := decode(r, depth+1)
		if err != nil {
			return nil, err
		}
		return Optional{Inner: inner}, nil
	case tagList:
		n, err := readLen32(r)
		if err != nil {
			return nil, err
		}
		if n > r.Len() {
			return nil, errTruncated
		}
		list := make(List, 0, n)
		for i := 0; i < n; i++ {
			item, err := decode(r, depth+1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case tagTuple:
		n, err := readLen32(r)
		if err != nil {
			return nil, err
		}
		if n > r.Len() {
			return nil, errTruncated
		}
		tuple := make(Tuple, n)
		for i := 0; i < n; i++ {
			name, err := readName(r)
			if err != nil {
				return nil, err
			}
			item, err := decode(r, depth+1)
			if err != nil {
				return nil, err
			}
			tuple[name] = item
		}
		return tuple, nil
	case tagStringASCII:
		n, err := readLen32(r)
		if err != nil {
			return nil, err
		}
		b, err := readN(r, n)
		if err != nil {
			return nil, err
		}
		return StringASCII(b), nil
	case tagStringUTF8:
		n, err := readLen32(r)
		if err != nil {
			return nil, err
		}
		b, err := readN(r, n)
		if err != nil {
			return nil, err
		}
		return StringUTF8(b), nil
	default:
		return nil, errBadTag
	}
}

func decodePrincipal(r *bytes.Reader, contract bool) (Value, error) {
	version, err := r.ReadByte()
	if err != nil {
		return nil, errTruncated
	}
	hash, err := readN(r, 20)
	if err != nil {
		return nil, err
	}
	p := Principal{Version: version}
	copy(p.Hash[:], hash)
	if contract {
		name, err := readName(r)
		if err != nil {
			return nil, err
		}
		p.Contract = name
	}
	return p, nil
}

func writeLen32(buf *bytes.Buffer, n int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	buf.Write(b[:])
}

func readLen32(r *bytes.Reader) (int, error) {
	b, err := readN(r, 4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(b)), nil
}

func readN(r *bytes.Reader, n int) ([]byte, error) {
	if n < 0 || n > r.Len() {
		return nil, errTruncated
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, errTruncated
	}
	return b, nil
}

func writeName(buf *bytes.Buffer, name string) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return fmt.Errorf("clarity: bad name length %d", len(name))
	}
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
	return nil
}

func readName(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", errTruncated
	}
	if n == 0 || int(n) > maxNameLen {
		return "", fmt.Errorf("clarity: bad name length %d", n)
	}
	b, err := readN(r, int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
