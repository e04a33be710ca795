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
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/params"
)

// Wire constants for standard single-sig transactions.
const (
	authTypeStandard      = 0x04
	hashModeP2PKH         = 0x00
	keyEncodingCompressed = 0x00
	anchorModeAny         = 0x03
	postConditionAllow    = 0x01
	payloadContractCall   = 0x02
)

// ErrUnsigned is returned when serializing a transaction whose spending
// condition has not been signed yet.
var ErrUnsigned = errors.New("chain: transaction not signed")

// ContractCall is a standard single-signature contract-call transaction.
type ContractCall struct {
	Network  params.Network
	Contract clarity.Principal // must be a contract principal
	Function string
	Args     []clarity.Value

	Fee   uint64
	Nonce uint64

	signer    [20]byte
	signature [RSVSignatureLen]byte
	signed    bool
}

// NewContractCall builds an unsigned contract call.
func NewContractCall(network params.Network, contract clarity.Principal, function string, args []clarity.Value) (*ContractCall, error) {
	if !contract.IsContract() {
		return nil, fmt.Errorf("chain: %s is not a contract principal", contract)
	}
	if function == "" {
		return nil, errors.New("chain: empty function name")
	}
	return &ContractCall{Network: network, Contract: contract, Function: function, Args: args}, nil
}

// Sign computes the pre-sign sighash and attaches a recoverable signature
// from the key, fixing the signer hash to the key's address.
func (tx *ContractCall) Sign(priv *btcec.PrivateKey) error {
	tx.signer = Hash160(priv.PubKey().SerializeCompressed())

	initial, err := tx.initialSigHash()
	if err != nil {
		return err
	}
	pre := preSignSigHash(initial, authTypeStandard, tx.Fee, tx.Nonce)

	compact, err := btcecdsa.SignCompact(priv, pre[:], true)
	if err != nil {
		return err
	}
	// spending conditions carry signatures in v||r||s order
	tx.signature[0] = (compact[0] - compactHeaderBase) & 3
	copy(tx.signature[1:], compact[1:])
	tx.signed = true
	return nil
}

// Serialize returns the signed wire encoding.
func (tx *ContractCall) Serialize() ([]byte, error) {
	if !tx.signed {
		return nil, ErrUnsigned
	}
	return tx.serialize(tx.Fee, tx.Nonce, tx.signature)
}

// TxID returns the 0x-prefixed transaction id of the signed encoding.
func (tx *ContractCall) TxID() (string, error) {
	raw, err := tx.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha512.Sum512_256(raw)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// initialSigHash hashes the transaction with a cleared spending condition:
// zero fee, zero nonce, zero signature.
func (tx *ContractCall) initialSigHash() ([32]byte, error) {
	raw, err := tx.serialize(0, 0, [RSVSignatureLen]byte{})
	if err != nil {
		return [32]byte{}, err
	}
	return sha512.Sum512_256(raw), nil
}

func preSignSigHash(cur [32]byte, authType byte, fee, nonce uint64) [32]byte {
	pre := make([]byte, 0, 32+1+8+8)
	pre = append(pre, cur[:]...)
	pre = append(pre, authType)
	pre = binary.BigEndian.AppendUint64(pre, fee)
	pre = binary.BigEndian.AppendUint64(pre, nonce)
	return sha512.Sum512_256(pre)
}

func (tx *ContractCall) serialize(fee, nonce uint64, sig [RSVSignatureLen]byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(tx.Network.TransactionVersion())

	var chainID [4]byte
	binary.BigEndian.PutUint32(chainID[:], uint32(tx.Network.ChainID()))
	buf.Write(chainID[:])

	// standard auth, single-sig p2pkh spending condition
	buf.WriteByte(authTypeStandard)
	buf.WriteByte(hashModeP2PKH)
	buf.Write(tx.signer[:])
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], nonce)
	buf.Write(u64[:])
	binary.BigEndian.PutUint64(u64[:], fee)
	buf.Write(u64[:])
	buf.WriteByte(keyEncodingCompressed)
	buf.Write(sig[:])

	buf.WriteByte(anchorModeAny)
	buf.WriteByte(postConditionAllow)
	var count [4]byte // no post conditions
	buf.Write(count[:])

	buf.WriteByte(payloadContractCall)
	buf.WriteByte(tx.Contract.Version)
	buf.Write(tx.Contract.Hash[:])
	if err := writeLVString(&buf, tx.Contract.Contract); err != nil {
		return nil, err
	}
	if err := writeLVString(&buf, tx.Function); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(count[:], uint32(len(tx.Args)))
	buf.Write(count[:])
	for _, arg := range tx.Args {
		if err := arg.EncodeTo(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writeLVString(buf *bytes.Buffer, s string) error {
	if len(s) == 0 || len(s) > 128 {
		return fmt.Errorf("chain: name %q out of range", s)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}
