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

package pipe

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Action is a signature-state transition kind, matching the contract's
// action codes.
type Action uint8

const (
	ActionClose    Action = 0
	ActionTransfer Action = 1
	ActionDeposit  Action = 2
	ActionWithdraw Action = 3
)

// Valid reports whether a is a known action code.
func (a Action) Valid() bool { return a <= ActionWithdraw }

func (a Action) String() string {
	switch a {
	case ActionClose:
		return "close"
	case ActionTransfer:
		return "transfer"
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("action-%d", uint8(a))
	}
}

// PendingDeposit is an unconfirmed deposit attached to one side of a pipe.
type PendingDeposit struct {
	Amount     string `json:"amount"`
	BurnHeight string `json:"burnHeight"`
}

// Snapshot is the last observed on-chain pipe state. Balances, nonce and
// heights are decimal strings; an empty ExpiresAt means no closure is
// pending.
type Snapshot struct {
	Balance1  string          `json:"balance-1"`
	Balance2  string          `json:"balance-2"`
	Pending1  *PendingDeposit `json:"pending-1,omitempty"`
	Pending2  *PendingDeposit `json:"pending-2,omitempty"`
	ExpiresAt string          `json:"expires-at,omitempty"`
	Nonce     string          `json:"nonce"`
	Closer    string          `json:"closer,omitempty"`
}

// Event is a normalized pipe print event.
type Event struct {
	ContractID  string    `json:"contractId"`
	Topic       string    `json:"topic"`
	TxID        string    `json:"txid,omitempty"`
	BlockHeight string    `json:"blockHeight,omitempty"`
	BlockHash   string    `json:"blockHash,omitempty"`
	EventIndex  string    `json:"eventIndex,omitempty"`
	EventName   string    `json:"event"`
	Sender      string    `json:"sender,omitempty"`
	Key         *Key      `json:"pipeKey,omitempty"`
	Pipe        *Snapshot `json:"pipe,omitempty"`
}

// RecordedEvent is an Event as retained in the recent-events ring.
type RecordedEvent struct {
	Event
	ObservedAt time.Time `json:"observedAt"`
	Source     string    `json:"source,omitempty"`
}

// ObservedPipe is a Snapshot with observation metadata, keyed by StateID.
type ObservedPipe struct {
	StateID     string    `json:"stateId"`
	ContractID  string    `json:"contractId"`
	Key         Key       `json:"pipeKey"`
	Pipe        Snapshot  `json:"pipe"`
	EventName   string    `json:"event,omitempty"`
	TxID        string    `json:"txid,omitempty"`
	BlockHeight string    `json:"blockHeight,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Closure records a pipe currently inside its closure waiting period, keyed
// by pipe id. An empty ExpiresAt means the trigger carried no expiry; such
// rows are never swept by burn-block advancement.
type Closure struct {
	PipeID      string    `json:"pipeId"`
	ContractID  string    `json:"contractId"`
	Key         Key       `json:"pipeKey"`
	Closer      string    `json:"closer,omitempty"`
	ExpiresAt   string    `json:"expiresAt,omitempty"`
	Nonce       string    `json:"nonce"`
	EventName   string    `json:"event"`
	TxID        string    `json:"txid,omitempty"`
	BlockHeight string    `json:"blockHeight,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SignatureState is an off-chain co-signed state held for one party, keyed by
// StateID (contract|pipe|forPrincipal). Balances are from ForPrincipal's
// perspective; signatures are 65-byte RSV hex.
type SignatureState struct {
	StateID        string    `json:"stateId"`
	ContractID     string    `json:"contractId"`
	ForPrincipal   string    `json:"forPrincipal"`
	WithPrincipal  string    `json:"withPrincipal"`
	Token          string    `json:"token,omitempty"`
	Amount         string    `json:"amount"`
	MyBalance      string    `json:"myBalance"`
	TheirBalance   string    `json:"theirBalance"`
	MySignature    string    `json:"mySignature"`
	TheirSignature string    `json:"theirSignature"`
	Nonce          string    `json:"nonce"`
	Action         Action    `json:"action"`
	Actor          string    `json:"actor"`
	Secret         string    `json:"secret,omitempty"`
	ValidAfter     string    `json:"validAfter,omitempty"`
	BeneficialOnly bool      `json:"beneficialOnly,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PipeKey derives the canonical key for the state.
func (s *SignatureState) PipeKey() (Key, error) {
	return NewKey(s.Token, s.ForPrincipal, s.WithPrincipal)
}

// DisputeAttempt records one dispute submission per closure trigger.
type DisputeAttempt struct {
	AttemptID    string    `json:"attemptId"`
	ContractID   string    `json:"contractId"`
	PipeID       string    `json:"pipeId"`
	ForPrincipal string    `json:"forPrincipal"`
	TriggerTxID  string    `json:"triggerTxid,omitempty"`
	Success      bool      `json:"success"`
	DisputeTxID  string    `json:"disputeTxid,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ParseUnsigned parses a non-negative decimal string within the Clarity
// 128-bit width.
func ParseUnsigned(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "u"))
	if s == "" {
		return nil, fmt.Errorf("pipe: empty unsigned value")
	}
	n, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("pipe: bad unsigned %q: %w", s, err)
	}
	if n.BitLen() > 128 {
		return nil, fmt.Errorf("pipe: %q exceeds 128 bits", s)
	}
	return n, nil
}

// IsUnsigned reports whether s parses as a Clarity uint.
func IsUnsigned(s string) bool {
	_, err := ParseUnsigned(s)
	return err == nil
}

// CompareUnsigned orders two decimal strings numerically. Unparseable values
// order below everything so a malformed nonce can never win a replacement.
func CompareUnsigned(a, b string) int {
	na, errA := ParseUnsigned(a)
	nb, errB := ParseUnsigned(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return na.Cmp(nb)
}

// NormalizeHex lowercases hex input and strips the 0x prefix, verifying it
// decodes to exactly byteLen bytes.
func NormalizeHex(s string, byteLen int) (string, error) {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("pipe: bad hex: %w", err)
	}
	if len(raw) != byteLen {
		return "", fmt.Errorf("pipe: got %d hex bytes, want %d", len(raw), byteLen)
	}
	return s, nil
}
