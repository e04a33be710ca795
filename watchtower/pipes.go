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

package watchtower

import (
	"sort"
	"time"

	"github.com/stackflow-labs/pipewatch/pipe"
)

// Pipe view sources.
const (
	SourceOnchain        = "onchain"
	SourceSignatureState = "signature-state"
)

// PipeView is one row of the merged pipes listing: either an observed
// on-chain snapshot or a held signature state, whichever is newer. Balances
// are in canonical principal order.
type PipeView struct {
	StateID    string    `json:"stateId"`
	ContractID string    `json:"contractId"`
	Key        pipe.Key  `json:"pipeKey"`
	Source     string    `json:"source"`
	Nonce      string    `json:"nonce"`
	Balance1   string    `json:"balance-1"`
	Balance2   string    `json:"balance-2"`
	ExpiresAt  string    `json:"expires-at,omitempty"`
	Closer     string    `json:"closer,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Pipes merges observed pipes and signature states per (contract, pipe):
// higher nonce wins, ties go to the later update, then to the on-chain row.
// Output is sorted by nonce descending then updatedAt descending; principal
// filters to pipes the principal participates in.
func (c *Core) Pipes(limit int, principal string) ([]PipeView, error) {
	merged := make(map[string]PipeView)

	observed, err := c.store.ObservedPipes()
	if err != nil {
		return nil, err
	}
	for _, o := range observed {
		view := PipeView{
			StateID:    o.StateID,
			ContractID: o.ContractID,
			Key:        o.Key,
			Source:     SourceOnchain,
			Nonce:      o.Pipe.Nonce,
			Balance1:   o.Pipe.Balance1,
			Balance2:   o.Pipe.Balance2,
			ExpiresAt:  normalizeExpiresAt(o.Pipe.ExpiresAt),
			Closer:     o.Pipe.Closer,
			UpdatedAt:  o.UpdatedAt,
		}
		mergeView(merged, pipe.StateID(o.ContractID, o.Key.ID()), view)
	}

	states, err := c.store.SignatureStates()
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		key, err := st.PipeKey()
		if err != nil {
			log.Warnf("Skipping signature state %s with bad key: %v", st.StateID, err)
			continue
		}
		view := PipeView{
			StateID:    pipe.StateID(st.ContractID, key.ID()),
			ContractID: st.ContractID,
			Key:        key,
			Source:     SourceSignatureState,
			Nonce:      st.Nonce,
			UpdatedAt:  st.UpdatedAt,
		}
		if st.ForPrincipal == key.Principal1 {
			view.Balance1, view.Balance2 = st.MyBalance, st.TheirBalance
		} else {
			view.Balance1, view.Balance2 = st.TheirBalance, st.MyBalance
		}
		mergeView(merged, view.StateID, view)
	}

	out := make([]PipeView, 0, len(merged))
	for _, view := range merged {
		if principal != "" && view.Key.Principal1 != principal && view.Key.Principal2 != principal {
			continue
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool {
		switch pipe.CompareUnsigned(out[i].Nonce, out[j].Nonce) {
		case 1:
			return true
		case -1:
			return false
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func mergeView(merged map[string]PipeView, id string, view PipeView) {
	cur, ok := merged[id]
	if !ok {
		merged[id] = view
		return
	}
	switch pipe.CompareUnsigned(view.Nonce, cur.Nonce) {
	case 1:
		merged[id] = view
	case 0:
		if view.UpdatedAt.After(cur.UpdatedAt) ||
			(!cur.UpdatedAt.After(view.UpdatedAt) && view.Source == SourceOnchain) {
			merged[id] = view
		}
	}
}
