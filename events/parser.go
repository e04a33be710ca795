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

// Package events extracts normalized pipe events from chain observer
// payloads. The observer envelope format drifted across node versions, so
// extraction walks the whole payload tree instead of trusting one shape.
package events

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stackflow-labs/pipewatch/clarity"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/pipe"
)

// Parser locates and decodes contract print events for the watched contract
// set. A zero watch set falls back to the protocol contract family suffix.
type Parser struct {
	watched map[string]struct{}
}

// NewParser builds a parser for the given watched contract ids.
func NewParser(watchedContracts []string) *Parser {
	watched := make(map[string]struct{}, len(watchedContracts))
	for _, c := range watchedContracts {
		c = strings.TrimSpace(c)
		if c != "" {
			watched[c] = struct{}{}
		}
	}
	return &Parser{watched: watched}
}

// ParseJSON decodes a raw JSON payload and extracts its pipe events.
func (p *Parser) ParseJSON(raw []byte) ([]pipe.Event, error) {
	var payload interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("events: payload is not JSON: %w", err)
	}
	return p.Parse(payload), nil
}

// Parse walks payload breadth-first, decoding every candidate contract event
// that passes the watch filter. Malformed candidates are skipped; the result
// is deduplicated and in envelope order.
func (p *Parser) Parse(payload interface{}) []pipe.Event {
	type item struct {
		node interface{}
		ctx  envelopeCtx
	}
	var out []pipe.Event
	seen := make(map[string]struct{})
	queue := []item{{node: payload}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		switch node := cur.node.(type) {
		case map[string]interface{}:
			ctx := cur.ctx
			ctx.update(node)
			if ev, ok := p.tryDecode(node, ctx); ok {
				key := dedupeKey(ev)
				if _, dup := seen[key]; !dup {
					seen[key] = struct{}{}
					out = append(out, ev)
				}
			}
			for _, child := range node {
				switch child.(type) {
				case map[string]interface{}, []interface{}:
					queue = append(queue, item{node: child, ctx: ctx})
				}
			}
		case []interface{}:
			for _, child := range node {
				queue = append(queue, item{node: child, ctx: cur.ctx})
			}
		}
	}
	return out
}

// envelopeCtx carries transaction metadata inherited from enclosing envelope
// nodes down to the contract event that lacks it.
type envelopeCtx struct {
	txid        string
	blockHeight string
	blockHash   string
	eventIndex  string
	sender      string
}

func (c *envelopeCtx) update(node map[string]interface{}) {
	if v := firstString(node, "txid", "tx_id", "transaction_id"); v != "" {
		c.txid = v
	}
	if v := firstString(node, "block_height", "blockHeight"); v != "" {
		c.blockHeight = v
	}
	if v := firstString(node, "block_hash", "blockHash", "index_block_hash"); v != "" {
		c.blockHash = v
	}
	if v := firstString(node, "event_index", "eventIndex"); v != "" {
		c.eventIndex = v
	}
	if v := firstString(node, "tx_sender", "sender_address"); v != "" {
		c.sender = v
	}
}

// tryDecode treats node as a candidate contract event and attempts the full
// decode. It reports false for non-candidates and for candidates that fail
// to decode; extraction is best effort by design.
func (p *Parser) tryDecode(node map[string]interface{}, ctx envelopeCtx) (pipe.Event, bool) {
	contractID := firstString(node, "contract_identifier", "contract_id", "contractId")
	if contractID == "" || !p.watchedContract(contractID) {
		return pipe.Event{}, false
	}
	if topic := firstString(node, "topic"); topic != "" && topic != "print" {
		return pipe.Event{}, false
	}
	decoded, ok := decodeClarityPayload(node)
	if !ok {
		return pipe.Event{}, false
	}

	ev := pipe.Event{
		ContractID:  contractID,
		Topic:       "print",
		TxID:        ctx.txid,
		BlockHeight: ctx.blockHeight,
		BlockHash:   ctx.blockHash,
		EventIndex:  ctx.eventIndex,
		EventName:   firstString(decoded, "event"),
		Sender:      firstString(decoded, "sender"),
	}
	if ev.Sender == "" {
		ev.Sender = ctx.sender
	}
	if ev.EventName == "" {
		return pipe.Event{}, false
	}
	if keyNode, ok := decoded["pipe-key"].(map[string]interface{}); ok {
		if key, err := normalizeKey(keyNode); err == nil {
			ev.Key = &key
		} else {
			log.Debugf("Dropping malformed pipe-key in %s event: %v", ev.EventName, err)
		}
	}
	if pipeNode, ok := decoded["pipe"].(map[string]interface{}); ok {
		snapshot := normalizeSnapshot(pipeNode)
		ev.Pipe = &snapshot
	}
	return ev, true
}

func (p *Parser) watchedContract(contractID string) bool {
	if len(p.watched) > 0 {
		_, ok := p.watched[contractID]
		return ok
	}
	return strings.Contains(contractID, params.DefaultContractSuffix)
}

// decodeClarityPayload extracts the Clarity tuple from a candidate node,
// accepting consensus hex under raw_value/rawValue/value (including the
// {hex,repr} sub-object newer nodes emit) as well as pre-decoded
// Clarity-JSON.
func decodeClarityPayload(node map[string]interface{}) (map[string]interface{}, bool) {
	for _, key := range []string{"raw_value", "rawValue", "value"} {
		raw, ok := node[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			value, err := clarity.DeserializeHex(v)
			if err != nil {
				log.Tracef("Skipping undecodable %s: %v", key, err)
				continue
			}
			if m, ok := clarity.ToPlain(value).(map[string]interface{}); ok {
				return m, true
			}
		case map[string]interface{}:
			if hexStr, ok := v["hex"].(string); ok {
				if value, err := clarity.DeserializeHex(hexStr); err == nil {
					if m, ok := clarity.ToPlain(value).(map[string]interface{}); ok {
						return m, true
					}
				}
				continue
			}
			if m, ok := clarity.UnwrapJSON(v).(map[string]interface{}); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func normalizeKey(node map[string]interface{}) (pipe.Key, error) {
	token := firstString(node, "token")
	p1 := firstString(node, "principal-1", "principal1")
	p2 := firstString(node, "principal-2", "principal2")
	if p1 == "" || p2 == "" {
		return pipe.Key{}, fmt.Errorf("events: missing principals")
	}
	return pipe.NewKey(token, p1, p2)
}

func normalizeSnapshot(node map[string]interface{}) pipe.Snapshot {
	snapshot := pipe.Snapshot{
		Balance1:  firstString(node, "balance-1", "balance1"),
		Balance2:  firstString(node, "balance-2", "balance2"),
		ExpiresAt: firstString(node, "expires-at", "expiresAt"),
		Nonce:     firstString(node, "nonce"),
		Closer:    firstString(node, "closer"),
	}
	snapshot.Pending1 = normalizePending(node, "pending-1", "pending1")
	snapshot.Pending2 = normalizePending(node, "pending-2", "pending2")
	return snapshot
}

func normalizePending(node map[string]interface{}, names ...string) *pipe.PendingDeposit {
	for _, name := range names {
		sub, ok := node[name].(map[string]interface{})
		if !ok {
			continue
		}
		amount := firstString(sub, "amount")
		if amount == "" {
			continue
		}
		return &pipe.PendingDeposit{
			Amount:     amount,
			BurnHeight: firstString(sub, "burn-height", "burnHeight"),
		}
	}
	return nil
}

func dedupeKey(ev pipe.Event) string {
	pipeID := ""
	if ev.Key != nil {
		pipeID = ev.Key.ID()
	}
	return strings.Join([]string{ev.TxID, ev.EventIndex, ev.ContractID, ev.EventName, ev.Sender, pipeID}, "|")
}

// firstString returns the first named field of node coerced to a string.
// Numbers render in decimal; other shapes are skipped.
func firstString(node map[string]interface{}, names ...string) string {
	for _, name := range names {
		v, ok := node[name]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatInt(int64(t), 10)
		case bool:
			return strconv.FormatBool(t)
		}
	}
	return ""
}
