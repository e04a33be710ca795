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
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stackflow-labs/pipewatch/clarity"
)

// Default deadline for node round trips; callers may shorten it through ctx.
const defaultRequestTimeout = 10 * time.Second

// maxResponseBody bounds node responses so a misbehaving endpoint cannot
// balloon memory.
const maxResponseBody = 2 << 20

// Client is a minimal Stacks REST API client covering the watchtower's
// needs: read-only contract calls, account nonces and broadcasts.
type Client struct {
	apiURL string
	http   *http.Client
}

// NewClient builds a client for the given API base URL.
func NewClient(apiURL string) *Client {
	return &Client{
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   &http.Client{Timeout: defaultRequestTimeout},
	}
}

// APIURL returns the configured base URL.
func (c *Client) APIURL() string { return c.apiURL }

type callReadRequest struct {
	Sender    string   `json:"sender"`
	Arguments []string `json:"arguments"`
}

type callReadResponse struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result"`
	Cause  string `json:"cause"`
}

// CallReadOnly invokes a read-only contract function and decodes the Clarity
// result. Arguments are consensus-serialized before transport.
func (c *Client) CallReadOnly(ctx context.Context, contract clarity.Principal, function, sender string, args []clarity.Value) (clarity.Value, error) {
	if !contract.IsContract() {
		return nil, fmt.Errorf("chain: %s is not a contract principal", contract)
	}
	hexArgs := make([]string, len(args))
	for i, arg := range args {
		h, err := clarity.SerializeHex(arg)
		if err != nil {
			return nil, fmt.Errorf("chain: argument %d: %w", i, err)
		}
		hexArgs[i] = h
	}
	body, err := json.Marshal(callReadRequest{Sender: sender, Arguments: hexArgs})
	if err != nil {
		return nil, err
	}
	addr := clarity.NewPrincipal(contract.Version, contract.Hash).String()
	url := fmt.Sprintf("%s/v2/contracts/call-read/%s/%s/%s", c.apiURL, addr, contract.Contract, function)

	var out callReadResponse
	if err := c.postJSON(ctx, url, body, &out); err != nil {
		return nil, err
	}
	if !out.Okay {
		return nil, fmt.Errorf("chain: read-only call failed: %s", out.Cause)
	}
	value, err := clarity.DeserializeHex(out.Result)
	if err != nil {
		return nil, fmt.Errorf("chain: read-only result: %w", err)
	}
	return value, nil
}

type accountResponse struct {
	Nonce uint64 `json:"nonce"`
}

// AccountNonce fetches the next usable nonce for a principal.
func (c *Client) AccountNonce(ctx context.Context, principal string) (uint64, error) {
	url := fmt.Sprintf("%s/v2/accounts/%s?proof=0", c.apiURL, principal)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("chain: account query: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("chain: account query status %d: %s", resp.StatusCode, truncate(raw))
	}
	var out accountResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("chain: account response: %w", err)
	}
	return out.Nonce, nil
}

type broadcastError struct {
	Error  string      `json:"error"`
	Reason string      `json:"reason"`
	TxID   string      `json:"txid"`
	Data   interface{} `json:"reason_data"`
}

// Broadcast submits a serialized transaction and returns its 0x-prefixed
// txid.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	url := c.apiURL + "/v2/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rawTx))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chain: broadcast: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		var be broadcastError
		if json.Unmarshal(raw, &be) == nil && be.Reason != "" {
			return "", fmt.Errorf("chain: broadcast rejected: %s (%s)", be.Reason, be.Error)
		}
		return "", fmt.Errorf("chain: broadcast status %d: %s", resp.StatusCode, truncate(raw))
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		// some nodes return the bare txid without JSON quoting
		txid = strings.TrimSpace(string(raw))
	}
	txid = strings.Trim(txid, `"`)
	if txid == "" {
		return "", fmt.Errorf("chain: broadcast returned no txid")
	}
	if !strings.HasPrefix(txid, "0x") {
		txid = "0x" + txid
	}
	log.Debugf("Broadcast accepted: %s", txid)
	return txid, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain: request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: status %d: %s", resp.StatusCode, truncate(raw))
	}
	return json.Unmarshal(raw, out)
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultRequestTimeout)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
