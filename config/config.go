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

// Package config holds the watchtower's runtime configuration and its
// validation rules. Flag and environment parsing lives in the command.
package config

import (
	"fmt"
	"strings"

	"github.com/stackflow-labs/pipewatch/dispute"
	"github.com/stackflow-labs/pipewatch/params"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/verifier"
)

// Co-signer signer modes.
const (
	SignerModeLocalKey = "local-key"
	SignerModeKMS      = "kms"
)

// MaxWatchedPrincipals bounds the watchlist.
const MaxWatchedPrincipals = 100

// Config is the full runtime configuration.
type Config struct {
	Host            string
	Port            int
	DBFile          string
	MaxRecentEvents int
	LogRawEvents    bool
	LogLevel        string

	WatchedContracts  []string
	WatchedPrincipals []string

	StacksNetwork params.Network
	StacksAPIURL  string

	SignerKey  string
	DisputeFee uint64

	CounterpartyKey         string
	CounterpartyPrincipal   string
	CounterpartySignerMode  string
	CounterpartyKMSKeyID    string
	CounterpartyKMSRegion   string
	CounterpartyKMSEndpoint string

	StackflowMessageVersion string
	SignatureVerifierMode   verifier.Mode
	DisputeExecutorMode     dispute.Mode
	DisputeOnlyBeneficial   bool
}

// Default returns the devnet-friendly baseline configuration.
func Default() *Config {
	return &Config{
		Host:                    "127.0.0.1",
		Port:                    3000,
		DBFile:                  "watchtower.db",
		MaxRecentEvents:         store.DefaultMaxRecentEvents,
		LogLevel:                "info",
		StacksNetwork:           params.Devnet,
		CounterpartySignerMode:  SignerModeLocalKey,
		StackflowMessageVersion: params.DefaultMessageVersion,
		SignatureVerifierMode:   verifier.ModeReadOnly,
		DisputeExecutorMode:     dispute.ModeAuto,
		DisputeFee:              dispute.DefaultFee,
	}
}

// APIURL resolves the configured chain endpoint, falling back to the
// network's canonical one.
func (c *Config) APIURL() string {
	if c.StacksAPIURL != "" {
		return strings.TrimRight(c.StacksAPIURL, "/")
	}
	return c.StacksNetwork.DefaultAPIURL()
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DBFile == "" {
		return fmt.Errorf("config: missing db file path")
	}
	if !c.StacksNetwork.Valid() {
		return fmt.Errorf("config: unknown network %q", c.StacksNetwork)
	}
	if !c.SignatureVerifierMode.Valid() {
		return fmt.Errorf("config: unknown verifier mode %q", c.SignatureVerifierMode)
	}
	if !c.DisputeExecutorMode.Valid() {
		return fmt.Errorf("config: unknown dispute executor mode %q", c.DisputeExecutorMode)
	}
	switch c.CounterpartySignerMode {
	case SignerModeLocalKey, SignerModeKMS:
	default:
		return fmt.Errorf("config: unknown signer mode %q", c.CounterpartySignerMode)
	}
	if c.CounterpartySignerMode == SignerModeKMS && c.CounterpartyKMSKeyID == "" {
		return fmt.Errorf("config: kms signer mode needs a key id")
	}
	if len(c.WatchedPrincipals) > MaxWatchedPrincipals {
		return fmt.Errorf("config: %d watched principals exceeds the limit of %d",
			len(c.WatchedPrincipals), MaxWatchedPrincipals)
	}
	seen := make(map[string]struct{}, len(c.WatchedPrincipals))
	for _, p := range c.WatchedPrincipals {
		if _, dup := seen[p]; dup {
			return fmt.Errorf("config: duplicate watched principal %s", p)
		}
		seen[p] = struct{}{}
	}
	for _, r := range c.StackflowMessageVersion {
		if r > 127 {
			return fmt.Errorf("config: message version must be ASCII")
		}
	}
	return nil
}
