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

// Package params holds network constants shared across the watchtower.
package params

import "github.com/stackflow-labs/pipewatch/clarity"

// Network identifies a Stacks network flavor.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Devnet  Network = "devnet"
	Mocknet Network = "mocknet"
)

// Chain ids used in structured-data domains and transactions. Every
// non-mainnet network shares the testnet id.
const (
	MainnetChainID uint64 = 1
	TestnetChainID uint64 = 0x80000000
)

// Transaction version bytes.
const (
	MainnetTransactionVersion byte = 0x00
	TestnetTransactionVersion byte = 0x80
)

// Valid reports whether n names a known network.
func (n Network) Valid() bool {
	switch n {
	case Mainnet, Testnet, Devnet, Mocknet:
		return true
	}
	return false
}

// ChainID returns the structured-data / transaction chain id for n.
func (n Network) ChainID() uint64 {
	if n == Mainnet {
		return MainnetChainID
	}
	return TestnetChainID
}

// TransactionVersion returns the transaction version byte for n.
func (n Network) TransactionVersion() byte {
	if n == Mainnet {
		return MainnetTransactionVersion
	}
	return TestnetTransactionVersion
}

// AddressVersion returns the single-sig address version byte for n.
func (n Network) AddressVersion() byte {
	if n == Mainnet {
		return clarity.VersionMainnetSingleSig
	}
	return clarity.VersionTestnetSingleSig
}

// DefaultAPIURL returns the canonical REST endpoint for n.
func (n Network) DefaultAPIURL() string {
	switch n {
	case Mainnet:
		return "https://api.mainnet.hiro.so"
	case Testnet:
		return "https://api.testnet.hiro.so"
	default:
		return "http://localhost:3999"
	}
}

// DefaultMessageVersion is the stackflow structured-data version string used
// when none is configured.
const DefaultMessageVersion = "0.5.0"

// DefaultContractSuffix identifies the protocol contract family when no
// explicit watch set is configured.
const DefaultContractSuffix = ".stackflow"
