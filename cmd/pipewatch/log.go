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

package main

import (
	"os"

	"github.com/btcsuite/btclog"

	"github.com/stackflow-labs/pipewatch/chain"
	"github.com/stackflow-labs/pipewatch/cosigner"
	"github.com/stackflow-labs/pipewatch/dispute"
	"github.com/stackflow-labs/pipewatch/events"
	"github.com/stackflow-labs/pipewatch/server"
	"github.com/stackflow-labs/pipewatch/store"
	"github.com/stackflow-labs/pipewatch/watchtower"
)

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend.
var (
	backendLog = btclog.NewBackend(os.Stdout)

	log      = backendLog.Logger("MAIN")
	chainLog = backendLog.Logger("CHAN")
	evntLog  = backendLog.Logger("EVNT")
	storLog  = backendLog.Logger("STOR")
	dsptLog  = backendLog.Logger("DSPT")
	towrLog  = backendLog.Logger("TOWR")
	cosnLog  = backendLog.Logger("COSN")
	srvrLog  = backendLog.Logger("SRVR")
)

// Initialize package-global logger variables.
func init() {
	chain.UseLogger(chainLog)
	events.UseLogger(evntLog)
	store.UseLogger(storLog)
	dispute.UseLogger(dsptLog)
	watchtower.UseLogger(towrLog)
	cosigner.UseLogger(cosnLog)
	server.UseLogger(srvrLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"MAIN": log,
	"CHAN": chainLog,
	"EVNT": evntLog,
	"STOR": storLog,
	"DSPT": dsptLog,
	"TOWR": towrLog,
	"COSN": cosnLog,
	"SRVR": srvrLog,
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. Invalid levels default to info.
func setLogLevels(logLevel string) {
	level, _ := btclog.LevelFromString(logLevel)
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
