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
	jsoniter "github.com/json-iterator/go"

	"github.com/btcsuite/btclog"
)

// json is the package JSON codec, API compatible with encoding/json.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// log is a logger that is initialized with no output filters. This means the
// package will not perform any logging by default until the caller requests
// it.
var log = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
