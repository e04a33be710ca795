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

package cosigner

import "fmt"

// CoSignerError means co-signing is unavailable: no signer configured or the
// signing backend failed.
type CoSignerError struct {
	Msg string
	Err error
}

func (e *CoSignerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cosigner: %s: %v", e.Msg, e.Err)
	}
	return "cosigner: " + e.Msg
}

func (e *CoSignerError) Unwrap() error { return e.Err }
