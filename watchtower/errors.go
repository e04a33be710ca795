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

import "fmt"

// ValidationError rejects malformed request shapes: bad principals, non-uint
// amounts, wrong hex lengths.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// SignatureValidationError means the signature verifier rejected a state.
type SignatureValidationError struct {
	Reason string
}

func (e *SignatureValidationError) Error() string {
	return "signature rejected: " + e.Reason
}

// PrincipalNotWatchedError enforces the configured watchlist.
type PrincipalNotWatchedError struct {
	Principal string
}

func (e *PrincipalNotWatchedError) Error() string {
	return "principal not watched: " + e.Principal
}

// PolicyError rejects a request that is well formed but not allowed by the
// signing policy. Forbidden selects 403 over 409 at the HTTP surface.
type PolicyError struct {
	Reason    string
	Forbidden bool
}

func (e *PolicyError) Error() string { return e.Reason }

// IngestError wraps a payload that could not be decoded at all.
type IngestError struct {
	Err error
}

func (e *IngestError) Error() string { return "ingest: " + e.Err.Error() }
func (e *IngestError) Unwrap() error { return e.Err }
