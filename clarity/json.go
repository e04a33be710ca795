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

package clarity

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// ToPlain converts a decoded Value into the plain JSON shape the rest of the
// system consumes: integers become decimal strings, buffers 0x-hex,
// principals their c32check form, tuples plain objects, none becomes nil and
// (ok v)/(err v)/(some v) collapse to their inner value.
func ToPlain(v Value) interface{} {
	switch t := v.(type) {
	case UInt:
		return t.N.Dec()
	case Int:
		return t.N.String()
	case Buffer:
		return "0x" + hex.EncodeToString(t)
	case Bool:
		return bool(t)
	case Principal:
		return t.String()
	case Response:
		return ToPlain(t.Inner)
	case Optional:
		if t.Inner == nil {
			return nil
		}
		return ToPlain(t.Inner)
	case List:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = ToPlain(item)
		}
		return out
	case Tuple:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = ToPlain(item)
		}
		return out
	case StringASCII:
		return string(t)
	case StringUTF8:
		return string(t)
	default:
		return nil
	}
}

// UnwrapJSON strips Clarity-JSON {type,value} wrappers from an arbitrary
// decoded JSON tree, normalizing integer representations to decimal strings.
// Non-wrapped nodes are walked recursively and otherwise left alone.
func UnwrapJSON(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if typ, ok := t["type"].(string); ok {
			inner, hasValue := t["value"]
			if !hasValue {
				if strings.HasPrefix(typ, "(optional") || typ == "none" {
					return nil
				}
				break
			}
			unwrapped := UnwrapJSON(inner)
			if strings.HasPrefix(typ, "uint") || strings.HasPrefix(typ, "int") {
				if s, ok := unwrapped.(string); ok {
					return trimUintPrefix(s)
				}
			}
			return unwrapped
		}
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = UnwrapJSON(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = UnwrapJSON(item)
		}
		return out
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case string:
		return trimUintPrefix(t)
	}
	if t, ok := v.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = UnwrapJSON(item)
		}
		return out
	}
	return v
}

// trimUintPrefix rewrites Clarity literal uints ("u123") as bare decimal
// strings; anything else passes through untouched.
func trimUintPrefix(s string) string {
	if len(s) < 2 || s[0] != 'u' {
		return s
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return s
		}
	}
	return s[1:]
}
