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

package server

import (
	"embed"
	"net/http"
	"strings"
)

//go:embed ui
var uiAssets embed.FS

var uiContentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".css":  "text/css; charset=utf-8",
}

// handleUI serves the embedded dashboard under /app.
func (s *Server) handleUI(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/app")
	name = strings.Trim(name, "/")
	if name == "" {
		name = "index.html"
	}
	raw, err := uiAssets.ReadFile("ui/" + name)
	if err != nil {
		s.handleNotFound(w, r)
		return
	}
	contentType := "application/octet-stream"
	if i := strings.LastIndex(name, "."); i >= 0 {
		if ct, ok := uiContentTypes[name[i:]]; ok {
			contentType = ct
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(raw)
}
