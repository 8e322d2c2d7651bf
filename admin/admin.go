// Copyright 2015 Matthew Holt and The RPCGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin serves the operator-facing status endpoints. Everything
// here is read-only and sits behind a shared-key check on the same
// listener as the proxy itself.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HeaderKey is the request header carrying the admin key.
const HeaderKey = "X-Admin-Key"

// Sources supplies the live state the endpoints report. Function fields
// decouple this package from the components themselves; a nil field
// renders as null.
type Sources struct {
	Version   string
	StartedAt time.Time

	RateLimit func() any
	Blacklist func() any
	Breaker   func() any
	Flusher   func() any
	Counter   func() any
}

// Handler is the authenticated admin subrouter.
type Handler struct {
	key     string
	sources Sources
	logger  *zap.Logger
	router  chi.Router
}

// New builds the admin handler. With an empty key the admin API is
// disabled: every request is refused, authenticated or not.
func New(key string, sources Sources, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{key: key, sources: sources, logger: logger}

	r := chi.NewRouter()
	r.Use(h.authenticate)
	r.Get("/status", h.status)
	r.Get("/ratelimitstatus", h.rateLimitStatus)
	r.Get("/blackliststatus", h.blacklistStatus)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// authenticate gates every admin route. The comparison is constant-time
// so the key cannot be probed byte by byte through response timing.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.key == "" {
			http.Error(w, "admin API disabled", http.StatusForbidden)
			return
		}
		got := r.Header.Get(HeaderKey)
		if got == "" {
			http.Error(w, "missing "+HeaderKey, http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.key)) != 1 {
			h.logger.Warn("admin key mismatch", zap.String("remote", r.RemoteAddr))
			http.Error(w, "invalid admin key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.sources.StartedAt)
	h.respond(w, map[string]any{
		"version":       h.sources.Version,
		"startedAt":     h.sources.StartedAt.UTC().Format(time.RFC3339),
		"uptime":        humanize.RelTime(h.sources.StartedAt, time.Now(), "", ""),
		"uptimeSeconds": int64(uptime.Seconds()),
		"upstream":      call(h.sources.Breaker),
		"flusher":       call(h.sources.Flusher),
		"pending":       call(h.sources.Counter),
	})
}

func (h *Handler) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, call(h.sources.RateLimit))
}

func (h *Handler) blacklistStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, call(h.sources.Blacklist))
}

func call(f func() any) any {
	if f == nil {
		return nil
	}
	return f()
}

func (h *Handler) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		h.logger.Error("encoding admin response", zap.Error(err))
	}
}
