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

// Package clientip extracts and canonicalizes the client IP address and
// Origin header of an inbound request, and classifies origins as either
// public domains or local-like values. The classification decides which
// rate-limit tier (origin-scoped or IP-scoped) a request is counted
// against, so it has to be deterministic and must never fail a request.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is returned whenever no usable address or origin can be
// determined. It is a valid map key everywhere downstream.
const Unknown = "unknown"

// Class is the origin classification used for rate-limit tier routing.
type Class int

const (
	// Public means the origin's host is a syntactically valid public
	// domain; the request is counted against the origin-scoped tier.
	Public Class = iota

	// LocalLike covers everything else: empty origins, localhost,
	// private and loopback addresses, ports, extension schemes, and
	// structurally invalid hostnames. Treated as "no origin".
	LocalLike
)

func (c Class) String() string {
	if c == Public {
		return "public"
	}
	return "local-like"
}

// trustedHeaders are consulted in order before falling back to the
// transport peer address. The ordering matters: CDN-set headers are
// more trustworthy than client-settable ones.
var trustedHeaders = []string{
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Forwarded-For",
	"X-Real-IP",
	"Fastly-Client-IP",
}

// FromRequest extracts the client IP from r. It never fails: if no
// header and no peer address yields a usable value, it returns Unknown.
func FromRequest(r *http.Request) (ip string) {
	defer func() {
		if rec := recover(); rec != nil {
			ip = Unknown
		}
	}()
	if r == nil {
		return Unknown
	}
	for _, h := range trustedHeaders {
		v := strings.TrimSpace(r.Header.Get(h))
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			// first entry is the originating client
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = strings.TrimSpace(v[:i])
			}
		}
		if v != "" {
			return Normalize(v)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr may already be a bare host
		host = r.RemoteAddr
	}
	host = Normalize(strings.TrimSpace(host))
	if host == "" {
		return Unknown
	}
	return host
}

// Normalize strips the IPv4-mapped IPv6 prefix so that the same client
// always maps to the same counter row.
func Normalize(ip string) string {
	return strings.TrimPrefix(ip, "::ffff:")
}

// Origin returns the Origin header verbatim, or Unknown when absent.
func Origin(r *http.Request) string {
	if r == nil {
		return Unknown
	}
	if o := r.Header.Get("Origin"); o != "" {
		return o
	}
	return Unknown
}

// Clean strips the scheme and any trailing slash from an origin so it
// can be used as a bare-host map key.
func Clean(origin string) string {
	o := origin
	if i := strings.Index(o, "://"); i >= 0 {
		o = o[i+3:]
	}
	return strings.TrimSuffix(o, "/")
}

// Classify decides whether origin names a public domain. Anything that
// is not clearly a public website origin is LocalLike, which routes the
// request to the IP-scoped rate-limit tier.
func Classify(origin string) (c Class) {
	defer func() {
		if rec := recover(); rec != nil {
			c = LocalLike
		}
	}()

	o := strings.TrimSpace(strings.ToLower(origin))
	if o == "" || o == Unknown || o == "null" {
		return LocalLike
	}

	// scheme handling: extensions and file origins are never public
	if i := strings.Index(o, "://"); i >= 0 {
		scheme := o[:i]
		switch scheme {
		case "http", "https":
			o = o[i+3:]
		default:
			// chrome-extension://, moz-extension://, file://, ...
			return LocalLike
		}
	}
	o = strings.TrimSuffix(o, "/")
	if o == "" {
		return LocalLike
	}

	// explicit port means a dev server or internal service
	if host, _, err := net.SplitHostPort(o); err == nil && host != "" {
		return LocalLike
	}
	if strings.Contains(o, ":") && net.ParseIP(o) == nil {
		return LocalLike
	}

	if o == "localhost" || strings.HasPrefix(o, "localhost.") {
		return LocalLike
	}

	if ip := net.ParseIP(o); ip != nil {
		if ip.IsLoopback() || isRFC1918(ip) {
			return LocalLike
		}
		// a bare public IP is not a domain
		return LocalLike
	}

	for _, suffix := range []string{".local", ".internal", ".lan", ".home", ".localhost"} {
		if strings.HasSuffix(o, suffix) {
			return LocalLike
		}
	}

	if !validDomain(o) {
		return LocalLike
	}
	return Public
}

func isRFC1918(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1] >= 16 && v4[1] <= 31:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}

// validDomain performs structural DNS validation: every label must be
// 1-63 characters of letters, digits and interior hyphens, and the TLD
// must be purely alphabetic with at least two characters. Single-label
// names (no dot) are not public domains.
func validDomain(host string) bool {
	if len(host) == 0 || len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}
	tld := labels[len(labels)-1]
	if len(tld) < 2 {
		return false
	}
	for i := 0; i < len(tld); i++ {
		if tld[i] < 'a' || tld[i] > 'z' {
			return false
		}
	}
	return true
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' {
			continue
		}
		return false
	}
	return true
}
