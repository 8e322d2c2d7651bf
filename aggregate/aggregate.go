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

// Package aggregate counts successful requests per origin and per
// (IP, origin) in memory between flushes. Request handlers mutate the
// counter; the flush loop swaps the maps out whole, so neither side
// ever sees a partially drained view. If a flush fails, the swapped
// data is merged back and retried on the next cycle.
package aggregate

import (
	"strings"
	"sync"

	"github.com/rpcgate/rpcgate/clientip"
)

// IPEntry accumulates demand for one client IP.
type IPEntry struct {
	Count   int64            `json:"count"`
	Origins map[string]int64 `json:"origins"`
}

// Counter is the in-memory aggregation structure. The zero value is
// not usable; construct with NewCounter.
type Counter struct {
	mu           sync.Mutex
	originCounts map[string]int64
	ipCounts     map[string]*IPEntry
	synthetic    map[string]struct{}
}

// NewCounter builds a Counter. syntheticOrigins are operator-owned
// origins (for example the service's own frontend) whose traffic is
// never billed.
func NewCounter(syntheticOrigins []string) *Counter {
	synthetic := make(map[string]struct{}, len(syntheticOrigins))
	for _, o := range syntheticOrigins {
		synthetic[clientip.Clean(o)] = struct{}{}
	}
	return &Counter{
		originCounts: map[string]int64{},
		ipCounts:     map[string]*IPEntry{},
		synthetic:    synthetic,
	}
}

// AddOrigin credits n requests to origin. Empty, localhost-flavored and
// synthetic origins are discarded.
func (c *Counter) AddOrigin(origin string, n int64) {
	if n <= 0 {
		return
	}
	cleaned := clientip.Clean(origin)
	if cleaned == "" || strings.Contains(cleaned, "localhost") {
		return
	}
	if _, ok := c.synthetic[cleaned]; ok {
		return
	}
	c.mu.Lock()
	c.originCounts[cleaned] += n
	c.mu.Unlock()
}

// AddIP credits n requests to ip, attributing them to origin when the
// origin is public. Loopback clients and synthetic origins are not
// billed.
func (c *Counter) AddIP(ip, origin string, n int64) {
	if n <= 0 || ip == "" {
		return
	}
	normalized := clientip.Normalize(ip)
	if normalized == "127.0.0.1" || normalized == "::1" || normalized == "localhost" {
		return
	}
	cleaned := clientip.Clean(origin)
	if _, ok := c.synthetic[cleaned]; ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.ipCounts[normalized]
	if !ok {
		entry = &IPEntry{Origins: map[string]int64{}}
		c.ipCounts[normalized] = entry
	}
	entry.Count += n
	if clientip.Classify(origin) == clientip.Public {
		entry.Origins[cleaned] += n
	}
}

// Swap atomically replaces both maps with empty ones and returns the
// previous contents. The returned maps are owned by the caller.
func (c *Counter) Swap() (map[string]int64, map[string]*IPEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	origins := c.originCounts
	ips := c.ipCounts
	c.originCounts = map[string]int64{}
	c.ipCounts = map[string]*IPEntry{}
	return origins, ips
}

// MergeBack re-adds previously swapped data after a failed flush,
// summing counts key by key so concurrent request credits are kept.
func (c *Counter) MergeBack(origins map[string]int64, ips map[string]*IPEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for origin, n := range origins {
		c.originCounts[origin] += n
	}
	for ip, entry := range ips {
		live, ok := c.ipCounts[ip]
		if !ok {
			live = &IPEntry{Origins: map[string]int64{}}
			c.ipCounts[ip] = live
		}
		live.Count += entry.Count
		for origin, n := range entry.Origins {
			live.Origins[origin] += n
		}
	}
}

// Snapshot copies the current state for the admin surface.
type SnapshotData struct {
	OriginCounts map[string]int64    `json:"originCounts"`
	IPCounts     map[string]*IPEntry `json:"ipCounts"`
	TotalPending int64               `json:"totalPending"`
}

func (c *Counter) Snapshot() SnapshotData {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := SnapshotData{
		OriginCounts: make(map[string]int64, len(c.originCounts)),
		IPCounts:     make(map[string]*IPEntry, len(c.ipCounts)),
	}
	for origin, n := range c.originCounts {
		snap.OriginCounts[origin] = n
	}
	for ip, entry := range c.ipCounts {
		cp := &IPEntry{Count: entry.Count, Origins: make(map[string]int64, len(entry.Origins))}
		for origin, n := range entry.Origins {
			cp.Origins[origin] = n
		}
		snap.IPCounts[ip] = cp
		snap.TotalPending += entry.Count
	}
	return snap
}
