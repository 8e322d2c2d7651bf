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

// Package blacklist maintains a deny list of client IPs loaded from a
// newline-delimited file. The file is hot-reloaded by polling its
// modification time; membership checks are O(1) and fail open, so a
// broken or missing list never blocks legitimate traffic.
package blacklist

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/clientip"
)

// DefaultPollInterval is how often the file's mtime is checked.
const DefaultPollInterval = 5 * time.Second

// List is a file-backed IP deny list.
type List struct {
	path     string
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	set      map[string]struct{}
	modTime  time.Time
	loadedAt time.Time
}

// New creates a List backed by path. An empty path disables the list
// entirely. The file not existing at startup is not an error.
func New(path string, logger *zap.Logger) *List {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &List{
		path:     path,
		interval: DefaultPollInterval,
		logger:   logger,
		set:      map[string]struct{}{},
	}
	if path != "" {
		if err := l.Reload(); err != nil {
			logger.Warn("initial blacklist load failed; starting empty",
				zap.String("path", path), zap.Error(err))
		}
	}
	return l
}

// Contains reports whether ip is denied. It never fails: any internal
// error answers false.
func (l *List) Contains(ip string) (blocked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			blocked = false
		}
	}()
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, blocked = l.set[clientip.Normalize(ip)]
	return blocked
}

// Len is the current number of denied IPs.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.set)
}

// Reload re-reads the file if its modification time changed, atomically
// replacing the set. A vanished file empties the set.
func (l *List) Reload() error {
	if l.path == "" {
		return nil
	}

	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.replace(map[string]struct{}{}, time.Time{})
			return nil
		}
		return err
	}

	l.mu.RLock()
	unchanged := info.ModTime().Equal(l.modTime) && !l.modTime.IsZero()
	l.mu.RUnlock()
	if unchanged {
		return nil
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return err
	}
	l.replace(parse(string(data)), info.ModTime())
	return nil
}

func (l *List) replace(next map[string]struct{}, modTime time.Time) {
	l.mu.Lock()
	prev := l.set
	l.set = next
	l.modTime = modTime
	l.loadedAt = time.Now()
	l.mu.Unlock()

	for ip := range next {
		if _, ok := prev[ip]; !ok {
			l.logger.Info("blacklist entry added", zap.String("ip", ip))
		}
	}
	for ip := range prev {
		if _, ok := next[ip]; !ok {
			l.logger.Info("blacklist entry removed", zap.String("ip", ip))
		}
	}
}

// Watch polls the file until done is closed. Reload errors are logged
// and the previous set stays in effect.
func (l *List) Watch(done <-chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := l.Reload(); err != nil {
				l.logger.Error("blacklist reload failed", zap.Error(err))
			}
		}
	}
}

// Status is the admin-surface snapshot.
type Status struct {
	Path     string    `json:"path"`
	Enabled  bool      `json:"enabled"`
	Entries  int       `json:"entries"`
	LoadedAt time.Time `json:"loadedAt"`
	IPs      []string  `json:"ips"`
}

// Snapshot returns a copy of the current state for the admin surface.
func (l *List) Snapshot() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ips := make([]string, 0, len(l.set))
	for ip := range l.set {
		ips = append(ips, ip)
	}
	return Status{
		Path:     l.path,
		Enabled:  l.path != "",
		Entries:  len(l.set),
		LoadedAt: l.loadedAt,
		IPs:      ips,
	}
}

// parse reads the deny-list format: one IP per line, blank lines and
// #-prefixed lines are comments, inline "# ..." tails are stripped.
func parse(data string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, line := range strings.Split(data, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		set[clientip.Normalize(line)] = struct{}{}
	}
	return set
}
