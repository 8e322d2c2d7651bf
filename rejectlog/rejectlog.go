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

// Package rejectlog appends rejected requests to a plain-text audit
// file. Writes are buffered and flushed in batches so the reject path
// never adds per-request disk latency to the hot path.
package rejectlog

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// flushThreshold forces a flush once this many entries accumulate.
	flushThreshold = 100

	// flushDelay bounds how long the first unflushed entry may wait.
	flushDelay = time.Second

	// maxBodyLen truncates oversized request bodies in the log line.
	maxBodyLen = 1000
)

// Entry is one rejected request.
type Entry struct {
	Time   time.Time
	IP     string
	Origin string
	Reason string
	Body   string
}

// Logger buffers reject entries and appends them to a file. A nil
// Logger and a Logger with an empty path are both valid and discard
// everything.
type Logger struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	pending []Entry
	timer   *time.Timer
}

// New returns a Logger appending to path; an empty path disables it.
func New(path string, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{path: path, logger: logger}
}

// Log queues one rejection. It never blocks on I/O and never panics;
// rejection auditing must not interfere with serving the rejection
// response itself.
func (l *Logger) Log(ip, origin, reason, body string) {
	if l == nil || l.path == "" {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("reject log panicked", zap.Any("panic", rec))
		}
	}()

	e := Entry{Time: time.Now().UTC(), IP: ip, Origin: origin, Reason: reason, Body: body}

	l.mu.Lock()
	l.pending = append(l.pending, e)
	if len(l.pending) >= flushThreshold {
		batch := l.pending
		l.pending = nil
		l.stopTimerLocked()
		l.mu.Unlock()
		l.write(batch)
		return
	}
	if l.timer == nil {
		l.timer = time.AfterFunc(flushDelay, l.Flush)
	}
	l.mu.Unlock()
}

// Flush writes all pending entries now. Called by the delay timer and
// at shutdown.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.stopTimerLocked()
	l.mu.Unlock()
	if len(batch) > 0 {
		l.write(batch)
	}
}

func (l *Logger) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// write appends the batch to the file. Failures are logged and the
// batch is dropped; the audit trail is best-effort.
func (l *Logger) write(batch []Entry) {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Error("opening reject log", zap.String("path", l.path), zap.Error(err))
		return
	}
	defer f.Close()

	var b strings.Builder
	for _, e := range batch {
		b.WriteString(formatEntry(e))
		b.WriteByte('\n')
	}
	if _, err := f.WriteString(b.String()); err != nil {
		l.logger.Error("writing reject log", zap.String("path", l.path), zap.Error(err))
	}
}

func formatEntry(e Entry) string {
	body := strings.ReplaceAll(e.Body, "\n", " ")
	if len(body) > maxBodyLen {
		body = body[:maxBodyLen] + " [truncated]"
	}
	origin := e.Origin
	if origin == "" {
		origin = "-"
	}
	return fmt.Sprintf("%s | %s | %s | %s | %s",
		e.Time.Format(time.RFC3339), e.IP, origin, e.Reason, body)
}
