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

// Package ratelimit enforces per-origin and per-IP quotas using counts
// polled from the store. The hot-path check reads an immutable snapshot
// behind an atomic pointer, so admission never touches the database.
// The hourly tier uses a sliding-window approximation (current hour
// plus the previous hour weighted by how much of it still overlaps the
// window); the daily tier is a plain midnight-UTC cap. Public origins
// are limited per origin; everything else is limited per client IP.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/clientip"
	"github.com/rpcgate/rpcgate/store"
)

// DefaultPollInterval is the limiter refresh cadence.
const DefaultPollInterval = 10 * time.Second

// failuresBeforeWarning is how many consecutive poll failures pass
// before the limiter starts complaining loudly. The blocklists from the
// last good poll stay in force throughout: fail closed for known
// offenders, fail open for newcomers.
const failuresBeforeWarning = 3

// Source supplies the counts the limiter polls. Implemented by the
// store adapter.
type Source interface {
	Capabilities(ctx context.Context) (store.Capabilities, error)
	HourlyCounts(ctx context.Context, previousHourWeight float64) (origins, ips []store.HourlyCount, err error)
	DailyCounts(ctx context.Context) (origins, ips []store.DailyCount, err error)
}

// Limits are the configured ceilings. A zero or negative limit disables
// that tier.
type Limits struct {
	OriginHourly int64 `json:"originHourly" yaml:"originHourly"`
	IPHourly     int64 `json:"ipHourly" yaml:"ipHourly"`
	OriginDaily  int64 `json:"originDaily" yaml:"originDaily"`
	IPDaily      int64 `json:"ipDaily" yaml:"ipDaily"`
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Limited    bool
	Reason     string
	RetryAfter time.Duration
}

// entityCounts is one key's hourly picture kept for diagnostics.
type entityCounts struct {
	Current   int64   `json:"current"`
	Previous  int64   `json:"previous"`
	Effective float64 `json:"effective"`
}

// snapshot is the immutable state swapped in whole by each poll.
type snapshot struct {
	blockedOriginsHourly map[string]struct{}
	blockedOriginsDaily  map[string]struct{}
	blockedIPsHourly     map[string]struct{}
	blockedIPsDaily      map[string]struct{}

	originHourly map[string]entityCounts
	ipHourly     map[string]entityCounts
	originDaily  map[string]int64
	ipDaily      map[string]int64

	previousHourWeight float64
	refreshedAt        time.Time
	caps               store.Capabilities
}

// Limiter answers allow/deny per request from polled state.
type Limiter struct {
	source   Source
	limits   Limits
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	snap     atomic.Pointer[snapshot]
	pollMu   sync.Mutex
	failures atomic.Int64
	polls    atomic.Int64
}

// New constructs a Limiter; call Run (or Poll) to populate it. Before
// the first successful poll every request is allowed.
func New(source Source, limits Limits, interval time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Limiter{
		source:   source,
		limits:   limits,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls on a ticker until ctx is done. Polls are single-flight: a
// tick that fires while the previous poll is still querying is skipped,
// not queued.
func (l *Limiter) Run(ctx context.Context) {
	// populate immediately rather than waiting a full interval
	if err := l.Poll(ctx); err != nil {
		l.logger.Warn("initial rate-limit poll failed", zap.Error(err))
	}
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Poll(ctx); err != nil {
				l.logPollFailure(err)
			}
		}
	}
}

func (l *Limiter) logPollFailure(err error) {
	n := l.failures.Load()
	if n >= failuresBeforeWarning {
		l.logger.Error("rate-limit poll failing repeatedly; serving stale blocklists",
			zap.Int64("consecutiveFailures", n), zap.Error(err))
		return
	}
	l.logger.Warn("rate-limit poll failed", zap.Error(err))
}

// Poll refreshes the snapshot from the store. On failure the previous
// snapshot stays in force.
func (l *Limiter) Poll(ctx context.Context) error {
	if !l.pollMu.TryLock() {
		return nil
	}
	defer l.pollMu.Unlock()
	l.polls.Add(1)

	next, err := l.buildSnapshot(ctx)
	if err != nil {
		l.failures.Add(1)
		return err
	}
	l.failures.Store(0)
	l.snap.Store(next)
	return nil
}

func (l *Limiter) buildSnapshot(ctx context.Context) (*snapshot, error) {
	caps, err := l.source.Capabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading capabilities: %w", err)
	}

	now := l.now().UTC()
	weight := previousHourWeight(now)

	hourlyOrigins, hourlyIPs, err := l.source.HourlyCounts(ctx, weight)
	if err != nil {
		return nil, fmt.Errorf("hourly counts: %w", err)
	}
	dailyOrigins, dailyIPs, err := l.source.DailyCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("daily counts: %w", err)
	}

	next := &snapshot{
		blockedOriginsHourly: map[string]struct{}{},
		blockedOriginsDaily:  map[string]struct{}{},
		blockedIPsHourly:     map[string]struct{}{},
		blockedIPsDaily:      map[string]struct{}{},
		originHourly:         make(map[string]entityCounts, len(hourlyOrigins)),
		ipHourly:             make(map[string]entityCounts, len(hourlyIPs)),
		originDaily:          make(map[string]int64, len(dailyOrigins)),
		ipDaily:              make(map[string]int64, len(dailyIPs)),
		previousHourWeight:   weight,
		refreshedAt:          now,
		caps:                 caps,
	}

	for _, row := range hourlyOrigins {
		eff := effective(row, weight)
		next.originHourly[row.Key] = entityCounts{Current: row.Current, Previous: row.Previous, Effective: eff}
		if exceeds(eff, l.limits.OriginHourly) {
			next.blockedOriginsHourly[row.Key] = struct{}{}
		}
	}
	for _, row := range hourlyIPs {
		eff := effective(row, weight)
		next.ipHourly[row.Key] = entityCounts{Current: row.Current, Previous: row.Previous, Effective: eff}
		if exceeds(eff, l.limits.IPHourly) {
			next.blockedIPsHourly[row.Key] = struct{}{}
		}
	}
	for _, row := range dailyOrigins {
		next.originDaily[row.Key] = row.Count
		if l.limits.OriginDaily > 0 && row.Count > l.limits.OriginDaily {
			next.blockedOriginsDaily[row.Key] = struct{}{}
		}
	}
	for _, row := range dailyIPs {
		next.ipDaily[row.Key] = row.Count
		if l.limits.IPDaily > 0 && row.Count > l.limits.IPDaily {
			next.blockedIPsDaily[row.Key] = struct{}{}
		}
	}
	return next, nil
}

func effective(row store.HourlyCount, weight float64) float64 {
	return float64(row.Current) + float64(row.Previous)*weight
}

// exceeds implements the strict comparison: an entity sitting exactly
// at its limit is still allowed.
func exceeds(effective float64, limit int64) bool {
	return limit > 0 && effective > float64(limit)
}

// previousHourWeight is 1 at the top of the hour and decays linearly to
// 0 as the hour completes.
func previousHourWeight(now time.Time) float64 {
	minutes := now.Sub(now.Truncate(time.Hour)).Minutes()
	w := 1 - minutes/60
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// Check classifies the request and consults the matching tier, daily
// before hourly. It fails open: with no snapshot yet, or on any
// internal error, the request is allowed.
func (l *Limiter) Check(ip, origin string) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			d = Decision{}
		}
	}()

	snap := l.snap.Load()
	if snap == nil {
		return Decision{}
	}
	now := l.now().UTC()

	if clientip.Classify(origin) == clientip.Public {
		key := clientip.Clean(origin)
		if _, ok := snap.blockedOriginsDaily[key]; ok {
			return Decision{
				Limited:    true,
				Reason:     fmt.Sprintf("origin %s exceeded its daily limit", key),
				RetryAfter: untilNextMidnightUTC(now),
			}
		}
		if _, ok := snap.blockedOriginsHourly[key]; ok {
			return Decision{
				Limited:    true,
				Reason:     fmt.Sprintf("origin %s exceeded its hourly limit", key),
				RetryAfter: untilNextHour(now),
			}
		}
		return Decision{}
	}

	key := clientip.Normalize(ip)
	if _, ok := snap.blockedIPsDaily[key]; ok {
		return Decision{
			Limited:    true,
			Reason:     fmt.Sprintf("ip %s exceeded its daily limit", key),
			RetryAfter: untilNextMidnightUTC(now),
		}
	}
	if _, ok := snap.blockedIPsHourly[key]; ok {
		return Decision{
			Limited:    true,
			Reason:     fmt.Sprintf("ip %s exceeded its hourly limit", key),
			RetryAfter: untilNextHour(now),
		}
	}
	return Decision{}
}

// Status is the limiter's diagnostic view served by the admin API.
type Status struct {
	Limits             Limits             `json:"limits"`
	PreviousHourWeight float64            `json:"previousHourWeight"`
	SecondsUntilHour   int64              `json:"secondsUntilHourReset"`
	SecondsUntilDay    int64              `json:"secondsUntilDayReset"`
	RefreshedAt        time.Time          `json:"refreshedAt"`
	Polls              int64              `json:"polls"`
	PollFailures       int64              `json:"consecutivePollFailures"`
	Capabilities       store.Capabilities `json:"capabilities"`
	BlockedOrigins     []string           `json:"blockedOrigins"`
	BlockedIPs         []string           `json:"blockedIPs"`
	TrackedOrigins     int                `json:"trackedOrigins"`
	TrackedIPs         int                `json:"trackedIPs"`
}

// Status reports the current snapshot. Safe before the first poll.
func (l *Limiter) Status() Status {
	now := l.now().UTC()
	st := Status{
		Limits:           l.limits,
		SecondsUntilHour: int64(untilNextHour(now).Seconds()),
		SecondsUntilDay:  int64(untilNextMidnightUTC(now).Seconds()),
		Polls:            l.polls.Load(),
		PollFailures:     l.failures.Load(),
		BlockedOrigins:   []string{},
		BlockedIPs:       []string{},
	}
	snap := l.snap.Load()
	if snap == nil {
		return st
	}
	st.PreviousHourWeight = snap.previousHourWeight
	st.RefreshedAt = snap.refreshedAt
	st.Capabilities = snap.caps
	st.TrackedOrigins = len(snap.originHourly)
	st.TrackedIPs = len(snap.ipHourly)
	st.BlockedOrigins = keysUnion(snap.blockedOriginsHourly, snap.blockedOriginsDaily)
	st.BlockedIPs = keysUnion(snap.blockedIPsHourly, snap.blockedIPsDaily)
	return st
}

func keysUnion(sets ...map[string]struct{}) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, set := range sets {
		for k := range set {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

func untilNextHour(now time.Time) time.Duration {
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

func untilNextMidnightUTC(now time.Time) time.Duration {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return midnight.Sub(now)
}
