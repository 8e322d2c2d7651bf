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

// Package store persists aggregated request counts into Postgres. One
// row per client IP carries the all-time, hourly, daily and monthly
// windows; an append-only history table keeps one snapshot row per
// (hour, ip). The adapter owns the global reset protocol: every
// invocation first rolls the monthly, daily and hourly windows forward
// if a boundary has been crossed, then applies the incoming batch with
// atomic upserts. Schema features (sliding-window columns, daily
// columns, the jsonb ADD-merge function) are detected at runtime and
// their absence degrades behavior instead of failing it.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/aggregate"
	"github.com/rpcgate/rpcgate/clientip"
)

const (
	ipTable      = "ip_table"
	historyTable = "ip_history_table"

	// historyRetention is how long snapshot rows live.
	historyRetention = 30 * 24 * time.Hour

	// historyCleanupEvery bounds how often the retention sweep runs.
	historyCleanupEvery = 24 * time.Hour
)

// Store is the Postgres adapter. All methods are safe for concurrent
// use; the reset protocol is serialized internally.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time

	capsMu     sync.Mutex
	caps       Capabilities
	capsLoaded bool

	lwwWarned sync.Once

	mu                 sync.Mutex
	lastHourlyReset    int64 // epoch seconds at start of hour; 0 = unknown
	lastDailyReset     int64
	lastMonthlyReset   int64
	lastHistoryCleanup time.Time
}

// New wraps an open sqlx handle. The caller owns the pool settings.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// UpdateCounters applies one aggregated batch. Reset handling runs
// first, even for an empty batch, so window boundaries are honored by
// whichever flush cycle crosses them. Per-IP failures are logged and
// skipped; batch-level failures (lost connection, canceled context)
// propagate so the aggregator can merge the batch back.
func (s *Store) UpdateCounters(ctx context.Context, batch map[string]*aggregate.IPEntry) error {
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("detecting schema capabilities: %w", err)
	}

	s.mu.Lock()
	err = s.runResets(ctx, caps)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for ip, entry := range batch {
		if err := s.upsertIP(ctx, caps, ip, entry); err != nil {
			if isBatchFailure(err) {
				return fmt.Errorf("upserting %s: %w", ip, err)
			}
			s.logger.Error("counter upsert failed; skipping row",
				zap.String("ip", ip), zap.Error(err))
		}
	}
	return nil
}

func (s *Store) upsertIP(ctx context.Context, caps Capabilities, ip string, entry *aggregate.IPEntry) error {
	origins := FilterOrigins(entry.Origins)
	originsJSON, err := json.Marshal(origins)
	if err != nil {
		originsJSON = []byte("{}")
	}

	s.mu.Lock()
	hourReset, dayReset, monthReset := s.lastHourlyReset, s.lastDailyReset, s.lastMonthlyReset
	s.mu.Unlock()

	query, args := buildUpsert(caps, ip, entry.Count, string(originsJSON), hourReset, dayReset, monthReset)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	if caps.DailyCounters {
		if _, err := s.db.ExecContext(ctx, buildDailyFollowUp(caps),
			ip, entry.Count, string(originsJSON)); err != nil {
			return err
		}
	}

	if !caps.AddMergeFunction {
		s.lwwWarned.Do(func() {
			s.logger.Warn("jsonb_add_merge function not found; origin maps use last-write-wins merges and per-origin counts will undercount")
		})
	}
	return nil
}

// buildUpsert assembles the per-IP upsert for the detected schema and
// the matching argument list. The insert seeds every window with the
// batch count; the conflict branch adds into the windows and merges the
// origin maps. Placeholders are numbered sequentially so degraded
// schemas bind exactly the arguments they reference.
func buildUpsert(caps Capabilities, ip string, count int64, originsJSON string, hourReset, dayReset, monthReset int64) (string, []any) {
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	ipArg := arg(ip)
	countArg := arg(count)
	originsArg := arg(originsJSON) + "::jsonb"
	hourArg := arg(hourReset)

	insertCols := []string{"ip", "requests_total", "requests_last_hour", "origins", "last_reset_timestamp", "updated_at"}
	insertVals := []string{ipArg, countArg, countArg, originsArg, hourArg, "NOW()"}
	sets := []string{
		"requests_total = " + ipTable + ".requests_total + EXCLUDED.requests_total",
		"requests_last_hour = " + ipTable + ".requests_last_hour + EXCLUDED.requests_last_hour",
		"origins = " + mergeExpr(caps, "origins"),
		"updated_at = NOW()",
	}
	if caps.HourlyOriginMap {
		insertCols = append(insertCols, "origins_last_hour")
		insertVals = append(insertVals, originsArg)
		sets = append(sets, "origins_last_hour = "+mergeExpr(caps, "origins_last_hour"))
	}
	if caps.DailyCounters {
		insertCols = append(insertCols, "last_day_reset_timestamp")
		insertVals = append(insertVals, arg(dayReset))
	}
	if caps.MonthlyCounters {
		insertCols = append(insertCols, "requests_this_month", "last_month_reset_timestamp")
		insertVals = append(insertVals, countArg, arg(monthReset))
		sets = append(sets, "requests_this_month = "+ipTable+".requests_this_month + EXCLUDED.requests_this_month")
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (ip) DO UPDATE SET %s",
		ipTable,
		strings.Join(insertCols, ", "),
		strings.Join(insertVals, ", "),
		strings.Join(sets, ", "),
	)
	return query, args
}

func buildDailyFollowUp(caps Capabilities) string {
	return fmt.Sprintf(
		"UPDATE %s SET requests_today = %s.requests_today + $2, origins_today = %s WHERE ip = $1",
		ipTable, ipTable, mergeFollowUpExpr(caps),
	)
}

// mergeExpr yields the origin-map merge for the upsert conflict branch:
// ADD semantics through the database helper when present, otherwise
// last-write-wins.
func mergeExpr(caps Capabilities, column string) string {
	if caps.AddMergeFunction {
		return fmt.Sprintf("jsonb_add_merge(%s.%s, EXCLUDED.%s)", ipTable, column, column)
	}
	return "EXCLUDED." + column
}

func mergeFollowUpExpr(caps Capabilities) string {
	if caps.AddMergeFunction {
		return fmt.Sprintf("jsonb_add_merge(%s.origins_today, $3::jsonb)", ipTable)
	}
	return "$3::jsonb"
}

// FilterOrigins drops every origin classified as local-like, leaving a
// map safe to persist. It is idempotent and never fails: a panic while
// classifying yields an empty map for this IP rather than aborting the
// batch.
func FilterOrigins(origins map[string]int64) (filtered map[string]int64) {
	filtered = map[string]int64{}
	defer func() {
		if rec := recover(); rec != nil {
			filtered = map[string]int64{}
		}
	}()
	for origin, n := range origins {
		if n <= 0 {
			continue
		}
		if clientip.Classify(origin) == clientip.Public {
			filtered[origin] = n
		}
	}
	return filtered
}

// isBatchFailure reports whether err dooms the whole batch rather than
// one row.
func isBatchFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
