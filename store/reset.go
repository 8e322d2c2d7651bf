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

package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// runResets rolls the monthly, daily and hourly windows forward when a
// boundary has been crossed. Order matters: resets run before any
// upsert of the same invocation, and the hourly snapshot runs before
// the hour's counters are zeroed. Caller holds s.mu.
func (s *Store) runResets(ctx context.Context, caps Capabilities) error {
	if err := s.ensureBaseline(ctx, caps); err != nil {
		return fmt.Errorf("loading reset baseline: %w", err)
	}
	if caps.MonthlyCounters {
		if err := s.resetMonthlyCounters(ctx); err != nil {
			return fmt.Errorf("monthly reset: %w", err)
		}
	}
	if caps.DailyCounters {
		if err := s.resetDailyCounters(ctx); err != nil {
			return fmt.Errorf("daily reset: %w", err)
		}
	}
	if err := s.resetHourlyCounters(ctx, caps); err != nil {
		return fmt.Errorf("hourly reset: %w", err)
	}
	return nil
}

// ensureBaseline derives the cached reset timestamps on first use by
// reading the table minimums; an empty table initializes to the current
// boundaries so no spurious reset fires on a fresh database.
func (s *Store) ensureBaseline(ctx context.Context, caps Capabilities) error {
	if s.lastHourlyReset != 0 {
		return nil
	}
	now := s.now().UTC()

	var hourly int64
	if err := s.db.GetContext(ctx, &hourly,
		fmt.Sprintf("SELECT COALESCE(MIN(last_reset_timestamp), 0) FROM %s", ipTable)); err != nil {
		return err
	}
	if hourly == 0 {
		hourly = hourStart(now)
	}
	s.lastHourlyReset = hourly

	if caps.DailyCounters {
		var daily int64
		if err := s.db.GetContext(ctx, &daily,
			fmt.Sprintf("SELECT COALESCE(MIN(last_day_reset_timestamp), 0) FROM %s", ipTable)); err != nil {
			return err
		}
		if daily == 0 {
			daily = dayStart(now)
		}
		s.lastDailyReset = daily
	}

	if caps.MonthlyCounters {
		var monthly int64
		if err := s.db.GetContext(ctx, &monthly,
			fmt.Sprintf("SELECT COALESCE(MIN(last_month_reset_timestamp), 0) FROM %s", ipTable)); err != nil {
			return err
		}
		if monthly == 0 {
			monthly = monthStart(now)
		}
		s.lastMonthlyReset = monthly
	}
	return nil
}

func (s *Store) resetMonthlyCounters(ctx context.Context) error {
	boundary := monthStart(s.now().UTC())
	if boundary <= s.lastMonthlyReset {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET requests_this_month = 0, last_month_reset_timestamp = $1", ipTable),
		boundary); err != nil {
		return err
	}
	s.logger.Info("monthly counters reset", zap.Int64("boundary", boundary))
	s.lastMonthlyReset = boundary
	return nil
}

func (s *Store) resetDailyCounters(ctx context.Context) error {
	boundary := dayStart(s.now().UTC())
	if boundary <= s.lastDailyReset {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET requests_today = 0, origins_today = '{}'::jsonb, last_day_reset_timestamp = $1", ipTable),
		boundary); err != nil {
		return err
	}
	s.logger.Info("daily counters reset", zap.Int64("boundary", boundary))
	s.lastDailyReset = boundary
	return nil
}

// resetHourlyCounters snapshots the just-closed hour into the history
// table, shifts current-hour counters into the previous-hour window,
// and stamps every row with the new reset timestamp. When more than one
// hour elapsed since the cached reset (proxy was down or idle), both
// windows are cleared instead of shifted: the data is too old to weigh.
func (s *Store) resetHourlyCounters(ctx context.Context, caps Capabilities) error {
	current := hourStart(s.now().UTC())
	if current <= s.lastHourlyReset {
		return nil
	}
	closedHour := s.lastHourlyReset

	originsCol := "'{}'::jsonb"
	if caps.HourlyOriginMap {
		originsCol = "origins_last_hour"
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (hour_timestamp, ip, request_count, origins, created_at)
		 SELECT $1, ip, requests_last_hour, %s, NOW() FROM %s WHERE requests_last_hour > 0
		 ON CONFLICT (hour_timestamp, ip) DO NOTHING`,
		historyTable, originsCol, ipTable), closedHour); err != nil {
		return fmt.Errorf("history snapshot: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, buildHourlyShift(caps, current-closedHour == 3600), current); err != nil {
		return fmt.Errorf("window shift: %w", err)
	}
	s.logger.Info("hourly counters rolled",
		zap.Int64("closedHour", closedHour), zap.Int64("currentHour", current))
	s.lastHourlyReset = current

	if time.Since(s.lastHistoryCleanup) >= historyCleanupEvery {
		cutoff := s.now().UTC().Add(-historyRetention).Unix()
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE hour_timestamp < $1", historyTable), cutoff); err != nil {
			// retention is housekeeping; never fail the reset for it
			s.logger.Error("history cleanup failed", zap.Error(err))
		} else {
			s.lastHistoryCleanup = s.now()
		}
	}
	return nil
}

func buildHourlyShift(caps Capabilities, contiguous bool) string {
	sets := []string{}
	if caps.SlidingWindow {
		if contiguous {
			sets = append(sets, "requests_previous_hour = requests_last_hour")
			if caps.HourlyOriginMap {
				sets = append(sets, "origins_previous_hour = origins_last_hour")
			} else {
				sets = append(sets, "origins_previous_hour = '{}'::jsonb")
			}
		} else {
			sets = append(sets,
				"requests_previous_hour = 0",
				"origins_previous_hour = '{}'::jsonb")
		}
	}
	sets = append(sets, "requests_last_hour = 0")
	if caps.HourlyOriginMap {
		sets = append(sets, "origins_last_hour = '{}'::jsonb")
	}
	sets = append(sets, "last_reset_timestamp = $1")

	query := "UPDATE " + ipTable + " SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	return query
}

func hourStart(t time.Time) int64 {
	return t.Truncate(time.Hour).Unix()
}

func dayStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

func monthStart(t time.Time) int64 {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Unix()
}
