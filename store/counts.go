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
)

// queryRowCap bounds every limiter query; only the heaviest consumers
// matter for blocking decisions.
const queryRowCap = 10000

// HourlyCount is one entity's current/previous hour pair. The limiter
// combines them with the sliding-window weight.
type HourlyCount struct {
	Key      string `db:"key" json:"key"`
	Current  int64  `db:"current" json:"current"`
	Previous int64  `db:"previous" json:"previous"`
}

// DailyCount is one entity's current-day total.
type DailyCount struct {
	Key   string `db:"key" json:"key"`
	Count int64  `db:"count" json:"count"`
}

// HourlyCounts returns per-origin and per-IP hourly pairs ordered by
// weighted effective count descending, capped at queryRowCap rows each.
// Without the sliding-window columns the previous hour reads as zero
// (fixed-window degradation).
func (s *Store) HourlyCounts(ctx context.Context, previousHourWeight float64) (origins, ips []HourlyCount, err error) {
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return nil, nil, err
	}

	if caps.HourlyOriginMap {
		query := originHourlyQuery(caps)
		if err := s.db.SelectContext(ctx, &origins, query, previousHourWeight); err != nil {
			return nil, nil, fmt.Errorf("querying origin hourly counts: %w", err)
		}
	}

	if err := s.db.SelectContext(ctx, &ips, ipHourlyQuery(caps), previousHourWeight); err != nil {
		return nil, nil, fmt.Errorf("querying ip hourly counts: %w", err)
	}
	return origins, ips, nil
}

func originHourlyQuery(caps Capabilities) string {
	if !caps.SlidingWindow {
		return fmt.Sprintf(
			`SELECT e.key AS key, SUM((e.value)::bigint) AS current, 0::bigint AS previous
			 FROM %s, jsonb_each_text(origins_last_hour) AS e
			 GROUP BY e.key
			 ORDER BY SUM((e.value)::bigint) + 0 * $1 DESC
			 LIMIT %d`, ipTable, queryRowCap)
	}
	return fmt.Sprintf(
		`SELECT key, SUM(current) AS current, SUM(previous) AS previous FROM (
			SELECT e.key AS key, (e.value)::bigint AS current, 0::bigint AS previous
			FROM %s, jsonb_each_text(origins_last_hour) AS e
			UNION ALL
			SELECT e.key AS key, 0::bigint AS current, (e.value)::bigint AS previous
			FROM %s, jsonb_each_text(origins_previous_hour) AS e
		 ) AS u
		 GROUP BY key
		 ORDER BY SUM(current) + SUM(previous) * $1 DESC
		 LIMIT %d`, ipTable, ipTable, queryRowCap)
}

func ipHourlyQuery(caps Capabilities) string {
	if !caps.SlidingWindow {
		return fmt.Sprintf(
			`SELECT ip AS key, requests_last_hour AS current, 0::bigint AS previous
			 FROM %s WHERE requests_last_hour > 0
			 ORDER BY requests_last_hour + 0 * $1 DESC
			 LIMIT %d`, ipTable, queryRowCap)
	}
	return fmt.Sprintf(
		`SELECT ip AS key, requests_last_hour AS current, requests_previous_hour AS previous
		 FROM %s WHERE requests_last_hour > 0 OR requests_previous_hour > 0
		 ORDER BY requests_last_hour + requests_previous_hour * $1 DESC
		 LIMIT %d`, ipTable, queryRowCap)
}

// DailyCounts returns per-origin and per-IP current-day totals. With no
// daily columns in the schema both slices are empty and daily limiting
// is effectively disabled.
func (s *Store) DailyCounts(ctx context.Context) (origins, ips []DailyCount, err error) {
	caps, err := s.Capabilities(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !caps.DailyCounters {
		return nil, nil, nil
	}

	if err := s.db.SelectContext(ctx, &origins, fmt.Sprintf(
		`SELECT e.key AS key, SUM((e.value)::bigint) AS count
		 FROM %s, jsonb_each_text(origins_today) AS e
		 GROUP BY e.key
		 ORDER BY SUM((e.value)::bigint) DESC
		 LIMIT %d`, ipTable, queryRowCap)); err != nil {
		return nil, nil, fmt.Errorf("querying origin daily counts: %w", err)
	}

	if err := s.db.SelectContext(ctx, &ips, fmt.Sprintf(
		`SELECT ip AS key, requests_today AS count
		 FROM %s WHERE requests_today > 0
		 ORDER BY requests_today DESC
		 LIMIT %d`, ipTable, queryRowCap)); err != nil {
		return nil, nil, fmt.Errorf("querying ip daily counts: %w", err)
	}
	return origins, ips, nil
}
