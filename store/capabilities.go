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

	"go.uber.org/zap"
)

// Capabilities records which optional schema features exist. Computed
// once per process and cached; absence of a feature selects a degraded
// query variant, never an error.
type Capabilities struct {
	// SlidingWindow: requests_previous_hour / origins_previous_hour
	// columns exist, enabling the weighted two-hour window.
	SlidingWindow bool `json:"slidingWindow"`

	// DailyCounters: requests_today / origins_today and the daily
	// reset timestamp exist.
	DailyCounters bool `json:"dailyCounters"`

	// MonthlyCounters: requests_this_month and the monthly reset
	// timestamp exist.
	MonthlyCounters bool `json:"monthlyCounters"`

	// HourlyOriginMap: origins_last_hour exists, so per-origin hourly
	// limiting has data.
	HourlyOriginMap bool `json:"hourlyOriginMap"`

	// AddMergeFunction: the jsonb_add_merge database function exists;
	// without it origin-map merges are last-write-wins.
	AddMergeFunction bool `json:"addMergeFunction"`
}

const columnsQuery = `SELECT column_name FROM information_schema.columns WHERE table_name = $1`

const mergeFnQuery = `SELECT EXISTS (SELECT 1 FROM pg_proc WHERE proname = $1)`

// Capabilities probes the schema on first use and caches the result
// for the life of the process. Only a successful probe is cached: an
// unreachable database at startup must not pin the adapter to an error
// forever, so failed probes are retried on the next call.
func (s *Store) Capabilities(ctx context.Context) (Capabilities, error) {
	s.capsMu.Lock()
	defer s.capsMu.Unlock()
	if s.capsLoaded {
		return s.caps, nil
	}

	caps, err := s.probeCapabilities(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	s.caps = caps
	s.capsLoaded = true
	s.logger.Info("schema capabilities detected",
		zap.Bool("slidingWindow", caps.SlidingWindow),
		zap.Bool("dailyCounters", caps.DailyCounters),
		zap.Bool("monthlyCounters", caps.MonthlyCounters),
		zap.Bool("hourlyOriginMap", caps.HourlyOriginMap),
		zap.Bool("addMergeFunction", caps.AddMergeFunction))
	return caps, nil
}

func (s *Store) probeCapabilities(ctx context.Context) (Capabilities, error) {
	var columns []string
	if err := s.db.SelectContext(ctx, &columns, columnsQuery, ipTable); err != nil {
		return Capabilities{}, err
	}
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}

	caps := Capabilities{
		SlidingWindow:   have["requests_previous_hour"] && have["origins_previous_hour"],
		DailyCounters:   have["requests_today"] && have["origins_today"] && have["last_day_reset_timestamp"],
		MonthlyCounters: have["requests_this_month"] && have["last_month_reset_timestamp"],
		HourlyOriginMap: have["origins_last_hour"],
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists, mergeFnQuery, "jsonb_add_merge"); err != nil {
		return Capabilities{}, err
	}
	caps.AddMergeFunction = exists
	return caps, nil
}
