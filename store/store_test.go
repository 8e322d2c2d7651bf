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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/aggregate"
)

var fullSchemaColumns = []string{
	"ip", "requests_total", "requests_last_hour", "requests_previous_hour",
	"requests_today", "requests_this_month",
	"origins", "origins_last_hour", "origins_previous_hour", "origins_today",
	"last_reset_timestamp", "last_day_reset_timestamp", "last_month_reset_timestamp",
	"updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	return s, mock
}

func expectCapabilities(mock sqlmock.Sqlmock, columns []string, mergeFn bool) {
	rows := sqlmock.NewRows([]string{"column_name"})
	for _, c := range columns {
		rows.AddRow(c)
	}
	mock.ExpectQuery("information_schema.columns").WithArgs(ipTable).WillReturnRows(rows)
	mock.ExpectQuery("pg_proc").WithArgs("jsonb_add_merge").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(mergeFn))
}

func expectBaseline(mock sqlmock.Sqlmock, hourly, daily, monthly int64) {
	mock.ExpectQuery(`MIN\(last_reset_timestamp\)`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(hourly))
	mock.ExpectQuery(`MIN\(last_day_reset_timestamp\)`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(daily))
	mock.ExpectQuery(`MIN\(last_month_reset_timestamp\)`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(monthly))
}

func TestCapabilitiesProbe(t *testing.T) {
	s, mock := newMockStore(t)
	expectCapabilities(mock, []string{"ip", "requests_total", "requests_last_hour", "origins", "last_reset_timestamp", "updated_at"}, false)

	caps, err := s.Capabilities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if caps.SlidingWindow || caps.DailyCounters || caps.MonthlyCounters || caps.HourlyOriginMap || caps.AddMergeFunction {
		t.Errorf("minimal schema should disable every feature: %+v", caps)
	}

	// second call must be served from cache
	if _, err := s.Capabilities(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCapabilitiesRetriesAfterFailedProbe(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Date(2024, 5, 14, 15, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// database unreachable on the first probe
	mock.ExpectQuery("information_schema.columns").WithArgs(ipTable).
		WillReturnError(errors.New("dial tcp: connection refused"))
	if _, err := s.Capabilities(context.Background()); err == nil {
		t.Fatal("expected the first probe to fail")
	}

	// a failed probe must not be cached: once the database is back the
	// adapter recovers without a process restart
	expectCapabilities(mock, fullSchemaColumns, true)
	caps, err := s.Capabilities(context.Background())
	if err != nil {
		t.Fatalf("database is healthy again but Capabilities still fails: %v", err)
	}
	if !caps.SlidingWindow {
		t.Errorf("full schema should enable the sliding window: %+v", caps)
	}

	// and the flush path works on the very next cycle
	expectBaseline(mock, hourStart(now), dayStart(now), monthStart(now))
	if err := s.UpdateCounters(context.Background(), nil); err != nil {
		t.Fatalf("UpdateCounters after recovery: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHourlySnapshotBeforeShift(t *testing.T) {
	s, mock := newMockStore(t)

	// 15:00:05 UTC; the cached reset will come back as 14:00:00
	now := time.Date(2024, 5, 14, 15, 0, 5, 0, time.UTC)
	s.now = func() time.Time { return now }
	closedHour := time.Date(2024, 5, 14, 14, 0, 0, 0, time.UTC).Unix()
	currentHour := time.Date(2024, 5, 14, 15, 0, 0, 0, time.UTC).Unix()

	expectCapabilities(mock, fullSchemaColumns, true)
	expectBaseline(mock, closedHour, dayStart(now), monthStart(now))

	// snapshot of the closed hour strictly precedes the zeroing shift
	mock.ExpectExec(`INSERT INTO ip_history_table`).
		WithArgs(closedHour).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`requests_previous_hour = requests_last_hour`).
		WithArgs(currentHour).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM ip_history_table`).
		WithArgs(now.Add(-historyRetention).Unix()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateCounters(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHourlyGapClearsBothWindows(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Date(2024, 5, 14, 18, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	staleHour := time.Date(2024, 5, 14, 14, 0, 0, 0, time.UTC).Unix() // 4 hours ago

	expectCapabilities(mock, fullSchemaColumns, true)
	expectBaseline(mock, staleHour, dayStart(now), monthStart(now))

	mock.ExpectExec(`INSERT INTO ip_history_table`).
		WithArgs(staleHour).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`requests_previous_hour = 0`).
		WithArgs(hourStart(now)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM ip_history_table`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateCounters(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMonthlyAndDailyResetBeforeUpserts(t *testing.T) {
	s, mock := newMockStore(t)

	// first flush after midnight on the first of the month
	now := time.Date(2024, 6, 1, 0, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }
	prevHour := time.Date(2024, 5, 31, 23, 0, 0, 0, time.UTC).Unix()
	prevDay := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC).Unix()
	prevMonth := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC).Unix()

	expectCapabilities(mock, fullSchemaColumns, true)
	expectBaseline(mock, prevHour, prevDay, prevMonth)

	mock.ExpectExec(`requests_this_month = 0`).
		WithArgs(monthStart(now)).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec(`requests_today = 0`).
		WithArgs(dayStart(now)).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec(`INSERT INTO ip_history_table`).
		WithArgs(prevHour).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`requests_previous_hour = requests_last_hour`).
		WithArgs(hourStart(now)).
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec(`DELETE FROM ip_history_table`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	// then the batch row lands in the fresh windows
	mock.ExpectExec(`INSERT INTO ip_table`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`requests_today = ip_table.requests_today`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	batch := map[string]*aggregate.IPEntry{
		"1.2.3.4": {Count: 7, Origins: map[string]int64{"example.com": 7}},
	}
	if err := s.UpdateCounters(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBuildUpsertUsesAddMerge(t *testing.T) {
	caps := Capabilities{SlidingWindow: true, DailyCounters: true, MonthlyCounters: true, HourlyOriginMap: true, AddMergeFunction: true}
	query, args := buildUpsert(caps, "1.2.3.4", 5, `{"example.com":5}`, 100, 200, 300)
	if !strings.Contains(query, "jsonb_add_merge(ip_table.origins, EXCLUDED.origins)") {
		t.Errorf("expected ADD merge in query: %s", query)
	}
	if !strings.Contains(query, "requests_this_month = ip_table.requests_this_month + EXCLUDED.requests_this_month") {
		t.Errorf("expected monthly accumulation: %s", query)
	}
	if len(args) != 6 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildUpsertFallsBackToLastWriteWins(t *testing.T) {
	caps := Capabilities{HourlyOriginMap: true}
	query, args := buildUpsert(caps, "1.2.3.4", 5, `{}`, 100, 0, 0)
	if strings.Contains(query, "jsonb_add_merge") {
		t.Errorf("no merge function available, query must not use it: %s", query)
	}
	if !strings.Contains(query, "origins = EXCLUDED.origins") {
		t.Errorf("expected LWW merge: %s", query)
	}
	if strings.Contains(query, "requests_this_month") || strings.Contains(query, "last_day_reset_timestamp") {
		t.Errorf("degraded schema must not reference missing columns: %s", query)
	}
	if len(args) != 4 {
		t.Errorf("args = %v (placeholders must match bound arguments)", args)
	}
}

func TestPerRowFailureDoesNotAbortBatch(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Date(2024, 5, 14, 15, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	expectCapabilities(mock, fullSchemaColumns, true)
	expectBaseline(mock, hourStart(now), dayStart(now), monthStart(now))

	// no resets fire; two upserts follow, the first errors
	mock.ExpectExec(`INSERT INTO ip_table`).
		WillReturnError(errors.New("value too long for type character varying(45)"))
	mock.ExpectExec(`INSERT INTO ip_table`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`requests_today = ip_table.requests_today`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	batch := map[string]*aggregate.IPEntry{
		"a-bad-row": {Count: 1, Origins: map[string]int64{}},
		"5.6.7.8":   {Count: 2, Origins: map[string]int64{}},
	}
	// map iteration order is random; force it by splitting the batch
	if err := s.UpdateCounters(context.Background(), map[string]*aggregate.IPEntry{"a-bad-row": batch["a-bad-row"]}); err != nil {
		t.Fatalf("row failure must not abort the batch: %v", err)
	}
	if err := s.UpdateCounters(context.Background(), map[string]*aggregate.IPEntry{"5.6.7.8": batch["5.6.7.8"]}); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestBatchFailurePropagates(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Date(2024, 5, 14, 15, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	expectCapabilities(mock, fullSchemaColumns, true)
	expectBaseline(mock, hourStart(now), dayStart(now), monthStart(now))

	mock.ExpectExec(`INSERT INTO ip_table`).WillReturnError(context.DeadlineExceeded)

	batch := map[string]*aggregate.IPEntry{
		"1.2.3.4": {Count: 1, Origins: map[string]int64{}},
	}
	if err := s.UpdateCounters(context.Background(), batch); err == nil {
		t.Fatal("connection-level failure must propagate for merge-back")
	}
}

func TestFilterOrigins(t *testing.T) {
	in := map[string]int64{
		"example.com":    5,
		"localhost":      3,
		"localhost:3000": 2,
		"10.0.0.1":       1,
		"db.internal":    4,
		"sub.example.io": 6,
		"negative.com":   0,
	}
	got := FilterOrigins(in)
	if len(got) != 2 || got["example.com"] != 5 || got["sub.example.io"] != 6 {
		t.Errorf("filtered = %v", got)
	}

	// idempotence
	again := FilterOrigins(got)
	if len(again) != len(got) {
		t.Errorf("FilterOrigins is not idempotent: %v vs %v", again, got)
	}
	for k, v := range got {
		if again[k] != v {
			t.Errorf("idempotence violated for %q", k)
		}
	}

	if out := FilterOrigins(nil); len(out) != 0 {
		t.Errorf("nil input should filter to empty, got %v", out)
	}
}

func TestHourlyCountsQueries(t *testing.T) {
	s, mock := newMockStore(t)
	expectCapabilities(mock, fullSchemaColumns, true)

	originRows := sqlmock.NewRows([]string{"key", "current", "previous"}).
		AddRow("a.test", int64(8), int64(10)).
		AddRow("b.test", int64(1), int64(0))
	mock.ExpectQuery(`jsonb_each_text\(origins_last_hour\)`).
		WithArgs(0.5).WillReturnRows(originRows)

	ipRows := sqlmock.NewRows([]string{"key", "current", "previous"}).
		AddRow("1.2.3.4", int64(50), int64(20))
	mock.ExpectQuery(`requests_previous_hour AS previous`).
		WithArgs(0.5).WillReturnRows(ipRows)

	origins, ips, err := s.HourlyCounts(context.Background(), 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(origins) != 2 || origins[0].Key != "a.test" || origins[0].Previous != 10 {
		t.Errorf("origins = %+v", origins)
	}
	if len(ips) != 1 || ips[0].Current != 50 {
		t.Errorf("ips = %+v", ips)
	}
}

func TestDailyCountsDisabledWithoutColumns(t *testing.T) {
	s, mock := newMockStore(t)
	expectCapabilities(mock, []string{"ip", "requests_total", "requests_last_hour", "origins", "last_reset_timestamp"}, false)

	origins, ips, err := s.DailyCounts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if origins != nil || ips != nil {
		t.Errorf("daily counts should be empty without the columns: %v %v", origins, ips)
	}
}
