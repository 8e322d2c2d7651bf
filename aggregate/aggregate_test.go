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

package aggregate

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func TestAddOriginCleansAndFilters(t *testing.T) {
	c := NewCounter([]string{"https://dashboard.rpcgate.io"})

	c.AddOrigin("https://example.com/", 1)
	c.AddOrigin("http://example.com", 2)
	c.AddOrigin("https://localhost:3000", 1)       // localhost discarded
	c.AddOrigin("https://app.localhost.evil", 1)   // contains localhost
	c.AddOrigin("https://dashboard.rpcgate.io", 5) // synthetic
	c.AddOrigin("", 1)
	c.AddOrigin("https://example.com", 0) // non-positive

	origins, _ := c.Swap()
	if len(origins) != 1 {
		t.Fatalf("origins = %v", origins)
	}
	if origins["example.com"] != 3 {
		t.Errorf("example.com = %d, want 3", origins["example.com"])
	}
}

func TestAddIPTracksPublicOriginsOnly(t *testing.T) {
	c := NewCounter(nil)

	c.AddIP("1.2.3.4", "https://example.com", 2)
	c.AddIP("1.2.3.4", "https://localhost:3000", 1) // counted, but no origin credit
	c.AddIP("::ffff:1.2.3.4", "https://example.com", 1)
	c.AddIP("127.0.0.1", "https://example.com", 9) // loopback never billed

	_, ips := c.Swap()
	entry, ok := ips["1.2.3.4"]
	if !ok {
		t.Fatalf("ips = %v", ips)
	}
	if entry.Count != 4 {
		t.Errorf("count = %d, want 4", entry.Count)
	}
	if entry.Origins["example.com"] != 3 {
		t.Errorf("origins = %v", entry.Origins)
	}
	if len(entry.Origins) != 1 {
		t.Errorf("local-like origins must not be credited: %v", entry.Origins)
	}
	if _, ok := ips["127.0.0.1"]; ok {
		t.Error("loopback should not appear")
	}
}

func TestSwapLeavesEmptyMaps(t *testing.T) {
	c := NewCounter(nil)
	c.AddOrigin("https://example.com", 1)
	c.AddIP("1.2.3.4", "https://example.com", 1)

	origins, ips := c.Swap()
	if len(origins) != 1 || len(ips) != 1 {
		t.Fatal("first swap should return the data")
	}
	origins, ips = c.Swap()
	if len(origins) != 0 || len(ips) != 0 {
		t.Error("second swap should be empty")
	}
}

func TestMergeBackSums(t *testing.T) {
	c := NewCounter(nil)
	c.AddOrigin("https://example.com", 1)
	c.AddIP("1.2.3.4", "https://example.com", 1)

	origins, ips := c.Swap()

	// new traffic lands while the flush is failing
	c.AddOrigin("https://example.com", 2)
	c.AddIP("1.2.3.4", "https://example.com", 2)

	c.MergeBack(origins, ips)

	gotOrigins, gotIPs := c.Swap()
	if gotOrigins["example.com"] != 3 {
		t.Errorf("origin count = %d, want 3", gotOrigins["example.com"])
	}
	if gotIPs["1.2.3.4"].Count != 3 {
		t.Errorf("ip count = %d, want 3", gotIPs["1.2.3.4"].Count)
	}
	if gotIPs["1.2.3.4"].Origins["example.com"] != 3 {
		t.Errorf("ip origin count = %d, want 3", gotIPs["1.2.3.4"].Origins["example.com"])
	}
}

func TestConcurrentMutationAndSwap(t *testing.T) {
	c := NewCounter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.AddIP("1.2.3.4", "https://example.com", 1)
			}
		}()
	}
	var total int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, ips := c.Swap()
			if entry, ok := ips["1.2.3.4"]; ok {
				total += entry.Count
			}
		}
	}()
	wg.Wait()
	<-done
	_, ips := c.Swap()
	if entry, ok := ips["1.2.3.4"]; ok {
		total += entry.Count
	}
	if total != 8000 {
		t.Errorf("total = %d, want 8000 (no lost or duplicated credits)", total)
	}
}

type fakeStore struct {
	mu      sync.Mutex
	batches []map[string]*IPEntry
	err     error
}

func (s *fakeStore) UpdateCounters(_ context.Context, batch map[string]*IPEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return s.err
}

type fakeDemand struct {
	mu    sync.Mutex
	calls []map[string]int64
	err   error
}

func (d *fakeDemand) UpdateOriginDemand(_ context.Context, demand map[string]int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, demand)
	return d.err
}

func TestFlushSuccess(t *testing.T) {
	c := NewCounter(nil)
	c.AddOrigin("https://example.com", 2)
	c.AddIP("1.2.3.4", "https://example.com", 2)

	st := &fakeStore{}
	dm := &fakeDemand{}
	f := NewFlusher(c, st, dm, nil, DefaultFlushInterval, zap.NewNop())

	if !f.FlushOnce(context.Background()) {
		t.Fatal("flush should run")
	}
	if len(st.batches) != 1 || st.batches[0]["1.2.3.4"].Count != 2 {
		t.Errorf("store batches = %v", st.batches)
	}
	if len(dm.calls) != 1 || dm.calls[0]["example.com"] != 2 {
		t.Errorf("demand calls = %v", dm.calls)
	}
	if s, fails := f.Stats(); s != 1 || fails != 0 {
		t.Errorf("stats = %d/%d", s, fails)
	}
}

func TestFlushAlwaysInvokesStore(t *testing.T) {
	// even an empty cycle must reach the store so resets keep running
	st := &fakeStore{}
	f := NewFlusher(NewCounter(nil), st, nil, nil, DefaultFlushInterval, zap.NewNop())
	f.FlushOnce(context.Background())
	if len(st.batches) != 1 {
		t.Errorf("store should be invoked with the empty batch, got %d calls", len(st.batches))
	}
}

func TestFlushFailureMergesBothHalvesBack(t *testing.T) {
	c := NewCounter(nil)
	c.AddOrigin("https://example.com", 3)
	c.AddIP("1.2.3.4", "https://example.com", 3)

	st := &fakeStore{err: errors.New("connection lost")}
	dm := &fakeDemand{}
	f := NewFlusher(c, st, dm, nil, DefaultFlushInterval, zap.NewNop())
	f.FlushOnce(context.Background())

	origins, ips := c.Swap()
	if origins["example.com"] != 3 {
		t.Errorf("origin half not restored: %v", origins)
	}
	if ips["1.2.3.4"] == nil || ips["1.2.3.4"].Count != 3 {
		t.Errorf("ip half not restored: %v", ips)
	}
	if _, fails := f.Stats(); fails != 1 {
		t.Errorf("failures = %d, want 1", fails)
	}
}

type countTransfer struct {
	mu    sync.Mutex
	calls int
}

func (ct *countTransfer) Transfer(context.Context) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.calls++
	return nil
}

func TestSettlementEveryTenCycles(t *testing.T) {
	ct := &countTransfer{}
	f := NewFlusher(NewCounter(nil), &fakeStore{}, nil, ct, DefaultFlushInterval, zap.NewNop())
	for i := 0; i < 25; i++ {
		f.FlushOnce(context.Background())
	}
	if ct.calls != 2 {
		t.Errorf("transfer calls = %d, want 2 after 25 cycles", ct.calls)
	}
}
