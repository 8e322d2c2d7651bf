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
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultFlushInterval is the background-tasks cadence.
const DefaultFlushInterval = 10 * time.Second

// settlementEvery is how many successful flush cycles pass between
// settlement-transfer invocations.
const settlementEvery = 10

// CounterStore persists a batch of per-IP counts. Implemented by the
// store adapter.
type CounterStore interface {
	UpdateCounters(ctx context.Context, batch map[string]*IPEntry) error
}

// DemandUpdater receives per-origin demand. This is the extension point
// for the external settlement component.
type DemandUpdater interface {
	UpdateOriginDemand(ctx context.Context, demand map[string]int64) error
}

// TransferStep triggers the external settlement transfer. Invoked every
// settlementEvery successful cycles; errors are logged, never fatal.
type TransferStep interface {
	Transfer(ctx context.Context) error
}

// Flusher periodically drains a Counter into the store and the demand
// updater. It is single-flight: a tick that arrives while a flush is
// still running is skipped.
type Flusher struct {
	counter  *Counter
	store    CounterStore
	demand   DemandUpdater
	transfer TransferStep
	interval time.Duration
	logger   *zap.Logger

	running   sync.Mutex
	successes atomic.Int64
	failures  atomic.Int64
}

// NewFlusher wires a flush loop. demand and transfer may be nil when no
// settlement component is attached.
func NewFlusher(counter *Counter, store CounterStore, demand DemandUpdater, transfer TransferStep, interval time.Duration, logger *zap.Logger) *Flusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Flusher{
		counter:  counter,
		store:    store,
		demand:   demand,
		transfer: transfer,
		interval: interval,
		logger:   logger,
	}
}

// Run flushes on a ticker until ctx is done, then performs one final
// drain so shutdown does not lose the last window.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), f.interval)
			f.FlushOnce(flushCtx)
			cancel()
			return
		case <-ticker.C:
			f.FlushOnce(ctx)
		}
	}
}

// FlushOnce performs a single flush cycle. It returns true when the
// cycle ran (even if it failed) and false when skipped because another
// flush was still in progress.
func (f *Flusher) FlushOnce(ctx context.Context) bool {
	if !f.running.TryLock() {
		f.logger.Debug("flush still running; skipping tick")
		return false
	}
	defer f.running.Unlock()

	origins, ips := f.counter.Swap()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if f.demand == nil || len(origins) == 0 {
			return nil
		}
		return f.demand.UpdateOriginDemand(gctx, origins)
	})
	g.Go(func() error {
		// always invoked, even with an empty batch, so the store's
		// hourly/daily/monthly reset protocol keeps running
		return f.store.UpdateCounters(gctx, ips)
	})

	if err := g.Wait(); err != nil {
		f.failures.Add(1)
		f.logger.Error("flush failed; merging counts back for retry",
			zap.Int("origins", len(origins)), zap.Int("ips", len(ips)), zap.Error(err))
		f.counter.MergeBack(origins, ips)
		return true
	}

	n := f.successes.Add(1)
	if f.transfer != nil && n%settlementEvery == 0 {
		if err := f.transfer.Transfer(ctx); err != nil {
			f.logger.Error("settlement transfer failed", zap.Error(err))
		}
	}
	return true
}

// Stats reports flush-loop counters for the admin surface.
func (f *Flusher) Stats() (successes, failures int64) {
	return f.successes.Load(), f.failures.Load()
}
