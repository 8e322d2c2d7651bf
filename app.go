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

// Package rpcgate is a TLS-terminating JSON-RPC reverse proxy with
// namespace filtering, per-IP/per-origin accounting, a polling
// rate limiter, an IP blacklist, and circuit-breaker failover between
// a primary and a fallback upstream.
package rpcgate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/admin"
	"github.com/rpcgate/rpcgate/aggregate"
	"github.com/rpcgate/rpcgate/blacklist"
	"github.com/rpcgate/rpcgate/breaker"
	"github.com/rpcgate/rpcgate/proxy"
	"github.com/rpcgate/rpcgate/ratelimit"
	"github.com/rpcgate/rpcgate/rejectlog"
	"github.com/rpcgate/rpcgate/store"
)

// Version is the release version, overridable at link time.
var Version = "dev"

// gaugeRefreshInterval is how often the blocklist-size gauges are
// recomputed.
const gaugeRefreshInterval = 30 * time.Second

// App is the assembled proxy. Provision builds the components, Start
// binds the listener and launches the background loops, Stop drains
// them.
type App struct {
	cfg    Config
	logger *zap.Logger
	db     *sqlx.DB

	startedAt time.Time

	brk        *breaker.Breaker
	dispatcher *proxy.Dispatcher
	blocklist  *blacklist.List
	limiter    *ratelimit.Limiter
	counter    *aggregate.Counter
	flusher    *aggregate.Flusher
	rejects    *rejectlog.Logger
	adminAPI   *admin.Handler

	router chi.Router
	server *http.Server

	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
	watchDone chan struct{}
}

// NewApp builds an unprovisioned App. db may be nil, which disables
// accounting and rate limiting; the proxy still validates, gates on the
// blacklist, and forwards.
func NewApp(cfg Config, db *sqlx.DB, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, db: db, logger: logger}
}

// Provision constructs every component and the router. No I/O except
// the initial blacklist load.
func (a *App) Provision() error {
	a.startedAt = time.Now()

	a.brk = breaker.New(breaker.Config{
		Primary:          a.cfg.PrimaryURL,
		Fallback:         a.cfg.FallbackURL,
		FailureThreshold: a.cfg.BreakerFailureThreshold,
		ResetTimeout:     time.Duration(a.cfg.BreakerResetTimeout),
	}, &meteredSink{inner: breaker.LogSink{Logger: a.logger.Named("breaker")}}, a.logger.Named("breaker"))

	a.dispatcher = proxy.New(a.brk, proxy.Config{
		RequestTimeout:             time.Duration(a.cfg.RequestTimeout),
		FallbackInsecureSkipVerify: a.cfg.FallbackInsecureSkipVerify,
	}, a.logger.Named("proxy"))

	if a.cfg.BlacklistFile != "" {
		a.blocklist = blacklist.New(a.cfg.BlacklistFile, a.logger.Named("blacklist"))
	}

	a.counter = aggregate.NewCounter(a.cfg.SyntheticOrigins)
	a.rejects = rejectlog.New(a.cfg.RejectLogFile, a.logger.Named("rejectlog"))

	if a.db != nil {
		st := store.New(a.db, a.logger.Named("store"))
		a.flusher = aggregate.NewFlusher(a.counter, st, nil, nil,
			time.Duration(a.cfg.FlushInterval), a.logger.Named("flusher"))
		a.limiter = ratelimit.New(st, a.cfg.RateLimits,
			time.Duration(a.cfg.RateLimitPollInterval), a.logger.Named("ratelimit"))
	}

	a.adminAPI = admin.New(a.cfg.AdminKey, admin.Sources{
		Version:   Version,
		StartedAt: a.startedAt,
		Breaker:   func() any { return a.brk.Snapshot() },
		RateLimit: a.rateLimitStatus,
		Blacklist: a.blacklistStatus,
		Flusher:   a.flusherStats,
		Counter:   func() any { return a.counter.Snapshot() },
	}, a.logger.Named("admin"))

	r := chi.NewRouter()
	r.Post("/", a.handleRPC)
	r.Get("/", a.handleProbe)
	r.Get("/watchdog", a.handleWatchdog)
	for _, p := range []string{"/status", "/ratelimitstatus", "/blackliststatus", "/metrics"} {
		r.Get(p, a.adminAPI.ServeHTTP)
	}
	a.router = r
	return nil
}

// Handler exposes the assembled router, mainly for tests.
func (a *App) Handler() http.Handler { return a.router }

// Start loads the TLS keypair, binds the listener and launches the
// background loops. A keypair that cannot be loaded is fatal.
func (a *App) Start() error {
	cert, err := tls.LoadX509KeyPair(a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("loading TLS keypair: %w", err)
	}

	a.server = &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel

	if a.flusher != nil {
		a.bgDone.Add(1)
		go func() {
			defer a.bgDone.Done()
			a.flusher.Run(ctx)
		}()
	}
	if a.limiter != nil {
		a.bgDone.Add(1)
		go func() {
			defer a.bgDone.Done()
			a.limiter.Run(ctx)
		}()
	}
	if a.blocklist != nil {
		a.watchDone = make(chan struct{})
		a.bgDone.Add(1)
		go func() {
			defer a.bgDone.Done()
			a.blocklist.Watch(a.watchDone)
		}()
	}
	a.bgDone.Add(1)
	go func() {
		defer a.bgDone.Done()
		a.refreshGauges(ctx)
	}()

	a.logger.Info("listening",
		zap.String("addr", a.cfg.Listen),
		zap.String("primary", a.cfg.PrimaryURL),
		zap.String("fallback", a.cfg.FallbackURL),
		zap.Bool("accounting", a.db != nil),
		zap.String("version", Version))

	err = a.server.ListenAndServeTLS("", "")
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains the server and the background loops, flushing pending
// counts and reject-log entries on the way out.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = a.server.Shutdown(ctx)
	}
	if a.bgCancel != nil {
		a.bgCancel()
	}
	if a.watchDone != nil {
		close(a.watchDone)
	}
	a.bgDone.Wait()
	a.rejects.Flush()
	if a.db != nil {
		if cerr := a.db.Close(); err == nil {
			err = cerr
		}
	}
	a.logger.Info("stopped")
	return err
}

// refreshGauges keeps the size gauges roughly current; exact values on
// every request are not worth the locking.
func (a *App) refreshGauges(ctx context.Context) {
	var lastSuccesses, lastFailures int64
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.blocklist != nil {
				metrics.blacklistSize.Set(float64(a.blocklist.Len()))
			}
			if a.limiter != nil {
				st := a.limiter.Status()
				metrics.blockedOrigins.Set(float64(len(st.BlockedOrigins)))
				metrics.blockedIPs.Set(float64(len(st.BlockedIPs)))
			}
			if a.flusher != nil {
				successes, failures := a.flusher.Stats()
				metrics.flushCount.WithLabelValues("success").Add(float64(successes - lastSuccesses))
				metrics.flushCount.WithLabelValues("failure").Add(float64(failures - lastFailures))
				lastSuccesses, lastFailures = successes, failures
			}
		}
	}
}

func (a *App) rateLimitStatus() any {
	if a.limiter == nil {
		return map[string]any{"enabled": false}
	}
	return a.limiter.Status()
}

func (a *App) blacklistStatus() any {
	if a.blocklist == nil {
		return map[string]any{"enabled": false}
	}
	return a.blocklist.Snapshot()
}

func (a *App) flusherStats() any {
	if a.flusher == nil {
		return nil
	}
	successes, failures := a.flusher.Stats()
	return map[string]int64{"successes": successes, "failures": failures}
}

// meteredSink counts breaker transitions in addition to the log lines
// the wrapped sink emits.
type meteredSink struct {
	inner breaker.AlertSink
}

func (m *meteredSink) BreakerOpened(upstream string) {
	metrics.breakerTransitions.WithLabelValues("opened").Inc()
	m.inner.BreakerOpened(upstream)
}

func (m *meteredSink) BreakerRecovered(upstream string) {
	metrics.breakerTransitions.WithLabelValues("recovered").Inc()
	m.inner.BreakerRecovered(upstream)
}
