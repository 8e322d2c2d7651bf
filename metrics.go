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

package rpcgate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcome label values.
const (
	outcomeForwarded   = "forwarded"
	outcomeParseError  = "parse_error"
	outcomeInvalid     = "invalid"
	outcomeBlocked     = "blocked_namespace"
	outcomeBlacklisted = "blacklisted"
	outcomeRateLimited = "rate_limited"
	outcomeUpstreamErr = "upstream_error"
)

var metrics = struct {
	requestCount       *prometheus.CounterVec
	fallbackCount      prometheus.Counter
	breakerTransitions *prometheus.CounterVec
	flushCount         *prometheus.CounterVec
	blockedOrigins     prometheus.Gauge
	blockedIPs         prometheus.Gauge
	blacklistSize      prometheus.Gauge
}{
	requestCount: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpcgate",
		Name:      "requests_total",
		Help:      "Requests by admission/forwarding outcome.",
	}, []string{"outcome"}),
	fallbackCount: promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rpcgate",
		Name:      "fallback_requests_total",
		Help:      "Requests served by the fallback upstream.",
	}),
	breakerTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpcgate",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker transitions by direction.",
	}, []string{"transition"}),
	flushCount: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpcgate",
		Name:      "aggregator_flushes_total",
		Help:      "Aggregator flush cycles by result.",
	}, []string{"result"}),
	blockedOrigins: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rpcgate",
		Name:      "ratelimit_blocked_origins",
		Help:      "Origins currently over a rate limit.",
	}),
	blockedIPs: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rpcgate",
		Name:      "ratelimit_blocked_ips",
		Help:      "Client IPs currently over a rate limit.",
	}),
	blacklistSize: promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rpcgate",
		Name:      "blacklist_entries",
		Help:      "Entries in the IP blacklist.",
	}),
}
