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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/clientip"
	"github.com/rpcgate/rpcgate/rpc"
)

// maxRequestBody caps the accepted request size. Batches larger than
// this are not legitimate traffic.
const maxRequestBody = 10 << 20 // 10 MiB

// handleRPC is the POST / pipeline: identify, gate, validate, limit,
// dispatch, account. Admission failures are JSON-RPC errors on HTTP
// 200; only transport-level failures change the status code.
func (a *App) handleRPC(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	ip := clientip.FromRequest(r)
	origin := clientip.Origin(r)
	logger := a.logger.With(
		zap.String("requestId", requestID),
		zap.String("ip", ip),
		zap.String("origin", origin))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		metrics.requestCount.WithLabelValues(outcomeParseError).Inc()
		a.reject(w, logger, ip, origin, nil,
			rpc.NewError(nil, rpc.CodeParseError, "Parse error"))
		return
	}

	if a.blocklist != nil && a.blocklist.Contains(ip) {
		metrics.requestCount.WithLabelValues(outcomeBlacklisted).Inc()
		a.reject(w, logger, ip, origin, body,
			rpc.NewError(nil, rpc.CodeInvalidRequest, "Forbidden"))
		return
	}

	call, errResp := rpc.Parse(body)
	if errResp == nil {
		errResp = rpc.Validate(call)
	}
	if errResp != nil {
		metrics.requestCount.WithLabelValues(outcomeFor(errResp)).Inc()
		a.reject(w, logger, ip, origin, body, errResp)
		return
	}

	if a.limiter != nil {
		if d := a.limiter.Check(ip, origin); d.Limited {
			metrics.requestCount.WithLabelValues(outcomeRateLimited).Inc()
			resp := rpc.NewError(call.ResponseID(), rpc.CodeRateLimited, "Rate limit exceeded.")
			resp.Error.Data = map[string]any{
				"reason":     d.Reason,
				"retryAfter": int64(d.RetryAfter.Seconds()),
			}
			a.reject(w, logger, ip, origin, body, resp)
			return
		}
	}

	start := time.Now()
	res := a.dispatcher.Forward(r.Context(), body, r.Header)
	if res.Err != nil && res.StatusCode == 0 {
		metrics.requestCount.WithLabelValues(outcomeUpstreamErr).Inc()
		logger.Error("upstream dispatch failed", zap.Error(res.Err))
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}

	if res.UsedFallback {
		metrics.fallbackCount.Inc()
	}
	if res.OK() {
		metrics.requestCount.WithLabelValues(outcomeForwarded).Inc()
	} else {
		metrics.requestCount.WithLabelValues(outcomeUpstreamErr).Inc()
	}

	// only primary successes are billed; fallback traffic is free and
	// upstream errors are the operator's problem, not the caller's
	if res.OK() && !res.UsedFallback {
		n := int64(call.Len())
		a.counter.AddOrigin(origin, n)
		a.counter.AddIP(ip, origin, n)
	}

	logger.Debug("forwarded",
		zap.Strings("methods", call.Methods()),
		zap.Int("status", res.StatusCode),
		zap.Bool("fallback", res.UsedFallback),
		zap.Duration("elapsed", time.Since(start)))

	relay(w, res.Header, res.StatusCode, res.Body)
}

// handleProbe relays a diagnostic GET to whichever upstream answers,
// without feeding the breaker.
func (a *App) handleProbe(w http.ResponseWriter, r *http.Request) {
	res := a.dispatcher.Probe(r.Context())
	if res.Err != nil && res.StatusCode == 0 {
		http.Error(w, "upstream unavailable", http.StatusInternalServerError)
		return
	}
	relay(w, res.Header, res.StatusCode, res.Body)
}

func (a *App) handleWatchdog(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"ok":true,"uptimeSeconds":%d}`, int64(time.Since(a.startedAt).Seconds()))
}

// reject writes a JSON-RPC error with HTTP 200 and records the
// rejection in the audit log.
func (a *App) reject(w http.ResponseWriter, logger *zap.Logger, ip, origin string, body []byte, resp *rpc.ErrorResponse) {
	logger.Info("request rejected", zap.String("reason", resp.Reason()))
	a.rejects.Log(ip, origin, resp.Reason(), string(body))

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("writing rejection response", zap.Error(err))
	}
}

func outcomeFor(resp *rpc.ErrorResponse) string {
	switch resp.Error.Code {
	case rpc.CodeParseError:
		return outcomeParseError
	case rpc.CodeMethodNotFound:
		return outcomeBlocked
	default:
		return outcomeInvalid
	}
}

func relay(w http.ResponseWriter, header http.Header, status int, body []byte) {
	if ct := header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
