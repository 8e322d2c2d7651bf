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

// Package proxy forwards validated JSON-RPC bodies to the upstream
// selected by the circuit breaker, with one immediate fallback retry
// when the primary fails. Clients are constructed once at provision
// time and reused for every request.
package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rpcgate/rpcgate/breaker"
)

// Defaults for upstream calls. The fallback path gets a generous buffer
// on top of the request timeout because it is the last resort.
const (
	DefaultRequestTimeout = 10 * time.Second
	FallbackTimeoutBuffer = 5 * time.Second

	// maxResponseBody caps how much of an upstream response is read
	// into memory before relaying it.
	maxResponseBody = 32 << 20 // 32 MiB
)

// Config for a Dispatcher.
type Config struct {
	RequestTimeout time.Duration

	// FallbackInsecureSkipVerify tolerates a fallback upstream with a
	// self-signed or otherwise unverifiable certificate. It applies to
	// the fallback client only; the primary is always verified.
	FallbackInsecureSkipVerify bool
}

// Result is the outcome of a forwarded request.
type Result struct {
	StatusCode   int
	Header       http.Header
	Body         []byte
	UsedFallback bool
	Err          error
}

// OK reports whether the upstream answered successfully. Statuses of
// 500 and above count as failures so that a dying node trips the
// breaker even when it still speaks HTTP.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode > 0 && r.StatusCode < http.StatusInternalServerError
}

// Dispatcher owns the two upstream HTTP clients and the breaker-driven
// routing decision for every POST.
type Dispatcher struct {
	breaker        *breaker.Breaker
	primaryClient  *http.Client
	fallbackClient *http.Client
	logger         *zap.Logger
}

// New builds a Dispatcher around b.
func New(b *breaker.Breaker, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	fallbackTransport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.FallbackInsecureSkipVerify {
		fallbackTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Dispatcher{
		breaker:       b,
		logger:        logger,
		primaryClient: &http.Client{Timeout: timeout},
		fallbackClient: &http.Client{
			Timeout:   timeout + FallbackTimeoutBuffer,
			Transport: fallbackTransport,
		},
	}
}

// Forward sends body to the breaker-selected upstream and returns the
// response. The caller decides whether to credit the aggregator; only
// non-fallback successes are billable.
func (d *Dispatcher) Forward(ctx context.Context, body []byte, clientHeader http.Header) Result {
	url, usingFallback, done := d.breaker.Route()

	if usingFallback {
		if url == "" {
			return Result{StatusCode: http.StatusBadGateway, UsedFallback: true,
				Err: fmt.Errorf("breaker open and no fallback configured")}
		}
		res := d.post(ctx, d.fallbackClient, url, body, sanitizedHeaders(clientHeader))
		res.UsedFallback = true
		return res
	}

	res := d.post(ctx, d.primaryClient, url, body, forwardedHeaders(clientHeader))
	if res.OK() {
		done(true)
		return res
	}
	done(false)
	d.logger.Warn("primary upstream failed",
		zap.Int("status", res.StatusCode), zap.Error(res.Err))

	if !d.breaker.HasFallback() {
		return res
	}

	// one immediate retry through the fallback
	retry := d.post(ctx, d.fallbackClient, d.breaker.Fallback(), body, sanitizedHeaders(clientHeader))
	retry.UsedFallback = true
	if retry.OK() {
		return retry
	}

	// both sides failed: surface the primary's status if it had one
	status := res.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	errMsg := "upstream request failed"
	if res.Err != nil {
		errMsg = res.Err.Error()
	}
	return Result{
		StatusCode:   status,
		Body:         []byte(errMsg),
		UsedFallback: true,
		Err:          fmt.Errorf("primary and fallback both failed: %v / %v", res.Err, retry.Err),
	}
}

// Probe issues a diagnostic GET to the primary, falling through to the
// fallback on failure. Probe outcomes never feed the breaker; RPC nodes
// routinely 404 on GET and that says nothing about POST health.
func (d *Dispatcher) Probe(ctx context.Context) Result {
	res := d.get(ctx, d.primaryClient, d.breaker.Primary())
	if res.Err == nil {
		return res
	}
	if fallbackURL := d.breaker.Fallback(); fallbackURL != "" {
		retry := d.get(ctx, d.fallbackClient, fallbackURL)
		retry.UsedFallback = true
		return retry
	}
	return res
}

func (d *Dispatcher) post(ctx context.Context, client *http.Client, url string, body []byte, header http.Header) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Err: err}
	}
	req.Header = header
	return doRequest(client, req)
}

func (d *Dispatcher) get(ctx context.Context, client *http.Client, url string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: err}
	}
	return doRequest(client, req)
}

func doRequest(client *http.Client, req *http.Request) Result {
	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("reading upstream response: %w", err)}
	}
	return Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}
}

// forwardedHeaders clones the client's headers for the primary, forcing
// the content type and dropping hop-by-hop fields.
func forwardedHeaders(clientHeader http.Header) http.Header {
	h := http.Header{}
	for k, vals := range clientHeader {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Proxy-Authorization", "Proxy-Connection", "Content-Length", "Host":
			continue
		}
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	h.Set("Content-Type", "application/json")
	return h
}

// sanitizedHeaders is the minimal header set sent to the fallback:
// content type plus the client's user agent.
func sanitizedHeaders(clientHeader http.Header) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if ua := clientHeader.Get("User-Agent"); ua != "" {
		h.Set("User-Agent", ua)
	}
	return h
}
