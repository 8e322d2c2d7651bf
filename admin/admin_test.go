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

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMatrix(t *testing.T) {
	h := New("s3cret", Sources{StartedAt: time.Now()}, nil)

	for _, path := range []string{"/status", "/ratelimitstatus", "/blackliststatus", "/metrics"} {
		assert.Equal(t, http.StatusUnauthorized, get(t, h, path, "").Code, "no header on %s", path)
		assert.Equal(t, http.StatusForbidden, get(t, h, path, "wrong").Code, "bad key on %s", path)
		assert.Equal(t, http.StatusOK, get(t, h, path, "s3cret").Code, "good key on %s", path)
	}
}

func TestDisabledWithoutKey(t *testing.T) {
	h := New("", Sources{StartedAt: time.Now()}, nil)

	// even a request presenting a key is refused
	assert.Equal(t, http.StatusForbidden, get(t, h, "/status", "anything").Code)
	assert.Equal(t, http.StatusForbidden, get(t, h, "/status", "").Code)
}

func TestStatusBody(t *testing.T) {
	started := time.Now().Add(-90 * time.Minute)
	h := New("k", Sources{
		Version:   "1.2.3",
		StartedAt: started,
		Breaker:   func() any { return map[string]string{"state": "closed"} },
		Flusher:   func() any { return map[string]int{"successes": 7} },
	}, nil)

	rec := get(t, h, "/status", "k")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "1.2.3", body["version"])
	assert.InDelta(t, 5400, body["uptimeSeconds"].(float64), 5)
	assert.Contains(t, body["uptime"], "hour")
	assert.Equal(t, map[string]any{"state": "closed"}, body["upstream"])
	assert.Nil(t, body["pending"])
}

func TestRateLimitStatusPassthrough(t *testing.T) {
	h := New("k", Sources{
		StartedAt: time.Now(),
		RateLimit: func() any {
			return map[string]any{"blockedIPs": []string{"9.9.9.9"}}
		},
	}, nil)

	rec := get(t, h, "/ratelimitstatus", "k")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []any{"9.9.9.9"}, body["blockedIPs"])
}

func TestMetricsServesPrometheusText(t *testing.T) {
	h := New("k", Sources{StartedAt: time.Now()}, nil)
	rec := get(t, h, "/metrics", "k")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestUnknownRouteStillAuthenticated(t *testing.T) {
	h := New("k", Sources{StartedAt: time.Now()}, nil)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/nope", "k").Code)
}
