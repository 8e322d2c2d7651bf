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

package clientip

import (
	"net/http"
	"testing"
)

func newRequest(remoteAddr string, headers map[string]string) *http.Request {
	r, _ := http.NewRequest("POST", "https://proxy.example/", nil)
	r.RemoteAddr = remoteAddr
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestFromRequestHeaderPrecedence(t *testing.T) {
	for i, tc := range []struct {
		remote  string
		headers map[string]string
		expect  string
	}{
		{"9.9.9.9:1234", nil, "9.9.9.9"},
		{"9.9.9.9:1234", map[string]string{"X-Real-IP": "5.5.5.5"}, "5.5.5.5"},
		{"9.9.9.9:1234", map[string]string{"X-Real-IP": "5.5.5.5", "X-Forwarded-For": "1.1.1.1, 2.2.2.2"}, "1.1.1.1"},
		{"9.9.9.9:1234", map[string]string{"X-Forwarded-For": "1.1.1.1", "True-Client-IP": "3.3.3.3"}, "3.3.3.3"},
		{"9.9.9.9:1234", map[string]string{"True-Client-IP": "3.3.3.3", "CF-Connecting-IP": "4.4.4.4"}, "4.4.4.4"},
		{"9.9.9.9:1234", map[string]string{"Fastly-Client-IP": "6.6.6.6"}, "6.6.6.6"},
		{"9.9.9.9:1234", map[string]string{"CF-Connecting-IP": "::ffff:8.8.8.8"}, "8.8.8.8"},
		{"[::ffff:7.7.7.7]:443", nil, "7.7.7.7"},
		{"", nil, Unknown},
	} {
		got := FromRequest(newRequest(tc.remote, tc.headers))
		if got != tc.expect {
			t.Errorf("case %d: got %q, want %q", i, got, tc.expect)
		}
	}
}

func TestFromRequestNilNeverPanics(t *testing.T) {
	if got := FromRequest(nil); got != Unknown {
		t.Errorf("got %q, want %q", got, Unknown)
	}
}

func TestOrigin(t *testing.T) {
	r := newRequest("9.9.9.9:1", map[string]string{"Origin": "https://example.com"})
	if got := Origin(r); got != "https://example.com" {
		t.Errorf("got %q", got)
	}
	if got := Origin(newRequest("9.9.9.9:1", nil)); got != Unknown {
		t.Errorf("got %q, want %q", got, Unknown)
	}
}

func TestClean(t *testing.T) {
	for in, want := range map[string]string{
		"https://example.com/": "example.com",
		"http://example.com":   "example.com",
		"example.com/":         "example.com",
		"example.com":          "example.com",
	} {
		if got := Clean(in); got != want {
			t.Errorf("Clean(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClassify(t *testing.T) {
	public := []string{
		"https://example.com",
		"http://example.com/",
		"example.com",
		"https://sub.domain.example.co",
		"https://a-b.example.io",
	}
	for _, o := range public {
		if got := Classify(o); got != Public {
			t.Errorf("Classify(%q) = %v, want public", o, got)
		}
	}

	localLike := []string{
		"",
		Unknown,
		"null",
		"localhost",
		"https://localhost",
		"localhost.dev",
		"https://localhost:3000",
		"http://example.com:8080", // explicit port
		"https://127.0.0.1",
		"http://10.1.2.3",
		"https://172.16.0.1",
		"http://172.31.255.255",
		"https://192.168.1.1",
		"https://[::1]",
		"chrome-extension://abcdef",
		"moz-extension://abcdef",
		"file:///home/user/index.html",
		"https://myserver.local",
		"https://db.internal",
		"https://nas.lan",
		"https://router.home",
		"https://site.localhost",
		"intranet",             // single label
		"https://-bad.example", // hyphen-bounded label
		"https://bad-.example",
		"https://exa_mple.com", // underscore not allowed
		"https://example.c",    // TLD too short
		"https://example.c0m",  // TLD not alphabetic
		"https://8.8.8.8",      // bare public IP is not a domain
	}
	for _, o := range localLike {
		if got := Classify(o); got != LocalLike {
			t.Errorf("Classify(%q) = %v, want local-like", o, got)
		}
	}
}

func TestClassifyPublicBoundary172(t *testing.T) {
	// 172.15.x and 172.32.x are outside the RFC1918 172.16/12 block,
	// but bare IPs are never public domains either way.
	if Classify("https://172.15.0.1") != LocalLike {
		t.Error("bare IP should be local-like")
	}
	if Classify("https://172.32.0.1") != LocalLike {
		t.Error("bare IP should be local-like")
	}
}
