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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rpcgate/rpcgate/breaker"
	"github.com/rpcgate/rpcgate/ratelimit"
)

// Config is the complete proxy configuration. It can be loaded from a
// JSON or YAML file and overridden field by field from the environment;
// environment values win.
type Config struct {
	// Listen is the TLS listener address.
	Listen string `json:"listen,omitempty" yaml:"listen"`

	// TLSCertFile and TLSKeyFile are read once at startup; the process
	// exits if either cannot be loaded.
	TLSCertFile string `json:"tlsCertFile,omitempty" yaml:"tlsCertFile"`
	TLSKeyFile  string `json:"tlsKeyFile,omitempty" yaml:"tlsKeyFile"`

	// PrimaryURL is the default upstream. Required.
	PrimaryURL string `json:"primaryUrl,omitempty" yaml:"primaryUrl"`

	// FallbackURL is the secondary upstream. When empty the breaker
	// never opens and failed requests have nowhere to retry.
	FallbackURL string `json:"fallbackUrl,omitempty" yaml:"fallbackUrl"`

	// FallbackInsecureSkipVerify disables TLS verification toward the
	// fallback only, for fallbacks fronted by self-signed certs.
	FallbackInsecureSkipVerify bool `json:"fallbackInsecureSkipVerify,omitempty" yaml:"fallbackInsecureSkipVerify"`

	// DatabaseURL is the Postgres DSN. When empty, accounting and rate
	// limiting are disabled and the proxy only validates and forwards.
	DatabaseURL string `json:"databaseUrl,omitempty" yaml:"databaseUrl"`

	// AdminKey enables the admin endpoints; empty disables them.
	AdminKey string `json:"adminKey,omitempty" yaml:"adminKey"`

	// BlacklistFile is the hot-reloaded IP deny list; empty disables.
	BlacklistFile string `json:"blacklistFile,omitempty" yaml:"blacklistFile"`

	// RejectLogFile receives one line per rejected request.
	RejectLogFile string `json:"rejectLogFile,omitempty" yaml:"rejectLogFile"`

	// RequestTimeout bounds each upstream POST; the fallback gets a
	// small additional buffer on top.
	RequestTimeout Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout"`

	// FlushInterval is the aggregator flush cadence.
	FlushInterval Duration `json:"flushInterval,omitempty" yaml:"flushInterval"`

	// RateLimitPollInterval is the limiter refresh cadence.
	RateLimitPollInterval Duration `json:"rateLimitPollInterval,omitempty" yaml:"rateLimitPollInterval"`

	// RateLimits holds the four tier ceilings; zero disables a tier.
	RateLimits ratelimit.Limits `json:"rateLimits,omitempty" yaml:"rateLimits"`

	// BreakerFailureThreshold is the consecutive-failure count that
	// opens the breaker (fallback required).
	BreakerFailureThreshold uint32 `json:"breakerFailureThreshold,omitempty" yaml:"breakerFailureThreshold"`

	// BreakerResetTimeout is how long the breaker stays open before
	// probing the primary again.
	BreakerResetTimeout Duration `json:"breakerResetTimeout,omitempty" yaml:"breakerResetTimeout"`

	// SyntheticOrigins are excluded from per-origin accounting, e.g.
	// the operator's own frontend.
	SyntheticOrigins []string `json:"syntheticOrigins,omitempty" yaml:"syntheticOrigins"`
}

// DefaultConfig returns the built-in defaults applied before file and
// environment overrides.
func DefaultConfig() Config {
	return Config{
		Listen:                  ":443",
		RequestTimeout:          Duration(10 * time.Second),
		FlushInterval:           Duration(10 * time.Second),
		RateLimitPollInterval:   Duration(10 * time.Second),
		BreakerFailureThreshold: breaker.DefaultFailureThreshold,
		BreakerResetTimeout:     Duration(breaker.DefaultResetTimeout),
	}
}

// LoadConfig builds the effective configuration: defaults, then the
// optional config file (JSON or YAML by extension), then environment
// variables.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides config fields from the environment.
func (cfg *Config) applyEnv() error {
	envString(&cfg.Listen, "LISTEN_ADDR")
	envString(&cfg.TLSCertFile, "TLS_CERT_FILE")
	envString(&cfg.TLSKeyFile, "TLS_KEY_FILE")
	envString(&cfg.PrimaryURL, "PRIMARY_RPC_URL")
	envString(&cfg.FallbackURL, "FALLBACK_RPC_URL")
	envString(&cfg.DatabaseURL, "DATABASE_URL")
	envString(&cfg.AdminKey, "ADMIN_API_KEY")
	envString(&cfg.BlacklistFile, "BLACKLIST_FILE")
	envString(&cfg.RejectLogFile, "REJECT_LOG_FILE")

	if v, ok := os.LookupEnv("SYNTHETIC_ORIGINS"); ok {
		cfg.SyntheticOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.SyntheticOrigins = append(cfg.SyntheticOrigins, o)
			}
		}
	}
	if v, ok := os.LookupEnv("FALLBACK_INSECURE_SKIP_VERIFY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FALLBACK_INSECURE_SKIP_VERIFY: %w", err)
		}
		cfg.FallbackInsecureSkipVerify = b
	}

	for _, d := range []struct {
		name string
		dst  *Duration
	}{
		{"REQUEST_TIMEOUT", &cfg.RequestTimeout},
		{"FLUSH_INTERVAL", &cfg.FlushInterval},
		{"RATE_LIMIT_POLL_INTERVAL", &cfg.RateLimitPollInterval},
		{"BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout},
	} {
		if err := envDuration(d.dst, d.name); err != nil {
			return err
		}
	}

	for _, l := range []struct {
		name string
		dst  *int64
	}{
		{"ORIGIN_HOURLY_LIMIT", &cfg.RateLimits.OriginHourly},
		{"IP_HOURLY_LIMIT", &cfg.RateLimits.IPHourly},
		{"ORIGIN_DAILY_LIMIT", &cfg.RateLimits.OriginDaily},
		{"IP_DAILY_LIMIT", &cfg.RateLimits.IPDaily},
	} {
		if err := envInt64(l.dst, l.name); err != nil {
			return err
		}
	}

	if v, ok := os.LookupEnv("BREAKER_FAILURE_THRESHOLD"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("BREAKER_FAILURE_THRESHOLD: %w", err)
		}
		cfg.BreakerFailureThreshold = uint32(n)
	}
	return nil
}

func envString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt64(dst *int64, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// envDuration accepts a Go duration string or a bare integer, which is
// taken as seconds.
func envDuration(dst *Duration, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		*dst = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = Duration(d)
	return nil
}

// Validate checks for configuration errors that cannot be corrected by
// defaulting.
func (cfg Config) Validate() error {
	if cfg.PrimaryURL == "" {
		return fmt.Errorf("primary upstream URL is required")
	}
	for _, u := range []string{cfg.PrimaryURL, cfg.FallbackURL} {
		if u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("upstream URL %q must be http(s)", u)
		}
	}
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS certificate and key files are required")
	}
	return nil
}

// Duration can be marshaled from JSON or YAML as either an integer
// nanosecond count or a Go duration string like "1m30s".
type Duration time.Duration

// UnmarshalJSON satisfies json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("duration value is empty")
	}
	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	return d.parse(s)
}

// MarshalJSON satisfies json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML satisfies yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }
