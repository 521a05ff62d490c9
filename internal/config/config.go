package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Port         int               `toml:"port"`
	RedisURL     string            `toml:"redis_url"`
	LoggingLevel string            `toml:"logging_level"`
	Backends     []BackendConfig   `toml:"backends"`
	Proxy        ProxyConfig       `toml:"proxy"`
	HealthCheck  HealthCheckConfig `toml:"health_check"`
	MethodRoutes map[string]string `toml:"method_routes"`
}

type BackendConfig struct {
	Label  string `toml:"label"`
	URL    string `toml:"url"`
	WSURL  string `toml:"ws_url"`
	Weight int    `toml:"weight"`
}

type ProxyConfig struct {
	TimeoutSecs      int `toml:"timeout_secs"`
	WSMaxConnsPerKey int `toml:"ws_max_conns_per_key"`
}

type HealthCheckConfig struct {
	IntervalSecs                  int    `toml:"interval_secs"`
	TimeoutSecs                   int    `toml:"timeout_secs"`
	Method                        string `toml:"method"`
	ConsecutiveFailuresThreshold  int    `toml:"consecutive_failures_threshold"`
	ConsecutiveSuccessesThreshold int    `toml:"consecutive_successes_threshold"`
}

// Timeout returns the data-plane upstream timeout.
func (p ProxyConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// Interval returns the pause between probe rounds.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSecs) * time.Second
}

// Timeout returns the per-probe timeout.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSecs) * time.Second
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize fills defaults and cleans up configuration values.
func (c *Config) Normalize() {
	if c.LoggingLevel == "" {
		c.LoggingLevel = "info"
	}
	if c.Proxy.TimeoutSecs == 0 {
		c.Proxy.TimeoutSecs = 30
	}
	if c.HealthCheck.IntervalSecs == 0 {
		c.HealthCheck.IntervalSecs = 10
	}
	if c.HealthCheck.TimeoutSecs == 0 {
		c.HealthCheck.TimeoutSecs = 5
	}
	if c.HealthCheck.Method == "" {
		c.HealthCheck.Method = "getHealth"
	}
	if c.HealthCheck.ConsecutiveFailuresThreshold == 0 {
		c.HealthCheck.ConsecutiveFailuresThreshold = 3
	}
	if c.HealthCheck.ConsecutiveSuccessesThreshold == 0 {
		c.HealthCheck.ConsecutiveSuccessesThreshold = 2
	}

	// Trailing slashes would produce double slashes when the request path
	// is appended during forwarding.
	for i := range c.Backends {
		c.Backends[i].URL = strings.TrimSuffix(c.Backends[i].URL, "/")
		c.Backends[i].WSURL = strings.TrimSuffix(c.Backends[i].WSURL, "/")
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.LoggingLevel)
	}

	if c.Proxy.TimeoutSecs <= 0 {
		return fmt.Errorf("invalid proxy.timeout_secs: %d", c.Proxy.TimeoutSecs)
	}
	if c.Proxy.WSMaxConnsPerKey < 0 {
		return fmt.Errorf("invalid proxy.ws_max_conns_per_key: %d", c.Proxy.WSMaxConnsPerKey)
	}

	if c.HealthCheck.IntervalSecs <= 0 {
		return fmt.Errorf("invalid health_check.interval_secs: %d", c.HealthCheck.IntervalSecs)
	}
	if c.HealthCheck.TimeoutSecs <= 0 {
		return fmt.Errorf("invalid health_check.timeout_secs: %d", c.HealthCheck.TimeoutSecs)
	}
	if c.HealthCheck.ConsecutiveFailuresThreshold < 1 {
		return fmt.Errorf("invalid health_check.consecutive_failures_threshold: %d", c.HealthCheck.ConsecutiveFailuresThreshold)
	}
	if c.HealthCheck.ConsecutiveSuccessesThreshold < 1 {
		return fmt.Errorf("invalid health_check.consecutive_successes_threshold: %d", c.HealthCheck.ConsecutiveSuccessesThreshold)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}

	labels := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.Label == "" {
			return fmt.Errorf("backend %d: label is required", i)
		}
		if labels[b.Label] {
			return fmt.Errorf("backend %s: duplicate label", b.Label)
		}
		labels[b.Label] = true

		if b.URL == "" {
			return fmt.Errorf("backend %s: url is required", b.Label)
		}
		parsedURL, err := url.Parse(b.URL)
		if err != nil {
			return fmt.Errorf("backend %s: invalid url: %w", b.Label, err)
		}
		if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
			return fmt.Errorf("backend %s: url must use http or https scheme, got: %s", b.Label, parsedURL.Scheme)
		}
		if parsedURL.Host == "" {
			return fmt.Errorf("backend %s: url must have a host", b.Label)
		}

		if b.WSURL != "" {
			parsedWS, err := url.Parse(b.WSURL)
			if err != nil {
				return fmt.Errorf("backend %s: invalid ws_url: %w", b.Label, err)
			}
			if parsedWS.Scheme != "ws" && parsedWS.Scheme != "wss" {
				return fmt.Errorf("backend %s: ws_url must use ws or wss scheme, got: %s", b.Label, parsedWS.Scheme)
			}
		}

		if b.Weight <= 0 {
			return fmt.Errorf("backend %s: invalid weight: %d", b.Label, b.Weight)
		}
	}

	for method, label := range c.MethodRoutes {
		if !labels[label] {
			return fmt.Errorf("method_routes.%s: unknown backend label %q", method, label)
		}
	}

	return nil
}
