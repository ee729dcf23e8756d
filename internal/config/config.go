// Package config loads client and collector settings from built-in defaults,
// an optional YAML file and BLOCKLOG_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read as configuration. A double
// underscore separates key levels: BLOCKLOG_ENDPOINT__AUTH_KEY sets
// endpoint.auth_key.
const EnvPrefix = "BLOCKLOG_"

type Config struct {
	Endpoint  EndpointConfig  `koanf:"endpoint"`
	Batching  BatchingConfig  `koanf:"batching"`
	Log       LogConfig       `koanf:"log"`
	Trace     TraceConfig     `koanf:"trace"`
	Collector CollectorConfig `koanf:"collector"`
}

type EndpointConfig struct {
	URL           string        `koanf:"url"`
	AuthKey       string        `koanf:"auth_key"`
	RetryDelay    time.Duration `koanf:"retry_delay"`
	NavigationURL string        `koanf:"navigation_url"`
	// Connect disables outbound connections when false; records stay
	// buffered in memory.
	Connect bool `koanf:"connect"`
}

type BatchingConfig struct {
	FlushInterval     time.Duration `koanf:"flush_interval"`
	BlockChangeWindow time.Duration `koanf:"block_change_window"`
	GUIChangeWindow   time.Duration `koanf:"gui_change_window"`
}

type LogConfig struct {
	Level    string   `koanf:"level"`
	Sinks    []string `koanf:"sinks"`
	JSONPath string   `koanf:"json_path"`
}

type TraceConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type CollectorConfig struct {
	Addr       string `koanf:"addr"`
	AuthKey    string `koanf:"auth_key"`
	OutputPath string `koanf:"output_path"`
}

var defaults = map[string]any{
	"endpoint.url":                 "wss://scratch-log-endpoint.herokuapp.com/logging",
	"endpoint.auth_key":            "notthatsecret",
	"endpoint.retry_delay":         5 * time.Second,
	"endpoint.navigation_url":      "",
	"endpoint.connect":             true,
	"batching.flush_interval":      10 * time.Second,
	"batching.block_change_window": 800 * time.Millisecond,
	"batching.gui_change_window":   400 * time.Millisecond,
	"log.level":                    "info",
	"log.sinks":                    []string{"console"},
	"log.json_path":                "",
	"trace.enabled":                false,
	"trace.service_name":           "blocklog",
	"collector.addr":               ":8000",
	"collector.auth_key":           "notthatsecret",
	"collector.output_path":        "",
}

// Default returns the configuration without a file: defaults plus the
// environment.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: built-in defaults do not load: %v", err))
	}
	return cfg
}

// Load layers path (when non-empty and present) and the environment over
// the defaults, then validates the result.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return Config{}, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint.URL) == "" {
		errs = append(errs, errors.New("endpoint.url must not be empty"))
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{"endpoint.retry_delay", c.Endpoint.RetryDelay},
		{"batching.flush_interval", c.Batching.FlushInterval},
		{"batching.block_change_window", c.Batching.BlockChangeWindow},
		{"batching.gui_change_window", c.Batching.GUIChangeWindow},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.value))
		}
	}
	for _, sink := range c.Log.Sinks {
		switch sink {
		case "console", "json", "memory":
		default:
			errs = append(errs, fmt.Errorf("log.sinks: unknown sink %q", sink))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
