// Copyright 2024 The Reliq Authors
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

package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all the application configuration.
type Config struct {
	// Minimal severity level of the logs.
	LogLevel string `mapstructure:"log_level"`

	// TCP address (<IP>:<port>) that the RPC server will bind to.
	RPCAddress string `mapstructure:"rpc_address"`

	// HTTP path which accepts the WebSocket upgrade.
	RPCPath string `mapstructure:"rpc_path"`

	// The amount of time, in milliseconds, a session survives without an
	// attached connection before it is evicted.
	IdleTTLMs int `mapstructure:"idle_ttl_ms"`

	// First retry delay, in milliseconds, for unacknowledged frames.
	BaseRetryMs int `mapstructure:"base_retry_ms"`

	// The ceiling, in milliseconds, for the exponential retry backoff.
	MaxBackoffMs int `mapstructure:"max_backoff_ms"`

	// The number of delivery attempts in any QoS stage before giving up.
	MaxRetries int `mapstructure:"max_retries"`

	// Retention, in milliseconds, of the inbound duplicate-detection
	// entries. Zero keeps them for the whole session lifetime.
	DedupWindowMs int `mapstructure:"dedup_window_ms"`

	// QoS level used for methods registered without an explicit one.
	QoSDefault int `mapstructure:"qos_default"`

	// The maximum size, in bytes, allowed for a single frame.
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`

	// The maximum number of live sessions. Zero means unlimited.
	MaxSessions int `mapstructure:"max_sessions"`

	// The maximum number of in-flight QoS1 frames per session.
	MaxOutboxPerSession int `mapstructure:"max_outbox_per_session"`

	// Size of the worker pool which runs the RPC pipeline.
	Workers int `mapstructure:"workers"`

	// Accept text WebSocket messages as DATA frames with id 0.
	TextCompat bool `mapstructure:"text_compat"`

	// Inbound messages per second allowed per connection. Zero disables
	// the limiter.
	RateLimit float64 `mapstructure:"rate_limit"`

	// Burst size of the per-connection rate limiter.
	RateBurst int `mapstructure:"rate_burst"`

	// Whether the Prometheus collectors are registered.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`

	// TCP address (<IP>:<port>) that the metrics exporter will bind to.
	MetricsAddress string `mapstructure:"metrics_address"`

	// HTTP path which exports the metrics.
	MetricsPath string `mapstructure:"metrics_path"`

	// TCP address (<IP>:<port>) of the admin API. Empty disables it.
	APIAddress string `mapstructure:"api_address"`
}

// ReadConfigFile reads the configuration file.
//
// The configuration file can be stored at one of the following locations:
//   - /etc/reliq.conf
//   - /etc/reliq/reliq.conf
//   - reliq.conf in the parent of the directory holding the executable
func ReadConfigFile() error {
	viper.SetConfigName("reliq.conf")
	viper.SetConfigType("toml")
	viper.AddConfigPath("/etc")
	viper.AddConfigPath("/etc/reliq")

	if exe, err := os.Executable(); err == nil {
		root := filepath.Dir(exe) + "/../"
		root = filepath.Dir(root)
		viper.AddConfigPath(root)
	}

	return viper.ReadInConfig()
}

// LoadConfig loads the configuration from the conf file, environment
// variables, or use the default values.
//
// Note: The ReadConfigFile must be called before in order to load the
// configuration from the conf file.
func LoadConfig() (Config, error) {
	viper.SetEnvPrefix("RELIQ")
	viper.AutomaticEnv()

	// Bind environment variables
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("rpc_address")
	_ = viper.BindEnv("rpc_path")
	_ = viper.BindEnv("idle_ttl_ms")
	_ = viper.BindEnv("base_retry_ms")
	_ = viper.BindEnv("max_backoff_ms")
	_ = viper.BindEnv("max_retries")
	_ = viper.BindEnv("dedup_window_ms")
	_ = viper.BindEnv("qos_default")
	_ = viper.BindEnv("max_frame_bytes")
	_ = viper.BindEnv("max_sessions")
	_ = viper.BindEnv("max_outbox_per_session")
	_ = viper.BindEnv("workers")
	_ = viper.BindEnv("text_compat")
	_ = viper.BindEnv("rate_limit")
	_ = viper.BindEnv("rate_burst")
	_ = viper.BindEnv("metrics_enabled")
	_ = viper.BindEnv("metrics_address")
	_ = viper.BindEnv("metrics_path")
	_ = viper.BindEnv("api_address")

	// Set the default values
	c := Config{
		LogLevel:            "info",
		RPCAddress:          ":9010",
		RPCPath:             "/",
		IdleTTLMs:           3000,
		BaseRetryMs:         50,
		MaxBackoffMs:        200,
		MaxRetries:          3,
		MaxFrameBytes:       65536,
		MaxOutboxPerSession: 1000,
		MetricsAddress:      ":8888",
		MetricsPath:         "/metrics",
	}

	err := viper.Unmarshal(&c)
	return c, err
}
