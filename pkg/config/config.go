// Package config loads the audit-stream configuration from a YAML file
// with environment-variable overrides for the commonly tuned options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Server configures the HTTP/WebSocket listener.
type Server struct {
	ListenAddress  string   `yaml:"listenAddress"`
	TLSCertFile    string   `yaml:"tlsCertFile"`
	TLSKeyFile     string   `yaml:"tlsKeyFile"`
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Stream configures the server-side broadcaster and admission control.
// Intervals are expressed in milliseconds in the YAML form.
type Stream struct {
	// MaxConnections caps concurrent subscribers; further handshakes are
	// closed with 1013.
	MaxConnections int `yaml:"maxConnections"`
	// DebounceDelayMs bounds the broadcast rate under bursty change
	// notifications.
	DebounceDelayMs int `yaml:"debounceDelayMs"`
	// HeartbeatIntervalMs is the liveness sweep period.
	HeartbeatIntervalMs int `yaml:"heartbeatIntervalMs"`
	// AllowedOrigins is the Origin allow-list; requests without an Origin
	// header always pass.
	AllowedOrigins []string `yaml:"allowedOrigins"`
	// Permissive skips origin validation entirely (development mode).
	Permissive bool `yaml:"permissive"`
	// MessageSizeLimit caps inbound frames in bytes; larger frames close
	// the connection with 1009.
	MessageSizeLimit int64 `yaml:"messageSizeLimit"`
}

// Client configures the auditwatch side: reconnection, polling and
// fallback behavior.
type Client struct {
	Endpoint                string  `yaml:"endpoint"`
	PollingIntervalMs       int     `yaml:"pollingIntervalMs"`
	ConnectTimeoutMs        int     `yaml:"connectTimeoutMs"`
	HeartbeatIntervalMs     int     `yaml:"heartbeatIntervalMs"`
	MaxReconnectAttempts    int     `yaml:"maxReconnectAttempts"`
	ReconnectBaseIntervalMs int     `yaml:"reconnectBaseIntervalMs"`
	ReconnectMaxIntervalMs  int     `yaml:"reconnectMaxIntervalMs"`
	MaxConnectionFailures   int     `yaml:"maxConnectionFailures"`
	MessageSuccessThreshold float64 `yaml:"messageSuccessThreshold"`
	QualityCheckIntervalMs  int     `yaml:"qualityCheckIntervalMs"`
	FallbackRetryIntervalMs int     `yaml:"fallbackRetryIntervalMs"`
}

// Source configures where snapshots come from and how change
// notifications arrive.
type Source struct {
	// Path is the audit JSON file written by the external audit process.
	Path string `yaml:"path"`
	// Kafka optionally subscribes to a topic carrying change events in
	// addition to the file watcher.
	Kafka KafkaSource `yaml:"kafka"`
}

// KafkaSource configures the optional Kafka change-notification feed.
// Disabled unless both brokers and topic are set.
type KafkaSource struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"groupID"`
}

// Telemetry configures optional OpenTelemetry tracing.
type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"samplingRate"`
}

type Config struct {
	Server    Server    `yaml:"server"`
	Stream    Stream    `yaml:"stream"`
	Client    Client    `yaml:"client"`
	Source    Source    `yaml:"source"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Defaults returns the configuration used when no file and no overrides
// are present. The values match the documented protocol defaults.
func Defaults() Config {
	return Config{
		Server: Server{
			ListenAddress: ":3070",
		},
		Stream: Stream{
			MaxConnections:      50,
			DebounceDelayMs:     1000,
			HeartbeatIntervalMs: 30000,
			MessageSizeLimit:    1024,
		},
		Client: Client{
			Endpoint:                "http://localhost:3070",
			PollingIntervalMs:       10000,
			ConnectTimeoutMs:        10000,
			HeartbeatIntervalMs:     30000,
			MaxReconnectAttempts:    10,
			ReconnectBaseIntervalMs: 1000,
			ReconnectMaxIntervalMs:  30000,
			MaxConnectionFailures:   3,
			MessageSuccessThreshold: 0.5,
			QualityCheckIntervalMs:  60000,
			FallbackRetryIntervalMs: 30000,
		},
		Source: Source{
			Path: "./audit/GitRepoReport.json",
		},
		Telemetry: Telemetry{
			Exporter:     "none",
			SamplingRate: 1.0,
		},
	}
}

// Load reads the configuration file, applies defaults for unset values
// and then environment overrides. If configPath is empty it falls back to
// AUDITSTREAM_CONFIG_PATH and then "./config.yaml"; a missing default
// file is not an error.
func Load(configPath ...string) (Config, error) {
	path := ""
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if env := os.Getenv("AUDITSTREAM_CONFIG_PATH"); env != "" {
		path = env
	}

	config := Defaults()

	explicit := path != ""
	if path == "" {
		path = "./config.yaml"
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if explicit || !os.IsNotExist(err) {
			return config, fmt.Errorf("trying to open audit-stream config file %s: %v", path, err)
		}
	} else if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %v", path, err)
	}

	applyEnv(&config)
	return config, nil
}

// applyEnv layers AUDITSTREAM_* environment overrides on top of the file.
func applyEnv(c *Config) {
	if v := os.Getenv("AUDITSTREAM_LISTEN_ADDRESS"); v != "" {
		c.Server.ListenAddress = v
	}
	if v, ok := envInt("AUDITSTREAM_MAX_CONNECTIONS"); ok {
		c.Stream.MaxConnections = v
	}
	if v, ok := envInt("AUDITSTREAM_DEBOUNCE_DELAY_MS"); ok {
		c.Stream.DebounceDelayMs = v
	}
	if v, ok := envInt("AUDITSTREAM_HEARTBEAT_INTERVAL_MS"); ok {
		c.Stream.HeartbeatIntervalMs = v
	}
	if v := os.Getenv("AUDITSTREAM_ALLOWED_ORIGINS"); v != "" {
		c.Stream.AllowedOrigins = splitAndTrim(v)
	}
	if v, ok := envInt("AUDITSTREAM_MESSAGE_SIZE_LIMIT"); ok {
		c.Stream.MessageSizeLimit = int64(v)
	}
	if v, ok := envInt("AUDITSTREAM_POLLING_INTERVAL_MS"); ok {
		c.Client.PollingIntervalMs = v
	}
	if v, ok := envInt("AUDITSTREAM_MAX_RECONNECT_ATTEMPTS"); ok {
		c.Client.MaxReconnectAttempts = v
	}
	if v, ok := envInt("AUDITSTREAM_RECONNECT_BASE_INTERVAL_MS"); ok {
		c.Client.ReconnectBaseIntervalMs = v
	}
	if v, ok := envInt("AUDITSTREAM_RECONNECT_MAX_INTERVAL_MS"); ok {
		c.Client.ReconnectMaxIntervalMs = v
	}
	if v := os.Getenv("AUDITSTREAM_SNAPSHOT_PATH"); v != "" {
		c.Source.Path = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Duration accessors so callers deal in time.Duration, not raw millis.

func (s Stream) DebounceDelay() time.Duration { return millis(s.DebounceDelayMs) }

func (s Stream) HeartbeatInterval() time.Duration { return millis(s.HeartbeatIntervalMs) }

func (c Client) PollingInterval() time.Duration { return millis(c.PollingIntervalMs) }

func (c Client) ConnectTimeout() time.Duration { return millis(c.ConnectTimeoutMs) }

func (c Client) HeartbeatInterval() time.Duration { return millis(c.HeartbeatIntervalMs) }

func (c Client) ReconnectBaseInterval() time.Duration { return millis(c.ReconnectBaseIntervalMs) }

func (c Client) ReconnectMaxInterval() time.Duration { return millis(c.ReconnectMaxIntervalMs) }

func (c Client) QualityCheckInterval() time.Duration { return millis(c.QualityCheckIntervalMs) }

func (c Client) FallbackRetryInterval() time.Duration { return millis(c.FallbackRetryIntervalMs) }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Enabled reports whether the Kafka change feed is configured.
func (k KafkaSource) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}
