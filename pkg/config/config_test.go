package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, ":3070", cfg.Server.ListenAddress)
	assert.Equal(t, 50, cfg.Stream.MaxConnections)
	assert.Equal(t, time.Second, cfg.Stream.DebounceDelay())
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval())
	assert.Equal(t, int64(1024), cfg.Stream.MessageSizeLimit)
	assert.Equal(t, 10*time.Second, cfg.Client.PollingInterval())
	assert.Equal(t, 10, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, time.Second, cfg.Client.ReconnectBaseInterval())
	assert.Equal(t, 30*time.Second, cfg.Client.ReconnectMaxInterval())
	assert.Equal(t, 3, cfg.Client.MaxConnectionFailures)
	assert.Equal(t, 0.5, cfg.Client.MessageSuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Client.FallbackRetryInterval())
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
}

func TestLoad(t *testing.T) {
	t.Run("reads values from a YAML file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := []byte(`
server:
  listenAddress: ":9999"
stream:
  maxConnections: 5
  debounceDelayMs: 250
  allowedOrigins:
    - "https://dashboard.example.com"
source:
  path: /var/lib/audit/report.json
`)
		require.NoError(t, os.WriteFile(path, content, 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.ListenAddress)
		assert.Equal(t, 5, cfg.Stream.MaxConnections)
		assert.Equal(t, 250*time.Millisecond, cfg.Stream.DebounceDelay())
		assert.Equal(t, []string{"https://dashboard.example.com"}, cfg.Stream.AllowedOrigins)
		assert.Equal(t, "/var/lib/audit/report.json", cfg.Source.Path)
		// Untouched sections keep their defaults.
		assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval())
	})

	t.Run("errors on an explicitly named missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("errors on malformed YAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stream: [not a map"), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("applies environment overrides on top of the file", func(t *testing.T) {
		t.Setenv("AUDITSTREAM_MAX_CONNECTIONS", "7")
		t.Setenv("AUDITSTREAM_ALLOWED_ORIGINS", "https://a.example, https://b.example")
		t.Setenv("AUDITSTREAM_SNAPSHOT_PATH", "/tmp/report.json")

		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stream:\n  maxConnections: 5\n"), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Stream.MaxConnections)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Stream.AllowedOrigins)
		assert.Equal(t, "/tmp/report.json", cfg.Source.Path)
	})

	t.Run("ignores unparseable numeric overrides", func(t *testing.T) {
		t.Setenv("AUDITSTREAM_MAX_CONNECTIONS", "lots")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 50, cfg.Stream.MaxConnections)
	})
}

func TestKafkaSourceEnabled(t *testing.T) {
	assert.False(t, KafkaSource{}.Enabled())
	assert.False(t, KafkaSource{Brokers: []string{"kafka:9092"}}.Enabled())
	assert.False(t, KafkaSource{Topic: "audit-events"}.Enabled())
	assert.True(t, KafkaSource{Brokers: []string{"kafka:9092"}, Topic: "audit-events"}.Enabled())
}
