package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Agent.Hostname)
	assert.Equal(t, "signed_policy.json", cfg.Agent.PolicyPath)
	assert.Equal(t, "http", cfg.Relay.Transport)
	assert.Equal(t, "http://127.0.0.1:8000/api/relay", cfg.Relay.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Relay.Timeout())
	assert.Equal(t, "/var/lib/edr-agent/relay_queue.log", cfg.Queue.Path)
	assert.Equal(t, 20*time.Second, cfg.Collectors.NetworkInterval())
	assert.Equal(t, 30*time.Second, cfg.Collectors.SessionInterval())
	assert.Equal(t, []string{"/tmp", "/etc"}, cfg.Collectors.WatchPaths)
	assert.Equal(t, time.Minute, cfg.Flush.Interval())
	assert.Equal(t, "127.0.0.1:8085", cfg.Status.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  hostname: ws-042
  trusted_keys: ["aa"]
relay:
  transport: kafka
  kafka_brokers: ["broker-1:9092", "broker-2:9092"]
  kafka_topic: endpoint-telemetry
queue:
  path: /var/lib/edr/queue.log
collectors:
  watch_paths: [/srv]
logging:
  level: debug
  format: console
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws-042", cfg.Agent.Hostname)
	assert.Equal(t, []string{"aa"}, cfg.Agent.TrustedKeys)
	assert.Equal(t, "kafka", cfg.Relay.Transport)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Relay.KafkaBrokers)
	assert.Equal(t, "endpoint-telemetry", cfg.Relay.KafkaTopic)
	assert.Equal(t, "/var/lib/edr/queue.log", cfg.Queue.Path)
	assert.Equal(t, []string{"/srv"}, cfg.Collectors.WatchPaths)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Relay.TimeoutSeconds, "unset keys keep defaults")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EDR_RELAY_ENDPOINT", "https://relay.example.net/api/relay")
	t.Setenv("EDR_QUEUE_PATH", "/data/q.log")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.net/api/relay", cfg.Relay.Endpoint)
	assert.Equal(t, "/data/q.log", cfg.Queue.Path)
}

func TestAuthToken(t *testing.T) {
	t.Setenv("EDR_RELAY_TOKEN", "s3cret")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.AuthToken())

	cfg.Relay.AuthTokenEnv = ""
	assert.Empty(t, cfg.AuthToken())
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"unknown transport": "relay:\n  transport: carrier-pigeon\n",
		"kafka no brokers":  "relay:\n  transport: kafka\n",
		"zero timeout":      "relay:\n  timeout_seconds: 0\n",
		"empty queue path":  "queue:\n  path: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
