package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type AgentConfig struct {
	Hostname    string   `mapstructure:"hostname"` // empty = os.Hostname()
	PolicyPath  string   `mapstructure:"policy_path"`
	TrustedKeys []string `mapstructure:"trusted_keys"` // hex Ed25519 keys; empty = any embedded key
}

type RelayConfig struct {
	Transport          string   `mapstructure:"transport"` // http or kafka
	Endpoint           string   `mapstructure:"endpoint"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	AuthTokenEnv       string   `mapstructure:"auth_token_env"` // e.g. EDR_RELAY_TOKEN
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
	KafkaBrokers       []string `mapstructure:"kafka_brokers"`
	KafkaTopic         string   `mapstructure:"kafka_topic"`
}

type QueueConfig struct {
	Path string `mapstructure:"path"`
}

type FlushConfig struct {
	IntervalSeconds         int `mapstructure:"interval_seconds"`
	BackoffBaseSeconds      int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds       int `mapstructure:"backoff_max_seconds"`
	RecoveryCooldownSeconds int `mapstructure:"recovery_cooldown_seconds"`
}

type CollectorsConfig struct {
	NetworkIntervalSeconds int      `mapstructure:"network_interval_seconds"`
	SessionIntervalSeconds int      `mapstructure:"session_interval_seconds"`
	WatchPaths             []string `mapstructure:"watch_paths"`
	HashMaxBytes           int64    `mapstructure:"hash_max_bytes"`
}

type StatusConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty disables the server
}

type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Flush      FlushConfig      `mapstructure:"flush"`
	Collectors CollectorsConfig `mapstructure:"collectors"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.hostname", "")
	v.SetDefault("agent.policy_path", "signed_policy.json")
	v.SetDefault("agent.trusted_keys", []string{})

	v.SetDefault("relay.transport", "http")
	v.SetDefault("relay.endpoint", "http://127.0.0.1:8000/api/relay")
	v.SetDefault("relay.timeout_seconds", 5)
	v.SetDefault("relay.auth_token_env", "EDR_RELAY_TOKEN")
	v.SetDefault("relay.insecure_skip_verify", false)
	v.SetDefault("relay.kafka_brokers", []string{})
	v.SetDefault("relay.kafka_topic", "edr-telemetry")

	v.SetDefault("queue.path", "/var/lib/edr-agent/relay_queue.log")

	v.SetDefault("flush.interval_seconds", 60)
	v.SetDefault("flush.backoff_base_seconds", 5)
	v.SetDefault("flush.backoff_max_seconds", 300)
	v.SetDefault("flush.recovery_cooldown_seconds", 10)

	v.SetDefault("collectors.network_interval_seconds", 20)
	v.SetDefault("collectors.session_interval_seconds", 30)
	v.SetDefault("collectors.watch_paths", []string{"/tmp", "/etc"})
	v.SetDefault("collectors.hash_max_bytes", 10<<20)

	v.SetDefault("status.listen_addr", "127.0.0.1:8085")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads path (YAML) over the defaults. An empty path loads the
// defaults only. Every key can be overridden from the environment as
// EDR_<SECTION>_<KEY>, e.g. EDR_RELAY_ENDPOINT.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("EDR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Agent.Hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.Agent.Hostname = h
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	switch c.Relay.Transport {
	case "http":
		if c.Relay.Endpoint == "" {
			errs = append(errs, errors.New("relay.endpoint is required for http transport"))
		}
	case "kafka":
		if len(c.Relay.KafkaBrokers) == 0 || c.Relay.KafkaTopic == "" {
			errs = append(errs, errors.New("relay.kafka_brokers and relay.kafka_topic are required for kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.transport %q: want http or kafka", c.Relay.Transport))
	}
	if c.Relay.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("relay.timeout_seconds must be > 0"))
	}
	if c.Queue.Path == "" {
		errs = append(errs, errors.New("queue.path is required"))
	}
	if c.Agent.PolicyPath == "" {
		errs = append(errs, errors.New("agent.policy_path is required"))
	}
	return errors.Join(errs...)
}

// AuthToken returns the bearer token from the configured env var, or "".
func (c *Config) AuthToken() string {
	if c.Relay.AuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Relay.AuthTokenEnv)
}

func (r RelayConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (f FlushConfig) Interval() time.Duration    { return seconds(f.IntervalSeconds) }
func (f FlushConfig) BackoffBase() time.Duration { return seconds(f.BackoffBaseSeconds) }
func (f FlushConfig) BackoffMax() time.Duration  { return seconds(f.BackoffMaxSeconds) }
func (f FlushConfig) RecoveryCooldown() time.Duration {
	return seconds(f.RecoveryCooldownSeconds)
}

func (c CollectorsConfig) NetworkInterval() time.Duration { return seconds(c.NetworkIntervalSeconds) }
func (c CollectorsConfig) SessionInterval() time.Duration { return seconds(c.SessionIntervalSeconds) }
