// Package config loads keel configuration from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/keel/pkg/execution"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KEEL_NETWORK_RPC_URL.
const EnvPrefix = "KEEL"

// Config holds all application configuration.
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Journal   JournalConfig   `mapstructure:"journal"`
	EventBus  EventBusConfig  `mapstructure:"event_bus"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
	Log       LogConfig       `mapstructure:"log"`
	API       APIConfig       `mapstructure:"api"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type NetworkConfig struct {
	RPCURL string `mapstructure:"rpc_url" validate:"required,url"`
	// ChainID, when set, must match the chain behind RPCURL.
	ChainID           uint64  `mapstructure:"chain_id"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
}

// ExecutionConfig bounds interactions and batches.
type ExecutionConfig struct {
	execution.Config    `mapstructure:",squash"`
	MaxBatchConcurrency int `mapstructure:"max_batch_concurrency" validate:"gte=1"`
}

// JournalConfig selects the journal store. The URL scheme picks the backend: file://, badger://,
// postgres://, redis:// or memory://.
type JournalConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

type EventBusConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=none gochannel kafka"`
	Topic    string `mapstructure:"topic"    validate:"required_unless=Provider none"`
}

type ArtifactsConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

// AccountsConfig holds the sender keys. Leave PrivateKeys empty to use the node's unlocked accounts.
type AccountsConfig struct {
	PrivateKeys []string `mapstructure:"private_keys" validate:"dive,required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
}

type APIConfig struct {
	Port            int           `mapstructure:"port"             validate:"gte=1,lte=65535"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required_if=Enabled true"`
}

// LoadConfig loads configuration from configPath, when given, and KEEL_ environment variables, then
// validates it.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	defaults := execution.DefaultConfig()

	v.SetDefault("network.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("network.chain_id", 0)
	v.SetDefault("network.requests_per_second", 0)
	v.SetDefault("execution.required_confirmations", defaults.RequiredConfirmations)
	v.SetDefault("execution.time_before_bumping_fees", defaults.TimeBeforeBumpingFees.String())
	v.SetDefault("execution.max_fee_bumps", defaults.MaxFeeBumps)
	v.SetDefault("execution.block_polling_interval", defaults.PollInterval.String())
	v.SetDefault("execution.max_batch_concurrency", 5)
	v.SetDefault("journal.url", "file://./deployments")
	v.SetDefault("event_bus.provider", "none")
	v.SetDefault("event_bus.topic", "keel.deployments")
	v.SetDefault("artifacts.dir", "./artifacts")
	v.SetDefault("accounts.private_keys", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("api.port", 9091)
	v.SetDefault("api.shutdown_timeout", "10s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "keel")

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			var parseErr viper.ConfigParseError
			if errors.As(err, &parseErr) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}

			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}
