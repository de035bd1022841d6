package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8545", cfg.Network.RPCURL)
	assert.Equal(t, uint64(1), cfg.Execution.RequiredConfirmations)
	assert.Equal(t, 3*time.Minute, cfg.Execution.TimeBeforeBumpingFees)
	assert.Equal(t, 4, cfg.Execution.MaxFeeBumps)
	assert.Equal(t, time.Second, cfg.Execution.PollInterval)
	assert.Equal(t, 5, cfg.Execution.MaxBatchConcurrency)
	assert.Equal(t, "none", cfg.EventBus.Provider)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  rpc_url: https://rpc.example.org
  chain_id: 11155111
execution:
  required_confirmations: 5
  time_before_bumping_fees: 90s
journal:
  url: postgres://keel@localhost/keel
accounts:
  private_keys:
    - "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
`), 0o600))

	t.Setenv("KEEL_EXECUTION_MAX_FEE_BUMPS", "7")
	t.Setenv("KEEL_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.org", cfg.Network.RPCURL)
	assert.Equal(t, uint64(11155111), cfg.Network.ChainID)
	assert.Equal(t, uint64(5), cfg.Execution.RequiredConfirmations)
	assert.Equal(t, 90*time.Second, cfg.Execution.TimeBeforeBumpingFees)
	assert.Equal(t, 7, cfg.Execution.MaxFeeBumps)
	assert.Equal(t, "postgres://keel@localhost/keel", cfg.Journal.URL)
	assert.Len(t, cfg.Accounts.PrivateKeys, 1)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "zero confirmations", env: map[string]string{"KEEL_EXECUTION_REQUIRED_CONFIRMATIONS": "0"}},
		{name: "unknown event bus", env: map[string]string{"KEEL_EVENT_BUS_PROVIDER": "nats"}},
		{name: "unknown log level", env: map[string]string{"KEEL_LOG_LEVEL": "loud"}},
		{name: "malformed file", file: "network: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "keel.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
			}

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
