package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
listeners:
  - address: "0.0.0.0:7890"
    protocol_type: cmpp48
bus:
  brokers: ["localhost:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "smsgate", cfg.Bus.GroupID)
	require.Equal(t, "info", cfg.Logs.Level)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Len(t, cfg.Listeners, 1)
	require.Equal(t, "0.0.0.0:7890", cfg.Listeners[0].Address)
}

func TestLoadRejectsMissingListeners(t *testing.T) {
	path := writeTempConfig(t, `
bus:
  brokers: ["localhost:9092"]
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsMissingBrokers(t *testing.T) {
	path := writeTempConfig(t, `
listeners:
  - address: "0.0.0.0:7890"
    protocol_type: cmpp48
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestSMSGateBusBrokersEnvOverridesConfig(t *testing.T) {
	path := writeTempConfig(t, `
listeners:
  - address: "0.0.0.0:7890"
    protocol_type: cmpp48
bus:
  brokers: ["localhost:9092"]
`)

	t.Setenv("SMSGATE_BUS_BROKERS", "broker1:9092,broker2:9092")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Bus.Brokers)
}

func TestLoadEnvFileMissingFileIsNotAnError(t *testing.T) {
	err := LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env"))
	require.NoError(t, err)
}
