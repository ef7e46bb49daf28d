package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), false)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Sync.PushConcurrency)
	assert.Equal(t, time.Minute, cfg.Sync.StatusCheckEvery)
	assert.Empty(t, cfg.Database.URL)
}

func TestMissingRequiredFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), true)
	assert.Error(t, err)
}

func TestFileThenEnv(t *testing.T) {
	path := writeFile(t, `
roaming:
  country_code: NL
  party_id: ABC
sync:
  cdr_check_every: 0s
  include_charging_pool_ids: [P1, P2]
counterparties:
  - name: emsp
    country_code: DE
    party_id: EMP
    base_url: http://localhost:9090/ocpi/emsp/2.2
    token: secret
    priority: 2
`)
	t.Setenv("BRIDGE_DATABASE__URL", "postgres://localhost/roaming")
	t.Setenv("BRIDGE_LOG_LEVEL", "debug")
	t.Setenv("BRIDGE_SYNC__DISABLE_PUSH_STATUS", "true")

	cfg, err := LoadFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, "NL", cfg.Roaming.CountryCode)
	assert.Equal(t, "ABC", cfg.Roaming.PartyId)
	assert.Zero(t, cfg.Sync.CDRCheckEvery)
	assert.Equal(t, []string{"P1", "P2"}, cfg.Sync.IncludeChargingPoolIds)
	require.Len(t, cfg.Counterparties, 1)
	assert.Equal(t, 2, cfg.Counterparties[0].Priority)
	assert.Equal(t, "postgres://localhost/roaming", cfg.Database.URL)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Sync.DisablePushStatus)
}

func TestLoadUsesConfigVariable(t *testing.T) {
	t.Setenv("BRIDGE_CONFIG", writeFile(t, "log_format: console\n"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestValidation(t *testing.T) {
	path := writeFile(t, `
roaming:
  party_id: TOOLONG
counterparties:
  - name: emsp
    country_code: DE
    party_id: EMP
    base_url: not a url
    token: secret
`)
	_, err := LoadFile(path, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PartyId")
	assert.Contains(t, err.Error(), "BaseURL")
}
