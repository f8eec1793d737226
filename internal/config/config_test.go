package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronExprPassesThroughCronStrings(t *testing.T) {
	assert.Equal(t, "0 0 3 * * *", CronExpr("0 0 3 * * *"))
	assert.Equal(t, "@every 5m", CronExpr("@every 5m"))
}

func TestCronExprRewritesBareMillisecondCadence(t *testing.T) {
	assert.Equal(t, "@every 1s", CronExpr("1000"))
	assert.Equal(t, "@every 1m0s", CronExpr("60000"))
}

func TestNewLoadsYAMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
network:
  ip_range_start: 192.168.1.1
  ip_range_end: 192.168.1.254
cloud:
  domain: cloud.example.com
  id: pidgeon-test
`), 0o644))

	manager, err := New(path)
	require.NoError(t, err)

	values, err := manager.Values()
	require.NoError(t, err)

	assert.Equal(t, "info", values.LogLevel)
	assert.Equal(t, "@every 5m", values.DiscoverInterval)
	assert.Equal(t, "192.168.1.1", values.Network.IPRangeStart)
	assert.Equal(t, "cloud.example.com", values.Cloud.Domain)
	assert.Equal(t, 3, values.Modbus.InitialRetries)
}

func TestReloadPicksUpFileEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\n"), 0o644))

	manager, err := New(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	values, err := manager.Reload()
	require.NoError(t, err)
	assert.Equal(t, "debug", values.LogLevel)
}
