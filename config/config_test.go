package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoquery/geohash"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
  precision: 8
redis:
  addr: cache:6379
query:
  max_ranges: 4
retry:
  initial_interval: 50ms
  max_attempts: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "geoquery", cfg.Redis.Prefix)
	assert.Equal(t, geohash.Decomposer{Precision: 8, CoverageFactor: 2, MaxRanges: 4}, cfg.Decomposer())

	policy := cfg.RetryPolicy()
	assert.Equal(t, 50*time.Millisecond, policy.InitialInterval)
	assert.Equal(t, 30*time.Second, policy.MaxInterval)
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "store:\n  backend: memory\n")
	t.Setenv("GEOQUERY_STORE_BACKEND", "postgres")
	t.Setenv("GEOQUERY_DB_HOST", "db")
	t.Setenv("GEOQUERY_SERVER_STREAM_BUFFER", "16")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "db", cfg.DB.Host)
	assert.Equal(t, 16, cfg.Server.StreamBuffer)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  backend: etcd\n"))
	assert.ErrorContains(t, err, "etcd")

	_, err = Load(writeConfig(t, "query:\n  coverage_factor: 0.5\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "store:\n  precision: 13\n"))
	assert.ErrorIs(t, err, geohash.ErrInvalidPrecision)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, uint(geohash.DefaultPrecision), cfg.Store.Precision)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDSN(t *testing.T) {
	db := DBConfig{User: "geo", Password: "p@ss word", DBName: "geoquery", SSLMode: "disable", Host: "db", Port: "5432"}
	assert.Equal(t, "postgres://geo:p%40ss%20word@db:5432/geoquery?sslmode=disable", db.DSN())
}
