package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wpsuper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
admin:
  address: "127.0.0.1:9090"
pools:
  api:
    script: ./worker.js
    min_children: 2
    max_children: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Pools, "api")

	pool := cfg.Pools["api"]
	require.Equal(t, "api", pool.Name)
	require.Equal(t, "./worker.js", pool.Exec)
	require.Equal(t, 4, pool.MaxConcurrentLaunches)
	require.Equal(t, 1, pool.MaxConcurrentMaint)
	require.Equal(t, 10*time.Second, pool.StartupTimeout.Duration())
}

func TestLoadRejectsMissingScript(t *testing.T) {
	path := writeConfig(t, `
admin:
  address: "127.0.0.1:9090"
pools:
  api:
    min_children: 1
    max_children: 1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestRequestRangeUnmarshalScalar(t *testing.T) {
	path := writeConfig(t, `
admin:
  address: "127.0.0.1:9090"
pools:
  api:
    script: ./worker.js
    min_children: 1
    max_children: 1
    max_requests_per_child: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	rr := cfg.Pools["api"].MaxRequestsPerChild
	require.Equal(t, RequestRange{Lo: 10, Hi: 10}, rr)
}

func TestRequestRangeUnmarshalPair(t *testing.T) {
	path := writeConfig(t, `
admin:
  address: "127.0.0.1:9090"
pools:
  api:
    script: ./worker.js
    min_children: 1
    max_children: 1
    max_requests_per_child: [5, 15]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	rr := cfg.Pools["api"].MaxRequestsPerChild
	require.Equal(t, RequestRange{Lo: 5, Hi: 15}, rr)
}

func TestValidateRejectsMaxBelowMin(t *testing.T) {
	pc := &PoolConfig{Script: "x", MinChildren: 4, MaxChildren: 2, MaxConcurrentLaunches: 1}
	require.Error(t, pc.Validate())
}

func TestValidateRequiresMaintRequestsWhenAutoMaintByRequests(t *testing.T) {
	pc := &PoolConfig{
		Script: "x", MinChildren: 1, MaxChildren: 1, MaxConcurrentLaunches: 1,
		AutoMaint: true, MaintMethod: MaintByRequests,
	}
	require.Error(t, pc.Validate())
}

func TestDurationUnmarshalsSecondsAndStrings(t *testing.T) {
	path := writeConfig(t, `
admin:
  address: "127.0.0.1:9090"
pools:
  api:
    script: ./worker.js
    min_children: 1
    max_children: 1
    request_timeout_sec: 5
    shutdown_timeout_sec: "10s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Pools["api"].RequestTimeout.Duration())
	require.Equal(t, 10*time.Second, cfg.Pools["api"].ShutdownTimeout.Duration())
}
