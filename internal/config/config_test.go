package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dvflow/dvflow/internal/env"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(env.Map{})
	require.NoError(t, err)
	require.NotEmpty(t, cfg.CacheDir)
	require.GreaterOrEqual(t, cfg.Nproc, 1)
	require.Equal(t, 300*time.Second, cfg.LockTimeout)
	require.False(t, cfg.FailFast)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	cfg, err := Load(env.Map{
		"DV_FLOW_CACHE":    "/tmp/custom-cache",
		"DV_FLOW_NPROC":    "4",
		"DV_FLOW_FAIL_FAST": "true",
	})
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-cache", cfg.CacheDir)
	require.Equal(t, 4, cfg.Nproc)
	require.True(t, cfg.FailFast)
}
