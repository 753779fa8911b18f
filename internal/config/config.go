// Package config resolves the ambient driver configuration spec §9
// calls for instead of a CLI flag surface (explicitly out of scope):
// the cache root, jobserver/concurrency defaults, and lock timeouts,
// read from environment variables and an optional config file via
// spf13/viper, the way the teacher's own cli/internal/config.Config
// layers flags/env/config-file sources (minus the flag layer, minus
// the excluded remote-cache/auth fields).
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/dvflow/dvflow/internal/env"
)

// Config is the resolved set of driver-wide settings a run needs
// before it builds a loader/builder/scheduler.
type Config struct {
	// CacheDir is the local cache provider's root directory.
	CacheDir string
	// Nproc bounds the jobserver token pool's capacity when this
	// process is the jobserver owner.
	Nproc int
	// LockTimeout bounds how long a cache entry lock wait blocks
	// before it gives up with cache.ErrLockTimeout. The Multiplexer
	// reports that as a CacheCorrupt (fetch) or CacheStoreFailed
	// (store) warning; no diag.KindLockTimeout marker is emitted and
	// the task is not failed.
	LockTimeout time.Duration
	// FailFast stops scheduling new tasks once one has failed.
	FailFast bool
	// LogLevel names the hclog level ("trace".."error") the driver's
	// root logger is constructed with.
	LogLevel string
}

const (
	envPrefix = "DV_FLOW"

	keyCacheDir    = "cache"
	keyNproc       = "nproc"
	keyLockTimeout = "lock_timeout"
	keyFailFast    = "fail_fast"
	keyLogLevel    = "log_level"
)

// Load resolves a Config from environment variables (DV_FLOW_CACHE,
// DV_FLOW_NPROC, DV_FLOW_LOCK_TIMEOUT, DV_FLOW_FAIL_FAST,
// DV_FLOW_LOG_LEVEL) and an optional ".dvflow.yaml"/".dvflow.toml"
// file in the current directory, the latter only filling in keys the
// environment left unset.
func Load(envMap env.Map) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault(keyCacheDir, defaultCacheDir())
	v.SetDefault(keyNproc, runtime.NumCPU())
	v.SetDefault(keyLockTimeout, 300*time.Second)
	v.SetDefault(keyFailFast, false)
	v.SetDefault(keyLogLevel, "info")

	v.SetConfigName(".dvflow")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading .dvflow config file: %w", err)
		}
	}

	// viper.AutomaticEnv reads from the process environment; when the
	// caller supplies an explicit envMap (e.g. a test, or a
	// non-owning jobserver participant's inherited env), prefer it.
	for _, key := range []string{keyCacheDir, keyNproc, keyLockTimeout, keyFailFast, keyLogLevel} {
		if val, ok := envMap[envPrefix+"_"+upperKey(key)]; ok {
			v.Set(key, val)
		}
	}

	cfg := &Config{
		CacheDir:    v.GetString(keyCacheDir),
		Nproc:       v.GetInt(keyNproc),
		LockTimeout: v.GetDuration(keyLockTimeout),
		FailFast:    v.GetBool(keyFailFast),
		LogLevel:    v.GetString(keyLogLevel),
	}
	if cfg.Nproc < 1 {
		cfg.Nproc = 1
	}
	return cfg, nil
}

// defaultCacheDir mirrors the teacher's GetTurboDataDir: an XDG
// data-home subdirectory via adrg/xdg rather than os.UserCacheDir.
func defaultCacheDir() string {
	return xdg.DataHome + "/dvflow"
}

func upperKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
