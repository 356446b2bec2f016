package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	// Test basic config loading with defaults
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		// Verify logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)

		assert.True(t, cfg.Health.Enabled)

		// Queue and sidecar defaults
		assert.Equal(t, 750*time.Millisecond, cfg.Queue.PumpInterval)
		assert.Equal(t, "queue.json", filepath.Base(cfg.Queue.Path))
		assert.Equal(t, SidecarModeEngine, cfg.Sidecar.Mode)
		assert.Equal(t, 8001, cfg.Sidecar.Port)
		assert.Equal(t, "/openapi.json", cfg.Sidecar.ProbePath)
		assert.Equal(t, 800*time.Millisecond, cfg.Sidecar.PollInterval)
		assert.Equal(t, time.Hour, cfg.Sidecar.TaskTimeout)
		assert.Equal(t, "audioq.jobs.submit", cfg.NATS.SubmitSubject)
		assert.Empty(t, cfg.NATS.URL)
	})

	// Test runtime overrides
	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
			"sidecar": map[string]any{
				"mode": "shim",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify overrides were applied
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, SidecarModeShim, cfg.Sidecar.Mode)

		// Verify non-overridden values remain default
		assert.Equal(t, "json", cfg.Logging.Format)
		assert.Equal(t, 8001, cfg.Sidecar.Port)
	})

	// Test environment variable overrides
	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("AUDIOQ_PORT", "3000")
		t.Setenv("AUDIOQ_LOG_LEVEL", "warn")
		t.Setenv("AUDIOQ_SIDECAR_PORT", "8011")
		t.Setenv("AUDIOQ_NATS_URL", "nats://127.0.0.1:4222")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Verify env overrides were applied
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, 8011, cfg.Sidecar.Port)
		assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	})

	// Test config precedence: runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("AUDIOQ_PORT", "4000")

		// Runtime override should win
		overrides := map[string]any{
			"server": map[string]any{
				"port": 5000,
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Runtime override should take precedence over env var
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("InvalidSidecarMode", func(t *testing.T) {
		_, err := Load(ctx, map[string]any{"sidecar": map[string]any{"mode": "docker"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sidecar.mode")
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audioq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  interpreter: /opt/ace/.venv/bin/python
  project_dir: /opt/ace
  env: [CUDA_VISIBLE_DEVICES=1]
queue:
  path: /var/lib/audioq/q.json
artifacts:
  s3:
    bucket: renders
    prefix: audioq/
    endpoint: http://127.0.0.1:9000
`), 0644))

	SetConfigFile(path)
	defer SetConfigFile("")

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/opt/ace/.venv/bin/python", cfg.Engine.Interpreter)
	assert.Equal(t, "cli.py", cfg.Engine.Script)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=1"}, cfg.Engine.Env)
	assert.Equal(t, "/var/lib/audioq/q.json", cfg.Queue.Path)
	assert.Equal(t, "renders", cfg.Artifacts.S3.Bucket)
	assert.Equal(t, "audioq/", cfg.Artifacts.S3.Prefix)
}

func TestGetConfig(t *testing.T) {
	ctx := context.Background()

	// Load config first
	cfg, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Test GetConfig returns the same instance
	t.Run("GetConfigReturnsLoadedConfig", func(t *testing.T) {
		retrieved := GetConfig()
		assert.NotNil(t, retrieved)
		assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
		assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
	})
}

func TestEnvSpecs(t *testing.T) {
	// Need to set app identity for env specs
	ctx := context.Background()
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	assert.NotEmpty(t, specs)

	envVarNames := make(map[string]bool)
	for _, spec := range specs {
		envVarNames[spec.Name] = true
	}

	assert.True(t, envVarNames["AUDIOQ_LOG_LEVEL"], "LOG_LEVEL env var must be mapped")
	assert.True(t, envVarNames["AUDIOQ_PORT"], "PORT env var must be mapped")
	assert.True(t, envVarNames["AUDIOQ_HOST"], "HOST env var must be mapped")
	assert.True(t, envVarNames["AUDIOQ_QUEUE_PATH"], "QUEUE_PATH env var must be mapped")
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	// Test duration parsing from string env var
	t.Run("DurationFromEnv", func(t *testing.T) {
		t.Setenv("AUDIOQ_READ_TIMEOUT", "45s")
		t.Setenv("AUDIOQ_SHUTDOWN_TIMEOUT", "5m")
		t.Setenv("AUDIOQ_QUEUE_PUMP_INTERVAL", "250ms")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.Queue.PumpInterval)
	})
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	// Load initial config
	cfg1, err := Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg1)
	initialPort := cfg1.Server.Port

	// Reload with different runtime overrides
	overrides := map[string]any{
		"server": map[string]any{
			"port": initialPort + 1000,
		},
	}

	cfg2, err := Load(ctx, overrides)
	require.NoError(t, err)
	require.NotNil(t, cfg2)

	// Verify reload updated the config
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)

	// Verify GetConfig returns the updated config
	current := GetConfig()
	assert.Equal(t, cfg2.Server.Port, current.Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
// Must only be used in tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getUserConfigPaths should return empty slice
	paths := getUserConfigPaths()
	assert.Empty(t, paths)
}

func TestGetEnvSpecsNilIdentity(t *testing.T) {
	// Save and restore state
	resetAppIdentity()
	defer func() {
		ctx := context.Background()
		_, _ = Load(ctx) // Restore state for other tests
	}()

	// When appIdentity is nil, getEnvSpecs should return empty slice
	specs := getEnvSpecs()
	assert.Empty(t, specs)
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	ctx := context.Background()

	// Ensure appIdentity is loaded
	_, err := Load(ctx)
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	for _, spec := range specs {
		assert.Contains(t, spec.Name, "AUDIOQ_", "all specs should have AUDIOQ_ prefix")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server": map[string]any{"port": 1, "tls": map[string]any{"on": true}},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.tls.on": true, "workers": 2}, got)
}
