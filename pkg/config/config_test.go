package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultKeepAliveTimeout, cfg.KeepAliveTimeout)
	assert.Equal(t, 2, cfg.TolerableFailures)
	assert.Equal(t, 512, cfg.ImageSize)
	assert.Equal(t, 25, cfg.StepsNormal)
	assert.Equal(t, 50, cfg.StepsHighQuality)
	assert.Equal(t, "noise", cfg.Backend.Kind)
	assert.True(t, cfg.MonitorEnabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "5")
	t.Setenv("TOLERABLE_FAILURES", "4")
	t.Setenv("NOISE_LATENCY", "750ms")
	t.Setenv("BACKEND", "HTTP")
	t.Setenv("BACKEND_URL", "http://worker:9000")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 4, cfg.TolerableFailures)
	assert.Equal(t, 750*time.Millisecond, cfg.Backend.NoiseLatency)
	assert.Equal(t, "http", cfg.Backend.Kind)
	assert.Equal(t, "http://worker:9000", cfg.Backend.URL)
}

func TestLoadFromConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dreamgate.yaml")
	contents := "request_timeout: 12.5\nimage_size: 256\nlog_format: console\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, 12500*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 256, cfg.ImageSize)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"http backend without url": {"BACKEND": "http"},
		"unknown backend":          {"BACKEND": "tpu"},
		"zero timeout":             {"REQUEST_TIMEOUT": "0"},
		"garbage timeout":          {"REQUEST_TIMEOUT": "soon"},
		"zero tolerance":           {"TOLERABLE_FAILURES": "0"},
		"bad log level":            {"LOG_LEVEL": "chatty"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for key, value := range env {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper(), "")
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STEPS_NORMAL=30\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("STEPS_NORMAL") })

	require.NoError(t, LoadEnvFile(path))
	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.StepsNormal)

	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
