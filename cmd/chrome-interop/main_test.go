package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/rbe/pkg/bwe"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, time.Second, cfg.REMBInterval)
}

func TestLoadConfig_BundledFile(t *testing.T) {
	cfg, err := loadConfig("interop.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, time.Second, cfg.REMBInterval)
	assert.Equal(t, bwe.SingleStream, cfg.Estimator.Mode)
	assert.Equal(t, uint32(100_000), cfg.Estimator.RateControl.MinBitrateBps)
	assert.Equal(t, uint32(5_000_000), cfg.Estimator.RateControl.MaxBitrateBps)
	// Fields the file leaves out keep their defaults.
	assert.Equal(t, bwe.DefaultConfig().StreamTimeoutMs, cfg.Estimator.StreamTimeoutMs)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
		return path
	}

	tests := []struct {
		name string
		path string
	}{
		{"Missing", filepath.Join(dir, "missing.yaml")},
		{"UnknownField", write("unknown.yaml", "bogus: 1\n")},
		{"BadDuration", write("duration.yaml", "remb_interval: soon\n")},
		{"ZeroInterval", write("zero.yaml", "remb_interval: 0s\n")},
		{"BadMode", write("mode.yaml", "estimator:\n  mode: sideways\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(tt.path)
			assert.Error(t, err)
		})
	}
}
