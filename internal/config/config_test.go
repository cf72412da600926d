package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesSubsetOfFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hiper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("reactor_max_batch: 64\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.ReactorMaxBatch)
	require.Equal(t, Default().FiberStackSize, cfg.FiberStackSize)
}

func TestOverlayAppliesSetViperKeys(t *testing.T) {
	v := NewViper()
	v.Set("reactor_max_wait_ms", 1500)

	cfg := Overlay(Default(), v)
	require.EqualValues(t, 1500, cfg.ReactorMaxWaitMS)
	require.Equal(t, Default().TCPConnectTimeMS, cfg.TCPConnectTimeMS)
}
