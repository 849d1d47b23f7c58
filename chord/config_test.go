package chord

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1", 8030)

	assert.Equal(t, "127.0.0.1", cfg.Addr)
	assert.Equal(t, 8030, cfg.Port)
	assert.Equal(t, ReconstructThreshold, cfg.SuccessorListSize)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dhash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"addr: 10.1.2.3\n"+
			"port: 9100\n"+
			"timeout_ms: 500\n"+
			"log_level: debug\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "10.1.2.3", cfg.Addr)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Unset fields fall back to defaults.
	assert.Equal(t, ReconstructThreshold, cfg.SuccessorListSize)
	assert.Equal(t, 2*time.Second, cfg.MaintenanceInterval)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
