package mesh

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"overlay-go/pkg/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.TeardownTimeout)
	assert.Equal(t, 5*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, router.InsecureRelay, cfg.insecurePolicy())
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "overlayd.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
teardown_timeout: 45s
keepalive_interval: 10s
insecure_direct_policy: queue
listen_port: 6000
`), 0o644))

	t.Setenv("OVERLAY_LISTEN_PORT", "6001")
	cfg, err := LoadConfig(file, map[string]any{"evict_after": 2 * time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.TeardownTimeout)
	assert.Equal(t, 10*time.Second, cfg.KeepaliveInterval)
	assert.Equal(t, 6001, cfg.ListenPort, "environment beats the file")
	assert.Equal(t, 2*time.Minute, cfg.EvictAfter, "overrides beat everything")
	assert.Equal(t, router.InsecureQueue, cfg.insecurePolicy())
	assert.Equal(t, file, cfg.ConfigFile)
	assert.Equal(t, DefaultConfig().SweepInterval, cfg.SweepInterval)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadTimings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownTimeout = 10 * time.Second
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "keepalive_interval")

	cfg = DefaultConfig()
	cfg.EvictAfter = time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.KeepaliveInterval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InsecureDirectPolicy = "drop"
	cfg.ListenPort = 70000
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, router.ErrUnknownPolicy)
	assert.Contains(t, err.Error(), "listen_port")

	cfg = DefaultConfig()
	cfg.PortMapping = true
	cfg.ListenPort = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TeardownTimeout = time.Second
	_, err := NewSession(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
