package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TRANSPORT", "")
	t.Setenv("AUTOSAVE_DELAY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportMemory, cfg.Transport)
	assert.Equal(t, 3*time.Second, cfg.AutosaveDelay)
	assert.Equal(t, 2, cfg.MirrorWorkers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("TRANSPORT", "redis")
	t.Setenv("AUTOSAVE_DELAY", "250ms")
	t.Setenv("ANTI_ENTROPY_INTERVAL", "0")
	t.Setenv("MIRROR_WORKERS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TransportRedis, cfg.Transport)
	assert.Equal(t, 250*time.Millisecond, cfg.AutosaveDelay)
	assert.Equal(t, time.Duration(0), cfg.AntiEntropyInterval)
	assert.Equal(t, 4, cfg.MirrorWorkers)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("TRANSPORT", "carrier-pigeon")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TRANSPORT", "websocket")
	t.Setenv("REALTIME_URL", "")
	_, err = Load()
	assert.ErrorContains(t, err, "REALTIME_URL")
}

func TestGetEnvInt_BadValueFallsBack(t *testing.T) {
	t.Setenv("SOME_INT", "abc")
	assert.Equal(t, 7, getEnvInt("SOME_INT", 7))
}
