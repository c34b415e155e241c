package undertow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, ":8009", cfg.Addr)
	require.True(t, cfg.Multicore)
	require.True(t, cfg.ReusePort)
	require.Equal(t, 60*time.Second, cfg.TCPKeepAlive)
	require.Equal(t, 1<<20, cfg.MaxHeaderSize)
	require.Equal(t, int64(256<<10), cfg.MaxDrainSize)
	require.Equal(t, 1024, cfg.Workers)
	require.NotNil(t, cfg.Logger)
	require.False(t, cfg.Secure)
	require.False(t, cfg.DecodeSlash)
}

func TestConfigValidateFillsZeroValues(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":8009", cfg.Addr)
	require.Equal(t, 1<<20, cfg.MaxHeaderSize)
	require.Equal(t, int64(256<<10), cfg.MaxDrainSize)
	require.Equal(t, 1024, cfg.Workers)
	require.NotNil(t, cfg.Logger)
}

func TestConfigValidateKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Addr:          ":9009",
		MaxHeaderSize: 4096,
		MaxDrainSize:  1024,
		Workers:       8,
	}
	require.NoError(t, cfg.Validate())

	require.Equal(t, ":9009", cfg.Addr)
	require.Equal(t, 4096, cfg.MaxHeaderSize)
	require.Equal(t, int64(1024), cfg.MaxDrainSize)
	require.Equal(t, 8, cfg.Workers)
}
