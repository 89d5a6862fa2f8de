package cfg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) { //nolint:paralleltest // siblings set env, which may cause issues
		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, Bytes(6*1024*1024*1024), config.DiskSize)
		assert.Equal(t, ModeKernel, config.Mode)
		assert.Equal(t, "/dev/block/zram0", config.LinkPath)
		assert.Equal(t, 1, config.NBDConnections)
		assert.Equal(t, uint16(5010), config.AttrsPort)
		assert.Equal(t, time.Second, config.OriginCacheTTL)
		assert.False(t, config.Debug)
	})

	t.Run("human readable disk size", func(t *testing.T) {
		t.Setenv("VBSWAP_DISKSIZE", "512MiB")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, Bytes(512*1024*1024), config.DiskSize)
	})

	t.Run("plain disk size", func(t *testing.T) {
		t.Setenv("VBSWAP_DISKSIZE", "1048576")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, Bytes(1048576), config.DiskSize)
	})

	t.Run("invalid disk size", func(t *testing.T) {
		t.Setenv("VBSWAP_DISKSIZE", "lots")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("socket mode", func(t *testing.T) {
		t.Setenv("VBSWAP_MODE", "socket")
		t.Setenv("VBSWAP_SOCKET_PATH", "/tmp/vbswap.sock")

		config, err := Parse()
		require.NoError(t, err)

		assert.Equal(t, ModeSocket, config.Mode)
		assert.Equal(t, "/tmp/vbswap.sock", config.SocketPath)
	})

	t.Run("unknown mode", func(t *testing.T) {
		t.Setenv("VBSWAP_MODE", "ublk")

		_, err := Parse()
		require.Error(t, err)
	})

	t.Run("no connections", func(t *testing.T) {
		t.Setenv("VBSWAP_NBD_CONNECTIONS", "0")

		_, err := Parse()
		require.Error(t, err)
	})
}
