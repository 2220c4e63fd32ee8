package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshmqtt/broker/packets"
)

func TestLoadDefaults(t *testing.T) {
	l := NewLoader("mqttd-missing", t.TempDir())
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, uint32(0), cfg.MaxSize)
	require.Equal(t, packets.ExactlyOnce, cfg.MaxQoS)
	require.Nil(t, cfg.HandleQoSAfterDisconnect)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
max_size: 65536
max_qos: 1
connect_timeout: 5s
handle_qos_after_disconnect_enabled: true
handle_qos_after_disconnect: 0
frame_read_rate:
  min_rate: 1s
  max_stall: 2s
  min_chunk: 10
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mqttd.yaml"), contents, 0o644))

	l := NewLoader("mqttd", dir)
	cfg, err := l.Load()
	require.NoError(t, err)
	require.Equal(t, uint32(65536), cfg.MaxSize)
	require.Equal(t, packets.AtLeastOnce, cfg.MaxQoS)
	require.NotNil(t, cfg.HandleQoSAfterDisconnect)
	require.Equal(t, packets.AtMostOnce, *cfg.HandleQoSAfterDisconnect)
	require.Equal(t, uint16(10), cfg.FrameReadRate.MinChunk)
}

func TestLoadRejectsInvalidQoS(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mqttd.yaml"), []byte("max_qos: 7\n"), 0o644))

	l := NewLoader("mqttd", dir)
	_, err := l.Load()
	require.Error(t, err)
}
