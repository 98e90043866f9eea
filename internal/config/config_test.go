package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.RoomCapacity)
	assert.Equal(t, 30*time.Second, cfg.MemberGrace)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9090\nroom_capacity: 2\nmember_grace: 5s\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2, cfg.RoomCapacity)
	assert.Equal(t, 5*time.Second, cfg.MemberGrace)
}

func TestLoadFileRejectsCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("room_capacity: 9\n"), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadPeerDefaults(t *testing.T) {
	v := viper.New()
	SetPeerDefaults(v)
	p, err := LoadPeer(v)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, p.ReconnectBase)
	assert.Equal(t, 3, p.ReconnectCapFactor)
	assert.Equal(t, 5, p.ReconnectMaxAttempts)
	assert.Equal(t, 10*time.Second, p.ConnectTimeout)
	assert.Equal(t, 30*time.Second, p.SignalPingInterval)
	assert.Equal(t, 2*time.Second, p.DataPingInterval)
	assert.InDelta(t, 33.0, p.MaxBroadcastRate, 0.001)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, p.ICEServers)
}

func TestLoadPeerValidates(t *testing.T) {
	v := viper.New()
	SetPeerDefaults(v)
	v.Set("reconnect_max_attempts", 0)
	_, err := LoadPeer(v)
	assert.Error(t, err)
}
