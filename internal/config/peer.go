package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Peer configures the session manager and the peer CLI.
type Peer struct {
	SignalingURL string   `mapstructure:"signaling_url"`
	DisplayName  string   `mapstructure:"name"`
	ICEServers   []string `mapstructure:"ice_servers"`

	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	SignalPingInterval time.Duration `mapstructure:"signal_ping_interval"`
	DataPingInterval   time.Duration `mapstructure:"data_ping_interval"`
	LivenessWindow     time.Duration `mapstructure:"liveness_window"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`

	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectCapFactor   int           `mapstructure:"reconnect_cap_factor"`
	ReconnectMaxAttempts int           `mapstructure:"reconnect_max_attempts"`

	TickInterval      time.Duration `mapstructure:"tick_interval"`
	MaxBroadcastRate  float64       `mapstructure:"max_broadcast_rate"`
	StepTimeout       time.Duration `mapstructure:"step_timeout"`
	OneInputPerStep   bool          `mapstructure:"one_input_per_step"`
	RoomCapacity      int           `mapstructure:"room_capacity"`
	LoopbackCandidate bool          `mapstructure:"loopback_candidates"`
}

// SetPeerDefaults registers every peer key so env vars and flags bound
// later resolve against a known key set.
func SetPeerDefaults(v *viper.Viper) {
	v.SetDefault("signaling_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("name", "player")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("signal_ping_interval", "30s")
	v.SetDefault("data_ping_interval", "2s")
	v.SetDefault("liveness_window", "10s")
	v.SetDefault("negotiation_timeout", "15s")
	v.SetDefault("reconnect_base", "2s")
	v.SetDefault("reconnect_cap_factor", 3)
	v.SetDefault("reconnect_max_attempts", 5)
	v.SetDefault("tick_interval", "50ms")
	v.SetDefault("max_broadcast_rate", 33.0)
	v.SetDefault("step_timeout", "20s")
	v.SetDefault("one_input_per_step", false)
	v.SetDefault("room_capacity", 4)
	v.SetDefault("loopback_candidates", false)
}

func LoadPeer(v *viper.Viper) (*Peer, error) {
	var p Peer
	if err := v.Unmarshal(&p); err != nil {
		return nil, fmt.Errorf("failed to parse peer config: %w", err)
	}
	if p.ReconnectMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid reconnect_max_attempts: %d", p.ReconnectMaxAttempts)
	}
	if p.ReconnectCapFactor < 1 {
		return nil, fmt.Errorf("invalid reconnect_cap_factor: %d", p.ReconnectCapFactor)
	}
	if p.MaxBroadcastRate <= 0 {
		return nil, fmt.Errorf("invalid max_broadcast_rate: %v", p.MaxBroadcastRate)
	}
	return &p, nil
}
