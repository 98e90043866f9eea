// Package rtc implements core.PeerLink on pion.
package rtc

import (
	"fmt"
	"sync"

	"github.com/dkeye/Rally/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// ChannelLabel names the single game data channel.
const ChannelLabel = "game"

type Config struct {
	ICEServers []string
	// LoopbackCandidates lets two peers on one machine find each other
	// when loopback is the only interface.
	LoopbackCandidates bool
}

func DefaultWebRTCConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// NewFactory returns a LinkFactory sharing one pion API.
func NewFactory(cfg Config) core.LinkFactory {
	se := webrtc.SettingEngine{}
	if cfg.LoopbackCandidates {
		se.SetIncludeLoopbackCandidate(true)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	conf := DefaultWebRTCConfig(cfg.ICEServers)
	return func() (core.PeerLink, error) {
		pc, err := api.NewPeerConnection(conf)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return newLink(pc), nil
	}
}

type Link struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	onState   func(core.LinkState)
	onChannel func(core.Channel)
}

var _ core.PeerLink = (*Link)(nil)

func newLink(pc *webrtc.PeerConnection) *Link {
	l := &Link{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		l.mu.Lock()
		fn := l.onICE
		l.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		l.mu.Lock()
		fn := l.onState
		l.mu.Unlock()
		if fn != nil {
			fn(linkState(s))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ChannelLabel {
			log.Warn().Str("module", "webrtc").Str("label", dc.Label()).Msg("unexpected data channel")
			return
		}
		l.bind(dc)
	})
	return l
}

func linkState(s webrtc.PeerConnectionState) core.LinkState {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		return core.LinkConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.LinkDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.LinkFailed
	case webrtc.PeerConnectionStateClosed:
		return core.LinkClosed
	}
	return core.LinkConnecting
}

func (l *Link) bind(dc *webrtc.DataChannel) {
	ch := &dataChannel{dc: dc}
	dc.OnOpen(func() {
		log.Debug().Str("module", "webrtc").Str("label", dc.Label()).Msg("data channel open")
		l.mu.Lock()
		fn := l.onChannel
		l.mu.Unlock()
		if fn != nil {
			fn(ch)
		}
	})
}

// CreateOffer opens the ordered game channel and sets the local offer.
// Candidates trickle through OnICECandidate.
func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	l.bind(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (l *Link) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *Link) OnStateChange(fn func(core.LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *Link) OnChannel(fn func(core.Channel)) {
	l.mu.Lock()
	l.onChannel = fn
	l.mu.Unlock()
}

func (l *Link) Close() error {
	if err := l.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Msg("closed")
	return nil
}
