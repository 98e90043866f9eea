package core

import "github.com/pion/webrtc/v4"

type LinkState int

const (
	LinkConnecting LinkState = iota
	LinkConnected
	LinkDisconnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnected:
		return "disconnected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// PeerLink is one ICE-negotiated connection to a remote peer carrying a
// single ordered, reliable data channel. Callbacks must be registered
// before CreateOffer or AcceptOffer and may fire on any goroutine.
type PeerLink interface {
	// CreateOffer opens the data channel and returns the local offer.
	CreateOffer() (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the local answer.
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(LinkState))
	// OnChannel fires once the data channel is open.
	OnChannel(func(Channel))

	Close() error
}

// Channel is an open data channel.
type Channel interface {
	Send(data []byte) error
	OnMessage(func(data []byte))
	OnClose(func())
	Close() error
}

type LinkFactory func() (PeerLink, error)
