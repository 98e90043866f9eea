package core

import (
	"context"

	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Frame is one encoded control message.
type Frame []byte

// SessionID identifies one websocket connection on the server.
type SessionID string

// SignalConnection is the server side of a websocket. Owned by the
// adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

type SignalEventKind int

const (
	EventRoomCreated SignalEventKind = iota
	EventRoomJoined
	EventRoleAssigned
	EventPeerOffer
	EventPeerAnswer
	EventPeerCandidate
	EventPlayerListUpdated
	EventPeerLeft
	EventError
	EventDisconnected
)

var eventNames = [...]string{
	"room-created", "room-joined", "role-assigned", "peer-offer", "peer-answer",
	"peer-candidate", "player-list-updated", "peer-left", "error", "disconnected",
}

func (k SignalEventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// SignalEvent is what a signaling client reports to its single consumer.
// Only the fields relevant to Kind are set.
type SignalEvent struct {
	Kind        SignalEventKind
	RoomID      domain.RoomID
	From        domain.PlayerID
	Assignment  protocol.RoomAssignment
	Players     []domain.PlayerRecord
	Joined      domain.PlayerID
	Attempt     uint64
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
	Err         error
}

// RoomRequest is a create or join. RoomID and PlayerID are set when a
// peer comes back to a room it already belonged to.
type RoomRequest struct {
	DisplayName string
	RoomID      domain.RoomID
	PlayerID    domain.PlayerID
	Capacity    int
}

// Signaling is the peer side of the rendezvous channel. Events delivers
// every server message in arrival order for the lifetime of the client;
// RoleAssigned always precedes any offer of the same room.
type Signaling interface {
	Connect(ctx context.Context, url string) error
	CreateRoom(ctx context.Context, req RoomRequest) (domain.RoomID, error)
	JoinRoom(ctx context.Context, req RoomRequest) error
	Send(msg protocol.ControlMessage) error
	Events() <-chan SignalEvent
	Close() error
}
