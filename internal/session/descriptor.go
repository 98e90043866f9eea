package session

import "github.com/dkeye/Rally/internal/domain"

// Descriptor is what a peer needs to re-issue its create or join after a
// failure. One exists for the session and one per remote peer.
type Descriptor struct {
	RoomID       domain.RoomID
	LocalRole    domain.Role
	LocalPlayer  domain.PlayerID
	RemotePlayer domain.PlayerID
	DisplayName  string

	RemoteDescriptionApplied bool
	NegotiationAttempt       uint64
}

func (d Descriptor) InRoom() bool { return d.RoomID != "" && d.LocalRole.Valid() }
