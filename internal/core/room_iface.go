package core

import (
	"time"

	"github.com/dkeye/Rally/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a room.
// It owns the membership list but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int
	Players() []domain.PlayerRecord
	Member(pid domain.PlayerID) (MemberSession, bool)

	AddMember(ms MemberSession) error
	// Reattach binds a returning player to a new websocket.
	Reattach(pid domain.PlayerID, sid SessionID, sig SignalConnection) (domain.PlayerRecord, bool)
	// Detach keeps the slot but marks the player disconnected.
	Detach(sid SessionID, at time.Time) (domain.PlayerID, bool)
	RemoveMember(pid domain.PlayerID) bool
	SetReady(pid domain.PlayerID, ready bool) bool
	SetScore(pid domain.PlayerID, score int) bool

	Broadcast(from domain.PlayerID, data Frame) PublishResult
	SendTo(pid domain.PlayerID, data Frame) error

	// Expired lists players disconnected for longer than grace.
	Expired(now time.Time, grace time.Duration) []domain.PlayerID
	Touch(at time.Time)
	LastActive() time.Time
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
	Capacity    int           `json:"capacity"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type RoomManager interface {
	// CreateRoom registers a room under id, or under a fresh id when id
	// is empty or taken.
	CreateRoom(id domain.RoomID, capacity int, at time.Time) RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
