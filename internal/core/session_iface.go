package core

import "github.com/dkeye/Rally/internal/domain"

// MemberSession binds a player record to its websocket on the server.
// This is what a room stores and fans out to.
type MemberSession interface {
	SID() SessionID
	Player() domain.PlayerRecord
	Signal() SignalConnection
}
