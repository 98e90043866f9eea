package core

import (
	"time"

	"github.com/dkeye/Rally/internal/domain"
)

// member is the room's mutable view of one player.
type member struct {
	sid            SessionID
	record         domain.PlayerRecord
	signal         SignalConnection
	disconnectedAt time.Time
}

func NewMemberSession(sid SessionID, record domain.PlayerRecord, signal SignalConnection) MemberSession {
	record.Connected = signal != nil
	return &member{sid: sid, record: record, signal: signal}
}

func (m *member) SID() SessionID              { return m.sid }
func (m *member) Player() domain.PlayerRecord { return m.record }
func (m *member) Signal() SignalConnection    { return m.signal }

func (m *member) snapshot() *member {
	cp := *m
	return &cp
}
