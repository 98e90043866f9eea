package core

import (
	"errors"
	"sync"
	"time"

	"github.com/dkeye/Rally/internal/domain"
	"github.com/rs/zerolog/log"
)

var errMemberOffline = errors.New("member offline")

// roomImpl is a threadsafe in-memory room. Members keep join order.
// It never closes adapter-owned resources.
type roomImpl struct {
	room *domain.Room

	mu         sync.RWMutex
	members    []*member
	lastActive time.Time
}

func NewRoomService(room *domain.Room) RoomService {
	room.Capacity = domain.ClampCapacity(room.Capacity)
	return &roomImpl{room: room, lastActive: room.CreatedAt}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) Players() []domain.PlayerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PlayerRecord, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.record)
	}
	return out
}

func (r *roomImpl) Member(pid domain.PlayerID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m := r.find(pid); m != nil {
		return m.snapshot(), true
	}
	return nil, false
}

func (r *roomImpl) AddMember(ms MemberSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) >= r.room.Capacity {
		return ErrRoomFull
	}
	m := &member{sid: ms.SID(), record: ms.Player(), signal: ms.Signal()}
	m.record.Connected = m.signal != nil
	r.members = append(r.members, m)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("player", string(m.record.ID)).Str("role", string(m.record.Role)).Msg("member added")
	return nil
}

func (r *roomImpl) Reattach(pid domain.PlayerID, sid SessionID, sig SignalConnection) (domain.PlayerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.find(pid)
	if m == nil {
		return domain.PlayerRecord{}, false
	}
	m.sid = sid
	m.signal = sig
	m.record.Connected = true
	m.disconnectedAt = time.Time{}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("player", string(pid)).Msg("member reattached")
	return m.record, true
}

func (r *roomImpl) Detach(sid SessionID, at time.Time) (domain.PlayerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.sid != sid {
			continue
		}
		m.signal = nil
		m.record.Connected = false
		m.disconnectedAt = at
		return m.record.ID, true
	}
	return "", false
}

func (r *roomImpl) RemoveMember(pid domain.PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, m := range r.members {
		if m.record.ID == pid {
			r.members = append(r.members[:i], r.members[i+1:]...)
			log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("player", string(pid)).Msg("member removed")
			return true
		}
	}
	return false
}

func (r *roomImpl) SetReady(pid domain.PlayerID, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.find(pid)
	if m == nil {
		return false
	}
	m.record.Ready = ready
	return true
}

func (r *roomImpl) SetScore(pid domain.PlayerID, score int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.find(pid)
	if m == nil {
		return false
	}
	m.record.Score = score
	return true
}

func (r *roomImpl) Broadcast(from domain.PlayerID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, m := range r.members {
		if m.record.ID == from || m.signal == nil {
			continue
		}
		if err := m.signal.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m.snapshot())
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) SendTo(pid domain.PlayerID, data Frame) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.find(pid)
	if m == nil {
		return ErrNotInRoom
	}
	if m.signal == nil {
		return errMemberOffline
	}
	return m.signal.TrySend(data)
}

func (r *roomImpl) Expired(now time.Time, grace time.Duration) []domain.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PlayerID
	for _, m := range r.members {
		if m.signal == nil && !m.disconnectedAt.IsZero() && now.Sub(m.disconnectedAt) >= grace {
			out = append(out, m.record.ID)
		}
	}
	return out
}

func (r *roomImpl) Touch(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if at.After(r.lastActive) {
		r.lastActive = at
	}
}

func (r *roomImpl) LastActive() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActive
}

func (r *roomImpl) find(pid domain.PlayerID) *member {
	for _, m := range r.members {
		if m.record.ID == pid {
			return m
		}
	}
	return nil
}
