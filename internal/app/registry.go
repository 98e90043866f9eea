package app

import (
	"context"
	"sync"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	RoomID   domain.RoomID
	PlayerID domain.PlayerID
	Signal   core.SignalConnection
	Cancel   context.CancelFunc
}

// Registry maps live websocket sessions to the room slot they speak for.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

func (r *Registry) BindSignal(sid core.SessionID, sig core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Signal: sig, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

func (r *Registry) Signal(sid core.SessionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Signal, true
	}
	return nil, false
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, domain.PlayerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[sid]
	if !ok || entry.RoomID == "" {
		return "", "", false
	}
	return entry.RoomID, entry.PlayerID, true
}

func (r *Registry) UpdateRoom(sid core.SessionID, roomID domain.RoomID, pid domain.PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return false
	}
	entry.RoomID = roomID
	entry.PlayerID = pid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(roomID)).Str("player", string(pid)).Msg("updated room")
	return true
}

func (r *Registry) RemoveRoom(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[sid]; ok {
		entry.RoomID = ""
		entry.PlayerID = ""
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed room association")
}

// SessionOf finds the live session speaking for pid in roomID.
func (r *Registry) SessionOf(roomID domain.RoomID, pid domain.PlayerID) (core.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sid, e := range r.sessions {
		if e.RoomID == roomID && e.PlayerID == pid {
			return sid, true
		}
	}
	return "", false
}

type RegSnap struct {
	SID      core.SessionID
	PlayerID domain.PlayerID
	Signal   core.SignalConnection
}

func (r *Registry) MembersOfRoom(roomID domain.RoomID) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.RoomID == roomID {
			out = append(out, RegSnap{SID: sid, PlayerID: e.PlayerID, Signal: e.Signal})
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
