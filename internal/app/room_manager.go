package app

import (
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/rs/zerolog/log"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
	newID func() domain.RoomID
}

func NewRoomManager() *RoomManagerImpl {
	return &RoomManagerImpl{
		rooms: make(map[domain.RoomID]core.RoomService),
		newID: domain.NewRoomID,
	}
}

func (f *RoomManagerImpl) CreateRoom(id domain.RoomID, capacity int, at time.Time) core.RoomService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if parsed, err := domain.ParseRoomID(string(id)); err == nil {
		id = parsed
	} else {
		id = ""
	}
	for id == "" || f.rooms[id] != nil {
		id = f.newID()
	}
	room := core.NewRoomService(&domain.Room{ID: id, Capacity: capacity, CreatedAt: at})
	f.rooms[id] = room
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Int("capacity", room.Room().Capacity).Msg("room created")
	return room
}

func (f *RoomManagerImpl) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[domain.NormalizeRoomID(string(id))]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{
			ID:          id,
			MemberCount: r.MemberCount(),
			Capacity:    r.Room().Capacity,
			CreatedAt:   r.Room().CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
	log.Info().Str("module", "app.rooms").Str("room", string(id)).Msg("room stopped")
}
