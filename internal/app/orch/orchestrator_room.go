package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog/log"
)

// CreateRoom makes sid the host of a new room. When the request names a
// room that still holds the same host player, the host is re-attached
// instead and keeps its room id and role.
func (o *Orchestrator) CreateRoom(sid core.SessionID, roomID domain.RoomID, req protocol.RoomRequest) (protocol.RoomAssignment, error) {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return protocol.RoomAssignment{}, errUnknownSession
	}
	roomID = domain.NormalizeRoomID(string(roomID))
	if req.PlayerID != "" && roomID != "" {
		if room, ok := o.Rooms.GetRoom(roomID); ok {
			if ms, ok := room.Member(req.PlayerID); ok && ms.Player().Role == domain.RoleHost {
				return o.reattach(sid, sig, room, req.PlayerID), nil
			}
		}
	}
	name, err := domain.CleanDisplayName(req.DisplayName)
	if err != nil {
		return protocol.RoomAssignment{}, err
	}
	o.leaveCurrent(sid)

	capacity := req.Capacity
	if capacity == 0 {
		capacity = o.Capacity
	}
	room := o.Rooms.CreateRoom(roomID, capacity, o.now())
	o.Observe().ActiveRooms.Add(context.Background(), 1)

	pid := req.PlayerID
	if pid == "" {
		pid = domain.NewPlayerID()
	}
	record := domain.PlayerRecord{ID: pid, DisplayName: name, Role: domain.RoleHost}
	if err := room.AddMember(core.NewMemberSession(sid, record, sig)); err != nil {
		o.stopRoom(room.Room().ID)
		return protocol.RoomAssignment{}, err
	}
	o.Registry.UpdateRoom(sid, room.Room().ID, pid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room.Room().ID)).Str("player", string(pid)).Msg("room created")
	return assignment(room, pid), nil
}

// Join adds sid to roomID as a guest, or re-attaches a returning player.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID, req protocol.RoomRequest) (protocol.RoomAssignment, error) {
	sig, ok := o.Registry.Signal(sid)
	if !ok {
		return protocol.RoomAssignment{}, errUnknownSession
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		o.Observe().RecordRejectedJoin(context.Background(), protocol.CodeRoomNotFound)
		return protocol.RoomAssignment{}, fmt.Errorf("join %s: %w", roomID, core.ErrRoomNotFound)
	}
	if req.PlayerID != "" {
		if _, ok := room.Member(req.PlayerID); ok {
			return o.reattach(sid, sig, room, req.PlayerID), nil
		}
	}
	name, err := domain.CleanDisplayName(req.DisplayName)
	if err != nil {
		return protocol.RoomAssignment{}, err
	}
	if current, _, ok := o.Registry.RoomOf(sid); ok && current == room.Room().ID {
		return protocol.RoomAssignment{}, fmt.Errorf("join %s: already a member", roomID)
	}
	o.leaveCurrent(sid)

	pid := req.PlayerID
	if pid == "" {
		pid = domain.NewPlayerID()
	}
	record := domain.PlayerRecord{ID: pid, DisplayName: name, Role: domain.RoleGuest}
	if err := room.AddMember(core.NewMemberSession(sid, record, sig)); err != nil {
		o.Observe().RecordRejectedJoin(context.Background(), protocol.CodeRoomFull)
		return protocol.RoomAssignment{}, fmt.Errorf("join %s: %w", roomID, err)
	}
	o.Registry.UpdateRoom(sid, room.Room().ID, pid)
	room.Touch(o.now())
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room.Room().ID)).Str("player", string(pid)).Msg("joined room")
	o.broadcastPlayers(room, pid, "")
	return assignment(room, pid), nil
}

func (o *Orchestrator) reattach(sid core.SessionID, sig core.SignalConnection, room core.RoomService, pid domain.PlayerID) protocol.RoomAssignment {
	roomID := room.Room().ID
	if old, ok := o.Registry.SessionOf(roomID, pid); ok && old != sid {
		o.Registry.RemoveRoom(old)
	}
	if current, currentPID, ok := o.Registry.RoomOf(sid); ok && (current != roomID || currentPID != pid) {
		o.leaveCurrent(sid)
	}
	room.Reattach(pid, sid, sig)
	o.Registry.UpdateRoom(sid, roomID, pid)
	room.Touch(o.now())
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Str("player", string(pid)).Msg("player reattached")
	o.broadcastPlayers(room, pid, "")
	return assignment(room, pid)
}

func (o *Orchestrator) leaveCurrent(sid core.SessionID) {
	if _, _, ok := o.Registry.RoomOf(sid); ok {
		o.Leave(sid)
	}
}

// Leave removes the player behind sid from its room for good and tells
// the others. The websocket stays open.
func (o *Orchestrator) Leave(sid core.SessionID) (domain.RoomID, bool) {
	roomID, pid, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return roomID, true
	}
	o.removePlayer(room, pid)
	return roomID, true
}

func (o *Orchestrator) removePlayer(room core.RoomService, pid domain.PlayerID) {
	if !room.RemoveMember(pid) {
		return
	}
	leave := protocol.ControlMessage{Type: protocol.TypeLeave, Sender: pid, RoomID: room.Room().ID}
	o.publish(room, pid, leave)
	if room.MemberCount() == 0 {
		o.stopRoom(room.Room().ID)
		return
	}
	o.broadcastPlayers(room, "", pid)
}

// Disconnect is called when the websocket of sid is gone. The player keeps
// its slot for the grace period so it can come back with the same role.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	defer o.Registry.Unbind(sid)
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	if pid, ok := room.Detach(sid, o.now()); ok {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Str("player", string(pid)).Msg("member detached")
		o.broadcastPlayers(room, "", "")
	}
}

func (o *Orchestrator) SetReady(sid core.SessionID, ready bool) error {
	room, pid, err := o.roomOf(sid)
	if err != nil {
		return err
	}
	room.SetReady(pid, ready)
	room.Touch(o.now())
	o.broadcastPlayers(room, "", "")
	return nil
}

// SetScore records a score reported by the host.
func (o *Orchestrator) SetScore(sid core.SessionID, s protocol.Score) error {
	room, pid, err := o.roomOf(sid)
	if err != nil {
		return err
	}
	ms, ok := room.Member(pid)
	if !ok || ms.Player().Role != domain.RoleHost {
		return core.ErrNotHost
	}
	if !room.SetScore(s.PlayerID, s.Score) {
		return core.ErrNotInRoom
	}
	room.Touch(o.now())
	o.broadcastPlayers(room, "", "")
	return nil
}

func (o *Orchestrator) roomOf(sid core.SessionID) (core.RoomService, domain.PlayerID, error) {
	roomID, pid, ok := o.Registry.RoomOf(sid)
	if !ok {
		return nil, "", core.ErrNotInRoom
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return nil, "", core.ErrNotInRoom
	}
	return room, pid, nil
}

func (o *Orchestrator) stopRoom(id domain.RoomID) {
	o.Rooms.StopRoom(id)
	o.Observe().ActiveRooms.Add(context.Background(), -1)
}

// EvictRoom closes a room and detaches every session still bound to it.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	closing := protocol.ErrorMessage(id, protocol.CodeRoomNotFound, "room closed")
	data, _ := closing.Marshal()
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.Registry.RemoveRoom(snap.SID)
		if snap.Signal != nil {
			_ = snap.Signal.TrySend(data)
		}
	}
	o.stopRoom(id)
}
