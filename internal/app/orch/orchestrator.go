package orch

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Rally/internal/app"
	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/observe"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog/log"
)

var errUnknownSession = errors.New("unknown session")

// Orchestrator owns room membership on the signaling server. It keeps no
// game state: it assigns roles, mirrors the player list and relays
// negotiation messages between members.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy
	Metrics  *observe.Metrics
	Clock    clock.Clock

	Capacity    int
	Grace       time.Duration
	IdleTimeout time.Duration
}

func (o *Orchestrator) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock.Now()
}

func (o *Orchestrator) Observe() *observe.Metrics {
	if o.Metrics == nil {
		return observe.DefaultMetrics()
	}
	return o.Metrics
}

// publish fans a frame out to everyone in the room except from and
// applies the backpressure policy to members that could not take it.
func (o *Orchestrator) publish(room core.RoomService, from domain.PlayerID, msg protocol.ControlMessage) {
	data, err := msg.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", msg.Type).Msg("marshal broadcast")
		return
	}
	res := room.Broadcast(from, data)
	o.handleDropped(room, res.Dropped)
}

func (o *Orchestrator) sendTo(room core.RoomService, pid domain.PlayerID, msg protocol.ControlMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	err = room.SendTo(pid, data)
	if err != nil && !errors.Is(err, core.ErrNotInRoom) {
		if ms, ok := room.Member(pid); ok {
			o.handleDropped(room, []core.MemberSession{ms})
		}
	}
	return err
}

func (o *Orchestrator) handleDropped(room core.RoomService, dropped []core.MemberSession) {
	if len(dropped) == 0 {
		return
	}
	o.Observe().DroppedFrames.Add(context.Background(), int64(len(dropped)))
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("room", string(room.Room().ID)).Str("player", string(slow.Player().ID)).Msg("kicking slow member")
			o.KickBySID(slow.SID())
		case app.DropFrame, app.NoAction:
		}
	}
}

// KickBySID cancels the websocket of sid; its read loop then reports the
// disconnect through Disconnect.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Registry.Cancel(sid)
}

// broadcastPlayers sends the player list to everyone but the player that
// just joined, who gets it in its assignment instead.
func (o *Orchestrator) broadcastPlayers(room core.RoomService, joined, left domain.PlayerID) {
	msg := protocol.MustControl(protocol.TypePlayerListUpdated, room.Room().ID, protocol.PlayerList{
		Players: room.Players(),
		Joined:  joined,
		Left:    left,
	})
	o.publish(room, joined, msg)
}

func assignment(room core.RoomService, pid domain.PlayerID) protocol.RoomAssignment {
	players := room.Players()
	a := protocol.RoomAssignment{RoomID: room.Room().ID, PlayerID: pid, Players: players}
	for _, p := range players {
		if p.ID == pid {
			a.Role = p.Role
		}
		if p.Role == domain.RoleHost {
			a.HostID = p.ID
		}
	}
	return a
}
