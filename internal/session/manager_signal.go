package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
)

func (m *Manager) onSignal(ev core.SignalEvent) {
	if m.machine.Is(core.StateFailed, core.StateClosed) {
		return
	}
	m.met.RecordSignal(context.Background(), ev.Kind.String())
	switch ev.Kind {
	case core.EventRoomCreated, core.EventRoomJoined:
		m.log.Info().Str("room", string(ev.RoomID)).Str("event", ev.Kind.String()).Msg("room assigned")
	case core.EventRoleAssigned:
		m.onRole(ev.Assignment)
	case core.EventPeerOffer:
		m.onOffer(ev)
	case core.EventPeerAnswer:
		m.onAnswer(ev)
	case core.EventPeerCandidate:
		m.onCandidate(ev)
	case core.EventPlayerListUpdated:
		m.setPlayers(ev.Players)
		m.ensurePeers()
	case core.EventPeerLeft:
		m.onPeerLeft(ev.From)
	case core.EventError:
		// Errors answering a create or join come back from that call.
		m.log.Warn().Err(ev.Err).Str("room", string(ev.RoomID)).Msg("signaling error")
	case core.EventDisconnected:
		m.onSignalingLost(ev.Err)
	}
}

func (m *Manager) onRole(a protocol.RoomAssignment) {
	if m.desc.InRoom() && (a.RoomID != m.desc.RoomID || a.Role != m.desc.LocalRole) {
		m.log.Warn().Err(core.ErrProtocolViolation).
			Str("room", string(a.RoomID)).Str("role", string(a.Role)).
			Msg("assignment does not match the session")
		return
	}
	m.desc.RoomID = a.RoomID
	m.desc.LocalRole = a.Role
	m.desc.LocalPlayer = a.PlayerID
	m.hostID = a.HostID
	if m.syncer == nil {
		m.syncer = newSynchronizer(syncConfig{
			self:            a.PlayerID,
			role:            a.Role,
			host:            a.HostID,
			tick:            m.opts.TickInterval,
			maxRate:         m.opts.MaxBroadcastRate,
			stepTimeout:     m.opts.StepTimeout,
			oneInputPerStep: m.opts.OneInputPerStep,
			sim:             m.opts.Simulation,
			schedule:        m.after,
			send:            m.sendGame,
			expected:        m.expected,
		}, m.clk, m.met, &m.h, m.log.With().Str("role", string(a.Role)).Logger())
	}
	m.log.Info().Str("room", string(a.RoomID)).Str("player", string(a.PlayerID)).Str("role", string(a.Role)).Msg("role assigned")
	m.setPlayers(a.Players)
	if m.roleWait != nil {
		close(m.roleWait)
		m.roleWait = nil
	}
	m.ensurePeers()
	m.emitState()
}

func (m *Manager) setPlayers(players []domain.PlayerRecord) {
	m.players = players
	m.updateView()
	m.h.players(append([]domain.PlayerRecord(nil), players...))
}

// ensurePeers opens a slot for every remote peer this side talks to: all
// connected guests on the host, the host on a guest.
func (m *Manager) ensurePeers() {
	if !m.desc.InRoom() || !m.machine.Is(core.StateSignalingConnected) {
		return
	}
	if m.desc.LocalRole == domain.RoleHost {
		for _, pl := range m.players {
			if pl.ID == m.desc.LocalPlayer || !pl.Connected {
				continue
			}
			if _, ok := m.peers[pl.ID]; !ok {
				m.startOffer(m.newPeer(pl.ID))
			}
		}
		return
	}
	if m.hostID == "" {
		return
	}
	if _, ok := m.peers[m.hostID]; !ok {
		m.awaitOffer(m.newPeer(m.hostID))
	}
}

func (m *Manager) onPeerLeft(id domain.PlayerID) {
	p, ok := m.peers[id]
	if !ok {
		return
	}
	m.log.Info().Str("peer", string(id)).Msg("peer left the room")
	m.closePeer(p)
	delete(m.peers, id)
	m.emitState()
}

// sendGame delivers msg to one peer, or to every connected peer when to
// is empty.
func (m *Manager) sendGame(to domain.PlayerID, msg protocol.GameMessage) {
	if to != "" {
		p, ok := m.peers[to]
		if !ok || p.transport == nil {
			m.log.Debug().Err(core.ErrTransportNotOpen).Str("peer", string(to)).Str("type", msg.Type).Msg("dropped")
			return
		}
		if err := p.transport.Send(msg); err != nil {
			m.log.Debug().Err(err).Str("peer", string(to)).Msg("send")
		}
		return
	}
	for id, p := range m.peers {
		if p.transport == nil {
			continue
		}
		if err := p.transport.Send(msg); err != nil {
			m.log.Debug().Err(err).Str("peer", string(id)).Msg("broadcast")
		}
	}
}

// expected lists the connected players, host included.
func (m *Manager) expected() []domain.PlayerID {
	out := make([]domain.PlayerID, 0, len(m.players))
	for _, p := range m.players {
		if p.Connected {
			out = append(out, p.ID)
		}
	}
	return out
}

func (m *Manager) sendSignal(msg protocol.ControlMessage) {
	if err := m.sig.Send(msg); err != nil {
		m.log.Debug().Err(err).Str("type", msg.Type).Str("target", string(msg.Target)).Msg("signal send")
	}
}

func (m *Manager) roomRequest() core.RoomRequest {
	return core.RoomRequest{
		DisplayName: m.desc.DisplayName,
		RoomID:      m.desc.RoomID,
		PlayerID:    m.desc.LocalPlayer,
		Capacity:    m.opts.Capacity,
	}
}

// reissue repeats the create or join that put this peer in its room,
// with the same room and player id, and posts the outcome to done.
func (m *Manager) reissue(done func(error)) {
	req := m.roomRequest()
	host := m.desc.LocalRole == domain.RoleHost
	go func() {
		err := m.request(host, req)
		m.box.post(func() { done(err) })
	}()
}

func (m *Manager) request(host bool, req core.RoomRequest) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	defer cancel()
	if host {
		_, err := m.sig.CreateRoom(ctx, req)
		return err
	}
	return m.sig.JoinRoom(ctx, req)
}

func (m *Manager) onSignalingLost(err error) {
	if !m.machine.Is(core.StateSignalingConnected) {
		return
	}
	m.log.Warn().Err(err).Msg("signaling lost")
	m.transition(m.machine, core.StateDisconnected)
	if !m.desc.InRoom() {
		m.fail(fmt.Errorf("before joining a room: %w", core.ErrSignalingUnavailable))
		return
	}
	m.scheduleSignaling()
}

func (m *Manager) scheduleSignaling() {
	next := m.policy.Attempts() + 1
	attempt, delay, ok := m.policy.Schedule(func() {
		m.box.post(func() {
			if m.policy.Due(next) {
				m.reconnectSignaling()
			}
		})
	})
	if !ok {
		m.fail(fmt.Errorf("signaling after %d attempts: %w", attempt, core.ErrReconnectExhausted))
		return
	}
	m.met.ReconnectAttempts.Add(context.Background(), 1)
	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("signaling reconnect scheduled")
	m.transition(m.machine, core.StateReconnecting)
}

func (m *Manager) reconnectSignaling() {
	if !m.machine.Is(core.StateReconnecting) {
		return
	}
	m.transition(m.machine, core.StateSignalingConnecting)
	req := m.roomRequest()
	host := m.desc.LocalRole == domain.RoleHost
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
		err := m.sig.Connect(ctx, m.opts.SignalingURL)
		cancel()
		if err == nil {
			err = m.request(host, req)
		}
		m.box.post(func() { m.signalingRestored(err) })
	}()
}

func (m *Manager) signalingRestored(err error) {
	if !m.machine.Is(core.StateSignalingConnecting) {
		return
	}
	if err != nil && !errors.Is(err, core.ErrAlreadyConnecting) {
		if core.KindOf(err).Terminal() {
			m.fail(err)
			return
		}
		m.log.Warn().Err(err).Msg("signaling reconnect failed")
		m.transition(m.machine, core.StateDisconnected)
		m.scheduleSignaling()
		return
	}
	m.log.Info().Str("room", string(m.desc.RoomID)).Msg("signaling restored")
	m.transition(m.machine, core.StateSignalingConnected)
	for _, p := range m.peers {
		if p.machine.Is(core.StateReconnecting) && !p.policy.Pending() {
			m.reconnectPeer(p)
		}
	}
	m.ensurePeers()
}
