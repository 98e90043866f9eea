package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// peer is the link to one remote player. The host has one per guest; a
// guest has exactly one, to the host.
type peer struct {
	id         domain.PlayerID
	desc       Descriptor
	machine    *StateMachine
	link       core.PeerLink
	transport  *Transport
	candidates *CandidateBuffer
	policy     *ReconnectPolicy

	// gen identifies the current link; callbacks carrying an older gen
	// are ignored. Zero means no link.
	gen      uint64
	negTimer *clock.Timer
	applying bool
	// linkDown is set while ICE reports the current link disconnected.
	linkDown bool
}

func (m *Manager) newPeer(id domain.PlayerID) *peer {
	desc := m.desc
	desc.RemotePlayer = id
	desc.NegotiationAttempt = 0
	desc.RemoteDescriptionApplied = false
	p := &peer{
		id:         id,
		desc:       desc,
		candidates: NewCandidateBuffer(m.log.With().Str("peer", string(id)).Logger()),
		policy:     NewReconnectPolicy(m.opts.Reconnect, m.clk),
	}
	p.machine = NewStateMachine(core.StateSignalingConnected, func(from, to core.ConnectionState) {
		m.stateChanged("peer", from, to)
	})
	m.peers[id] = p
	m.log.Debug().Str("peer", string(id)).Msg("peer slot opened")
	m.emitState()
	return p
}

func (m *Manager) live(id domain.PlayerID, gen uint64) *peer {
	p, ok := m.peers[id]
	if !ok || gen == 0 || p.gen != gen {
		return nil
	}
	return p
}

// openLink replaces p's link with a fresh one for attempt. Link callbacks
// arrive on pion goroutines and are posted to the actor.
func (m *Manager) openLink(p *peer, attempt uint64) error {
	link, err := m.links()
	if err != nil {
		return fmt.Errorf("%w: new link: %v", core.ErrNegotiationFailed, err)
	}
	m.gen++
	gen, id := m.gen, p.id
	p.gen = gen
	p.link = link
	p.applying = false
	p.linkDown = false
	p.desc.NegotiationAttempt = attempt
	p.desc.RemoteDescriptionApplied = false
	p.candidates.Reset(attempt)

	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.box.post(func() {
			if p := m.live(id, gen); p != nil {
				m.sendSignal(protocol.MustControl(protocol.TypeICECandidate, m.desc.RoomID,
					protocol.Candidate{Attempt: p.desc.NegotiationAttempt, Candidate: c}).To(id))
			}
		})
	})
	link.OnStateChange(func(s core.LinkState) {
		m.box.post(func() {
			if p := m.live(id, gen); p != nil {
				m.onLinkState(p, s)
			}
		})
	})
	link.OnChannel(func(ch core.Channel) {
		// Registered here so no frame slips in before the actor sees the
		// channel; the mailbox keeps them behind onChannelOpen.
		ch.OnMessage(func(data []byte) {
			m.box.post(func() {
				if p := m.live(id, gen); p != nil && p.transport != nil {
					p.transport.Receive(data)
				}
			})
		})
		ch.OnClose(func() {
			m.box.post(func() {
				if p := m.live(id, gen); p != nil {
					m.peerLost(p, fmt.Errorf("channel closed: %w", core.ErrTransportNotOpen))
				}
			})
		})
		if !m.box.post(func() {
			p := m.live(id, gen)
			if p == nil || !p.machine.Is(core.StateNegotiating) {
				_ = ch.Close()
				return
			}
			m.onChannelOpen(p, ch)
		}) {
			_ = ch.Close()
		}
	})

	p.negTimer.Stop()
	p.negTimer = m.after(m.opts.NegotiationTimeout, func() {
		if p := m.live(id, gen); p != nil && !p.machine.Is(core.StateConnected) {
			m.attemptFailed(p, fmt.Errorf("no channel after %s: %w", m.opts.NegotiationTimeout, core.ErrNegotiationFailed))
		}
	})
	return nil
}

// awaitOffer arms the negotiation timeout on a guest that has no link yet.
func (m *Manager) awaitOffer(p *peer) {
	m.gen++
	gen, id := m.gen, p.id
	p.gen = gen
	p.negTimer.Stop()
	p.negTimer = m.after(m.opts.NegotiationTimeout, func() {
		if p := m.live(id, gen); p != nil && p.link == nil {
			m.attemptFailed(p, fmt.Errorf("no offer after %s: %w", m.opts.NegotiationTimeout, core.ErrNegotiationFailed))
		}
	})
}

// toNegotiating walks p's machine to Negotiating from wherever it is.
func (m *Manager) toNegotiating(p *peer) {
	if p.machine.Is(core.StateConnected, core.StateNegotiating) {
		m.transition(p.machine, core.StateDisconnected)
	}
	if p.machine.Is(core.StateDisconnected) {
		m.transition(p.machine, core.StateReconnecting)
	}
	m.transition(p.machine, core.StateNegotiating)
}

// startOffer runs one host-side negotiation attempt.
func (m *Manager) startOffer(p *peer) {
	attempt := p.desc.NegotiationAttempt + 1
	m.dropLink(p)
	if err := m.openLink(p, attempt); err != nil {
		m.attemptFailed(p, err)
		return
	}
	m.toNegotiating(p)
	link, gen, id := p.link, p.gen, p.id
	m.log.Info().Str("peer", string(id)).Uint64("attempt", attempt).Msg("sending offer")
	go func() {
		offer, err := link.CreateOffer()
		m.box.post(func() {
			p := m.live(id, gen)
			if p == nil {
				return
			}
			if err != nil {
				m.attemptFailed(p, fmt.Errorf("%w: create offer: %v", core.ErrNegotiationFailed, err))
				return
			}
			m.sendSignal(protocol.MustControl(protocol.TypeOffer, m.desc.RoomID,
				protocol.Description{Attempt: attempt, Description: offer}).To(id))
		})
	}()
}

func (m *Manager) onOffer(ev core.SignalEvent) {
	if m.desc.LocalRole == domain.RoleHost {
		m.log.Warn().Err(core.ErrProtocolViolation).Str("from", string(ev.From)).Msg("offer received by host ignored")
		return
	}
	if ev.From != m.hostID {
		m.log.Warn().Err(core.ErrProtocolViolation).Str("from", string(ev.From)).Msg("offer from non-host ignored")
		return
	}
	p, ok := m.peers[ev.From]
	if !ok {
		p = m.newPeer(ev.From)
	}
	cur := p.desc.NegotiationAttempt
	switch {
	case p.machine.Is(core.StateFailed, core.StateClosed):
		return
	case ev.Attempt < cur:
		m.log.Debug().Uint64("attempt", ev.Attempt).Uint64("current", cur).Msg("stale offer ignored")
		return
	case ev.Attempt == cur && p.link != nil:
		m.log.Debug().Uint64("attempt", ev.Attempt).Msg("duplicate offer ignored")
		return
	}
	if p.machine.Is(core.StateConnected) {
		m.log.Info().Str("peer", string(p.id)).Uint64("attempt", ev.Attempt).Msg("host renegotiating")
	}
	p.policy.Stop()
	m.dropLink(p)
	if err := m.openLink(p, ev.Attempt); err != nil {
		m.attemptFailed(p, err)
		return
	}
	m.toNegotiating(p)

	link, gen, id := p.link, p.gen, p.id
	offer := ev.Description
	p.applying = true
	go func() {
		answer, err := link.AcceptOffer(offer)
		m.box.post(func() {
			p := m.live(id, gen)
			if p == nil {
				return
			}
			p.applying = false
			if err != nil {
				m.attemptFailed(p, fmt.Errorf("%w: accept offer: %v", core.ErrNegotiationFailed, err))
				return
			}
			m.remoteApplied(p)
			m.sendSignal(protocol.MustControl(protocol.TypeAnswer, m.desc.RoomID,
				protocol.Description{Attempt: p.desc.NegotiationAttempt, Description: answer}).To(id))
		})
	}()
}

func (m *Manager) onAnswer(ev core.SignalEvent) {
	if m.desc.LocalRole != domain.RoleHost {
		m.log.Warn().Err(core.ErrProtocolViolation).Str("from", string(ev.From)).Msg("answer received by guest ignored")
		return
	}
	p, ok := m.peers[ev.From]
	if !ok || p.link == nil {
		m.log.Debug().Str("from", string(ev.From)).Msg("answer without a pending offer ignored")
		return
	}
	if ev.Attempt != p.desc.NegotiationAttempt {
		m.log.Debug().Uint64("attempt", ev.Attempt).Uint64("current", p.desc.NegotiationAttempt).Msg("stale answer ignored")
		return
	}
	if p.applying || p.desc.RemoteDescriptionApplied || p.machine.Is(core.StateConnected) {
		m.log.Debug().Str("from", string(ev.From)).Uint64("attempt", ev.Attempt).Msg("duplicate answer ignored")
		return
	}
	link, gen, id := p.link, p.gen, p.id
	answer := ev.Description
	p.applying = true
	go func() {
		err := link.ApplyAnswer(answer)
		m.box.post(func() {
			p := m.live(id, gen)
			if p == nil {
				return
			}
			p.applying = false
			if err != nil {
				m.attemptFailed(p, fmt.Errorf("%w: apply answer: %v", core.ErrNegotiationFailed, err))
				return
			}
			m.remoteApplied(p)
		})
	}()
}

func (m *Manager) remoteApplied(p *peer) {
	p.desc.RemoteDescriptionApplied = true
	if err := p.candidates.DrainInto(p.link); err != nil {
		m.log.Warn().Err(err).Str("peer", string(p.id)).Msg("some buffered candidates failed")
	}
}

func (m *Manager) onCandidate(ev core.SignalEvent) {
	p, ok := m.peers[ev.From]
	if !ok {
		m.log.Debug().Str("from", string(ev.From)).Msg("candidate for unknown peer dropped")
		return
	}
	err := p.candidates.Offer(PendingCandidate{Candidate: ev.Candidate, Attempt: ev.Attempt, ArrivedAt: m.clk.Now()})
	if err != nil {
		m.log.Warn().Err(err).Str("peer", string(p.id)).Msg("candidate rejected")
	}
}

func (m *Manager) onChannelOpen(p *peer, ch core.Channel) {
	p.negTimer.Stop()
	p.negTimer = nil
	id, gen := p.id, p.gen
	p.transport = newTransport(ch, m.clk, m.met, m.log.With().Str("peer", string(id)).Logger(), transportConfig{
		self:      m.desc.LocalPlayer,
		pingEvery: m.opts.DataPingInterval,
		window:    m.opts.LivenessWindow,
		schedule:  m.after,
	})
	p.transport.OnMessage(func(msg protocol.GameMessage) {
		if m.syncer != nil {
			m.syncer.HandleMessage(id, msg)
		}
	})
	p.transport.Start(func() {
		// Silence alone is not a loss; it only counts while ICE is down.
		if p := m.live(id, gen); p != nil && p.linkDown {
			m.peerLost(p, fmt.Errorf("link disconnected, nothing received for %s: %w", m.opts.LivenessWindow, core.ErrTransportNotOpen))
		}
	})
	p.policy.Stop()
	m.transition(p.machine, core.StateConnected)
	m.log.Info().Str("peer", string(id)).Uint64("attempt", p.desc.NegotiationAttempt).Msg("data channel open")
	if m.syncer != nil {
		m.syncer.PeerAttached(id)
	}
}

func (m *Manager) onLinkState(p *peer, s core.LinkState) {
	m.log.Debug().Str("peer", string(p.id)).Str("link", s.String()).Msg("link state")
	p.linkDown = s == core.LinkDisconnected
	switch s {
	case core.LinkDisconnected:
		// ICE may recover on its own; only a silent channel counts.
		if p.transport != nil && p.transport.Stale() {
			m.peerLost(p, fmt.Errorf("link disconnected: %w", core.ErrTransportNotOpen))
		}
	case core.LinkFailed, core.LinkClosed:
		if p.machine.Is(core.StateConnected) {
			m.peerLost(p, fmt.Errorf("link %s: %w", s, core.ErrTransportNotOpen))
			return
		}
		m.attemptFailed(p, fmt.Errorf("link %s: %w", s, core.ErrNegotiationFailed))
	}
}

// peerLost handles a Connected peer whose transport went away.
func (m *Manager) peerLost(p *peer, err error) {
	if !p.machine.Is(core.StateConnected) {
		return
	}
	m.log.Warn().Err(err).Str("peer", string(p.id)).Msg("peer lost")
	m.dropLink(p)
	m.transition(p.machine, core.StateDisconnected)
	m.scheduleReconnect(p)
}

// attemptFailed handles a negotiation or reconnect attempt that did not
// reach Connected.
func (m *Manager) attemptFailed(p *peer, err error) {
	if !p.machine.Is(core.StateNegotiating, core.StateReconnecting, core.StateSignalingConnected) {
		return
	}
	m.log.Warn().Err(err).Str("peer", string(p.id)).Uint64("attempt", p.desc.NegotiationAttempt).Msg("attempt failed")
	m.dropLink(p)
	m.transition(p.machine, core.StateDisconnected)
	m.scheduleReconnect(p)
}

func (m *Manager) scheduleReconnect(p *peer) {
	id, next := p.id, p.policy.Attempts()+1
	attempt, delay, ok := p.policy.Schedule(func() {
		m.box.post(func() {
			if cur, ok := m.peers[id]; ok && cur == p && p.policy.Due(next) {
				m.reconnectPeer(p)
			}
		})
	})
	if !ok {
		m.fail(fmt.Errorf("peer %s after %d attempts: %w", id, attempt, core.ErrReconnectExhausted))
		return
	}
	m.met.ReconnectAttempts.Add(context.Background(), 1)
	m.log.Info().Str("peer", string(id)).Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.transition(p.machine, core.StateReconnecting)
}

// reconnectPeer re-issues the room request, then renegotiates. Without
// signaling it waits for the session to restore it.
func (m *Manager) reconnectPeer(p *peer) {
	if !p.machine.Is(core.StateReconnecting) || !m.machine.Is(core.StateSignalingConnected) {
		return
	}
	m.reissue(func(err error) { m.afterReissue(p, err) })
}

func (m *Manager) afterReissue(p *peer, err error) {
	if cur, ok := m.peers[p.id]; !ok || cur != p || !p.machine.Is(core.StateReconnecting) {
		return
	}
	if err != nil && !errors.Is(err, core.ErrAlreadyConnecting) {
		if core.KindOf(err).Terminal() {
			m.fail(err)
			return
		}
		m.attemptFailed(p, err)
		return
	}
	if m.desc.LocalRole == domain.RoleHost {
		m.startOffer(p)
		return
	}
	m.awaitOffer(p)
}

// dropLink releases everything tied to the current link. Queued
// candidates stay for the next attempt to sort out.
func (m *Manager) dropLink(p *peer) {
	p.negTimer.Stop()
	p.negTimer = nil
	if p.transport != nil {
		p.transport.Close()
		p.transport = nil
	}
	if link := p.link; link != nil {
		p.link = nil
		go func() {
			if err := link.Close(); err != nil {
				m.log.Debug().Err(err).Str("peer", string(p.id)).Msg("close link")
			}
		}()
	}
	p.gen = 0
	p.applying = false
	p.desc.RemoteDescriptionApplied = false
	p.candidates.Reset(p.candidates.Attempt())
}

func (m *Manager) closePeer(p *peer) {
	p.policy.Stop()
	m.dropLink(p)
	if n := p.candidates.Discard(); n > 0 {
		m.log.Debug().Str("peer", string(p.id)).Int("count", n).Msg("candidates discarded")
	}
	if !p.machine.Is(core.StateClosed) {
		m.transition(p.machine, core.StateClosed)
	}
}
