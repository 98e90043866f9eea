// Package session is the peer side of a game room: it talks to the
// signaling server, negotiates one data channel per remote peer, keeps
// those links alive and synchronizes the host's simulation to guests.
//
// A Manager is an actor. Signaling events, link callbacks and timers are
// all posted to its mailbox and handled on one goroutine, so none of its
// state is shared.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/config"
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/observe"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SignalingURL string
	Capacity     int

	ConnectTimeout     time.Duration
	NegotiationTimeout time.Duration
	DataPingInterval   time.Duration
	LivenessWindow     time.Duration
	Reconnect          ReconnectConfig

	TickInterval     time.Duration
	MaxBroadcastRate float64
	StepTimeout      time.Duration // closes any step still open after it; zero disables
	OneInputPerStep  bool
	Simulation       Simulation

	Clock   clock.Clock
	Metrics *observe.Metrics
}

func OptionsFromConfig(p *config.Peer) Options {
	return Options{
		SignalingURL:       p.SignalingURL,
		Capacity:           p.RoomCapacity,
		ConnectTimeout:     p.ConnectTimeout,
		NegotiationTimeout: p.NegotiationTimeout,
		DataPingInterval:   p.DataPingInterval,
		LivenessWindow:     p.LivenessWindow,
		Reconnect: ReconnectConfig{
			Base:        p.ReconnectBase,
			CapFactor:   p.ReconnectCapFactor,
			MaxAttempts: p.ReconnectMaxAttempts,
		},
		TickInterval:     p.TickInterval,
		MaxBroadcastRate: p.MaxBroadcastRate,
		StepTimeout:      p.StepTimeout,
		OneInputPerStep:  p.OneInputPerStep,
	}
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.NegotiationTimeout <= 0 {
		o.NegotiationTimeout = 15 * time.Second
	}
	if o.DataPingInterval <= 0 {
		o.DataPingInterval = 2 * time.Second
	}
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 10 * time.Second
	}
	if o.MaxBroadcastRate <= 0 {
		o.MaxBroadcastRate = 33
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Metrics == nil {
		o.Metrics = observe.DefaultMetrics()
	}
	o.Reconnect = o.Reconnect.withDefaults()
	return o
}

type view struct {
	state   core.ConnectionState
	role    domain.Role
	roomID  domain.RoomID
	self    domain.PlayerID
	players []domain.PlayerRecord
}

type Manager struct {
	opts  Options
	h     Handlers
	sig   core.Signaling
	links core.LinkFactory
	clk   clock.Clock
	met   *observe.Metrics
	log   zerolog.Logger

	box    *mailbox
	done   chan struct{}
	opened atomic.Bool
	closed atomic.Bool
	busy   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the actor.
	machine  *StateMachine
	desc     Descriptor
	hostID   domain.PlayerID
	players  []domain.PlayerRecord
	peers    map[domain.PlayerID]*peer
	syncer   *Synchronizer
	policy   *ReconnectPolicy
	roleWait chan struct{}
	gen      uint64
	reported core.ConnectionState
	stopped  bool

	viewMu sync.RWMutex
	view   view
}

// New builds a Manager around a signaling client and a link factory. The
// Manager owns sig from here on and closes it in Close.
func New(sig core.Signaling, links core.LinkFactory, h Handlers, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:  opts,
		h:     h,
		sig:   sig,
		links: links,
		clk:   opts.Clock,
		met:   opts.Metrics,
		log:   log.With().Str("module", "session").Logger(),
		box:   newMailbox(),
		done:  make(chan struct{}),
		peers: make(map[domain.PlayerID]*peer),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.machine = NewStateMachine(core.StateIdle, func(from, to core.ConnectionState) {
		m.stateChanged("session", from, to)
	})
	m.policy = NewReconnectPolicy(opts.Reconnect, m.clk)
	return m
}

// Open starts the actor and connects to the signaling server.
func (m *Manager) Open(ctx context.Context) error {
	if m.closed.Load() {
		return core.ErrSessionClosed
	}
	if !m.opened.CompareAndSwap(false, true) {
		return core.ErrAlreadyConnecting
	}
	go m.run()
	go m.pump()

	if err := m.call(func() { m.transition(m.machine, core.StateSignalingConnecting) }); err != nil {
		return err
	}
	err := m.sig.Connect(ctx, m.opts.SignalingURL)
	if cerr := m.call(func() {
		if err != nil {
			m.log.Error().Err(err).Str("url", m.opts.SignalingURL).Msg("signaling connect failed")
			m.transition(m.machine, core.StateFailed)
			return
		}
		m.transition(m.machine, core.StateSignalingConnected)
	}); cerr != nil {
		return cerr
	}
	return err
}

func (m *Manager) run() {
	defer close(m.done)
	for range m.box.wake {
		for _, fn := range m.box.take() {
			fn()
			if m.stopped {
				return
			}
		}
	}
}

func (m *Manager) pump() {
	events := m.sig.Events()
	for {
		select {
		case ev := <-events:
			m.box.post(func() { m.onSignal(ev) })
		case <-m.done:
			return
		}
	}
}

// call runs fn on the actor and waits for it. Never call it from a handler.
func (m *Manager) call(fn func()) error {
	finished := make(chan struct{})
	if !m.box.post(func() {
		fn()
		close(finished)
	}) {
		return core.ErrSessionClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return core.ErrSessionClosed
	}
}

// after runs fn on the actor once d has passed.
func (m *Manager) after(d time.Duration, fn func()) *clock.Timer {
	return m.clk.AfterFunc(d, func() { m.box.post(fn) })
}

// CreateRoom makes this peer the host of a new room and returns its id
// once the role is known.
func (m *Manager) CreateRoom(ctx context.Context, displayName string) (domain.RoomID, error) {
	name, wait, err := m.beginRequest(displayName)
	if err != nil {
		return "", err
	}
	defer m.busy.Store(false)

	id, err := m.sig.CreateRoom(ctx, core.RoomRequest{DisplayName: name, Capacity: m.opts.Capacity})
	if err != nil {
		m.requestFailed(err)
		return "", err
	}
	if err := m.awaitRole(ctx, wait); err != nil {
		return "", err
	}
	return id, nil
}

// JoinRoom joins roomID as a guest. RoomNotFound and RoomFull are
// terminal: the session moves to Failed.
func (m *Manager) JoinRoom(ctx context.Context, displayName string, roomID domain.RoomID) error {
	name, wait, err := m.beginRequest(displayName)
	if err != nil {
		return err
	}
	defer m.busy.Store(false)

	err = m.sig.JoinRoom(ctx, core.RoomRequest{
		DisplayName: name,
		RoomID:      domain.NormalizeRoomID(string(roomID)),
		Capacity:    m.opts.Capacity,
	})
	if err != nil {
		m.requestFailed(err)
		return err
	}
	return m.awaitRole(ctx, wait)
}

func (m *Manager) beginRequest(displayName string) (string, chan struct{}, error) {
	name, err := domain.CleanDisplayName(displayName)
	if err != nil {
		return "", nil, err
	}
	if m.closed.Load() {
		return "", nil, core.ErrSessionClosed
	}
	if !m.busy.CompareAndSwap(false, true) {
		return "", nil, core.ErrAlreadyConnecting
	}
	var (
		wait   chan struct{}
		reject error
	)
	err = m.call(func() {
		switch {
		case !m.machine.Is(core.StateSignalingConnected):
			reject = fmt.Errorf("session is %s: %w", m.machine.State(), core.ErrSignalingUnavailable)
		case m.desc.InRoom():
			reject = fmt.Errorf("already in room %s: %w", m.desc.RoomID, core.ErrAlreadyConnecting)
		default:
			m.desc.DisplayName = name
			wait = make(chan struct{})
			m.roleWait = wait
		}
	})
	if err == nil {
		err = reject
	}
	if err != nil {
		m.busy.Store(false)
		return "", nil, err
	}
	return name, wait, nil
}

func (m *Manager) requestFailed(err error) {
	_ = m.call(func() {
		m.roleWait = nil
		if core.KindOf(err).Terminal() {
			m.fail(err)
		}
	})
}

func (m *Manager) awaitRole(ctx context.Context, wait chan struct{}) error {
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return core.ErrSessionClosed
	}
}

// StartGame starts the host's simulation with an initial state.
func (m *Manager) StartGame(initial any) error {
	return m.game(true, initial, func(s *Synchronizer, raw any) error { return s.StartAsHost(raw) })
}

// Publish broadcasts the host's current state.
func (m *Manager) Publish(state any) error {
	return m.game(true, state, func(s *Synchronizer, raw any) error { return s.Publish(raw) })
}

func (m *Manager) SubmitInput(payload any) error {
	return m.game(false, payload, func(s *Synchronizer, raw any) error { return s.SubmitInput(raw) })
}

// AdvanceStep moves the game on. On a guest it only asks the host.
func (m *Manager) AdvanceStep(payload any) error {
	return m.game(false, payload, func(s *Synchronizer, raw any) error { return s.Advance(raw) })
}

// EndGame ends the game. On a guest it only asks the host.
func (m *Manager) EndGame(payload any) error {
	return m.game(false, payload, func(s *Synchronizer, raw any) error { return s.End(raw) })
}

// game encodes payload on the caller's goroutine and hands the operation
// to the actor without waiting for it.
func (m *Manager) game(hostOnly bool, payload any, op func(*Synchronizer, any) error) error {
	if m.closed.Load() {
		return core.ErrSessionClosed
	}
	v := m.snapshotView()
	if !v.role.Valid() {
		return core.ErrNotInRoom
	}
	if hostOnly && v.role != domain.RoleHost {
		return core.ErrNotHost
	}
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	if !m.box.post(func() {
		if m.syncer == nil {
			return
		}
		if err := op(m.syncer, raw); err != nil {
			m.log.Warn().Err(err).Msg("game operation")
		}
	}) {
		return core.ErrSessionClosed
	}
	return nil
}

// SetReady reports the local ready flag to the server.
func (m *Manager) SetReady(ready bool) error {
	v := m.snapshotView()
	if v.roomID == "" {
		return core.ErrNotInRoom
	}
	return m.sig.Send(protocol.MustControl(protocol.TypePlayerReady, v.roomID, protocol.Ready{Ready: ready}))
}

// ReportScore records a player's score on the server. Host only.
func (m *Manager) ReportScore(pid domain.PlayerID, score int) error {
	v := m.snapshotView()
	if v.role != domain.RoleHost {
		return core.ErrNotHost
	}
	return m.sig.Send(protocol.MustControl(protocol.TypeScoreUpdate, v.roomID, protocol.Score{PlayerID: pid, Score: score}))
}

// Leave tells the server this player is gone for good, then closes.
func (m *Manager) Leave() error { return m.shutdown(true) }

// Close tears the session down. The server keeps the player's slot for
// its grace period.
func (m *Manager) Close() error { return m.shutdown(false) }

func (m *Manager) shutdown(leave bool) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer m.cancel()
	if !m.opened.Load() {
		return m.sig.Close()
	}
	_ = m.call(func() { m.teardown(leave) })
	<-m.done
	return m.sig.Close()
}

func (m *Manager) teardown(leave bool) {
	if leave && m.desc.InRoom() {
		if err := m.sig.Send(protocol.ControlMessage{Type: protocol.TypeLeave, RoomID: m.desc.RoomID}); err != nil {
			m.log.Debug().Err(err).Msg("leave")
		}
	}
	m.policy.Stop()
	if m.syncer != nil {
		m.syncer.Stop()
	}
	for id, p := range m.peers {
		m.closePeer(p)
		delete(m.peers, id)
	}
	if !m.machine.Is(core.StateClosed) {
		m.transition(m.machine, core.StateClosed)
	}
	m.log.Info().Str("room", string(m.desc.RoomID)).Bool("leave", leave).Msg("session closed")
	m.box.close()
	m.stopped = true
}

// fail moves the whole session to Failed and reports err once.
func (m *Manager) fail(err error) {
	if m.machine.Is(core.StateFailed, core.StateClosed) {
		return
	}
	m.log.Error().Err(err).Str("room", string(m.desc.RoomID)).Msg("session failed")
	m.policy.Stop()
	if m.syncer != nil {
		m.syncer.Stop()
	}
	for _, p := range m.peers {
		p.policy.Stop()
		m.dropLink(p)
		if !p.machine.Is(core.StateFailed, core.StateClosed) {
			m.transition(p.machine, core.StateFailed)
		}
	}
	m.transition(m.machine, core.StateFailed)
	m.h.fail(err)
}

func (m *Manager) transition(sm *StateMachine, to core.ConnectionState) {
	if err := sm.Transition(to); err != nil {
		m.log.Warn().Err(err).Msg("state machine")
	}
}

func (m *Manager) stateChanged(scope string, from, to core.ConnectionState) {
	m.log.Debug().Str("scope", scope).Str("from", from.String()).Str("to", to.String()).Msg("transition")
	m.met.RecordTransition(context.Background(), to.String())
	m.emitState()
}

var severity = map[core.ConnectionState]int{
	core.StateConnected:          1,
	core.StateSignalingConnected: 2,
	core.StateNegotiating:        3,
	core.StateReconnecting:       4,
	core.StateDisconnected:       5,
	core.StateFailed:             6,
}

// aggregate is the state reported to the game: the session's own state
// until peers exist, then the worst peer state.
func (m *Manager) aggregate() core.ConnectionState {
	st := m.machine.State()
	if m.machine.Is(core.StateIdle, core.StateSignalingConnecting, core.StateFailed, core.StateClosed) || len(m.peers) == 0 {
		return st
	}
	worst := core.StateConnected
	for _, p := range m.peers {
		if s := p.machine.State(); severity[s] > severity[worst] {
			worst = s
		}
	}
	return worst
}

func (m *Manager) emitState() {
	s := m.aggregate()
	m.updateView()
	if s != m.reported {
		m.reported = s
		m.h.stateChanged(s)
	}
}

func (m *Manager) updateView() {
	players := append([]domain.PlayerRecord(nil), m.players...)
	m.viewMu.Lock()
	m.view = view{
		state:   m.aggregate(),
		role:    m.desc.LocalRole,
		roomID:  m.desc.RoomID,
		self:    m.desc.LocalPlayer,
		players: players,
	}
	m.viewMu.Unlock()
}

func (m *Manager) snapshotView() view {
	m.viewMu.RLock()
	defer m.viewMu.RUnlock()
	return m.view
}

func (m *Manager) State() core.ConnectionState { return m.snapshotView().state }
func (m *Manager) Role() domain.Role           { return m.snapshotView().role }
func (m *Manager) RoomID() domain.RoomID       { return m.snapshotView().roomID }
func (m *Manager) PlayerID() domain.PlayerID   { return m.snapshotView().self }

func (m *Manager) Players() []domain.PlayerRecord {
	return append([]domain.PlayerRecord(nil), m.snapshotView().players...)
}
