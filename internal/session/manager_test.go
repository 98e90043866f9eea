package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostID  = domain.PlayerID("host")
	guestID = domain.PlayerID("guest")
	roomID  = domain.RoomID("ROOM01")
)

type fakeSignaling struct {
	mu         sync.Mutex
	events     chan core.SignalEvent
	sent       []protocol.ControlMessage
	requests   []core.RoomRequest
	connectErr error
	requestErr error
	players    []domain.PlayerRecord
}

func newFakeSignaling() *fakeSignaling {
	return &fakeSignaling{
		events: make(chan core.SignalEvent, 64),
		players: []domain.PlayerRecord{
			{ID: hostID, DisplayName: "Alice", Role: domain.RoleHost, Connected: true},
			{ID: guestID, DisplayName: "Bob", Role: domain.RoleGuest, Connected: true},
		},
	}
}

func (f *fakeSignaling) Connect(context.Context, string) error { return f.connectErr }

func (f *fakeSignaling) CreateRoom(_ context.Context, req core.RoomRequest) (domain.RoomID, error) {
	if err := f.record(req); err != nil {
		return "", err
	}
	f.assign(hostID, domain.RoleHost)
	return roomID, nil
}

func (f *fakeSignaling) JoinRoom(_ context.Context, req core.RoomRequest) error {
	if err := f.record(req); err != nil {
		return err
	}
	f.assign(guestID, domain.RoleGuest)
	return nil
}

func (f *fakeSignaling) record(req core.RoomRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.requestErr
}

func (f *fakeSignaling) assign(self domain.PlayerID, role domain.Role) {
	f.mu.Lock()
	players := append([]domain.PlayerRecord(nil), f.players...)
	f.mu.Unlock()
	a := protocol.RoomAssignment{RoomID: roomID, PlayerID: self, Role: role, HostID: hostID, Players: players}
	f.events <- core.SignalEvent{Kind: core.EventRoleAssigned, RoomID: roomID, Assignment: a, Players: players}
}

func (f *fakeSignaling) Send(msg protocol.ControlMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaling) Events() <-chan core.SignalEvent { return f.events }
func (f *fakeSignaling) Close() error                    { return nil }

func (f *fakeSignaling) sentOf(typ string) []protocol.ControlMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ControlMessage
	for _, m := range f.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaling) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeChannel struct {
	mu      sync.Mutex
	sent    [][]byte
	onMsg   func([]byte)
	onClose func()
	closed  bool
}

func (c *fakeChannel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrTransportNotOpen
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) fireClose() {
	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	fn()
}

func (c *fakeChannel) deliver(t *testing.T, msg protocol.GameMessage) {
	t.Helper()
	data, err := protocol.EncodeGame(msg)
	require.NoError(t, err)
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	fn(data)
}

func (c *fakeChannel) types(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, data := range c.sent {
		msg, err := protocol.DecodeGame(data)
		require.NoError(t, err)
		if msg.Type != protocol.Ping && msg.Type != protocol.Pong {
			out = append(out, msg.Type)
		}
	}
	return out
}

type fakeLink struct {
	mu         sync.Mutex
	gate       chan struct{}
	remoteSet  bool
	applied    []string
	answers    int
	onCand     func(webrtc.ICECandidateInit)
	onState    func(core.LinkState)
	onChan     func(core.Channel)
	closed     bool
	channel    *fakeChannel
	offerCalls int
}

func (l *fakeLink) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	l.offerCalls++
	l.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (l *fakeLink) AcceptOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if l.gate != nil {
		<-l.gate
	}
	l.mu.Lock()
	l.remoteSet = true
	l.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (l *fakeLink) ApplyAnswer(webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	l.remoteSet = true
	return nil
}

func (l *fakeLink) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		return errors.New("remote description not set")
	}
	l.applied = append(l.applied, c.Candidate)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onCand = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnStateChange(fn func(core.LinkState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *fakeLink) OnChannel(fn func(core.Channel)) {
	l.mu.Lock()
	l.onChan = fn
	l.mu.Unlock()
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// report simulates ICE reporting s for the link.
func (l *fakeLink) report(s core.LinkState) {
	l.mu.Lock()
	fn := l.onState
	l.mu.Unlock()
	fn(s)
}

// open simulates the data channel coming up.
func (l *fakeLink) open() *fakeChannel {
	l.mu.Lock()
	ch := &fakeChannel{}
	l.channel = ch
	fn := l.onChan
	l.mu.Unlock()
	fn(ch)
	return ch
}

func (l *fakeLink) appliedCandidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.applied...)
}

func (l *fakeLink) answerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.answers
}

type linkRecorder struct {
	mu    sync.Mutex
	links []*fakeLink
	gate  chan struct{}
}

func (r *linkRecorder) New() (core.PeerLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &fakeLink{gate: r.gate}
	r.links = append(r.links, l)
	return l, nil
}

func (r *linkRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

func (r *linkRecorder) last() *fakeLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[len(r.links)-1]
}

type managerHarness struct {
	t     *testing.T
	clk   *clock.FakeClock
	sig   *fakeSignaling
	links *linkRecorder
	m     *Manager

	mu     sync.Mutex
	states []core.ConnectionState
	errs   []core.ErrorKind
	snaps  []uint64
	events []string
	inputs []domain.PlayerID
}

func newManagerHarness(t *testing.T, mutate func(*Options)) *managerHarness {
	t.Helper()
	h := &managerHarness{
		t:     t,
		clk:   clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		sig:   newFakeSignaling(),
		links: &linkRecorder{},
	}
	opts := Options{
		SignalingURL: "ws://signal.test/api/ws/signal",
		Capacity:     2,
		Clock:        h.clk,
		Metrics:      testMetrics(t),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.m = New(h.sig, h.links.New, Handlers{
		OnConnectionStateChanged: func(s core.ConnectionState) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		OnSnapshot: func(s StateSnapshot) {
			h.mu.Lock()
			h.snaps = append(h.snaps, s.Sequence)
			h.mu.Unlock()
		},
		OnGuestInput: func(from domain.PlayerID, _ int, _ json.RawMessage) {
			h.mu.Lock()
			h.inputs = append(h.inputs, from)
			h.mu.Unlock()
		},
		OnLifecycle: func(msg protocol.GameMessage) {
			h.mu.Lock()
			h.events = append(h.events, msg.Type)
			h.mu.Unlock()
		},
		OnError: func(kind core.ErrorKind, _ error) {
			h.mu.Lock()
			h.errs = append(h.errs, kind)
			h.mu.Unlock()
		},
	}, opts)
	t.Cleanup(func() { _ = h.m.Close() })
	return h
}

// push hands ev straight to the actor so it is ordered with settle.
func (h *managerHarness) push(ev core.SignalEvent) {
	h.t.Helper()
	require.True(h.t, h.m.box.post(func() { h.m.onSignal(ev) }))
}

// settle waits until the actor has handled everything queued so far.
func (h *managerHarness) settle() {
	h.t.Helper()
	require.NoError(h.t, h.m.call(func() {}))
}

func (h *managerHarness) peerState(id domain.PlayerID) core.ConnectionState {
	h.t.Helper()
	var s core.ConnectionState = -1
	require.NoError(h.t, h.m.call(func() {
		if p, ok := h.m.peers[id]; ok {
			s = p.machine.State()
		}
	}))
	return s
}

func (h *managerHarness) errorKinds() []core.ErrorKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.ErrorKind(nil), h.errs...)
}

func (h *managerHarness) lifecycle() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *managerHarness) snapshots() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.snaps...)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// connectHost brings a host to Connected with the guest.
func connectHost(t *testing.T, h *managerHarness) *fakeChannel {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.m.Open(ctx))
	id, err := h.m.CreateRoom(ctx, "  Alice ")
	require.NoError(t, err)
	assert.Equal(t, roomID, id)
	assert.Equal(t, domain.RoleHost, h.m.Role())

	eventually(t, func() bool { return len(h.sig.sentOf(protocol.TypeOffer)) == 1 }, "offer sent")
	offer := h.sig.sentOf(protocol.TypeOffer)[0]
	assert.Equal(t, guestID, offer.Target)

	h.push(core.SignalEvent{Kind: core.EventPeerAnswer, RoomID: roomID, From: guestID, Attempt: 1})
	link := h.links.last()
	eventually(t, func() bool { return link.answerCount() == 1 }, "answer applied")
	ch := link.open()
	eventually(t, func() bool { return h.m.State() == core.StateConnected }, "connected")
	return ch
}

func joinGuest(t *testing.T, h *managerHarness) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.m.Open(ctx))
	require.NoError(t, h.m.JoinRoom(ctx, "Bob", "room01"))
	assert.Equal(t, domain.RoleGuest, h.m.Role())
	assert.Equal(t, roomID, h.m.RoomID())
	assert.Equal(t, guestID, h.m.PlayerID())
}

func TestOpenFailureMovesToFailed(t *testing.T) {
	h := newManagerHarness(t, nil)
	h.sig.connectErr = core.ErrSignalingUnavailable

	err := h.m.Open(context.Background())
	require.ErrorIs(t, err, core.ErrSignalingUnavailable)
	assert.Equal(t, core.StateFailed, h.m.State())
	assert.Empty(t, h.errorKinds())

	_, err = h.m.CreateRoom(context.Background(), "Alice")
	assert.ErrorIs(t, err, core.ErrSignalingUnavailable)
}

func TestOpenTwice(t *testing.T) {
	h := newManagerHarness(t, nil)
	require.NoError(t, h.m.Open(context.Background()))
	assert.ErrorIs(t, h.m.Open(context.Background()), core.ErrAlreadyConnecting)
	assert.Equal(t, core.StateSignalingConnected, h.m.State())
}

func TestJoinRoomFullIsTerminal(t *testing.T) {
	h := newManagerHarness(t, nil)
	require.NoError(t, h.m.Open(context.Background()))
	h.sig.mu.Lock()
	h.sig.requestErr = core.ErrRoomFull
	h.sig.mu.Unlock()

	err := h.m.JoinRoom(context.Background(), "Bob", roomID)
	require.ErrorIs(t, err, core.ErrRoomFull)
	assert.Equal(t, core.StateFailed, h.m.State())
	assert.Equal(t, []core.ErrorKind{core.KindRoomFull}, h.errorKinds())
}

func TestGameOperationsNeedARoom(t *testing.T) {
	h := newManagerHarness(t, nil)
	require.NoError(t, h.m.Open(context.Background()))
	assert.ErrorIs(t, h.m.SubmitInput("x"), core.ErrNotInRoom)
	assert.ErrorIs(t, h.m.StartGame(nil), core.ErrNotInRoom)
	assert.ErrorIs(t, h.m.SetReady(true), core.ErrNotInRoom)

	_, err := h.m.CreateRoom(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrDisplayNameEmpty)

	require.NoError(t, h.m.Close())
	assert.ErrorIs(t, h.m.SubmitInput("x"), core.ErrSessionClosed)
	assert.Equal(t, core.StateClosed, h.m.State())
}

func TestGuestCannotPublish(t *testing.T) {
	h := newManagerHarness(t, nil)
	joinGuest(t, h)
	assert.ErrorIs(t, h.m.Publish(map[string]int{"x": 1}), core.ErrNotHost)
	assert.ErrorIs(t, h.m.StartGame(nil), core.ErrNotHost)
	assert.ErrorIs(t, h.m.ReportScore(guestID, 3), core.ErrNotHost)
}

func TestGuestBuffersCandidatesUntilOfferApplied(t *testing.T) {
	h := newManagerHarness(t, nil)
	joinGuest(t, h)

	gate := make(chan struct{})
	h.links.mu.Lock()
	h.links.gate = gate
	h.links.mu.Unlock()

	h.push(core.SignalEvent{Kind: core.EventPeerOffer, RoomID: roomID, From: hostID, Attempt: 1})
	for _, c := range []string{"c1", "c2", "c3"} {
		h.push(core.SignalEvent{
			Kind: core.EventPeerCandidate, RoomID: roomID, From: hostID, Attempt: 1,
			Candidate: webrtc.ICECandidateInit{Candidate: c},
		})
	}
	eventually(t, func() bool { return h.links.count() == 1 }, "link created")
	h.settle()

	link := h.links.last()
	assert.Empty(t, link.appliedCandidates())
	var queued int
	require.NoError(t, h.m.call(func() { queued = h.m.peers[hostID].candidates.Len() }))
	assert.Equal(t, 3, queued)
	assert.Equal(t, core.StateNegotiating, h.m.State())

	close(gate)
	eventually(t, func() bool { return len(h.sig.sentOf(protocol.TypeAnswer)) == 1 }, "answer sent")
	assert.Equal(t, []string{"c1", "c2", "c3"}, link.appliedCandidates())

	var d protocol.Description
	answer := h.sig.sentOf(protocol.TypeAnswer)[0]
	require.NoError(t, answer.Decode(&d))
	assert.Equal(t, uint64(1), d.Attempt)
	assert.Equal(t, hostID, answer.Target)

	h.push(core.SignalEvent{Kind: core.EventPeerCandidate, RoomID: roomID, From: hostID, Attempt: 1, Candidate: webrtc.ICECandidateInit{Candidate: "c4"}})
	h.push(core.SignalEvent{Kind: core.EventPeerCandidate, RoomID: roomID, From: hostID, Attempt: 0, Candidate: webrtc.ICECandidateInit{Candidate: "stale"}})
	h.settle()
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, link.appliedCandidates())

	link.open()
	eventually(t, func() bool { return h.m.State() == core.StateConnected }, "connected")
}

func TestDuplicateAnswerAppliedOnce(t *testing.T) {
	h := newManagerHarness(t, nil)
	connectHost(t, h)
	link := h.links.last()

	h.push(core.SignalEvent{Kind: core.EventPeerAnswer, RoomID: roomID, From: guestID, Attempt: 1})
	h.push(core.SignalEvent{Kind: core.EventPeerAnswer, RoomID: roomID, From: guestID, Attempt: 0})
	h.settle()
	assert.Equal(t, 1, link.answerCount())
	assert.Equal(t, core.StateConnected, h.m.State())
}

func TestProtocolViolationsAreIgnored(t *testing.T) {
	h := newManagerHarness(t, nil)
	connectHost(t, h)

	h.push(core.SignalEvent{Kind: core.EventPeerOffer, RoomID: roomID, From: guestID, Attempt: 7})
	h.settle()
	assert.Equal(t, 1, h.links.count())
	assert.Empty(t, h.sig.sentOf(protocol.TypeAnswer))
	assert.Equal(t, core.StateConnected, h.m.State())

	g := newManagerHarness(t, nil)
	joinGuest(t, g)
	g.push(core.SignalEvent{Kind: core.EventPeerAnswer, RoomID: roomID, From: hostID, Attempt: 1})
	g.push(core.SignalEvent{Kind: core.EventPeerOffer, RoomID: roomID, From: "intruder", Attempt: 1})
	g.settle()
	assert.Equal(t, 0, g.links.count())
	assert.Empty(t, g.errorKinds())
}

func TestReconnectBackoffUntilExhausted(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := connectHost(t, h)
	require.Equal(t, 1, h.sig.requestCount())

	ch.fireClose()
	eventually(t, func() bool { return h.peerState(guestID) == core.StateReconnecting }, "reconnecting")
	assert.Equal(t, core.StateReconnecting, h.m.State())

	delays := []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second, 6 * time.Second, 6 * time.Second}
	for i, d := range delays {
		links := h.links.count()

		h.clk.Advance(d - time.Millisecond)
		h.settle()
		assert.Equal(t, links, h.links.count(), "attempt %d ran early", i+1)

		h.clk.Advance(time.Millisecond)
		eventually(t, func() bool { return h.links.count() == links+1 }, "attempt ran")
		eventually(t, func() bool { return h.peerState(guestID) == core.StateNegotiating }, "negotiating")
		assert.Equal(t, 1+i+1, h.sig.requestCount(), "room request re-issued")

		var req core.RoomRequest
		h.sig.mu.Lock()
		req = h.sig.requests[len(h.sig.requests)-1]
		h.sig.mu.Unlock()
		assert.Equal(t, roomID, req.RoomID)
		assert.Equal(t, hostID, req.PlayerID)

		// Nobody answers.
		h.clk.Advance(15 * time.Second)
		h.settle()
		h.settle()
	}

	eventually(t, func() bool { return h.m.State() == core.StateFailed }, "failed")
	assert.Equal(t, []core.ErrorKind{core.KindReconnectExhausted}, h.errorKinds())

	links := h.links.count()
	h.clk.Advance(time.Minute)
	h.settle()
	assert.Equal(t, links, h.links.count())
	assert.Equal(t, []core.ErrorKind{core.KindReconnectExhausted}, h.errorKinds())
}

func TestReconnectRecovers(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := connectHost(t, h)

	ch.fireClose()
	eventually(t, func() bool { return h.peerState(guestID) == core.StateReconnecting }, "reconnecting")
	h.clk.Advance(2 * time.Second)
	eventually(t, func() bool { return len(h.sig.sentOf(protocol.TypeOffer)) == 2 }, "second offer")

	var d protocol.Description
	require.NoError(t, h.sig.sentOf(protocol.TypeOffer)[1].Decode(&d))
	assert.Equal(t, uint64(2), d.Attempt)

	// An answer for the first attempt is stale now.
	link := h.links.last()
	h.push(core.SignalEvent{Kind: core.EventPeerAnswer, RoomID: roomID, From: guestID, Attempt: 1})
	h.settle()
	assert.Equal(t, 0, link.answerCount())

	h.push(core.SignalEvent{Kind: core.EventPeerAnswer, RoomID: roomID, From: guestID, Attempt: 2})
	eventually(t, func() bool { return link.answerCount() == 1 }, "answer applied")
	link.open()
	eventually(t, func() bool { return h.m.State() == core.StateConnected }, "connected again")
	assert.Empty(t, h.errorKinds())
}

func TestSilentChannelStaysConnected(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := connectHost(t, h)
	link := h.links.last()

	for range 7 {
		h.clk.Advance(2 * time.Second)
		h.settle()
	}
	assert.Equal(t, core.StateConnected, h.peerState(guestID))

	// ICE trouble on a channel that still talks is not a loss either.
	ch.deliver(t, protocol.NewGameMessage(protocol.Ping, guestID, h.clk.Now()))
	h.settle()
	link.report(core.LinkDisconnected)
	h.settle()
	assert.Equal(t, core.StateConnected, h.peerState(guestID))

	// Silence while ICE stays down is.
	for range 6 {
		h.clk.Advance(2 * time.Second)
		h.settle()
	}
	assert.Equal(t, core.StateReconnecting, h.peerState(guestID))
	assert.Empty(t, h.errorKinds())
}

func TestHostGameReachesGuest(t *testing.T) {
	h := newManagerHarness(t, nil)
	ch := connectHost(t, h)

	require.NoError(t, h.m.StartGame(map[string]int{"round": 1}))
	require.NoError(t, h.m.SubmitInput("local"))
	eventually(t, func() bool { return len(ch.types(t)) >= 2 }, "frames sent")
	assert.Equal(t, []string{protocol.GameStarted, protocol.StateSnapshot}, ch.types(t)[:2])
	assert.Equal(t, []string{protocol.GameStarted}, h.lifecycle())

	// A guest's answer reaches the host's handlers.
	in := protocol.NewGameMessage(protocol.PlayerInput, guestID, h.clk.Now())
	in.InputSeq = 1
	in.Payload = json.RawMessage(`"A"`)
	ch.deliver(t, in)
	ch.deliver(t, in)
	h.settle()

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []domain.PlayerID{hostID, guestID}, h.inputs)
}

func TestGuestAppliesHostSnapshots(t *testing.T) {
	h := newManagerHarness(t, nil)
	joinGuest(t, h)
	h.push(core.SignalEvent{Kind: core.EventPeerOffer, RoomID: roomID, From: hostID, Attempt: 1})
	eventually(t, func() bool { return len(h.sig.sentOf(protocol.TypeAnswer)) == 1 }, "answered")
	ch := h.links.last().open()
	eventually(t, func() bool { return h.m.State() == core.StateConnected }, "connected")

	// The guest asks for a resync as soon as the channel opens.
	eventually(t, func() bool { return len(ch.types(t)) == 1 }, "sync ack")
	assert.Equal(t, []string{protocol.Ack}, ch.types(t))

	for _, seq := range []uint64{42, 40, 41} {
		msg := protocol.NewGameMessage(protocol.StateSnapshot, hostID, h.clk.Now())
		msg.Seq = seq
		ch.deliver(t, msg)
	}
	h.settle()
	assert.Equal(t, []uint64{42}, h.snapshots())

	require.NoError(t, h.m.AdvanceStep(nil))
	eventually(t, func() bool { return len(ch.types(t)) == 2 }, "request sent")
	assert.Equal(t, protocol.RequestAdvance, ch.types(t)[1])
}

func TestLeaveSendsLeave(t *testing.T) {
	h := newManagerHarness(t, nil)
	connectHost(t, h)
	require.NoError(t, h.m.Leave())
	assert.Len(t, h.sig.sentOf(protocol.TypeLeave), 1)
	assert.Equal(t, core.StateClosed, h.m.State())
	assert.NoError(t, h.m.Close())
}
