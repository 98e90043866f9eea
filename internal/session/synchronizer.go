package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/observe"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Simulation is the canonical game loop. Only the host steps it.
type Simulation interface {
	Step(now time.Time) (state any, done bool)
}

type syncConfig struct {
	self            domain.PlayerID
	role            domain.Role
	host            domain.PlayerID
	tick            time.Duration
	maxRate         float64
	stepTimeout     time.Duration
	oneInputPerStep bool
	sim             Simulation

	// schedule runs fn on the actor after d.
	schedule func(d time.Duration, fn func()) *clock.Timer
	// send delivers to one peer, or to every attached guest when to is empty.
	send func(to domain.PlayerID, msg protocol.GameMessage)
	// expected lists the players whose answer closes a step.
	expected func() []domain.PlayerID
}

type stepKey struct {
	step   int
	player domain.PlayerID
}

// Synchronizer keeps guests in line with the host's simulation. It is
// owned by the session actor and is not safe for concurrent use.
type Synchronizer struct {
	cfg     syncConfig
	clk     clock.Clock
	log     zerolog.Logger
	metrics *observe.Metrics
	h       *Handlers
	limiter *rate.Limiter

	started   bool
	step      int
	stepOpen  bool
	stepTimer *clock.Timer
	tickTimer *clock.Timer

	// host
	seq        uint64
	latest     *protocol.GameMessage
	pending    json.RawMessage
	flushTimer *clock.Timer
	eventID    uint64
	events     []protocol.GameMessage
	acked      map[domain.PlayerID]uint64
	lastInput  map[domain.PlayerID]uint64
	answered   map[stepKey]bool

	// guest
	lastSeq   uint64
	lastEvent uint64
	inputSeq  uint64
}

func newSynchronizer(cfg syncConfig, clk clock.Clock, met *observe.Metrics, h *Handlers, log zerolog.Logger) *Synchronizer {
	if cfg.maxRate <= 0 {
		cfg.maxRate = 33
	}
	return &Synchronizer{
		cfg:       cfg,
		clk:       clk,
		log:       log,
		metrics:   met,
		h:         h,
		limiter:   rate.NewLimiter(rate.Limit(cfg.maxRate), 1),
		acked:     make(map[domain.PlayerID]uint64),
		lastInput: make(map[domain.PlayerID]uint64),
		answered:  make(map[stepKey]bool),
	}
}

func (s *Synchronizer) isHost() bool { return s.cfg.role == domain.RoleHost }

func (s *Synchronizer) Started() bool       { return s.started }
func (s *Synchronizer) Step() int           { return s.step }
func (s *Synchronizer) LastApplied() uint64 { return s.lastSeq }

func (s *Synchronizer) message(typ string, payload json.RawMessage) protocol.GameMessage {
	msg := protocol.NewGameMessage(typ, s.cfg.self, s.clk.Now())
	msg.Payload = payload
	return msg
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// StartAsHost opens step 0, announces game-started and publishes the
// initial state.
func (s *Synchronizer) StartAsHost(initial any) error {
	if !s.isHost() {
		return core.ErrNotHost
	}
	payload, err := encode(initial)
	if err != nil {
		return err
	}
	s.Stop()
	s.started = true
	s.step = 0
	s.answered = make(map[stepKey]bool)
	s.openStep()
	s.emitLifecycle(protocol.GameStarted, payload)
	if payload != nil {
		s.publishRaw(payload)
	}
	if s.cfg.sim != nil && s.cfg.tick > 0 {
		s.tickTimer = s.cfg.schedule(s.cfg.tick, s.tick)
	}
	return nil
}

func (s *Synchronizer) tick() {
	if !s.started || s.cfg.sim == nil {
		return
	}
	state, done := s.cfg.sim.Step(s.clk.Now())
	if err := s.Publish(state); err != nil {
		s.log.Error().Err(err).Msg("publish simulation state")
	}
	if done {
		if err := s.End(state); err != nil {
			s.log.Error().Err(err).Msg("end game")
		}
		return
	}
	s.tickTimer = s.cfg.schedule(s.cfg.tick, s.tick)
}

// Publish queues state for broadcast. Broadcasts are rate limited; when
// the limiter holds one back, later states replace it. A nil state means
// nothing changed and publishes nothing.
func (s *Synchronizer) Publish(state any) error {
	if !s.isHost() {
		return core.ErrNotHost
	}
	payload, err := encode(state)
	if err != nil {
		return err
	}
	s.publishRaw(payload)
	return nil
}

func (s *Synchronizer) publishRaw(payload json.RawMessage) {
	if payload == nil {
		return
	}
	if s.flushTimer != nil {
		s.pending = payload
		s.metrics.RecordSnapshot(context.Background(), "coalesced")
		return
	}
	s.pending = payload
	now := s.clk.Now()
	if d := s.limiter.ReserveN(now, 1).DelayFrom(now); d > 0 {
		s.flushTimer = s.cfg.schedule(d, s.flush)
		return
	}
	s.flush()
}

func (s *Synchronizer) flush() {
	s.flushTimer = nil
	if s.pending == nil {
		return
	}
	s.seq++
	msg := s.message(protocol.StateSnapshot, s.pending)
	msg.Seq = s.seq
	s.pending = nil
	s.latest = &msg
	s.cfg.send("", msg)
	s.metrics.RecordSnapshot(context.Background(), "sent")
}

// SubmitInput sends a local input to the host. On the host it goes
// through the same acceptance rules as a guest's.
func (s *Synchronizer) SubmitInput(payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	s.inputSeq++
	msg := s.message(protocol.PlayerInput, raw)
	msg.Step = s.step
	msg.InputSeq = s.inputSeq
	if s.isHost() {
		s.acceptInput(s.cfg.self, msg)
		return nil
	}
	s.cfg.send(s.cfg.host, msg)
	return nil
}

// Advance moves the host to the next step. A guest only asks for it.
func (s *Synchronizer) Advance(payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	if !s.isHost() {
		s.cfg.send(s.cfg.host, s.message(protocol.RequestAdvance, raw))
		return nil
	}
	if !s.started {
		return fmt.Errorf("advance: game not started")
	}
	s.step++
	s.openStep()
	s.emitLifecycle(protocol.NextStep, raw)
	return nil
}

// End finishes the game on the host, or asks the host to.
func (s *Synchronizer) End(payload any) error {
	raw, err := encode(payload)
	if err != nil {
		return err
	}
	if !s.isHost() {
		s.cfg.send(s.cfg.host, s.message(protocol.RequestEnd, raw))
		return nil
	}
	if !s.started {
		return fmt.Errorf("end: game not started")
	}
	s.flushNow()
	s.Stop()
	s.started = false
	s.emitLifecycle(protocol.GameEnded, raw)
	return nil
}

// flushNow sends a held-back snapshot before the game ends.
func (s *Synchronizer) flushNow() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flush()
	}
}

func (s *Synchronizer) emitLifecycle(typ string, payload json.RawMessage) {
	s.eventID++
	msg := s.message(typ, payload)
	msg.EventID = s.eventID
	msg.Step = s.step
	s.events = append(s.events, msg)
	s.cfg.send("", msg)
	s.h.lifecycle(msg)
}

func (s *Synchronizer) openStep() {
	s.stepOpen = true
	s.stepTimer.Stop()
	s.stepTimer = nil
	if s.cfg.stepTimeout > 0 {
		step := s.step
		s.stepTimer = s.cfg.schedule(s.cfg.stepTimeout, func() { s.stepExpired(step) })
	}
}

func (s *Synchronizer) closeStep() {
	s.stepOpen = false
	s.stepTimer.Stop()
	s.stepTimer = nil
}

// stepExpired closes the step whether or not everyone answered.
func (s *Synchronizer) stepExpired(step int) {
	if !s.started || step != s.step || !s.stepOpen {
		return
	}
	s.log.Info().Int("step", step).Msg("step timed out")
	s.closeStep()
	s.emitLifecycle(protocol.QuestionTimerEnded, nil)
}

// HandleMessage processes a frame received from peer from.
func (s *Synchronizer) HandleMessage(from domain.PlayerID, msg protocol.GameMessage) {
	if s.isHost() {
		switch {
		case protocol.IsInput(msg.Type):
			s.acceptInput(from, msg)
		case msg.Type == protocol.Ack:
			s.onAck(from, msg)
		case msg.Type == protocol.RequestAdvance:
			s.h.advanceRequested(from, false)
		case msg.Type == protocol.RequestEnd:
			s.h.advanceRequested(from, true)
		default:
			s.log.Warn().Err(core.ErrProtocolViolation).Str("from", string(from)).Str("type", msg.Type).Msg("host-only message from guest ignored")
		}
		return
	}

	if from != s.cfg.host {
		s.log.Warn().Err(core.ErrProtocolViolation).Str("from", string(from)).Str("type", msg.Type).Msg("message from non-host ignored")
		return
	}
	switch {
	case msg.Type == protocol.StateSnapshot:
		s.applySnapshot(msg)
	case protocol.IsLifecycle(msg.Type):
		s.applyLifecycle(msg)
	default:
		s.log.Debug().Str("type", msg.Type).Msg("ignored message")
	}
}

func (s *Synchronizer) acceptInput(from domain.PlayerID, msg protocol.GameMessage) {
	if !s.started {
		s.log.Debug().Str("from", string(from)).Msg("input before game start dropped")
		return
	}
	if msg.InputSeq <= s.lastInput[from] {
		s.log.Debug().Str("from", string(from)).Uint64("input_seq", msg.InputSeq).Msg("duplicate input dropped")
		return
	}
	s.lastInput[from] = msg.InputSeq

	if s.cfg.oneInputPerStep {
		if msg.Step != s.step || !s.stepOpen {
			s.log.Debug().Str("from", string(from)).Int("step", msg.Step).Msg("input for closed step dropped")
			return
		}
		key := stepKey{step: msg.Step, player: from}
		if s.answered[key] {
			s.log.Debug().Str("from", string(from)).Int("step", msg.Step).Msg("second input for step dropped")
			return
		}
		s.answered[key] = true
	}
	s.h.guestInput(from, msg.Step, msg.Payload)

	if s.cfg.oneInputPerStep && s.stepOpen && s.allAnswered() {
		s.closeStep()
		s.emitLifecycle(protocol.AllPlayersAnswered, nil)
	}
}

func (s *Synchronizer) allAnswered() bool {
	expected := s.cfg.expected()
	if len(expected) == 0 {
		return false
	}
	for _, pid := range expected {
		if !s.answered[stepKey{step: s.step, player: pid}] {
			return false
		}
	}
	return true
}

func (s *Synchronizer) onAck(from domain.PlayerID, msg protocol.GameMessage) {
	if msg.EventID > s.acked[from] {
		s.acked[from] = msg.EventID
	}
	if msg.IsSyncMessage {
		s.replay(from, msg.EventID)
	}
}

// replay re-sends every lifecycle event after the guest's last applied
// one, then the latest snapshot.
func (s *Synchronizer) replay(to domain.PlayerID, after uint64) {
	n := 0
	for _, ev := range s.events {
		if ev.EventID <= after {
			continue
		}
		ev.IsSyncMessage = true
		s.cfg.send(to, ev)
		n++
	}
	if s.latest != nil {
		snap := *s.latest
		snap.IsSyncMessage = true
		s.cfg.send(to, snap)
	}
	s.log.Info().Str("to", string(to)).Uint64("after", after).Int("events", n).Msg("resync")
}

func (s *Synchronizer) applySnapshot(msg protocol.GameMessage) {
	if msg.Seq <= s.lastSeq {
		s.metrics.RecordSnapshot(context.Background(), "discarded")
		return
	}
	s.lastSeq = msg.Seq
	s.metrics.RecordSnapshot(context.Background(), "applied")
	s.h.snapshot(StateSnapshot{
		Sequence:   msg.Seq,
		Payload:    msg.Payload,
		ProducedAt: msg.Time(),
		Sync:       msg.IsSyncMessage,
	})
}

func (s *Synchronizer) applyLifecycle(msg protocol.GameMessage) {
	if msg.EventID != 0 && msg.EventID <= s.lastEvent {
		s.ack(msg.EventID, false)
		return
	}
	if msg.EventID != 0 {
		s.lastEvent = msg.EventID
	}
	switch msg.Type {
	case protocol.GameStarted:
		s.started = true
		s.step = msg.Step
	case protocol.NextStep, protocol.NextQuestion:
		s.step = msg.Step
	case protocol.GameEnded:
		s.started = false
	}
	s.ack(msg.EventID, false)
	s.h.lifecycle(msg)
}

func (s *Synchronizer) ack(eventID uint64, sync bool) {
	msg := s.message(protocol.Ack, nil)
	msg.EventID = eventID
	msg.IsSyncMessage = sync
	s.cfg.send(s.cfg.host, msg)
}

// PeerAttached runs when the data channel to peer opens. A guest reports
// the last event it applied so the host can fill the gap.
func (s *Synchronizer) PeerAttached(peer domain.PlayerID) {
	if s.isHost() {
		return
	}
	if peer == s.cfg.host {
		s.ack(s.lastEvent, true)
	}
}

// Stop cancels every timer the synchronizer owns.
func (s *Synchronizer) Stop() {
	s.tickTimer.Stop()
	s.tickTimer = nil
	s.stepTimer.Stop()
	s.stepTimer = nil
	s.flushTimer.Stop()
	s.flushTimer = nil
}
