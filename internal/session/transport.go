package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/observe"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog"
)

// Transport frames GameMessages over one open data channel and keeps the
// data-level ping going. It runs on the session actor: Receive and the
// ping tick must be called from there.
type Transport struct {
	ch      core.Channel
	clk     clock.Clock
	self    domain.PlayerID
	log     zerolog.Logger
	metrics *observe.Metrics

	pingEvery time.Duration
	window    time.Duration
	schedule  func(time.Duration, func()) *clock.Timer
	onMessage func(protocol.GameMessage)
	onIdle    func()

	pingTimer    *clock.Timer
	lastReceived time.Time
	closed       bool
}

type transportConfig struct {
	self      domain.PlayerID
	pingEvery time.Duration
	window    time.Duration
	// schedule runs fn on the actor after d.
	schedule func(d time.Duration, fn func()) *clock.Timer
}

func newTransport(ch core.Channel, clk clock.Clock, met *observe.Metrics, log zerolog.Logger, cfg transportConfig) *Transport {
	return &Transport{
		ch:           ch,
		clk:          clk,
		self:         cfg.self,
		log:          log,
		metrics:      met,
		pingEvery:    cfg.pingEvery,
		window:       cfg.window,
		schedule:     cfg.schedule,
		lastReceived: clk.Now(),
	}
}

func (t *Transport) OnMessage(fn func(protocol.GameMessage)) { t.onMessage = fn }

// Start begins pinging. onIdle runs on every tick during which nothing
// was received for the liveness window.
func (t *Transport) Start(onIdle func()) {
	t.onIdle = onIdle
	if t.pingEvery > 0 && t.schedule != nil {
		t.pingTimer = t.schedule(t.pingEvery, t.tick)
	}
}

func (t *Transport) tick() {
	if t.closed {
		return
	}
	if err := t.Send(protocol.NewGameMessage(protocol.Ping, t.self, t.clk.Now())); err != nil {
		t.log.Debug().Err(err).Msg("ping")
	}
	if t.Stale() && t.onIdle != nil {
		t.onIdle()
	}
	if !t.closed {
		t.pingTimer = t.schedule(t.pingEvery, t.tick)
	}
}

// Send fails fast with core.ErrTransportNotOpen once the channel is gone.
func (t *Transport) Send(msg protocol.GameMessage) error {
	if t.closed {
		return core.ErrTransportNotOpen
	}
	data, err := protocol.EncodeGame(msg)
	if err != nil {
		return err
	}
	if err := t.ch.Send(data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Receive handles one inbound frame. Pings are answered here and never
// reach the message handler.
func (t *Transport) Receive(data []byte) {
	if t.closed {
		return
	}
	now := t.clk.Now()
	t.lastReceived = now
	msg, err := protocol.DecodeGame(data)
	if err != nil {
		t.log.Warn().Err(err).Msg("bad data channel message")
		return
	}
	switch msg.Type {
	case protocol.Ping:
		pong := protocol.NewGameMessage(protocol.Pong, t.self, now)
		pong.Timestamp = msg.Timestamp
		if err := t.Send(pong); err != nil {
			t.log.Debug().Err(err).Msg("pong")
		}
	case protocol.Pong:
		if rtt := now.Sub(msg.Time()); rtt >= 0 {
			t.metrics.PeerRTT.Record(context.Background(), rtt.Seconds())
		}
	default:
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}
}

// Stale reports whether nothing arrived for the liveness window.
func (t *Transport) Stale() bool {
	return t.window > 0 && t.clk.Now().Sub(t.lastReceived) > t.window
}

func (t *Transport) LastReceived() time.Time { return t.lastReceived }

// Close stops the ping loop and closes the channel.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.pingTimer.Stop()
	if err := t.ch.Close(); err != nil {
		t.log.Debug().Err(err).Msg("close channel")
	}
}
