// Package signalclient is the peer side of the rendezvous websocket. It
// turns server control messages into core.SignalEvent values delivered
// in arrival order on a single channel.
package signalclient

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	eventBuffer = 256
	sendBuffer  = 64
)

type Options struct {
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	Dialer         *websocket.Dialer
}

type reply struct {
	assignment protocol.RoomAssignment
	err        error
}

type pendingRequest struct {
	typ    string
	expect string
	reply  chan reply
}

// Client implements core.Signaling. Connect may be called again after a
// disconnect; the event channel survives reconnects.
type Client struct {
	opts Options

	events    chan core.SignalEvent
	done      chan struct{}
	closeOnce sync.Once

	connecting atomic.Bool

	mu      sync.Mutex
	conn    *websocket.Conn
	send    chan []byte
	flushed chan struct{}
	gen     uint64
	pending *pendingRequest
}

var _ core.Signaling = (*Client)(nil)

func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:   opts,
		events: make(chan core.SignalEvent, eventBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) Events() <-chan core.SignalEvent { return c.events }

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connect dials url. It fails with core.ErrAlreadyConnecting while
// another Connect is in flight and is a no-op when already connected.
func (c *Client) Connect(ctx context.Context, url string) error {
	if c.closed() {
		return core.ErrSessionClosed
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return core.ErrAlreadyConnecting
	}
	defer c.connecting.Store(false)

	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()
	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signalclient").Str("url", url).Msg("dial failed")
		return fmt.Errorf("%w: %v", core.ErrSignalingUnavailable, err)
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		_ = conn.Close()
		return core.ErrSessionClosed
	}
	c.gen++
	gen := c.gen
	send := make(chan []byte, sendBuffer)
	flushed := make(chan struct{})
	c.conn = conn
	c.send = send
	c.flushed = flushed
	c.mu.Unlock()

	log.Info().Str("module", "signalclient").Str("url", url).Uint64("gen", gen).Msg("connected")
	go c.writePump(conn, send, flushed)
	go c.readPump(conn, gen)
	return nil
}

// Send queues msg for the server.
func (c *Client) Send(msg protocol.ControlMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("send %s: %w", msg.Type, core.ErrSignalingUnavailable)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send %s: %w: send buffer full", msg.Type, core.ErrSignalingUnavailable)
	}
}

// CreateRoom asks the server for a room. A request without a room id gets
// a fresh one; the returned id is the one the server settled on.
func (c *Client) CreateRoom(ctx context.Context, req core.RoomRequest) (domain.RoomID, error) {
	roomID := req.RoomID
	if roomID == "" {
		roomID = domain.NewRoomID()
	}
	a, err := c.request(ctx, protocol.TypeCreateRoom, protocol.TypeRoomCreated, roomID, req)
	if err != nil {
		return "", err
	}
	return a.RoomID, nil
}

func (c *Client) JoinRoom(ctx context.Context, req core.RoomRequest) error {
	id, err := domain.ParseRoomID(string(req.RoomID))
	if err != nil {
		return fmt.Errorf("join %q: %w", req.RoomID, core.ErrRoomNotFound)
	}
	_, err = c.request(ctx, protocol.TypeJoinRoom, protocol.TypeRoomJoined, id, req)
	return err
}

func (c *Client) request(ctx context.Context, typ, expect string, roomID domain.RoomID, req core.RoomRequest) (protocol.RoomAssignment, error) {
	msg := protocol.MustControl(typ, roomID, protocol.RoomRequest{
		DisplayName: req.DisplayName,
		PlayerID:    req.PlayerID,
		Capacity:    req.Capacity,
	})

	p := &pendingRequest{typ: typ, expect: expect, reply: make(chan reply, 1)}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return protocol.RoomAssignment{}, core.ErrAlreadyConnecting
	}
	c.pending = p
	c.mu.Unlock()

	drop := func() {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
	}

	if err := c.Send(msg); err != nil {
		drop()
		return protocol.RoomAssignment{}, err
	}
	select {
	case r := <-p.reply:
		return r.assignment, r.err
	case <-ctx.Done():
		drop()
		return protocol.RoomAssignment{}, ctx.Err()
	case <-c.done:
		drop()
		return protocol.RoomAssignment{}, core.ErrSessionClosed
	}
}

// resolve completes the pending request if it waits for a typ reply.
func (c *Client) resolve(typ string, r reply) {
	c.complete(func(p *pendingRequest) bool { return typ == p.expect }, r)
}

// reject fails the pending request if the server's error answers it.
// Errors about other messages, such as a relay to an offline player, are
// left alone.
func (c *Client) reject(request string, err error) {
	c.complete(func(p *pendingRequest) bool { return request == p.typ }, reply{err: err})
}

func (c *Client) complete(match func(*pendingRequest) bool, r reply) {
	c.mu.Lock()
	p := c.pending
	if p == nil || !match(p) {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()
	p.reply <- r
}

func (c *Client) emit(ev core.SignalEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Close stops the client. Frames already queued, such as a leave, are
// written before the connection goes down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		flushed := c.flushed
		c.mu.Unlock()
		if flushed != nil {
			select {
			case <-flushed:
			case <-time.After(2 * writeWait):
			}
		}
		log.Info().Str("module", "signalclient").Msg("closed")
	})
	return nil
}
