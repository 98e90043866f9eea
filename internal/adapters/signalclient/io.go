package signalclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, flushed chan<- struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
		close(flushed)
	}()
	ping, _ := protocol.MustControl(protocol.TypePing, "", nil).Marshal()
	for {
		select {
		case <-c.done:
			c.drain(conn, send)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := c.write(conn, ping); err != nil {
				log.Warn().Err(err).Str("module", "signalclient").Msg("ping")
				return
			}
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := c.write(conn, data); err != nil {
				log.Warn().Err(err).Str("module", "signalclient").Msg("write")
				return
			}
		}
	}
}

// drain writes whatever is still queued without waiting for more.
func (c *Client) drain(conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := c.write(conn, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readPump(conn *websocket.Conn, gen uint64) {
	readWait := 2 * c.opts.PingInterval
	var readErr error
	defer func() {
		c.mu.Lock()
		var p *pendingRequest
		if c.gen == gen {
			c.conn = nil
			close(c.send)
			c.send = nil
			p = c.pending
			c.pending = nil
		}
		c.mu.Unlock()
		_ = conn.Close()

		if c.closed() {
			return
		}
		err := fmt.Errorf("%w: %v", core.ErrSignalingUnavailable, readErr)
		if p != nil {
			p.reply <- reply{err: err}
		}
		log.Warn().Err(readErr).Str("module", "signalclient").Uint64("gen", gen).Msg("disconnected")
		c.emit(core.SignalEvent{Kind: core.EventDisconnected, Err: err})
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		msg, err := protocol.ParseControl(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("bad server message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.ControlMessage) {
	switch msg.Type {
	case protocol.TypeRoomCreated, protocol.TypeRoomJoined:
		var a protocol.RoomAssignment
		if err := msg.Decode(&a); err != nil {
			c.resolve(msg.Type, reply{err: err})
			return
		}
		c.resolve(msg.Type, reply{assignment: a})
		kind := core.EventRoomCreated
		if msg.Type == protocol.TypeRoomJoined {
			kind = core.EventRoomJoined
		}
		c.emit(core.SignalEvent{Kind: kind, RoomID: a.RoomID, Assignment: a, Players: a.Players})
		c.emit(core.SignalEvent{Kind: core.EventRoleAssigned, RoomID: a.RoomID, Assignment: a, Players: a.Players})

	case protocol.TypeOffer, protocol.TypeAnswer:
		var d protocol.Description
		if err := msg.Decode(&d); err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Str("type", msg.Type).Msg("bad description")
			return
		}
		kind := core.EventPeerOffer
		if msg.Type == protocol.TypeAnswer {
			kind = core.EventPeerAnswer
		}
		c.emit(core.SignalEvent{Kind: kind, RoomID: msg.RoomID, From: msg.Sender, Attempt: d.Attempt, Description: d.Description})

	case protocol.TypeICECandidate:
		var cand protocol.Candidate
		if err := msg.Decode(&cand); err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("bad candidate")
			return
		}
		c.emit(core.SignalEvent{Kind: core.EventPeerCandidate, RoomID: msg.RoomID, From: msg.Sender, Attempt: cand.Attempt, Candidate: cand.Candidate})

	case protocol.TypePlayerListUpdated:
		var pl protocol.PlayerList
		if err := msg.Decode(&pl); err != nil {
			log.Warn().Err(err).Str("module", "signalclient").Msg("bad player list")
			return
		}
		c.emit(core.SignalEvent{Kind: core.EventPlayerListUpdated, RoomID: msg.RoomID, Players: pl.Players, Joined: pl.Joined})

	case protocol.TypeLeave:
		c.emit(core.SignalEvent{Kind: core.EventPeerLeft, RoomID: msg.RoomID, From: msg.Sender})

	case protocol.TypeError:
		var body protocol.ErrorBody
		_ = msg.Decode(&body)
		err := codeError(body)
		c.reject(body.Request, err)
		c.emit(core.SignalEvent{Kind: core.EventError, RoomID: msg.RoomID, Err: err})

	case protocol.TypePing:
		if err := c.Send(protocol.MustControl(protocol.TypePong, "", nil)); err != nil {
			log.Debug().Err(err).Str("module", "signalclient").Msg("pong")
		}
	case protocol.TypePong:
	default:
		log.Debug().Str("module", "signalclient").Str("type", msg.Type).Msg("ignored server message")
	}
}

// ErrServer wraps error replies that have no core counterpart.
var ErrServer = errors.New("signaling server error")

func codeError(body protocol.ErrorBody) error {
	var base error
	switch body.Code {
	case protocol.CodeRoomNotFound:
		base = core.ErrRoomNotFound
	case protocol.CodeRoomFull:
		base = core.ErrRoomFull
	case protocol.CodeNotInRoom:
		base = core.ErrNotInRoom
	case protocol.CodeNotHost:
		base = core.ErrNotHost
	default:
		return fmt.Errorf("%w: %s: %s", ErrServer, body.Code, body.Message)
	}
	if body.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, body.Message)
}
