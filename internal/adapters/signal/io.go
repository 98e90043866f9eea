package signal

import (
	"context"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) pongWait() time.Duration {
	return ctl.PingPeriod * 10 / 9
}

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Orch.Disconnect(sid)
		ctl.Limiter.Forget(sid)
		ctl.Orch.Observe().SignalConnections.Add(context.Background(), -1)
		c.Close()
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.pongWait()))
		ctl.handleSignal(ctx, sid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	msg, err := protocol.ParseControl(data)
	if !ctl.Limiter.Allow(sid) {
		ctl.sendError(c, msg, protocol.CodeRateLimited, "slow down")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		ctl.sendError(c, msg, protocol.CodeBadPayload, err.Error())
		return
	}
	ctl.Orch.Observe().RecordSignal(ctx, msg.Type)

	switch msg.Type {
	case protocol.TypeCreateRoom:
		ctl.handleCreateRoom(sid, c, msg)
	case protocol.TypeJoinRoom:
		ctl.handleJoinRoom(sid, c, msg)
	case protocol.TypeLeave:
		ctl.handleLeave(sid, c, msg)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		ctl.handleRelay(sid, c, msg)
	case protocol.TypePlayerReady:
		ctl.handleReady(sid, c, msg)
	case protocol.TypeScoreUpdate:
		ctl.handleScore(sid, c, msg)
	case protocol.TypePing:
		ctl.handlePing(c, msg)
	case protocol.TypePong:
	default:
		log.Warn().Str("module", "signal").Str("type", msg.Type).Msg("unknown signal")
		ctl.sendError(c, msg, protocol.CodeUnknownType, msg.Type)
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, msg protocol.ControlMessage) {
	b, err := msg.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", msg.Type).Msg("send")
	}
}

// sendError answers req with an error. req is zero when the frame did not
// parse.
func (ctl *SignalWSController) sendError(c *WsSignalConn, req protocol.ControlMessage, code, message string) {
	ctl.send(c, protocol.RequestError(req, code, message))
}
