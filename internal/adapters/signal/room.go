package signal

import (
	"errors"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleCreateRoom(sid core.SessionID, conn *WsSignalConn, msg protocol.ControlMessage) {
	var req protocol.RoomRequest
	if err := msg.Decode(&req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad create payload")
		ctl.sendError(conn, msg, protocol.CodeBadPayload, err.Error())
		return
	}
	a, err := ctl.Orch.CreateRoom(sid, msg.RoomID, req)
	if err != nil {
		ctl.sendError(conn, msg, errorCode(err), err.Error())
		return
	}
	ctl.send(conn, protocol.MustControl(protocol.TypeRoomCreated, a.RoomID, a))
}

func (ctl *SignalWSController) handleJoinRoom(sid core.SessionID, conn *WsSignalConn, msg protocol.ControlMessage) {
	var req protocol.RoomRequest
	if err := msg.Decode(&req); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, msg, protocol.CodeBadPayload, err.Error())
		return
	}
	a, err := ctl.Orch.Join(sid, msg.RoomID, req)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("room", string(msg.RoomID)).Msg("join rejected")
		ctl.sendError(conn, msg, errorCode(err), err.Error())
		return
	}
	ctl.send(conn, protocol.MustControl(protocol.TypeRoomJoined, a.RoomID, a))
}

// handleLeave takes the player out of its room; the websocket stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn, msg protocol.ControlMessage) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	if _, ok := ctl.Orch.Leave(sid); !ok {
		ctl.sendError(conn, msg, protocol.CodeNotInRoom, "not in a room")
	}
}

func (ctl *SignalWSController) handleReady(sid core.SessionID, conn *WsSignalConn, msg protocol.ControlMessage) {
	var p protocol.Ready
	if err := msg.Decode(&p); err != nil {
		ctl.sendError(conn, msg, protocol.CodeBadPayload, err.Error())
		return
	}
	if err := ctl.Orch.SetReady(sid, p.Ready); err != nil {
		ctl.sendError(conn, msg, errorCode(err), err.Error())
	}
}

func (ctl *SignalWSController) handleScore(sid core.SessionID, conn *WsSignalConn, msg protocol.ControlMessage) {
	var p protocol.Score
	if err := msg.Decode(&p); err != nil {
		ctl.sendError(conn, msg, protocol.CodeBadPayload, err.Error())
		return
	}
	if err := ctl.Orch.SetScore(sid, p); err != nil {
		ctl.sendError(conn, msg, errorCode(err), err.Error())
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrRoomNotFound):
		return protocol.CodeRoomNotFound
	case errors.Is(err, core.ErrRoomFull):
		return protocol.CodeRoomFull
	case errors.Is(err, core.ErrNotInRoom):
		return protocol.CodeNotInRoom
	case errors.Is(err, core.ErrNotHost):
		return protocol.CodeNotHost
	case errors.Is(err, domain.ErrDisplayNameEmpty), errors.Is(err, domain.ErrDisplayNameTooLong):
		return protocol.CodeInvalidName
	}
	return protocol.CodeBadPayload
}
