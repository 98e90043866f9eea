package signal

import "github.com/dkeye/Rally/internal/protocol"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, msg protocol.ControlMessage) {
	ctl.send(conn, protocol.ControlMessage{Type: protocol.TypePong, RoomID: msg.RoomID})
}
