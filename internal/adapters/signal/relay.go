package signal

import (
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleRelay forwards offers, answers and ICE candidates. The server
// never inspects the SDP; peers own negotiation.
func (ctl *SignalWSController) handleRelay(sid core.SessionID, conn *WsSignalConn, msg protocol.ControlMessage) {
	if len(msg.Content) == 0 {
		ctl.sendError(conn, msg, protocol.CodeBadPayload, msg.Type+" without content")
		return
	}
	if err := ctl.Orch.Relay(sid, msg); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("type", msg.Type).Msg("relay rejected")
		ctl.sendError(conn, msg, errorCode(err), err.Error())
	}
}
