package orch

import (
	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Relay forwards a negotiation message (offer, answer, ice-candidate)
// from sid to its target, or to every other member when no target is set.
// The sender and room are stamped from the server's own records.
func (o *Orchestrator) Relay(sid core.SessionID, msg protocol.ControlMessage) error {
	room, pid, err := o.roomOf(sid)
	if err != nil {
		return err
	}
	msg.Sender = pid
	msg.RoomID = room.Room().ID
	room.Touch(o.now())

	if msg.Target == "" {
		o.publish(room, pid, msg)
		return nil
	}
	if err := o.sendTo(room, msg.Target, msg); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("type", msg.Type).Str("from", string(pid)).Str("to", string(msg.Target)).Msg("relay failed")
		return err
	}
	return nil
}
