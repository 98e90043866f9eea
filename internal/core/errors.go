package core

import "errors"

var (
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrAlreadyConnecting    = errors.New("already connecting")
	ErrNegotiationFailed    = errors.New("negotiation failed")
	ErrTransportNotOpen     = errors.New("transport not open")
	ErrReconnectExhausted   = errors.New("reconnect attempts exhausted")
	ErrProtocolViolation    = errors.New("protocol violation")
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomFull             = errors.New("room full")

	ErrNotInRoom     = errors.New("not in room")
	ErrSessionClosed = errors.New("session closed")
	ErrNotHost       = errors.New("only the host may do this")
	ErrNotGuest      = errors.New("only a guest may do this")
)

type ErrorKind string

const (
	KindUnknown              ErrorKind = "unknown"
	KindSignalingUnavailable ErrorKind = "signaling-unavailable"
	KindAlreadyConnecting    ErrorKind = "already-connecting"
	KindNegotiationFailed    ErrorKind = "negotiation-failed"
	KindTransportNotOpen     ErrorKind = "transport-not-open"
	KindReconnectExhausted   ErrorKind = "reconnect-exhausted"
	KindProtocolViolation    ErrorKind = "protocol-violation"
	KindRoomNotFound         ErrorKind = "room-not-found"
	KindRoomFull             ErrorKind = "room-full"
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrSignalingUnavailable, KindSignalingUnavailable},
	{ErrAlreadyConnecting, KindAlreadyConnecting},
	{ErrNegotiationFailed, KindNegotiationFailed},
	{ErrTransportNotOpen, KindTransportNotOpen},
	{ErrReconnectExhausted, KindReconnectExhausted},
	{ErrProtocolViolation, KindProtocolViolation},
	{ErrRoomNotFound, KindRoomNotFound},
	{ErrRoomFull, KindRoomFull},
}

func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// Terminal kinds end the session; the others are retried or ignored.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindReconnectExhausted, KindRoomNotFound, KindRoomFull:
		return true
	}
	return false
}
