// Package protocol defines the JSON messages exchanged with the signaling
// server and over the peer data channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Rally/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Control message types carried over the signaling websocket.
const (
	TypeCreateRoom        = "create-room"
	TypeRoomCreated       = "room-created"
	TypeJoinRoom          = "join-room"
	TypeRoomJoined        = "room-joined"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeICECandidate      = "ice-candidate"
	TypePlayerReady       = "player-ready"
	TypePlayerListUpdated = "player-list-updated"
	TypeScoreUpdate       = "score-update"
	TypeLeave             = "leave"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Error codes sent in the content of an "error" control message.
const (
	CodeRoomNotFound = "room-not-found"
	CodeRoomFull     = "room-full"
	CodeBadPayload   = "bad-payload"
	CodeNotInRoom    = "not-in-room"
	CodeNotHost      = "not-host"
	CodeRateLimited  = "rate-limited"
	CodeUnknownType  = "unknown-type"
	CodeInvalidName  = "invalid-name"
)

var ErrBadMessage = errors.New("bad message")

// ControlMessage is the signaling envelope. Target is set only when a
// message is meant for one member of a room larger than two.
type ControlMessage struct {
	Type    string          `json:"type"`
	Sender  domain.PlayerID `json:"sender,omitempty"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Target  domain.PlayerID `json:"target,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type RoomRequest struct {
	DisplayName string          `json:"displayName"`
	PlayerID    domain.PlayerID `json:"playerId,omitempty"`
	Capacity    int             `json:"capacity,omitempty"`
}

type RoomAssignment struct {
	RoomID   domain.RoomID         `json:"roomId"`
	PlayerID domain.PlayerID       `json:"playerId"`
	Role     domain.Role           `json:"role"`
	HostID   domain.PlayerID       `json:"hostId"`
	Players  []domain.PlayerRecord `json:"players"`
}

// Description carries an offer or answer. Attempt identifies the
// negotiation round so stale answers and candidates can be discarded.
type Description struct {
	Attempt     uint64                    `json:"attempt"`
	Description webrtc.SessionDescription `json:"description"`
}

type Candidate struct {
	Attempt   uint64                  `json:"attempt"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PlayerList struct {
	Players []domain.PlayerRecord `json:"players"`
	Joined  domain.PlayerID       `json:"joined,omitempty"`
	Left    domain.PlayerID       `json:"left,omitempty"`
}

type Ready struct {
	Ready bool `json:"ready"`
}

type Score struct {
	PlayerID domain.PlayerID `json:"playerId"`
	Score    int             `json:"score"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	// Request is the type of the message that failed, when known.
	Request string `json:"request,omitempty"`
}

// NewControl builds an envelope with content marshalled from v. A nil v
// leaves content empty.
func NewControl(typ string, roomID domain.RoomID, v any) (ControlMessage, error) {
	msg := ControlMessage{Type: typ, RoomID: roomID}
	if v == nil {
		return msg, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ControlMessage{}, fmt.Errorf("marshal %s content: %w", typ, err)
	}
	msg.Content = raw
	return msg, nil
}

// MustControl is NewControl for content types that always marshal.
func MustControl(typ string, roomID domain.RoomID, v any) ControlMessage {
	msg, err := NewControl(typ, roomID, v)
	if err != nil {
		panic(err)
	}
	return msg
}

func (m ControlMessage) To(target domain.PlayerID) ControlMessage {
	m.Target = target
	return m
}

// Decode unmarshals the content into v.
func (m ControlMessage) Decode(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: %s has no content", ErrBadMessage, m.Type)
	}
	if err := json.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadMessage, m.Type, err)
	}
	return nil
}

func (m ControlMessage) Marshal() ([]byte, error) { return json.Marshal(m) }

func ParseControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.Type == "" {
		return ControlMessage{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	m.RoomID = domain.NormalizeRoomID(string(m.RoomID))
	return m, nil
}

func ErrorMessage(roomID domain.RoomID, code, message string) ControlMessage {
	return MustControl(TypeError, roomID, ErrorBody{Code: code, Message: message})
}

// RequestError is the error reply to req.
func RequestError(req ControlMessage, code, message string) ControlMessage {
	return MustControl(TypeError, req.RoomID, ErrorBody{Code: code, Message: message, Request: req.Type})
}
