package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Rally/internal/domain"
)

// Data channel message types.
const (
	GameStarted        = "game-started"
	StateSnapshot      = "state-snapshot"
	PlayerInput        = "player-input"
	PlayerAnswer       = "player-answer"
	AllPlayersAnswered = "all-players-answered"
	NextStep           = "next-step"
	NextQuestion       = "next-question"
	QuestionTimerEnded = "question-timer-ended"
	GameEnded          = "game-ended"
	RequestAdvance     = "request-advance"
	RequestEnd         = "request-end"
	Ack                = "ack"
	Ping               = "ping"
	Pong               = "pong"
)

// GameMessage is one frame on the data channel.
//
// Seq orders state snapshots, EventID orders lifecycle events, and
// (Step, InputSeq) identify a guest input.
type GameMessage struct {
	Type          string          `json:"type"`
	Sender        domain.PlayerID `json:"sender"`
	Timestamp     int64           `json:"timestamp"`
	Seq           uint64          `json:"seq,omitempty"`
	EventID       uint64          `json:"eventId,omitempty"`
	Step          int             `json:"step,omitempty"`
	InputSeq      uint64          `json:"inputSeq,omitempty"`
	IsSyncMessage bool            `json:"isSyncMessage,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

func NewGameMessage(typ string, sender domain.PlayerID, at time.Time) GameMessage {
	return GameMessage{Type: typ, Sender: sender, Timestamp: at.UnixMilli()}
}

func (m GameMessage) Time() time.Time { return time.UnixMilli(m.Timestamp) }

// IsLifecycle reports whether only the host may emit this type.
func IsLifecycle(typ string) bool {
	switch typ {
	case GameStarted, NextStep, NextQuestion, AllPlayersAnswered, QuestionTimerEnded, GameEnded:
		return true
	}
	return false
}

func IsInput(typ string) bool { return typ == PlayerInput || typ == PlayerAnswer }

func EncodeGame(m GameMessage) ([]byte, error) { return json.Marshal(m) }

func DecodeGame(data []byte) (GameMessage, error) {
	var m GameMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return GameMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if m.Type == "" {
		return GameMessage{}, fmt.Errorf("%w: missing type", ErrBadMessage)
	}
	return m, nil
}
