package session

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
)

// StateSnapshot is one authoritative state published by the host. Sync is
// set on snapshots re-sent to a peer that just (re)attached.
type StateSnapshot struct {
	Sequence   uint64
	Payload    json.RawMessage
	ProducedAt time.Time
	Sync       bool
}

// Handlers is the game side of a Manager. It is fixed at construction and
// every callback runs on the session goroutine; handlers may call the
// Manager's game operations but must not block.
type Handlers struct {
	OnConnectionStateChanged func(core.ConnectionState)
	OnSnapshot               func(StateSnapshot)
	// OnGuestInput fires on the host for every accepted input, its own
	// included.
	OnGuestInput func(from domain.PlayerID, step int, payload json.RawMessage)
	OnLifecycle  func(protocol.GameMessage)
	OnPlayers    func([]domain.PlayerRecord)
	// OnAdvanceRequested fires on the host when a guest asks to advance
	// (end == false) or to end the game.
	OnAdvanceRequested func(from domain.PlayerID, end bool)
	OnError            func(kind core.ErrorKind, err error)
}

func (h *Handlers) stateChanged(s core.ConnectionState) {
	if h.OnConnectionStateChanged != nil {
		h.OnConnectionStateChanged(s)
	}
}

func (h *Handlers) snapshot(s StateSnapshot) {
	if h.OnSnapshot != nil {
		h.OnSnapshot(s)
	}
}

func (h *Handlers) guestInput(from domain.PlayerID, step int, payload json.RawMessage) {
	if h.OnGuestInput != nil {
		h.OnGuestInput(from, step, payload)
	}
}

func (h *Handlers) lifecycle(msg protocol.GameMessage) {
	if h.OnLifecycle != nil {
		h.OnLifecycle(msg)
	}
}

func (h *Handlers) players(p []domain.PlayerRecord) {
	if h.OnPlayers != nil {
		h.OnPlayers(p)
	}
}

func (h *Handlers) advanceRequested(from domain.PlayerID, end bool) {
	if h.OnAdvanceRequested != nil {
		h.OnAdvanceRequested(from, end)
	}
}

func (h *Handlers) fail(err error) {
	if h.OnError != nil {
		h.OnError(core.KindOf(err), err)
	}
}
