package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/dkeye/Rally/internal/protocol"
	"github.com/dkeye/Rally/internal/session"
)

// board is the state the host publishes.
type board struct {
	Round  int                        `json:"round"`
	Rounds int                        `json:"rounds"`
	Scores map[domain.PlayerID]int    `json:"scores"`
	Names  map[domain.PlayerID]string `json:"names"`
}

// quiz is a fastest-finger game: every answer scores one point and the
// first answer of a round scores two. A round closes when everyone has
// answered or its timer runs out.
type quiz struct {
	mu       sync.Mutex
	out      io.Writer
	m        *session.Manager
	rounds   int
	round    int
	scores   map[domain.PlayerID]int
	names    map[domain.PlayerID]string
	answered map[domain.PlayerID]bool
	dirty    bool
	finished bool
	shown    string
}

func newQuiz(out io.Writer, rounds int) *quiz {
	if rounds < 1 {
		rounds = 1
	}
	return &quiz{
		out:      out,
		rounds:   rounds,
		scores:   make(map[domain.PlayerID]int),
		names:    make(map[domain.PlayerID]string),
		answered: make(map[domain.PlayerID]bool),
	}
}

func (q *quiz) bind(m *session.Manager) { q.m = m }

func (q *quiz) handlers(stop context.CancelFunc) session.Handlers {
	return session.Handlers{
		OnConnectionStateChanged: func(s core.ConnectionState) {
			fmt.Fprintf(q.out, "[%s]\n", s)
		},
		OnPlayers:          q.onPlayers,
		OnGuestInput:       q.onAnswer,
		OnLifecycle:        q.onLifecycle,
		OnSnapshot:         q.onSnapshot,
		OnAdvanceRequested: q.onRequest,
		OnError: func(kind core.ErrorKind, err error) {
			fmt.Fprintf(q.out, "session failed (%s): %v\n", kind, err)
			stop()
		},
	}
}

// Step implements session.Simulation. It only returns a state when
// something changed, and reports done once the last round closed.
func (q *quiz) Step(time.Time) (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dirty && !q.finished {
		return nil, false
	}
	q.dirty = false
	return q.boardLocked(), q.finished
}

func (q *quiz) boardLocked() board {
	b := board{
		Round:  q.round,
		Rounds: q.rounds,
		Scores: make(map[domain.PlayerID]int, len(q.scores)),
		Names:  make(map[domain.PlayerID]string, len(q.names)),
	}
	for id, s := range q.scores {
		b.Scores[id] = s
	}
	for id, n := range q.names {
		b.Names[id] = n
	}
	return b
}

// command handles one line typed by the local player.
func (q *quiz) command(line string) error {
	host := q.m.Role() == domain.RoleHost
	switch strings.ToLower(line) {
	case "start":
		if !host {
			return core.ErrNotHost
		}
		q.mu.Lock()
		q.round, q.finished, q.dirty = 0, false, false
		q.scores = make(map[domain.PlayerID]int)
		q.answered = make(map[domain.PlayerID]bool)
		b := q.boardLocked()
		q.mu.Unlock()
		return q.m.StartGame(b)
	case "next":
		return q.m.AdvanceStep(nil)
	case "end":
		return q.m.EndGame(nil)
	case "ready":
		return q.m.SetReady(true)
	case "players":
		q.printPlayers(q.m.Players())
		return nil
	}
	return q.m.SubmitInput(line)
}

func (q *quiz) onPlayers(players []domain.PlayerRecord) {
	q.mu.Lock()
	for _, p := range players {
		q.names[p.ID] = p.DisplayName
	}
	q.dirty = true
	q.mu.Unlock()
	q.printPlayers(players)
}

func (q *quiz) printPlayers(players []domain.PlayerRecord) {
	var b strings.Builder
	for _, p := range players {
		fmt.Fprintf(&b, "  %-24s %-5s score=%d", p.DisplayName, p.Role, p.Score)
		if p.Ready {
			b.WriteString(" ready")
		}
		if !p.Connected {
			b.WriteString(" (away)")
		}
		b.WriteByte('\n')
	}
	fmt.Fprint(q.out, "players:\n", b.String())
}

// onAnswer runs on the host for every accepted answer.
func (q *quiz) onAnswer(from domain.PlayerID, step int, payload json.RawMessage) {
	var answer string
	_ = json.Unmarshal(payload, &answer)

	q.mu.Lock()
	points := 1
	if len(q.answered) == 0 {
		points = 2
	}
	q.answered[from] = true
	q.scores[from] += points
	score := q.scores[from]
	name := q.names[from]
	q.dirty = true
	q.mu.Unlock()

	fmt.Fprintf(q.out, "round %d: %s answered %q (+%d)\n", step+1, name, answer, points)
	if err := q.m.ReportScore(from, score); err != nil {
		fmt.Fprintln(q.out, "!", err)
	}
}

func (q *quiz) onLifecycle(msg protocol.GameMessage) {
	host := q.m.Role() == domain.RoleHost
	switch msg.Type {
	case protocol.GameStarted:
		fmt.Fprintln(q.out, "game started, round 1")
	case protocol.NextStep, protocol.NextQuestion:
		q.mu.Lock()
		q.round = msg.Step
		q.answered = make(map[domain.PlayerID]bool)
		q.dirty = true
		q.mu.Unlock()
		fmt.Fprintf(q.out, "round %d\n", msg.Step+1)
	case protocol.AllPlayersAnswered, protocol.QuestionTimerEnded:
		fmt.Fprintf(q.out, "round %d closed (%s)\n", msg.Step+1, msg.Type)
		if host {
			q.closeRound()
		}
	case protocol.GameEnded:
		var b board
		if err := json.Unmarshal(msg.Payload, &b); err == nil && b.Scores != nil {
			q.printBoard(b)
		}
		fmt.Fprintln(q.out, "game over")
	}
}

func (q *quiz) closeRound() {
	q.mu.Lock()
	last := q.round+1 >= q.rounds
	if last {
		q.finished = true
	}
	q.mu.Unlock()
	if !last {
		if err := q.m.AdvanceStep(nil); err != nil {
			fmt.Fprintln(q.out, "!", err)
		}
	}
}

func (q *quiz) onRequest(from domain.PlayerID, end bool) {
	q.mu.Lock()
	name := q.names[from]
	q.mu.Unlock()
	if end {
		fmt.Fprintf(q.out, "%s asked to end the game\n", name)
		q.mu.Lock()
		q.finished = true
		q.mu.Unlock()
		return
	}
	fmt.Fprintf(q.out, "%s asked for the next round\n", name)
	q.closeRound()
}

func (q *quiz) onSnapshot(s session.StateSnapshot) {
	var b board
	if err := json.Unmarshal(s.Payload, &b); err != nil || b.Scores == nil {
		return
	}
	q.printBoard(b)
}

// printBoard prints b unless it matches what was shown last.
func (q *quiz) printBoard(b board) {
	ids := make([]domain.PlayerID, 0, len(b.Scores))
	for id := range b.Scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if b.Scores[ids[i]] != b.Scores[ids[j]] {
			return b.Scores[ids[i]] > b.Scores[ids[j]]
		}
		return ids[i] < ids[j]
	})
	var sb strings.Builder
	fmt.Fprintf(&sb, "round %d/%d\n", b.Round+1, b.Rounds)
	for _, id := range ids {
		name := b.Names[id]
		if name == "" {
			name = string(id)
		}
		fmt.Fprintf(&sb, "  %-24s %d\n", name, b.Scores[id])
	}

	q.mu.Lock()
	same := sb.String() == q.shown
	q.shown = sb.String()
	q.mu.Unlock()
	if !same {
		fmt.Fprint(q.out, sb.String())
	}
}
