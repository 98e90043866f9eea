package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Rally/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestJoinBase(t *testing.T) {
	assert.Equal(t, "http://localhost:8080/", joinBase("ws://localhost:8080/api/ws/signal"))
	assert.Equal(t, "https://rally.example/", joinBase("wss://rally.example/api/ws/signal?x=1"))
}

func TestQuizStepPublishesOnlyChanges(t *testing.T) {
	q := newQuiz(&bytes.Buffer{}, 2)
	state, done := q.Step(time.Now())
	assert.Nil(t, state)
	assert.False(t, done)

	q.onPlayers([]domain.PlayerRecord{{ID: "a", DisplayName: "Ana", Role: domain.RoleHost, Connected: true}})
	state, done = q.Step(time.Now())
	b, ok := state.(board)
	assert.True(t, ok)
	assert.False(t, done)
	assert.Equal(t, "Ana", b.Names["a"])
	assert.Equal(t, 2, b.Rounds)

	state, _ = q.Step(time.Now())
	assert.Nil(t, state)

	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	_, done = q.Step(time.Now())
	assert.True(t, done)
}

func TestPrintBoardSkipsRepeats(t *testing.T) {
	var out bytes.Buffer
	q := newQuiz(&out, 3)
	b := board{
		Round:  1,
		Rounds: 3,
		Scores: map[domain.PlayerID]int{"a": 1, "b": 4},
		Names:  map[domain.PlayerID]string{"a": "Ana"},
	}
	q.printBoard(b)
	q.printBoard(b)

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "round 2/3"))
	assert.Less(t, strings.Index(text, "b "), strings.Index(text, "Ana"))
}
