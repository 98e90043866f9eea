package session

import (
	"fmt"

	"github.com/dkeye/Rally/internal/core"
)

// StateMachine guards one ConnectionState with the core transition table.
type StateMachine struct {
	state    core.ConnectionState
	onChange func(from, to core.ConnectionState)
}

func NewStateMachine(initial core.ConnectionState, onChange func(from, to core.ConnectionState)) *StateMachine {
	return &StateMachine{state: initial, onChange: onChange}
}

func (m *StateMachine) State() core.ConnectionState { return m.state }

// Transition moves to next or returns an error naming the illegal move.
func (m *StateMachine) Transition(next core.ConnectionState) error {
	if !core.CanTransition(m.state, next) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, next)
	}
	prev := m.state
	m.state = next
	if m.onChange != nil {
		m.onChange(prev, next)
	}
	return nil
}

// Is reports whether the current state is one of states.
func (m *StateMachine) Is(states ...core.ConnectionState) bool {
	for _, s := range states {
		if m.state == s {
			return true
		}
	}
	return false
}
