// Package domain holds the room and player records shared by the server
// and the peers.
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const MaxDisplayNameLen = 24

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
)

type PlayerID string

// PlayerRecord is one participant as seen by the room. The signaling
// server owns the authoritative list; peers keep a mirror.
type PlayerRecord struct {
	ID          PlayerID `json:"id"`
	DisplayName string   `json:"displayName"`
	Role        Role     `json:"role"`
	Ready       bool     `json:"ready"`
	Score       int      `json:"score"`
	Connected   bool     `json:"connected"`
}

func NewPlayerID() PlayerID { return PlayerID(uuid.NewString()) }

// NewPlayer validates the display name and assigns a fresh id.
func NewPlayer(displayName string, role Role) (*PlayerRecord, error) {
	name, err := CleanDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	return &PlayerRecord{ID: NewPlayerID(), DisplayName: name, Role: role, Connected: true}, nil
}

func CleanDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrDisplayNameEmpty
	}
	if len([]rune(name)) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}

func (p *PlayerRecord) SetDisplayName(name string) error {
	clean, err := CleanDisplayName(name)
	if err != nil {
		return err
	}
	p.DisplayName = clean
	return nil
}

// HostOf returns the host record of a player list.
func HostOf(players []PlayerRecord) (PlayerRecord, bool) {
	for _, p := range players {
		if p.Role == RoleHost {
			return p, true
		}
	}
	return PlayerRecord{}, false
}
