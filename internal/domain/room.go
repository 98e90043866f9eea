package domain

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"time"
)

const (
	RoomIDLength = 6

	MinRoomCapacity     = 2
	MaxRoomCapacity     = 4
	DefaultRoomCapacity = MaxRoomCapacity
)

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var ErrInvalidRoomID = errors.New("invalid room id")

// RoomID is always stored upper-cased and trimmed.
type RoomID string

// NormalizeRoomID trims whitespace and upper-cases a user supplied code.
func NormalizeRoomID(raw string) RoomID {
	return RoomID(strings.ToUpper(strings.TrimSpace(raw)))
}

// ParseRoomID normalizes raw and checks it is six alphanumeric characters.
func ParseRoomID(raw string) (RoomID, error) {
	id := NormalizeRoomID(raw)
	if len(id) != RoomIDLength {
		return "", ErrInvalidRoomID
	}
	for _, r := range id {
		if !strings.ContainsRune(roomIDAlphabet, r) {
			return "", ErrInvalidRoomID
		}
	}
	return id, nil
}

func NewRoomID() RoomID {
	var b strings.Builder
	size := big.NewInt(int64(len(roomIDAlphabet)))
	for range RoomIDLength {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			panic("domain: crypto/rand unavailable: " + err.Error())
		}
		b.WriteByte(roomIDAlphabet[n.Int64()])
	}
	return RoomID(b.String())
}

func (id RoomID) String() string { return string(id) }

type Room struct {
	ID        RoomID
	Capacity  int
	CreatedAt time.Time
}

// ClampCapacity keeps a requested capacity inside the supported range.
func ClampCapacity(n int) int {
	switch {
	case n <= 0:
		return DefaultRoomCapacity
	case n < MinRoomCapacity:
		return MinRoomCapacity
	case n > MaxRoomCapacity:
		return MaxRoomCapacity
	}
	return n
}
