package app

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/Rally/internal/core"
	"github.com/dkeye/Rally/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRoomManagerCreateNormalizesAndAvoidsCollisions(t *testing.T) {
	m := NewRoomManager()
	ids := []domain.RoomID{"ZZZZZ1", "ZZZZZ2"}
	m.newID = func() domain.RoomID {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	a := m.CreateRoom(" k3f9qx ", 2, t0)
	assert.Equal(t, domain.RoomID("K3F9QX"), a.Room().ID)

	b := m.CreateRoom("K3F9QX", 2, t0)
	assert.Equal(t, domain.RoomID("ZZZZZ1"), b.Room().ID)

	c := m.CreateRoom("bad id", 0, t0)
	assert.Equal(t, domain.RoomID("ZZZZZ2"), c.Room().ID)
	assert.Equal(t, domain.DefaultRoomCapacity, c.Room().Capacity)

	got, ok := m.GetRoom("k3f9qx")
	require.True(t, ok)
	assert.Same(t, a, got)

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, domain.RoomID("K3F9QX"), list[0].ID)

	m.StopRoom("K3F9QX")
	_, ok = m.GetRoom("K3F9QX")
	assert.False(t, ok)
}

func TestRegistryRoomBinding(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.BindSignal("s1", nopSignal{}, cancel)
	r.BindSignal("s2", nopSignal{}, func() {})

	_, _, ok := r.RoomOf("s1")
	assert.False(t, ok)

	require.True(t, r.UpdateRoom("s1", "ABCDEF", "p1"))
	require.True(t, r.UpdateRoom("s2", "ABCDEF", "p2"))
	room, pid, ok := r.RoomOf("s1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomID("ABCDEF"), room)
	assert.Equal(t, domain.PlayerID("p1"), pid)

	sid, ok := r.SessionOf("ABCDEF", "p2")
	require.True(t, ok)
	assert.Equal(t, core.SessionID("s2"), sid)
	assert.Len(t, r.MembersOfRoom("ABCDEF"), 2)

	r.RemoveRoom("s2")
	assert.Len(t, r.MembersOfRoom("ABCDEF"), 1)

	assert.True(t, r.Cancel("s1"))
	assert.Error(t, ctx.Err())
	r.Unbind("s1")
	assert.False(t, r.Cancel("s1"))
	assert.Equal(t, 1, r.Count())
}

func TestPolicies(t *testing.T) {
	assert.Equal(t, KickMember, SimplePolicy{}.OnBackPressure(nil, nil))
	assert.Equal(t, DropFrame, TolerantPolicy{}.OnBackPressure(nil, nil))
}
