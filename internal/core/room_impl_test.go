package core

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Rally/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignal struct {
	frames []Frame
	full   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	if f.full {
		return errors.New("backpressure")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRoom(capacity int) RoomService {
	return NewRoomService(&domain.Room{ID: "ABCDEF", Capacity: capacity, CreatedAt: t0})
}

func add(t *testing.T, r RoomService, id domain.PlayerID, role domain.Role) *fakeSignal {
	t.Helper()
	sig := &fakeSignal{}
	rec := domain.PlayerRecord{ID: id, DisplayName: string(id), Role: role}
	require.NoError(t, r.AddMember(NewMemberSession(SessionID("sid-"+string(id)), rec, sig)))
	return sig
}

func TestRoomKeepsJoinOrderAndCapacity(t *testing.T) {
	r := newTestRoom(2)
	add(t, r, "host", domain.RoleHost)
	add(t, r, "g1", domain.RoleGuest)

	err := r.AddMember(NewMemberSession("sid-g2", domain.PlayerRecord{ID: "g2"}, &fakeSignal{}))
	assert.ErrorIs(t, err, ErrRoomFull)

	players := r.Players()
	require.Len(t, players, 2)
	assert.Equal(t, domain.PlayerID("host"), players[0].ID)
	assert.Equal(t, domain.PlayerID("g1"), players[1].ID)
	assert.True(t, players[1].Connected)
}

func TestRoomBroadcastSkipsSenderAndOffline(t *testing.T) {
	r := newTestRoom(4)
	hostSig := add(t, r, "host", domain.RoleHost)
	g1 := add(t, r, "g1", domain.RoleGuest)
	g2 := add(t, r, "g2", domain.RoleGuest)
	g2.full = true
	add(t, r, "g3", domain.RoleGuest)
	r.Detach("sid-g3", t0)

	res := r.Broadcast("host", Frame("hi"))
	assert.Equal(t, 1, res.SendTo)
	require.Len(t, res.Dropped, 1)
	assert.Equal(t, domain.PlayerID("g2"), res.Dropped[0].Player().ID)
	assert.Empty(t, hostSig.frames)
	assert.Len(t, g1.frames, 1)
}

func TestRoomDetachReattachExpire(t *testing.T) {
	r := newTestRoom(4)
	add(t, r, "host", domain.RoleHost)
	add(t, r, "g1", domain.RoleGuest)

	pid, ok := r.Detach("sid-g1", t0)
	require.True(t, ok)
	assert.Equal(t, domain.PlayerID("g1"), pid)
	assert.ErrorIs(t, r.SendTo("g1", Frame("x")), errMemberOffline)

	assert.Empty(t, r.Expired(t0.Add(10*time.Second), 30*time.Second))
	assert.Equal(t, []domain.PlayerID{"g1"}, r.Expired(t0.Add(30*time.Second), 30*time.Second))

	sig := &fakeSignal{}
	rec, ok := r.Reattach("g1", "sid-new", sig)
	require.True(t, ok)
	assert.True(t, rec.Connected)
	assert.Equal(t, domain.RoleGuest, rec.Role)
	require.NoError(t, r.SendTo("g1", Frame("x")))
	assert.Len(t, sig.frames, 1)
	assert.Empty(t, r.Expired(t0.Add(time.Hour), 30*time.Second))
}

func TestRoomReadyScoreRemove(t *testing.T) {
	r := newTestRoom(4)
	add(t, r, "host", domain.RoleHost)
	add(t, r, "g1", domain.RoleGuest)

	assert.True(t, r.SetReady("g1", true))
	assert.True(t, r.SetScore("g1", 7))
	assert.False(t, r.SetReady("nobody", true))

	m, ok := r.Member("g1")
	require.True(t, ok)
	assert.True(t, m.Player().Ready)
	assert.Equal(t, 7, m.Player().Score)

	assert.True(t, r.RemoveMember("g1"))
	assert.False(t, r.RemoveMember("g1"))
	assert.Equal(t, 1, r.MemberCount())
	assert.ErrorIs(t, r.SendTo("g1", Frame("x")), ErrNotInRoom)
}

func TestRoomTouch(t *testing.T) {
	r := newTestRoom(0)
	assert.Equal(t, domain.DefaultRoomCapacity, r.Room().Capacity)
	assert.Equal(t, t0, r.LastActive())
	r.Touch(t0.Add(time.Minute))
	r.Touch(t0)
	assert.Equal(t, t0.Add(time.Minute), r.LastActive())
}
