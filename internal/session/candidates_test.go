package session

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	got  []string
	fail map[string]bool
}

func (a *recordingApplier) AddICECandidate(c webrtc.ICECandidateInit) error {
	if a.fail[c.Candidate] {
		return errors.New("rejected")
	}
	a.got = append(a.got, c.Candidate)
	return nil
}

func cand(s string, attempt uint64) PendingCandidate {
	return PendingCandidate{
		Candidate: webrtc.ICECandidateInit{Candidate: s},
		Attempt:   attempt,
		ArrivedAt: time.Unix(0, 0),
	}
}

func TestCandidatesWaitForRemoteDescription(t *testing.T) {
	b := NewCandidateBuffer(zerolog.Nop())
	b.Reset(1)
	a := &recordingApplier{}

	for _, s := range []string{"c1", "c2", "c3"} {
		require.NoError(t, b.Offer(cand(s, 1)))
	}
	assert.Empty(t, a.got)
	assert.Equal(t, 3, b.Len())

	require.NoError(t, b.DrainInto(a))
	assert.Equal(t, []string{"c1", "c2", "c3"}, a.got)
	assert.Zero(t, b.Len())

	require.NoError(t, b.Offer(cand("c4", 1)))
	assert.Equal(t, []string{"c1", "c2", "c3", "c4"}, a.got)

	// A second drain must not re-apply anything.
	require.NoError(t, b.DrainInto(a))
	assert.Len(t, a.got, 4)
}

func TestCandidateAttempts(t *testing.T) {
	b := NewCandidateBuffer(zerolog.Nop())
	b.Reset(2)

	require.NoError(t, b.Offer(cand("old", 1)))
	assert.Zero(t, b.Len())

	// Early candidates of the next attempt survive the reset for it.
	require.NoError(t, b.Offer(cand("n1", 3)))
	require.NoError(t, b.Offer(cand("n2", 3)))
	b.Reset(3)
	assert.Equal(t, 2, b.Len())
	assert.False(t, b.Applied())

	a := &recordingApplier{}
	require.NoError(t, b.DrainInto(a))
	assert.Equal(t, []string{"n1", "n2"}, a.got)

	b.Reset(4)
	assert.False(t, b.Applied())
	require.NoError(t, b.Offer(cand("q", 4)))
	assert.Equal(t, 1, b.Discard())
	assert.Zero(t, b.Len())
}

func TestDrainReportsFailures(t *testing.T) {
	b := NewCandidateBuffer(zerolog.Nop())
	b.Reset(1)
	a := &recordingApplier{fail: map[string]bool{"bad": true}}
	require.NoError(t, b.Offer(cand("ok1", 1)))
	require.NoError(t, b.Offer(cand("bad", 1)))
	require.NoError(t, b.Offer(cand("ok2", 1)))

	err := b.DrainInto(a)
	assert.Error(t, err)
	assert.Equal(t, []string{"ok1", "ok2"}, a.got)

	assert.Error(t, b.Offer(cand("bad", 1)))
}
