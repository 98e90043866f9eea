package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// PendingCandidate is a remote ICE candidate waiting for the remote
// description of its negotiation attempt.
type PendingCandidate struct {
	Candidate webrtc.ICECandidateInit
	Attempt   uint64
	ArrivedAt time.Time
}

// Applier receives candidates once the remote description is set.
type Applier interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

// CandidateBuffer queues candidates until the remote description of the
// current attempt is applied, then hands them over in arrival order.
// Not safe for concurrent use; the session actor owns it.
type CandidateBuffer struct {
	log     zerolog.Logger
	attempt uint64
	target  Applier
	pending []PendingCandidate
}

func NewCandidateBuffer(log zerolog.Logger) *CandidateBuffer {
	return &CandidateBuffer{log: log}
}

// Reset prepares the buffer for attempt. Candidates already queued for
// the same attempt are kept; older ones are discarded.
func (b *CandidateBuffer) Reset(attempt uint64) {
	if attempt != b.attempt {
		b.discard("superseded")
		b.attempt = attempt
	}
	b.target = nil
}

// Offer applies c right away when the remote description is in place and
// queues it otherwise. Candidates of an older attempt are dropped with a
// log line; a newer attempt restarts the queue.
func (b *CandidateBuffer) Offer(c PendingCandidate) error {
	switch {
	case c.Attempt < b.attempt:
		b.log.Debug().Uint64("attempt", c.Attempt).Uint64("current", b.attempt).Msg("stale candidate discarded")
		return nil
	case c.Attempt > b.attempt:
		b.Reset(c.Attempt)
	}
	if b.target != nil {
		if err := b.target.AddICECandidate(c.Candidate); err != nil {
			return fmt.Errorf("add candidate: %w", err)
		}
		return nil
	}
	b.pending = append(b.pending, c)
	return nil
}

// DrainInto marks the remote description applied and moves every queued
// candidate into target in arrival order. Each candidate is applied once;
// failures are collected and do not stop the drain.
func (b *CandidateBuffer) DrainInto(target Applier) error {
	b.target = target
	queued := b.pending
	b.pending = nil
	var errs []error
	for _, c := range queued {
		if err := target.AddICECandidate(c.Candidate); err != nil {
			b.log.Warn().Err(err).Str("candidate", c.Candidate.Candidate).Msg("buffered candidate rejected")
			errs = append(errs, err)
		}
	}
	if len(queued) > 0 {
		b.log.Debug().Int("count", len(queued)).Uint64("attempt", b.attempt).Msg("buffered candidates applied")
	}
	return errors.Join(errs...)
}

// Discard drops everything queued, for teardown.
func (b *CandidateBuffer) Discard() int {
	n := len(b.pending)
	b.discard("teardown")
	b.target = nil
	return n
}

func (b *CandidateBuffer) discard(reason string) {
	if len(b.pending) == 0 {
		return
	}
	b.log.Info().Int("count", len(b.pending)).Uint64("attempt", b.attempt).Str("reason", reason).Msg("discarding buffered candidates")
	b.pending = nil
}

func (b *CandidateBuffer) Len() int        { return len(b.pending) }
func (b *CandidateBuffer) Attempt() uint64 { return b.attempt }

// Applied reports whether candidates currently go straight to the link.
func (b *CandidateBuffer) Applied() bool { return b.target != nil }
