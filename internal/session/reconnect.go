package session

import (
	"time"

	"github.com/dkeye/Rally/internal/clock"
)

type ReconnectConfig struct {
	Base        time.Duration
	CapFactor   int
	MaxAttempts int
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{Base: 2 * time.Second, CapFactor: 3, MaxAttempts: 5}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.CapFactor <= 0 {
		c.CapFactor = d.CapFactor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Delay is the wait before attempt k (1-based): base * min(k, capFactor).
func (c ReconnectConfig) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	return c.Base * time.Duration(min(k, c.CapFactor))
}

// ReconnectPolicy schedules retries for one descriptor. The attempt count
// only grows; a new session gets a new policy.
type ReconnectPolicy struct {
	cfg      ReconnectConfig
	clk      clock.Clock
	attempts int
	timer    *clock.Timer
}

func NewReconnectPolicy(cfg ReconnectConfig, clk clock.Clock) *ReconnectPolicy {
	return &ReconnectPolicy{cfg: cfg.withDefaults(), clk: clk}
}

// Schedule arms the next attempt, replacing any timer still pending. It
// returns false once MaxAttempts have been used.
func (p *ReconnectPolicy) Schedule(fn func()) (attempt int, delay time.Duration, ok bool) {
	p.Stop()
	if p.Exhausted() {
		return p.attempts, 0, false
	}
	p.attempts++
	delay = p.cfg.Delay(p.attempts)
	p.timer = p.clk.AfterFunc(delay, fn)
	return p.attempts, delay, true
}

// Stop cancels a pending attempt without touching the count.
func (p *ReconnectPolicy) Stop() {
	p.timer.Stop()
	p.timer = nil
}

// Due is called when the timer for attempt fires. It reports false when
// that attempt was stopped or replaced in the meantime.
func (p *ReconnectPolicy) Due(attempt int) bool {
	if p.timer == nil || attempt != p.attempts {
		return false
	}
	p.timer = nil
	return true
}

func (p *ReconnectPolicy) Pending() bool   { return p.timer != nil }
func (p *ReconnectPolicy) Attempts() int   { return p.attempts }
func (p *ReconnectPolicy) Exhausted() bool { return p.attempts >= p.cfg.MaxAttempts }
