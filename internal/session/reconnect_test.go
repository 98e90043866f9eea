package session

import (
	"testing"
	"time"

	"github.com/dkeye/Rally/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestReconnectDelays(t *testing.T) {
	cfg := DefaultReconnectConfig()
	var got []time.Duration
	for k := 1; k <= 6; k++ {
		got = append(got, cfg.Delay(k))
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 6 * time.Second,
		6 * time.Second, 6 * time.Second, 6 * time.Second,
	}, got)
}

func TestReconnectPolicyCapsAttempts(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewReconnectPolicy(ReconnectConfig{}, clk)

	fired := 0
	for i := 0; i < 5; i++ {
		_, _, ok := p.Schedule(func() { fired++ })
		assert.True(t, ok)
		clk.Advance(10 * time.Second)
	}
	assert.Equal(t, 5, fired)
	assert.True(t, p.Exhausted())

	_, _, ok := p.Schedule(func() { fired++ })
	assert.False(t, ok)
	clk.Advance(time.Minute)
	assert.Equal(t, 5, fired)
}

func TestReconnectPolicyReplacesPendingTimer(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewReconnectPolicy(ReconnectConfig{Base: time.Second, CapFactor: 3, MaxAttempts: 5}, clk)

	var fired []int
	p.Schedule(func() { fired = append(fired, 1) })
	attempt, delay, _ := p.Schedule(func() { fired = append(fired, 2) })
	assert.Equal(t, 2, attempt)
	assert.Equal(t, 2*time.Second, delay)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(5 * time.Second)
	assert.Equal(t, []int{2}, fired)

	p.Schedule(func() { fired = append(fired, 3) })
	p.Stop()
	assert.False(t, p.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, []int{2}, fired)
	assert.Equal(t, 3, p.Attempts())
}

func TestReconnectPolicyDue(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	p := NewReconnectPolicy(DefaultReconnectConfig(), clk)

	p.Schedule(func() {})
	assert.False(t, p.Due(2))
	assert.True(t, p.Due(1))
	assert.False(t, p.Pending())
	assert.False(t, p.Due(1))

	p.Schedule(func() {})
	p.Stop()
	assert.False(t, p.Due(2))
}
