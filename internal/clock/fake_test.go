package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := NewFake(epoch)
	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	c.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Equal(t, epoch.Add(3500*time.Millisecond), c.Now())
	assert.Zero(t, c.Pending())
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFakeCallbackSeesDeadlineTime(t *testing.T) {
	c := NewFake(epoch)
	var at time.Time
	c.AfterFunc(2*time.Second, func() { at = c.Now() })
	c.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(2*time.Second), at)
}

func TestFakeCallbackCanScheduleMore(t *testing.T) {
	c := NewFake(epoch)
	count := 0
	var again func()
	again = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, again)
		}
	}
	c.AfterFunc(time.Second, again)
	c.Advance(5 * time.Second)
	assert.Equal(t, 3, count)
}

func TestFakeTicker(t *testing.T) {
	c := NewFake(epoch)
	tk := c.NewTicker(time.Second)

	c.Advance(time.Second)
	select {
	case at := <-tk.C:
		assert.Equal(t, epoch.Add(time.Second), at)
	default:
		t.Fatal("expected a tick")
	}

	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("tick after stop")
	default:
	}
}
