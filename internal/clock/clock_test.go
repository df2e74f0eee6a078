package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clk := NewFake(start)

	short := clk.AfterMs(100)
	long := clk.AfterMs(500)
	require.Equal(t, 2, clk.Pending())

	clk.Advance(99 * time.Millisecond)
	select {
	case <-short:
		t.Fatal("timer fired before its deadline")
	default:
	}

	clk.Advance(1 * time.Millisecond)
	select {
	case tick := <-short:
		assert.Equal(t, start.Add(100*time.Millisecond), tick)
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(time.Second)
	select {
	case <-long:
	default:
		t.Fatal("second timer did not fire")
	}
	assert.Zero(t, clk.Pending())
}

func TestFakeNowTracksAdvance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clk := NewFake(start)
	clk.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), clk.Now())
}

func TestSystemAfterMs(t *testing.T) {
	clk := NewSystem()
	select {
	case <-clk.AfterMs(1):
	case <-time.After(2 * time.Second):
		t.Fatal("system timer never fired")
	}
	assert.WithinDuration(t, time.Now(), clk.Now(), time.Minute)
}
