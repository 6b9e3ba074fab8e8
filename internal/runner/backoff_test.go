package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSequenceUnderRapidFailures(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []time.Duration{
		10 * time.Second,
		15 * time.Second,
		22500 * time.Millisecond,
		33750 * time.Millisecond,
		50625 * time.Millisecond,
	}
	for i, w := range want {
		d := b.Next(now)
		assert.Equal(t, w, d, "step %d", i)
		now = now.Add(d + time.Second) // fails one second after each restart
	}
	var d time.Duration
	for i := 0; i < 20; i++ {
		d = b.Next(now)
		now = now.Add(d + time.Second)
	}
	assert.Equal(t, DefaultCeiling, d, "capped at the ceiling")
	assert.Equal(t, DefaultCeiling, b.Current())
}

func TestBackoffResetsAfterQuietWindow(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := b.Next(now)
	now = now.Add(d)
	d = b.Next(now)
	assert.Equal(t, 15*time.Second, d)

	now = now.Add(d + DefaultWindow)
	assert.Equal(t, 22500*time.Millisecond, b.Next(now), "exactly the window is still rapid")
	now = now.Add(22500*time.Millisecond + DefaultWindow + time.Second)
	assert.Equal(t, DefaultFloor, b.Next(now))
}

func TestBackoffWindowStartsAtScheduledRestart(t *testing.T) {
	b := NewBackoff(BackoffConfig{})
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, DefaultFloor, b.Next(t0))
	// 5m5s after the failure but only 4m55s after the restart it caused.
	assert.Equal(t, 15*time.Second, b.Next(t0.Add(5*time.Minute+5*time.Second)))

	b = NewBackoff(BackoffConfig{})
	assert.Equal(t, DefaultFloor, b.Next(t0))
	assert.Equal(t, DefaultFloor, b.Next(t0.Add(DefaultFloor+DefaultWindow+time.Second)))
}

func TestBackoffConfigDefaults(t *testing.T) {
	c := BackoffConfig{Floor: time.Second, Multiplier: 0.5}.withDefaults()
	assert.Equal(t, time.Second, c.Floor)
	assert.Equal(t, DefaultCeiling, c.Ceiling)
	assert.Equal(t, DefaultMultiplier, c.Multiplier)
	assert.Equal(t, DefaultWindow, c.Window)

	b := NewBackoff(BackoffConfig{Floor: time.Second, Ceiling: 2 * time.Second, Multiplier: 3})
	now := time.Now()
	assert.Equal(t, time.Second, b.Next(now))
	assert.Equal(t, 2*time.Second, b.Next(now.Add(time.Second)))
}
