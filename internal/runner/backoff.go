package runner

import (
	"sync"
	"time"
)

const (
	DefaultFloor      = 10 * time.Second
	DefaultCeiling    = 10 * time.Minute
	DefaultMultiplier = 1.5
	DefaultWindow     = 5 * time.Minute
)

// BackoffConfig tunes session restart delays.
type BackoffConfig struct {
	Floor      time.Duration `mapstructure:"floor" toml:"floor"`
	Ceiling    time.Duration `mapstructure:"ceiling" toml:"ceiling"`
	Multiplier float64       `mapstructure:"multiplier" toml:"multiplier"`
	Window     time.Duration `mapstructure:"window" toml:"window"`
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Floor <= 0 {
		c.Floor = DefaultFloor
	}
	if c.Ceiling < c.Floor {
		c.Ceiling = max(DefaultCeiling, c.Floor)
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Backoff grows the delay between rapid failures and falls back to the
// floor once a failure comes more than Window after the previous restart.
// Window is measured from when that restart was scheduled to happen, not
// from the previous failure; otherwise a delay above Window would always
// reset and the ceiling could never be reached.
type Backoff struct {
	cfg BackoffConfig

	mu      sync.Mutex
	current time.Duration
	due     time.Time // when the previous restart was scheduled
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults()}
}

// Next returns the delay before restarting after a failure at now.
func (b *Backoff) Next(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.due.IsZero() || now.Sub(b.due) > b.cfg.Window {
		b.current = b.cfg.Floor
	} else {
		next := time.Duration(float64(b.current) * b.cfg.Multiplier)
		b.current = min(next, b.cfg.Ceiling)
	}
	b.due = now.Add(b.current)
	return b.current
}

// Current returns the last delay handed out.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
