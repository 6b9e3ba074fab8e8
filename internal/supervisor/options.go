package supervisor

import (
	"log/slog"
	"time"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithName labels logs and metrics.
func WithName(name string) Option {
	return func(s *Supervisor) { s.name = name }
}

// WithInterval sets the pause between probes. Zero means no pause.
func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.interval = d
		}
	}
}

// WithCooldown sets the pause after an unexpected failure before restarting.
func WithCooldown(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

// WithProbeTimeout bounds each probe call.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.probeTimeout = d }
}

// WithShutdownGrace bounds the best-effort stop performed on cancellation.
func WithShutdownGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.shutdownGrace = d
		}
	}
}

// WithCallbacks appends callbacks run in order on every LIVE tick.
func WithCallbacks(cbs ...Callback) Option {
	return func(s *Supervisor) { s.callbacks = append(s.callbacks, cbs...) }
}

// WithDisconnectHook is invoked after the process was stopped because the
// probe reported it dead.
func WithDisconnectHook(fn Hook) Option {
	return func(s *Supervisor) { s.onDisconnect = fn }
}

// WithObserver registers a transition observer. Observers run synchronously
// on the supervisor goroutine and must not block.
func WithObserver(fn func(Transition)) Option {
	return func(s *Supervisor) { s.observers = append(s.observers, fn) }
}

// WithLogger sets the logger; nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}
