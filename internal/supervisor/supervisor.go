package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/massawatch/internal/metrics"
	"github.com/loykin/massawatch/internal/process"
)

const (
	DefaultInterval      = 10 * time.Second
	DefaultCooldown      = 10 * time.Second
	DefaultShutdownGrace = 7 * time.Second
)

// Probe reports application-level health. It must not panic on transient
// failures; anything unexpected should degrade to false.
type Probe func(ctx context.Context) bool

// Callback is periodic work run only while LIVE. A returned error or a panic
// ends the current cycle and triggers a cooldown.
type Callback func(ctx context.Context) error

// Hook is notified about lifecycle events such as disconnects.
type Hook func(ctx context.Context)

// Process is the lifecycle surface the supervisor drives. *process.Process
// satisfies it.
type Process interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Snapshot() process.Status
}

// Supervisor keeps one external process alive. Aliveness is decided by the
// probe only, never by OS exit status.
type Supervisor struct {
	proc  Process
	probe Probe

	name          string
	interval      time.Duration
	cooldown      time.Duration
	probeTimeout  time.Duration
	shutdownGrace time.Duration
	callbacks     []Callback
	onDisconnect  Hook
	observers     []func(Transition)
	log           *slog.Logger

	mu        sync.Mutex
	state     State
	healthy   bool
	everAlive bool
	lastAlive time.Time
	failures  int
}

// New creates a supervisor for proc using probe to decide aliveness.
func New(proc Process, probe Probe, opts ...Option) *Supervisor {
	s := &Supervisor{
		proc:          proc,
		probe:         probe,
		name:          "node",
		interval:      DefaultInterval,
		cooldown:      DefaultCooldown,
		shutdownGrace: DefaultShutdownGrace,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("supervisor", s.name)
	return s
}

// Run drives the state machine until ctx is cancelled or a spawn failure
// occurs. On cancellation the process is stopped best-effort and ctx.Err()
// is returned. A *process.SpawnError is returned as is.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		err := s.cycle(ctx)
		if ctx.Err() != nil {
			s.shutdown(ctx)
			return ctx.Err()
		}
		if process.IsSpawnError(err) {
			s.setHealthy(false)
			s.transition(StateStopped)
			return err
		}
		if err != nil {
			s.mu.Lock()
			s.failures++
			s.mu.Unlock()
			metrics.IncSupervisorFailure(s.name)
			s.log.Error("supervisor cycle failed", "error", err, "cooldown", s.cooldown)
			s.setHealthy(false)
			s.transition(StateStopping)
			s.stopProcess(ctx)
			if sleepCtx(ctx, s.cooldown) != nil {
				s.shutdown(ctx)
				return ctx.Err()
			}
		}
	}
}

// cycle runs STARTING, WAITING_FOR_LIVE, LIVE and STOPPING once. It returns
// nil after a health loss was handled, so Run loops back to STARTING.
func (s *Supervisor) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("supervisor panic: %v", r)
		}
	}()

	s.transition(StateStarting)
	if err := s.proc.Start(ctx); err != nil {
		return err
	}
	metrics.IncStart(s.name)
	s.transition(StateWaitingForLive)

	for !s.probeOnce(ctx) {
		if err := sleepCtx(ctx, s.interval); err != nil {
			return err
		}
	}
	s.markAlive()
	s.transition(StateLive)
	s.log.Info("process is live")

	for {
		for i, cb := range s.callbacks {
			if err := invoke(ctx, cb); err != nil {
				return fmt.Errorf("callback %d: %w", i, err)
			}
		}
		if err := sleepCtx(ctx, s.interval); err != nil {
			return err
		}
		if !s.probeOnce(ctx) {
			break
		}
		s.markAlive()
	}

	s.log.Warn("live signal lost, restarting process")
	s.setHealthy(false)
	s.transition(StateStopping)
	if err := s.proc.Stop(ctx); err != nil {
		return fmt.Errorf("stop after health loss: %w", err)
	}
	metrics.IncStop(s.name)
	metrics.IncRestart(s.name)
	if s.onDisconnect != nil {
		s.onDisconnect(ctx)
	}
	return nil
}

func (s *Supervisor) probeOnce(ctx context.Context) bool {
	pctx := ctx
	if s.probeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
	}
	start := time.Now()
	ok := s.probe(pctx)
	metrics.ObserveProbe(s.name, ok, time.Since(start).Seconds())
	return ok
}

func invoke(ctx context.Context, cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx)
}

// shutdown stops the process on cancellation. The stop gets its own bounded
// context so the child is not orphaned.
func (s *Supervisor) shutdown(ctx context.Context) {
	s.setHealthy(false)
	s.transition(StateStopping)
	s.stopProcess(ctx)
	s.transition(StateStopped)
}

func (s *Supervisor) stopProcess(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownGrace)
	defer cancel()
	if err := s.proc.Stop(sctx); err != nil {
		s.log.Error("best-effort stop failed", "error", err)
		return
	}
	metrics.IncStop(s.name)
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	observers := s.observers
	s.mu.Unlock()

	metrics.RecordStateTransition(s.name, from.String(), to.String())
	metrics.SetCurrentState(s.name, from.String(), false)
	metrics.SetCurrentState(s.name, to.String(), true)
	s.log.Debug("state transition", "from", from.String(), "to", to.String())
	tr := Transition{From: from, To: to, At: time.Now()}
	for _, fn := range observers {
		fn(tr)
	}
}

func (s *Supervisor) markAlive() {
	s.mu.Lock()
	s.healthy = true
	s.everAlive = true
	s.lastAlive = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) setHealthy(v bool) {
	s.mu.Lock()
	s.healthy = v
	s.mu.Unlock()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EverAlive reports whether the probe has succeeded at least once.
func (s *Supervisor) EverAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everAlive
}

// Snapshot returns a copy of the supervisor's view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Name:      s.name,
		State:     s.state.String(),
		Healthy:   s.healthy,
		EverAlive: s.everAlive,
		LastAlive: s.lastAlive,
		Failures:  s.failures,
	}
	s.mu.Unlock()
	ps := s.proc.Snapshot()
	snap.ProcessRunning = s.proc.Running()
	snap.PID = ps.PID
	snap.Starts = ps.Starts
	return snap
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
