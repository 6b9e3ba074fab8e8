package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/massawatch/internal/history"
	"github.com/loykin/massawatch/internal/metrics"
)

// Session runs one supervisor and pipeline pairing until it ends.
type Session func(ctx context.Context) error

// Admin receives operator notifications.
type Admin interface {
	Notify(ctx context.Context, text string) error
}

// Runner restarts sessions with backoff and persists state on every exit.
type Runner struct {
	session Session
	persist func(ctx context.Context) error
	admin   Admin
	history *history.Recorder
	backoff *Backoff
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	persistTimeout time.Duration
}

type Option func(*Runner)

func WithPersist(fn func(ctx context.Context) error) Option { return func(r *Runner) { r.persist = fn } }
func WithAdmin(a Admin) Option                              { return func(r *Runner) { r.admin = a } }
func WithHistory(h *history.Recorder) Option                { return func(r *Runner) { r.history = h } }
func WithBackoff(cfg BackoffConfig) Option                  { return func(r *Runner) { r.backoff = NewBackoff(cfg) } }
func WithLogger(l *slog.Logger) Option                      { return func(r *Runner) { r.log = l } }
func WithClock(now func() time.Time) Option                 { return func(r *Runner) { r.now = now } }
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

func New(session Session, opts ...Option) *Runner {
	r := &Runner{
		session:        session,
		backoff:        NewBackoff(BackoffConfig{}),
		log:            slog.Default(),
		now:            time.Now,
		sleep:          sleepCtx,
		persistTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "runner")
	return r
}

// Run loops until ctx is cancelled. Cancellation is a clean stop and
// returns nil; every other session exit is retried after a backoff.
func (r *Runner) Run(ctx context.Context) error {
	for {
		started := r.now()
		r.history.Record(ctx, history.Event{Type: history.EventSessionStart, OccurredAt: started, OK: true})
		err := r.runSession(ctx)
		r.flush(ctx)

		if ctx.Err() != nil {
			r.log.Info("stopped by user")
			r.history.Record(context.WithoutCancel(ctx), history.Event{Type: history.EventSessionEnd, OK: true, Detail: "stopped by user"})
			r.notify(context.WithoutCancel(ctx), "Bot stopped by user.")
			return nil
		}
		if err == nil {
			err = errors.New("session ended")
		}

		delay := r.backoff.Next(r.now())
		metrics.RecordSessionRestart(delay.Seconds())
		r.log.Error("session failed", "error", err, "uptime", r.now().Sub(started), "backoff", delay)
		r.history.Record(ctx, history.Event{Type: history.EventSessionEnd, Detail: err.Error()})
		r.notify(ctx, fmt.Sprintf("Error in main loop: %v\nBackoff time: %s", err, delay))

		if err := r.sleep(ctx, delay); err != nil {
			r.log.Info("stopped by user during backoff")
			r.notify(context.WithoutCancel(ctx), "Bot stopped by user.")
			return nil
		}
	}
}

// runSession converts a panic into an error so one bad session cannot
// take the process down.
func (r *Runner) runSession(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("session panic: %v", p)
		}
	}()
	return r.session(ctx)
}

func (r *Runner) flush(ctx context.Context) {
	if r.persist == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	if err := r.persist(pctx); err != nil {
		r.log.Error("persist failed", "error", err)
	}
}

func (r *Runner) notify(ctx context.Context, text string) {
	if r.admin == nil {
		return
	}
	err := r.admin.Notify(ctx, text)
	metrics.IncNotification("admin", err == nil)
	if err != nil {
		r.log.Warn("admin notification failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
