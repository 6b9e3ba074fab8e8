package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/massawatch/internal/history"
	"github.com/loykin/massawatch/internal/metrics"
	"github.com/loykin/massawatch/internal/node"
	"github.com/loykin/massawatch/internal/registry"
)

const (
	DefaultBatchSize  = 1000
	DefaultBatchDelay = time.Second
	DefaultThrottle   = 5 * time.Minute
)

// Querier is the status query boundary.
type Querier interface {
	Addresses(ctx context.Context, addrs []string) ([]node.AddressInfo, error)
}

// Sender delivers one message to one subscriber.
type Sender interface {
	Send(ctx context.Context, subscriber int64, text string) error
}

// Admin receives operator notifications.
type Admin interface {
	Notify(ctx context.Context, text string) error
}

// Config tunes batching and throttling.
type Config struct {
	BatchSize  int           `mapstructure:"batch_size" toml:"batch_size"`
	BatchDelay time.Duration `mapstructure:"batch_delay" toml:"batch_delay"`
	Throttle   time.Duration `mapstructure:"throttle" toml:"throttle"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.Throttle <= 0 {
		c.Throttle = DefaultThrottle
	}
	return c
}

// TickResult summarises one tick.
type TickResult struct {
	Eligible  int
	Queries   int
	Failed    int
	Notified  int
	Recovered int
}

// Pipeline is run by the supervisor on every LIVE tick. It queries eligible
// subjects in sequential batches and notifies subscribers of degraded ones.
type Pipeline struct {
	reg     *registry.Registry
	query   Querier
	send    Sender
	admin   Admin
	history *history.Recorder
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	started atomic.Bool
}

type Option func(*Pipeline)

func WithAdmin(a Admin) Option               { return func(p *Pipeline) { p.admin = a } }
func WithHistory(r *history.Recorder) Option { return func(p *Pipeline) { p.history = r } }
func WithLogger(l *slog.Logger) Option       { return func(p *Pipeline) { p.log = l } }
func WithClock(now func() time.Time) Option  { return func(p *Pipeline) { p.now = now } }
func WithConfig(c Config) Option             { return func(p *Pipeline) { p.cfg = c.withDefaults() } }
func withSleep(fn func(context.Context, time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

func New(reg *registry.Registry, q Querier, s Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		reg:   reg,
		query: q,
		send:  s,
		cfg:   Config{}.withDefaults(),
		log:   slog.Default(),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.With("component", "pipeline")
	return p
}

// Started reports whether a status query has succeeded in this session.
func (p *Pipeline) Started() bool { return p.started.Load() }

// Tick runs one pass. Batch and delivery failures are logged and never
// returned; only cancellation ends it early with ctx.Err().
func (p *Pipeline) Tick(ctx context.Context) error {
	_, err := p.Run(ctx)
	return err
}

// Run is Tick with a summary.
func (p *Pipeline) Run(ctx context.Context) (TickResult, error) {
	start := time.Now()
	var res TickResult
	now := p.now()
	eligible := p.reg.Eligible(now, p.cfg.Throttle)
	res.Eligible = len(eligible)
	metrics.SetEligible(len(eligible))

	for i := 0; i < len(eligible); i += p.cfg.BatchSize {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
		end := min(i+p.cfg.BatchSize, len(eligible))
		batch := eligible[i:end]
		res.Queries++
		infos, err := p.query.Addresses(ctx, batch)
		metrics.IncStatusQuery(err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed++
			p.log.Warn("status query failed", "batch", i/p.cfg.BatchSize, "size", len(batch), "error", err)
			if p.started.Load() {
				p.notifyAdmin(ctx, fmt.Sprintf("Error fetching addresses info: %v", err))
			}
			continue
		}
		p.markStarted(ctx)
		for _, info := range infos {
			notified, recovered := p.evaluate(ctx, info, now)
			if notified {
				res.Notified++
			}
			if recovered {
				res.Recovered++
			}
		}
	}
	metrics.ObservePipelineTick(res.Failed == 0, time.Since(start).Seconds())
	st := p.reg.Stats()
	metrics.SetRegistrySize(st.Subjects, st.Subscribers)
	return res, nil
}

func (p *Pipeline) markStarted(ctx context.Context) {
	if p.started.CompareAndSwap(false, true) {
		p.log.Info("node API started")
		p.notifyAdmin(ctx, "API started successfully.")
	}
}

// evaluate applies the decision rule to one record. The throttle is checked
// again because the registry may have changed since Eligible.
func (p *Pipeline) evaluate(ctx context.Context, info node.AddressInfo, now time.Time) (notified, recovered bool) {
	w, ok := p.reg.Get(info.Address)
	if !ok || len(w.Subscriptions) == 0 {
		return false, false
	}
	if now.Sub(w.LastNotified) < p.cfg.Throttle {
		return false, false
	}
	switch {
	case Degraded(info):
		text := FormatFailure(info)
		for _, sub := range w.Subscriptions {
			if sub.OnFailure {
				p.deliver(ctx, "failure", info.Address, sub.Subscriber, text)
			}
		}
		p.reg.MarkNotified(info.Address, now, true)
		return true, false
	case w.Degraded:
		text := FormatRecovery(info)
		for _, sub := range w.Subscriptions {
			if sub.OnRecovery {
				p.deliver(ctx, "recovery", info.Address, sub.Subscriber, text)
			}
		}
		p.reg.MarkNotified(info.Address, now, false)
		return false, true
	}
	return false, false
}

func (p *Pipeline) deliver(ctx context.Context, kind, subject string, subscriber int64, text string) {
	err := p.send.Send(ctx, subscriber, text)
	metrics.IncNotification(kind, err == nil)
	ev := history.Event{Type: history.EventNotification, Name: kind, Subject: subject, Subscriber: subscriber, OK: err == nil}
	if err != nil {
		ev.Detail = err.Error()
		p.log.Warn("delivery failed", "kind", kind, "subject", subject, "subscriber", subscriber, "error", err)
	}
	p.history.Record(ctx, ev)
}

func (p *Pipeline) notifyAdmin(ctx context.Context, text string) {
	if p.admin == nil {
		return
	}
	err := p.admin.Notify(ctx, text)
	metrics.IncNotification("admin", err == nil)
	if err != nil {
		p.log.Warn("admin notification failed", "error", err)
	}
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
