// Package app wires the node supervisor, the notification pipeline, the
// command bot and the messaging boundary into restartable sessions.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/massawatch/internal/bot"
	"github.com/loykin/massawatch/internal/config"
	"github.com/loykin/massawatch/internal/history"
	hfactory "github.com/loykin/massawatch/internal/history/factory"
	"github.com/loykin/massawatch/internal/messenger"
	"github.com/loykin/massawatch/internal/metrics"
	"github.com/loykin/massawatch/internal/node"
	"github.com/loykin/massawatch/internal/notify"
	"github.com/loykin/massawatch/internal/process"
	"github.com/loykin/massawatch/internal/registry"
	rfactory "github.com/loykin/massawatch/internal/registry/factory"
	"github.com/loykin/massawatch/internal/runner"
	"github.com/loykin/massawatch/internal/server"
	"github.com/loykin/massawatch/internal/supervisor"
)

const msgNodeLost = "Node lost, restarting."

// session is the state of one run: everything here is built at session
// start and dropped when it ends.
type session struct {
	conn   *messenger.Conn
	client *node.Client
	proc   *process.Process
	sup    *supervisor.Supervisor
	pipe   *notify.Pipeline
	usage  *metrics.Sampler
}

// App owns the long-lived state shared by sessions: the registry, its
// store, the history recorder and the admin relay.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	reg     *registry.Registry
	store   registry.Store
	history *history.Recorder
	admin   *relay

	mu  sync.Mutex
	cur *session
}

// New loads the registry and opens the optional history sink.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	store, err := rfactory.Open(cfg.Registry.DSN)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}
	reg, err := registry.Open(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}
	st := reg.Stats()
	log.Info("registry loaded", "dsn", cfg.Registry.DSN, "subjects", st.Subjects, "subscribers", st.Subscribers)

	var sinks []history.Sink
	if cfg.History.DSN != "" {
		sink, err := hfactory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
	}

	return &App{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		store:   store,
		history: history.NewRecorder(log, sinks...),
		admin:   newRelay(cfg.Messenger, log),
	}, nil
}

// Registry returns the in-memory registry.
func (a *App) Registry() *registry.Registry { return a.reg }

// Run cleans up stale node processes, starts the optional HTTP surfaces
// and restarts sessions until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.cfg.Node.KillStale {
		if _, err := process.KillStale(ctx, a.cfg.Node.Binary, a.log); err != nil {
			a.log.Warn("stale process cleanup failed", "error", err)
		}
	}
	if a.cfg.Server.Listen != "" {
		srv, err := server.NewServer(a.cfg.Server.Listen, "", a.reg, a)
		if err != nil {
			return err
		}
		a.log.Info("admin API listening", "addr", a.cfg.Server.Listen)
		defer func() { _ = srv.Close() }()
	}
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.Metrics.Listen,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("metrics server error", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	r := runner.New(a.runSession,
		runner.WithPersist(a.Persist),
		runner.WithAdmin(a.admin),
		runner.WithHistory(a.history),
		runner.WithBackoff(a.cfg.Runner),
		runner.WithLogger(a.log),
	)
	return r.Run(ctx)
}

// Persist writes the registry to its store.
func (a *App) Persist(ctx context.Context) error {
	return a.reg.Flush(ctx, a.store)
}

// Node reports the current session's supervisor view.
func (a *App) Node() (supervisor.Snapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return supervisor.Snapshot{}, false
	}
	return a.cur.sup.Snapshot(), true
}

// PipelineStarted reports whether the current session reached the node API.
func (a *App) PipelineStarted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil && a.cur.pipe.Started()
}

// Resources returns the latest resource sample of the current session's node.
func (a *App) Resources() (metrics.ProcessMetrics, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur == nil {
		return metrics.ProcessMetrics{}, false
	}
	return a.cur.usage.Latest()
}

func (a *App) setSession(s *session) {
	a.mu.Lock()
	a.cur = s
	a.mu.Unlock()
	var conn *messenger.Conn
	if s != nil {
		conn = s.conn
	}
	a.admin.attach(conn)
}

// runSession builds a fresh session and blocks until the supervisor ends
// or the messaging connection is lost.
func (a *App) runSession(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	spec, err := a.cfg.NodeSpec()
	if err != nil {
		return err
	}
	conn, err := messenger.Connect(ctx, a.cfg.Messenger, a.log)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	s, err := a.newSession(conn, spec)
	if err != nil {
		return err
	}
	a.setSession(s)
	defer a.setSession(nil)

	b, err := bot.New(bot.Deps{
		Registry:  a.reg,
		Query:     s.client,
		EverAlive: s.sup.EverAlive,
		Username:  a.cfg.Messenger.Username,
		Log:       a.log,
	})
	if err != nil {
		return err
	}
	if err := conn.Serve(ctx, b.Dispatch); err != nil {
		return err
	}
	a.notifyAdmin(ctx, fmt.Sprintf("Bot started successfully as %s.", a.cfg.Messenger.Username))

	done := make(chan error, 1)
	go func() { done <- s.sup.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-conn.Done():
		cancel()
		<-done
		return messenger.ErrDisconnected
	}
}

func (a *App) newSession(conn *messenger.Conn, spec process.Spec) (*session, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	nc := a.cfg.Node
	client := node.New(nc.RPCURL,
		node.WithLogger(a.log),
		node.WithHTTPClient(&http.Client{Timeout: queryTimeout(nc.QueryTimeout)}),
	)
	proc := process.New(spec, a.log)
	pipe := notify.New(a.reg, client, conn,
		notify.WithAdmin(a.admin),
		notify.WithHistory(a.history),
		notify.WithLogger(a.log),
		notify.WithConfig(a.cfg.Pipeline.Config),
	)
	sampler := metrics.NewSampler(spec.Name, func() int { return proc.Snapshot().PID }, a.log)

	var callbacks []supervisor.Callback
	if a.cfg.Pipeline.Enabled {
		callbacks = append(callbacks, pipe.Tick)
	}
	callbacks = append(callbacks, sampler.Collect)

	sup := supervisor.New(proc, client.Alive,
		supervisor.WithName(spec.Name),
		supervisor.WithInterval(nc.PollInterval),
		supervisor.WithCooldown(nc.Cooldown),
		supervisor.WithProbeTimeout(nc.ProbeTimeout),
		supervisor.WithShutdownGrace(nc.ShutdownGrace),
		supervisor.WithCallbacks(callbacks...),
		supervisor.WithDisconnectHook(func(ctx context.Context) { a.notifyAdmin(ctx, msgNodeLost) }),
		supervisor.WithObserver(a.observe(spec.Name)),
		supervisor.WithLogger(a.log),
	)
	return &session{conn: conn, client: client, proc: proc, sup: sup, pipe: pipe, usage: sampler}, nil
}

func queryTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return node.DefaultTimeout
	}
	return d
}

func (a *App) observe(name string) func(supervisor.Transition) {
	return func(tr supervisor.Transition) {
		a.history.Record(context.Background(), history.Event{
			Type:       history.EventTransition,
			OccurredAt: tr.At,
			Name:       name,
			State:      tr.To.String(),
			OK:         tr.To == supervisor.StateLive,
			Detail:     "from " + tr.From.String(),
		})
	}
}

func (a *App) notifyAdmin(ctx context.Context, text string) {
	err := a.admin.Notify(ctx, text)
	metrics.IncNotification("admin", err == nil)
	if err != nil {
		a.log.Warn("admin notification failed", "error", err)
	}
}

func (a *App) close() {
	if err := a.history.Close(); err != nil {
		a.log.Warn("closing history failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing registry store failed", "error", err)
	}
}
