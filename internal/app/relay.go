package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/massawatch/internal/messenger"
)

const relayDialTimeout = 10 * time.Second

// relay delivers admin notifications through the current session's
// connection, or through a short-lived one when no session is connected.
type relay struct {
	cfg messenger.Config
	log *slog.Logger

	mu   sync.Mutex
	conn *messenger.Conn
}

func newRelay(cfg messenger.Config, log *slog.Logger) *relay {
	return &relay{cfg: cfg, log: log}
}

func (r *relay) attach(c *messenger.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
}

func (r *relay) Notify(ctx context.Context, text string) error {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil && c.Connected() {
		return c.Notify(ctx, text)
	}
	dctx, cancel := context.WithTimeout(ctx, relayDialTimeout)
	defer cancel()
	cfg := r.cfg
	cfg.MaxReconnects = 0
	conn, err := messenger.Connect(dctx, cfg, r.log)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return conn.Notify(dctx, text)
}
