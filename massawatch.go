package massawatch

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/massawatch/internal/app"
	"github.com/loykin/massawatch/internal/config"
	"github.com/loykin/massawatch/internal/metrics"
	"github.com/loykin/massawatch/internal/node"
	"github.com/loykin/massawatch/internal/notify"
	"github.com/loykin/massawatch/internal/registry"
	rfactory "github.com/loykin/massawatch/internal/registry/factory"
	"github.com/loykin/massawatch/internal/supervisor"
)

// Version is set at build time with -ldflags "-X github.com/loykin/massawatch.Version=...".
var Version = "dev"

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Registry = registry.Registry

type Row = registry.Row

type Prefs = registry.Prefs

type Store = registry.Store

type NodeSnapshot = supervisor.Snapshot

type NodeResources = metrics.ProcessMetrics

type NodeClient = node.Client

type AddressInfo = node.AddressInfo

// Watcher is a thin facade over internal/app.App.
type Watcher struct{ inner *app.App }

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// NewLogger builds the application logger described by c.
func NewLogger(c *Config) *slog.Logger { return c.Logger().NewSlogger() }

func New(ctx context.Context, c *Config, log *slog.Logger) (*Watcher, error) {
	a, err := app.New(ctx, c, log)
	if err != nil {
		return nil, err
	}
	return &Watcher{inner: a}, nil
}

func (w *Watcher) Run(ctx context.Context) error     { return w.inner.Run(ctx) }
func (w *Watcher) Persist(ctx context.Context) error { return w.inner.Persist(ctx) }
func (w *Watcher) Registry() *Registry               { return w.inner.Registry() }
func (w *Watcher) Node() (NodeSnapshot, bool)        { return w.inner.Node() }
func (w *Watcher) PipelineStarted() bool             { return w.inner.PipelineStarted() }
func (w *Watcher) Resources() (NodeResources, bool)  { return w.inner.Resources() }

// Registry storage helpers.

func OpenStore(dsn string) (Store, error) { return rfactory.Open(dsn) }
func OpenRegistry(ctx context.Context, st Store) (*Registry, error) {
	return registry.Open(ctx, st)
}

// Node helpers.

// NewNodeClient returns a node API client whose HTTP calls give up after timeout.
func NewNodeClient(url string, timeout time.Duration) *NodeClient {
	return node.New(url, node.WithHTTPClient(&http.Client{Timeout: timeout}))
}

func Degraded(info AddressInfo) bool       { return notify.Degraded(info) }
func FormatStatus(info AddressInfo) string { return notify.FormatStatus(info) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
