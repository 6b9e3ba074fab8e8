package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/massawatch/internal/metrics"
	"github.com/loykin/massawatch/internal/registry"
	"github.com/loykin/massawatch/internal/supervisor"
)

// DefaultPageSize matches the page size of the status command.
const DefaultPageSize = 5

// Session exposes the state of the running session. Node reports false
// while no session is active.
type Session interface {
	Node() (supervisor.Snapshot, bool)
	PipelineStarted() bool
}

// ResourceReporter is implemented by sessions that sample the node's
// resource usage. /status includes the latest sample when one exists.
type ResourceReporter interface {
	Resources() (metrics.ProcessMetrics, bool)
}

// Router provides embeddable read-only HTTP handlers.
// Endpoints:
//
//	GET {basePath}/healthz
//	GET {basePath}/status
//	GET {basePath}/watches
//	GET {basePath}/watches/:subscriber   query: page=1&size=5
//	GET {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	reg      *registry.Registry
	session  Session
	basePath string
	started  time.Time
}

// NewRouter constructs a Router. session may be nil.
func NewRouter(reg *registry.Registry, session Session, basePath string) *Router {
	return &Router{reg: reg, session: session, basePath: sanitizeBase(basePath), started: time.Now()}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealth)
	group.GET("/status", r.handleStatus)
	group.GET("/watches", r.handleWatches)
	group.GET("/watches/:subscriber", r.handleSubscriber)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Close the returned server to stop it.
func NewServer(addr, basePath string, reg *registry.Registry, session Session) (*http.Server, error) {
	r := NewRouter(reg, session, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type statusResp struct {
	Node            *supervisor.Snapshot    `json:"node"`
	Resources       *metrics.ProcessMetrics `json:"resources,omitempty"`
	PipelineStarted bool                    `json:"pipeline_started"`
	Registry        registry.Stats          `json:"registry"`
	Uptime          string                  `json:"uptime"`
}

type pageResp struct {
	Subscriber int64              `json:"subscriber"`
	Page       int                `json:"page"`
	Pages      int                `json:"pages"`
	Watches    []registry.Watched `json:"watches"`
}

func (r *Router) handleHealth(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := statusResp{
		Registry: r.reg.Stats(),
		Uptime:   time.Since(r.started).Truncate(time.Second).String(),
	}
	if r.session != nil {
		if snap, ok := r.session.Node(); ok {
			resp.Node = &snap
		}
		resp.PipelineStarted = r.session.PipelineStarted()
		if rr, ok := r.session.(ResourceReporter); ok {
			if m, ok := rr.Resources(); ok {
				resp.Resources = &m
			}
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleWatches(c *gin.Context) {
	rows := r.reg.Rows()
	if rows == nil {
		rows = []registry.Row{}
	}
	writeJSON(c, http.StatusOK, rows)
}

func (r *Router) handleSubscriber(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("subscriber"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid subscriber id"})
		return
	}
	page, ok := positiveQuery(c, "page", 1)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "page must be a positive integer"})
		return
	}
	size, ok := positiveQuery(c, "size", DefaultPageSize)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "size must be a positive integer"})
		return
	}
	subjects, pages := r.reg.Page(id, page-1, size)
	if pages > 0 && page > pages {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "there are only " + strconv.Itoa(pages) + " pages"})
		return
	}
	resp := pageResp{Subscriber: id, Page: page, Pages: pages, Watches: make([]registry.Watched, 0, len(subjects))}
	for _, s := range subjects {
		if w, ok := r.reg.Get(s); ok {
			resp.Watches = append(resp.Watches, w)
		}
	}
	writeJSON(c, http.StatusOK, resp)
}
