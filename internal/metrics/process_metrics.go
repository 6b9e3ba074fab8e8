package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	nodeCPUPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "cpu_percent",
			Help:      "CPU usage of the supervised process.",
		}, []string{"name"},
	)
	nodeMemoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the supervised process.",
		}, []string{"name"},
	)
	nodeNumThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "threads",
			Help:      "Thread count of the supervised process.",
		}, []string{"name"},
	)
)

// ProcessMetrics holds CPU and memory figures for one process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler reads resource usage of the supervised process. It is meant to run
// as a LIVE callback, so it only samples while the node is healthy.
type Sampler struct {
	name string
	pid  func() int
	log  *slog.Logger

	mu     sync.Mutex
	handle *process.Process // kept across samples so CPU percent has a baseline
	last   *ProcessMetrics
}

// NewSampler creates a sampler for the process whose PID pid returns.
func NewSampler(name string, pid func() int, log *slog.Logger) *Sampler {
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{name: name, pid: pid, log: log}
}

// Sample reads the current figures and updates the gauges.
func (s *Sampler) Sample(ctx context.Context) (*ProcessMetrics, error) {
	pid := int32(s.pid())
	if pid <= 0 {
		return nil, errors.New("process not running")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.handle.Pid != pid {
		h, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.handle = h
	}
	cpu, err := s.handle.CPUPercentWithContext(ctx)
	if err != nil {
		s.log.Debug("Failed to get CPU percent", "name", s.name, "pid", pid, "error", err)
		cpu = 0
	}
	mem, err := s.handle.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := s.handle.NumThreadsWithContext(ctx)
	if err != nil {
		s.log.Debug("Failed to get thread count", "name", s.name, "pid", pid, "error", err)
		threads = 0
	}
	m := &ProcessMetrics{
		PID:        pid,
		Name:       s.name,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	s.last = m
	if regOK.Load() {
		nodeCPUPercent.WithLabelValues(s.name).Set(m.CPUPercent)
		nodeMemoryBytes.WithLabelValues(s.name).Set(float64(m.MemoryRSS))
		nodeNumThreads.WithLabelValues(s.name).Set(float64(m.NumThreads))
	}
	return m, nil
}

// Collect samples once and never fails; a sampling problem must not restart the node.
func (s *Sampler) Collect(ctx context.Context) error {
	if _, err := s.Sample(ctx); err != nil {
		s.log.Debug("node sample skipped", "name", s.name, "error", err)
	}
	return nil
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (ProcessMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return ProcessMetrics{}, false
	}
	return *s.last, true
}
