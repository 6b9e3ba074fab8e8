package client

import "time"

// NodeStatus mirrors the supervisor view of the monitored node
type NodeStatus struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	ProcessRunning bool      `json:"process_running"`
	Healthy        bool      `json:"healthy"`
	EverAlive      bool      `json:"ever_alive"`
	LastAlive      time.Time `json:"last_alive"`
	PID            int       `json:"pid"`
	Starts         int       `json:"starts"`
	Failures       int       `json:"failures"`
}

// Resources is the latest resource sample of the node process
type Resources struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// RegistryStats summarises the watch registry
type RegistryStats struct {
	Subjects    int `json:"subjects"`
	Subscribers int `json:"subscribers"`
	Pairs       int `json:"pairs"`
}

// Status is the answer of GET /status. Node is nil while no session runs,
// Resources until the node has been sampled.
type Status struct {
	Node            *NodeStatus   `json:"node"`
	Resources       *Resources    `json:"resources,omitempty"`
	PipelineStarted bool          `json:"pipeline_started"`
	Registry        RegistryStats `json:"registry"`
	Uptime          string        `json:"uptime"`
}

// Watch is one (address, subscriber) pair
type Watch struct {
	Address    string `json:"address"`
	User       int64  `json:"user"`
	OnFailure  bool   `json:"on_failure"`
	OnRecovery bool   `json:"on_recovery"`
}

// Subscription is one subscriber of a watched address
type Subscription struct {
	Subscriber int64 `json:"subscriber"`
	OnFailure  bool  `json:"on_failure"`
	OnRecovery bool  `json:"on_recovery"`
}

// Watched is the state of one watched address
type Watched struct {
	Subject       string         `json:"subject"`
	Subscriptions []Subscription `json:"subscriptions"`
	LastNotified  time.Time      `json:"last_notified"`
	Degraded      bool           `json:"degraded"`
}

// Page is one page of a subscriber's watched addresses
type Page struct {
	Subscriber int64     `json:"subscriber"`
	Page       int       `json:"page"`
	Pages      int       `json:"pages"`
	Watches    []Watched `json:"watches"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
