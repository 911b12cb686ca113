package pool

import (
	"time"
)

// WorkerType identifies a class of ephemeral worker with a specific
// capability set, e.g. "gpu-accelerated" or "high-memory".
type WorkerType string

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusStandby    Status = "standby"
	StatusActive     Status = "active"
	StatusPaused     Status = "paused"
	StatusTerminated Status = "terminated"
)

// Outcome tells Release whether the lease ended cleanly.
type Outcome int

const (
	Failure Outcome = iota
	Success
)

func (o Outcome) String() string {
	if o == Success {
		return "success"
	}
	return "failure"
}

// Worker is one unit of ephemeral compute. Its mutable fields are owned by
// the Pool and guarded by the pool's mutex; handlers only read the
// identifying fields and Session.
type Worker struct {
	ID          string
	Type        WorkerType
	CreatedAt   time.Time
	IdleTimeout time.Duration

	// Session is whatever the provisioner attached on Create, e.g. a client
	// connection.
	Session any

	status   Status
	label    string
	leased   bool
	leaseSeq uint64
	busy     bool // pause or resume in progress
	lastUsed time.Time
}

// Info is a point-in-time copy of a worker's state.
type Info struct {
	ID        string     `json:"id"`
	Type      WorkerType `json:"type"`
	Status    Status     `json:"status"`
	Label     string     `json:"label,omitempty"`
	Leased    bool       `json:"leased"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  time.Time  `json:"last_used"`
}

func (w *Worker) info() Info {
	return Info{
		ID:        w.ID,
		Type:      w.Type,
		Status:    w.status,
		Label:     w.label,
		Leased:    w.leased,
		CreatedAt: w.CreatedAt,
		LastUsed:  w.lastUsed,
	}
}
