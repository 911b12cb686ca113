package pool

import (
	"context"
)

// Provisioner boots, reconfigures and destroys workers of one WorkerType.
type Provisioner interface {
	// Create boots a new worker and returns its session handle.
	Create(ctx context.Context, t WorkerType) (any, error)
	// Configure prepares an existing worker for the given task label.
	Configure(ctx context.Context, w *Worker, label string) error
	// Destroy releases everything the worker holds.
	Destroy(ctx context.Context, w *Worker) error
}

// Pauser is implemented by provisioners that can suspend a worker without
// losing its session.
type Pauser interface {
	Pause(ctx context.Context, w *Worker) error
	Resume(ctx context.Context, w *Worker) error
}

// ProvisionerSource resolves the provisioner for a worker type.
type ProvisionerSource interface {
	Provisioner(t WorkerType) (Provisioner, bool)
}

// NopProvisioner creates workers with no session and no cost. It backs
// worker types nobody registered a provisioner for.
type NopProvisioner struct{}

func (NopProvisioner) Create(context.Context, WorkerType) (any, error) { return nil, nil }

func (NopProvisioner) Configure(context.Context, *Worker, string) error { return nil }

func (NopProvisioner) Destroy(context.Context, *Worker) error { return nil }
