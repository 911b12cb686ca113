package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/vk/agentgrid/internal/pool"
)

// ErrInjected is the error FakeProvisioner returns for injected failures.
var ErrInjected = errors.New("injected provisioner failure")

// FakeProvisioner counts lifecycle calls and fails the first FailCreates
// calls to Create. It also implements pool.Pauser.
type FakeProvisioner struct {
	FailCreates int32

	Creates    atomic.Int32
	Configures atomic.Int32
	Destroys   atomic.Int32
	Pauses     atomic.Int32
	Resumes    atomic.Int32

	mu     sync.Mutex
	labels []string
}

func (p *FakeProvisioner) Create(context.Context, pool.WorkerType) (any, error) {
	if p.Creates.Add(1) <= p.FailCreates {
		return nil, ErrInjected
	}
	return nil, nil
}

func (p *FakeProvisioner) Configure(_ context.Context, _ *pool.Worker, label string) error {
	p.Configures.Add(1)
	p.mu.Lock()
	p.labels = append(p.labels, label)
	p.mu.Unlock()
	return nil
}

func (p *FakeProvisioner) Destroy(context.Context, *pool.Worker) error {
	p.Destroys.Add(1)
	return nil
}

func (p *FakeProvisioner) Pause(context.Context, *pool.Worker) error {
	p.Pauses.Add(1)
	return nil
}

func (p *FakeProvisioner) Resume(context.Context, *pool.Worker) error {
	p.Resumes.Add(1)
	return nil
}

// Labels returns the labels passed to Configure, in call order.
func (p *FakeProvisioner) Labels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.labels...)
}
