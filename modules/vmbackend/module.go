// Package vmbackend provisions simulated virtual machines for the VM worker
// types. Boot, configuration and cleanup take a fixed simulated time; a VM
// can be paused and resumed without losing its session.
package vmbackend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// VM worker types.
const (
	GPUAccelerated      pool.WorkerType = "gpu-accelerated"
	HighMemory          pool.WorkerType = "high-memory"
	ComplianceCertified pool.WorkerType = "compliance-certified"
	NFTMinter           pool.WorkerType = "nft-minter"
	TreasuryOptimizer   pool.WorkerType = "treasury-optimizer"
)

// Types lists every VM worker type this backend provisions.
var Types = []pool.WorkerType{GPUAccelerated, HighMemory, ComplianceCertified, NFTMinter, TreasuryOptimizer}

// Default simulated timings.
const (
	DefaultBootTime      = 100 * time.Millisecond
	DefaultConfigureTime = 50 * time.Millisecond
	DefaultCleanupTime   = 20 * time.Millisecond
)

// ErrVMPaused is returned when a paused VM is asked to do work.
var ErrVMPaused = errors.New("vm is paused")

// VM is the session attached to every worker this backend creates.
type VM struct {
	Type pool.WorkerType

	mu         sync.Mutex
	task       string
	paused     bool
	configured int
}

// Task returns the label the VM was last configured for.
func (v *VM) Task() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.task
}

// Configured reports how many times the VM was configured for a task.
func (v *VM) Configured() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.configured
}

// Paused reports whether the VM is suspended.
func (v *VM) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

// Provisioner simulates the lifecycle of one VM type.
type Provisioner struct {
	BootTime      time.Duration
	ConfigureTime time.Duration
	CleanupTime   time.Duration
}

// NewProvisioner returns a provisioner with the default timings.
func NewProvisioner() *Provisioner {
	return &Provisioner{
		BootTime:      DefaultBootTime,
		ConfigureTime: DefaultConfigureTime,
		CleanupTime:   DefaultCleanupTime,
	}
}

func (p *Provisioner) Create(ctx context.Context, t pool.WorkerType) (any, error) {
	if err := sleep(ctx, p.BootTime); err != nil {
		return nil, fmt.Errorf("booting %s vm: %w", t, err)
	}
	ctxlog.FromContext(ctx).Debug("VM booted.", "worker_type", t)
	return &VM{Type: t}, nil
}

func (p *Provisioner) Configure(ctx context.Context, w *pool.Worker, label string) error {
	vm, err := session(w)
	if err != nil {
		return err
	}
	if err := sleep(ctx, p.ConfigureTime); err != nil {
		return fmt.Errorf("configuring vm %s: %w", w.ID, err)
	}
	vm.mu.Lock()
	vm.task = label
	vm.configured++
	vm.mu.Unlock()
	return nil
}

func (p *Provisioner) Destroy(ctx context.Context, w *pool.Worker) error {
	if err := sleep(ctx, p.CleanupTime); err != nil {
		return fmt.Errorf("cleaning up vm %s: %w", w.ID, err)
	}
	return nil
}

func (p *Provisioner) Pause(_ context.Context, w *pool.Worker) error {
	vm, err := session(w)
	if err != nil {
		return err
	}
	vm.mu.Lock()
	vm.paused = true
	vm.mu.Unlock()
	return nil
}

func (p *Provisioner) Resume(ctx context.Context, w *pool.Worker) error {
	vm, err := session(w)
	if err != nil {
		return err
	}
	if err := sleep(ctx, p.ConfigureTime); err != nil {
		return fmt.Errorf("resuming vm %s: %w", w.ID, err)
	}
	vm.mu.Lock()
	vm.paused = false
	vm.mu.Unlock()
	return nil
}

// Session returns the VM behind w, failing when w holds no VM or the VM is
// paused. Handlers use it before doing work.
func Session(w *pool.Worker) (*VM, error) {
	vm, err := session(w)
	if err != nil {
		return nil, err
	}
	if vm.Paused() {
		return nil, fmt.Errorf("worker %s: %w", w.ID, ErrVMPaused)
	}
	return vm, nil
}

func session(w *pool.Worker) (*VM, error) {
	if w == nil {
		return nil, errors.New("no worker")
	}
	vm, ok := w.Session.(*VM)
	if !ok {
		return nil, fmt.Errorf("worker %s has no vm session", w.ID)
	}
	return vm, nil
}

func sleep(ctx context.Context, d time.Duration) error {
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

// Module registers a provisioner for every VM type.
type Module struct {
	// Provisioner overrides the default timings when set.
	Provisioner *Provisioner
}

// Register implements registry.Module.
func (m *Module) Register(r *registry.Registry) {
	p := m.Provisioner
	if p == nil {
		p = NewProvisioner()
	}
	for _, t := range Types {
		r.RegisterProvisioner(t, p)
	}
}
