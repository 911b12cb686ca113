// Package socketio provides the "socketio" worker type. Each worker holds a
// connected socket.io client; the "request" operation emits an event and
// waits for a reply event on that connection.
package socketio

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// WorkerType is the worker type whose session is a connected *socket.Socket.
const WorkerType pool.WorkerType = "socketio"

const defaultConnectTimeout = 15 * time.Second

// Module implements the registry.Module interface for this package.
type Module struct {
	// URL of the socket.io server, e.g. "http://localhost:3000/socket.io/".
	// Workers cannot be created while it is empty.
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Register registers the connection provisioner and the request handler.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterProvisioner(WorkerType, &Provisioner{
		URL:                m.URL,
		Namespace:          m.Namespace,
		InsecureSkipVerify: m.InsecureSkipVerify,
		ConnectTimeout:     m.ConnectTimeout,
	})
	r.RegisterHandler(WorkerType, "request", &registry.RegisteredHandler{
		Description: "Emit a socket.io event and wait for the reply event.",
		Fn:          OnRunSocketIORequest,
	})
}

// Provisioner opens one socket.io connection per worker.
type Provisioner struct {
	URL                string
	Namespace          string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
}

// Create connects a new client and returns it once the server accepted it.
func (p *Provisioner) Create(ctx context.Context, _ pool.WorkerType) (any, error) {
	logger := ctxlog.FromContext(ctx).With("worker_type", WorkerType, "url", p.URL)
	if p.URL == "" {
		return nil, errors.New("socket.io url is not configured")
	}
	logger.Info("Creating new client instance...")

	parsedURL, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if p.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)

	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(p.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Successfully connected", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err := errors.New("connect_error")
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})

	io.Connect()

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
		return io, nil
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-timer.C:
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}
}

func (p *Provisioner) Configure(context.Context, *pool.Worker, string) error { return nil }

// Destroy disconnects the worker's client.
func (p *Provisioner) Destroy(ctx context.Context, w *pool.Worker) error {
	client, ok := w.Session.(*socket.Socket)
	if !ok {
		return nil
	}
	ctxlog.FromContext(ctx).Info("Destroying socket.io client instance", "sid", client.Id())
	client.Disconnect()
	return nil
}

// OnRunSocketIORequest emits "emit_event" with "emit_data" and waits for
// "on_event". The first argument of the reply becomes "response_data".
// A worker whose request failed is destroyed by the pool, which also drops
// the pending listener.
func OnRunSocketIORequest(ctx context.Context, w *pool.Worker, req *registry.Request) (any, error) {
	logger := ctxlog.FromContext(ctx)

	client, ok := w.Session.(*socket.Socket)
	if !ok || client == nil {
		return nil, errors.New("socket.io client dependency was not injected")
	}
	if !client.Connected() {
		return nil, fmt.Errorf("socket.io client %s is not connected", client.Id())
	}

	onEvent := req.String("on_event", "")
	emitEvent := req.String("emit_event", "")
	if onEvent == "" || emitEvent == "" {
		return nil, fault.New(fault.KindGraphInvalid, "parameters 'emit_event' and 'on_event' are required")
	}
	if s := req.String("timeout", ""); s != "" {
		timeout, err := time.ParseDuration(s)
		if err != nil {
			return nil, fault.Wrap(fault.KindGraphInvalid, err, "failed to parse timeout")
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger = logger.With("sid", client.Id())
	logger.Info("Executing request", "emitEvent", emitEvent, "onEvent", onEvent)

	done := make(chan any, 1)
	client.Once(types.EventName(onEvent), func(data ...any) {
		var responseData any
		if len(data) > 0 {
			responseData = data[0]
		}
		done <- responseData
	})

	data := req.Params["emit_data"]
	jsonData, _ := json.Marshal(data)
	logger.Debug("Emitting event", "event", emitEvent, "data", string(jsonData))
	client.Emit(emitEvent, data)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for event '%s': %w", onEvent, ctx.Err())
	case res := <-done:
		logger.Info("Successfully received response event", "event", onEvent)
		return map[string]any{"response_data": res}, nil
	}
}
