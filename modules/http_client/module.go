// Package http_client provides the "http" worker type. Each worker owns a
// pooled *http.Client; the "request" operation makes a single HTTP call
// with it.
package http_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// WorkerType is the worker type whose session is an *http.Client.
const WorkerType pool.WorkerType = "http"

const defaultTimeout = 30 * time.Second

// Module implements the registry.Module interface for this package.
type Module struct {
	// Timeout bounds every request made by a worker's client. Defaults to
	// 30s.
	Timeout time.Duration
}

// Register registers the client provisioner and the request handler.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterProvisioner(WorkerType, &Provisioner{Timeout: m.Timeout})
	r.RegisterHandler(WorkerType, "request", &registry.RegisteredHandler{
		Description: "Make an HTTP request and return its status and body.",
		Fn:          OnRunHttpRequest,
	})
}

// Provisioner gives every worker its own client and connection pool.
type Provisioner struct {
	Timeout time.Duration
}

// Create returns a live *http.Client that the worker keeps until destroyed.
func (p *Provisioner) Create(_ context.Context, _ pool.WorkerType) (any, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}, nil
}

func (p *Provisioner) Configure(context.Context, *pool.Worker, string) error { return nil }

// Destroy closes any idle connections the client holds.
func (p *Provisioner) Destroy(_ context.Context, w *pool.Worker) error {
	if client, ok := w.Session.(*http.Client); ok {
		client.CloseIdleConnections()
	}
	return nil
}

// OnRunHttpRequest performs the request described by the "url", "method",
// "body" and "headers" parameters. 5xx responses are returned as errors so
// the step is retried; other statuses are results.
func OnRunHttpRequest(ctx context.Context, w *pool.Worker, req *registry.Request) (any, error) {
	client, ok := w.Session.(*http.Client)
	if !ok || client == nil {
		return nil, fmt.Errorf("http client dependency was not injected")
	}
	url := req.String("url", "")
	if url == "" {
		return nil, fault.New(fault.KindGraphInvalid, "parameter 'url' is required")
	}
	method := strings.ToUpper(req.String("method", http.MethodGet))

	logger := ctxlog.FromContext(ctx)
	logger.Info("Making HTTP request", "method", method, "url", url)

	var body io.Reader
	if b := req.String("body", ""); b != "" {
		body = strings.NewReader(b)
	} else if v, ok := req.Params["json"]; ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fault.Wrap(fault.KindGraphInvalid, err, "parameter 'json' is not serializable")
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fault.Wrap(fault.KindGraphInvalid, err, "failed to create request")
	}
	if _, ok := req.Params["json"]; ok {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := req.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	logger.Info("Received HTTP response", "status", resp.Status)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("server error %s: %s", resp.Status, bytes.TrimSpace(bodyBytes))
	}

	out := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(bodyBytes),
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(bodyBytes, &decoded); err == nil {
			out["json"] = decoded
		}
	}
	return out, nil
}
