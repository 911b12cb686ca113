// Package payments registers the mocked payment, support and fraud
// operations that run on the simulated VM worker types. Results are
// deterministic functions of the step parameters and upstream outputs.
package payments

import (
	"context"
	"sort"
	"time"

	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/modules/vmbackend"
)

// Module implements the registry.Module interface for this package.
type Module struct {
	// SimulateLatency makes every operation take its VM type's typical
	// processing time.
	SimulateLatency bool
}

type operation struct {
	workerType  pool.WorkerType
	name        string
	description string
	fn          func(*registry.Request) (map[string]any, error)
}

var operations = []operation{
	{vmbackend.HighMemory, "coordinate", "Plan a payment and normalise its request.", coordinate},
	{vmbackend.GPUAccelerated, "assess_risk", "Score the risk of a payment.", assessRisk},
	{vmbackend.HighMemory, "route_payment", "Pick the cheapest liquidity route.", routePayment},
	{vmbackend.ComplianceCertified, "check_compliance", "Run sanctions and regulatory checks.", checkCompliance},
	{vmbackend.TreasuryOptimizer, "settle", "Settle a screened payment.", settle},
	{vmbackend.GPUAccelerated, "transcribe_speech", "Turn a voice command into a payment request.", transcribeSpeech},
	{vmbackend.HighMemory, "analyze_query", "Classify a support query.", analyzeQuery},
	{vmbackend.GPUAccelerated, "detect_fraud", "Estimate the fraud probability of a payment.", detectFraud},
	{vmbackend.HighMemory, "deep_analysis", "Investigate upstream fraud signals.", deepAnalysis},
	{vmbackend.TreasuryOptimizer, "check_transaction_status", "Look up the state of a transaction.", checkTransactionStatus},
	{vmbackend.NFTMinter, "mint_nft", "Mint a loyalty or compensation NFT.", mintNFT},
	{vmbackend.TreasuryOptimizer, "optimize_treasury", "Rebalance treasury allocations.", optimizeTreasury},
}

// latency is the simulated processing time per VM type.
var latency = map[pool.WorkerType]time.Duration{
	vmbackend.GPUAccelerated:      50 * time.Millisecond,
	vmbackend.HighMemory:          80 * time.Millisecond,
	vmbackend.ComplianceCertified: 60 * time.Millisecond,
	vmbackend.NFTMinter:           40 * time.Millisecond,
	vmbackend.TreasuryOptimizer:   70 * time.Millisecond,
}

// Register registers every operation with the registry.
func (m *Module) Register(r *registry.Registry) {
	for _, op := range operations {
		r.RegisterHandler(op.workerType, op.name, &registry.RegisteredHandler{
			Description: op.description,
			Fn:          m.handler(op),
		})
	}
}

// handler adapts op into a registry.Handler that checks the VM session,
// simulates processing time and tags the output with the VM id.
func (m *Module) handler(op operation) registry.Handler {
	return func(ctx context.Context, w *pool.Worker, req *registry.Request) (any, error) {
		if _, err := vmbackend.Session(w); err != nil {
			return nil, err
		}
		if m.SimulateLatency {
			t := time.NewTimer(latency[op.workerType])
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		out, err := op.fn(req)
		if err != nil {
			return nil, err
		}
		out["vm_id"] = w.ID
		return out, nil
	}
}

// upstream returns the first value stored under key by any dependency,
// scanning dependencies in step id order.
func upstream(req *registry.Request, key string) (any, bool) {
	ids := make([]string, 0, len(req.Upstream))
	for id := range req.Upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		out, ok := req.Upstream[id].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := out[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func upstreamNumber(req *registry.Request, key string, def float64) float64 {
	v, ok := upstream(req, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func upstreamString(req *registry.Request, key, def string) string {
	if v, ok := upstream(req, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func upstreamBool(req *registry.Request, key string, def bool) bool {
	if v, ok := upstream(req, key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
