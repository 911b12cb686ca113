package payments

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/registry"
)

const defaultAmount = 1000

var highRiskDestinations = map[string]bool{
	"high_risk": true,
	"unknown":   true,
}

var sanctionedDestinations = map[string]bool{
	"north korea": true,
	"iran":        true,
	"syria":       true,
}

var knownCurrencies = []string{"USD", "EUR", "GBP", "PHP", "MXN", "INR", "USDC", "SOL"}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// amount prefers the step parameter, then an upstream value.
func amount(req *registry.Request) float64 {
	return req.Number("amount", upstreamNumber(req, "amount", defaultAmount))
}

func destination(req *registry.Request) string {
	return req.String("destination", upstreamString(req, "destination", ""))
}

func coordinate(req *registry.Request) (map[string]any, error) {
	amt := amount(req)
	if amt <= 0 {
		return nil, fault.New(fault.KindGraphInvalid, "amount must be positive, got %v", amt)
	}
	return map[string]any{
		"payment_id":  req.RunID,
		"amount":      amt,
		"from":        req.String("from", "USD"),
		"to":          req.String("to", "PHP"),
		"destination": destination(req),
		"user":        req.String("user", "anonymous"),
		"plan":        []string{"assess_risk", "route_payment", "check_compliance", "settle"},
	}, nil
}

func assessRisk(req *registry.Request) (map[string]any, error) {
	amt := amount(req)
	score := 0.3
	if amt > 50000 {
		score += 0.2
	}
	if highRiskDestinations[strings.ToLower(destination(req))] {
		score += 0.3
	}
	if upstreamBool(req, "escalate", req.Bool("escalate", false)) {
		score += 0.3
	}
	score = round(math.Min(score, 1), 2)

	level := "high"
	switch {
	case score < 0.5:
		level = "low"
	case score < 0.8:
		level = "medium"
	}
	return map[string]any{
		"risk_score":             score,
		"risk_level":             level,
		"fraud_detection_needed": score > 0.5,
		"compliance_requirements": []string{
			"kyc_verification",
			"aml_screening",
			"transaction_monitoring",
		},
	}, nil
}

func routePayment(req *registry.Request) (map[string]any, error) {
	amt := amount(req)
	route := "Jupiter"
	if amt >= 10000 {
		route = "Raydium -> Jupiter -> Meteora"
	}
	return map[string]any{
		"route":          route,
		"estimated_cost": round(amt*0.003, 4),
		"slippage":       0.12,
	}, nil
}

func checkCompliance(req *registry.Request) (map[string]any, error) {
	dest := strings.ToLower(destination(req))
	sanctionsClear := !sanctionedDestinations[dest]
	kyc := req.Bool("kyc_verified", true)
	return map[string]any{
		"approved":           sanctionsClear && kyc,
		"sanctions_clear":    sanctionsClear,
		"kyc_verified":       kyc,
		"frameworks_checked": []string{"MiCA", "FATF", "OFAC"},
	}, nil
}

// settle refuses payments that failed compliance, were flagged as fraud or
// scored high risk. A refusal is a result, not an error, so it is never
// retried.
func settle(req *registry.Request) (map[string]any, error) {
	risk := upstreamNumber(req, "risk_score", 0.3)
	if !upstreamBool(req, "approved", true) {
		return map[string]any{"success": false, "status": "rejected", "reason": "compliance check failed"}, nil
	}
	if upstreamBool(req, "flagged", false) {
		return map[string]any{"success": false, "status": "rejected", "reason": "flagged as fraud"}, nil
	}
	if risk > 0.8 {
		return map[string]any{"success": false, "status": "rejected", "reason": "high risk transaction"}, nil
	}

	amt := amount(req)
	burn := round(math.Max(0.001, amt*0.0001)*(1+risk*2), 4)
	return map[string]any{
		"success":    true,
		"status":     "settled",
		"tx_hash":    "0x" + strings.ReplaceAll(req.RunID, "-", ""),
		"amount":     amt,
		"burned":     burn,
		"route_used": upstreamString(req, "route", "direct"),
		"risk_score": risk,
	}, nil
}

// transcribeSpeech extracts an amount, a currency and a destination from a
// transcript such as "send 250 USD to Philippines".
func transcribeSpeech(req *registry.Request) (map[string]any, error) {
	transcript := strings.TrimSpace(req.String("transcript", ""))
	if transcript == "" {
		return nil, fault.New(fault.KindGraphInvalid, "transcript is required")
	}

	out := map[string]any{
		"transcript": transcript,
		"confidence": 0.95,
	}
	words := strings.Fields(transcript)
	for i, word := range words {
		clean := strings.Trim(word, ".,!?$")
		if _, ok := out["amount"]; !ok {
			if n, err := strconv.ParseFloat(strings.ReplaceAll(clean, ",", ""), 64); err == nil {
				out["amount"] = n
				continue
			}
		}
		for _, c := range knownCurrencies {
			if strings.EqualFold(clean, c) {
				out["currency"] = c
			}
		}
		if strings.EqualFold(clean, "to") && i+1 < len(words) {
			out["destination"] = strings.Trim(strings.Join(words[i+1:], " "), ".,!?")
			break
		}
	}
	return out, nil
}

func analyzeQuery(req *registry.Request) (map[string]any, error) {
	query := req.String("query", upstreamString(req, "transcript", ""))
	q := strings.ToLower(query)

	intent := "general"
	switch {
	case containsAny(q, "fraud", "stolen", "unauthorized"):
		intent = "fraud_report"
	case containsAny(q, "refund", "failed", "stuck", "missing"):
		intent = "transaction_issue"
	case containsAny(q, "send", "pay", "transfer"):
		intent = "payment"
	}
	sentiment := "neutral"
	if containsAny(q, "angry", "frustrat", "terrible", "worst") {
		sentiment = "negative"
	}
	return map[string]any{
		"query":     query,
		"intent":    intent,
		"sentiment": sentiment,
	}, nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func detectFraud(req *registry.Request) (map[string]any, error) {
	amt := amount(req)
	p := 0.05
	if amt > 10000 {
		p += 0.15
	}
	if amt > 50000 {
		p += 0.2
	}
	if req.Bool("new_account", false) {
		p += 0.3
	}
	if highRiskDestinations[strings.ToLower(destination(req))] {
		p += 0.2
	}
	p = round(math.Min(p, 1), 2)
	return map[string]any{
		"fraud_probability": p,
		"flagged":           p >= 0.5,
	}, nil
}

func deepAnalysis(req *registry.Request) (map[string]any, error) {
	p := upstreamNumber(req, "fraud_probability", 0)
	threshold := req.Number("threshold", 0.3)
	escalate := p >= threshold

	findings := []string{"velocity_check", "device_fingerprint"}
	if escalate {
		findings = append(findings, "manual_review")
	}
	return map[string]any{
		"fraud_probability": p,
		"threshold":         threshold,
		"escalate":          escalate,
		"findings":          findings,
	}, nil
}

func checkTransactionStatus(req *registry.Request) (map[string]any, error) {
	status, confirmations := "confirmed", 12
	if upstreamString(req, "intent", "general") == "transaction_issue" {
		status, confirmations = "delayed", 0
	}
	return map[string]any{
		"transaction_id":     req.String("transaction_id", ""),
		"status":             status,
		"confirmations":      confirmations,
		"needs_compensation": status == "delayed",
	}, nil
}

func mintNFT(req *registry.Request) (map[string]any, error) {
	user := req.String("user", "anonymous")
	tier := req.String("tier", "gold")
	reason := "loyalty"
	if upstreamBool(req, "needs_compensation", false) {
		reason = "compensation"
	}
	short := strings.ReplaceAll(req.RunID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	return map[string]any{
		"token_id": fmt.Sprintf("%s-%s-%s", tier, user, short),
		"user":     user,
		"tier":     tier,
		"reason":   reason,
	}, nil
}

func optimizeTreasury(req *registry.Request) (map[string]any, error) {
	total := req.Number("treasury_total", 1_000_000)
	if total < 0 {
		return nil, fault.New(fault.KindGraphInvalid, "treasury_total must not be negative, got %v", total)
	}
	return map[string]any{
		"rebalanced": true,
		"allocations": map[string]any{
			"stablecoins": round(total*0.6, 2),
			"liquidity":   round(total*0.3, 2),
			"reserve":     round(total*0.1, 2),
		},
	}, nil
}
