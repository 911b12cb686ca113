// Package hcl loads the workflow catalog from HCL files into the
// format-agnostic config.Model.
//
// A catalog file holds any number of workflow blocks:
//
//	workflow "payment_processing" {
//	  description = "Route, screen and settle a payment."
//
//	  step "risk" {
//	    worker_type = "high-memory"
//	    operation   = "assess_risk"
//	    timeout     = "10s"
//	    max_retries = 2
//	    parameters  = { amount = 120.5, currency = "USD" }
//	  }
//
//	  step "settle" {
//	    worker_type = "treasury-optimizer"
//	    operation   = "settle"
//	    depends_on  = ["risk"]
//	  }
//	}
//
// Attribute expressions may read the process environment through env, e.g.
// env.PAYMENTS_CALLBACK_URL.
package hcl
