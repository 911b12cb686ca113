// Package scheduler executes workflow graphs in dependency-ordered rounds.
//
// Each round collects every step whose dependencies have all succeeded and
// runs them concurrently, one pooled worker per step. A round finishes when
// all of its steps have finished; the next round is computed from the
// updated state. Failed attempts are retried in a later round while the
// step's retry budget lasts. Once a step fails for good, every step that
// depends on it, directly or transitively, is marked blocked and never runs.
//
// Runs are independent: one failing run never cancels another, and the
// only thing runs share is the worker pool.
package scheduler
