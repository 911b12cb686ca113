// Package workflow describes workflows as immutable graphs of steps.
//
// A Graph is pure data: each Step names the worker type it needs, the
// operation to run, its parameters, the steps it depends on, a timeout and
// a retry budget. Validate rejects dangling dependencies and cycles
// (self-dependencies included) before anything executes. A Catalog holds
// the named graphs loaded from configuration.
package workflow
