// Package app wires an agentgrid process together. It owns the worker pool,
// the handler registry, the workflow scheduler and the dispatch queue, and
// drives their lifecycle, decoupled from any specific entrypoint like a CLI.
package app
