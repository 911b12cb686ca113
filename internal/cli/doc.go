// Package cli turns the agentgrid command line into an app.Config. It owns
// flag parsing, usage output and the exit codes used for bad input.
package cli
