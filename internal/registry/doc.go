// Package registry provides the central "glue" for the module system.
//
// The Registry maps a (worker type, operation) pair to the Go function that
// performs the operation, and a worker type to the Provisioner that boots
// and tears down its workers. Modules plug themselves in at startup through
// the Module interface; registering the same key twice is a programmer
// error and panics.
//
// Before a workflow runs, ValidateGraph checks that every step resolves to a
// registered handler, so a typo in a catalog file fails at submission time
// instead of halfway through a run.
package registry
