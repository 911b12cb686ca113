// Package config defines the format-agnostic model of the workflow catalog,
// along with the Loader interface implemented by concrete formats.
//
// The `config.Model` is the single source of truth for building
// workflow graphs. Concrete implementations of the interface, such as for
// HCL, are provided in separate packages.
package config
