// Package controlapi is the controller's admin HTTP API for writing
// desired specs and reading mirrored node statuses.
package controlapi
