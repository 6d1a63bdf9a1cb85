// Package storage persists the controller's desired tool-instance
// specs and mirrored node statuses in a local BoltDB file.
package storage
