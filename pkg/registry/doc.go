// Package registry tracks the tool instances a node believes it owns.
// The runtime engine remains the ground truth; the registry is a cache
// that speeds up lookups and is rebuilt from container labels after an
// agent restart.
package registry
