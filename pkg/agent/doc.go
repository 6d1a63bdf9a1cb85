// Package agent implements the node agent's HTTP API. Each worker
// node runs one agent next to its container engine; the agent is the
// sole writer to that engine and serializes lifecycle operations per
// instance name.
package agent
