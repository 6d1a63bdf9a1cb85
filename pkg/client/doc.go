// Package client is the HTTP client for the node agent API, used by
// the controller's reconciler and the CLI.
package client
