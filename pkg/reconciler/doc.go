// Package reconciler runs the controller's periodic convergence loop.
// Each cycle compares the stored desired specs against what the node
// agents report and issues corrective deploy, start, stop, or remove
// calls, with bounded retries per item.
package reconciler
