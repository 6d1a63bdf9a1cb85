/*
Package metrics exposes Roost's Prometheus metrics and component health.

The reconciler records cycle counts, cycle duration, and corrective
actions by verb and outcome; the agent records API request counts and
durations plus raw engine call outcomes. HealthHandler serves the
aggregated component health for the controller's ops listener.
*/
package metrics
