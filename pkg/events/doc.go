// Package events is the in-process feed of instance lifecycle and
// reconciliation occurrences. The agent publishes deploy/adopt/start/
// stop transitions; the controller publishes corrective actions with
// before/after state and a correlation id. Delivery is best-effort:
// a slow subscriber drops events rather than stalling the publisher.
package events
