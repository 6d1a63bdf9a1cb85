/*
Package types defines the core data model shared across Roost components.

Three records matter:

  - ToolInstanceSpec: desired state, owned by the control plane,
    persisted durably, versioned monotonically.
  - ToolInstanceStatus: actual state, reported by a node, mirrored
    durably for observability only.
  - Node: a worker host entry (agent address + bearer token).

The label constants and ContainerNameFor tie the model to the container
engine: every managed container carries the instance name and ID as
labels, so a node can rebuild its tracking table from the engine's live
listing after a restart.
*/
package types
