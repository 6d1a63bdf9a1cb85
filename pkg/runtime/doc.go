/*
Package runtime wraps the local container engine behind a single
Runtime interface and provides containerd and docker adapters.

The adapter is the ground truth for "what is actually running". Two
properties make the rest of the system recoverable:

  - Every managed container carries the roost labels, so ListManaged
    and LookupByName can reconstruct the node's instance set with no
    external bookkeeping.
  - Create keys on the derived container name (roost-<instance_name>)
    and adopts an existing container instead of erroring, so retried
    deploys converge on one container per instance name.

Raw engine errors are classified here, once, into the errdefs taxonomy:
timeouts and engine-busy conditions are transient, bad images and
invalid specs permanent. Every call runs under a bounded timeout; a
hung engine surfaces as a transient failure rather than a stuck agent.
*/
package runtime
