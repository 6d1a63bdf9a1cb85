package registry

import (
	"context"
	"sync"
	"time"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/log"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/runtime"
	"github.com/roost-run/roost/pkg/types"
)

// Entry is the node-local record for one tool instance. It is a cache
// of what the agent last observed, not a source of truth: it can be
// rebuilt from the runtime at any time and is allowed to be absent
// even for an instance that is running.
type Entry struct {
	InstanceName string
	InstanceID   string
	ContainerRef string
	// Spec is the snapshot used at creation time. After a rehydrate it
	// holds only the label-recoverable fields.
	Spec        types.ToolInstanceSpec
	ActualState types.ActualState
	LastError   string
	// AppliedVersion is the highest spec version this node has acted
	// on. A rehydrate recovers it from the container's spec-version
	// label; zero means unknown provenance and admits any version.
	AppliedVersion   int64
	LastTransitionAt time.Time
}

// Registry is the in-memory table mapping instance names to entries.
// Reads are concurrent; all mutations for a given instance name are
// expected to happen under the name's lock (see LockName).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		locks:   make(map[string]*sync.Mutex),
	}
}

// LockName serializes lifecycle operations for one instance name and
// returns the unlock func. Operations on different names proceed in
// parallel; overlapping deploy/start/stop calls for the same name
// queue here so the registry cannot diverge from the runtime.
func (r *Registry) LockName(name string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// Get returns a copy of the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Upsert stores the entry, stamping the transition time.
func (r *Registry) Upsert(e Entry) {
	e.LastTransitionAt = time.Now()

	r.mu.Lock()
	r.entries[e.InstanceName] = &e
	r.mu.Unlock()
}

// Delete removes the entry for name.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
}

// ListAll returns a copy of every entry.
func (r *Registry) ListAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Rehydrate rebuilds the registry from the runtime's live listing.
// Called on agent startup: after a crash the registry is empty even
// though containers are still running, and this turns that from a
// correctness problem into a startup cost. Existing entries for
// discovered names are overwritten with observed state; entries are
// never invented for containers the engine does not report.
func (r *Registry) Rehydrate(ctx context.Context, rt runtime.Runtime) (int, error) {
	containers, err := rt.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	logger := log.WithComponent("registry")
	count := 0
	for _, c := range containers {
		if c.InstanceName == "" {
			logger.Warn().Str("ref", c.Ref).Msg("managed container missing instance-name label, skipping")
			continue
		}

		obs, err := rt.Inspect(ctx, c.Ref)
		if err != nil {
			logger.Warn().Err(err).Str("ref", c.Ref).Msg("inspect during rehydrate failed")
			obs = runtime.Observation{State: types.StateUnknown}
		}

		r.Upsert(Entry{
			InstanceName: c.InstanceName,
			InstanceID:   c.InstanceID,
			ContainerRef: c.Ref,
			Spec: types.ToolInstanceSpec{
				InstanceID:   c.InstanceID,
				InstanceName: c.InstanceName,
				Version:      c.SpecVersion,
			},
			ActualState:    obs.State,
			LastError:      obs.Error,
			AppliedVersion: c.SpecVersion,
		})
		count++
	}

	metrics.RegistryRehydrations.Inc()
	logger.Info().Int("entries", count).Msg("registry rehydrated from runtime")
	return count, nil
}

// RehydrateOne looks up a single instance in the runtime and, when
// found, reconstructs its entry. This is the fallback every negative
// cache lookup takes before reporting not-found: a tracking-table miss
// must never be mistaken for a missing container.
func (r *Registry) RehydrateOne(ctx context.Context, rt runtime.Runtime, name string) (Entry, error) {
	c, err := rt.LookupByName(ctx, name)
	if err != nil {
		return Entry{}, err
	}

	obs, err := rt.Inspect(ctx, c.Ref)
	if err != nil {
		obs = runtime.Observation{State: types.StateUnknown}
	}
	if obs.State == types.StateMissing {
		// Raced with a remove between lookup and inspect.
		return Entry{}, errdefs.NotFoundf("instance %q vanished during rehydrate", name)
	}

	e := Entry{
		InstanceName: c.InstanceName,
		InstanceID:   c.InstanceID,
		ContainerRef: c.Ref,
		Spec: types.ToolInstanceSpec{
			InstanceID:   c.InstanceID,
			InstanceName: c.InstanceName,
			Version:      c.SpecVersion,
		},
		ActualState:    obs.State,
		LastError:      obs.Error,
		AppliedVersion: c.SpecVersion,
	}
	r.Upsert(e)
	return e, nil
}
