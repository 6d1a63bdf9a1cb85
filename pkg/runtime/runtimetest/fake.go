// Package runtimetest provides an in-memory Runtime implementation for
// tests. It honors the create-or-adopt contract and the state mapping
// of the real adapters so registry, agent, and reconciler tests can
// exercise crash/rehydrate scenarios without a container engine.
package runtimetest

import (
	"context"
	"sync"
	"time"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/runtime"
	"github.com/roost-run/roost/pkg/types"
)

type fakeContainer struct {
	ref          string
	instanceName string
	instanceID   string
	specVersion  int64
	state        types.ActualState
}

// Fake is an in-memory container engine.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer // keyed by ref

	// Injectable failures. When set, the corresponding call returns
	// the error without touching state.
	CreateErr  error
	StartErr   error
	StopErr    error
	RemoveErr  error
	InspectErr error
	ListErr    error
	PingErr    error

	// Call counters.
	CreateCalls int
	StartCalls  int
	StopCalls   int
	RemoveCalls int
	ListCalls   int
}

// NewFake returns an empty fake engine.
func NewFake() *Fake {
	return &Fake{containers: make(map[string]*fakeContainer)}
}

// Seed plants a container directly in the engine, bypassing Create.
// Tests use it to simulate containers that survived an agent restart.
func (f *Fake) Seed(instanceName, instanceID string, state types.ActualState) string {
	return f.SeedVersion(instanceName, instanceID, state, 0)
}

// SeedVersion is Seed with an explicit spec-version label value.
func (f *Fake) SeedVersion(instanceName, instanceID string, state types.ActualState, version int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := types.ContainerNameFor(instanceName)
	f.containers[ref] = &fakeContainer{
		ref:          ref,
		instanceName: instanceName,
		instanceID:   instanceID,
		specVersion:  version,
		state:        state,
	}
	return ref
}

// RemoveAll empties the engine, simulating out-of-band removal of
// every managed container.
func (f *Fake) RemoveAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers = make(map[string]*fakeContainer)
}

// Len returns the number of containers in the engine.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// StateOf returns the state of the container for an instance name, or
// StateMissing when no such container exists.
func (f *Fake) StateOf(instanceName string) types.ActualState {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[types.ContainerNameFor(instanceName)]
	if !ok {
		return types.StateMissing
	}
	return c.state
}

func (f *Fake) Create(_ context.Context, spec *types.ToolInstanceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CreateCalls++
	if f.CreateErr != nil {
		return "", f.CreateErr
	}

	ref := types.ContainerNameFor(spec.InstanceName)
	if existing, ok := f.containers[ref]; ok {
		return existing.ref, nil
	}

	f.containers[ref] = &fakeContainer{
		ref:          ref,
		instanceName: spec.InstanceName,
		instanceID:   spec.InstanceID,
		specVersion:  spec.Version,
		state:        types.StateStopped,
	}
	return ref, nil
}

func (f *Fake) Start(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StartCalls++
	if f.StartErr != nil {
		return f.StartErr
	}

	c, ok := f.containers[ref]
	if !ok {
		return errdefs.NotFoundf("no container %q", ref)
	}
	c.state = types.StateRunning
	return nil
}

func (f *Fake) Stop(_ context.Context, ref string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.StopCalls++
	if f.StopErr != nil {
		return f.StopErr
	}

	if c, ok := f.containers[ref]; ok {
		c.state = types.StateStopped
	}
	return nil
}

func (f *Fake) Remove(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RemoveCalls++
	if f.RemoveErr != nil {
		return f.RemoveErr
	}

	delete(f.containers, ref)
	return nil
}

func (f *Fake) Inspect(_ context.Context, ref string) (runtime.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.InspectErr != nil {
		return runtime.Observation{State: types.StateUnknown}, f.InspectErr
	}

	c, ok := f.containers[ref]
	if !ok {
		return runtime.Observation{State: types.StateMissing}, nil
	}
	return runtime.Observation{State: c.state}, nil
}

func (f *Fake) ListManaged(_ context.Context) ([]runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ListCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	out := make([]runtime.Container, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, runtime.Container{
			Ref:          c.ref,
			InstanceName: c.instanceName,
			InstanceID:   c.instanceID,
			SpecVersion:  c.specVersion,
			State:        c.state,
		})
	}
	return out, nil
}

func (f *Fake) LookupByName(_ context.Context, instanceName string) (runtime.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return runtime.Container{}, f.ListErr
	}

	c, ok := f.containers[types.ContainerNameFor(instanceName)]
	if !ok {
		return runtime.Container{}, errdefs.NotFoundf("no container for instance %q", instanceName)
	}
	return runtime.Container{
		Ref:          c.ref,
		InstanceName: c.instanceName,
		InstanceID:   c.instanceID,
		SpecVersion:  c.specVersion,
		State:        c.state,
	}, nil
}

func (f *Fake) Ping(_ context.Context) error {
	if f.PingErr != nil {
		return f.PingErr
	}
	return nil
}

func (f *Fake) Close() error { return nil }
