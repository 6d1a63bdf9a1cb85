package reconciler

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/pkg/agent"
	"github.com/roost-run/roost/pkg/client"
	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/registry"
	"github.com/roost-run/roost/pkg/retry"
	"github.com/roost-run/roost/pkg/runtime/runtimetest"
	"github.com/roost-run/roost/pkg/storage"
	"github.com/roost-run/roost/pkg/types"
)

// harness wires a real store, a real agent on a fake engine, and a
// reconciler talking to it over HTTP.
type harness struct {
	store *storage.BoltStore
	fake  *runtimetest.Fake
	rec   *Reconciler
}

func testConfig() Config {
	return Config{
		Interval:           time.Hour, // cycles driven manually
		FullSyncEvery:      1,
		MaxConcurrentNodes: 2,
		Retry:              retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		AbsentPurgeAfter:   time.Hour,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := runtimetest.NewFake()
	srv := agent.NewServer(agent.Config{NodeID: "node-1", Token: "tok"}, fake, registry.New(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	clients := map[string]NodeClient{
		"node-1": client.New(ts.URL, "tok"),
	}
	return &harness{
		store: store,
		fake:  fake,
		rec:   New(store, clients, nil, cfg),
	}
}

func putSpec(t *testing.T, store *storage.BoltStore, name string, desired types.DesiredState) *types.ToolInstanceSpec {
	return putSpecOn(t, store, name, desired, "node-1")
}

func putSpecOn(t *testing.T, store *storage.BoltStore, name string, desired types.DesiredState, nodeID string) *types.ToolInstanceSpec {
	t.Helper()
	spec := &types.ToolInstanceSpec{
		InstanceID:   "inst-" + name,
		InstanceName: name,
		Image:        "registry.example.com/tools/" + name + ":1.0",
		DesiredState: desired,
		NodeID:       nodeID,
	}
	current, err := store.GetSpec(name)
	var expected int64
	if err == nil {
		expected = current.Version
	}
	v, err := store.PutSpec(spec, expected)
	require.NoError(t, err)
	spec.Version = v
	return spec
}

func TestConvergesMissingToRunning(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)

	h.rec.Reconcile(context.Background())

	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))

	status, err := h.store.GetStatus("node-1", "pdf-renderer")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, status.ActualState)
}

func TestSecondCycleIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)

	h.rec.Reconcile(context.Background())
	creates, starts := h.fake.CreateCalls, h.fake.StartCalls
	h.rec.Reconcile(context.Background())

	assert.Equal(t, creates, h.fake.CreateCalls, "converged instance must not be re-deployed")
	assert.Equal(t, starts, h.fake.StartCalls)
}

func TestStopsWhenDesiredStopped(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.rec.Reconcile(context.Background())
	require.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))

	putSpec(t, h.store, "pdf-renderer", types.DesiredStopped)
	h.rec.Reconcile(context.Background())

	assert.Equal(t, types.StateStopped, h.fake.StateOf("pdf-renderer"))
}

func TestRestartsStoppedInstance(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.fake.Seed("pdf-renderer", "inst-pdf-renderer", types.StateStopped)

	h.rec.Reconcile(context.Background())

	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))
}

func TestRemovesWhenDesiredAbsent(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.rec.Reconcile(context.Background())
	require.Equal(t, 1, h.fake.Len())

	putSpec(t, h.store, "pdf-renderer", types.DesiredAbsent)
	h.rec.Reconcile(context.Background())

	assert.Equal(t, 0, h.fake.Len())
}

func TestAbsentSpecPurgedAfterWindow(t *testing.T) {
	cfg := testConfig()
	cfg.AbsentPurgeAfter = time.Millisecond
	h := newHarness(t, cfg)

	putSpec(t, h.store, "pdf-renderer", types.DesiredAbsent)

	h.rec.Reconcile(context.Background()) // starts the purge timer
	time.Sleep(5 * time.Millisecond)
	h.rec.Reconcile(context.Background()) // purges

	_, err := h.store.GetSpec("pdf-renderer")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestOrphanRemovedOnFullSync(t *testing.T) {
	h := newHarness(t, testConfig()) // FullSyncEvery: 1
	h.fake.Seed("stray", "inst-stray", types.StateRunning)

	h.rec.Reconcile(context.Background())

	assert.Equal(t, 0, h.fake.Len())
}

func TestOrphanKeptOutsideFullSync(t *testing.T) {
	cfg := testConfig()
	cfg.FullSyncEvery = 100
	h := newHarness(t, cfg)
	h.fake.Seed("stray", "inst-stray", types.StateRunning)
	// A spec on the same node forces a visit without a full sync.
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)

	h.rec.Reconcile(context.Background())

	assert.Equal(t, types.StateRunning, h.fake.StateOf("stray"))
}

func TestGivesUpAfterRetryBudget(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.fake.CreateErr = errdefs.Transientf("engine busy")

	h.rec.Reconcile(context.Background())
	assert.Equal(t, 2, h.fake.CreateCalls, "budget is two attempts")

	status, err := h.store.GetStatus("node-1", "pdf-renderer")
	require.NoError(t, err)
	assert.Equal(t, types.StateError, status.ActualState)
	assert.NotEmpty(t, status.LastError)

	// Same version is not retried on the next cycle.
	h.rec.Reconcile(context.Background())
	assert.Equal(t, 2, h.fake.CreateCalls)
}

func TestGiveUpClearedByNewVersion(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.fake.CreateErr = errdefs.Transientf("engine busy")
	h.rec.Reconcile(context.Background())

	h.fake.CreateErr = nil
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning) // bumps version

	h.rec.Reconcile(context.Background())
	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))
}

func TestUnhealthyNodeSkipped(t *testing.T) {
	h := newHarness(t, testConfig())
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.fake.PingErr = errdefs.Transientf("engine down")

	h.rec.Reconcile(context.Background())

	assert.Equal(t, 0, h.fake.CreateCalls, "no corrective calls against a degraded node")
}

func TestNodeMarkedDegradedAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.UnhealthyThreshold = 2
	h := newHarness(t, cfg)
	putSpec(t, h.store, "pdf-renderer", types.DesiredRunning)
	h.fake.PingErr = errdefs.Transientf("engine down")

	h.rec.Reconcile(context.Background())
	assert.NotContains(t, metrics.GetHealth().Components["node:node-1"], "unhealthy",
		"one failed probe stays below the threshold")

	h.rec.Reconcile(context.Background())
	assert.Contains(t, metrics.GetHealth().Components["node:node-1"], "unhealthy")

	// A successful probe clears the failure count immediately.
	h.fake.PingErr = nil
	h.rec.Reconcile(context.Background())
	assert.Equal(t, "healthy", metrics.GetHealth().Components["node:node-1"])
}

// Convergence is per-instance and per-node: a cycle over several nodes
// with different kinds of drift repairs all of them.
func TestConvergesMixedDriftAcrossNodes(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fakes := make(map[string]*runtimetest.Fake, 2)
	clients := make(map[string]NodeClient, 2)
	for _, nodeID := range []string{"node-1", "node-2"} {
		fake := runtimetest.NewFake()
		srv := agent.NewServer(agent.Config{NodeID: nodeID, Token: "tok"}, fake, registry.New(), nil)
		ts := httptest.NewServer(srv.Handler())
		t.Cleanup(ts.Close)
		fakes[nodeID] = fake
		clients[nodeID] = client.New(ts.URL, "tok")
	}
	rec := New(store, clients, nil, testConfig())

	// node-1: one instance missing entirely, one running that should stop.
	putSpecOn(t, store, "pdf-renderer", types.DesiredRunning, "node-1")
	stopped := putSpecOn(t, store, "code-sandbox", types.DesiredStopped, "node-1")
	fakes["node-1"].SeedVersion("code-sandbox", "inst-code-sandbox", types.StateRunning, stopped.Version)

	// node-2: one stopped instance that should run, plus an orphan.
	running := putSpecOn(t, store, "img-resizer", types.DesiredRunning, "node-2")
	fakes["node-2"].SeedVersion("img-resizer", "inst-img-resizer", types.StateStopped, running.Version)
	fakes["node-2"].Seed("stray", "inst-stray", types.StateRunning)

	rec.Reconcile(context.Background()) // FullSyncEvery: 1

	assert.Equal(t, types.StateRunning, fakes["node-1"].StateOf("pdf-renderer"))
	assert.Equal(t, types.StateStopped, fakes["node-1"].StateOf("code-sandbox"))
	assert.Equal(t, types.StateRunning, fakes["node-2"].StateOf("img-resizer"))
	assert.Equal(t, types.StateMissing, fakes["node-2"].StateOf("stray"), "orphan removed on full sync")

	status, err := store.GetStatus("node-2", "img-resizer")
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, status.ActualState)
}
