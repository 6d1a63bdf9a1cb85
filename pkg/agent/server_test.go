package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/registry"
	"github.com/roost-run/roost/pkg/runtime/runtimetest"
	"github.com/roost-run/roost/pkg/types"
)

const testToken = "test-token"

type testHarness struct {
	fake     *runtimetest.Fake
	registry *registry.Registry
	server   *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	fake := runtimetest.NewFake()
	reg := registry.New()
	s := NewServer(Config{
		NodeID: "node-1",
		Token:  testToken,
	}, fake, reg, nil)

	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &testHarness{fake: fake, registry: reg, server: ts}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeStatus(t *testing.T, resp *http.Response) types.ToolInstanceStatus {
	t.Helper()
	var status types.ToolInstanceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func runningSpec(name string) types.ToolInstanceSpec {
	return types.ToolInstanceSpec{
		InstanceID:   "inst-" + name,
		InstanceName: name,
		Image:        "registry.example.com/tools/" + name + ":1.0",
		DesiredState: types.DesiredRunning,
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/v1/instances", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthUnauthenticated(t *testing.T) {
	h := newHarness(t)

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health types.NodeHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.RuntimeReachable)
}

func TestHealthDegradedWhenEngineDown(t *testing.T) {
	h := newHarness(t)
	h.fake.PingErr = errdefs.Transientf("engine unreachable")

	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health types.NodeHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
	assert.False(t, health.RuntimeReachable)
}

func TestDeployCreatesAndStarts(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	status := decodeStatus(t, resp)
	assert.Equal(t, types.StateRunning, status.ActualState)
	assert.Equal(t, "node-1", status.NodeID)
	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))
	assert.Equal(t, 1, h.fake.Len())
}

func TestDeployIsIdempotent(t *testing.T) {
	h := newHarness(t)
	spec := runningSpec("pdf-renderer")

	resp := h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, 1, h.fake.Len(), "second deploy must adopt, not duplicate")
	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))
}

func TestDeployHigherVersionReplacesContainer(t *testing.T) {
	h := newHarness(t)

	spec := runningSpec("pdf-renderer")
	spec.Version = 1
	resp := h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	spec.Version = 2
	spec.Image = "registry.example.com/tools/pdf-renderer:2.0"
	resp = h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, 2, h.fake.CreateCalls, "new container for the new version")
	assert.Equal(t, 1, h.fake.RemoveCalls, "old container removed")
	assert.Equal(t, 1, h.fake.Len())
	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))
}

// The replace decision must survive an agent restart: the applied
// version comes back from the container's spec-version label, so a
// deploy carrying new config cannot silently adopt a container built
// from the old one.
func TestDeployAfterRestartReplacesStaleContainer(t *testing.T) {
	h := newHarness(t)
	// Container created at version 1 by a previous agent process; the
	// fresh registry has never seen it.
	h.fake.SeedVersion("pdf-renderer", "inst-pdf-renderer", types.StateRunning, 1)

	spec := runningSpec("pdf-renderer")
	spec.Version = 5
	spec.Image = "registry.example.com/tools/pdf-renderer:2.0"
	resp := h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.GreaterOrEqual(t, h.fake.RemoveCalls, 1, "stale container must be replaced, not adopted")
	assert.Equal(t, 1, h.fake.Len())
	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))

	status := decodeStatus(t, resp)
	assert.Equal(t, int64(5), status.AppliedVersion)
}

// A restarted agent must still reject versions older than what the
// container was built from.
func TestDeployAfterRestartRejectsOlderVersion(t *testing.T) {
	h := newHarness(t)
	h.fake.SeedVersion("pdf-renderer", "inst-pdf-renderer", types.StateRunning, 4)

	spec := runningSpec("pdf-renderer")
	spec.Version = 2
	resp := h.do(t, http.MethodPost, "/v1/instances", spec)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 0, h.fake.RemoveCalls)
}

func TestDeployInvalidSpecRejected(t *testing.T) {
	h := newHarness(t)

	spec := runningSpec("pdf-renderer")
	spec.Image = ""
	resp := h.do(t, http.MethodPost, "/v1/instances", spec)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, 0, h.fake.Len())
}

func TestDeployStaleVersionConflicts(t *testing.T) {
	h := newHarness(t)

	spec := runningSpec("pdf-renderer")
	spec.Version = 3
	resp := h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	spec.Version = 2
	resp = h.do(t, http.MethodPost, "/v1/instances", spec)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeployTransientFailureMapsTo503(t *testing.T) {
	h := newHarness(t)
	h.fake.CreateErr = errdefs.Transientf("engine busy")

	resp := h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "transient", body.Kind)
}

func TestDeployAbsentRemovesContainer(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	spec := runningSpec("pdf-renderer")
	spec.DesiredState = types.DesiredAbsent
	resp = h.do(t, http.MethodPost, "/v1/instances", spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	status := decodeStatus(t, resp)
	assert.Equal(t, types.StateMissing, status.ActualState)
	assert.Equal(t, 0, h.fake.Len())
}

// A stopped container must be startable through a fresh agent whose
// registry never saw it. The agent falls back to a live lookup instead
// of trusting the empty cache.
func TestStartAfterAgentRestart(t *testing.T) {
	h := newHarness(t)
	h.fake.Seed("pdf-renderer", "inst-1", types.StateStopped)

	resp := h.do(t, http.MethodPost, "/v1/instances/pdf-renderer/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeStatus(t, resp)
	assert.Equal(t, types.StateRunning, status.ActualState)
	assert.Equal(t, types.StateRunning, h.fake.StateOf("pdf-renderer"))

	_, ok := h.registry.Get("pdf-renderer")
	assert.True(t, ok, "rehydrated entry should be cached")
}

func TestStartUnknownInstanceIs404(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/v1/instances/ghost/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopRunningInstance(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))

	resp := h.do(t, http.MethodPost, "/v1/instances/pdf-renderer/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeStatus(t, resp)
	assert.Equal(t, types.StateStopped, status.ActualState)
	assert.Equal(t, types.StateStopped, h.fake.StateOf("pdf-renderer"))
}

func TestGetReportsLiveState(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))

	resp := h.do(t, http.MethodGet, "/v1/instances/pdf-renderer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeStatus(t, resp)
	assert.Equal(t, types.StateRunning, status.ActualState)
	assert.NotEmpty(t, status.ContainerRef)
}

func TestGetVanishedContainerIs404(t *testing.T) {
	h := newHarness(t)
	ref := h.fake.Seed("pdf-renderer", "inst-1", types.StateRunning)
	h.registry.Upsert(registry.Entry{
		InstanceName: "pdf-renderer",
		InstanceID:   "inst-1",
		ContainerRef: ref,
		ActualState:  types.StateRunning,
	})

	// Container removed behind the agent's back.
	h.fake.RemoveAll()

	resp := h.do(t, http.MethodGet, "/v1/instances/pdf-renderer", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, ok := h.registry.Get("pdf-renderer")
	assert.False(t, ok, "stale entry should be evicted")
}

func TestRemoveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))

	resp := h.do(t, http.MethodDelete, "/v1/instances/pdf-renderer", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, h.fake.Len())

	resp = h.do(t, http.MethodDelete, "/v1/instances/pdf-renderer", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListMergesRuntimeAndRegistry(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/v1/instances", runningSpec("pdf-renderer"))

	// An entry whose container vanished shows up as missing.
	h.registry.Upsert(registry.Entry{
		InstanceName: "ghost",
		InstanceID:   "inst-ghost",
		ContainerRef: "roost-ghost",
		ActualState:  types.StateRunning,
	})

	resp := h.do(t, http.MethodGet, "/v1/instances", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []types.ToolInstanceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 2)

	byName := make(map[string]types.ToolInstanceStatus)
	for _, st := range statuses {
		byName[st.InstanceName] = st
	}
	assert.Equal(t, types.StateRunning, byName["pdf-renderer"].ActualState)
	assert.Equal(t, types.StateMissing, byName["ghost"].ActualState)
}
