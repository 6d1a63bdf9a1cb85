package controlapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/pkg/storage"
	"github.com/roost-run/roost/pkg/types"
)

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mux := http.NewServeMux()
	NewServer(store).Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func putSpec(t *testing.T, ts *httptest.Server, spec types.ToolInstanceSpec) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(spec))
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/specs", &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func validSpec() types.ToolInstanceSpec {
	return types.ToolInstanceSpec{
		InstanceID:   "inst-1",
		InstanceName: "pdf-renderer",
		Image:        "registry.example.com/tools/pdf-renderer:1.0",
		DesiredState: types.DesiredRunning,
		NodeID:       "node-1",
	}
}

func TestPutSpecAssignsVersion(t *testing.T) {
	ts := newTestAPI(t)

	resp := putSpec(t, ts, validSpec())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var stored types.ToolInstanceSpec
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stored))
	assert.Equal(t, int64(1), stored.Version)
}

func TestPutSpecStaleVersionConflicts(t *testing.T) {
	ts := newTestAPI(t)

	resp := putSpec(t, ts, validSpec())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	spec := validSpec()
	spec.Version = 1
	resp = putSpec(t, ts, spec)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Replaying version 1 against the now version-2 spec must fail.
	resp = putSpec(t, ts, spec)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPutSpecRequiresNode(t *testing.T) {
	ts := newTestAPI(t)

	spec := validSpec()
	spec.NodeID = ""
	resp := putSpec(t, ts, spec)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestGetSpecNotFound(t *testing.T) {
	ts := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/v1/specs/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSpecs(t *testing.T) {
	ts := newTestAPI(t)
	putSpec(t, ts, validSpec())

	resp, err := http.Get(ts.URL + "/v1/specs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var specs []types.ToolInstanceSpec
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&specs))
	require.Len(t, specs, 1)
	assert.Equal(t, "pdf-renderer", specs[0].InstanceName)
}
