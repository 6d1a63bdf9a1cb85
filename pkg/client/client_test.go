package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/types"
)

// stubAgent fakes the agent API surface the client depends on.
func stubAgent(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL, "tok")
}

func TestDeployRoundTrip(t *testing.T) {
	c := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/instances", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"instance_name":"pdf-renderer","node_id":"node-1","actual_state":"running"}`))
	})

	status, err := c.Deploy(context.Background(), &types.ToolInstanceSpec{
		InstanceID:   "inst-1",
		InstanceName: "pdf-renderer",
		Image:        "img:1",
		DesiredState: types.DesiredRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StateRunning, status.ActualState)
}

func TestErrorKindReconstruction(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"not found", http.StatusNotFound, errdefs.IsNotFound},
		{"conflict", http.StatusConflict, errdefs.IsConflict},
		{"permanent", http.StatusUnprocessableEntity, errdefs.IsPermanent},
		{"transient", http.StatusServiceUnavailable, errdefs.IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"boom"}`))
			})

			_, err := c.Status(context.Background(), "pdf-renderer")
			require.Error(t, err)
			assert.True(t, tc.check(err), "expected %s classification, got %v", tc.name, err)
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestUnreachableAgentIsTransient(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok")

	_, err := c.List(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
}

func TestHealthDegraded(t *testing.T) {
	c := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"node_id":"node-1","status":"degraded","runtime_reachable":false,"message":"engine down"}`))
	})

	health, err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsTransient(err))
	require.NotNil(t, health)
	assert.False(t, health.RuntimeReachable)
}

func TestListDecodes(t *testing.T) {
	c := stubAgent(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"instance_name":"a","actual_state":"running"},{"instance_name":"b","actual_state":"stopped"}]`))
	})

	statuses, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, types.StateStopped, statuses[1].ActualState)
}
