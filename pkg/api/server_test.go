package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/pgwarden/pkg/channel"
	"github.com/cuemby/pgwarden/pkg/channel/fake"
	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/manager"
	"github.com/cuemby/pgwarden/pkg/pg"
	"github.com/cuemby/pgwarden/pkg/rebuild"
	"github.com/cuemby/pgwarden/pkg/registry"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *fake.Cluster) {
	t.Helper()
	c := fake.NewCluster()

	ft := failover.DefaultTimeouts()
	ft.Settle = 0
	ft.Verify = 100 * time.Millisecond
	ft.VerifyInterval = time.Millisecond
	rt := rebuild.DefaultTimeouts()
	rt.Settle = 0
	rt.Verify = 100 * time.Millisecond

	mgr, err := manager.NewManager(manager.Config{
		Registry:         registry.New(),
		Control:          c,
		Query:            c,
		Layout:           pg.DefaultLayout(),
		Credentials:      pg.Credentials{User: "testadmin"},
		FailoverTimeouts: ft,
		RebuildTimeouts:  rt,
	})
	require.NoError(t, err)
	return NewServer(mgr), c
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func addHost(t *testing.T, s *Server, c *fake.Cluster, name, kind string, state fake.Node) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/hosts", manager.HostRequest{Name: name, Kind: kind})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var node types.Node
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &node))
	c.Add(&node, state)
}

func TestHostRoutes(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))
	addHost(t, s, c, "node2", "backup", fake.Standby("node1", 90))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "duplicate host", method: http.MethodPost, path: "/api/hosts", body: manager.HostRequest{Name: "node1", Kind: "backup"}, want: http.StatusConflict},
		{name: "invalid kind", method: http.MethodPost, path: "/api/hosts", body: manager.HostRequest{Name: "node3", Kind: "leader"}, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/api/hosts", body: map[string]string{"nom": "x"}, want: http.StatusBadRequest},
		{name: "status by container", method: http.MethodGet, path: "/api/nodes/postgres-node2", want: http.StatusOK},
		{name: "status of unknown node", method: http.MethodGet, path: "/api/nodes/node9", want: http.StatusNotFound},
		{name: "remove primary", method: http.MethodDelete, path: "/api/hosts/node1", want: http.StatusConflict},
		{name: "remove unknown", method: http.MethodDelete, path: "/api/hosts/node9", want: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPut, path: "/api/overview", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := do(t, s, http.MethodDelete, "/api/hosts/node2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOverviewRoute(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))
	addHost(t, s, c, "node2", "replica", fake.Standby("node1", 60))

	w := do(t, s, http.MethodGet, "/api/overview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var ov types.Overview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ov))
	assert.Equal(t, "node1", ov.Primary)
	assert.Equal(t, types.TopologyHealthy, ov.Health)
	require.Len(t, ov.Nodes, 2)
	assert.Equal(t, int64(40), ov.Nodes[1].Lag.GapBytes)
	assert.Equal(t, "0/64", ov.Nodes[1].Lag.PrimaryPosition.String())

	w = do(t, s, http.MethodGet, "/api/lag", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var readings map[string]types.LagReading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readings))
	assert.Equal(t, int64(40), readings["node2"].GapBytes)
}

func TestPromoteRoute(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))
	addHost(t, s, c, "node2", "backup", fake.Standby("node1", 100))
	addHost(t, s, c, "node3", "replica", fake.Standby("node1", 100))

	tests := []struct {
		name     string
		path     string
		want     int
		wantKind failover.Kind
	}{
		{name: "replica refused", path: "/api/nodes/node3/promote", want: http.StatusBadRequest, wantKind: failover.KindInvalidNode},
		{name: "already primary", path: "/api/nodes/node1/promote", want: http.StatusOK, wantKind: failover.KindAlreadyInDesiredState},
		{name: "backup promoted", path: "/api/nodes/node2/promote", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, tt.path, nil)
			require.Equal(t, tt.want, w.Code, w.Body.String())

			var res failover.Result
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.False(t, res.SafetyViolation)
		})
	}
	assert.Equal(t, []string{"node2"}, c.Primaries())

	w := do(t, s, http.MethodGet, "/api/operations", nil)
	assert.JSONEq(t, `{"in_flight":[]}`, w.Body.String())
}

func TestPromoteSurvivesClientDisconnect(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))
	addHost(t, s, c, "node2", "backup", fake.Standby("node1", 100))

	ctx, cancel := context.WithCancel(context.Background())
	c.OnExec = func(node string, cmd channel.Command) {
		if cmd.Op == channel.OpWriteStandbyMarker {
			cancel()
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/api/nodes/node2/promote", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res failover.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, failover.StateDone, res.State)
	assert.Equal(t, []string{"node2"}, c.Primaries())
}

func TestDeregisterDuringPromotion(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))
	addHost(t, s, c, "node2", "backup", fake.Standby("node1", 100))
	addHost(t, s, c, "node3", "backup", fake.Standby("node1", 100))

	var code int
	c.OnExec = func(node string, cmd channel.Command) {
		if cmd.Op == channel.OpPromote {
			code = do(t, s, http.MethodDelete, "/api/hosts/node3", nil).Code
		}
	}

	w := do(t, s, http.MethodPost, "/api/nodes/node2/promote", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusConflict, code)

	w = do(t, s, http.MethodGet, "/api/nodes/node3", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDemoteRoutes(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))
	addHost(t, s, c, "node2", "backup", fake.Stopped("node1"))

	w := do(t, s, http.MethodPost, "/api/nodes/node2/demote", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, s, http.MethodPost, "/api/nodes/node1/demote", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/demote-all", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, c.Primaries())
}

func TestClusterRoutes(t *testing.T) {
	s, c := newTestServer(t)
	addHost(t, s, c, "node1", "backup", fake.Primary(100))

	w := do(t, s, http.MethodPost, "/api/clusters", manager.ClusterRequest{Name: "main"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/clusters", manager.ClusterRequest{Name: "main"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/api/clusters/main/nodes", AttachRequest{NodeName: "node1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var cluster types.Cluster
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cluster))
	assert.Equal(t, []string{"node1"}, cluster.Nodes)

	w = do(t, s, http.MethodPost, "/api/clusters/main/nodes", AttachRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/clusters/nope/nodes", AttachRequest{NodeName: "node1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/api/clusters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Clusters []types.Cluster `json:"clusters"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Clusters, 1)

	w = do(t, s, http.MethodDelete, "/api/clusters/main/nodes/node1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodDelete, "/api/clusters/main/nodes/node1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResultStatus(t *testing.T) {
	tests := []struct {
		kind failover.Kind
		want int
	}{
		{"", http.StatusOK},
		{failover.KindAlreadyInDesiredState, http.StatusOK},
		{failover.KindInvalidNode, http.StatusBadRequest},
		{failover.KindConcurrentOperationConflict, http.StatusConflict},
		{failover.KindNodeUnreachable, http.StatusServiceUnavailable},
		{failover.KindTimeout, http.StatusGatewayTimeout},
		{failover.KindCommandFailed, http.StatusInternalServerError},
		{failover.KindVerificationFailed, http.StatusInternalServerError},
		{failover.KindSafetyViolation, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, resultStatus(tt.kind))
		})
	}
}

func TestProcessHealthRoutes(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/health", "/live", "/metrics"} {
		w := do(t, s, http.MethodGet, path, nil)
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}
}

func TestServeAndShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, <-errCh)
}
