package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/weatherdb/internal/config"
	apperrors "github.com/devrev/weatherdb/internal/errors"
	"github.com/devrev/weatherdb/internal/model"
	"github.com/devrev/weatherdb/internal/service"
	"github.com/devrev/weatherdb/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockCluster struct {
	mock.Mock
}

func (m *mockCluster) Snapshot(ctx context.Context) (service.ClusterState, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.ClusterState), args.Error(1)
}

func (m *mockCluster) Load(ctx context.Context, file, format string) error {
	return m.Called(ctx, file, format).Error(0)
}

func (m *mockCluster) ShutdownNode(ctx context.Context, id int) (model.RecoveryReport, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.RecoveryReport), args.Error(1)
}

func (m *mockCluster) ForwardNode(ctx context.Context, from, to int) (bool, error) {
	args := m.Called(ctx, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *mockCluster) ClearDate(ctx context.Context, id int, date string) error {
	return m.Called(ctx, id, date).Error(0)
}

type failingFiles struct{ *store.MemoryFileRegistry }

func (failingFiles) Ping(ctx context.Context) error { return errors.New("redis down") }

func newTestServer(t *testing.T, files Files) (*AdminServer, *mockCluster) {
	t.Helper()
	cluster := &mockCluster{}
	if files == nil {
		files = store.NewMemoryFileRegistry()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "weatherdb_test_total", Help: "test"}))
	return NewAdminServer(config.DefaultConfig().Admin, cluster, files, reg, zap.NewNop()), cluster
}

func do(s *AdminServer, method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	s, cluster := newTestServer(t, nil)
	cluster.On("Snapshot", mock.Anything).Return(service.ClusterState{}, nil)

	w := do(s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)
}

func TestHealth_NotReady(t *testing.T) {
	s, cluster := newTestServer(t, failingFiles{store.NewMemoryFileRegistry()})
	cluster.On("Snapshot", mock.Anything).Return(service.ClusterState{}, nil)

	w := do(s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Checks["file_registry"])
	assert.Equal(t, "redis down", resp.Error)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "weatherdb_test_total")
}

func TestListNodesAndPlacement(t *testing.T) {
	s, cluster := newTestServer(t, nil)
	cluster.On("Snapshot", mock.Anything).Return(service.ClusterState{
		Nodes: []model.NodeHealth{
			{NodeID: 0, Status: model.NodeStatusHealthy, Absorbed: []int{1}},
			{NodeID: 1, Status: model.NodeStatusDead},
		},
		Placement: map[string]model.Placement{"02-01-2020": {Primary: 0, Replica: 2}},
		Remap:     map[int][]int{0: {1}},
		Pending:   2,
	}, nil)

	w := do(s, http.MethodGet, "/admin/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var nodes NodesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &nodes))
	require.Len(t, nodes.Nodes, 2)
	assert.Equal(t, model.NodeStatusDead, nodes.Nodes[1].Status)
	assert.Equal(t, 2, nodes.Pending)

	w = do(s, http.MethodGet, "/admin/placement", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var placement PlacementResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placement))
	assert.Equal(t, model.Placement{Primary: 0, Replica: 2}, placement.Placement["02-01-2020"])
	assert.Equal(t, []int{1}, placement.Remap[0])
}

func TestShutdownNode(t *testing.T) {
	s, cluster := newTestServer(t, nil)
	cluster.On("ShutdownNode", mock.Anything, 1).Return(model.RecoveryReport{FailedNode: 1, Transferred: true}, nil)
	cluster.On("ShutdownNode", mock.Anything, 2).Return(model.RecoveryReport{}, apperrors.NodeUnavailable(2, nil))

	w := do(s, http.MethodPost, "/admin/nodes/1/shutdown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp ShutdownResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "storage node 1 shut down, data transferred: true", resp.Message)

	w = do(s, http.MethodPost, "/admin/nodes/2/shutdown", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NODE_UNAVAILABLE", decodeError(t, w).Code)

	w = do(s, http.MethodGet, "/admin/nodes/1/shutdown", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	cluster.AssertExpectations(t)
}

func TestForwardNode(t *testing.T) {
	s, cluster := newTestServer(t, nil)
	cluster.On("ForwardNode", mock.Anything, 0, 2).Return(true, nil)

	w := do(s, http.MethodPost, "/admin/nodes/0/forward?target=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"transferred":true}`, w.Body.String())

	w = do(s, http.MethodPost, "/admin/nodes/0/forward", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_COMMAND", decodeError(t, w).Code)
}

func TestClearDate(t *testing.T) {
	s, cluster := newTestServer(t, nil)
	cluster.On("ClearDate", mock.Anything, 1, "2012-01-01").Return(nil)
	cluster.On("ClearDate", mock.Anything, 1, "bogus").
		Return(apperrors.InvalidDate("bogus", errors.New("unrecognized date")))

	w := do(s, http.MethodPost, "/admin/nodes/1/clear?date=2012-01-01", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(s, http.MethodPost, "/admin/nodes/1/clear?date=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_DATE", decodeError(t, w).Code)

	w = do(s, http.MethodPost, "/admin/nodes/1/clear", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFiles(t *testing.T) {
	files := store.NewMemoryFileRegistry()
	_, err := files.Add(context.Background(), "/data/seattle-weather.csv")
	require.NoError(t, err)

	s, cluster := newTestServer(t, files)
	cluster.On("Load", mock.Anything, "/data/testset.csv", "").Return(nil)
	cluster.On("Load", mock.Anything, "/data/seattle-weather.csv", "").
		Return(apperrors.AlreadyLoaded("/data/seattle-weather.csv"))

	w := do(s, http.MethodGet, "/admin/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"files":["/data/seattle-weather.csv"]}`, w.Body.String())

	w = do(s, http.MethodPost, "/admin/files", []byte(`{"file":"/data/testset.csv"}`))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = do(s, http.MethodPost, "/admin/files", []byte(`{"file":"/data/seattle-weather.csv"}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(s, http.MethodPost, "/admin/files", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRoutes_WrongMethod(t *testing.T) {
	s, cluster := newTestServer(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/admin/nodes/1/forward"},
		{http.MethodPut, "/admin/nodes/0/clear"},
		{http.MethodPost, "/admin/placement"},
		{http.MethodDelete, "/admin/files"},
	} {
		w := do(s, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tc.method, tc.path)
		assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, w).Code)
	}
	cluster.AssertNotCalled(t, "ForwardNode", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotFoundAndTimeout(t *testing.T) {
	s, cluster := newTestServer(t, nil)
	cluster.On("Snapshot", mock.Anything).Return(service.ClusterState{}, context.DeadlineExceeded)

	w := do(s, http.MethodGet, "/admin/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, w).Code)

	w = do(s, http.MethodGet, "/admin/recoveries", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "TIMEOUT", decodeError(t, w).Code)
}
