package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	aggs       []*entity.ClusterAggregate
	listErr    error
	gotChain   string
	gotWindow  time.Duration
	assignment *entity.ClusterAssignment
	getErr     error
}

func (f *fakeQuerier) ListClusters(_ context.Context, chain string, window time.Duration) ([]*entity.ClusterAggregate, error) {
	f.gotChain, f.gotWindow = chain, window
	return f.aggs, f.listErr
}

func (f *fakeQuerier) GetAssignment(_ context.Context, _, _ string) (*entity.ClusterAssignment, error) {
	return f.assignment, f.getErr
}

func serve(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestListClusters(t *testing.T) {
	q := &fakeQuerier{aggs: []*entity.ClusterAggregate{
		{ClusterID: "ethereum:cex_inflow", ClusterType: entity.ClusterCEXInflow, Scope: "ethereum", MembersCount: 1},
	}}
	s := NewServer(0, q, nil, nil, logger.NewNop())

	rec := serve(t, s, "/v1/clusters?chain=ethereum&window=2h")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ethereum", q.gotChain)
	assert.Equal(t, 2*time.Hour, q.gotWindow)

	var body clustersResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ethereum", body.Scope)
	require.Len(t, body.Clusters, 1)
	assert.Equal(t, entity.ClusterCEXInflow, body.Clusters[0].ClusterType)
}

func TestListClusters_EmptyIsNotAnError(t *testing.T) {
	s := NewServer(0, &fakeQuerier{}, nil, nil, logger.NewNop())

	rec := serve(t, s, "/v1/clusters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"scope":"all","clusters":[]}`, rec.Body.String())
}

func TestListClusters_BadWindow(t *testing.T) {
	s := NewServer(0, &fakeQuerier{}, nil, nil, logger.NewNop())

	for _, w := range []string{"soon", "-1h"} {
		rec := serve(t, s, "/v1/clusters?window="+w)
		assert.Equal(t, http.StatusBadRequest, rec.Code, w)
	}
}

func TestListClusters_StoreFailure(t *testing.T) {
	s := NewServer(0, &fakeQuerier{listErr: errors.New("neo4j down")}, nil, nil, logger.NewNop())

	rec := serve(t, s, "/v1/clusters")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetAssignment(t *testing.T) {
	q := &fakeQuerier{assignment: &entity.ClusterAssignment{
		Address: "0xa1", Chain: "ethereum", CurrentCluster: entity.ClusterAccumulation, Confidence: 0.7,
	}}
	s := NewServer(0, q, nil, nil, logger.NewNop())

	rec := serve(t, s, "/v1/assignments/ethereum/0xa1")
	require.Equal(t, http.StatusOK, rec.Code)

	var got entity.ClusterAssignment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, entity.ClusterAccumulation, got.CurrentCluster)
}

func TestGetAssignment_Errors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: address", domain_service.ErrMalformedEvidence), http.StatusBadRequest},
		{errors.New("timeout"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		s := NewServer(0, &fakeQuerier{getErr: tc.err}, nil, nil, logger.NewNop())
		rec := serve(t, s, "/v1/assignments/ethereum/0xa1")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestHealth(t *testing.T) {
	healthy := NewServer(0, &fakeQuerier{}, nil, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	}, logger.NewNop())
	rec := serve(t, healthy, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	degraded := NewServer(0, &fakeQuerier{}, nil, map[string]HealthCheck{
		"store": func(context.Context) error { return errors.New("unreachable") },
	}, logger.NewNop())
	rec = serve(t, degraded, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unreachable")
}

func TestMetricsRoute(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("whale_cluster_up 1\n"))
	})
	s := NewServer(0, &fakeQuerier{}, h, nil, logger.NewNop())

	rec := serve(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "whale_cluster_up")

	rec = serve(t, NewServer(0, &fakeQuerier{}, nil, nil, logger.NewNop()), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
