package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"dtrunner/pkg/api/middleware"
	"dtrunner/pkg/auth"
	"dtrunner/pkg/executor"
	"dtrunner/pkg/failure"
	"dtrunner/pkg/models"
	"dtrunner/pkg/resilience"
	"dtrunner/pkg/sink"
	"dtrunner/pkg/storage/memory"
)

type fakePool struct {
	mu   sync.Mutex
	jobs []executor.Job
	done chan struct{}
}

func (p *fakePool) Submit(_ context.Context, job executor.Job) (models.InvocationResult, error) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()
	p.done <- struct{}{}
	return models.InvocationResult{Outcome: models.OutcomeSuccess}, nil
}

type ServerSuite struct {
	suite.Suite
	runs    *memory.RunStore
	pool    *fakePool
	ring    *sink.Ring
	breaker *resilience.CircuitBreaker
	server  *Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.runs = memory.NewRunStore()
	s.pool = &fakePool{done: make(chan struct{}, 4)}
	s.ring = sink.NewRing(10)
	s.breaker = resilience.NewCircuitBreaker("redis", resilience.DefaultCircuitBreakerConfig())
	s.server = NewServer(Config{
		Addr:     "127.0.0.1:0",
		Runs:     s.runs,
		Pool:     s.pool,
		Log:      RingSource(s.ring),
		Breakers: []*resilience.CircuitBreaker{s.breaker},
		Logger:   zap.NewNop(),
	})
}

func (s *ServerSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *ServerSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, req)
	return w
}

func (s *ServerSuite) TestHealth() {
	w := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, w.Code)
	s.NotEmpty(w.Header().Get("X-Request-ID"))

	boom := errors.New("redis down")
	for i := 0; i < 3; i++ {
		s.breaker.Execute(context.Background(), func(context.Context) error { return boom })
	}
	w = s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)
	s.Contains(w.Body.String(), `"degraded"`)
}

func (s *ServerSuite) TestCreateRun_Accepted() {
	w := s.do(http.MethodPost, "/api/v1/runs", CreateRunRequest{
		ScenarioPath: "/scenarios/Accounts.STDxml",
		Priority:     models.PriorityBelowNormal,
		Retry:        RetryRequest{Categories: []string{"dbaccesscollision"}, MaxRetries: 2},
	})
	s.Equal(http.StatusAccepted, w.Code)

	var resp CreateRunResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal("Accounts", resp.Scenario)
	s.Equal(models.KindDedupe, resp.Kind)

	select {
	case <-s.pool.done:
	case <-time.After(2 * time.Second):
		s.FailNow("job never submitted")
	}
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	s.Require().Len(s.pool.jobs, 1)
	s.True(s.pool.jobs[0].Policy.Covers(failure.DBAccessCollision))
}

func (s *ServerSuite) TestCreateRun_Invalid() {
	tests := map[string]CreateRunRequest{
		"unknown extension": {ScenarioPath: "/scenarios/Accounts.xml"},
		"unknown category":  {ScenarioPath: "/scenarios/A.STDxml", Retry: RetryRequest{Categories: []string{"Nope"}, MaxRetries: 1}},
		"both or neither":   {ScenarioPath: "/scenarios/A.STDxml", Retry: RetryRequest{MaxRetries: 1}},
		"bad priority":      {ScenarioPath: "/scenarios/A.STDxml", Priority: "realtime"},
	}
	for name, req := range tests {
		s.Run(name, func() {
			w := s.do(http.MethodPost, "/api/v1/runs", req)
			s.Equal(http.StatusBadRequest, w.Code)
		})
	}
	s.Empty(s.pool.jobs)

	w := s.do(http.MethodPost, "/api/v1/runs", map[string]string{})
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerSuite) TestRuns_ListAndGet() {
	ctx := context.Background()
	rec := &models.RunRecord{ID: uuid.New(), Scenario: "Accounts", Kind: models.KindDedupe, Outcome: models.OutcomeSuccess, StartedAt: time.Now()}
	s.Require().NoError(s.runs.CreateRun(ctx, rec))
	s.Require().NoError(s.runs.CreateRun(ctx, &models.RunRecord{ID: uuid.New(), Scenario: "Contacts", Outcome: models.OutcomeFailed, StartedAt: time.Now()}))

	w := s.do(http.MethodGet, "/api/v1/runs?outcome=success", nil)
	s.Equal(http.StatusOK, w.Code)
	var list struct {
		Runs  []models.RunRecord `json:"runs"`
		Count int                `json:"count"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &list))
	s.Equal(1, list.Count)
	s.Equal("Accounts", list.Runs[0].Scenario)

	w = s.do(http.MethodGet, "/api/v1/runs/"+rec.ID.String(), nil)
	s.Equal(http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	s.Equal(http.StatusNotFound, w.Code)

	w = s.do(http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerSuite) TestScenarios() {
	dir := s.T().TempDir()
	for _, name := range []string{"Accounts.STDxml", "Backup.BBxml", "readme.md"} {
		s.Require().NoError(os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	w := s.do(http.MethodGet, "/api/v1/scenarios?dir="+dir, nil)
	s.Equal(http.StatusOK, w.Code)
	var resp struct {
		Scenarios []ScenarioResponse `json:"scenarios"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Require().Len(resp.Scenarios, 2)
	s.Equal(models.KindDedupe, resp.Scenarios[0].Kind)
	s.Equal(models.KindBulkBackup, resp.Scenarios[1].Kind)

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/scenarios", nil).Code)
}

func (s *ServerSuite) TestRecentLog() {
	s.ring.Emit("DTCmd>>> one")
	s.ring.Emit("DTCmd>>> two")
	s.ring.Emit("DTLog>>> three")

	w := s.do(http.MethodGet, "/api/v1/log?n=2", nil)
	s.Equal(http.StatusOK, w.Code)
	var resp struct {
		Lines []string `json:"lines"`
	}
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	s.Equal([]string{"DTCmd>>> two", "DTLog>>> three"}, resp.Lines)
}

func (s *ServerSuite) TestMetricsEndpoint() {
	w := s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), "dtrunner_")
}

func TestServer_DefaultsToLoopback(t *testing.T) {
	srv := NewServer(Config{Logger: zap.NewNop()})
	assert.Equal(t, DefaultAddr, srv.httpServer.Addr)
}

func TestServer_KeysGuardAPI(t *testing.T) {
	keys, err := auth.ParseKeys([]string{"ci:operator:sk_op", "dash:viewer:sk_view"})
	require.NoError(t, err)
	pool := &fakePool{done: make(chan struct{}, 1)}
	srv := NewServer(Config{Runs: memory.NewRunStore(), Pool: pool, Keys: keys, Logger: zap.NewNop()})

	do := func(method, path, key string, body any) int {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set(middleware.APIKeyHeaderKey, key)
		}
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		return w.Code
	}
	launch := CreateRunRequest{ScenarioPath: "/scenarios/Accounts.STDxml"}

	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/health", "", nil), "health stays open")
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/v1/runs", "", nil))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/api/v1/scenarios?dir=/", "", nil))
	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/api/v1/runs", "", launch))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/api/v1/runs", "sk_view", nil))
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/api/v1/runs", "sk_view", launch))
	assert.Equal(t, http.StatusAccepted, do(http.MethodPost, "/api/v1/runs", "sk_op", launch))

	select {
	case <-pool.done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never submitted")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
