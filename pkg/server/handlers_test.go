package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrum/pkg/config"
)

func testRouter(t *testing.T, cfg config.CollectorSettings) (*mux.Router, *Components) {
	t.Helper()
	cfg.InMemory = true
	store, err := InitializeStorage(cfg, zerolog.Nop())
	require.NoError(t, err)

	c := InitializeHandlers(store, cfg, zerolog.Nop())
	t.Cleanup(c.Limiter.Stop)

	router := mux.NewRouter()
	SetupRoutes(router, c, ":8080")
	return router, c
}

func serve(router http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRoutes_HarvestAndQuery(t *testing.T) {
	router, _ := testRouter(t, config.CollectorSettings{RateLimitBurst: 10, BlockedApps: []string{"banned"}})

	body := `{"err": [{"params": {"stackHash": "abc", "message": "boom"}, "metrics": {"time": {"c": 2}}}]}`
	rr := serve(router, http.MethodPost, "/jserrors/1/shop?s=sess", body, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	rr = serve(router, http.MethodPost, "/jserrors/1/banned", body, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "1", rr.Header().Get(config.BlockHeader))

	rr = serve(router, http.MethodGet, "/v1/errors/groups?app=shop", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"stack_hash":"abc"`)
	assert.Contains(t, rr.Body.String(), `"count":2`)

	rr = serve(router, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `tinyrum_collector_harvest_requests_total{code="202"} 1`)
	assert.Contains(t, rr.Body.String(), `tinyrum_collector_harvest_requests_total{code="403"} 1`)

	rr = serve(router, http.MethodGet, "/jserrors/1/shop", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRoutes_Health(t *testing.T) {
	router, c := testRouter(t, config.CollectorSettings{RateLimitBurst: 1})

	rr := serve(router, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, Version, health.Version)

	c.Retention.RecordFailure(errors.New("disk gone"))
	rr = serve(router, http.MethodGet, "/v1/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "disk gone", health.Retention.LastError)
}

func TestRoutes_StorageUsageInMemory(t *testing.T) {
	router, _ := testRouter(t, config.CollectorSettings{RateLimitBurst: 1, MaxStorageGB: 1})

	rr := serve(router, http.MethodGet, "/v1/storage", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"used_bytes":0,"max_bytes":0}`, rr.Body.String())
}

func TestCORS(t *testing.T) {
	router, _ := testRouter(t, config.CollectorSettings{RateLimitBurst: 1})

	rr := serve(router, http.MethodOptions, "/jserrors/1/shop", "", map[string]string{"Origin": "http://localhost:8080"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://localhost:8080", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Expose-Headers"), config.BlockHeader)

	rr = serve(router, http.MethodGet, "/v1/stats", "", map[string]string{"Origin": "http://evil.example"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestPortOf(t *testing.T) {
	assert.Equal(t, "8080", portOf(":8080"))
	assert.Equal(t, "9000", portOf("0.0.0.0:9000"))
	assert.Equal(t, "8080", portOf("8080"))
}
