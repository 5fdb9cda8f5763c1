package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isometry/internal/config"
	"isometry/internal/logger"
)

func setupRouter(t *testing.T, transport Transport) (*gin.Engine, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Default()
	cfg.Batcher.MaxBatchSize = 1
	cfg.Batcher.FlushInterval = time.Minute
	svc := NewService(cfg, logger.NopLogger(), transport)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	router := gin.New()
	NewHandler(svc, logger.NopLogger()).RegisterRoutes(router)
	return router, svc
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitCallEndpoint(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	w := doRequest(router, http.MethodPost, "/api/v1/calls",
		`{"handler":"grid","method":"loadPage","params":[{"key":"page","value":1}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp CallResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "sent", resp.Outcome)
}

func TestSubmitCallRejectsMissingFields(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	w := doRequest(router, http.MethodPost, "/api/v1/calls", `{"handler":"grid"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION_FAILED")
}

func TestSnapshotEndpoint(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	doRequest(router, http.MethodPost, "/api/v1/calls",
		`{"handler":"grid","method":"loadPage"}`)

	w := doRequest(router, http.MethodGet, "/api/v1/monitor/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Contains(t, snap, "health_score")
	assert.Contains(t, snap, "batch_latency")
}

func TestTrendsEndpointValidatesWindow(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	w := doRequest(router, http.MethodGet, "/api/v1/monitor/trends?window=5m", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/monitor/trends?window=banana", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	w := doRequest(router, http.MethodPost, "/api/v1/monitor/alerts/no-such-alert/ack", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBreakerAdminEndpoints(t *testing.T) {
	router, svc := setupRouter(t, &recordingTransport{})

	// A flush creates the transport breaker lazily.
	doRequest(router, http.MethodPost, "/api/v1/calls",
		`{"handler":"grid","method":"loadPage"}`)

	w := doRequest(router, http.MethodPost, "/api/v1/breakers/bridge-transport/force-open", "")
	require.Equal(t, http.StatusOK, w.Code)
	cb, ok := svc.Breakers().Get("bridge-transport")
	require.True(t, ok)
	assert.Equal(t, "open", cb.State().String())

	w = doRequest(router, http.MethodPost, "/api/v1/breakers/bridge-transport/force-close", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", cb.State().String())

	w = doRequest(router, http.MethodPost, "/api/v1/breakers/missing/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListBreakersEndpoint(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	doRequest(router, http.MethodPost, "/api/v1/calls",
		`{"handler":"grid","method":"loadPage"}`)

	w := doRequest(router, http.MethodGet, "/api/v1/breakers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "bridge-transport")
}

func TestMetricsEndpoints(t *testing.T) {
	router, _ := setupRouter(t, &recordingTransport{})

	w := doRequest(router, http.MethodGet, "/api/v1/batcher/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queue_size")

	w = doRequest(router, http.MethodGet, "/api/v1/codec/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "total_encoded")
}

func TestHealthzEndpoint(t *testing.T) {
	router, svc := setupRouter(t, &recordingTransport{})

	w := doRequest(router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	svc.Breakers().GetOrCreate("bridge-transport").ForceOpen()
	w = doRequest(router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
