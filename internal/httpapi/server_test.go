package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/collabpod/pod/internal/podserver"
	"github.com/collabpod/pod/internal/testutil"
)

type fakeMetricsSink struct{}

func (fakeMetricsSink) WriteText(w io.Writer) error {
	_, err := w.Write([]byte("active_rooms 0\n"))
	return err
}

func TestHandleHealthReturns200WhenHealthy(t *testing.T) {
	log := testutil.TestLogger(t)
	registry := podserver.NewRegistry(podserver.RegistryConfig{PresenceTTL: time.Minute}, log, nil, nil, nil, nil)
	health := NewHealthChecker(registry, nil, nil)
	srv := NewServer(log, registry, nil, fakeMetricsSink{}, health, Config{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthReturns503WhenRegistryMissing(t *testing.T) {
	log := testutil.TestLogger(t)
	health := NewHealthChecker(nil, nil, nil)
	srv := NewServer(log, nil, nil, fakeMetricsSink{}, health, Config{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.handleHealth(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleMetricsWritesLineOrientedText(t *testing.T) {
	log := testutil.TestLogger(t)
	registry := podserver.NewRegistry(podserver.RegistryConfig{PresenceTTL: time.Minute}, log, nil, nil, nil, nil)
	health := NewHealthChecker(registry, nil, nil)
	srv := NewServer(log, registry, nil, fakeMetricsSink{}, health, Config{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.handleMetrics(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "active_rooms 0")
}

func TestHandleWebsocketRejectsMissingRoomID(t *testing.T) {
	log := testutil.TestLogger(t)
	registry := podserver.NewRegistry(podserver.RegistryConfig{PresenceTTL: time.Minute}, log, nil, nil, nil, nil)
	health := NewHealthChecker(registry, nil, nil)
	srv := NewServer(log, registry, nil, fakeMetricsSink{}, health, Config{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	srv.handleWebsocket(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
