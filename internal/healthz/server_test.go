package healthz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/alert"
)

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsCheckFailures(t *testing.T) {
	s := New("127.0.0.1:0",
		WithCheck("redis", func(context.Context) error { return nil }),
		WithCheck("store", func(context.Context) error { return errors.New("connection refused") }),
	)

	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestHealthzOKWhenChecksPass(t *testing.T) {
	s := New("127.0.0.1:0",
		WithCheck("redis", func(context.Context) error { return nil }),
	)
	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	s := New("127.0.0.1:0")
	rec := get(t, s.Handler(), "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAlertAPIRequiresToken(t *testing.T) {
	store := alert.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &alert.Alert{
		ID: "01000000000042", StrategyID: 7, Status: alert.StatusAbnormal, Severity: 2,
	}))
	s := New("127.0.0.1:0", WithAlertAPI(store, "sekrit"))

	rec := get(t, s.Handler(), "/api/v1/alerts/01000000000042", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = get(t, s.Handler(), "/api/v1/alerts/01000000000042",
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"strategy_id":7`)

	rec = get(t, s.Handler(), "/api/v1/alerts/nope",
		map[string]string{"Authorization": "Bearer sekrit"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
