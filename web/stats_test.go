package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"sqlrelay/audit"
	"sqlrelay/stats"
)

func newTestRouter(t *testing.T, deps Deps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Init(r, deps)
	return r
}

func TestConnectionsEndpointWithNilMetrics(t *testing.T) {
	r := newTestRouter(t, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/stats/connections", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}

func TestChannelsEndpointWithRealMetrics(t *testing.T) {
	metrics := stats.NewRelay("sqlrelay_web_test")
	metrics.ChannelFullFatal("client_to_server")

	r := newTestRouter(t, Deps{Metrics: metrics})
	req := httptest.NewRequest(http.MethodGet, "/stats/channels", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"client_to_server":1`)
}

func TestRecentEventsEmptyWithoutSink(t *testing.T) {
	r := newTestRouter(t, Deps{})
	req := httptest.NewRequest(http.MethodGet, "/stats/events", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}

func TestRecentEventsWithSink(t *testing.T) {
	sink := audit.NewRingSink(4)
	r := newTestRouter(t, Deps{Recent: sink})
	req := httptest.NewRequest(http.MethodGet, "/stats/events", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())
}
