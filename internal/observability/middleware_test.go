package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/realmpipe/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRequestMetricsUseRoutePatterns(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger(zerolog.Nop()), RequestMetricsMiddleware())
	router.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	unmatched := httpRequests.WithLabelValues(http.MethodGet, UnmatchedRoute, "404")
	routed := httpRequests.WithLabelValues(http.MethodGet, "/sessions/:id", "200")
	beforeUnmatched := testutil.ToFloat64(unmatched)
	beforeRouted := testutil.ToFloat64(routed)

	for _, path := range []string{"/sessions/a", "/sessions/b", "/scan/one", "/scan/two"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(unmatched) - beforeUnmatched; got != 2 {
		t.Fatalf("expected 2 unmatched requests, got %v", got)
	}
	if got := testutil.ToFloat64(routed) - beforeRouted; got != 2 {
		t.Fatalf("expected 2 routed requests, got %v", got)
	}
}

func TestMethodLabel(t *testing.T) {
	testlog.Start(t)
	if got := MethodLabel(http.MethodPut); got != http.MethodPut {
		t.Fatalf("unexpected label %q", got)
	}
	if got := MethodLabel("BREW"); got != "other" {
		t.Fatalf("unexpected label %q", got)
	}
}
