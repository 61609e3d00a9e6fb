package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test")
	ObserveHTTP("POST", "/v1/cubes/load", 200, 0.001)
	ObserveLoad("cog", nil, 0.2)
	ObserveLoad("zarr", errors.New("boom"), 0.1)
	IncMerge("stack")
	IncCacheHit()
	IncCacheMiss()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"datacube_build_info",
		"datacube_http_requests_total",
		`datacube_loads_total{format="zarr",outcome="error"} 1`,
		`datacube_merges_total{branch="stack"}`,
		`datacube_cache_results_total{outcome="hit"}`,
		"datacube_load_duration_seconds_bucket",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics payload missing %q", want)
		}
	}
}
