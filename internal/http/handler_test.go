package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/cubecache"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/merge"
	"go.ngs.io/datacube/internal/usecase"
)

// constLoader fills every requested window with one value per asset.
type constLoader struct{}

func (constLoader) Format() store.Format { return store.FormatCOG }

func (constLoader) Load(_ context.Context, req store.Request) (*cube.Cube, error) {
	var parts []*cube.Cube
	for i, ia := range req.Assets {
		c, err := cube.Full(
			[]string{domain.DimTime, domain.DimBands, domain.DimY, domain.DimX},
			map[string]cube.Coord{
				domain.DimTime:  cube.Times(time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)),
				domain.DimBands: cube.Strings(req.Bands[0]),
				domain.DimY:     cube.Floats(1, 0),
				domain.DimX:     cube.Floats(0, 1),
			},
			float64(i+1), req.CRS,
		)
		if err != nil {
			return nil, err
		}
		if ia.Asset.Href == "" {
			return nil, fmt.Errorf("empty href")
		}
		parts = append(parts, c)
	}
	return store.ConcatItems(parts)
}

const itemsJSON = `{"type": "FeatureCollection", "features": [{
	"id": "a",
	"collection": "s2",
	"bbox": [0, 0, 1, 1],
	"properties": {
		"datetime": "2023-06-01T00:00:00Z",
		"proj:epsg": 4326,
		"cube:dimensions": {
			"x": {"type": "spatial", "axis": "x", "step": 10},
			"y": {"type": "spatial", "axis": "y", "step": 10}
		}
	},
	"assets": {
		"B04": {"href": "a/B04.tif", "type": "image/tiff", "roles": ["data"]},
		"B08": {"href": "a/B08.tif", "type": "image/tiff", "roles": ["data"]}
	}
}]}`

func newTestRouter(t *testing.T) (*gin.Engine, *cubecache.Repository) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cache, err := cubecache.New(8, zerolog.Nop())
	require.NoError(t, err)
	loads := usecase.NewLoadUseCase(store.NewRegistry(constLoader{}), cache, interp.Nearest, zerolog.Nop())
	merges := usecase.NewMergeUseCase(loads, merge.NewEngine(zerolog.Nop(), interp.Nearest), zerolog.Nop())
	router := SetupRouter(RouterConfig{
		Load:           loads,
		Merge:          merges,
		Cache:          cache,
		AllowedOrigins: []string{"*"},
		Log:            zerolog.Nop(),
	})
	return router, cache
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func loadBody(bands string, extra string) string {
	return `{"items": ` + itemsJSON + `, "bands": ` + bands + extra + `}`
}

func TestLoadCube(t *testing.T) {
	router, cache := newTestRouter(t)

	rr := do(router, http.MethodPost, "/v1/cubes/load", loadBody(`["B04", "B08"]`, `, "bbox": [0, 0, 1, 1], "resampling": "bilinear"`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NotEmpty(t, rr.Header().Get(requestIDHeader))

	body := gjson.Parse(rr.Body.String())
	require.Equal(t, "EPSG:4326@10", body.Get("majority").String())
	require.False(t, body.Get("cached").Bool())
	require.Equal(t, `["time","bands","y","x"]`, body.Get("cube.dims").Raw)
	require.Equal(t, `["B04","B08"]`, body.Get("cube.coords.bands.labels").Raw)
	require.Equal(t, 1.0, body.Get("cube.max").Float())
	require.Equal(t, 1, cache.Len())

	// The collection defaults to the one of the first item and the second
	// request is served from the cache.
	rr = do(router, http.MethodPost, "/v1/cubes/load", loadBody(`["B04", "B08"]`, `, "bbox": [0, 0, 1, 1], "resampling": "bilinear"`))
	require.Equal(t, http.StatusOK, rr.Code)
	cached := gjson.Parse(rr.Body.String())
	require.True(t, cached.Get("cached").Bool())
	require.Equal(t, "EPSG:4326@10", cached.Get("majority").String())

	rr = do(router, http.MethodDelete, "/v1/cache", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(1), gjson.Get(rr.Body.String(), "dropped").Int())
	require.Equal(t, 0, cache.Len())
}

func TestLoadCube_Errors(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `{"items":`, http.StatusBadRequest},
		{"no items", `{"bands": ["B04"]}`, http.StatusBadRequest},
		{"no bands", loadBody(`[]`, ""), http.StatusBadRequest},
		{"bad bbox", loadBody(`["B04"]`, `, "bbox": [0, 0, 1]`), http.StatusBadRequest},
		{"inverted bbox", loadBody(`["B04"]`, `, "bbox": [1, 0, 0, 1]`), http.StatusBadRequest},
		{"bad time", loadBody(`["B04"]`, `, "time": ["yesterday", null]`), http.StatusBadRequest},
		{"bad resampling", loadBody(`["B04"]`, `, "resampling": "cubic"`), http.StatusBadRequest},
		{"unknown band", loadBody(`["B12"]`, ""), http.StatusNotFound},
		{"bbox outside", loadBody(`["B04"]`, `, "bbox": [10, 10, 11, 11]`), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(router, http.MethodPost, "/v1/cubes/load", tt.body)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			require.NotEmpty(t, gjson.Get(rr.Body.String(), "error").String())
		})
	}
}

func TestMergeCubes(t *testing.T) {
	router, _ := newTestRouter(t)
	side := func(bands string) string {
		return `{"items": ` + itemsJSON + `, "bands": ` + bands + `, "no_cache": true}`
	}

	rr := do(router, http.MethodPost, "/v1/cubes/merge", `{"first": `+side(`["B04"]`)+`, "second": `+side(`["B08"]`)+`}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, `["B04","B08"]`, gjson.Get(rr.Body.String(), "cube.coords.bands.labels").Raw)

	rr = do(router, http.MethodPost, "/v1/cubes/merge", `{"first": `+side(`["B04"]`)+`, "second": `+side(`["B04", "B08"]`)+`}`)
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	rr = do(router, http.MethodPost, "/v1/cubes/merge", `{"first": `+side(`["B04"]`)+`, "second": `+side(`["B04", "B08"]`)+`, "overlap_resolver": "sum", "context": {"note": "x"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, 2.0, gjson.Get(rr.Body.String(), "cube.max").Float())

	rr = do(router, http.MethodPost, "/v1/cubes/merge", `{"first": `+side(`["B04"]`)+`, "second": `+side(`["B04"]`)+`, "overlap_resolver": "mode"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthMetricsAndResolvers(t *testing.T) {
	router, _ := newTestRouter(t)

	rr := do(router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", gjson.Get(rr.Body.String(), "status").String())

	rr = do(router, http.MethodGet, "/v1/resolvers", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"median"`)

	rr = do(router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "datacube_http_requests_total")
}

func TestParseBBoxAndTime(t *testing.T) {
	box, err := parseBBox(gjson.Parse(`{"west": 500000, "south": 0, "east": 510000, "north": 10000, "crs": "EPSG:32633"}`))
	require.NoError(t, err)
	require.Equal(t, domain.BBox{West: 500000, East: 510000, North: 10000, CRS: 32633}, box)

	_, err = parseBBox(gjson.Parse(`{"west": 0, "south": 0, "east": 1}`))
	require.ErrorIs(t, err, domain.ErrInvalidBBox)

	iv, err := parseTimeInterval(gjson.Parse(`{"start": "2023-06-01T02:00:00+02:00", "end": null, "right_open": true}`))
	require.NoError(t, err)
	require.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), *iv.Start)
	require.Nil(t, iv.End)
	require.True(t, iv.RightOpen)

	_, err = parseTimeInterval(gjson.Parse(`["2023-06-01T00:00:00Z"]`))
	require.Error(t, err)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrapped: %w", domain.ErrUnsupportedTopology), http.StatusBadRequest},
		{fmt.Errorf("%w: bands", usecase.ErrInvalidRequest), http.StatusBadRequest},
		{domain.ErrOverlapResolverMissing, http.StatusConflict},
		{&domain.BandNotFoundError{Band: "B12"}, http.StatusNotFound},
		{domain.ErrCRSUndeclared, http.StatusUnprocessableEntity},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.status, statusFor(tt.err), tt.err.Error())
	}
}
