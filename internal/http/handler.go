package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/cubecache"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/logger"
	"go.ngs.io/datacube/internal/merge"
	"go.ngs.io/datacube/internal/usecase"
)

// Handler handles HTTP requests for cube loads and merges.
type Handler struct {
	loadUC  *usecase.LoadUseCase
	mergeUC *usecase.MergeUseCase
	cache   *cubecache.Repository
	log     zerolog.Logger
}

// NewHandler creates a new HTTP handler. cache may be nil.
func NewHandler(loadUC *usecase.LoadUseCase, mergeUC *usecase.MergeUseCase, cache *cubecache.Repository, log zerolog.Logger) *Handler {
	return &Handler{
		loadUC:  loadUC,
		mergeUC: mergeUC,
		cache:   cache,
		log:     log,
	}
}

// LoadResponse is the body returned by a load.
type LoadResponse struct {
	Cube     cube.Summary `json:"cube"`
	Majority string       `json:"majority,omitempty"`
	Cached   bool         `json:"cached"`
}

// LoadCube handles POST /v1/cubes/load.
func (h *Handler) LoadCube(c *gin.Context) {
	body, ok := h.readJSON(c)
	if !ok {
		return
	}
	req, err := parseLoadRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.loadUC.Execute(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := LoadResponse{Cube: res.Cube.Summarize(), Cached: res.Cached}
	if res.Majority.Resolution > 0 {
		resp.Majority = res.Majority.String()
	}
	c.JSON(http.StatusOK, resp)
}

// MergeCubes handles POST /v1/cubes/merge.
func (h *Handler) MergeCubes(c *gin.Context) {
	body, ok := h.readJSON(c)
	if !ok {
		return
	}
	req, err := parseMergeRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := h.mergeUC.Execute(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cube": out.Summarize()})
}

// ResetCache handles DELETE /v1/cache.
func (h *Handler) ResetCache(c *gin.Context) {
	dropped := 0
	if h.cache != nil {
		dropped = h.cache.Reset()
	}
	c.JSON(http.StatusOK, gin.H{"dropped": dropped})
}

// ListResolvers handles GET /v1/resolvers.
func (h *Handler) ListResolvers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resolvers": merge.ResolverNames()})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) readJSON(c *gin.Context) (gjson.Result, bool) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return gjson.Result{}, false
	}
	if !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body is not valid JSON"})
		return gjson.Result{}, false
	}
	return gjson.ParseBytes(raw), true
}

// fail maps a use case error to a status code.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	log := logger.FromContext(c.Request.Context(), &h.log)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest),
		errors.Is(err, domain.ErrEmptyItems),
		errors.Is(err, domain.ErrInvalidBBox),
		errors.Is(err, domain.ErrUnsupportedTopology):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOverlapResolverMissing):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNoItems),
		errors.Is(err, domain.ErrBandNotFound),
		errors.Is(err, domain.ErrDimensionNotFound),
		errors.Is(err, domain.ErrNoDataInBounds):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnresolvedCRSResolution),
		errors.Is(err, domain.ErrCRSUndeclared),
		errors.Is(err, domain.ErrBBoxOrientation):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
