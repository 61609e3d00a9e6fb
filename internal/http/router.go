package http

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/cubecache"
	"go.ngs.io/datacube/internal/logger"
	"go.ngs.io/datacube/internal/observability"
	"go.ngs.io/datacube/internal/usecase"
)

const requestIDHeader = "X-Request-ID"

// RouterConfig carries the collaborators of the router.
type RouterConfig struct {
	Load  *usecase.LoadUseCase
	Merge *usecase.MergeUseCase
	Cache *cubecache.Repository
	// AllowedOrigins of "*" or empty allows every origin.
	AllowedOrigins []string
	Log            zerolog.Logger
}

// SetupRouter creates and configures the Gin router.
func SetupRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Log))

	// Setup CORS middleware.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AddExposeHeaders(requestIDHeader)
	router.Use(cors.New(corsConfig))

	handler := NewHandler(cfg.Load, cfg.Merge, cfg.Cache, cfg.Log)

	// API v1 routes.
	v1 := router.Group("/v1")
	cubes := v1.Group("/cubes")
	cubes.POST("/load", handler.LoadCube)
	cubes.POST("/merge", handler.MergeCubes)
	v1.GET("/resolvers", handler.ListResolvers)
	v1.DELETE("/cache", handler.ResetCache)

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}

// requestLogger tags the request context with a request ID, records the
// request metrics and writes one access log line.
func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = logger.NewID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))
		c.Header(requestIDHeader, id)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		observability.ObserveHTTP(c.Request.Method, route, status, elapsed.Seconds())
		if route == "/metrics" || route == "/health" {
			return
		}
		logger.FromContext(c.Request.Context(), &log).Info().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request served")
	}
}
