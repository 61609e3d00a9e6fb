// Package main provides the datacube HTTP server.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.ngs.io/datacube/internal/adapter/crs"
	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/adapter/store/cog"
	"go.ngs.io/datacube/internal/adapter/store/grib2"
	"go.ngs.io/datacube/internal/adapter/store/gridded"
	"go.ngs.io/datacube/internal/adapter/store/netcdf"
	"go.ngs.io/datacube/internal/adapter/store/zarr"
	"go.ngs.io/datacube/internal/config"
	"go.ngs.io/datacube/internal/cubecache"
	httpHandler "go.ngs.io/datacube/internal/http"
	"go.ngs.io/datacube/internal/logger"
	"go.ngs.io/datacube/internal/merge"
	"go.ngs.io/datacube/internal/observability"
	"go.ngs.io/datacube/internal/usecase"
)

const version = "0.1.0"

func main() {
	// Parse command-line flags.
	showHelp := flag.Bool("help", false, "Show usage information")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}

	if *showVersion {
		fmt.Printf("datacube version %s\n", version)
		return
	}

	cfg := config.FromEnv()
	log := logger.Build(logger.Config{Level: cfg.LogLevel, Console: cfg.LogConsole, Component: "server"}, os.Stdout)
	observability.ExposeBuildInfo(version)

	log.Info().
		Str("version", version).
		Str("port", cfg.Port).
		Int("cache_size", cfg.CacheSize).
		Str("resampling", cfg.Resampling).
		Str("s3_region", cfg.S3.Region).
		Msg("starting datacube server")

	for code, def := range cfg.CRSDefinitions {
		if err := crs.Register(code, def); err != nil {
			log.Fatal().Err(err).Int("epsg", code).Msg("invalid CRS definition")
		}
	}

	method, err := interp.ParseMethod(cfg.Resampling)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid RESAMPLING")
	}

	// Initialize loaders, all reading through one object reader.
	objects := objstore.New(objstore.Config{
		Region:      cfg.S3.Region,
		Endpoint:    cfg.S3.Endpoint,
		PathStyle:   cfg.S3.PathStyle,
		HTTPTimeout: cfg.HTTPTimeout,
		TempDir:     cfg.TempDir,
	}, log)
	loaders := store.NewRegistry(
		cog.New(objects, log),
		zarr.New(objects, log),
		netcdf.New(objects, log),
		grib2.New(objects, log),
		gridded.New(objects, log),
	)

	cache, err := cubecache.New(cfg.CacheSize, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create cube cache")
	}

	// Initialize use cases.
	loadUC := usecase.NewLoadUseCase(loaders, cache, method, log)
	mergeUC := usecase.NewMergeUseCase(loadUC, merge.NewEngine(log, method), log)

	// Setup router.
	router := httpHandler.SetupRouter(httpHandler.RouterConfig{
		Load:           loadUC,
		Merge:          mergeUC,
		Cache:          cache,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Log:            log,
	})

	// Start server.
	addr := fmt.Sprintf(":%s", cfg.Port)
	log.Info().
		Str("addr", addr).
		Strs("endpoints", []string{
			"POST /v1/cubes/load",
			"POST /v1/cubes/merge",
			"GET /v1/resolvers",
			"DELETE /v1/cache",
			"GET /health",
			"GET /metrics",
		}).
		Msg("server listening")

	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
}

// printUsage prints usage information.
func printUsage() {
	fmt.Printf("Datacube Server v%s\n\n", version)
	fmt.Println("USAGE:")
	fmt.Println("  datacube [flags]")
	fmt.Println()
	fmt.Println("FLAGS:")
	fmt.Println("  -help          Show this help message")
	fmt.Println("  -version       Show version information")
	fmt.Println()
	fmt.Println("ENVIRONMENT VARIABLES:")
	fmt.Println("  PORT                    Server port (default: 8080)")
	fmt.Println("  LOG_LEVEL               trace, debug, info, warn or error (default: info)")
	fmt.Println("  LOG_CONSOLE             Human readable log output (default: false)")
	fmt.Println("  CACHE_SIZE              Number of loaded cubes kept in memory (default: 32)")
	fmt.Println("  RESAMPLING              nearest or bilinear (default: nearest)")
	fmt.Println("  S3_REGION               Region of s3:// assets (default: us-west-2)")
	fmt.Println("  S3_ENDPOINT             Custom S3 endpoint (optional)")
	fmt.Println("  S3_PATH_STYLE           Path-style S3 addressing (default: false)")
	fmt.Println("  HTTP_TIMEOUT            Timeout of http(s):// asset reads (default: 60s)")
	fmt.Println("  TEMP_DIR                Scratch directory for remote NetCDF assets")
	fmt.Println("  CORS_ALLOWED_ORIGINS    Comma-separated list of allowed origins (default: all origins)")
	fmt.Println("  CRS_DEFINITIONS         Extra proj4 definitions, \"3035=+proj=laea ...;27700=...\"")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start server with default settings")
	fmt.Println("  datacube")
	fmt.Println()
	fmt.Println("  # Bilinear resampling against a local S3 endpoint")
	fmt.Println("  RESAMPLING=bilinear S3_ENDPOINT=http://localhost:9000 S3_PATH_STYLE=true datacube")
	fmt.Println()
	fmt.Println("API ENDPOINTS:")
	fmt.Println("  GET    /health                 Health check")
	fmt.Println("  GET    /metrics                Prometheus metrics")
	fmt.Println("  POST   /v1/cubes/load          Load a cube from STAC items")
	fmt.Println("  POST   /v1/cubes/merge         Load and merge two cubes")
	fmt.Println("  GET    /v1/resolvers           List overlap resolvers")
	fmt.Println("  DELETE /v1/cache               Drop every cached cube")
	fmt.Println()
}
