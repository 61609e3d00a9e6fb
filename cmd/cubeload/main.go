// Command cubeload loads a cube from a file of STAC items, the way the server
// does for POST /v1/cubes/load, and prints its summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/adapter/store/cog"
	"go.ngs.io/datacube/internal/adapter/store/grib2"
	"go.ngs.io/datacube/internal/adapter/store/gridded"
	"go.ngs.io/datacube/internal/adapter/store/netcdf"
	"go.ngs.io/datacube/internal/adapter/store/zarr"
	"go.ngs.io/datacube/internal/catalog"
	"go.ngs.io/datacube/internal/config"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/logger"
	"go.ngs.io/datacube/internal/usecase"
)

type output struct {
	Majority string       `json:"majority"`
	Elapsed  string       `json:"elapsed"`
	Cube     cube.Summary `json:"cube"`
}

func main() {
	itemsPath := flag.String("items", "", "STAC item, item collection or JSON array of items (- for stdin)")
	bandsFlag := flag.String("bands", "", "Comma-separated band names")
	bboxFlag := flag.String("bbox", "", "west,south,east,north")
	bboxCRS := flag.String("bbox-crs", "EPSG:4326", "Reference system of -bbox")
	startFlag := flag.String("start", "", "Start time (RFC3339), empty for the earliest")
	endFlag := flag.String("end", "", "End time (RFC3339), empty for the latest")
	rightOpen := flag.Bool("right-open", false, "Exclude -end itself")
	resampling := flag.String("resampling", "", "nearest or bilinear (default: RESAMPLING)")
	filtersFlag := flag.String("filters", "", `Auxiliary dimension filters, e.g. {"level": 850}`)
	flag.Parse()

	cfg := config.FromEnv()
	log := logger.Build(logger.Config{Level: cfg.LogLevel, Console: true, Component: "cubeload"}, os.Stderr)

	req, err := buildRequest(*itemsPath, *bandsFlag, *bboxFlag, *bboxCRS, *startFlag, *endFlag, *rightOpen, *resampling, *filtersFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	method, err := interp.ParseMethod(cfg.Resampling)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid RESAMPLING")
	}
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
	uc := usecase.NewLoadUseCase(loaders, nil, method, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	started := time.Now()
	res, err := uc.Execute(ctx, req)
	if err != nil {
		log.Fatal().Err(err).Msg("load failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(output{
		Majority: res.Majority.String(),
		Elapsed:  time.Since(started).Round(time.Millisecond).String(),
		Cube:     res.Cube.Summarize(),
	}); err != nil {
		log.Fatal().Err(err).Msg("failed to write summary")
	}
}

func buildRequest(itemsPath, bands, bbox, bboxCRS, start, end string, rightOpen bool, resampling, filters string) (usecase.LoadRequest, error) {
	var req usecase.LoadRequest
	if itemsPath == "" {
		return req, fmt.Errorf("-items is required")
	}
	raw, err := readInput(itemsPath)
	if err != nil {
		return req, err
	}
	if req.Items, err = catalog.ParseItemCollection(raw); err != nil {
		return req, err
	}
	if len(req.Items) > 0 {
		req.Collection = req.Items[0].Collection
	}

	for b := range strings.SplitSeq(bands, ",") {
		if b = strings.TrimSpace(b); b != "" {
			req.Bands = append(req.Bands, b)
		}
	}

	if bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return req, fmt.Errorf("-bbox needs 4 comma-separated numbers")
		}
		var v [4]float64
		for i, p := range parts {
			if v[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64); err != nil {
				return req, fmt.Errorf("invalid -bbox: %w", err)
			}
		}
		code, err := domain.ParseEPSG(bboxCRS)
		if err != nil {
			return req, fmt.Errorf("invalid -bbox-crs: %w", err)
		}
		req.BBox = &domain.BBox{West: v[0], South: v[1], East: v[2], North: v[3], CRS: code}
	}

	if req.Time.Start, err = parseTime(start); err != nil {
		return req, fmt.Errorf("invalid -start: %w", err)
	}
	if req.Time.End, err = parseTime(end); err != nil {
		return req, fmt.Errorf("invalid -end: %w", err)
	}
	req.Time.RightOpen = rightOpen

	if resampling != "" {
		m, err := interp.ParseMethod(resampling)
		if err != nil {
			return req, err
		}
		req.Method = &m
	}
	if req.Filters, err = store.ParseDimensionFilters([]byte(filters)); err != nil {
		return req, err
	}
	return req, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
