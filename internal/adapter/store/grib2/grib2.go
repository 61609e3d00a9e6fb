// Package grib2 loads GRIB2 files on regular latitude/longitude grids through
// GDAL. Every parameter becomes a band and the fixed surface of its fields
// becomes an auxiliary level axis.
package grib2

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/raster"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/observability"
	"go.ngs.io/datacube/internal/reconcile"
)

var errNotGRIB2 = errors.New("not a GRIB2 file")

// shortNames maps GDAL's GRIB element names to ecCodes short names.
var shortNames = map[string]string{
	"TMP":   "t",
	"DPT":   "dpt",
	"SPFH":  "q",
	"RH":    "r",
	"APCP":  "tp",
	"UGRD":  "u",
	"VGRD":  "v",
	"GUST":  "gust",
	"PRES":  "sp",
	"PRMSL": "prmsl",
	"HGT":   "gh",
	"TCDC":  "tcc",
	"HTSGW": "swh",
}

// field is one GRIB message as GDAL exposes it: a band with its parameter,
// surface and valid time.
type field struct {
	band    int
	element string
	name    string
	surface string
	level   float64
	valid   time.Time
}

// matches reports whether band names the field's parameter, either by its
// short name or by its GRIB element.
func (f field) matches(band string) bool {
	return strings.EqualFold(band, f.name) || strings.EqualFold(band, f.element)
}

// levelDim names the level axis after the surface code of GRIB_SHORT_NAME,
// as cfgrib does.
func levelDim(surface string) string {
	switch surface {
	case "ISBL":
		return "isobaricInhPa"
	case "HTGL":
		return "heightAboveGround"
	case "MSL":
		return "meanSea"
	case "SFC":
		return "surface"
	}
	return "level"
}

// fieldOf reads the parameter, level and valid time of a band from its GRIB
// metadata. GRIB_SHORT_NAME is "<value>-<surface>", isobaric values in Pa.
func fieldOf(b raster.Band) (field, error) {
	f := field{band: b.Index, element: b.Metadata["GRIB_ELEMENT"]}
	if f.element == "" {
		return field{}, fmt.Errorf("band %d: %w", b.Index, errNotGRIB2)
	}
	f.name = shortNames[f.element]
	if f.name == "" {
		f.name = strings.ToLower(f.element)
	}

	if sn := b.Metadata["GRIB_SHORT_NAME"]; sn != "" {
		parts := strings.Split(sn, "-")
		f.surface = levelDim(parts[len(parts)-1])
		if v, err := strconv.ParseFloat(parts[0], 64); err == nil {
			f.level = v
		}
		if parts[len(parts)-1] == "ISBL" {
			f.level /= 100
		}
	} else {
		f.surface = levelDim("")
	}

	sec, err := gribSeconds(b.Metadata["GRIB_VALID_TIME"])
	if err != nil {
		ref, rerr := gribSeconds(b.Metadata["GRIB_REF_TIME"])
		lead, lerr := gribSeconds(b.Metadata["GRIB_FORECAST_SECONDS"])
		if rerr != nil || lerr != nil {
			return field{}, fmt.Errorf("band %d has no valid time: %w", b.Index, err)
		}
		sec = ref + lead
	}
	f.valid = time.Unix(sec, 0).UTC()
	return f, nil
}

// gribSeconds parses GDAL's time metadata, either "1705320000" or
// "  1705320000 sec UTC".
func gribSeconds(v string) (int64, error) {
	fs := strings.Fields(v)
	if len(fs) == 0 {
		return 0, fmt.Errorf("empty time")
	}
	return strconv.ParseInt(fs[0], 10, 64)
}

// Loader reads GRIB2 assets from local paths, HTTP(S) or S3.
type Loader struct {
	objects *objstore.Reader
	log     zerolog.Logger
}

// New returns a loader reading assets through objects.
func New(objects *objstore.Reader, log zerolog.Logger) *Loader {
	return &Loader{objects: objects, log: log.With().Str("loader", string(store.FormatGRIB2)).Logger()}
}

// Format reports FormatGRIB2.
func (l *Loader) Format() store.Format { return store.FormatGRIB2 }

func (l *Loader) Load(ctx context.Context, req store.Request) (out *cube.Cube, err error) {
	start := time.Now()
	defer func() { observability.ObserveLoad(string(store.FormatGRIB2), err, time.Since(start).Seconds()) }()

	if len(req.Assets) == 0 {
		return nil, domain.ErrNoItems
	}
	parts := make([]*cube.Cube, 0, len(req.Assets))
	for _, ia := range req.Assets {
		c, err := l.loadItem(ctx, ia, req)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", ia.Asset.Href, err)
		}
		parts = append(parts, c)
	}
	return store.ConcatItems(parts)
}

func (l *Loader) loadItem(ctx context.Context, ia domain.ItemAsset, req store.Request) (*cube.Cube, error) {
	path, cleanup, err := l.objects.LocalPath(ctx, ia.Asset.Href)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ds, err := raster.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNotGRIB2, err)
	}
	defer ds.Close()
	if ds.Driver != "GRIB" {
		return nil, fmt.Errorf("%w: opened by the %s driver", errNotGRIB2, ds.Driver)
	}
	if err := ds.Georeferenced(); err != nil {
		return nil, err
	}

	fields := make([]field, 0, len(ds.Bands))
	var names []string
	for _, b := range ds.Bands {
		f, err := fieldOf(b)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(names, f.name) {
			names = append(names, f.name)
		}
		fields = append(fields, f)
	}

	x, y := ds.XCoords(), ds.YCoords()
	read := func(band int) ([]float64, error) { return ds.Read(band, 0, ds.Height, 0, ds.Width) }

	var bands []*cube.Cube
	for _, band := range req.Bands {
		label := band
		var fs []field
		for _, f := range fields {
			if f.matches(band) {
				fs = append(fs, f)
			}
		}
		if len(fs) == 0 && len(req.Bands) == 1 && len(names) == 1 {
			fs, label = fields, store.PlaceholderBand
		}
		if len(fs) == 0 {
			return nil, &domain.BandNotFoundError{Band: band, Source: ia.Asset.Href}
		}
		c, err := bandCube(fs, x, y, read)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", band, err)
		}
		// Filter and drop single levels per band so that parameters on
		// different surfaces can share the band axis.
		if c, err = store.ApplyDimensionFilters(c, req.Filters); err != nil {
			return nil, err
		}
		if c, err = store.DropScalarAxes(c); err != nil {
			return nil, err
		}
		if c, err = c.ExpandDims(domain.DimBands, cube.Strings(label)); err != nil {
			return nil, err
		}
		bands = append(bands, c)
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("no bands requested")
	}

	c, err := cube.Concat(domain.DimBands, bands...)
	if err != nil {
		return nil, fmt.Errorf("failed to combine parameters: %w", err)
	}
	code, err := store.SourceCRS(ia.Item, ds.EPSG, true)
	if err != nil {
		return nil, err
	}
	c = c.WithCRS(code).WithNoData(math.NaN())
	if c, err = store.NormalizeLongitudes(c); err != nil {
		return nil, err
	}
	if c, err = store.SortSpatial(c); err != nil {
		return nil, err
	}
	if req.BBox != nil {
		if c, err = reconcile.ClipBox(c, *req.BBox); err != nil {
			return nil, err
		}
	}
	l.log.Debug().
		Str("item", ia.Item.ID).
		Int("fields", len(fields)).
		Strs("parameters", names).
		Ints("shape", c.Shape()).
		Msg("grib2 item read")
	return store.Finish(c, ia.Item, req)
}

// bandCube lays the fields of one parameter out as (time, level, y, x). Time and
// level labels are the sorted distinct values of the fields; combinations no
// field provides stay NaN.
func bandCube(fs []field, x, y []float64, read func(band int) ([]float64, error)) (*cube.Cube, error) {
	surface := fs[0].surface
	var times []time.Time
	var levels []float64
	for _, f := range fs {
		if f.surface != surface {
			return nil, fmt.Errorf("fields are on %s and %s surfaces", surface, f.surface)
		}
		if !slices.ContainsFunc(times, f.valid.Equal) {
			times = append(times, f.valid)
		}
		if !slices.Contains(levels, f.level) {
			levels = append(levels, f.level)
		}
	}
	slices.SortFunc(times, func(a, b time.Time) int { return a.Compare(b) })
	slices.Sort(levels)

	plane := len(x) * len(y)
	data := make([]float64, len(times)*len(levels)*plane)
	for i := range data {
		data[i] = math.NaN()
	}
	for _, f := range fs {
		vals, err := read(f.band)
		if err != nil {
			return nil, err
		}
		if len(vals) != plane {
			return nil, fmt.Errorf("band %d holds %d values, grid has %d", f.band, len(vals), plane)
		}
		ti := slices.IndexFunc(times, f.valid.Equal)
		li := slices.Index(levels, f.level)
		copy(data[(ti*len(levels)+li)*plane:], vals)
	}

	return cube.New(
		[]string{domain.DimTime, surface, domain.DimY, domain.DimX},
		map[string]cube.Coord{
			domain.DimTime: cube.Times(times...),
			surface:        cube.Floats(levels...),
			domain.DimY:    cube.Floats(slices.Clone(y)...),
			domain.DimX:    cube.Floats(slices.Clone(x)...),
		},
		data, 0,
	)
}
