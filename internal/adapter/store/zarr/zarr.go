// Package zarr loads Zarr v2 stores written with xarray conventions: one array
// per band, dimension names in _ARRAY_DIMENSIONS and one-dimensional coordinate
// arrays named after their dimension.
package zarr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/observability"
	"go.ngs.io/datacube/internal/reconcile"
)

var (
	xNames    = []string{"x", "lon", "longitude"}
	yNames    = []string{"y", "lat", "latitude"}
	timeNames = []string{"time", "t"}
	crsNames  = []string{"spatial_ref", "crs"}
)

var datetimeUnits = map[string]string{
	"ns": "nanoseconds", "us": "microseconds", "ms": "milliseconds",
	"s": "seconds", "m": "minutes", "h": "hours", "D": "days",
}

// Loader reads Zarr v2 stores from local paths, HTTP(S) or S3.
type Loader struct {
	objects *objstore.Reader
	log     zerolog.Logger
}

// New returns a loader reading assets through objects.
func New(objects *objstore.Reader, log zerolog.Logger) *Loader {
	return &Loader{objects: objects, log: log.With().Str("loader", string(store.FormatZarr)).Logger()}
}

// Format reports FormatZarr.
func (l *Loader) Format() store.Format { return store.FormatZarr }

func (l *Loader) Load(ctx context.Context, req store.Request) (out *cube.Cube, err error) {
	start := time.Now()
	defer func() { observability.ObserveLoad(string(store.FormatZarr), err, time.Since(start).Seconds()) }()

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

// item holds what the bands of one store share.
type item struct {
	meta    *metaSource
	axes    store.Axes
	coords  map[string]cube.Coord
	windows map[string]store.Window
	crs     int
}

func (l *Loader) loadItem(ctx context.Context, ia domain.ItemAsset, req store.Request) (*cube.Cube, error) {
	meta, err := newMetaSource(ctx, l.objects, ia.Asset.Href)
	if err != nil {
		return nil, err
	}
	it := &item{
		meta:    meta,
		axes:    store.ResolveAxes(ia.Item, store.Axes{}),
		coords:  map[string]cube.Coord{},
		windows: map[string]store.Window{},
	}

	var bands []*cube.Cube
	for _, band := range req.Bands {
		name, label := band, band
		arr, err := meta.openArray(ctx, name)
		if errors.Is(err, objstore.ErrNotFound) && len(req.Bands) == 1 {
			if arr, err = meta.openArray(ctx, store.PlaceholderBand); err == nil {
				name, label = store.PlaceholderBand, store.PlaceholderBand
			}
		}
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, &domain.BandNotFoundError{Band: band, Source: ia.Asset.Href}
		}
		if err != nil {
			return nil, err
		}
		c, err := l.readBand(ctx, it, ia, arr, req)
		if err != nil {
			return nil, fmt.Errorf("array %q: %w", name, err)
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
		return nil, err
	}
	c = c.WithCRS(it.crs)
	if c, err = store.RenameAxes(c, it.axes); err != nil {
		return nil, err
	}
	if c, err = store.SortSpatial(c); err != nil {
		return nil, err
	}
	l.log.Debug().
		Str("item", ia.Item.ID).
		Int("crs", it.crs).
		Ints("shape", c.Shape()).
		Msg("zarr item read")
	return store.Finish(c, ia.Item, req)
}

func (l *Loader) readBand(ctx context.Context, it *item, ia domain.ItemAsset, arr *array, req store.Request) (*cube.Cube, error) {
	dims, err := arr.dims()
	if err != nil {
		return nil, err
	}
	has := func(n string) bool { return slices.Contains(dims, n) }
	if it.axes.X, err = store.SpatialAxis(ia.Item, domain.DimX, xNames, has); err != nil {
		return nil, err
	}
	if it.axes.Y, err = store.SpatialAxis(ia.Item, domain.DimY, yNames, has); err != nil {
		return nil, err
	}
	if it.axes.Time == "" {
		it.axes.Time = pick(dims, timeNames)
	}

	for i, d := range dims {
		if _, ok := it.coords[d]; ok {
			continue
		}
		coord, err := l.coordinate(ctx, it, d, arr.shape[i])
		if err != nil {
			return nil, fmt.Errorf("coordinate %q: %w", d, err)
		}
		it.coords[d] = coord
	}

	if len(it.windows) == 0 {
		if err := l.spatialWindows(ctx, it, ia, arr, req); err != nil {
			return nil, err
		}
	}

	win := make([]store.Window, len(dims))
	coords := make(map[string]cube.Coord, len(dims))
	for i, d := range dims {
		w, ok := it.windows[d]
		if !ok {
			w = store.Window{Count: arr.shape[i]}
		}
		win[i] = w
		coords[d] = it.coords[d].Take(span(w.Start, w.Count))
	}

	data, err := arr.read(ctx, l.objects, win)
	if err != nil {
		return nil, err
	}
	fill, scale, offset := arr.packing()
	store.ApplyScale(data, fill, scale, offset)

	c, err := cube.New(dims, coords, data, 0)
	if err != nil {
		return nil, err
	}
	return c.WithNoData(math.NaN()), nil
}

// spatialWindows settles the reference system of the store and the x and y
// windows the request bbox selects.
func (l *Loader) spatialWindows(ctx context.Context, it *item, ia domain.ItemAsset, arr *array, req store.Request) error {
	geographic := store.IsGeographicName(it.axes.X) && store.IsGeographicName(it.axes.Y)
	code, err := store.SourceCRS(ia.Item, l.fileCRS(ctx, it.meta, arr), geographic)
	if err != nil {
		return err
	}
	it.crs = code

	xc, yc := it.coords[it.axes.X], it.coords[it.axes.Y]
	xw, yw := store.Window{Count: xc.Len()}, store.Window{Count: yc.Len()}
	if req.BBox != nil {
		if xc.Kind != cube.KindFloat || yc.Kind != cube.KindFloat {
			return fmt.Errorf("spatial coordinates are not numeric")
		}
		bb, err := reconcile.ReprojectBBox(*req.BBox, req.BBox.EPSG(), code)
		if err != nil {
			return err
		}
		xi, yi, err := reconcile.ClipWindow(xc.Floats, yc.Floats, bb)
		if err != nil {
			return err
		}
		if xw, err = store.WindowOf(xi); err != nil {
			return err
		}
		if yw, err = store.WindowOf(yi); err != nil {
			return err
		}
	}
	it.windows[it.axes.X] = xw
	it.windows[it.axes.Y] = yw
	return nil
}

// fileCRS reads the EPSG code from the array's grid mapping variable, 0 when
// the store declares none.
func (l *Loader) fileCRS(ctx context.Context, meta *metaSource, arr *array) int {
	names := crsNames
	if gm, ok := arr.attrString("grid_mapping"); ok && gm != "" {
		names = append([]string{gm}, crsNames...)
	}
	for _, n := range names {
		gm, err := meta.openArray(ctx, n)
		if err != nil {
			continue
		}
		if f, ok := gm.attrFloat("epsg_code"); ok && f > 0 {
			return int(f)
		}
		for _, attr := range []string{"epsg_code", "crs_wkt", "spatial_ref"} {
			if s, ok := gm.attrString(attr); ok {
				if code, err := domain.ParseEPSG(s); err == nil {
					return code
				}
			}
		}
	}
	return 0
}

func (l *Loader) coordinate(ctx context.Context, it *item, dim string, n int) (cube.Coord, error) {
	arr, err := it.meta.openArray(ctx, dim)
	if errors.Is(err, objstore.ErrNotFound) {
		return cube.Range(n), nil
	}
	if err != nil {
		return cube.Coord{}, err
	}
	vals, err := arr.readAll(ctx, l.objects)
	if err != nil {
		return cube.Coord{}, err
	}
	if len(vals) != n {
		return cube.Coord{}, fmt.Errorf("has %d values for a dimension of length %d", len(vals), n)
	}
	if dim != it.axes.Time {
		return cube.Floats(vals...), nil
	}

	units, ok := arr.attrString("units")
	if arr.dtype.kind == 'M' {
		u, known := datetimeUnits[arr.dtype.unit]
		if !known {
			return cube.Coord{}, fmt.Errorf("unsupported datetime unit %q", arr.dtype.unit)
		}
		units, ok = u+" since 1970-01-01", true
	}
	if !ok {
		return cube.Coord{}, fmt.Errorf("time array has no units")
	}
	ts, err := store.DecodeCFTime(units, vals)
	if err != nil {
		return cube.Coord{}, err
	}
	return cube.Times(ts...), nil
}

func pick(dims, names []string) string {
	for _, n := range names {
		if slices.Contains(dims, n) {
			return n
		}
	}
	return ""
}

func span(start, n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = start + i
	}
	return idx
}
