// Package netcdf loads NetCDF catalog assets into cubes.
package netcdf

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	gonetcdf "github.com/fhs/go-netcdf/netcdf"
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
	crsNames  = []string{"crs", "spatial_ref"}
)

// Loader reads NetCDF files from local paths, HTTP(S) or S3.
type Loader struct {
	objects *objstore.Reader
	log     zerolog.Logger
}

// New returns a loader reading assets through objects.
func New(objects *objstore.Reader, log zerolog.Logger) *Loader {
	return &Loader{objects: objects, log: log.With().Str("loader", string(store.FormatNetCDF)).Logger()}
}

// Format reports FormatNetCDF.
func (l *Loader) Format() store.Format { return store.FormatNetCDF }

// Load opens every asset of the request, reads the requested band variables
// inside the bbox window and stacks the items along time.
func (l *Loader) Load(ctx context.Context, req store.Request) (out *cube.Cube, err error) {
	start := time.Now()
	defer func() { observability.ObserveLoad(string(store.FormatNetCDF), err, time.Since(start).Seconds()) }()

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

	ds, err := gonetcdf.OpenFile(path, gonetcdf.NOWRITE)
	if err != nil {
		return nil, fmt.Errorf("failed to open NetCDF file: %w", err)
	}
	defer func() { _ = ds.Close() }()

	axes := store.ResolveAxes(ia.Item, store.Axes{})
	xName, xs, err := readCoord(ds, ia.Item, domain.DimX, xNames)
	if err != nil {
		return nil, fmt.Errorf("x coordinate: %w", err)
	}
	yName, ys, err := readCoord(ds, ia.Item, domain.DimY, yNames)
	if err != nil {
		return nil, fmt.Errorf("y coordinate: %w", err)
	}
	srcCRS, err := store.SourceCRS(ia.Item, fileCRS(ds), store.IsGeographicName(xName) && store.IsGeographicName(yName))
	if err != nil {
		return nil, err
	}

	xw := store.Window{Count: len(xs)}
	yw := store.Window{Count: len(ys)}
	if req.BBox != nil {
		bb, err := reconcile.ReprojectBBox(*req.BBox, req.BBox.EPSG(), srcCRS)
		if err != nil {
			return nil, err
		}
		xi, yi, err := reconcile.ClipWindow(xs, ys, bb)
		if err != nil {
			return nil, err
		}
		if xw, err = store.WindowOf(xi); err != nil {
			return nil, err
		}
		if yw, err = store.WindowOf(yi); err != nil {
			return nil, err
		}
	}
	spatial := map[string]store.Window{xName: xw, yName: yw}

	timeName := axes.Time
	if timeName == "" {
		timeName = firstVar(ds, timeNames)
	}

	var bands []*cube.Cube
	for _, band := range req.Bands {
		name, label := band, band
		v, err := ds.Var(name)
		if err != nil && len(req.Bands) == 1 {
			if v, err = ds.Var(store.PlaceholderBand); err == nil {
				name, label = store.PlaceholderBand, store.PlaceholderBand
			}
		}
		if err != nil {
			return nil, &domain.BandNotFoundError{Band: band, Source: ia.Asset.Href}
		}
		c, err := readVariable(ds, v, name, spatial, timeName)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
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
	c = c.WithCRS(srcCRS)
	if c, err = store.RenameAxes(c, store.Axes{X: xName, Y: yName, Time: timeName}); err != nil {
		return nil, err
	}
	if c, err = store.SortSpatial(c); err != nil {
		return nil, err
	}
	l.log.Debug().
		Str("item", ia.Item.ID).
		Int("crs", srcCRS).
		Ints("shape", c.Shape()).
		Msg("netcdf item read")
	return store.Finish(c, ia.Item, req)
}

// readVariable reads v over the given windows of its spatial dimensions and in
// full along the others.
func readVariable(ds gonetcdf.Dataset, v gonetcdf.Var, name string, windows map[string]store.Window, timeName string) (*cube.Cube, error) {
	dims, err := v.Dims()
	if err != nil {
		return nil, fmt.Errorf("failed to get dimensions: %w", err)
	}
	names := make([]string, len(dims))
	start := make([]uint64, len(dims))
	count := make([]uint64, len(dims))
	coords := make(map[string]cube.Coord, len(dims))
	seen := map[string]bool{}
	for i, d := range dims {
		dn, err := d.Name()
		if err != nil {
			return nil, err
		}
		n, err := d.Len()
		if err != nil {
			return nil, err
		}
		names[i] = dn
		start[i], count[i] = 0, n
		if w, ok := windows[dn]; ok {
			start[i], count[i] = uint64(w.Start), uint64(w.Count)
			seen[dn] = true
		}
		coord, err := dimCoord(ds, dn, timeName, int(n))
		if err != nil {
			return nil, err
		}
		coords[dn] = coord.Take(span(int(start[i]), int(count[i])))
	}
	if len(seen) != 2 {
		return nil, fmt.Errorf("dimensions %v do not include both spatial axes", names)
	}

	data, err := readSlice(v, start, count)
	if err != nil {
		return nil, err
	}
	fill, scale, offset := packing(v)
	store.ApplyScale(data, fill, scale, offset)

	c, err := cube.New(names, coords, data, 0)
	if err != nil {
		return nil, err
	}
	return c.WithNoData(math.NaN()), nil
}

func dimCoord(ds gonetcdf.Dataset, dim, timeName string, n int) (cube.Coord, error) {
	v, err := ds.Var(dim)
	if err != nil {
		return cube.Range(n), nil
	}
	vals, err := readFloat64Var(v)
	if err != nil || len(vals) != n {
		return cube.Range(n), nil
	}
	if dim == timeName {
		units, ok := attrString(v, "units")
		if !ok {
			return cube.Coord{}, fmt.Errorf("time variable %q has no units", dim)
		}
		ts, err := store.DecodeCFTime(units, vals)
		if err != nil {
			return cube.Coord{}, err
		}
		return cube.Times(ts...), nil
	}
	return cube.Floats(vals...), nil
}

func readCoord(ds gonetcdf.Dataset, it *domain.CatalogItem, axis string, fallbacks []string) (string, []float64, error) {
	name, err := store.SpatialAxis(it, axis, fallbacks, func(n string) bool {
		_, err := ds.Var(n)
		return err == nil
	})
	if err != nil {
		return "", nil, err
	}
	v, err := ds.Var(name)
	if err != nil {
		return "", nil, err
	}
	vals, err := readFloat64Var(v)
	if err != nil {
		return "", nil, fmt.Errorf("variable %q: %w", name, err)
	}
	return name, vals, nil
}

func firstVar(ds gonetcdf.Dataset, names []string) string {
	for _, n := range names {
		if _, err := ds.Var(n); err == nil {
			return n
		}
	}
	return ""
}

// fileCRS reads the EPSG code of a grid-mapping variable, 0 when there is none.
func fileCRS(ds gonetcdf.Dataset) int {
	for _, name := range crsNames {
		v, err := ds.Var(name)
		if err != nil {
			continue
		}
		for _, attr := range []string{"epsg_code", "crs_wkt", "spatial_ref"} {
			if s, ok := attrString(v, attr); ok {
				if code, err := domain.ParseEPSG(s); err == nil {
					return code
				}
			}
		}
		if f, ok := attrFloat(v, "epsg_code"); ok {
			return int(f)
		}
	}
	return 0
}

func packing(v gonetcdf.Var) (fill *float64, scale, offset float64) {
	scale, offset = 1, 0
	for _, name := range []string{"_FillValue", "missing_value"} {
		if f, ok := attrFloat(v, name); ok {
			fill = &f
			break
		}
	}
	if s, ok := attrFloat(v, "scale_factor"); ok && s != 0 {
		scale = s
	}
	if o, ok := attrFloat(v, "add_offset"); ok {
		offset = o
	}
	return fill, scale, offset
}

func attrFloat(v gonetcdf.Var, name string) (float64, bool) {
	a := v.Attr(name)
	if n, err := a.Len(); err != nil || n == 0 {
		return 0, false
	}
	t, err := a.Type()
	if err != nil {
		return 0, false
	}
	switch t {
	case gonetcdf.DOUBLE:
		buf := make([]float64, 1)
		if a.ReadFloat64s(buf) == nil {
			return buf[0], true
		}
	case gonetcdf.FLOAT:
		buf := make([]float32, 1)
		if a.ReadFloat32s(buf) == nil {
			return float64(buf[0]), true
		}
	case gonetcdf.INT:
		buf := make([]int32, 1)
		if a.ReadInt32s(buf) == nil {
			return float64(buf[0]), true
		}
	case gonetcdf.SHORT:
		buf := make([]int16, 1)
		if a.ReadInt16s(buf) == nil {
			return float64(buf[0]), true
		}
	}
	return 0, false
}

func attrString(v gonetcdf.Var, name string) (string, bool) {
	a := v.Attr(name)
	n, err := a.Len()
	if err != nil || n == 0 {
		return "", false
	}
	if t, err := a.Type(); err != nil || t != gonetcdf.CHAR {
		return "", false
	}
	buf := make([]byte, n)
	if err := a.ReadBytes(buf); err != nil {
		return "", false
	}
	return strings.TrimRight(string(buf), "\x00"), true
}

// readFloat64Var reads a whole 1D variable.
func readFloat64Var(v gonetcdf.Var) ([]float64, error) {
	dims, err := v.Dims()
	if err != nil {
		return nil, fmt.Errorf("failed to get dimensions: %w", err)
	}
	if len(dims) != 1 {
		return nil, fmt.Errorf("expected 1D variable, got %dD", len(dims))
	}
	n, err := dims[0].Len()
	if err != nil {
		return nil, err
	}
	return readSlice(v, []uint64{0}, []uint64{n})
}

// readSlice reads the hyperslab [start, start+count) of v as float64.
func readSlice(v gonetcdf.Var, start, count []uint64) ([]float64, error) {
	t, err := v.Type()
	if err != nil {
		return nil, fmt.Errorf("failed to get variable type: %w", err)
	}
	total := uint64(1)
	for _, c := range count {
		total *= c
	}
	switch t {
	case gonetcdf.DOUBLE:
		out := make([]float64, total)
		if err := v.ReadFloat64Slice(out, start, count); err != nil {
			return nil, fmt.Errorf("failed to read float64 slice: %w", err)
		}
		return out, nil
	case gonetcdf.FLOAT:
		buf := make([]float32, total)
		if err := v.ReadFloat32Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read float32 slice: %w", err)
		}
		return widen(buf), nil
	case gonetcdf.INT:
		buf := make([]int32, total)
		if err := v.ReadInt32Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read int32 slice: %w", err)
		}
		return widen(buf), nil
	case gonetcdf.SHORT:
		buf := make([]int16, total)
		if err := v.ReadInt16Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read int16 slice: %w", err)
		}
		return widen(buf), nil
	case gonetcdf.USHORT:
		buf := make([]uint16, total)
		if err := v.ReadUint16Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read uint16 slice: %w", err)
		}
		return widen(buf), nil
	case gonetcdf.UBYTE:
		buf := make([]uint8, total)
		if err := v.ReadUint8Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read uint8 slice: %w", err)
		}
		return widen(buf), nil
	case gonetcdf.BYTE:
		buf := make([]int8, total)
		if err := v.ReadInt8Slice(buf, start, count); err != nil {
			return nil, fmt.Errorf("failed to read int8 slice: %w", err)
		}
		return widen(buf), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %v", t)
	}
}

func widen[T float32 | int32 | int16 | uint16 | uint8 | int8](in []T) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}

func span(start, n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = start + i
	}
	return idx
}
