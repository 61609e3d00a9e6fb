package store

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"go.ngs.io/datacube/internal/adapter/crs"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

// Axes holds the names an item declares its canonical dimensions under.
type Axes struct {
	X, Y, Time, Bands string
}

// ResolveAxes looks up the declared x, y, time and band dimension names of it.
// Dimensions the item does not declare fall back to the given defaults.
func ResolveAxes(it *domain.CatalogItem, def Axes) Axes {
	var dims []domain.DimensionDescriptor
	if it != nil {
		dims = it.Dimensions
	}
	pick := func(axis, typ, fallback string) string {
		if n, err := domain.FindDimension(dims, axis, typ); err == nil {
			return n
		}
		return fallback
	}
	return Axes{
		X:     pick(domain.DimX, "", def.X),
		Y:     pick(domain.DimY, "", def.Y),
		Time:  pick("", domain.TypeTemporal, def.Time),
		Bands: pick("", domain.TypeBands, def.Bands),
	}
}

// SpatialAxis names the source dimension of the spatial axis (DimX or DimY): the
// one the item declares when the source has it, else the first candidate the
// source has. has reports whether the source holds a dimension.
func SpatialAxis(it *domain.CatalogItem, axis string, candidates []string, has func(string) bool) (string, error) {
	var dims []domain.DimensionDescriptor
	if it != nil {
		dims = it.Dimensions
	}
	if n, err := domain.FindDimension(dims, axis, ""); err == nil && has(n) {
		return n, nil
	}
	for _, n := range candidates {
		if has(n) {
			return n, nil
		}
	}
	return "", &domain.DimensionNotFoundError{Axis: axis, Type: domain.TypeSpatial}
}

// BandLabels names the n bands of a source without band names of its own: the
// values of the item's band dimension when it lists n of them, the placeholder
// for a single band, else 1..n.
func BandLabels(it *domain.CatalogItem, n int) []string {
	if it != nil {
		if name, err := domain.FindDimension(it.Dimensions, "", domain.TypeBands); err == nil {
			if d, _ := it.Dimension(name); len(d.Values) == n {
				return slices.Clone(d.Values)
			}
		}
	}
	if n == 1 {
		return []string{PlaceholderBand}
	}
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

// SourceCRS decides the reference system of a source raster: the one declared by
// the item, else the one declared by the file, else geographic WGS84 when the
// source axes are latitude/longitude.
func SourceCRS(it *domain.CatalogItem, fileCRS int, geographicAxes bool) (int, error) {
	if it != nil {
		if code, _, _ := domain.CRSResolutionOf(it); code != nil && *code != 0 {
			return *code, nil
		}
	}
	if fileCRS != 0 {
		return fileCRS, nil
	}
	if geographicAxes {
		return domain.WGS84, nil
	}
	id := ""
	if it != nil {
		id = it.ID
	}
	return 0, fmt.Errorf("item %q: %w", id, domain.ErrCRSUndeclared)
}

// RelabelPlaceholderBand renames a lone "data" band label to the requested band
// when exactly one band was requested.
func RelabelPlaceholderBand(c *cube.Cube, bands []string) (*cube.Cube, error) {
	coord, ok := c.Coord(domain.DimBands)
	if !ok || len(bands) != 1 || coord.Kind != cube.KindString {
		return c, nil
	}
	if !slices.Contains(coord.Strings, PlaceholderBand) || slices.Contains(coord.Strings, bands[0]) {
		return c, nil
	}
	labels := slices.Clone(coord.Strings)
	for i, l := range labels {
		if l == PlaceholderBand {
			labels[i] = bands[0]
		}
	}
	return c.WithCoord(domain.DimBands, cube.Strings(labels...))
}

// SelectBands keeps the requested bands in request order. A band the cube lacks
// fails with a BandNotFoundError.
func SelectBands(c *cube.Cube, bands []string, source string) (*cube.Cube, error) {
	if len(bands) == 0 {
		return c, nil
	}
	coord, ok := c.Coord(domain.DimBands)
	if !ok {
		return nil, &domain.BandNotFoundError{Band: bands[0], Source: source}
	}
	pos := coord.Index()
	for _, b := range bands {
		if _, ok := pos[b]; !ok {
			return nil, &domain.BandNotFoundError{Band: b, Source: source}
		}
	}
	return c.Sel(domain.DimBands, cube.Strings(bands...))
}

// ExpandTime adds a time axis holding the item's instant to a cube that has none.
func ExpandTime(c *cube.Cube, it *domain.CatalogItem) (*cube.Cube, error) {
	if c.Has(domain.DimTime) {
		return c, nil
	}
	t, ok := it.Instant()
	if !ok {
		return nil, fmt.Errorf("item %q has no time axis and no datetime", it.ID)
	}
	return c.ExpandDims(domain.DimTime, cube.Times(t))
}

// NormalizeLongitudes maps a 0..360 east longitude axis onto -180..180 and sorts
// it ascending. Cubes in a projected reference system are returned unchanged.
func NormalizeLongitudes(c *cube.Cube) (*cube.Cube, error) {
	if c.CRS() != 0 && !crs.IsGeographic(c.CRS()) {
		return c, nil
	}
	coord, ok := c.Coord(domain.DimX)
	if !ok || coord.Kind != cube.KindFloat {
		return c, nil
	}
	if !slices.ContainsFunc(coord.Floats, func(v float64) bool { return v > 180 }) {
		return c, nil
	}
	wrapped := make([]float64, len(coord.Floats))
	for i, v := range coord.Floats {
		if v > 180 {
			v -= 360
		}
		wrapped[i] = v
	}
	out, err := c.WithCoord(domain.DimX, cube.Floats(wrapped...))
	if err != nil {
		return nil, err
	}
	return out.SortBy(domain.DimX)
}

// SortSpatial sorts x ascending and y descending, the layout every loader hands out.
func SortSpatial(c *cube.Cube) (*cube.Cube, error) {
	out, err := c.SortBy(domain.DimX)
	if err != nil {
		return nil, err
	}
	y, _ := out.Coord(domain.DimY)
	if y.Kind != cube.KindFloat || y.Descending() {
		return out, nil
	}
	idx := y.ArgSort()
	slices.Reverse(idx)
	return out.Isel(domain.DimY, idx)
}

// DropScalarAxes removes length-one dimensions outside {x, y, time, bands}.
func DropScalarAxes(c *cube.Cube) (*cube.Cube, error) {
	out := c
	for _, d := range c.Dims() {
		if isCanonical(d) || c.Len(d) != 1 {
			continue
		}
		var err error
		if out, err = out.Squeeze(d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CanonicalOrder transposes to (time, bands, auxiliary..., y, x).
func CanonicalOrder(c *cube.Cube) (*cube.Cube, error) {
	order := make([]string, 0, len(c.Dims()))
	for _, d := range []string{domain.DimTime, domain.DimBands} {
		if c.Has(d) {
			order = append(order, d)
		}
	}
	for _, d := range c.Dims() {
		if !isCanonical(d) {
			order = append(order, d)
		}
	}
	for _, d := range []string{domain.DimY, domain.DimX} {
		if c.Has(d) {
			order = append(order, d)
		}
	}
	return c.Transpose(order...)
}

// Finish applies the normalisation shared by all loaders to the cube read from
// one item: placeholder band relabelling, auxiliary dimension filters, time axis
// expansion, removal of scalar auxiliary axes and canonical dimension order.
func Finish(c *cube.Cube, it *domain.CatalogItem, req Request) (*cube.Cube, error) {
	out, err := RelabelPlaceholderBand(c, req.Bands)
	if err != nil {
		return nil, err
	}
	if out, err = SelectBands(out, req.Bands, it.ID); err != nil {
		return nil, err
	}
	if out, err = ApplyDimensionFilters(out, req.Filters); err != nil {
		return nil, err
	}
	if out, err = ExpandTime(out, it); err != nil {
		return nil, err
	}
	if out, err = DropScalarAxes(out); err != nil {
		return nil, err
	}
	return CanonicalOrder(out)
}

// ConcatItems joins per-item cubes along time. Items that tile one timestamp
// keep repeated labels here and are merged by the temporal reconciler.
func ConcatItems(parts []*cube.Cube) (*cube.Cube, error) {
	switch len(parts) {
	case 0:
		return nil, domain.ErrNoItems
	case 1:
		return parts[0], nil
	}
	out, err := cube.Concat(domain.DimTime, parts...)
	if err != nil {
		return nil, fmt.Errorf("failed to stack items: %w", err)
	}
	return out, nil
}

// RenameAxes renames the declared dimension names of a source cube to the canonical ones.
func RenameAxes(c *cube.Cube, ax Axes) (*cube.Cube, error) {
	out := c
	for canonical, declared := range map[string]string{
		domain.DimX: ax.X, domain.DimY: ax.Y, domain.DimTime: ax.Time, domain.DimBands: ax.Bands,
	} {
		if declared == "" || declared == canonical || !out.Has(declared) {
			continue
		}
		var err error
		if out, err = out.Rename(declared, canonical); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func isCanonical(d string) bool {
	switch d {
	case domain.DimX, domain.DimY, domain.DimTime, domain.DimBands:
		return true
	}
	return false
}

// IsGeographicName reports whether a dimension or variable name denotes latitude or longitude.
func IsGeographicName(name string) bool {
	switch strings.ToLower(name) {
	case "lat", "latitude", "lon", "long", "longitude":
		return true
	}
	return false
}

// ApplyScale converts raw samples to physical values: fill becomes NaN and
// scale/offset are applied.
func ApplyScale(vals []float64, fill *float64, scale, offset float64) {
	for i, v := range vals {
		if fill != nil && (v == *fill || (math.IsNaN(*fill) && math.IsNaN(v))) {
			vals[i] = math.NaN()
			continue
		}
		vals[i] = v*scale + offset
	}
}

var errEmptyWindow = errors.New("empty read window")

// Window is a contiguous index range [Start, Start+Count) along one axis.
type Window struct {
	Start, Count int
}

// WindowOf returns the contiguous range covering idx, which must be sorted.
func WindowOf(idx []int) (Window, error) {
	if len(idx) == 0 {
		return Window{}, errEmptyWindow
	}
	return Window{Start: idx[0], Count: idx[len(idx)-1] - idx[0] + 1}, nil
}
