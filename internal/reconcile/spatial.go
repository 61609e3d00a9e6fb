// Package reconcile aligns loaded cubes in space and time: bounding-box clipping,
// reprojection, duplicate timestamp removal and time filtering.
package reconcile

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"go.ngs.io/datacube/internal/adapter/crs"
	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

// StackDim is the synthetic dimension non-spatial axes are folded into while reprojecting.
const StackDim = "__reproject_stack__"

// edgeSamples is the number of points per edge used to transform a footprint.
const edgeSamples = 21

// ClipBox clips the cube's x and y axes to bbox, reprojecting the box into the cube's
// reference system first. The box is clamped to the cube's coordinate extent, and
// when no coordinate falls inside it the nearest window of one sample is kept, so
// the result never has an empty spatial axis. Boxes that do not touch the cube's
// footprint fail with ErrNoDataInBounds.
func ClipBox(c *cube.Cube, bbox domain.BBox) (*cube.Cube, error) {
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	if c.CRS() != 0 && bbox.EPSG() != c.CRS() {
		var err error
		if bbox, err = ReprojectBBox(bbox, bbox.EPSG(), c.CRS()); err != nil {
			return nil, err
		}
	}
	xc, err := spatialCoord(c, domain.DimX)
	if err != nil {
		return nil, err
	}
	yc, err := spatialCoord(c, domain.DimY)
	if err != nil {
		return nil, err
	}
	xi, yi, err := ClipWindow(xc, yc, bbox)
	if err != nil {
		return nil, err
	}

	out, err := c.Isel(domain.DimX, xi)
	if err != nil {
		return nil, fmt.Errorf("failed to clip x: %w", err)
	}
	if out, err = out.Isel(domain.DimY, yi); err != nil {
		return nil, fmt.Errorf("failed to clip y: %w", err)
	}
	return out, nil
}

// ClipWindow returns the x and y indices ClipBox keeps for bbox, which must
// already be in the reference system of the coordinates. Loaders use it to read
// only the window a request touches.
func ClipWindow(xc, yc []float64, bbox domain.BBox) (xi, yi []int, err error) {
	if len(xc) == 0 || len(yc) == 0 {
		return nil, nil, fmt.Errorf("%w: empty spatial axis", domain.ErrNoDataInBounds)
	}
	xlo, xhi, xpad := extent(xc)
	ylo, yhi, ypad := extent(yc)
	footprint := orb.Bound{
		Min: orb.Point{xlo - xpad, ylo - ypad},
		Max: orb.Point{xhi + xpad, yhi + ypad},
	}
	if !footprint.Intersects(bbox.Bound()) {
		return nil, nil, fmt.Errorf("%w: %s outside [%g, %g, %g, %g]", domain.ErrNoDataInBounds, bbox, xlo, ylo, xhi, yhi)
	}
	xi = selectRange(xc, clampF(bbox.West, xlo, xhi), clampF(bbox.East, xlo, xhi))
	yi = selectRange(yc, clampF(bbox.South, ylo, yhi), clampF(bbox.North, ylo, yhi))
	return xi, yi, nil
}

// SnappedGrid returns pixel-centre coordinates with spacing res covering bbox.
// The outer edges are snapped to multiples of res so that rasters gridded
// independently line up. X runs west to east and Y north to south.
func SnappedGrid(bbox domain.BBox, res float64) (x, y []float64, err error) {
	if res <= 0 || math.IsNaN(res) {
		return nil, nil, fmt.Errorf("invalid resolution %g", res)
	}
	x0 := math.Floor(bbox.West/res) * res
	x1 := math.Ceil(bbox.East/res) * res
	y0 := math.Floor(bbox.South/res) * res
	y1 := math.Ceil(bbox.North/res) * res
	nx := max(1, int(math.Round((x1-x0)/res)))
	ny := max(1, int(math.Round((y1-y0)/res)))
	return GridCentres(x0, res, nx), reverse(GridCentres(y0, res, ny)), nil
}

func spatialCoord(c *cube.Cube, dim string) ([]float64, error) {
	coord, ok := c.Coord(dim)
	if !ok {
		return nil, &domain.DimensionNotFoundError{Axis: dim, Type: domain.TypeSpatial}
	}
	if coord.Kind != cube.KindFloat {
		return nil, fmt.Errorf("dimension %q has %s labels, expected numeric", dim, coord.Kind)
	}
	return coord.Floats, nil
}

// extent returns the coordinate range and half the mean spacing. A single sample
// has no known footprint and gets an unbounded pad.
func extent(v []float64) (lo, hi, pad float64) {
	lo, hi = v[0], v[0]
	for _, x := range v[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if len(v) < 2 {
		return lo, hi, math.Inf(1)
	}
	return lo, hi, (hi - lo) / float64(len(v)-1) / 2
}

// selectRange returns, in coordinate order, the indices of coords within [lo, hi].
// Sorted coordinates use binary search and widen an empty window by one index,
// towards lower indices when possible.
func selectRange(coords []float64, lo, hi float64) []int {
	n := len(coords)
	asc := sort.Float64sAreSorted(coords)
	desc := !asc && isDescending(coords)
	if !asc && !desc {
		var idx []int
		for i, v := range coords {
			if v >= lo && v <= hi {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 {
			idx = []int{nearest(coords, (lo+hi)/2)}
		}
		return idx
	}

	view := coords
	if desc {
		view = make([]float64, n)
		for i, v := range coords {
			view[n-1-i] = v
		}
	}
	lower := sort.SearchFloat64s(view, lo)
	upper := sort.Search(n, func(i int) bool { return view[i] > hi })
	if lower >= upper {
		upper = lower
		if lower > 0 {
			lower--
		} else {
			upper++
		}
	}

	idx := make([]int, 0, upper-lower)
	if desc {
		for i := n - upper; i < n-lower; i++ {
			idx = append(idx, i)
		}
		return idx
	}
	for i := lower; i < upper; i++ {
		idx = append(idx, i)
	}
	return idx
}

func isDescending(v []float64) bool {
	for i := 1; i < len(v); i++ {
		if v[i] > v[i-1] {
			return false
		}
	}
	return true
}

func nearest(v []float64, target float64) int {
	best := 0
	for i, x := range v {
		if math.Abs(x-target) < math.Abs(v[best]-target) {
			best = i
		}
	}
	return best
}

func clampF(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ReprojectBBox transforms the (min, min) and (max, max) corners of bbox from src to
// dst independently. No antimeridian splitting is attempted: a box whose corners
// swap order fails with ErrBBoxOrientation.
func ReprojectBBox(bbox domain.BBox, src, dst int) (domain.BBox, error) {
	if src == dst {
		bbox.CRS = dst
		return bbox, nil
	}
	tr, err := crs.NewTransformer(src, dst)
	if err != nil {
		return domain.BBox{}, err
	}
	x0, y0, err := tr(bbox.West, bbox.South)
	if err != nil {
		return domain.BBox{}, fmt.Errorf("failed to transform lower corner: %w", err)
	}
	x1, y1, err := tr(bbox.East, bbox.North)
	if err != nil {
		return domain.BBox{}, fmt.Errorf("failed to transform upper corner: %w", err)
	}
	if x0 > x1 || y0 > y1 {
		return domain.BBox{}, fmt.Errorf("%w: EPSG:%d -> EPSG:%d gives (%g, %g, %g, %g)",
			domain.ErrBBoxOrientation, src, dst, x0, y0, x1, y1)
	}
	return domain.BBox{West: x0, South: y0, East: x1, North: y1, CRS: dst}, nil
}

// ReprojectOptions describes the target grid of ReprojectCube. An explicit grid
// (X and Y) wins over Shape, which wins over Resolution. With none of them the
// source pixel count is kept.
type ReprojectOptions struct {
	CRS        int
	Resolution float64
	Shape      [2]int // (rows, cols).
	X, Y       []float64
	Method     interp.Method
}

// ReprojectCube resamples the cube onto a grid in opts.CRS. Non-spatial dimensions
// are folded into one synthetic axis for the 2D resampling and restored afterwards
// in their original order. A NaN no-data value is assigned when none is declared.
func ReprojectCube(c *cube.Cube, opts ReprojectOptions) (*cube.Cube, error) {
	if c.CRS() == 0 {
		return nil, domain.ErrCRSUndeclared
	}
	if opts.CRS == 0 {
		opts.CRS = c.CRS()
	}
	if c.Has(StackDim) {
		return nil, fmt.Errorf("dimension %q already exists", StackDim)
	}
	srcX, err := spatialCoord(c, domain.DimX)
	if err != nil {
		return nil, err
	}
	srcY, err := spatialCoord(c, domain.DimY)
	if err != nil {
		return nil, err
	}
	if len(srcX) == 0 || len(srcY) == 0 {
		return nil, fmt.Errorf("cannot reproject a cube with an empty spatial axis")
	}

	nodata, ok := c.NoData()
	if !ok {
		nodata = math.NaN()
		c = c.WithNoData(nodata)
	}

	tx, ty := opts.X, opts.Y
	if len(tx) == 0 || len(ty) == 0 {
		if tx, ty, err = targetGrid(srcX, srcY, c.CRS(), opts); err != nil {
			return nil, err
		}
	}

	var rest []string
	for _, d := range c.Dims() {
		if d != domain.DimX && d != domain.DimY {
			rest = append(rest, d)
		}
	}
	flat, st, err := c.Flatten(rest, StackDim)
	if err != nil {
		return nil, err
	}
	if flat, err = flat.Transpose(StackDim, domain.DimY, domain.DimX); err != nil {
		return nil, err
	}

	// Source position of every target pixel, shared by all planes.
	inv, err := crs.NewTransformer(opts.CRS, c.CRS())
	if err != nil {
		return nil, err
	}
	nx, ny := len(tx), len(ty)
	sx := make([]float64, nx*ny)
	sy := make([]float64, nx*ny)
	for i, y := range ty {
		for j, x := range tx {
			px, py, err := inv(x, y)
			if err != nil {
				px, py = math.NaN(), math.NaN()
			}
			sx[i*nx+j], sy[i*nx+j] = px, py
		}
	}

	planes := flat.Len(StackDim)
	planeSize := len(srcX) * len(srcY)
	src := flat.Data()
	out := make([]float64, planes*nx*ny)
	masked := !math.IsNaN(nodata)
	for p := 0; p < planes; p++ {
		plane := src[p*planeSize : (p+1)*planeSize]
		if masked {
			plane = maskNoData(plane, nodata)
		}
		g, err := interp.NewGrid2D(srcX, srcY, plane)
		if err != nil {
			return nil, fmt.Errorf("invalid source grid: %w", err)
		}
		dst := out[p*nx*ny : (p+1)*nx*ny]
		for k := range dst {
			v := math.NaN()
			if !math.IsNaN(sx[k]) {
				v = g.Sample(opts.Method, sx[k], sy[k])
			}
			if math.IsNaN(v) {
				v = nodata
			}
			dst[k] = v
		}
	}

	stackCoord, _ := flat.Coord(StackDim)
	res, err := cube.New([]string{StackDim, domain.DimY, domain.DimX}, map[string]cube.Coord{
		StackDim:    stackCoord,
		domain.DimY: cube.Floats(ty...),
		domain.DimX: cube.Floats(tx...),
	}, out, opts.CRS)
	if err != nil {
		return nil, err
	}
	res = res.WithNoData(nodata)
	return res.Unflatten(st)
}

func maskNoData(plane []float64, nodata float64) []float64 {
	out := make([]float64, len(plane))
	for i, v := range plane {
		if v == nodata {
			v = math.NaN()
		}
		out[i] = v
	}
	return out
}

// targetGrid derives pixel-centre coordinates in opts.CRS covering the source
// footprint. X runs west to east and Y north to south.
func targetGrid(srcX, srcY []float64, srcCRS int, opts ReprojectOptions) ([]float64, []float64, error) {
	xlo, xhi, xpad := extent(srcX)
	ylo, yhi, ypad := extent(srcY)
	if math.IsInf(xpad, 0) {
		xpad = 0
	}
	if math.IsInf(ypad, 0) {
		ypad = 0
	}
	xlo, xhi, ylo, yhi = xlo-xpad, xhi+xpad, ylo-ypad, yhi+ypad

	fwd, err := crs.NewTransformer(srcCRS, opts.CRS)
	if err != nil {
		return nil, nil, err
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for k := 0; k < edgeSamples; k++ {
		f := float64(k) / float64(edgeSamples-1)
		edges := [][2]float64{
			{xlo + f*(xhi-xlo), ylo},
			{xlo + f*(xhi-xlo), yhi},
			{xlo, ylo + f*(yhi-ylo)},
			{xhi, ylo + f*(yhi-ylo)},
		}
		for _, e := range edges {
			x, y, err := fwd(e[0], e[1])
			if err != nil || math.IsNaN(x) || math.IsNaN(y) {
				continue
			}
			minX, maxX = math.Min(minX, x), math.Max(maxX, x)
			minY, maxY = math.Min(minY, y), math.Max(maxY, y)
		}
	}
	if math.IsInf(minX, 0) || math.IsInf(minY, 0) {
		return nil, nil, fmt.Errorf("source footprint cannot be transformed to EPSG:%d", opts.CRS)
	}

	var nx, ny int
	var rx, ry float64
	switch {
	case opts.Shape[0] > 0 && opts.Shape[1] > 0:
		ny, nx = opts.Shape[0], opts.Shape[1]
		rx, ry = (maxX-minX)/float64(nx), (maxY-minY)/float64(ny)
	case opts.Resolution > 0:
		rx, ry = opts.Resolution, opts.Resolution
		nx = max(1, int(math.Ceil((maxX-minX)/rx-1e-9)))
		ny = max(1, int(math.Ceil((maxY-minY)/ry-1e-9)))
	default:
		nx, ny = len(srcX), len(srcY)
		rx, ry = (maxX-minX)/float64(nx), (maxY-minY)/float64(ny)
	}
	if rx <= 0 {
		rx = 1
	}
	if ry <= 0 {
		ry = 1
	}
	return GridCentres(minX, rx, nx), reverse(GridCentres(maxY-float64(ny)*ry, ry, ny)), nil
}

// GridCentres returns n pixel-centre coordinates starting at origin with spacing res.
func GridCentres(origin, res float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = origin + (float64(i)+0.5)*res
	}
	return out
}

func reverse(v []float64) []float64 {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
	return v
}
