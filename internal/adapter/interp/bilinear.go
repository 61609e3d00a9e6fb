package interp

import (
	"fmt"
	"math"
	"strings"
)

// Method selects the resampling kernel.
type Method int

const (
	Nearest Method = iota
	Bilinear
)

func (m Method) String() string {
	if m == Bilinear {
		return "bilinear"
	}
	return "nearest"
}

// ParseMethod parses "nearest" or "bilinear". An empty string means nearest.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "near", "nearest":
		return Nearest, nil
	case "bilinear", "linear":
		return Bilinear, nil
	}
	return Nearest, fmt.Errorf("unknown resampling method %q", s)
}

// GridCell represents a cell in a regular grid with four corner values.
type GridCell struct {
	// Corner coordinates (forming a rectangle).
	X0, X1 float64 // X boundaries (e.g., easting).
	Y0, Y1 float64 // Y boundaries (e.g., northing).

	// Values at the four corners:
	// V00: value at (X0, Y0).
	// V10: value at (X1, Y0).
	// V01: value at (X0, Y1).
	// V11: value at (X1, Y1).
	V00, V10, V01, V11 float64
}

// BilinearInterpolate performs bilinear interpolation within a grid cell
// Formula:
//
//	f(x,y) ≈ (1-t)(1-u)f(x0,y0) + t(1-u)f(x1,y0) + (1-t)u*f(x0,y1) + tu*f(x1,y1)
//
// where:
//
//	t = (x - x0) / (x1 - x0)
//	u = (y - y0) / (y1 - y0)
func BilinearInterpolate(cell GridCell, x, y float64) (float64, error) {
	if cell.X1 <= cell.X0 {
		return 0, fmt.Errorf("invalid grid cell: X1 must be > X0")
	}
	if cell.Y1 <= cell.Y0 {
		return 0, fmt.Errorf("invalid grid cell: Y1 must be > Y0")
	}

	// Small tolerance for floating point.
	const epsilon = 1e-9
	if x < cell.X0-epsilon || x > cell.X1+epsilon {
		return 0, fmt.Errorf("x coordinate %.6f is outside grid cell [%.6f, %.6f]", x, cell.X0, cell.X1)
	}
	if y < cell.Y0-epsilon || y > cell.Y1+epsilon {
		return 0, fmt.Errorf("y coordinate %.6f is outside grid cell [%.6f, %.6f]", y, cell.Y0, cell.Y1)
	}

	t := (x - cell.X0) / (cell.X1 - cell.X0)
	u := (y - cell.Y0) / (cell.Y1 - cell.Y0)
	t = math.Max(0, math.Min(1, t))
	u = math.Max(0, math.Min(1, u))

	result := (1-t)*(1-u)*cell.V00 +
		t*(1-u)*cell.V10 +
		(1-t)*u*cell.V01 +
		t*u*cell.V11

	return result, nil
}

// Grid2D is one raster plane on a regular grid. Both axes are stored ascending.
type Grid2D struct {
	X      []float64 // X coordinates (easting or longitude), ascending.
	Y      []float64 // Y coordinates (northing or latitude), ascending.
	Values []float64 // Row-major, Values[i*len(X)+j] corresponds to (X[j], Y[i]).
}

// NewGrid2D wraps a row-major [y][x] plane. Descending axes are flipped so lookups
// can binary search; the input slices are not modified.
func NewGrid2D(x, y, values []float64) (*Grid2D, error) {
	nx, ny := len(x), len(y)
	if nx == 0 || ny == 0 {
		return nil, fmt.Errorf("grid must have at least one X and one Y coordinate")
	}
	if len(values) != nx*ny {
		return nil, fmt.Errorf("grid has %d values, expected %d", len(values), nx*ny)
	}
	flipX := nx > 1 && x[0] > x[nx-1]
	flipY := ny > 1 && y[0] > y[ny-1]
	if !flipX && !flipY {
		g := &Grid2D{X: x, Y: y, Values: values}
		return g, g.Validate()
	}

	g := &Grid2D{
		X:      make([]float64, nx),
		Y:      make([]float64, ny),
		Values: make([]float64, nx*ny),
	}
	for j := range x {
		sj := j
		if flipX {
			sj = nx - 1 - j
		}
		g.X[j] = x[sj]
	}
	for i := range y {
		si := i
		if flipY {
			si = ny - 1 - i
		}
		g.Y[i] = y[si]
		for j := 0; j < nx; j++ {
			sj := j
			if flipX {
				sj = nx - 1 - j
			}
			g.Values[i*nx+j] = values[si*nx+sj]
		}
	}
	return g, g.Validate()
}

// Validate checks if the grid is valid.
func (g *Grid2D) Validate() error {
	if len(g.X) == 0 || len(g.Y) == 0 {
		return fmt.Errorf("grid must have at least one X and one Y coordinate")
	}
	if len(g.Values) != len(g.X)*len(g.Y) {
		return fmt.Errorf("grid has %d values, expected %d", len(g.Values), len(g.X)*len(g.Y))
	}

	// Check that coordinates are sorted and unique.
	for i := 1; i < len(g.X); i++ {
		if g.X[i] <= g.X[i-1] {
			return fmt.Errorf("X coordinates must be strictly monotonic")
		}
	}
	for i := 1; i < len(g.Y); i++ {
		if g.Y[i] <= g.Y[i-1] {
			return fmt.Errorf("Y coordinates must be strictly monotonic")
		}
	}

	return nil
}

func (g *Grid2D) at(i, j int) float64 { return g.Values[i*len(g.X)+j] }

// Sample resamples the grid at (x, y) with the given method. Points outside the
// grid's cell footprint yield NaN.
func (g *Grid2D) Sample(m Method, x, y float64) float64 {
	if m == Bilinear {
		if v, err := g.InterpolateAt(x, y); err == nil {
			return v
		}
	}
	return g.NearestAt(x, y)
}

// NearestAt returns the value of the cell containing (x, y). Cells extend half a
// spacing beyond the outermost coordinates; a single-sample axis is one unit wide.
func (g *Grid2D) NearestAt(x, y float64) float64 {
	j, ok := nearestIndex(g.X, x)
	if !ok {
		return math.NaN()
	}
	i, ok := nearestIndex(g.Y, y)
	if !ok {
		return math.NaN()
	}
	return g.at(i, j)
}

// InterpolateAt performs bilinear interpolation at a given point. When a corner of
// the enclosing cell is NaN the nearest sample is returned instead.
func (g *Grid2D) InterpolateAt(x, y float64) (float64, error) {
	if len(g.X) < 2 || len(g.Y) < 2 {
		return 0, fmt.Errorf("bilinear interpolation needs at least 2 coordinates per axis")
	}

	xIdx := cellIndex(g.X, x)
	if xIdx == -1 {
		return 0, fmt.Errorf("x coordinate %.6f is outside grid range [%.6f, %.6f]", x, g.X[0], g.X[len(g.X)-1])
	}
	yIdx := cellIndex(g.Y, y)
	if yIdx == -1 {
		return 0, fmt.Errorf("y coordinate %.6f is outside grid range [%.6f, %.6f]", y, g.Y[0], g.Y[len(g.Y)-1])
	}

	cell := GridCell{
		X0:  g.X[xIdx],
		X1:  g.X[xIdx+1],
		Y0:  g.Y[yIdx],
		Y1:  g.Y[yIdx+1],
		V00: g.at(yIdx, xIdx),
		V10: g.at(yIdx, xIdx+1),
		V01: g.at(yIdx+1, xIdx),
		V11: g.at(yIdx+1, xIdx+1),
	}
	if math.IsNaN(cell.V00) || math.IsNaN(cell.V10) || math.IsNaN(cell.V01) || math.IsNaN(cell.V11) {
		return g.NearestAt(x, y), nil
	}

	return BilinearInterpolate(cell, x, y)
}

// cellIndex returns i such that arr[i] <= v <= arr[i+1], or -1.
func cellIndex(arr []float64, v float64) int {
	n := len(arr)
	if v < arr[0] || v > arr[n-1] {
		return -1
	}
	lo, hi := 0, n-1
	for hi-lo > 1 {
		mid := (lo + hi) / 2
		if arr[mid] <= v {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// nearestIndex finds the index of the value closest to target in an ascending array,
// rejecting targets beyond half a spacing past either end.
func nearestIndex(arr []float64, target float64) (int, bool) {
	n := len(arr)
	half := 0.5
	if n > 1 {
		half = (arr[n-1] - arr[0]) / float64(n-1) / 2
	}
	const epsilon = 1e-9
	if target < arr[0]-half-epsilon || target > arr[n-1]+half+epsilon {
		return 0, false
	}

	left, right := 0, n-1
	for left < right {
		mid := (left + right) / 2
		if arr[mid] < target {
			left = mid + 1
		} else {
			right = mid
		}
	}
	if left > 0 && math.Abs(arr[left-1]-target) <= math.Abs(arr[left]-target) {
		return left - 1, true
	}
	return left, true
}
