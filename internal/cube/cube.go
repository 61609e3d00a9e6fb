// Package cube implements the labelled N-dimensional raster array the loaders produce
// and the reconcilers and merge engine transform.
//
// A Cube is immutable once built: every operation returns a new cube and never writes
// into the receiver's data, so cubes may share backing arrays.
package cube

import (
	"fmt"
	"math"
)

// Cube is a dense row-major float64 array with one coordinate per dimension.
// Missing values are NaN.
type Cube struct {
	dims   []string
	coords map[string]Coord
	shape  []int
	data   []float64

	crs    int
	nodata *float64
}

// New builds a cube over dims. coords must hold one coordinate per dimension and
// data must have exactly the product of the coordinate lengths. The cube takes
// ownership of data.
func New(dims []string, coords map[string]Coord, data []float64, crs int) (*Cube, error) {
	seen := make(map[string]bool, len(dims))
	shape := make([]int, len(dims))
	for i, d := range dims {
		if d == "" {
			return nil, fmt.Errorf("empty dimension name")
		}
		if seen[d] {
			return nil, fmt.Errorf("duplicate dimension %q", d)
		}
		seen[d] = true
		c, ok := coords[d]
		if !ok {
			return nil, fmt.Errorf("missing coordinate for dimension %q", d)
		}
		shape[i] = c.Len()
	}
	if len(coords) != len(dims) {
		return nil, fmt.Errorf("got %d coordinates for %d dimensions", len(coords), len(dims))
	}
	if n := product(shape); len(data) != n {
		return nil, fmt.Errorf("data has %d values, shape %v needs %d", len(data), shape, n)
	}
	cc := make(map[string]Coord, len(coords))
	for k, v := range coords {
		cc[k] = v
	}
	return &Cube{
		dims:   append([]string(nil), dims...),
		coords: cc,
		shape:  shape,
		data:   data,
		crs:    crs,
	}, nil
}

// Full builds a cube filled with v.
func Full(dims []string, coords map[string]Coord, v float64, crs int) (*Cube, error) {
	n := 1
	for _, d := range dims {
		n *= coords[d].Len()
	}
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return New(dims, coords, data, crs)
}

// Dims returns the dimension names in storage order.
func (c *Cube) Dims() []string { return append([]string(nil), c.dims...) }

// Shape returns the dimension lengths in storage order.
func (c *Cube) Shape() []int { return append([]int(nil), c.shape...) }

// Size returns the number of values.
func (c *Cube) Size() int { return len(c.data) }

// Data returns the backing array. Callers must not modify it.
func (c *Cube) Data() []float64 { return c.data }

// CRS returns the EPSG code of the spatial dimensions, 0 when unknown.
func (c *Cube) CRS() int { return c.crs }

// NoData returns the declared no-data value.
func (c *Cube) NoData() (float64, bool) {
	if c.nodata == nil {
		return 0, false
	}
	return *c.nodata, true
}

// Has reports whether dim is one of the cube's dimensions.
func (c *Cube) Has(dim string) bool { return c.Axis(dim) >= 0 }

// Axis returns the storage position of dim, or -1.
func (c *Cube) Axis(dim string) int {
	for i, d := range c.dims {
		if d == dim {
			return i
		}
	}
	return -1
}

// Len returns the length of dim, 0 when absent.
func (c *Cube) Len(dim string) int {
	if i := c.Axis(dim); i >= 0 {
		return c.shape[i]
	}
	return 0
}

// Coord returns the coordinate of dim.
func (c *Cube) Coord(dim string) (Coord, bool) {
	v, ok := c.coords[dim]
	return v, ok
}

// At returns the value at the given per-dimension indices.
func (c *Cube) At(idx ...int) float64 {
	off := 0
	for i, s := range c.strides() {
		off += idx[i] * s
	}
	return c.data[off]
}

// WithCRS returns a copy of the cube tagged with crs.
func (c *Cube) WithCRS(crs int) *Cube {
	out := c.shallow()
	out.crs = crs
	return out
}

// WithNoData returns a copy of the cube declaring v as its no-data value.
func (c *Cube) WithNoData(v float64) *Cube {
	out := c.shallow()
	out.nodata = &v
	return out
}

// WithCoord returns a copy of the cube with the labels of dim replaced.
func (c *Cube) WithCoord(dim string, coord Coord) (*Cube, error) {
	if !c.Has(dim) {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	if coord.Len() != c.Len(dim) {
		return nil, fmt.Errorf("coordinate for %q has %d labels, expected %d", dim, coord.Len(), c.Len(dim))
	}
	out := c.shallow()
	out.coords[dim] = coord
	return out, nil
}

// Rename returns a copy with dimension from renamed to to.
func (c *Cube) Rename(from, to string) (*Cube, error) {
	if from == to {
		return c, nil
	}
	ax := c.Axis(from)
	if ax < 0 {
		return nil, fmt.Errorf("dimension %q not found", from)
	}
	if c.Has(to) {
		return nil, fmt.Errorf("dimension %q already exists", to)
	}
	out := c.shallow()
	out.dims[ax] = to
	out.coords[to] = out.coords[from]
	delete(out.coords, from)
	return out, nil
}

// Clone returns a deep copy.
func (c *Cube) Clone() *Cube {
	out := c.shallow()
	out.data = append([]float64(nil), c.data...)
	for k, v := range out.coords {
		out.coords[k] = v.Clone()
	}
	return out
}

// Equal reports whether both cubes have the same dimensions, labels and values.
// NaN equals NaN.
func (c *Cube) Equal(o *Cube) bool {
	if len(c.dims) != len(o.dims) || c.crs != o.crs {
		return false
	}
	for i, d := range c.dims {
		if o.dims[i] != d || !c.coords[d].Equal(o.coords[d]) {
			return false
		}
	}
	for i, v := range c.data {
		w := o.data[i]
		if v != w && !(math.IsNaN(v) && math.IsNaN(w)) {
			return false
		}
	}
	return true
}

func (c *Cube) shallow() *Cube {
	coords := make(map[string]Coord, len(c.coords))
	for k, v := range c.coords {
		coords[k] = v
	}
	return &Cube{
		dims:   append([]string(nil), c.dims...),
		coords: coords,
		shape:  append([]int(nil), c.shape...),
		data:   c.data,
		crs:    c.crs,
		nodata: c.nodata,
	}
}

func (c *Cube) strides() []int {
	s := make([]int, len(c.shape))
	acc := 1
	for i := len(c.shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= c.shape[i]
	}
	return s
}

func product(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}
