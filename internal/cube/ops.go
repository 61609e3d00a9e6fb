package cube

import (
	"fmt"
	"math"
)

// Isel selects the positions idx along dim.
func (c *Cube) Isel(dim string, idx []int) (*Cube, error) {
	ax := c.Axis(dim)
	if ax < 0 {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	for _, i := range idx {
		if i < 0 || i >= c.shape[ax] {
			return nil, fmt.Errorf("index %d out of range for %q (len %d)", i, dim, c.shape[ax])
		}
	}
	return c.take(ax, idx, c.coords[dim].Take(idx)), nil
}

// Slice selects the half-open index range [lo, hi) along dim.
func (c *Cube) Slice(dim string, lo, hi int) (*Cube, error) {
	if lo > hi {
		return nil, fmt.Errorf("invalid range [%d, %d) for %q", lo, hi, dim)
	}
	idx := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		idx = append(idx, i)
	}
	return c.Isel(dim, idx)
}

// Reindex conforms dim to target. Labels missing from the cube are filled with NaN.
func (c *Cube) Reindex(dim string, target Coord) (*Cube, error) {
	ax := c.Axis(dim)
	if ax < 0 {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	cur := c.coords[dim]
	if cur.Kind != target.Kind {
		return nil, fmt.Errorf("cannot reindex %s dimension %q with %s labels", cur.Kind, dim, target.Kind)
	}
	if cur.Equal(target) {
		return c, nil
	}
	if !cur.Unique() || !target.Unique() {
		return nil, fmt.Errorf("cannot reindex %q: %w", dim, ErrRepeatedLabels)
	}
	pos := cur.Index()
	idx := make([]int, target.Len())
	for i := range idx {
		if p, ok := pos[target.Key(i)]; ok {
			idx[i] = p
		} else {
			idx[i] = -1
		}
	}
	return c.take(ax, idx, target), nil
}

// Sel selects the labels of want along dim. Every label must exist.
func (c *Cube) Sel(dim string, want Coord) (*Cube, error) {
	cur, ok := c.coords[dim]
	if !ok {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	pos := cur.Index()
	idx := make([]int, want.Len())
	for i := range idx {
		p, ok := pos[want.Key(i)]
		if !ok || cur.Kind != want.Kind {
			return nil, fmt.Errorf("label %s not found in %q", want.Label(i), dim)
		}
		idx[i] = p
	}
	return c.Isel(dim, idx)
}

// take gathers positions idx along axis ax. A negative index yields NaN.
func (c *Cube) take(ax int, idx []int, coord Coord) *Cube {
	n := c.shape[ax]
	outer := product(c.shape[:ax])
	inner := product(c.shape[ax+1:])
	m := len(idx)
	data := make([]float64, outer*m*inner)
	for o := 0; o < outer; o++ {
		for j, i := range idx {
			dst := data[(o*m+j)*inner : (o*m+j+1)*inner]
			if i < 0 {
				for k := range dst {
					dst[k] = math.NaN()
				}
				continue
			}
			copy(dst, c.data[(o*n+i)*inner:(o*n+i+1)*inner])
		}
	}
	out := c.shallow()
	out.shape[ax] = m
	out.coords[c.dims[ax]] = coord
	out.data = data
	return out
}

// Transpose reorders the dimensions to order, which must be a permutation of Dims.
func (c *Cube) Transpose(order ...string) (*Cube, error) {
	if len(order) != len(c.dims) {
		return nil, fmt.Errorf("transpose order %v does not match dimensions %v", order, c.dims)
	}
	perm := make([]int, len(order))
	identity := true
	used := make(map[string]bool, len(order))
	for i, d := range order {
		ax := c.Axis(d)
		if ax < 0 || used[d] {
			return nil, fmt.Errorf("transpose order %v does not match dimensions %v", order, c.dims)
		}
		used[d] = true
		perm[i] = ax
		if ax != i {
			identity = false
		}
	}
	if identity {
		return c, nil
	}

	src := c.strides()
	shape := make([]int, len(order))
	for i, ax := range perm {
		shape[i] = c.shape[ax]
	}
	data := make([]float64, len(c.data))
	idx := make([]int, len(shape))
	for out := range data {
		off := 0
		for k, v := range idx {
			off += v * src[perm[k]]
		}
		data[out] = c.data[off]
		for k := len(idx) - 1; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}

	res := c.shallow()
	res.dims = append([]string(nil), order...)
	res.shape = shape
	res.data = data
	return res, nil
}

// SortBy sorts dim ascending. String dimensions are returned unchanged.
func (c *Cube) SortBy(dim string) (*Cube, error) {
	coord, ok := c.coords[dim]
	if !ok {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	idx := coord.ArgSort()
	sorted := true
	for i, v := range idx {
		if v != i {
			sorted = false
			break
		}
	}
	if sorted {
		return c, nil
	}
	return c.Isel(dim, idx)
}

// ExpandDims adds dim as the leading dimension, repeating the data once per label.
func (c *Cube) ExpandDims(dim string, coord Coord) (*Cube, error) {
	if c.Has(dim) {
		return nil, fmt.Errorf("dimension %q already exists", dim)
	}
	n := coord.Len()
	data := make([]float64, 0, n*len(c.data))
	for i := 0; i < n; i++ {
		data = append(data, c.data...)
	}
	out := c.shallow()
	out.dims = append([]string{dim}, c.dims...)
	out.shape = append([]int{n}, c.shape...)
	out.coords[dim] = coord
	out.data = data
	return out, nil
}

// Squeeze drops dim, which must have length one.
func (c *Cube) Squeeze(dim string) (*Cube, error) {
	ax := c.Axis(dim)
	if ax < 0 {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	if c.shape[ax] != 1 {
		return nil, fmt.Errorf("cannot squeeze %q of length %d", dim, c.shape[ax])
	}
	out := c.shallow()
	out.dims = append(out.dims[:ax:ax], out.dims[ax+1:]...)
	out.shape = append(out.shape[:ax:ax], out.shape[ax+1:]...)
	delete(out.coords, dim)
	return out, nil
}

// BroadcastTo adds the dimensions of dims the cube lacks, with labels from coords,
// and returns the cube in dims order. Dimensions the cube already has keep their labels.
func (c *Cube) BroadcastTo(dims []string, coords map[string]Coord) (*Cube, error) {
	want := make(map[string]bool, len(dims))
	for _, d := range dims {
		want[d] = true
	}
	for _, d := range c.dims {
		if !want[d] {
			return nil, fmt.Errorf("cannot broadcast: dimension %q missing from target %v", d, dims)
		}
	}
	out := c
	for i := len(dims) - 1; i >= 0; i-- {
		d := dims[i]
		if out.Has(d) {
			continue
		}
		coord, ok := coords[d]
		if !ok {
			return nil, fmt.Errorf("cannot broadcast: no labels for dimension %q", d)
		}
		var err error
		if out, err = out.ExpandDims(d, coord); err != nil {
			return nil, err
		}
	}
	return out.Transpose(dims...)
}

// Map applies fn to every value.
func (c *Cube) Map(fn func(float64) float64) *Cube {
	data := make([]float64, len(c.data))
	for i, v := range c.data {
		data[i] = fn(v)
	}
	out := c.shallow()
	out.data = data
	return out
}

// CountValid returns the number of non-NaN values.
func (c *Cube) CountValid() int {
	n := 0
	for _, v := range c.data {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}
