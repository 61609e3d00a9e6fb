package cube

import (
	"errors"
	"fmt"
	"math"
)

// ErrRepeatedLabels is returned when labels must be matched by value but a
// coordinate holds one of them more than once.
var ErrRepeatedLabels = errors.New("repeated labels")

// Align conforms every cube to the union of labels along each dimension in dims,
// filling missing positions with NaN.
func Align(dims []string, cubes ...*Cube) ([]*Cube, error) {
	out := append([]*Cube(nil), cubes...)
	for _, d := range dims {
		var union Coord
		for i, c := range out {
			coord, ok := c.Coord(d)
			if !ok {
				return nil, fmt.Errorf("cube %d has no dimension %q", i, d)
			}
			if i == 0 {
				union = coord
				continue
			}
			var err error
			if union, err = Union(union, coord); err != nil {
				return nil, fmt.Errorf("failed to align %q: %w", d, err)
			}
		}
		for i, c := range out {
			r, err := c.Reindex(d, union)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
	}
	return out, nil
}

// Concat joins cubes along dim. Labels along dim are appended as-is, so repeated
// labels survive. The other dimensions are outer-joined and the result keeps the
// dimension order and attributes of the first cube.
func Concat(dim string, cubes ...*Cube) (*Cube, error) {
	if len(cubes) == 0 {
		return nil, fmt.Errorf("nothing to concatenate")
	}
	first := cubes[0]
	if !first.Has(dim) {
		return nil, fmt.Errorf("dimension %q not found", dim)
	}
	if len(cubes) == 1 {
		return first, nil
	}
	others := make([]string, 0, len(first.dims)-1)
	for _, d := range first.dims {
		if d != dim {
			others = append(others, d)
		}
	}
	for i, c := range cubes[1:] {
		if len(c.dims) != len(first.dims) {
			return nil, fmt.Errorf("cube %d has dimensions %v, expected %v", i+1, c.dims, first.dims)
		}
		if !c.Has(dim) {
			return nil, fmt.Errorf("cube %d has no dimension %q", i+1, dim)
		}
	}
	aligned, err := Align(others, cubes...)
	if err != nil {
		return nil, err
	}

	lead := append([]string{dim}, others...)
	var data []float64
	var coord Coord
	for i, c := range aligned {
		t, err := c.Transpose(lead...)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			coord = t.coords[dim]
		} else if coord, err = coord.Append(t.coords[dim]); err != nil {
			return nil, fmt.Errorf("failed to concatenate %q: %w", dim, err)
		}
		data = append(data, t.data...)
	}

	coords := make(map[string]Coord, len(lead))
	coords[dim] = coord
	for _, d := range others {
		coords[d] = aligned[0].coords[d]
	}
	res, err := New(lead, coords, data, first.crs)
	if err != nil {
		return nil, err
	}
	res.nodata = first.nodata
	return res.Transpose(first.dims...)
}

// Stack joins cubes along a new leading dimension labelled by labels.
func Stack(dim string, labels Coord, cubes ...*Cube) (*Cube, error) {
	if labels.Len() != len(cubes) {
		return nil, fmt.Errorf("got %d labels for %d cubes", labels.Len(), len(cubes))
	}
	expanded := make([]*Cube, len(cubes))
	for i, c := range cubes {
		e, err := c.ExpandDims(dim, labels.Take([]int{i}))
		if err != nil {
			return nil, err
		}
		expanded[i] = e
	}
	return Concat(dim, expanded...)
}

// CombineFirst fills the NaN positions of c with values from o over the union of
// both cubes' labels. Both cubes must have the same set of dimensions and no
// coordinate of either may repeat a label.
func (c *Cube) CombineFirst(o *Cube) (*Cube, error) {
	if len(c.dims) != len(o.dims) {
		return nil, fmt.Errorf("cannot combine dimensions %v with %v", c.dims, o.dims)
	}
	for _, x := range []*Cube{c, o} {
		for _, d := range x.dims {
			if !x.coords[d].Unique() {
				return nil, fmt.Errorf("cannot combine along %q: %w", d, ErrRepeatedLabels)
			}
		}
	}
	ot, err := o.Transpose(c.dims...)
	if err != nil {
		return nil, fmt.Errorf("cannot combine dimensions %v with %v", c.dims, o.dims)
	}
	aligned, err := Align(c.dims, c, ot)
	if err != nil {
		return nil, err
	}
	a, b := aligned[0], aligned[1]
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		if math.IsNaN(v) {
			v = b.data[i]
		}
		data[i] = v
	}
	res := a.shallow()
	res.data = data
	return res, nil
}
