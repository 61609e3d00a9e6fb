package cube

import "fmt"

// Stacked records the dimensions folded into a synthetic axis by Flatten.
type Stacked struct {
	Name   string
	Dims   []string
	Coords map[string]Coord
	Order  []string // Dimension order before flattening.
}

// Flatten folds dims into one leading synthetic dimension called name, followed by
// the remaining dimensions in their current order. Folding no dimensions yields a
// synthetic axis of length one. name must not already be a dimension.
func (c *Cube) Flatten(dims []string, name string) (*Cube, *Stacked, error) {
	if c.Has(name) {
		return nil, nil, fmt.Errorf("synthetic dimension %q already exists", name)
	}
	fold := make(map[string]bool, len(dims))
	for _, d := range dims {
		if !c.Has(d) {
			return nil, nil, fmt.Errorf("dimension %q not found", d)
		}
		fold[d] = true
	}
	rest := make([]string, 0, len(c.dims))
	for _, d := range c.dims {
		if !fold[d] {
			rest = append(rest, d)
		}
	}
	t, err := c.Transpose(append(append([]string(nil), dims...), rest...)...)
	if err != nil {
		return nil, nil, err
	}

	st := &Stacked{
		Name:   name,
		Dims:   append([]string(nil), dims...),
		Coords: make(map[string]Coord, len(dims)),
		Order:  c.Dims(),
	}
	n := 1
	for _, d := range dims {
		st.Coords[d] = c.coords[d]
		n *= c.coords[d].Len()
	}

	out := t.shallow()
	out.dims = append([]string{name}, rest...)
	out.shape = append([]int{n}, t.shape[len(dims):]...)
	for _, d := range dims {
		delete(out.coords, d)
	}
	out.coords[name] = Range(n)
	return out, st, nil
}

// Unflatten restores the dimensions folded by Flatten and reinstates their original
// order. The non-synthetic dimensions may have been relabelled or resized meanwhile
// but must keep their names.
func (c *Cube) Unflatten(st *Stacked) (*Cube, error) {
	ax := c.Axis(st.Name)
	if ax < 0 {
		return nil, fmt.Errorf("synthetic dimension %q not found", st.Name)
	}
	n := 1
	for _, d := range st.Dims {
		n *= st.Coords[d].Len()
	}
	if c.shape[ax] != n {
		return nil, fmt.Errorf("synthetic dimension %q has length %d, expected %d", st.Name, c.shape[ax], n)
	}
	rest := make([]string, 0, len(c.dims)-1)
	for _, d := range c.dims {
		if d != st.Name {
			rest = append(rest, d)
		}
	}
	t, err := c.Transpose(append([]string{st.Name}, rest...)...)
	if err != nil {
		return nil, err
	}
	out := t.shallow()
	out.dims = append(append([]string(nil), st.Dims...), rest...)
	shape := make([]int, 0, len(out.dims))
	for _, d := range st.Dims {
		shape = append(shape, st.Coords[d].Len())
	}
	out.shape = append(shape, t.shape[1:]...)
	delete(out.coords, st.Name)
	for _, d := range st.Dims {
		out.coords[d] = st.Coords[d]
	}
	return out.Transpose(st.Order...)
}
