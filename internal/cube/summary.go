package cube

import "math"

// maxLabels bounds how many labels a coordinate summary lists.
const maxLabels = 64

// CoordSummary describes one coordinate.
type CoordSummary struct {
	Kind   string   `json:"kind"`
	Len    int      `json:"len"`
	First  string   `json:"first,omitempty"`
	Last   string   `json:"last,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

// Summary is the JSON view of a cube returned to callers.
type Summary struct {
	Dims   []string                `json:"dims"`
	Shape  []int                   `json:"shape"`
	CRS    int                     `json:"crs"`
	Coords map[string]CoordSummary `json:"coords"`
	Valid  int                     `json:"valid"`
	Min    *float64                `json:"min,omitempty"`
	Max    *float64                `json:"max,omitempty"`
}

// Summarize describes the cube without its values.
func (c *Cube) Summarize() Summary {
	s := Summary{
		Dims:   c.Dims(),
		Shape:  c.Shape(),
		CRS:    c.crs,
		Coords: make(map[string]CoordSummary, len(c.dims)),
	}
	for _, d := range c.dims {
		coord := c.coords[d]
		cs := CoordSummary{Kind: coord.Kind.String(), Len: coord.Len()}
		if n := coord.Len(); n > 0 {
			cs.First = coord.Label(0)
			cs.Last = coord.Label(n - 1)
			if coord.Kind != KindFloat && n <= maxLabels {
				cs.Labels = make([]string, n)
				for i := range cs.Labels {
					cs.Labels[i] = coord.Label(i)
				}
			}
		}
		s.Coords[d] = cs
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range c.data {
		if math.IsNaN(v) {
			continue
		}
		s.Valid++
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if s.Valid > 0 {
		s.Min, s.Max = &lo, &hi
	}
	return s
}
