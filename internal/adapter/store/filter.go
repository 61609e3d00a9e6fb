package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

// DimensionFilter restricts an auxiliary dimension to the labels equal to Value.
type DimensionFilter struct {
	Dimension string
	Value     string
	Numeric   bool
	Number    float64
}

func (f DimensionFilter) String() string { return f.Dimension + " == " + f.Value }

// ParseDimensionFilters reads equality constraints keyed by dotted dimension path,
// for example
//
//	{"cube:dimensions.level": {"process_graph": {"eq1": {
//	    "process_id": "eq",
//	    "arguments": {"x": {"from_parameter": "value"}, "y": 850},
//	    "result": true}}}}
//
// The last path segment names the dimension. A key may also map to a bare
// process node or to a plain scalar.
func ParseDimensionFilters(raw []byte) ([]DimensionFilter, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid dimension filter JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, fmt.Errorf("dimension filters must be a JSON object")
	}

	var (
		out  []DimensionFilter
		perr error
	)
	root.ForEach(func(key, value gjson.Result) bool {
		dim := key.String()
		if i := strings.LastIndex(dim, "."); i >= 0 {
			dim = dim[i+1:]
		}
		if dim == "" {
			perr = fmt.Errorf("empty dimension path %q", key.String())
			return false
		}
		v, err := equalityOperand(value)
		if err != nil {
			perr = fmt.Errorf("filter on %q: %w", key.String(), err)
			return false
		}
		f := DimensionFilter{Dimension: dim, Value: v.String()}
		if v.Type == gjson.Number {
			f.Numeric, f.Number = true, v.Float()
		}
		out = append(out, f)
		return true
	})
	if perr != nil {
		return nil, perr
	}
	return out, nil
}

func equalityOperand(v gjson.Result) (gjson.Result, error) {
	switch v.Type {
	case gjson.Number, gjson.String:
		return v, nil
	case gjson.JSON:
	default:
		return gjson.Result{}, fmt.Errorf("unsupported constraint %s", v.Raw)
	}
	if pg := v.Get("process_graph"); pg.Exists() {
		v = pg
	}
	node := v
	if !v.Get("process_id").Exists() {
		// A graph: use its result node, else its only node.
		var nodes []gjson.Result
		v.ForEach(func(_, n gjson.Result) bool {
			nodes = append(nodes, n)
			return true
		})
		switch {
		case len(nodes) == 1:
			node = nodes[0]
		default:
			found := false
			for _, n := range nodes {
				if n.Get("result").Bool() {
					node, found = n, true
					break
				}
			}
			if !found {
				return gjson.Result{}, fmt.Errorf("process graph has no result node")
			}
		}
	}
	if id := node.Get("process_id").String(); id != "eq" {
		return gjson.Result{}, fmt.Errorf("unsupported process %q, only eq is supported", id)
	}
	for _, arg := range []string{"y", "x"} {
		a := node.Get("arguments." + arg)
		if a.Type == gjson.Number || a.Type == gjson.String {
			return a, nil
		}
	}
	return gjson.Result{}, fmt.Errorf("eq has no literal operand")
}

// ApplyDimensionFilters keeps the labels each filter selects. Filters on
// dimensions the cube lacks are ignored; a filter matching no label fails.
func ApplyDimensionFilters(c *cube.Cube, filters []DimensionFilter) (*cube.Cube, error) {
	out := c
	for _, f := range filters {
		coord, ok := out.Coord(f.Dimension)
		if !ok {
			continue
		}
		var idx []int
		for i := 0; i < coord.Len(); i++ {
			if f.matches(coord, i) {
				idx = append(idx, i)
			}
		}
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: no %q label satisfies %s", domain.ErrNoDataInBounds, f.Dimension, f)
		}
		var err error
		if out, err = out.Isel(f.Dimension, idx); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f DimensionFilter) matches(c cube.Coord, i int) bool {
	switch c.Kind {
	case cube.KindFloat:
		want := f.Number
		if !f.Numeric {
			n, err := strconv.ParseFloat(f.Value, 64)
			if err != nil {
				return false
			}
			want = n
		}
		return math.Abs(c.Floats[i]-want) <= 1e-9*math.Max(1, math.Abs(want))
	case cube.KindTime:
		t, err := time.Parse(time.RFC3339Nano, f.Value)
		if err != nil {
			if t, err = time.Parse(time.DateOnly, f.Value); err != nil {
				return false
			}
		}
		return c.Times[i].Equal(t)
	default:
		return c.Strings[i] == f.Value
	}
}
