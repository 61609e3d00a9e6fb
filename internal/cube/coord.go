package cube

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Kind is the label type of a coordinate.
type Kind int

const (
	KindFloat Kind = iota
	KindTime
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindTime:
		return "time"
	case KindString:
		return "string"
	}
	return "unknown"
}

// Coord holds the labels of one dimension. Only the slice matching Kind is set.
type Coord struct {
	Kind    Kind
	Floats  []float64
	Times   []time.Time
	Strings []string
}

// Floats builds a numeric coordinate.
func Floats(v ...float64) Coord { return Coord{Kind: KindFloat, Floats: v} }

// Times builds a time coordinate. Labels are normalised to UTC.
func Times(v ...time.Time) Coord {
	out := make([]time.Time, len(v))
	for i, t := range v {
		out[i] = t.UTC()
	}
	return Coord{Kind: KindTime, Times: out}
}

// Strings builds a string coordinate such as a band list.
func Strings(v ...string) Coord { return Coord{Kind: KindString, Strings: v} }

// Range builds the numeric coordinate 0..n-1.
func Range(n int) Coord {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i)
	}
	return Floats(v...)
}

// Len returns the number of labels.
func (c Coord) Len() int {
	switch c.Kind {
	case KindTime:
		return len(c.Times)
	case KindString:
		return len(c.Strings)
	}
	return len(c.Floats)
}

// Key returns a comparable representation of label i.
func (c Coord) Key(i int) string {
	switch c.Kind {
	case KindTime:
		return strconv.FormatInt(c.Times[i].UnixNano(), 10)
	case KindString:
		return c.Strings[i]
	}
	return strconv.FormatFloat(c.Floats[i], 'g', -1, 64)
}

// Label returns label i formatted for display.
func (c Coord) Label(i int) string {
	switch c.Kind {
	case KindTime:
		return c.Times[i].Format(time.RFC3339Nano)
	case KindString:
		return c.Strings[i]
	}
	return strconv.FormatFloat(c.Floats[i], 'f', -1, 64)
}

// Index maps each key to the index of its first occurrence.
func (c Coord) Index() map[string]int {
	idx := make(map[string]int, c.Len())
	for i := 0; i < c.Len(); i++ {
		k := c.Key(i)
		if _, ok := idx[k]; !ok {
			idx[k] = i
		}
	}
	return idx
}

// Unique reports whether no label repeats.
func (c Coord) Unique() bool {
	return len(c.Index()) == c.Len()
}

// Equal reports whether both coordinates hold the same labels in the same order.
func (c Coord) Equal(o Coord) bool {
	if c.Kind != o.Kind || c.Len() != o.Len() {
		return false
	}
	for i := 0; i < c.Len(); i++ {
		if c.Key(i) != o.Key(i) {
			return false
		}
	}
	return true
}

// Take returns the labels at idx.
func (c Coord) Take(idx []int) Coord {
	out := Coord{Kind: c.Kind}
	switch c.Kind {
	case KindTime:
		out.Times = make([]time.Time, len(idx))
		for j, i := range idx {
			out.Times[j] = c.Times[i]
		}
	case KindString:
		out.Strings = make([]string, len(idx))
		for j, i := range idx {
			out.Strings[j] = c.Strings[i]
		}
	default:
		out.Floats = make([]float64, len(idx))
		for j, i := range idx {
			out.Floats[j] = c.Floats[i]
		}
	}
	return out
}

// Append returns c followed by o.
func (c Coord) Append(o Coord) (Coord, error) {
	if c.Kind != o.Kind {
		return Coord{}, fmt.Errorf("cannot append %s labels to %s coordinate", o.Kind, c.Kind)
	}
	out := Coord{Kind: c.Kind}
	switch c.Kind {
	case KindTime:
		out.Times = append(append(make([]time.Time, 0, c.Len()+o.Len()), c.Times...), o.Times...)
	case KindString:
		out.Strings = append(append(make([]string, 0, c.Len()+o.Len()), c.Strings...), o.Strings...)
	default:
		out.Floats = append(append(make([]float64, 0, c.Len()+o.Len()), c.Floats...), o.Floats...)
	}
	return out, nil
}

// Clone returns a deep copy.
func (c Coord) Clone() Coord {
	idx := make([]int, c.Len())
	for i := range idx {
		idx[i] = i
	}
	return c.Take(idx)
}

// Ascending reports whether labels are strictly increasing. String labels are never ordered.
func (c Coord) Ascending() bool {
	switch c.Kind {
	case KindTime:
		for i := 1; i < len(c.Times); i++ {
			if !c.Times[i].After(c.Times[i-1]) {
				return false
			}
		}
		return true
	case KindFloat:
		for i := 1; i < len(c.Floats); i++ {
			if !(c.Floats[i] > c.Floats[i-1]) {
				return false
			}
		}
		return true
	}
	return false
}

// Descending reports whether numeric labels are strictly decreasing.
func (c Coord) Descending() bool {
	if c.Kind != KindFloat {
		return false
	}
	for i := 1; i < len(c.Floats); i++ {
		if !(c.Floats[i] < c.Floats[i-1]) {
			return false
		}
	}
	return true
}

// ArgSort returns the stable ascending order of the labels. String labels keep their order.
func (c Coord) ArgSort() []int {
	idx := make([]int, c.Len())
	for i := range idx {
		idx[i] = i
	}
	switch c.Kind {
	case KindTime:
		sort.SliceStable(idx, func(a, b int) bool { return c.Times[idx[a]].Before(c.Times[idx[b]]) })
	case KindFloat:
		sort.SliceStable(idx, func(a, b int) bool { return c.Floats[idx[a]] < c.Floats[idx[b]] })
	}
	return idx
}

// Union returns the labels of a followed by the labels of b that a lacks.
// Time labels are sorted ascending. Numeric labels are sorted when both inputs
// run in the same direction, string labels keep first-seen order.
func Union(a, b Coord) (Coord, error) {
	if a.Kind != b.Kind {
		return Coord{}, fmt.Errorf("cannot union %s and %s coordinates", a.Kind, b.Kind)
	}
	seen := a.Index()
	var novel []int
	for i := 0; i < b.Len(); i++ {
		k := b.Key(i)
		if _, ok := seen[k]; !ok {
			seen[k] = -1
			novel = append(novel, i)
		}
	}
	out, err := a.Append(b.Take(novel))
	if err != nil {
		return Coord{}, err
	}
	switch a.Kind {
	case KindTime:
		out = out.Take(out.ArgSort())
	case KindFloat:
		switch {
		case a.Ascending() && b.Ascending():
			out = out.Take(out.ArgSort())
		case a.Descending() && b.Descending():
			idx := out.ArgSort()
			for i, j := 0, len(idx)-1; i < j; i, j = i+1, j-1 {
				idx[i], idx[j] = idx[j], idx[i]
			}
			out = out.Take(idx)
		}
	}
	return out, nil
}

// Split partitions the labels of a and b into those only in a, only in b and in both.
// Each result keeps the order of the coordinate it was taken from (both follows a).
func Split(a, b Coord) (onlyA, onlyB, both Coord) {
	ia, ib := a.Index(), b.Index()
	var oa, ob, bo []int
	for i := 0; i < a.Len(); i++ {
		if _, ok := ib[a.Key(i)]; ok {
			bo = append(bo, i)
		} else {
			oa = append(oa, i)
		}
	}
	for i := 0; i < b.Len(); i++ {
		if _, ok := ia[b.Key(i)]; !ok {
			ob = append(ob, i)
		}
	}
	return a.Take(oa), b.Take(ob), a.Take(bo)
}
