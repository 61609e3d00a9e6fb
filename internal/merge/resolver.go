package merge

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"
)

// Resolver reduces the two values found at every overlapping position of the
// merged cubes. x comes from the first cube, y from the second; both have the
// same length and the result must too.
type Resolver interface {
	Name() string
	Resolve(x, y []float64, ctx map[string]any) ([]float64, error)
}

// IgnoreNoData is the context key that controls NaN handling of the built-in
// resolvers. It defaults to true: NaN inputs are skipped and the result is NaN
// only when both inputs are NaN. With false any NaN input yields NaN.
const IgnoreNoData = "ignore_nodata"

type reducer func(stats.Float64Data) (float64, error)

type builtin struct {
	name   string
	reduce reducer
}

var (
	Mean   Resolver = builtin{"mean", stats.Mean}
	Median Resolver = builtin{"median", stats.Median}
	Min    Resolver = builtin{"min", stats.Min}
	Max    Resolver = builtin{"max", stats.Max}
	Sum    Resolver = builtin{"sum", stats.Sum}
	First  Resolver = builtin{"first", func(d stats.Float64Data) (float64, error) { return d[0], nil }}
	Last   Resolver = builtin{"last", func(d stats.Float64Data) (float64, error) { return d[len(d)-1], nil }}
)

var builtins = map[string]Resolver{}

func init() {
	for _, r := range []Resolver{Mean, Median, Min, Max, Sum, First, Last} {
		builtins[r.Name()] = r
	}
}

func (b builtin) Name() string { return b.name }

func (b builtin) Resolve(x, y []float64, ctx map[string]any) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("%s: operands have %d and %d values", b.name, len(x), len(y))
	}
	ignore := true
	if v, ok := ctx[IgnoreNoData].(bool); ok {
		ignore = v
	}
	out := make([]float64, len(x))
	buf := make(stats.Float64Data, 0, 2)
	for i := range x {
		buf = buf[:0]
		nan := false
		for _, v := range [2]float64{x[i], y[i]} {
			if math.IsNaN(v) {
				nan = true
				continue
			}
			buf = append(buf, v)
		}
		if len(buf) == 0 || (nan && !ignore) {
			out[i] = math.NaN()
			continue
		}
		v, err := b.reduce(buf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.name, err)
		}
		out[i] = v
	}
	return out, nil
}

type funcResolver struct {
	name string
	fn   func(x, y []float64, ctx map[string]any) ([]float64, error)
}

func (f funcResolver) Name() string { return f.name }

func (f funcResolver) Resolve(x, y []float64, ctx map[string]any) ([]float64, error) {
	return f.fn(x, y, ctx)
}

// ResolverFunc adapts fn to a Resolver.
func ResolverFunc(name string, fn func(x, y []float64, ctx map[string]any) ([]float64, error)) Resolver {
	return funcResolver{name: name, fn: fn}
}

// ResolverByName returns the built-in resolver called name.
func ResolverByName(name string) (Resolver, error) {
	r, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown overlap resolver %q (available: %s)", name, strings.Join(ResolverNames(), ", "))
	}
	return r, nil
}

// ResolverNames lists the built-in resolver names in sorted order.
func ResolverNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
