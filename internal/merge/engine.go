// Package merge reconciles two raster cubes whose dimensions and labels
// partially overlap into one cube.
package merge

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/observability"
	"go.ngs.io/datacube/internal/reconcile"
)

// CubesDim labels the two inputs when they are kept side by side.
const CubesDim = "cubes"

// Branches of the merge state machine, also used as the metric label.
const (
	BranchStack       = "stack"
	BranchStackReduce = "stack_reduce"
	BranchLabelMerge  = "label_merge"
	BranchBroadcast   = "broadcast"
)

// Engine merges two cubes along their shared dimensions, resampling the second
// onto the first when their spatial grids differ.
type Engine struct {
	log    zerolog.Logger
	method interp.Method
}

// NewEngine returns an engine that resamples with method when the spatial grids
// of the two cubes disagree.
func NewEngine(log zerolog.Logger, method interp.Method) *Engine {
	return &Engine{log: log.With().Str("component", "merge").Logger(), method: method}
}

// Merge combines c1 and c2. r resolves positions present in both cubes and may
// be nil when the cubes do not collide; ctx is handed to r unchanged.
func (e *Engine) Merge(c1, c2 *cube.Cube, r Resolver, ctx map[string]any) (*cube.Cube, error) {
	if c1 == nil || c2 == nil {
		return nil, errors.New("merge needs two cubes")
	}
	only1, only2 := dimDiff(c1.Dims(), c2.Dims())
	if n := len(only1) + len(only2); n > 2 {
		return nil, fmt.Errorf("%w: dimensions %v and %v differ by %d", domain.ErrUnsupportedTopology, c1.Dims(), c2.Dims(), n)
	}

	c2, err := e.alignGrid(c1, c2)
	if err != nil {
		return nil, err
	}

	var (
		out    *cube.Cube
		branch string
	)
	if len(only1)+len(only2) == 0 {
		out, branch, err = e.mergeSameDims(c1, c2, r, ctx)
	} else {
		out, err = e.mergeBroadcast(c1, c2, r, ctx)
		branch = BranchBroadcast
	}
	if err != nil {
		return nil, err
	}
	observability.IncMerge(branch)
	e.log.Debug().
		Str("branch", branch).
		Strs("dims", out.Dims()).
		Ints("shape", out.Shape()).
		Msg("cubes merged")
	return out, nil
}

// alignGrid resamples c2 onto the spatial grid of c1 when their x/y labels or
// reference systems disagree.
func (e *Engine) alignGrid(c1, c2 *cube.Cube) (*cube.Cube, error) {
	x1, okX1 := c1.Coord(domain.DimX)
	y1, okY1 := c1.Coord(domain.DimY)
	x2, okX2 := c2.Coord(domain.DimX)
	y2, okY2 := c2.Coord(domain.DimY)
	if !(okX1 && okY1 && okX2 && okY2) {
		return c2, nil
	}
	crs1, crs2 := c1.CRS(), c2.CRS()
	if crs2 == 0 {
		crs2 = crs1
	}
	if crs1 == 0 {
		crs1 = crs2
	}
	if x1.Equal(x2) && y1.Equal(y2) && crs1 == crs2 {
		return c2, nil
	}
	if crs1 == 0 {
		return nil, fmt.Errorf("cannot resample cubes onto a common grid: %w", domain.ErrCRSUndeclared)
	}
	if x1.Kind != cube.KindFloat || y1.Kind != cube.KindFloat {
		return nil, fmt.Errorf("cannot resample onto non-numeric spatial labels")
	}

	e.log.Debug().
		Int("src_crs", crs2).
		Int("dst_crs", crs1).
		Int("nx", x1.Len()).
		Int("ny", y1.Len()).
		Msg("resampling second cube onto first cube grid")
	res, err := reconcile.ReprojectCube(c2.WithCRS(crs2), reconcile.ReprojectOptions{
		CRS:    crs1,
		X:      x1.Floats,
		Y:      y1.Floats,
		Method: e.method,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resample second cube: %w", err)
	}
	return res, nil
}

func (e *Engine) mergeSameDims(c1, c2 *cube.Cube, r Resolver, ctx map[string]any) (*cube.Cube, string, error) {
	var partial []string
	for _, d := range c1.Dims() {
		a, _ := c1.Coord(d)
		b, _ := c2.Coord(d)
		if a.Kind != b.Kind {
			return nil, "", fmt.Errorf("dimension %q has %s labels in one cube and %s in the other", d, a.Kind, b.Kind)
		}
		onlyA, onlyB, _ := cube.Split(a, b)
		if onlyA.Len() > 0 || onlyB.Len() > 0 {
			partial = append(partial, d)
		}
	}

	switch len(partial) {
	case 0:
		c2, err := conform(c2, c1, c1.Dims())
		if err != nil {
			return nil, "", err
		}
		if r == nil {
			out, err := cube.Stack(CubesDim, cube.Range(2), c1, c2)
			return out, BranchStack, err
		}
		out, err := resolve(c1, c2, r, ctx)
		return out, BranchStackReduce, err
	case 1:
		out, err := mergeLabels(c1, c2, partial[0], r, ctx)
		return out, BranchLabelMerge, err
	default:
		return nil, "", fmt.Errorf("%w: labels overlap partially along %v", domain.ErrUnsupportedTopology, partial)
	}
}

// mergeLabels merges along the single dimension dim whose labels differ.
// One-sided labels are taken as they are; shared labels go through r.
func mergeLabels(c1, c2 *cube.Cube, dim string, r Resolver, ctx map[string]any) (*cube.Cube, error) {
	a, _ := c1.Coord(dim)
	b, _ := c2.Coord(dim)
	onlyA, onlyB, both := cube.Split(a, b)
	if both.Len() > 0 && r == nil {
		return nil, fmt.Errorf("%w: %d labels of %q present in both cubes", domain.ErrOverlapResolverMissing, both.Len(), dim)
	}

	var others []string
	for _, d := range c1.Dims() {
		if d != dim {
			others = append(others, d)
		}
	}

	var parts []*cube.Cube
	if onlyA.Len() > 0 {
		p, err := c1.Sel(dim, onlyA)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if both.Len() > 0 {
		x, err := c1.Sel(dim, both)
		if err != nil {
			return nil, err
		}
		y, err := c2.Sel(dim, both)
		if err != nil {
			return nil, err
		}
		if y, err = conform(y, x, others); err != nil {
			return nil, err
		}
		p, err := resolve(x, y, r, ctx)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if onlyB.Len() > 0 {
		p, err := c2.Sel(dim, onlyB)
		if err != nil {
			return nil, err
		}
		if p, err = p.Transpose(c1.Dims()...); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}

	joined, err := cube.Concat(dim, parts...)
	if err != nil {
		return nil, fmt.Errorf("failed to combine %q: %w", dim, err)
	}
	union, err := cube.Union(a, b)
	if err != nil {
		return nil, err
	}
	return joined.Reindex(dim, union)
}

// mergeBroadcast handles cubes whose dimension sets differ. Both are outer
// aligned on the shared dimensions, broadcast to the union of dimensions and
// reduced position by position.
func (e *Engine) mergeBroadcast(c1, c2 *cube.Cube, r Resolver, ctx map[string]any) (*cube.Cube, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: dimensions %v and %v differ", domain.ErrOverlapResolverMissing, c1.Dims(), c2.Dims())
	}
	var shared []string
	target := c1.Dims()
	for _, d := range c2.Dims() {
		if c1.Has(d) {
			shared = append(shared, d)
		} else {
			target = append(target, d)
		}
	}
	aligned, err := cube.Align(shared, c1, c2)
	if err != nil {
		return nil, err
	}
	coords := make(map[string]cube.Coord, len(target))
	for _, c := range aligned {
		for _, d := range c.Dims() {
			coords[d], _ = c.Coord(d)
		}
	}
	a, err := aligned[0].BroadcastTo(target, coords)
	if err != nil {
		return nil, err
	}
	b, err := aligned[1].BroadcastTo(target, coords)
	if err != nil {
		return nil, err
	}
	return resolve(a, b, r, ctx)
}

// conform reorders c to the dimension order of ref and the labels ref has along dims.
func conform(c, ref *cube.Cube, dims []string) (*cube.Cube, error) {
	out, err := c.Transpose(ref.Dims()...)
	if err != nil {
		return nil, err
	}
	for _, d := range dims {
		want, _ := ref.Coord(d)
		if out, err = out.Reindex(d, want); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// resolve applies r to two cubes of identical layout.
func resolve(x, y *cube.Cube, r Resolver, ctx map[string]any) (*cube.Cube, error) {
	vals, err := r.Resolve(x.Data(), y.Data(), ctx)
	if err != nil {
		return nil, fmt.Errorf("overlap resolver %s: %w", r.Name(), err)
	}
	if len(vals) != x.Size() {
		return nil, fmt.Errorf("overlap resolver %s returned %d values, want %d", r.Name(), len(vals), x.Size())
	}
	coords := make(map[string]cube.Coord, len(x.Dims()))
	for _, d := range x.Dims() {
		coords[d], _ = x.Coord(d)
	}
	out, err := cube.New(x.Dims(), coords, vals, x.CRS())
	if err != nil {
		return nil, err
	}
	if nd, ok := x.NoData(); ok {
		out = out.WithNoData(nd)
	}
	return out, nil
}

func dimDiff(a, b []string) (onlyA, onlyB []string) {
	inA := make(map[string]bool, len(a))
	for _, d := range a {
		inA[d] = true
	}
	inB := make(map[string]bool, len(b))
	for _, d := range b {
		inB[d] = true
		if !inA[d] {
			onlyB = append(onlyB, d)
		}
	}
	for _, d := range a {
		if !inB[d] {
			onlyA = append(onlyA, d)
		}
	}
	return onlyA, onlyB
}
