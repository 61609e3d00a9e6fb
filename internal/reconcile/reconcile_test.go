package reconcile

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

func day(d int) time.Time { return time.Date(2023, 1, d, 0, 0, 0, 0, time.UTC) }

// raster builds a [time, bands, y, x] cube with value x*10 + y plus a per-slice offset.
func raster(t *testing.T, crsCode int, times []time.Time, xs, ys []float64) *cube.Cube {
	t.Helper()
	var data []float64
	for ti := range times {
		for _, y := range ys {
			for _, x := range xs {
				data = append(data, float64(ti)*1000+x*10+y)
			}
		}
	}
	c, err := cube.New([]string{"time", "bands", "y", "x"}, map[string]cube.Coord{
		"time":  cube.Times(times...),
		"bands": cube.Strings("B02"),
		"y":     cube.Floats(ys...),
		"x":     cube.Floats(xs...),
	}, data, crsCode)
	require.NoError(t, err)
	return c
}

func floats(t *testing.T, c *cube.Cube, dim string) []float64 {
	t.Helper()
	coord, ok := c.Coord(dim)
	require.True(t, ok)
	return coord.Floats
}

func TestClipBox_DegenerateWindowKeepsOneSample(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 0.25, 0.5, 0.75, 1}, []float64{1, 0.5, 0})
	out, err := ClipBox(c, domain.BBox{West: 0.26, South: 0, East: 0.27, North: 1})
	require.NoError(t, err)
	require.Equal(t, []float64{0.25}, floats(t, out, "x"))
	require.Equal(t, []float64{1, 0.5, 0}, floats(t, out, "y"))
}

func TestClipBox_BoxBelowFirstSampleClampsToEdge(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 0.25, 0.5}, []float64{0})
	out, err := ClipBox(c, domain.BBox{West: -0.1, South: -0.1, East: -0.05, North: 0.1})
	require.NoError(t, err)
	require.Equal(t, []float64{0}, floats(t, out, "x"))
}

func TestClipBox_DescendingY(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 1, 2}, []float64{3, 2, 1, 0})
	out, err := ClipBox(c, domain.BBox{West: 0.5, South: 0.5, East: 2, North: 2.5})
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2}, floats(t, out, "x"))
	require.Equal(t, []float64{2, 1}, floats(t, out, "y"))
	require.Equal(t, 12.0, out.At(0, 0, 0, 0))
}

func TestClipBox_Idempotent(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 0.25, 0.5, 0.75, 1}, []float64{1, 0.75, 0.5, 0.25, 0})
	for _, bbox := range []domain.BBox{
		{West: 0.2, South: 0.2, East: 0.8, North: 0.8},
		{West: 0.26, South: 0.26, East: 0.27, North: 0.27},
		{West: -5, South: -5, East: 5, North: 5},
	} {
		once, err := ClipBox(c, bbox)
		require.NoError(t, err)
		twice, err := ClipBox(once, bbox)
		require.NoError(t, err)
		require.Equal(t, floats(t, once, "x"), floats(t, twice, "x"))
		require.Equal(t, floats(t, once, "y"), floats(t, twice, "y"))
	}
}

func TestClipBox_NeverEmpty(t *testing.T) {
	t.Parallel()

	xs := []float64{0, 0.25, 0.5, 0.75, 1}
	c := raster(t, 4326, []time.Time{day(1)}, xs, []float64{1, 0.5, 0})
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		w := rng.Float64()*1.2 - 0.1
		s := rng.Float64()*1.2 - 0.1
		bbox := domain.BBox{West: w, South: s, East: w + rng.Float64()*0.1, North: s + rng.Float64()*0.1}
		out, err := ClipBox(c, bbox)
		require.NoError(t, err, "bbox %s", bbox)
		require.NotZero(t, out.Len("x"), "bbox %s", bbox)
		require.NotZero(t, out.Len("y"), "bbox %s", bbox)
	}
}

func TestClipBox_OutsideFootprint(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 1}, []float64{1, 0})
	_, err := ClipBox(c, domain.BBox{West: 10, South: 10, East: 11, North: 11})
	require.True(t, errors.Is(err, domain.ErrNoDataInBounds))
}

func TestClipBox_ReprojectsBBox(t *testing.T) {
	t.Parallel()

	xs := []float64{-1e6, 0, 1e6}
	c := raster(t, 3857, []time.Time{day(1)}, xs, []float64{1e6, 0, -1e6})
	out, err := ClipBox(c, domain.BBox{West: -1, South: -1, East: 1, North: 1})
	require.NoError(t, err)
	require.Equal(t, []float64{0}, floats(t, out, "x"))
	require.Equal(t, []float64{0}, floats(t, out, "y"))
}

func TestReprojectBBox(t *testing.T) {
	t.Parallel()

	b, err := ReprojectBBox(domain.BBox{West: 10, South: 0, East: 11, North: 1}, 4326, 3857)
	require.NoError(t, err)
	require.Equal(t, 3857, b.CRS)
	require.InDelta(t, 1113194.9, b.West, 1)
	require.Less(t, b.South, b.North)

	same, err := ReprojectBBox(domain.BBox{West: 1, South: 2, East: 3, North: 4}, 32633, 32633)
	require.NoError(t, err)
	require.Equal(t, 3.0, same.East)
}

func TestReprojectCube_ExplicitGridRestoresOrder(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1), day(2)}, []float64{0, 1, 2}, []float64{2, 1, 0})
	c, err := c.Transpose("y", "time", "x", "bands")
	require.NoError(t, err)

	out, err := ReprojectCube(c, ReprojectOptions{
		CRS:    4326,
		X:      []float64{0.5, 1.5},
		Y:      []float64{1.5, 0.5},
		Method: interp.Bilinear,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"y", "time", "x", "bands"}, out.Dims())
	require.Equal(t, []int{2, 2, 2, 1}, out.Shape())
	// Value is x*10 + y, linear, so bilinear is exact: (1.5, 0.5) on day 2.
	require.InDelta(t, 1000+15+0.5, out.At(1, 1, 1, 0), 1e-9)
	nd, ok := out.NoData()
	require.True(t, ok)
	require.True(t, math.IsNaN(nd))
}

func TestReprojectCube_ToWebMercator(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 1, 2, 3}, []float64{3, 2, 1, 0})
	out, err := ReprojectCube(c, ReprojectOptions{CRS: 3857, Method: interp.Nearest})
	require.NoError(t, err)
	require.Equal(t, 3857, out.CRS())
	require.Equal(t, []string{"time", "bands", "y", "x"}, out.Dims())
	require.Equal(t, 4, out.Len("x"))
	require.Equal(t, 4, out.Len("y"))
	xs := floats(t, out, "x")
	require.Less(t, xs[0], xs[3])
	ys := floats(t, out, "y")
	require.Greater(t, ys[0], ys[3])
	require.Greater(t, out.CountValid(), 0)

	back, err := ReprojectCube(out, ReprojectOptions{CRS: 4326, X: []float64{1}, Y: []float64{2}})
	require.NoError(t, err)
	require.InDelta(t, 12.0, back.At(0, 0, 0, 0), 1e-9)
}

func TestReprojectCube_Errors(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1)}, []float64{0, 1}, []float64{1, 0})
	clash, err := c.Rename("bands", StackDim)
	require.NoError(t, err)
	_, err = ReprojectCube(clash, ReprojectOptions{CRS: 3857})
	require.Error(t, err)

	_, err = ReprojectCube(c.WithCRS(0), ReprojectOptions{CRS: 3857})
	require.True(t, errors.Is(err, domain.ErrCRSUndeclared))
}

func TestRemoveRepeatedTimeCoords(t *testing.T) {
	t.Parallel()

	nan := math.NaN()
	c, err := cube.New([]string{"time", "x"}, map[string]cube.Coord{
		"time": cube.Times(day(2), day(1), day(2), day(2)),
		"x":    cube.Floats(0, 1),
	}, []float64{
		nan, 1, // day 2, first occurrence
		5, 6, // day 1
		2, nan, // day 2, second occurrence
		3, 4, // day 2, third occurrence
	}, 4326)
	require.NoError(t, err)

	once, err := RemoveRepeatedTimeCoords(c)
	require.NoError(t, err)
	tc, _ := once.Coord("time")
	require.Equal(t, 2, tc.Len())
	require.True(t, tc.Times[0].Equal(day(1)))
	require.Equal(t, []float64{5, 6, 2, 1}, once.Data())

	twice, err := RemoveRepeatedTimeCoords(once)
	require.NoError(t, err)
	require.True(t, twice.Equal(once))
}

func TestFilterByTime(t *testing.T) {
	t.Parallel()

	c := raster(t, 4326, []time.Time{day(1), day(2), day(3), day(4)}, []float64{0}, []float64{0})
	ptr := func(v time.Time) *time.Time { return &v }
	tokyo := time.FixedZone("JST", 9*3600)

	tests := []struct {
		name string
		iv   domain.TimeInterval
		want int
	}{
		{"closed", domain.TimeInterval{Start: ptr(day(2)), End: ptr(day(3))}, 2},
		{"right open", domain.TimeInterval{Start: ptr(day(2)), End: ptr(day(3)), RightOpen: true}, 1},
		{"open end uses latest", domain.TimeInterval{Start: ptr(day(3)), RightOpen: true}, 2},
		{"open start", domain.TimeInterval{End: ptr(day(1))}, 1},
		{"zone aware bound", domain.TimeInterval{Start: ptr(day(2).In(tokyo)), End: ptr(day(2).In(tokyo))}, 1},
		{"no match", domain.TimeInterval{Start: ptr(day(10)), End: ptr(day(11))}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := FilterByTime(c, tt.iv)
			require.NoError(t, err)
			require.Equal(t, tt.want, out.Len("time"))
		})
	}

	_, err := FilterByTime(c, domain.TimeInterval{Start: ptr(day(3)), End: ptr(day(2))})
	require.Error(t, err)
}

func TestClipWindow(t *testing.T) {
	t.Parallel()
	x := []float64{0, 0.25, 0.5, 0.75, 1}
	y := []float64{1, 0.5, 0}

	xi, yi, err := ClipWindow(x, y, domain.BBox{West: 0.2, South: 0.4, East: 0.8, North: 2})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, xi)
	require.Equal(t, []int{0, 1}, yi)

	xi, _, err = ClipWindow(x, y, domain.BBox{West: 0.26, South: 0, East: 0.27, North: 1})
	require.NoError(t, err)
	require.Equal(t, []int{1}, xi)

	_, _, err = ClipWindow(x, y, domain.BBox{West: 5, South: 0, East: 6, North: 1})
	require.ErrorIs(t, err, domain.ErrNoDataInBounds)
	_, _, err = ClipWindow(nil, y, domain.BBox{East: 1, North: 1})
	require.ErrorIs(t, err, domain.ErrNoDataInBounds)
}

func TestSnappedGrid(t *testing.T) {
	t.Parallel()
	x, y, err := SnappedGrid(domain.BBox{West: 12, South: 3, East: 39, North: 21}, 10)
	require.NoError(t, err)
	require.Equal(t, []float64{15, 25, 35}, x)
	require.Equal(t, []float64{25, 15, 5}, y)

	x, y, err = SnappedGrid(domain.BBox{West: 5, South: 5, East: 5, North: 5}, 10)
	require.NoError(t, err)
	require.Len(t, x, 1)
	require.Len(t, y, 1)

	_, _, err = SnappedGrid(domain.BBox{East: 1, North: 1}, 0)
	require.Error(t, err)
}
