package usecase

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/cubecache"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/merge"
)

var (
	t0 = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC)
)

// fakeLoader serves prepared cubes by asset href and records its calls.
type fakeLoader struct {
	mu     sync.Mutex
	format store.Format
	cubes  map[string]*cube.Cube
	calls  []store.Request
}

func (f *fakeLoader) Format() store.Format {
	if f.format == "" {
		return store.FormatCOG
	}
	return f.format
}

func (f *fakeLoader) Load(_ context.Context, req store.Request) (*cube.Cube, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	var parts []*cube.Cube
	for _, ia := range req.Assets {
		c, ok := f.cubes[ia.Asset.Href]
		if !ok {
			return nil, &domain.BandNotFoundError{Band: req.Bands[0], Source: ia.Asset.Href}
		}
		labelled, err := c.WithCoord(domain.DimBands, cube.Strings(req.Bands[0]))
		if err != nil {
			return nil, err
		}
		parts = append(parts, labelled)
	}
	return store.ConcatItems(parts)
}

func (f *fakeLoader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// tile is a (time, bands, y, x) cube over y = 1, 0 and x = 0, 1.
func tile(t *testing.T, ts time.Time, vals ...float64) *cube.Cube {
	t.Helper()
	c, err := cube.New(
		[]string{domain.DimTime, domain.DimBands, domain.DimY, domain.DimX},
		map[string]cube.Coord{
			domain.DimTime:  cube.Times(ts),
			domain.DimBands: cube.Strings(store.PlaceholderBand),
			domain.DimY:     cube.Floats(1, 0),
			domain.DimX:     cube.Floats(0, 1),
		},
		vals, domain.WGS84,
	)
	require.NoError(t, err)
	return c.WithNoData(math.NaN())
}

func item(id, href string, res float64, bands ...string) *domain.CatalogItem {
	crs := domain.WGS84
	step := res
	assets := map[string]domain.Asset{}
	for _, b := range bands {
		assets[b] = domain.Asset{Key: b, Href: href + "/" + b + ".tif", Type: "image/tiff", Roles: []string{"data"}}
	}
	return &domain.CatalogItem{
		ID:     id,
		Assets: assets,
		Dimensions: []domain.DimensionDescriptor{
			{Name: "x", Type: domain.TypeSpatial, Axis: "x", ReferenceSystem: &crs, Step: &step},
			{Name: "y", Type: domain.TypeSpatial, Axis: "y", ReferenceSystem: &crs, Step: &step},
		},
	}
}

func setup(t *testing.T) (*LoadUseCase, *fakeLoader, []*domain.CatalogItem) {
	t.Helper()
	nan := math.NaN()
	fake := &fakeLoader{cubes: map[string]*cube.Cube{
		// a and b tile the same day, c sits in a coarser bucket.
		"a/B04.tif": tile(t, t0, 1, nan, nan, 4),
		"b/B04.tif": tile(t, t0, 9, 2, nan, 9),
		"c/B04.tif": tile(t, t0, 7, 7, 3, 7),
		"a/B08.tif": tile(t, t0, 10, 20, 30, 40),
		"b/B08.tif": tile(t, t1, 11, 21, 31, 41),
	}}
	cache, err := cubecache.New(4, zerolog.Nop())
	require.NoError(t, err)
	uc := NewLoadUseCase(store.NewRegistry(fake), cache, interp.Nearest, zerolog.Nop())
	items := []*domain.CatalogItem{
		item("a", "a", 10, "B04", "B08"),
		item("b", "b", 10, "B04", "B08"),
		item("c", "c", 20, "B04"),
	}
	return uc, fake, items
}

func TestLoad_BucketsTimesAndBands(t *testing.T) {
	t.Parallel()
	uc, fake, items := setup(t)

	res, err := uc.Execute(context.Background(), LoadRequest{Collection: "s2", Items: items, Bands: []string{"B04", "B08"}})
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Equal(t, domain.CRSResolution{CRS: domain.WGS84, Resolution: 10}, res.Majority)

	c := res.Cube
	require.Equal(t, []string{domain.DimTime, domain.DimBands, domain.DimY, domain.DimX}, c.Dims())
	require.Equal(t, []int{2, 2, 2, 2}, c.Shape())
	bands, _ := c.Coord(domain.DimBands)
	require.Equal(t, []string{"B04", "B08"}, bands.Strings)

	// B04 on t0: a first, then b for the repeated day, then bucket c.
	require.Equal(t, []float64{1, 2, 3, 4}, []float64{c.At(0, 0, 0, 0), c.At(0, 0, 0, 1), c.At(0, 0, 1, 0), c.At(0, 0, 1, 1)})
	// B04 has no t1 slice.
	require.True(t, math.IsNaN(c.At(1, 0, 0, 0)))
	require.Equal(t, 41.0, c.At(1, 1, 1, 1))

	// One call per band bucket: B04 majority, B04 coarse, B08.
	require.Equal(t, 3, fake.callCount())
	require.Equal(t, 4326, fake.calls[0].CRS)
	require.Equal(t, 10.0, fake.calls[0].Resolution)
}

func TestLoad_CacheAndNoCache(t *testing.T) {
	t.Parallel()
	uc, fake, items := setup(t)
	req := LoadRequest{Collection: "s2", Items: items, Bands: []string{"B08"}}

	first, err := uc.Execute(context.Background(), req)
	require.NoError(t, err)
	second, err := uc.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, second.Cached)
	require.Same(t, first.Cube, second.Cube)
	require.Equal(t, domain.CRSResolution{CRS: domain.WGS84, Resolution: 10}, second.Majority)
	require.Equal(t, first.Majority, second.Majority)
	require.Equal(t, 1, fake.callCount())

	req.NoCache = true
	third, err := uc.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, third.Cached)
	require.Equal(t, 2, fake.callCount())
}

func TestLoad_MixedFormatBucketSharingADay(t *testing.T) {
	t.Parallel()
	nan := math.NaN()
	cogs := &fakeLoader{cubes: map[string]*cube.Cube{
		"a/B04.tif": tile(t, t0, 1, nan, nan, 4),
		"b/B04.tif": tile(t, t0, nan, 2, nan, 9),
	}}
	zarrs := &fakeLoader{format: store.FormatZarr, cubes: map[string]*cube.Cube{
		"z/B04.zarr": tile(t, t0, 8, 8, 3, 8),
	}}
	uc := NewLoadUseCase(store.NewRegistry(cogs, zarrs), nil, interp.Nearest, zerolog.Nop())

	z := item("z", "z", 10, "B04")
	z.Assets["B04"] = domain.Asset{Key: "B04", Href: "z/B04.zarr", Type: "application/vnd+zarr", Roles: []string{"data"}}
	items := []*domain.CatalogItem{item("a", "a", 10, "B04"), item("b", "b", 10, "B04"), z}

	res, err := uc.Execute(context.Background(), LoadRequest{Items: items, Bands: []string{"B04"}})
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, res.Cube.Shape())
	tc, _ := res.Cube.Coord(domain.DimTime)
	require.True(t, tc.Unique())

	c := res.Cube
	require.Equal(t, []float64{1, 2, 3, 4}, []float64{c.At(0, 0, 0, 0), c.At(0, 0, 0, 1), c.At(0, 0, 1, 0), c.At(0, 0, 1, 1)})
	require.Equal(t, 1, cogs.callCount())
	require.Equal(t, 1, zarrs.callCount())
	require.Len(t, cogs.calls[0].Assets, 2)
}

func TestLoad_ClipAndTimeFilter(t *testing.T) {
	t.Parallel()
	uc, _, items := setup(t)
	end := t0
	res, err := uc.Execute(context.Background(), LoadRequest{
		Items: items,
		Bands: []string{"B08"},
		BBox:  &domain.BBox{West: -0.2, South: 0.5, East: 0.4, North: 1.5},
		Time:  domain.TimeInterval{End: &end},
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 1, 1}, res.Cube.Shape())
	require.Equal(t, 10.0, res.Cube.At(0, 0, 0, 0))
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	uc, _, items := setup(t)
	ctx := context.Background()

	_, err := uc.Execute(ctx, LoadRequest{Bands: []string{"B04"}})
	require.ErrorIs(t, err, domain.ErrEmptyItems)

	_, err = uc.Execute(ctx, LoadRequest{Items: items})
	require.Error(t, err)

	_, err = uc.Execute(ctx, LoadRequest{Items: items, Bands: []string{"B04", "B04"}})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorContains(t, err, `duplicate band "B04"`)

	_, err = uc.Execute(ctx, LoadRequest{Items: items, Bands: []string{"B04"}, BBox: &domain.BBox{West: 2, South: 0, East: 1, North: 1}})
	require.ErrorIs(t, err, domain.ErrInvalidBBox)

	_, err = uc.Execute(ctx, LoadRequest{Items: items, Bands: []string{"B12"}})
	require.ErrorIs(t, err, domain.ErrNoItems)

	// B12 is advertised by the item but the source lacks it.
	withB12 := item("d", "d", 10, "B12")
	_, err = uc.Execute(ctx, LoadRequest{Items: []*domain.CatalogItem{withB12}, Bands: []string{"B12"}})
	require.ErrorIs(t, err, domain.ErrBandNotFound)

	unresolved := &domain.CatalogItem{ID: "e", Assets: map[string]domain.Asset{"B04": {Href: "e.tif"}}}
	_, err = uc.Execute(ctx, LoadRequest{Items: []*domain.CatalogItem{unresolved}, Bands: []string{"B04"}})
	require.ErrorIs(t, err, domain.ErrUnresolvedCRSResolution)
}

func TestMerge_LoadsAndMerges(t *testing.T) {
	t.Parallel()
	uc, _, items := setup(t)
	m := NewMergeUseCase(uc, merge.NewEngine(zerolog.Nop(), interp.Nearest), zerolog.Nop())
	ctx := context.Background()
	end := t0
	day := domain.TimeInterval{End: &end}

	// Only the bands differ: label merge without collisions.
	out, err := m.Execute(ctx, MergeRequest{
		First:  LoadRequest{Items: items, Bands: []string{"B04"}, Time: day},
		Second: LoadRequest{Items: items, Bands: []string{"B08"}, Time: day},
	})
	require.NoError(t, err)
	bands, _ := out.Coord(domain.DimBands)
	require.Equal(t, []string{"B04", "B08"}, bands.Strings)
	require.Equal(t, 40.0, out.At(0, 1, 1, 1))

	_, err = m.Execute(ctx, MergeRequest{
		First:    LoadRequest{Items: items, Bands: []string{"B04"}},
		Second:   LoadRequest{Items: items, Bands: []string{"B04"}},
		Resolver: "no-such-resolver",
	})
	require.Error(t, err)

	// B04 is on both sides and nothing says how to resolve it.
	_, err = m.Execute(ctx, MergeRequest{
		First:  LoadRequest{Items: items, Bands: []string{"B04"}, Time: day},
		Second: LoadRequest{Items: items, Bands: []string{"B04", "B08"}, Time: day},
	})
	require.ErrorIs(t, err, domain.ErrOverlapResolverMissing)

	// Identical layouts without a resolver are stacked.
	out, err = m.Execute(ctx, MergeRequest{
		First:  LoadRequest{Items: items, Bands: []string{"B04"}},
		Second: LoadRequest{Items: items, Bands: []string{"B04"}},
	})
	require.NoError(t, err)
	require.True(t, out.Has(merge.CubesDim))

	out, err = m.Execute(ctx, MergeRequest{
		First:    LoadRequest{Items: items, Bands: []string{"B04"}, NoCache: true},
		Second:   LoadRequest{Items: items, Bands: []string{"B04"}, NoCache: true},
		Resolver: "max",
	})
	require.NoError(t, err)
	require.Equal(t, 4.0, out.At(0, 0, 1, 1))
}
