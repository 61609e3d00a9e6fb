// Package cog loads GeoTIFF and Cloud Optimized GeoTIFF assets through GDAL.
// Every item is read over the window the request touches and resampled onto
// one shared grid in the working reference system before the items are
// stacked along time.
package cog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/raster"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/observability"
	"go.ngs.io/datacube/internal/reconcile"
)

// maxGridPixels bounds the size of the shared target grid.
const maxGridPixels = 1 << 28

// Loader reads GeoTIFF assets from local paths, HTTP(S) or S3.
type Loader struct {
	objects *objstore.Reader
	log     zerolog.Logger
}

// New returns a loader reading assets through objects.
func New(objects *objstore.Reader, log zerolog.Logger) *Loader {
	return &Loader{objects: objects, log: log.With().Str("loader", string(store.FormatCOG)).Logger()}
}

// Format reports FormatCOG.
func (l *Loader) Format() store.Format { return store.FormatCOG }

type source struct {
	ia      domain.ItemAsset
	cleanup func()
	ds      *raster.Dataset
	crs     int
	x, y    []float64
}

func (s *source) close() {
	s.ds.Close()
	s.cleanup()
}

// footprint returns the outer pixel edges in the raster's own reference system.
func (s *source) footprint() domain.BBox {
	rx, ry := s.ds.Resolution()
	hx, hy := rx/2, ry/2
	x0, x1 := s.x[0], s.x[len(s.x)-1]
	y0, y1 := s.y[0], s.y[len(s.y)-1]
	return domain.BBox{
		West:  math.Min(x0, x1) - hx,
		East:  math.Max(x0, x1) + hx,
		South: math.Min(y0, y1) - hy,
		North: math.Max(y0, y1) + hy,
		CRS:   s.crs,
	}
}

// grid is the target every item is resampled onto. Without X and Y each item
// keeps the grid reprojection derives from its own footprint.
type grid struct {
	crs  int
	x, y []float64
}

func (l *Loader) Load(ctx context.Context, req store.Request) (out *cube.Cube, err error) {
	start := time.Now()
	defer func() { observability.ObserveLoad(string(store.FormatCOG), err, time.Since(start).Seconds()) }()

	if len(req.Assets) == 0 {
		return nil, domain.ErrNoItems
	}
	sources := make([]*source, 0, len(req.Assets))
	defer func() {
		for _, s := range sources {
			s.close()
		}
	}()
	for _, ia := range req.Assets {
		s, err := l.open(ctx, ia)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", ia.Asset.Href, err)
		}
		sources = append(sources, s)
	}

	g, err := targetGrid(req, sources)
	if err != nil {
		return nil, err
	}

	parts := make([]*cube.Cube, 0, len(sources))
	for _, s := range sources {
		c, err := l.readItem(s, req, g)
		if errors.Is(err, domain.ErrNoDataInBounds) && len(sources) > 1 {
			l.log.Debug().Str("item", s.ia.Item.ID).Msg("item outside bbox, skipped")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", s.ia.Asset.Href, err)
		}
		parts = append(parts, c)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no item intersects %s", domain.ErrNoDataInBounds, req.BBox)
	}
	return store.ConcatItems(parts)
}

func (l *Loader) open(ctx context.Context, ia domain.ItemAsset) (*source, error) {
	path, cleanup, err := l.objects.LocalPath(ctx, ia.Asset.Href)
	if err != nil {
		return nil, err
	}
	ds, err := raster.Open(path)
	if err != nil {
		cleanup()
		return nil, err
	}
	s := &source{ia: ia, cleanup: cleanup, ds: ds}
	if err := ds.Georeferenced(); err != nil {
		s.close()
		return nil, err
	}
	if s.crs, err = store.SourceCRS(ia.Item, ds.EPSG, false); err != nil {
		s.close()
		return nil, err
	}
	s.x, s.y = ds.XCoords(), ds.YCoords()
	return s, nil
}

// targetGrid snaps the request bbox, or the union of the item footprints, to
// the working resolution in the working reference system.
func targetGrid(req store.Request, sources []*source) (grid, error) {
	g := grid{crs: req.CRS}
	if g.crs == 0 {
		g.crs = sources[0].crs
	}
	res := req.Resolution
	if res <= 0 {
		if sources[0].crs != g.crs {
			return g, nil
		}
		res, _ = sources[0].ds.Resolution()
	}

	var (
		area domain.BBox
		err  error
	)
	if req.BBox != nil {
		if area, err = reconcile.ReprojectBBox(*req.BBox, req.BBox.EPSG(), g.crs); err != nil {
			return grid{}, err
		}
	} else if area, err = footprintUnion(sources, g.crs); err != nil {
		return grid{}, err
	}

	if g.x, g.y, err = reconcile.SnappedGrid(area, res); err != nil {
		return grid{}, err
	}
	if len(g.x)*len(g.y) > maxGridPixels {
		return grid{}, fmt.Errorf("target grid of %dx%d pixels is too large", len(g.y), len(g.x))
	}
	return g, nil
}

// footprintUnion widens the x and y extents of the first footprint over the
// others, all in the reference system code.
func footprintUnion(sources []*source, code int) (domain.BBox, error) {
	var x, y *domain.SpatialDimension
	for _, s := range sources {
		bb, err := reconcile.ReprojectBBox(s.footprint(), s.crs, code)
		if err != nil {
			return domain.BBox{}, err
		}
		bx := &domain.SpatialDimension{Axis: domain.DimX, Extent: [2]float64{bb.West, bb.East}}
		by := &domain.SpatialDimension{Axis: domain.DimY, Extent: [2]float64{bb.South, bb.North}}
		if x == nil {
			x, y = bx, by
			continue
		}
		if err := x.Merges(bx); err != nil {
			return domain.BBox{}, err
		}
		if err := y.Merges(by); err != nil {
			return domain.BBox{}, err
		}
	}
	return domain.BBox{West: x.Extent[0], South: y.Extent[0], East: x.Extent[1], North: y.Extent[1], CRS: code}, nil
}

func (l *Loader) readItem(s *source, req store.Request, g grid) (*cube.Cube, error) {
	rows := store.Window{Count: s.ds.Height}
	cols := store.Window{Count: s.ds.Width}
	if req.BBox != nil {
		bb, err := reconcile.ReprojectBBox(*req.BBox, req.BBox.EPSG(), s.crs)
		if err != nil {
			return nil, err
		}
		xi, yi, err := reconcile.ClipWindow(s.x, s.y, bb)
		if err != nil {
			return nil, err
		}
		if cols, err = store.WindowOf(xi); err != nil {
			return nil, err
		}
		if rows, err = store.WindowOf(yi); err != nil {
			return nil, err
		}
		// One extra pixel on each side keeps bilinear sampling defined at the edges.
		cols = grow(cols, s.ds.Width)
		rows = grow(rows, s.ds.Height)
	}

	data := make([]float64, 0, len(s.ds.Bands)*rows.Count*cols.Count)
	for _, b := range s.ds.Bands {
		p, err := s.ds.Read(b.Index, rows.Start, rows.Count, cols.Start, cols.Count)
		if err != nil {
			return nil, err
		}
		data = append(data, p...)
	}

	c, err := cube.New([]string{domain.DimBands, domain.DimY, domain.DimX}, map[string]cube.Coord{
		domain.DimBands: cube.Strings(store.BandLabels(s.ia.Item, len(s.ds.Bands))...),
		domain.DimY:     cube.Floats(slices.Clone(s.y[rows.Start : rows.Start+rows.Count])...),
		domain.DimX:     cube.Floats(slices.Clone(s.x[cols.Start : cols.Start+cols.Count])...),
	}, data, s.crs)
	if err != nil {
		return nil, err
	}
	c = c.WithNoData(math.NaN())

	if len(g.x) > 0 || g.crs != s.crs {
		c, err = reconcile.ReprojectCube(c, reconcile.ReprojectOptions{CRS: g.crs, X: g.x, Y: g.y, Method: req.Method})
		if err != nil {
			return nil, fmt.Errorf("failed to resample onto EPSG:%d grid: %w", g.crs, err)
		}
	}
	if c, err = store.SortSpatial(c); err != nil {
		return nil, err
	}

	l.log.Debug().
		Str("item", s.ia.Item.ID).
		Int("src_crs", s.crs).
		Int("dst_crs", g.crs).
		Ints("window", []int{rows.Start, rows.Count, cols.Start, cols.Count}).
		Msg("cog item read")
	return store.Finish(c, s.ia.Item, req)
}

func grow(w store.Window, n int) store.Window {
	lo := max(0, w.Start-1)
	hi := min(n, w.Start+w.Count+1)
	return store.Window{Start: lo, Count: hi - lo}
}
