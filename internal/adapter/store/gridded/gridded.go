// Package gridded loads ESRI raw rasters through GDAL's EHdr driver:
// band-interleaved files (.bil) and binary float grids (.flt), each described by
// a .hdr sidecar and optionally referenced by a .prj sidecar.
package gridded

import (
	"context"
	"fmt"
	"math"
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

// Loader reads EHdr grids and their sidecars from local paths, HTTP(S) or S3.
type Loader struct {
	objects *objstore.Reader
	log     zerolog.Logger
}

// New returns a loader reading assets through objects.
func New(objects *objstore.Reader, log zerolog.Logger) *Loader {
	return &Loader{objects: objects, log: log.With().Str("loader", string(store.FormatGridded)).Logger()}
}

// Format reports FormatGridded.
func (l *Loader) Format() store.Format { return store.FormatGridded }

func (l *Loader) Load(ctx context.Context, req store.Request) (out *cube.Cube, err error) {
	start := time.Now()
	defer func() { observability.ObserveLoad(string(store.FormatGridded), err, time.Since(start).Seconds()) }()

	if len(req.Assets) == 0 {
		return nil, domain.ErrNoItems
	}
	parts := make([]*cube.Cube, 0, len(req.Assets))
	for _, ia := range req.Assets {
		c, err := l.loadItem(ctx, ia, req)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", ia.Asset.Href, err)
		}
		parts = append(parts, c)
	}
	return store.ConcatItems(parts)
}

func (l *Loader) loadItem(ctx context.Context, ia domain.ItemAsset, req store.Request) (*cube.Cube, error) {
	path, cleanup, err := l.objects.LocalPathWithSidecars(ctx, ia.Asset.Href, []string{".hdr"}, []string{".prj"})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ds, err := raster.Open(path)
	if err != nil {
		return nil, err
	}
	defer ds.Close()
	if err := ds.Georeferenced(); err != nil {
		return nil, err
	}
	code, err := store.SourceCRS(ia.Item, ds.EPSG, false)
	if err != nil {
		return nil, err
	}

	data := make([]float64, 0, len(ds.Bands)*ds.Width*ds.Height)
	for _, b := range ds.Bands {
		p, err := ds.Read(b.Index, 0, ds.Height, 0, ds.Width)
		if err != nil {
			return nil, err
		}
		data = append(data, p...)
	}

	c, err := cube.New(
		[]string{domain.DimBands, domain.DimY, domain.DimX},
		map[string]cube.Coord{
			domain.DimBands: cube.Strings(store.BandLabels(ia.Item, len(ds.Bands))...),
			domain.DimY:     cube.Floats(ds.YCoords()...),
			domain.DimX:     cube.Floats(ds.XCoords()...),
		},
		data, code,
	)
	if err != nil {
		return nil, err
	}
	c = c.WithNoData(math.NaN())
	if c, err = store.NormalizeLongitudes(c); err != nil {
		return nil, err
	}
	if c, err = store.SortSpatial(c); err != nil {
		return nil, err
	}
	if req.BBox != nil {
		if c, err = reconcile.ClipBox(c, *req.BBox); err != nil {
			return nil, err
		}
	}
	l.log.Debug().
		Str("item", ia.Item.ID).
		Str("driver", ds.Driver).
		Int("crs", code).
		Ints("shape", c.Shape()).
		Msg("gridded item read")
	return store.Finish(c, ia.Item, req)
}
