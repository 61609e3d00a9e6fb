package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/catalog"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/cubecache"
	"go.ngs.io/datacube/internal/domain"
	"go.ngs.io/datacube/internal/logger"
	"go.ngs.io/datacube/internal/reconcile"
)

// ErrInvalidRequest wraps every request validation failure.
var ErrInvalidRequest = errors.New("invalid request")

// LoadRequest describes one cube load over a set of catalog items
type LoadRequest struct {
	// Collection the items were searched in, used for the cache key and logs
	Collection string
	Items      []*domain.CatalogItem
	Bands      []string

	// Optional spatial and temporal extent
	BBox *domain.BBox
	Time domain.TimeInterval

	// Method overrides the configured resampling kernel
	Method *interp.Method

	// Filters subset auxiliary dimensions such as pressure level
	Filters []store.DimensionFilter

	// NoCache bypasses the cube repository for this request
	NoCache bool
}

// LoadResult is a loaded cube and how it was obtained
type LoadResult struct {
	Cube     *cube.Cube
	Majority domain.CRSResolution
	Cached   bool
}

// LoadUseCase orchestrates a load: grouping, per-bucket loading, spatial and
// temporal reconciliation and band concatenation.
type LoadUseCase struct {
	loaders *store.Registry
	cache   *cubecache.Repository
	method  interp.Method
	log     zerolog.Logger
}

// NewLoadUseCase creates a load use case. cache may be nil.
func NewLoadUseCase(loaders *store.Registry, cache *cubecache.Repository, method interp.Method, log zerolog.Logger) *LoadUseCase {
	return &LoadUseCase{
		loaders: loaders,
		cache:   cache,
		method:  method,
		log:     log.With().Str("component", "load").Logger(),
	}
}

// Validate checks if the request is valid
func (r *LoadRequest) Validate() error {
	if len(r.Items) == 0 {
		return domain.ErrEmptyItems
	}
	if _, err := domain.NewBandDimension(r.Bands); err != nil {
		return err
	}
	for _, b := range r.Bands {
		if b == "" {
			return fmt.Errorf("band names must not be empty")
		}
	}
	if r.BBox != nil {
		if err := r.BBox.Validate(); err != nil {
			return err
		}
	}
	if r.Time.Start != nil && r.Time.End != nil && r.Time.End.Before(*r.Time.Start) {
		return fmt.Errorf("time interval ends before it starts")
	}
	return nil
}

// cacheParams is the hashed identity of a load within its collection.
type cacheParams struct {
	Items     []string
	Bands     []string
	BBox      string
	Start     string
	End       string
	RightOpen bool
	Method    string
	Filters   []string
}

func (uc *LoadUseCase) cacheKey(req LoadRequest, method interp.Method) (cubecache.Key, error) {
	p := cacheParams{Bands: req.Bands, RightOpen: req.Time.RightOpen, Method: method.String()}
	for _, it := range req.Items {
		p.Items = append(p.Items, it.ID)
	}
	if req.BBox != nil {
		p.BBox = req.BBox.String()
	}
	if req.Time.Start != nil {
		p.Start = req.Time.Start.UTC().Format(time.RFC3339Nano)
	}
	if req.Time.End != nil {
		p.End = req.Time.End.UTC().Format(time.RFC3339Nano)
	}
	for _, f := range req.Filters {
		p.Filters = append(p.Filters, f.String())
	}
	return cubecache.KeyOf(req.Collection, p)
}

// Execute loads the cube described by req
func (uc *LoadUseCase) Execute(ctx context.Context, req LoadRequest) (*LoadResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	method := uc.method
	if req.Method != nil {
		method = *req.Method
	}
	log := logger.FromContext(logger.WithCollection(ctx, req.Collection), &uc.log)

	var key cubecache.Key
	useCache := uc.cache != nil && !req.NoCache
	if useCache {
		var err error
		if key, err = uc.cacheKey(req, method); err != nil {
			return nil, err
		}
		if e, ok := uc.cache.Get(key); ok {
			log.Debug().Str("key", key.String()).Msg("cube served from cache")
			return &LoadResult{Cube: e.Cube, Majority: e.Majority, Cached: true}, nil
		}
	}

	groups, majority, err := catalog.Group(req.Items, req.Bands, log)
	if err != nil {
		return nil, fmt.Errorf("failed to group items: %w", err)
	}

	started := time.Now()
	bands := make([]*cube.Cube, 0, len(req.Bands))
	for _, band := range req.Bands {
		c, err := uc.loadBand(ctx, log, groups, majority, band, req, method)
		if err != nil {
			return nil, fmt.Errorf("band %q: %w", band, err)
		}
		bands = append(bands, c)
	}
	out, err := cube.Concat(domain.DimBands, bands...)
	if err != nil {
		return nil, fmt.Errorf("failed to concatenate bands: %w", err)
	}

	ev := log.Info().
		Int("items", len(req.Items)).
		Strs("bands", req.Bands).
		Str("majority", majority.String()).
		Ints("shape", out.Shape()).
		Dur("elapsed", time.Since(started))
	if span, err := domain.TemporalExtentOf(req.Items); err == nil {
		if span.Extent[0] != nil {
			ev = ev.Time("items_from", *span.Extent[0])
		}
		if span.Extent[1] != nil {
			ev = ev.Time("items_to", *span.Extent[1])
		}
	}
	ev.Msg("cube loaded")

	if useCache {
		uc.cache.Put(key, cubecache.Entry{Cube: out, Majority: majority})
	}
	return &LoadResult{Cube: out, Majority: majority}, nil
}

// loadBand loads every bucket of band, fills the majority bucket with the
// others, then clips and reconciles time.
func (uc *LoadUseCase) loadBand(ctx context.Context, log *zerolog.Logger, groups catalog.Groups, majority domain.CRSResolution, band string, req LoadRequest, method interp.Method) (*cube.Cube, error) {
	buckets := groups.Buckets(band, majority)
	if len(buckets) == 0 {
		return nil, domain.ErrNoItems
	}

	var out *cube.Cube
	for _, key := range buckets {
		c, err := uc.loadBucket(ctx, groups[band][key], band, req, majority, method)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", key, err)
		}
		if out == nil {
			out = c
			continue
		}
		if c.CRS() != out.CRS() {
			x, _ := out.Coord(domain.DimX)
			y, _ := out.Coord(domain.DimY)
			if c, err = reconcile.ReprojectCube(c, reconcile.ReprojectOptions{
				CRS: out.CRS(), X: x.Floats, Y: y.Floats, Method: method,
			}); err != nil {
				return nil, fmt.Errorf("failed to resample bucket %s: %w", key, err)
			}
		}
		if out, err = out.CombineFirst(c); err != nil {
			return nil, fmt.Errorf("failed to combine bucket %s: %w", key, err)
		}
		log.Debug().Str("band", band).Str("bucket", key.String()).Msg("bucket combined")
	}

	var err error
	if req.BBox != nil {
		if out, err = reconcile.ClipBox(out, *req.BBox); err != nil {
			return nil, err
		}
	}
	return reconcile.FilterByTime(out, req.Time)
}

// loadBucket hands the assets of one bucket to their format loaders. Assets of
// different formats in one bucket are loaded separately, their repeated
// timestamps merged, and filled into each other like buckets.
func (uc *LoadUseCase) loadBucket(ctx context.Context, assets []domain.ItemAsset, band string, req LoadRequest, majority domain.CRSResolution, method interp.Method) (*cube.Cube, error) {
	byFormat := map[store.Format][]domain.ItemAsset{}
	var order []store.Format
	for _, ia := range assets {
		f, err := store.DetectFormat(ia.Asset)
		if err != nil {
			return nil, err
		}
		if _, ok := byFormat[f]; !ok {
			order = append(order, f)
		}
		byFormat[f] = append(byFormat[f], ia)
	}

	var out *cube.Cube
	for _, f := range order {
		l, err := uc.loaders.Get(f)
		if err != nil {
			return nil, err
		}
		c, err := l.Load(ctx, store.Request{
			Assets:     byFormat[f],
			BBox:       req.BBox,
			Bands:      []string{band},
			CRS:        majority.CRS,
			Resolution: majority.Resolution,
			Method:     method,
			Filters:    req.Filters,
		})
		if err != nil {
			return nil, err
		}
		// Items of one format may repeat a timestamp.
		if c, err = reconcile.RemoveRepeatedTimeCoords(c); err != nil {
			return nil, fmt.Errorf("%s assets: %w", f, err)
		}
		if out == nil {
			out = c
			continue
		}
		if out, err = out.CombineFirst(c); err != nil {
			return nil, fmt.Errorf("failed to combine %s and %s assets: %w", order[0], f, err)
		}
	}
	return out, nil
}
