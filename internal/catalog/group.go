package catalog

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"go.ngs.io/datacube/internal/domain"
)

// dataAssetKey is the asset name preferred over a band-named asset.
const dataAssetKey = "data"

// Groups files item assets by band, then by (reference system, resolution).
type Groups map[string]map[domain.CRSResolution][]domain.ItemAsset

// Buckets returns the (reference system, resolution) buckets of band with the
// majority bucket first and the rest in a stable order.
func (g Groups) Buckets(band string, majority domain.CRSResolution) []domain.CRSResolution {
	buckets := g[band]
	out := make([]domain.CRSResolution, 0, len(buckets))
	if _, ok := buckets[majority]; ok {
		out = append(out, majority)
	}
	rest := make([]domain.CRSResolution, 0, len(buckets))
	for k := range buckets {
		if k != majority {
			rest = append(rest, k)
		}
	}
	sortKeys(rest)
	return append(out, rest...)
}

// Group files every requested band of every item under its (reference system,
// resolution) bucket and elects the working (reference system, resolution) by
// plurality over all items. Repeated asset locations are kept once per band.
// Ties go to the finest resolution, then the lowest EPSG code.
func Group(items []*domain.CatalogItem, bands []string, log *zerolog.Logger) (Groups, domain.CRSResolution, error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	if len(items) == 0 {
		return nil, domain.CRSResolution{}, domain.ErrEmptyItems
	}

	keys := make([]domain.CRSResolution, len(items))
	tally := make(map[domain.CRSResolution]int)
	for i, it := range items {
		key, err := keyOf(it, log)
		if err != nil {
			return nil, domain.CRSResolution{}, err
		}
		keys[i] = key
		tally[key]++
	}
	majority := plurality(tally)
	if len(tally) > 1 {
		log.Warn().
			Int("buckets", len(tally)).
			Int("crs", majority.CRS).
			Float64("resolution", majority.Resolution).
			Int("votes", tally[majority]).
			Int("items", len(items)).
			Msg("items disagree on reference system or resolution, using plurality")
	}

	groups := make(Groups, len(bands))
	grouped := 0
	for _, band := range bands {
		seen := make(map[string]bool)
		for i, it := range items {
			if !it.HasBand(band) {
				continue
			}
			asset, ok := assetFor(it, band)
			if !ok {
				log.Debug().Str("item", it.ID).Str("band", band).Msg("no asset serves band")
				continue
			}
			if seen[asset.Href] {
				continue
			}
			seen[asset.Href] = true
			if groups[band] == nil {
				groups[band] = make(map[domain.CRSResolution][]domain.ItemAsset)
			}
			groups[band][keys[i]] = append(groups[band][keys[i]], domain.ItemAsset{Item: it, Asset: asset})
			grouped++
		}
	}
	if grouped == 0 {
		return nil, domain.CRSResolution{}, fmt.Errorf("%w: none of %d items serve bands %v", domain.ErrNoItems, len(items), bands)
	}
	return groups, majority, nil
}

func keyOf(it *domain.CatalogItem, log *zerolog.Logger) (domain.CRSResolution, error) {
	crs, res, conflicted := domain.CRSResolutionOf(it)
	if crs == nil || res == nil {
		return domain.CRSResolution{}, fmt.Errorf("%w: item %s declares crs=%v resolution=%v",
			domain.ErrUnresolvedCRSResolution, it.ID, deref(crs), derefF(res))
	}
	if conflicted {
		log.Warn().Str("item", it.ID).Int("crs", *crs).Float64("resolution", *res).
			Msg("dimension descriptors disagree, keeping the last declared values")
	}
	return domain.CRSResolution{CRS: *crs, Resolution: *res}, nil
}

// assetFor prefers the "data" asset over the asset named after the band.
func assetFor(it *domain.CatalogItem, band string) (domain.Asset, bool) {
	if a, ok := it.Assets[dataAssetKey]; ok && a.Href != "" {
		return a, true
	}
	if a, ok := it.Assets[band]; ok && a.Href != "" {
		return a, true
	}
	return domain.Asset{}, false
}

func plurality(tally map[domain.CRSResolution]int) domain.CRSResolution {
	keys := make([]domain.CRSResolution, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sortKeys(keys)
	best := keys[0]
	for _, k := range keys[1:] {
		if tally[k] > tally[best] {
			best = k
		}
	}
	return best
}

// sortKeys orders buckets by resolution (finest first), then EPSG code.
func sortKeys(keys []domain.CRSResolution) {
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
}

func less(a, b domain.CRSResolution) bool {
	if a.Resolution != b.Resolution {
		return a.Resolution < b.Resolution
	}
	return a.CRS < b.CRS
}

func deref(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefF(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
