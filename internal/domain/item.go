// Package domain holds the catalog-facing types of the cube adapter: catalog items,
// their dimension descriptors, bounding boxes and the error taxonomy.
package domain

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// WGS84 is the EPSG code assumed for bounding boxes that do not state a reference system.
const WGS84 = 4326

// BBox is a (west, south, east, north) rectangle in a stated reference system.
type BBox struct {
	West  float64
	South float64
	East  float64
	North float64
	CRS   int // EPSG code, 0 means WGS84.
}

// EPSG returns the reference system of the box, defaulting to WGS84.
func (b BBox) EPSG() int {
	if b.CRS == 0 {
		return WGS84
	}
	return b.CRS
}

// Validate checks orientation and, for geographic boxes, the coordinate ranges.
func (b BBox) Validate() error {
	for _, v := range []float64{b.West, b.South, b.East, b.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in %s", ErrInvalidBBox, b)
		}
	}
	if b.West > b.East {
		return fmt.Errorf("%w: west %.6f > east %.6f", ErrInvalidBBox, b.West, b.East)
	}
	if b.South > b.North {
		return fmt.Errorf("%w: south %.6f > north %.6f", ErrInvalidBBox, b.South, b.North)
	}
	if b.EPSG() == WGS84 {
		if b.West < -180 || b.East > 180 {
			return fmt.Errorf("%w: longitude must be between -180 and 180", ErrInvalidBBox)
		}
		if b.South < -90 || b.North > 90 {
			return fmt.Errorf("%w: latitude must be between -90 and 90", ErrInvalidBBox)
		}
	}
	return nil
}

// Bound returns the box as an orb.Bound (X = easting/longitude, Y = northing/latitude).
func (b BBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// String matches the wfs/wms bbox format.
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,EPSG:%d", b.West, b.South, b.East, b.North, b.EPSG())
}

// Asset is a location-addressable file of a catalog item.
type Asset struct {
	Key   string
	Href  string
	Type  string // Media type, may be empty.
	Roles []string
}

// DimensionDescriptor is one entry of an item's cube:dimensions map.
type DimensionDescriptor struct {
	Name            string
	Type            string   // "spatial", "temporal", "bands" or an auxiliary type.
	Axis            string   // "x", "y" or "z" for spatial dimensions.
	ReferenceSystem *int     // EPSG code when declared.
	Step            *float64 // Signed step, resolution is its absolute value.
	Extent          []float64
	TemporalExtent  [2]*time.Time
	Values          []string
	Unit            string
}

// VariableDescriptor is one entry of an item's cube:variables map.
type VariableDescriptor struct {
	Name       string
	Dimensions []string
	Type       string
	Unit       string
}

// CatalogItem is a described, location-addressable geospatial asset.
// Values are built once by the catalog parser and never mutated afterwards.
type CatalogItem struct {
	ID         string
	Collection string
	BBox       BBox
	Assets     map[string]Asset
	Datetime   *time.Time
	Start      *time.Time
	End        *time.Time
	Dimensions []DimensionDescriptor // Declaration order.
	Variables  []VariableDescriptor  // Declaration order.
}

// Instant returns the single timestamp that represents the item: its datetime,
// or the start of its interval.
func (it *CatalogItem) Instant() (time.Time, bool) {
	switch {
	case it.Datetime != nil:
		return it.Datetime.UTC(), true
	case it.Start != nil:
		return it.Start.UTC(), true
	case it.End != nil:
		return it.End.UTC(), true
	}
	return time.Time{}, false
}

// TemporalExtent returns the time span the item covers in UTC. A datetime bounds
// whichever side the interval leaves unset and is the only value.
func (it *CatalogItem) TemporalExtent() *TemporalDimension {
	d := &TemporalDimension{}
	start, end := it.Start, it.End
	if it.Datetime != nil {
		d.Values = []time.Time{it.Datetime.UTC()}
		if start == nil {
			start = it.Datetime
		}
		if end == nil {
			end = it.Datetime
		}
	}
	if start != nil {
		s := start.UTC()
		d.Extent[0] = &s
	}
	if end != nil {
		e := end.UTC()
		d.Extent[1] = &e
	}
	return d
}

// TemporalExtentOf merges the temporal extents of items. An undated item leaves
// both bounds open.
func TemporalExtentOf(items []*CatalogItem) (*TemporalDimension, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}
	out := items[0].TemporalExtent()
	for _, it := range items[1:] {
		if err := out.Merges(it.TemporalExtent()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Dimension returns the descriptor declared under name.
func (it *CatalogItem) Dimension(name string) (DimensionDescriptor, bool) {
	for _, d := range it.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return DimensionDescriptor{}, false
}

// AvailableBands lists the band identifiers of the item, taken from its band
// dimension when one is declared, from its variables otherwise, and as a last
// resort from the keys of its data assets.
func (it *CatalogItem) AvailableBands() []string {
	for _, d := range it.Dimensions {
		if d.Type == TypeBands && len(d.Values) > 0 {
			return append([]string(nil), d.Values...)
		}
	}
	out := make([]string, 0, len(it.Variables))
	for _, v := range it.Variables {
		out = append(out, v.Name)
	}
	if len(out) > 0 {
		return out
	}
	for key, a := range it.Assets {
		if len(a.Roles) == 0 || slices.Contains(a.Roles, "data") {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// HasBand reports whether band is one of the item's available bands.
func (it *CatalogItem) HasBand(band string) bool {
	for _, b := range it.AvailableBands() {
		if b == band {
			return true
		}
	}
	return false
}

// ItemAsset is a catalog item paired with the asset chosen to serve one band.
type ItemAsset struct {
	Item  *CatalogItem
	Asset Asset
}

// CRSResolution is the (reference system, resolution) pair items are grouped by.
type CRSResolution struct {
	CRS        int
	Resolution float64
}

func (k CRSResolution) String() string {
	return "EPSG:" + strconv.Itoa(k.CRS) + "@" + strconv.FormatFloat(k.Resolution, 'g', -1, 64)
}

// TimeInterval is a requested temporal extent. A nil Start means the earliest
// timestamp present, a nil End the latest one present.
type TimeInterval struct {
	Start *time.Time
	End   *time.Time
	// RightOpen excludes End itself from the selection.
	RightOpen bool
}

// ParseEPSG parses "EPSG:32633", "epsg:4326", "32633" or an OGC CRS URN/URL into a code.
func ParseEPSG(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty reference system")
	}
	if i := strings.LastIndexAny(s, ":/"); i >= 0 {
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("invalid EPSG code %q", s)
	}
	return code, nil
}
