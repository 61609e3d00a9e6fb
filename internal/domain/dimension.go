package domain

import (
	"fmt"
	"math"
	"time"
)

// Canonical dimension names. Downstream consumers index cubes by these exact names.
const (
	DimX     = "x"
	DimY     = "y"
	DimTime  = "time"
	DimBands = "bands"
)

// Descriptor types of cube:dimensions entries.
const (
	TypeSpatial  = "spatial"
	TypeTemporal = "temporal"
	TypeBands    = "bands"
)

// Dimension is a canonical cube dimension that can be widened to cover another
// dimension of the same kind.
type Dimension interface {
	// Description returns the canonical name of the dimension.
	Description() string
	// Merges widens the receiver to cover other's extent.
	Merges(other Dimension) error
}

// SpatialDimension is a horizontal spatial axis.
type SpatialDimension struct {
	Axis            string // DimX or DimY.
	Extent          [2]float64
	ReferenceSystem *int
	Step            *float64
}

// Description returns the axis, DimX or DimY.
func (d *SpatialDimension) Description() string { return d.Axis }

// Merges takes the union of both ranges.
func (d *SpatialDimension) Merges(other Dimension) error {
	o, ok := other.(*SpatialDimension)
	if !ok {
		return fmt.Errorf("cannot merge %T into spatial dimension %q", other, d.Axis)
	}
	if o.Axis != d.Axis {
		return fmt.Errorf("cannot merge spatial axis %q into %q", o.Axis, d.Axis)
	}
	d.Extent[0] = math.Min(d.Extent[0], o.Extent[0])
	d.Extent[1] = math.Max(d.Extent[1], o.Extent[1])
	if d.ReferenceSystem == nil {
		d.ReferenceSystem = o.ReferenceSystem
	}
	if d.Step == nil {
		d.Step = o.Step
	}
	return nil
}

// TemporalDimension is a time axis. A nil bound is open-ended.
type TemporalDimension struct {
	Extent [2]*time.Time
	Step   string // ISO 8601 duration when declared.
	Values []time.Time
}

// Description returns DimTime.
func (d *TemporalDimension) Description() string { return DimTime }

// Merges takes the union of both ranges. An open bound on either side stays open.
func (d *TemporalDimension) Merges(other Dimension) error {
	o, ok := other.(*TemporalDimension)
	if !ok {
		return fmt.Errorf("cannot merge %T into temporal dimension", other)
	}
	if d.Extent[0] != nil {
		if o.Extent[0] == nil {
			d.Extent[0] = nil
		} else if o.Extent[0].Before(*d.Extent[0]) {
			t := *o.Extent[0]
			d.Extent[0] = &t
		}
	}
	if d.Extent[1] != nil {
		if o.Extent[1] == nil {
			d.Extent[1] = nil
		} else if o.Extent[1].After(*d.Extent[1]) {
			t := *o.Extent[1]
			d.Extent[1] = &t
		}
	}
	seen := make(map[int64]bool, len(d.Values))
	for _, v := range d.Values {
		seen[v.UnixNano()] = true
	}
	for _, v := range o.Values {
		if !seen[v.UnixNano()] {
			d.Values = append(d.Values, v)
			seen[v.UnixNano()] = true
		}
	}
	return nil
}

// BandDimension is a non-empty list of distinct band identifiers.
type BandDimension struct {
	Values []string
}

// NewBandDimension rejects empty and duplicated band lists.
func NewBandDimension(values []string) (*BandDimension, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("band dimension requires at least one band")
	}
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if seen[v] {
			return nil, fmt.Errorf("duplicate band %q", v)
		}
		seen[v] = true
	}
	return &BandDimension{Values: append([]string(nil), values...)}, nil
}

// Description returns DimBands.
func (d *BandDimension) Description() string { return DimBands }

// Merges appends the bands of other that the receiver lacks, keeping the receiver's order.
func (d *BandDimension) Merges(other Dimension) error {
	o, ok := other.(*BandDimension)
	if !ok {
		return fmt.Errorf("cannot merge %T into band dimension", other)
	}
	seen := make(map[string]bool, len(d.Values))
	for _, v := range d.Values {
		seen[v] = true
	}
	for _, v := range o.Values {
		if !seen[v] {
			d.Values = append(d.Values, v)
			seen[v] = true
		}
	}
	return nil
}
