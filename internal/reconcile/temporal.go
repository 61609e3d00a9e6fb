package reconcile

import (
	"fmt"
	"time"

	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

// RemoveRepeatedTimeCoords merges slices that share a timestamp. The n-th occurrences
// of every timestamp are gathered into one slice and the slices are combined in
// occurrence order with first-non-NaN-wins semantics. A cube whose timestamps are
// already unique is returned unchanged.
func RemoveRepeatedTimeCoords(c *cube.Cube) (*cube.Cube, error) {
	tc, ok := c.Coord(domain.DimTime)
	if !ok || tc.Unique() {
		return c, nil
	}

	counts := make(map[string]int, tc.Len())
	var byOccurrence [][]int
	for i := 0; i < tc.Len(); i++ {
		k := tc.Key(i)
		occ := counts[k]
		counts[k]++
		if occ == len(byOccurrence) {
			byOccurrence = append(byOccurrence, nil)
		}
		byOccurrence[occ] = append(byOccurrence[occ], i)
	}

	var out *cube.Cube
	for occ, idx := range byOccurrence {
		slice, err := c.Isel(domain.DimTime, idx)
		if err != nil {
			return nil, err
		}
		if occ == 0 {
			out = slice
			continue
		}
		if out, err = out.CombineFirst(slice); err != nil {
			return nil, fmt.Errorf("failed to merge repeated timestamps: %w", err)
		}
	}
	return out.SortBy(domain.DimTime)
}

// FilterByTime keeps the timestamps within iv. A nil start means the earliest
// timestamp present and a nil end the latest one present, which is then included
// even when iv is right-open. Timestamps are compared in UTC.
func FilterByTime(c *cube.Cube, iv domain.TimeInterval) (*cube.Cube, error) {
	tc, ok := c.Coord(domain.DimTime)
	if !ok || tc.Len() == 0 || (iv.Start == nil && iv.End == nil) {
		return c, nil
	}
	if tc.Kind != cube.KindTime {
		return nil, fmt.Errorf("dimension %q has %s labels, expected time", domain.DimTime, tc.Kind)
	}

	lo, hi := tc.Times[0], tc.Times[0]
	for _, t := range tc.Times[1:] {
		if t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
	}
	rightOpen := iv.RightOpen
	if iv.Start != nil {
		lo = iv.Start.UTC()
	}
	if iv.End != nil {
		hi = iv.End.UTC()
	} else {
		rightOpen = false
	}
	if hi.Before(lo) {
		return nil, fmt.Errorf("time interval end %s before start %s", hi.Format(time.RFC3339), lo.Format(time.RFC3339))
	}

	idx := make([]int, 0, tc.Len())
	for i, t := range tc.Times {
		t = t.UTC()
		if t.Before(lo) {
			continue
		}
		if t.After(hi) || (rightOpen && t.Equal(hi)) {
			continue
		}
		idx = append(idx, i)
	}
	return c.Isel(domain.DimTime, idx)
}
