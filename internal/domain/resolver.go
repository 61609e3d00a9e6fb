package domain

import "math"

// ResolveDimensions maps canonical roles to the names the item declared them under.
// Spatial descriptors with axis x or y map to DimX and DimY, the temporal descriptor
// to DimTime and the band descriptor to DimBands. Any other type maps to its own
// declared name so auxiliary axes such as pressure levels pass through.
func ResolveDimensions(dims []DimensionDescriptor) map[string]string {
	out := make(map[string]string, len(dims))
	for _, d := range dims {
		switch {
		case d.Type == TypeSpatial && (d.Axis == DimX || d.Axis == DimY):
			out[d.Axis] = d.Name
		case d.Type == TypeTemporal:
			out[DimTime] = d.Name
		case d.Type == TypeBands:
			out[DimBands] = d.Name
		default:
			out[d.Name] = d.Name
		}
	}
	return out
}

// FindDimension returns the declared name of the first descriptor whose axis equals
// axis, or failing that whose type equals typ. Empty arguments never match.
func FindDimension(dims []DimensionDescriptor, axis, typ string) (string, error) {
	if axis != "" {
		for _, d := range dims {
			if d.Axis == axis {
				return d.Name, nil
			}
		}
	}
	if typ != "" {
		for _, d := range dims {
			if d.Type == typ {
				return d.Name, nil
			}
		}
	}
	return "", &DimensionNotFoundError{Axis: axis, Type: typ}
}

// CRSResolutionOf extracts the item's reference system and resolution from its
// dimension descriptors. Descriptors are walked in declaration order and a later
// field overwrites an earlier one; conflicted reports that they disagreed.
func CRSResolutionOf(it *CatalogItem) (crs *int, res *float64, conflicted bool) {
	for _, d := range it.Dimensions {
		if d.ReferenceSystem != nil {
			if crs != nil && *crs != *d.ReferenceSystem {
				conflicted = true
			}
			v := *d.ReferenceSystem
			crs = &v
		}
		if d.Step != nil {
			v := math.Abs(*d.Step)
			if res != nil && *res != v {
				conflicted = true
			}
			res = &v
		}
	}
	return crs, res, conflicted
}
