package domain

import (
	"errors"
	"fmt"
)

// Precondition violations.
var (
	ErrEmptyItems  = errors.New("no catalog items given")
	ErrInvalidBBox = errors.New("invalid bounding box")
	ErrNoItems     = errors.New("no items left after grouping")
)

// Resolution and reference-system failures.
var (
	ErrUnresolvedCRSResolution = errors.New("unresolved reference system or resolution")
	ErrCRSUndeclared           = errors.New("reference system undeclared and cannot be inferred")
	ErrBBoxOrientation         = errors.New("reprojected bounding box is not orientation-preserving")
	ErrNoDataInBounds          = errors.New("bounding box does not intersect the cube")
)

// Merge failures. ErrOverlapResolverMissing is recoverable by supplying a resolver,
// ErrUnsupportedTopology is terminal and should be reported as an invalid request.
var (
	ErrOverlapResolverMissing = errors.New("overlap resolver required but missing")
	ErrUnsupportedTopology    = errors.New("unsupported cube topology")
)

// Lookup failures matched by the typed errors below.
var (
	ErrDimensionNotFound = errors.New("dimension not found")
	ErrBandNotFound      = errors.New("band not found")
)

// DimensionNotFoundError is returned when no descriptor matches a requested axis or type.
type DimensionNotFoundError struct {
	Axis string
	Type string
}

func (e *DimensionNotFoundError) Error() string {
	return fmt.Sprintf("dimension not found (axis=%q, type=%q)", e.Axis, e.Type)
}

// Is makes the error match ErrDimensionNotFound.
func (e *DimensionNotFoundError) Is(target error) bool { return target == ErrDimensionNotFound }

// BandNotFoundError is returned when a requested band is absent from a source.
type BandNotFoundError struct {
	Band   string
	Source string
}

func (e *BandNotFoundError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("band %q not found", e.Band)
	}
	return fmt.Sprintf("band %q not found in %s", e.Band, e.Source)
}

// Is makes the error match ErrBandNotFound.
func (e *BandNotFoundError) Is(target error) bool { return target == ErrBandNotFound }
