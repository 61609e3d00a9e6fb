// Package store defines the format loader contract and the normalisation every
// loader applies to the cube it produces.
package store

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.ngs.io/datacube/internal/adapter/interp"
	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

// Format names a storage format an asset can be read from.
type Format string

const (
	FormatCOG     Format = "cog"
	FormatZarr    Format = "zarr"
	FormatNetCDF  Format = "netcdf"
	FormatGRIB2   Format = "grib2"
	FormatGridded Format = "gridded"
)

// PlaceholderBand is the band label sources use when a file holds a single
// unnamed band.
const PlaceholderBand = "data"

// Request is one loader call: the assets of a single (reference system,
// resolution) bucket and the bands to read from them.
type Request struct {
	Assets     []domain.ItemAsset
	BBox       *domain.BBox
	Bands      []string
	CRS        int
	Resolution float64
	Method     interp.Method
	Filters    []DimensionFilter
}

// Loader turns the assets of a request into one cube with canonical dimension
// names and a reference system.
type Loader interface {
	Format() Format
	Load(ctx context.Context, req Request) (*cube.Cube, error)
}

// Registry maps formats to loaders.
type Registry struct {
	loaders map[Format]Loader
}

// NewRegistry indexes loaders by their format. A later loader replaces an
// earlier one of the same format.
func NewRegistry(loaders ...Loader) *Registry {
	r := &Registry{loaders: make(map[Format]Loader, len(loaders))}
	for _, l := range loaders {
		r.loaders[l.Format()] = l
	}
	return r
}

// Get returns the loader registered for f.
func (r *Registry) Get(f Format) (Loader, error) {
	l, ok := r.loaders[f]
	if !ok {
		return nil, fmt.Errorf("no loader registered for format %q", f)
	}
	return l, nil
}

// DetectFormat picks the format of an asset from its media type, falling back
// to the extension of its href.
func DetectFormat(a domain.Asset) (Format, error) {
	mt := strings.ToLower(a.Type)
	switch {
	case strings.HasPrefix(mt, "image/tiff"), strings.Contains(mt, "geotiff"):
		return FormatCOG, nil
	case strings.Contains(mt, "zarr"):
		return FormatZarr, nil
	case strings.Contains(mt, "netcdf"):
		return FormatNetCDF, nil
	case strings.Contains(mt, "grib"):
		return FormatGRIB2, nil
	case strings.Contains(mt, "ehdr"):
		return FormatGridded, nil
	}

	href := strings.ToLower(strings.TrimRight(strings.SplitN(a.Href, "?", 2)[0], "/"))
	switch path.Ext(href) {
	case ".tif", ".tiff":
		return FormatCOG, nil
	case ".zarr":
		return FormatZarr, nil
	case ".nc", ".nc4", ".cdf":
		return FormatNetCDF, nil
	case ".grib2", ".grb2", ".grib", ".grb":
		return FormatGRIB2, nil
	case ".bil", ".flt":
		return FormatGridded, nil
	}
	return "", fmt.Errorf("cannot determine format of asset %q (type %q)", a.Href, a.Type)
}
