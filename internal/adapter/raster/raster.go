// Package raster opens georeferenced rasters through GDAL and reads windows of
// their bands as calibrated float64 samples.
package raster

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lukeroth/gdal"
)

var (
	// ErrNotGeoreferenced is returned for rasters without a geotransform.
	ErrNotGeoreferenced = errors.New("raster is not georeferenced")
	// ErrRotated is returned for geotransforms with rotation terms.
	ErrRotated = errors.New("rotated rasters are not supported")
)

// identity is what GDAL reports for a dataset without a geotransform.
var identity = [6]float64{0, 1, 0, 0, 0, 1}

// Band describes one band of a dataset.
type Band struct {
	Index  int
	NoData float64
	// HasNoData is false when the band declares no nodata value.
	HasNoData bool
	Scale     float64
	Offset    float64
	// Metadata holds the band metadata items of the default domain.
	Metadata map[string]string
}

// Dataset is an open GDAL dataset.
type Dataset struct {
	ds        gdal.Dataset
	Driver    string
	Width     int
	Height    int
	Transform [6]float64
	// EPSG is the code the projection identifies as, 0 when it identifies as
	// none.
	EPSG  int
	Bands []Band
}

// bandMetadataKeys are the band metadata items copied into Band.Metadata.
var bandMetadataKeys = []string{
	"GRIB_ELEMENT",
	"GRIB_SHORT_NAME",
	"GRIB_UNIT",
	"GRIB_VALID_TIME",
	"GRIB_REF_TIME",
	"GRIB_FORECAST_SECONDS",
}

// Open opens path read-only.
func Open(path string) (*Dataset, error) {
	ds, err := gdal.Open(path, gdal.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	d := &Dataset{
		ds:        ds,
		Driver:    ds.Driver().ShortName(),
		Width:     ds.RasterXSize(),
		Height:    ds.RasterYSize(),
		Transform: ds.GeoTransform(),
	}
	if wkt := ds.Projection(); wkt != "" {
		// A projection GDAL cannot tie to an EPSG code leaves the choice to
		// the item.
		d.EPSG, _ = EPSGOf(wkt)
	}
	for i := 1; i <= ds.RasterCount(); i++ {
		rb := ds.RasterBand(i)
		b := Band{Index: i, Scale: 1, Metadata: map[string]string{}}
		b.NoData, b.HasNoData = rb.NoDataValue()
		if s, ok := rb.GetScale(); ok && s != 0 {
			b.Scale = s
		}
		if o, ok := rb.GetOffset(); ok {
			b.Offset = o
		}
		for _, k := range bandMetadataKeys {
			if v := rb.MetadataItem(k, ""); v != "" {
				b.Metadata[k] = v
			}
		}
		d.Bands = append(d.Bands, b)
	}
	return d, nil
}

// Close releases the GDAL dataset.
func (d *Dataset) Close() { d.ds.Close() }

// Georeferenced reports whether the dataset carries a usable north-up
// geotransform.
func (d *Dataset) Georeferenced() error {
	if d.Transform == identity {
		return ErrNotGeoreferenced
	}
	if d.Transform[2] != 0 || d.Transform[4] != 0 {
		return ErrRotated
	}
	return nil
}

// Resolution returns the absolute pixel size along x and y.
func (d *Dataset) Resolution() (float64, float64) {
	return math.Abs(d.Transform[1]), math.Abs(d.Transform[5])
}

// XCoords returns the x of every pixel column centre.
func (d *Dataset) XCoords() []float64 {
	out := make([]float64, d.Width)
	for i := range out {
		out[i] = d.Transform[0] + (float64(i)+0.5)*d.Transform[1]
	}
	return out
}

// YCoords returns the y of every pixel row centre.
func (d *Dataset) YCoords() []float64 {
	out := make([]float64, d.Height)
	for j := range out {
		out[j] = d.Transform[3] + (float64(j)+0.5)*d.Transform[5]
	}
	return out
}

// Read returns the samples of the 1-based band over the window, row-major.
// Nodata samples become NaN and the band's scale and offset are applied.
func (d *Dataset) Read(band, row, nrows, col, ncols int) ([]float64, error) {
	if band < 1 || band > len(d.Bands) {
		return nil, fmt.Errorf("band %d out of range 1..%d", band, len(d.Bands))
	}
	if nrows <= 0 || ncols <= 0 || row < 0 || col < 0 || row+nrows > d.Height || col+ncols > d.Width {
		return nil, fmt.Errorf("window rows %d+%d cols %d+%d outside %dx%d raster", row, nrows, col, ncols, d.Height, d.Width)
	}
	buf := make([]float64, nrows*ncols)
	if err := d.ds.RasterBand(band).IO(gdal.Read, col, row, ncols, nrows, buf, ncols, nrows, 0, 0); err != nil {
		return nil, fmt.Errorf("failed to read band %d: %w", band, err)
	}
	b := d.Bands[band-1]
	for i, v := range buf {
		if b.HasNoData && (v == b.NoData || math.IsNaN(b.NoData) && math.IsNaN(v)) {
			buf[i] = math.NaN()
			continue
		}
		buf[i] = v*b.Scale + b.Offset
	}
	return buf, nil
}

// EPSGOf identifies the EPSG code of a WKT definition.
func EPSGOf(wkt string) (int, error) {
	sr := gdal.CreateSpatialReference("")
	defer sr.Destroy()
	if err := sr.FromWKT(wkt); err != nil {
		return 0, fmt.Errorf("invalid projection: %w", err)
	}
	target := "GEOGCS"
	if sr.IsProjected() {
		target = "PROJCS"
	}
	if sr.AuthorityName(target) != "EPSG" {
		if err := sr.AutoIdentifyEPSG(); err != nil {
			return 0, fmt.Errorf("projection has no EPSG code: %w", err)
		}
	}
	if !strings.EqualFold(sr.AuthorityName(target), "EPSG") {
		return 0, fmt.Errorf("projection is not an EPSG definition")
	}
	code, err := strconv.Atoi(sr.AuthorityCode(target))
	if err != nil {
		return 0, fmt.Errorf("invalid EPSG code %q", sr.AuthorityCode(target))
	}
	return code, nil
}
