package grib2

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lukeroth/gdal"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/raster"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/domain"
)

var refTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

// testField is one message of a test file. Values are row-major over the test
// grid, NaN where the point is missing.
type testField struct {
	category, number int
	hours            int
	surface          int
	level            int
	values           []float64
}

// The test grid is 4 x 3 points: longitudes 0, 90, 180, 270 and latitudes
// 45, 0, -45.
const (
	testNi = 4
	testNj = 3
)

// template is the assembled product definition template 4.0 of f.
func (f testField) template() string {
	return fmt.Sprintf("%d %d 2 0 96 0 0 1 %d %d 0 %d 255 0 0", f.category, f.number, f.hours, f.surface, f.level)
}

// writeFile encodes one GRIB2 message per field through GDAL's GRIB driver.
func writeFile(t *testing.T, fields ...testField) string {
	t.Helper()
	mem, err := gdal.GetDriverByName("MEM")
	require.NoError(t, err)
	src := mem.Create("", testNi, testNj, len(fields), gdal.Float32, nil)
	defer src.Close()
	require.NoError(t, src.SetGeoTransform([6]float64{-45, 90, 0, 67.5, 0, -45}))
	sr := gdal.CreateSpatialReference("")
	defer sr.Destroy()
	require.NoError(t, sr.FromEPSG(domain.WGS84))
	wkt, err := sr.ToWKT()
	require.NoError(t, err)
	require.NoError(t, src.SetProjection(wkt))

	opts := []string{
		"DATA_ENCODING=IEEE_FLOATING_POINT",
		"IDS=CENTER=98 SUBCENTER=0 MASTER_TABLE=2 SIGNF_REF_TIME=1 REF_TIME=" + refTime.Format(time.RFC3339) + " PROD_STATUS=0 TYPE=1",
		"PDS_PDTN=0",
	}
	for i, f := range fields {
		rb := src.RasterBand(i + 1)
		require.NoError(t, rb.IO(gdal.Write, 0, 0, testNi, testNj, f.values, testNi, testNj, 0, 0))
		opts = append(opts, fmt.Sprintf("BAND_%d_PDS_TEMPLATE_ASSEMBLED_VALUES=%s", i+1, f.template()))
	}

	path := filepath.Join(t.TempDir(), "forecast.grib2")
	drv, err := gdal.GetDriverByName("GRIB")
	require.NoError(t, err)
	out := drv.CreateCopy(path, src, 0, opts, nil, nil)
	out.Close()
	return path
}

// temperature is 250 + 10 per forecast step + j + i/10, 30 lower at 500 hPa.
func temperature(step int, hpa int) testField {
	vals := make([]float64, testNi*testNj)
	for j := 0; j < testNj; j++ {
		for i := 0; i < testNi; i++ {
			v := 250 + 10*float64(step) + float64(j) + float64(i)/10
			if hpa == 500 {
				v -= 30
			}
			vals[j*testNi+i] = v
		}
	}
	return testField{category: 0, number: 0, hours: 6 * step, surface: 100, level: hpa * 100, values: vals}
}

// pressure is 1000 + 10j + i with the point (j=1, i=2) missing.
func pressure() testField {
	vals := make([]float64, testNi*testNj)
	for j := 0; j < testNj; j++ {
		for i := 0; i < testNi; i++ {
			vals[j*testNi+i] = 1000 + 10*float64(j) + float64(i)
		}
	}
	vals[1*testNi+2] = math.NaN()
	return testField{category: 3, number: 0, surface: 1, values: vals}
}

func fixture(t *testing.T) string {
	t.Helper()
	return writeFile(t, temperature(0, 850), temperature(0, 500), temperature(1, 850), temperature(1, 500), pressure())
}

func request(href string, bands ...string) store.Request {
	return store.Request{
		Assets: []domain.ItemAsset{{
			Item:  &domain.CatalogItem{ID: "gfs-2024011512", Datetime: &refTime},
			Asset: domain.Asset{Key: "grib", Href: href, Type: "application/wmo-GRIB2"},
		}},
		Bands: bands,
	}
}

func newLoader() *Loader {
	return New(objstore.New(objstore.Config{}, zerolog.Nop()), zerolog.Nop())
}

func TestLoad_ParametersOnOneLevel(t *testing.T) {
	t.Parallel()
	req := request(fixture(t), "t", "sp")
	req.Filters = []store.DimensionFilter{{Dimension: "isobaricInhPa", Value: "850", Numeric: true, Number: 850}}

	c, err := newLoader().Load(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{domain.DimTime, domain.DimBands, domain.DimY, domain.DimX}, c.Dims())
	require.Equal(t, []int{2, 2, 3, 4}, c.Shape())
	require.Equal(t, domain.WGS84, c.CRS())

	x, _ := c.Coord(domain.DimX)
	y, _ := c.Coord(domain.DimY)
	tc, _ := c.Coord(domain.DimTime)
	require.InDeltaSlice(t, []float64{-90, 0, 90, 180}, x.Floats, 1e-9)
	require.InDeltaSlice(t, []float64{45, 0, -45}, y.Floats, 1e-9)
	require.True(t, tc.Times[1].Equal(refTime.Add(6*time.Hour)))

	// x = -90 is source column 3 after wrapping 270.
	require.InDelta(t, 260.3, c.At(1, 0, 0, 0), 1e-4)
	require.InDelta(t, 1011, c.At(0, 1, 1, 2), 1e-4)
	require.True(t, math.IsNaN(c.At(0, 1, 1, 3)), "missing point")
	require.True(t, math.IsNaN(c.At(1, 1, 0, 0)), "no pressure field at +6h")
}

func TestLoad_LevelAxisAndBBox(t *testing.T) {
	t.Parallel()
	req := request(fixture(t), "TMP")
	req.BBox = &domain.BBox{West: -100, South: -10, East: 10, North: 50}

	c, err := newLoader().Load(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, []string{domain.DimTime, domain.DimBands, "isobaricInhPa", domain.DimY, domain.DimX}, c.Dims())
	require.Equal(t, []int{2, 1, 2, 2, 2}, c.Shape())

	lev, _ := c.Coord("isobaricInhPa")
	require.Equal(t, []float64{500, 850}, lev.Floats)
	b, _ := c.Coord(domain.DimBands)
	require.Equal(t, []string{"TMP"}, b.Strings)
	require.InDelta(t, 220.3, c.At(0, 0, 0, 0, 0), 1e-4)
	require.InDelta(t, 261.0, c.At(1, 0, 1, 1, 1), 1e-4)
}

func TestLoad_SingleParameterPlaceholder(t *testing.T) {
	t.Parallel()
	c, err := newLoader().Load(context.Background(), request(writeFile(t, pressure()), "surface_pressure"))
	require.NoError(t, err)
	b, _ := c.Coord(domain.DimBands)
	require.Equal(t, []string{"surface_pressure"}, b.Strings)
	require.Equal(t, []int{1, 1, 3, 4}, c.Shape())
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	_, err := newLoader().Load(context.Background(), request(fixture(t), "t", "gh"))
	require.ErrorIs(t, err, domain.ErrBandNotFound)

	_, err = newLoader().Load(context.Background(), request(fixture(t), "t", "sp"))
	require.Error(t, err, "parameters on different level axes")

	junk := filepath.Join(t.TempDir(), "junk.grib2")
	require.NoError(t, os.WriteFile(junk, []byte("not a forecast"), 0o600))
	_, err = newLoader().Load(context.Background(), request(junk, "t"))
	require.ErrorIs(t, err, errNotGRIB2)

	tif := filepath.Join(t.TempDir(), "image.tif")
	gtiff, err := gdal.GetDriverByName("GTiff")
	require.NoError(t, err)
	ds := gtiff.Create(tif, 2, 2, 1, gdal.Byte, nil)
	require.NoError(t, ds.SetGeoTransform([6]float64{0, 1, 0, 2, 0, -1}))
	ds.Close()
	_, err = newLoader().Load(context.Background(), request(tif, "t"))
	require.ErrorIs(t, err, errNotGRIB2)

	req := request(fixture(t), "t")
	req.BBox = &domain.BBox{West: -170, South: 60, East: -160, North: 70}
	_, err = newLoader().Load(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrNoDataInBounds)

	_, err = newLoader().Load(context.Background(), store.Request{})
	require.ErrorIs(t, err, domain.ErrNoItems)
}

func TestFieldOf(t *testing.T) {
	t.Parallel()
	f, err := fieldOf(raster.Band{Index: 3, Metadata: map[string]string{
		"GRIB_ELEMENT":    "TMP",
		"GRIB_SHORT_NAME": "85000-ISBL",
		"GRIB_VALID_TIME": "  1705341600 sec UTC",
	}})
	require.NoError(t, err)
	require.Equal(t, field{band: 3, element: "TMP", name: "t", surface: "isobaricInhPa", level: 850,
		valid: refTime.Add(6 * time.Hour)}, f)
	require.True(t, f.matches("T"))
	require.True(t, f.matches("tmp"))
	require.False(t, f.matches("sp"))

	f, err = fieldOf(raster.Band{Index: 1, Metadata: map[string]string{
		"GRIB_ELEMENT":          "SNOD",
		"GRIB_SHORT_NAME":       "0-SFC",
		"GRIB_REF_TIME":         "1705320000",
		"GRIB_FORECAST_SECONDS": "3600",
	}})
	require.NoError(t, err)
	require.Equal(t, "snod", f.name)
	require.Equal(t, "surface", f.surface)
	require.True(t, f.valid.Equal(refTime.Add(time.Hour)))

	f, err = fieldOf(raster.Band{Index: 1, Metadata: map[string]string{
		"GRIB_ELEMENT": "UGRD", "GRIB_SHORT_NAME": "10-HTGL", "GRIB_VALID_TIME": "1705320000",
	}})
	require.NoError(t, err)
	require.Equal(t, "heightAboveGround", f.surface)
	require.Equal(t, 10.0, f.level)

	_, err = fieldOf(raster.Band{Index: 1, Metadata: map[string]string{}})
	require.ErrorIs(t, err, errNotGRIB2)
	_, err = fieldOf(raster.Band{Index: 1, Metadata: map[string]string{"GRIB_ELEMENT": "TMP"}})
	require.Error(t, err)
}

func TestBandCube(t *testing.T) {
	t.Parallel()
	x, y := []float64{0, 1}, []float64{1, 0}
	read := func(band int) ([]float64, error) {
		return []float64{float64(band), float64(band), float64(band), float64(band)}, nil
	}
	fs := []field{
		{band: 1, surface: "isobaricInhPa", level: 850, valid: refTime},
		{band: 2, surface: "isobaricInhPa", level: 500, valid: refTime.Add(time.Hour)},
	}
	c, err := bandCube(fs, x, y, read)
	require.NoError(t, err)
	require.Equal(t, []string{domain.DimTime, "isobaricInhPa", domain.DimY, domain.DimX}, c.Dims())
	require.Equal(t, []int{2, 2, 2, 2}, c.Shape())
	require.Equal(t, 1.0, c.At(0, 1, 0, 0))
	require.Equal(t, 2.0, c.At(1, 0, 1, 1))
	require.True(t, math.IsNaN(c.At(0, 0, 0, 0)))

	fs = append(fs, field{band: 3, surface: "surface", valid: refTime})
	_, err = bandCube(fs, x, y, read)
	require.Error(t, err)

	_, err = bandCube(fs[:1], x, []float64{0}, read)
	require.Error(t, err)
}
