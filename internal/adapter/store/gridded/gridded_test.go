package gridded

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.ngs.io/datacube/internal/adapter/objstore"
	"go.ngs.io/datacube/internal/adapter/store"
	"go.ngs.io/datacube/internal/domain"
)

const wgs84WKT = `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`

func writeFiles(t *testing.T, name string, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for ext, b := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+ext), b, 0o600))
	}
	return filepath.Join(dir, name)
}

// writeBIL writes a two band BIL raster of 3 rows by 4 columns in 0..360
// longitudes where band b holds 100b + 10row + col as big-endian int16 and
// -9999 marks row 2, column 0 of band 1.
func writeBIL(t *testing.T) string {
	t.Helper()
	var raw []byte
	for r := 0; r < 3; r++ {
		for b := 0; b < 2; b++ {
			for c := 0; c < 4; c++ {
				v := int16(100*(b+1) + 10*r + c)
				if b == 0 && r == 2 && c == 0 {
					v = -9999
				}
				raw = binary.BigEndian.AppendUint16(raw, uint16(v))
			}
		}
	}
	hdr := `BYTEORDER      M
LAYOUT         BIL
NROWS          3
NCOLS          4
NBANDS         2
NBITS          16
PIXELTYPE      SIGNEDINT
ULXMAP         45
ULYMAP         60
XDIM           90
YDIM           30
NODATA         -9999
`
	return writeFiles(t, "climate", map[string][]byte{
		".bil": raw, ".hdr": []byte(hdr), ".prj": []byte(wgs84WKT),
	}) + ".bil"
}

// climateBands names the bands of the writeBIL raster in the item.
var climateBands = []domain.DimensionDescriptor{{Name: "bands", Type: domain.TypeBands, Values: []string{"tmin", "tmax"}}}

func request(href string, bands ...string) store.Request {
	ts := time.Date(2020, 7, 1, 0, 0, 0, 0, time.UTC)
	return store.Request{
		Assets: []domain.ItemAsset{{
			Item:  &domain.CatalogItem{ID: "clim-2020-07", Datetime: &ts, Dimensions: climateBands},
			Asset: domain.Asset{Key: "data", Href: href, Type: "application/x-ehdr"},
		}},
		Bands: bands,
	}
}

func newLoader() *Loader {
	return New(objstore.New(objstore.Config{}, zerolog.Nop()), zerolog.Nop())
}

func TestLoad_BILWithLongitudeWrap(t *testing.T) {
	t.Parallel()
	c, err := newLoader().Load(context.Background(), request(writeBIL(t), "tmax", "tmin"))
	require.NoError(t, err)
	require.Equal(t, []string{domain.DimTime, domain.DimBands, domain.DimY, domain.DimX}, c.Dims())
	require.Equal(t, []int{1, 2, 3, 4}, c.Shape())
	require.Equal(t, domain.WGS84, c.CRS())

	b, _ := c.Coord(domain.DimBands)
	x, _ := c.Coord(domain.DimX)
	y, _ := c.Coord(domain.DimY)
	require.Equal(t, []string{"tmax", "tmin"}, b.Strings)
	require.Equal(t, []float64{-135, -45, 45, 135}, x.Floats)
	require.Equal(t, []float64{60, 30, 0}, y.Floats)

	// x = -135 is source column 2 (225 east).
	require.Equal(t, 202.0, c.At(0, 0, 0, 0))
	require.Equal(t, 113.0, c.At(0, 1, 1, 1))
	require.True(t, math.IsNaN(c.At(0, 1, 2, 2)), "nodata at source column 0")
}

func TestLoad_FloatGridWithBBox(t *testing.T) {
	t.Parallel()
	var raw []byte
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(float32(r)+float32(c)/4))
		}
	}
	hdr := `ncols        4
nrows        4
xllcorner    500000
yllcorner    4000000
cellsize     1000
NODATA_value -3.4e38
byteorder    LSBFIRST
`
	href := writeFiles(t, "dem", map[string][]byte{".flt": raw, ".hdr": []byte(hdr)}) + ".flt"
	req := request(href, "elevation")
	utm := 32633
	req.Assets[0].Item.Dimensions = []domain.DimensionDescriptor{
		{Name: "x", Type: domain.TypeSpatial, Axis: "x", ReferenceSystem: &utm},
		{Name: "y", Type: domain.TypeSpatial, Axis: "y", ReferenceSystem: &utm},
	}
	req.BBox = &domain.BBox{West: 501000, South: 4001000, East: 502600, North: 4002600, CRS: 32633}

	c, err := newLoader().Load(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 32633, c.CRS())
	b, _ := c.Coord(domain.DimBands)
	require.Equal(t, []string{"elevation"}, b.Strings)

	x, _ := c.Coord(domain.DimX)
	y, _ := c.Coord(domain.DimY)
	require.Equal(t, []float64{501500, 502500}, x.Floats)
	require.Equal(t, []float64{4002500, 4001500}, y.Floats)
	// Row 1 from the top, column 1.
	require.InDelta(t, 1.25, c.At(0, 0, 0, 0), 1e-6)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	href := writeBIL(t)

	_, err := newLoader().Load(context.Background(), request(href, "precip"))
	require.ErrorIs(t, err, domain.ErrBandNotFound)

	req := request(href, "tmin")
	req.BBox = &domain.BBox{West: -10, South: -80, East: 10, North: -70}
	_, err = newLoader().Load(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrNoDataInBounds)

	noPrj := writeFiles(t, "bare", map[string][]byte{
		".bil": make([]byte, 4),
		".hdr": []byte("NROWS 2\nNCOLS 2\nULXMAP 0.5\nULYMAP 1.5\nXDIM 1\nYDIM 1\n"),
	}) + ".bil"
	_, err = newLoader().Load(context.Background(), request(noPrj, "data"))
	require.ErrorIs(t, err, domain.ErrCRSUndeclared)

	noHdr := writeFiles(t, "orphan", map[string][]byte{".bil": make([]byte, 4)}) + ".bil"
	_, err = newLoader().Load(context.Background(), request(noHdr, "data"))
	require.ErrorIs(t, err, objstore.ErrNotFound)
}
