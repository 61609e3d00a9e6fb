package cubecache

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"go.ngs.io/datacube/internal/cube"
	"go.ngs.io/datacube/internal/domain"
)

type params struct {
	Items []string
	Bands []string
	West  float64
}

func testEntry(t *testing.T, v float64) Entry {
	t.Helper()
	c, err := cube.Full([]string{"x"}, map[string]cube.Coord{"x": cube.Floats(0, 1)}, v, 4326)
	require.NoError(t, err)
	return Entry{Cube: c, Majority: domain.CRSResolution{CRS: 4326, Resolution: v}}
}

func TestKeyOf(t *testing.T) {
	t.Parallel()
	a, err := KeyOf("s2", params{Items: []string{"a", "b"}, Bands: []string{"B04"}, West: 10})
	require.NoError(t, err)
	b, err := KeyOf("s2", params{Items: []string{"a", "b"}, Bands: []string{"B04"}, West: 10})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := KeyOf("s2", params{Items: []string{"a", "b"}, Bands: []string{"B08"}, West: 10})
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	d, err := KeyOf("landsat", params{Items: []string{"a", "b"}, Bands: []string{"B04"}, West: 10})
	require.NoError(t, err)
	require.Equal(t, a.Params, d.Params)
	require.NotEqual(t, a, d)
}

func TestRepository(t *testing.T) {
	t.Parallel()
	r, err := New(2, zerolog.Nop())
	require.NoError(t, err)

	k1, k2, k3 := Key{"c", 1}, Key{"c", 2}, Key{"c", 3}
	_, ok := r.Get(k1)
	require.False(t, ok)

	r.Put(k1, testEntry(t, 1))
	r.Put(k2, testEntry(t, 2))
	got, ok := r.Get(k1)
	require.True(t, ok)
	require.Equal(t, 1.0, got.Cube.At(0))
	require.Equal(t, domain.CRSResolution{CRS: 4326, Resolution: 1}, got.Majority)

	// k2 is now the least recently used.
	r.Put(k3, testEntry(t, 3))
	_, ok = r.Get(k2)
	require.False(t, ok)
	require.Equal(t, 2, r.Len())

	require.Equal(t, 2, r.Reset())
	require.Equal(t, 0, r.Len())
	_, ok = r.Get(k1)
	require.False(t, ok)
}
