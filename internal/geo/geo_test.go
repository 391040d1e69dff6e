package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileRangeKnownBox(t *testing.T) {
	bbox := BoundingBox{MinX: 21.49147, MinY: 65.31016, MaxX: 21.5, MaxY: 65.31688}

	got := TileRange(14, bbox)

	assert.Equal(t, IndexRange{Zoom: 14, MinX: 9170, MaxX: 9170, MinY: 4229, MaxY: 4230}, got)
	assert.Equal(t, 2, got.Count())
	assert.Equal(t, []maptile.Tile{
		maptile.New(9170, 4229, 14),
		maptile.New(9170, 4230, 14),
	}, got.Tiles())
}

func TestTileRangeRowInversion(t *testing.T) {
	// Northern edge must produce the smaller row index.
	bbox := BoundingBox{MinX: -10, MinY: -40, MaxX: 10, MaxY: 40}
	r := TileRange(4, bbox)

	assert.Equal(t, LatToRow(40, 4), r.MinY)
	assert.Equal(t, LatToRow(-40, 4), r.MaxY)
	assert.Less(t, r.MinY, r.MaxY)
}

func TestTileRangeSingleTile(t *testing.T) {
	r := TileRange(0, BoundingBox{MinX: -179, MinY: -80, MaxX: 179, MaxY: 80})
	assert.Equal(t, IndexRange{Zoom: 0}, r)
	assert.Equal(t, 1, r.Count())
}

func TestIndicesWithinPyramid(t *testing.T) {
	lons := []float64{-179.999, -120.5, -0.0001, 0, 0.0001, 45.25, 179.999}
	lats := []float64{-85.05, -60, -1e-6, 0, 1e-6, 33.3, 85.05}

	for z := 0; z <= 22; z++ {
		n := 1 << z
		for _, lon := range lons {
			col := LonToCol(lon, z)
			assert.GreaterOrEqual(t, col, 0, "lon=%v z=%d", lon, z)
			assert.Less(t, col, n, "lon=%v z=%d", lon, z)
		}
		for _, lat := range lats {
			row := LatToRow(lat, z)
			assert.GreaterOrEqual(t, row, 0, "lat=%v z=%d", lat, z)
			assert.Less(t, row, n, "lat=%v z=%d", lat, z)
		}
	}
}

func TestTileRangeMonotonic(t *testing.T) {
	inner := BoundingBox{MinX: 2.2, MinY: 48.8, MaxX: 2.4, MaxY: 48.9}
	outer := []BoundingBox{
		{MinX: 2.0, MinY: 48.8, MaxX: 2.4, MaxY: 48.9},
		{MinX: 2.2, MinY: 48.0, MaxX: 2.4, MaxY: 48.9},
		{MinX: 2.2, MinY: 48.8, MaxX: 3.0, MaxY: 48.9},
		{MinX: 2.2, MinY: 48.8, MaxX: 2.4, MaxY: 49.5},
		{MinX: -5, MinY: 40, MaxX: 10, MaxY: 55},
	}

	for z := 0; z <= 18; z++ {
		base := TileRange(z, inner)
		for _, o := range outer {
			bigger := TileRange(z, o)
			assert.True(t, bigger.Contains(base), "z=%d outer=%s base=%s bigger=%s", z, o, base, bigger)
			assert.GreaterOrEqual(t, bigger.Count(), base.Count())
		}
	}
}

func TestNormalizeIdentityOnGeographic(t *testing.T) {
	boxes := []BoundingBox{
		{MinX: 21.49147, MinY: 65.31016, MaxX: 21.5, MaxY: 65.31688},
		{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90},
		{MinX: 0, MinY: 0, MaxX: 0, MaxY: 0},
	}
	for _, b := range boxes {
		assert.True(t, IsGeographic(b))
		assert.Equal(t, b, Normalize(b))
	}
}

func TestNormalizeWebMercator(t *testing.T) {
	// 10°E,10°N and 20°E,20°N in EPSG:3857.
	in := BoundingBox{
		MinX: 1113194.9079327357, MinY: 1118889.9748579597,
		MaxX: 2226389.8158654715, MaxY: 2273030.926987689,
	}
	require.False(t, IsGeographic(in))

	got := Normalize(in)

	assert.InDelta(t, 10.0, got.MinX, 1e-6)
	assert.InDelta(t, 10.0, got.MinY, 1e-6)
	assert.InDelta(t, 20.0, got.MaxX, 1e-6)
	assert.InDelta(t, 20.0, got.MaxY, 1e-6)
}

func TestNormalizeAmbiguousBoxTreatedAsGeographic(t *testing.T) {
	// A 3857 box of a few meters around the origin passes the 4326 test.
	b := BoundingBox{MinX: -50, MinY: -50, MaxX: 50, MaxY: 50}
	assert.Equal(t, b, Normalize(b))
}

func TestParseBoundingBox(t *testing.T) {
	tests := []struct {
		in   string
		want BoundingBox
		err  bool
	}{
		{in: "21.49147,65.31016,21.5,65.31688", want: BoundingBox{21.49147, 65.31016, 21.5, 65.31688}},
		{in: "(1, 2, 3, 4)", want: BoundingBox{1, 2, 3, 4}},
		{in: " [-1e6,-2e6,1e6,2e6] ", want: BoundingBox{-1e6, -2e6, 1e6, 2e6}},
		{in: "1,2,3", err: true},
		{in: "1,2,x,4", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBoundingBox(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFlipY(t *testing.T) {
	assert.Equal(t, uint32(0), FlipY(maptile.New(0, 0, 0)))
	assert.Equal(t, uint32(3), FlipY(maptile.New(1, 0, 2)))
	assert.Equal(t, uint32(16383-4229), FlipY(maptile.New(9170, 4229, 14)))
}

func TestBoundRoundTrip(t *testing.T) {
	b := BoundingBox{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4}
	assert.Equal(t, b, FromBound(b.Bound()))
	assert.True(t, b.Valid())
	assert.False(t, BoundingBox{MinX: 3, MaxX: 1}.Valid())
	assert.False(t, math.IsNaN(b.Bound().Center().X()))
}

func TestTileRangeWholeWorld(t *testing.T) {
	world := BoundingBox{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}

	r := TileRange(2, world)
	assert.Equal(t, IndexRange{Zoom: 2, MinX: 0, MaxX: 4, MinY: -1, MaxY: 4}, r)
	assert.False(t, r.InPyramid())

	clipped := r.Clip()
	assert.Equal(t, IndexRange{Zoom: 2, MinX: 0, MaxX: 3, MinY: 0, MaxY: 3}, clipped)
	assert.True(t, clipped.InPyramid())
	assert.Equal(t, 30-16, r.Outside())

	tiles := r.Tiles()
	require.Len(t, tiles, 16)
	for _, tile := range tiles {
		assert.Less(t, tile.X, uint32(4))
		assert.Less(t, tile.Y, uint32(4))
	}
}

func TestTileRangeBeyondMaxLatitude(t *testing.T) {
	r := TileRange(3, BoundingBox{MinX: 10, MinY: 85.2, MaxX: 11, MaxY: 86})

	assert.Equal(t, -1, r.MinY)
	assert.Equal(t, -1, r.MaxY)
	assert.False(t, r.InPyramid())
	assert.Equal(t, 0, r.Clip().Count())
	assert.Empty(t, r.Tiles())
}

func TestLatToRowPoles(t *testing.T) {
	for z := 0; z <= 20; z++ {
		assert.Equal(t, -1, LatToRow(90, z))
		assert.Equal(t, 1<<z, LatToRow(-90, z))
		assert.Less(t, LatToRow(MaxLatitude+0.1, z), 0)
		assert.Greater(t, LatToRow(-MaxLatitude-0.1, z), 1<<z-1)
	}
}
