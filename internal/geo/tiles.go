package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the northern limit of the Web Mercator projection. Rows for
// latitudes beyond ±MaxLatitude fall outside the tile pyramid. The index
// functions do not clamp them.
const MaxLatitude = 85.05112878

// IndexRange is the inclusive rectangle of tile indices covering a box at
// one zoom level.
type IndexRange struct {
	Zoom int
	MinX int
	MaxX int
	MinY int
	MaxY int
}

// Columns returns the number of tile columns in the range.
func (r IndexRange) Columns() int { return r.MaxX - r.MinX + 1 }

// Rows returns the number of tile rows in the range.
func (r IndexRange) Rows() int { return r.MaxY - r.MinY + 1 }

// Count returns the number of tiles in the range, or 0 for an empty range.
func (r IndexRange) Count() int {
	if r.Columns() <= 0 || r.Rows() <= 0 {
		return 0
	}
	return r.Columns() * r.Rows()
}

// Contains reports whether o lies entirely within r at the same zoom.
func (r IndexRange) Contains(o IndexRange) bool {
	return r.Zoom == o.Zoom &&
		r.MinX <= o.MinX && r.MaxX >= o.MaxX &&
		r.MinY <= o.MinY && r.MaxY >= o.MaxY
}

// Clip returns the part of the range that exists in the tile pyramid,
// [0, 2^zoom-1] on both axes. The result may be empty.
func (r IndexRange) Clip() IndexRange {
	last := 1<<r.Zoom - 1
	c := r
	c.MinX = max(r.MinX, 0)
	c.MaxX = min(r.MaxX, last)
	c.MinY = max(r.MinY, 0)
	c.MaxY = min(r.MaxY, last)
	return c
}

// InPyramid reports whether every index of the range exists at its zoom.
func (r IndexRange) InPyramid() bool {
	return r.Clip() == r
}

// Outside returns the number of indices of the range beyond the pyramid.
func (r IndexRange) Outside() int {
	return r.Count() - r.Clip().Count()
}

// Tiles enumerates the tiles of the range that exist in the pyramid, column
// by column. Indices outside it are left out.
func (r IndexRange) Tiles() []maptile.Tile {
	c := r.Clip()
	tiles := make([]maptile.Tile, 0, c.Count())
	for x := c.MinX; x <= c.MaxX; x++ {
		for y := c.MinY; y <= c.MaxY; y++ {
			tiles = append(tiles, maptile.New(uint32(x), uint32(y), maptile.Zoom(r.Zoom)))
		}
	}
	return tiles
}

func (r IndexRange) String() string {
	return fmt.Sprintf("z=%d x=[%d,%d] y=[%d,%d]", r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
}

// LonToCol returns the tile column containing lon at zoom.
func LonToCol(lon float64, zoom int) int {
	return int(math.Floor((lon + 180) / 360 * math.Exp2(float64(zoom))))
}

// LatToRow returns the tile row containing lat at zoom. Rows grow southward.
// Latitudes beyond ±MaxLatitude give rows outside [0, 2^zoom-1]. At or past
// the poles the formula has no finite value, so the row just beyond the
// pyramid edge is returned: -1 in the north, 2^zoom in the south.
func LatToRow(lat float64, zoom int) int {
	switch {
	case lat >= 90:
		return -1
	case lat <= -90:
		return 1 << zoom
	}
	rad := lat * math.Pi / 180
	row := math.Floor((1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * math.Exp2(float64(zoom)))
	if math.IsNaN(row) || math.IsInf(row, 0) {
		return -1
	}
	return int(row)
}

// TileRange computes the tile index range covering a geographic box at zoom.
// The northern edge (MaxY) yields the smallest row.
func TileRange(zoom int, b BoundingBox) IndexRange {
	return IndexRange{
		Zoom: zoom,
		MinX: LonToCol(b.MinX, zoom),
		MaxX: LonToCol(b.MaxX, zoom),
		MinY: LatToRow(b.MaxY, zoom),
		MaxY: LatToRow(b.MinY, zoom),
	}
}

// FlipY converts between XYZ and TMS row numbering at the tile's zoom.
func FlipY(t maptile.Tile) uint32 {
	return (uint32(1) << uint32(t.Z)) - 1 - t.Y
}
