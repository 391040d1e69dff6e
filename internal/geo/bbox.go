// Package geo provides bounding box normalization and slippy-map tile index
// computation for the Web Mercator tile pyramid.
package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// BoundingBox is an axis-aligned box in either EPSG:4326 (degrees) or
// EPSG:3857 (meters).
type BoundingBox struct {
	MinX float64 `json:"min_x"` // min longitude / easting
	MinY float64 `json:"min_y"` // min latitude / northing
	MaxX float64 `json:"max_x"` // max longitude / easting
	MaxY float64 `json:"max_y"` // max latitude / northing
}

// Bound returns the box as an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.MinX, b.MinY},
		Max: orb.Point{b.MaxX, b.MaxY},
	}
}

// FromBound converts an orb.Bound into a BoundingBox.
func FromBound(b orb.Bound) BoundingBox {
	return BoundingBox{MinX: b.Min.X(), MinY: b.Min.Y(), MaxX: b.Max.X(), MaxY: b.Max.Y()}
}

// Valid reports whether min <= max on both axes.
func (b BoundingBox) Valid() bool {
	return b.MinX <= b.MaxX && b.MinY <= b.MaxY
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("[%g, %g, %g, %g]", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// ParseBoundingBox parses "minx,miny,maxx,maxy". Surrounding brackets or
// parentheses and whitespace are ignored, so "(1, 2, 3, 4)" is accepted too.
func ParseBoundingBox(s string) (BoundingBox, error) {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "[]()")

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bbox %q: expected 4 comma-separated values, got %d", s, len(parts))
	}

	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("bbox %q: value %d: %w", s, i+1, err)
		}
		v[i] = f
	}

	return BoundingBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

// IsGeographic reports whether every corner value fits the EPSG:4326 domain
// (longitude in [-180,180], latitude in [-90,90]).
//
// This is a heuristic, not a CRS tag: a small EPSG:3857 box near the origin is
// indistinguishable from a geographic one and is treated as geographic.
func IsGeographic(b BoundingBox) bool {
	return inRange(b.MinX, -180, 180) && inRange(b.MinY, -90, 90) &&
		inRange(b.MaxX, -180, 180) && inRange(b.MaxY, -90, 90)
}

// Normalize returns the box in EPSG:4326. Geographic input is returned as is;
// anything else is treated as EPSG:3857 and each corner is reprojected with the
// spherical Mercator inverse. The result is not validated.
func Normalize(b BoundingBox) BoundingBox {
	if IsGeographic(b) {
		return b
	}

	sw := project.Mercator.ToWGS84(orb.Point{b.MinX, b.MinY})
	ne := project.Mercator.ToWGS84(orb.Point{b.MaxX, b.MaxY})

	return BoundingBox{MinX: sw.X(), MinY: sw.Y(), MaxX: ne.X(), MaxY: ne.Y()}
}

func inRange(v, lo, hi float64) bool {
	return v >= lo && v <= hi
}
