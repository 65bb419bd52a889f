// Package tiles computes the slippy-map tile grid for the city region and
// acquires, stores, and serves the raster tiles for offline use.
package tiles

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Bounds is a latitude/longitude rectangle in degrees.
type Bounds struct {
	North float64
	South float64
	East  float64
	West  float64
}

// Coord addresses one tile in the standard XYZ scheme.
type Coord struct {
	Z int
	X int
	Y int
}

// Key is the storage key "z-x-y".
func (c Coord) Key() string {
	return fmt.Sprintf("%d-%d-%d", c.Z, c.X, c.Y)
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Region is the fixed area and inclusive zoom range tiles are cached for.
type Region struct {
	Bounds  Bounds
	MinZoom int
	MaxZoom int
}

// LatLonToTile converts a WGS84 coordinate to the tile containing it at zoom
// z, using the Web Mercator projection:
//
//	x = floor((lon + 180) / 360 * 2^z)
//	y = floor((1 - ln(tan(lat) + 1/cos(lat)) / pi) / 2 * 2^z)
func LatLonToTile(lat, lon float64, z int) (x, y int) {
	n := math.Exp2(float64(z))
	latRad := lat * math.Pi / 180
	x = int(math.Floor((lon + 180) / 360 * n))
	y = int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	return x, y
}

// TileRange returns the inclusive x and y ranges covering the bounds at zoom z.
// Tile y grows southward, so the north edge gives minY.
func (r Region) TileRange(z int) (minX, maxX, minY, maxY int) {
	minX, maxY = LatLonToTile(r.Bounds.South, r.Bounds.West, z)
	maxX, minY = LatLonToTile(r.Bounds.North, r.Bounds.East, z)
	return minX, maxX, minY, maxY
}

// Grid enumerates every tile in the region, zoom by zoom, row by row.
func (r Region) Grid() []Coord {
	out := make([]Coord, 0, r.RequiredCount())
	for z := r.MinZoom; z <= r.MaxZoom; z++ {
		minX, maxX, minY, maxY := r.TileRange(z)
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				out = append(out, Coord{Z: z, X: x, Y: y})
			}
		}
	}
	return out
}

// RequiredCount is the number of tiles in the region across all zooms.
func (r Region) RequiredCount() int {
	total := 0
	for z := r.MinZoom; z <= r.MaxZoom; z++ {
		minX, maxX, minY, maxY := r.TileRange(z)
		total += (maxX - minX + 1) * (maxY - minY + 1)
	}
	return total
}

// Contains reports whether c lies inside the region's grid.
func (r Region) Contains(c Coord) bool {
	if c.Z < r.MinZoom || c.Z > r.MaxZoom {
		return false
	}
	minX, maxX, minY, maxY := r.TileRange(c.Z)
	return c.X >= minX && c.X <= maxX && c.Y >= minY && c.Y <= maxY
}

var tilePathRE = regexp.MustCompile(`(\d+)/(\d+)/(\d+)\.png$`)

// ParsePath extracts the tile coordinate from a path ending in
// "{z}/{x}/{y}.png", as used by both tile servers and package entries.
func ParsePath(p string) (Coord, bool) {
	m := tilePathRE.FindStringSubmatch(p)
	if m == nil {
		return Coord{}, false
	}
	z, errZ := strconv.Atoi(m[1])
	x, errX := strconv.Atoi(m[2])
	y, errY := strconv.Atoi(m[3])
	if errZ != nil || errX != nil || errY != nil {
		return Coord{}, false
	}
	return Coord{Z: z, X: x, Y: y}, true
}

var subdomains = [...]string{"a", "b", "c"}

// Subdomain picks the tile server shard for a tile.
func Subdomain(c Coord) string {
	i := (c.X + c.Y) % len(subdomains)
	if i < 0 {
		i = -i
	}
	return subdomains[i]
}
