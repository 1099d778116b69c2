package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/dcdl-sim/controller/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// GEO POINTS
// Positions are always stored as EPSG:3857 because SQLite has no spatial
// awareness and both backends must read back the same WKB bytes.
// The engine reports positions in a local Cartesian frame (meters east and
// north of an origin). A Projector anchors that frame to a WGS84 origin.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// mercator latitude limit
const maxLat = 85.05112878

// OriginFromString parses "lon,lat" into a WGS84 origin.
func OriginFromString(coords string) (lon, lat float64, err error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return 0, 0, ErrInvalidCoordinates
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	if !validLonLat(lon, lat) {
		return 0, 0, ErrInvalidCoordinates
	}
	return lon, lat, nil
}

func validLonLat(lon, lat float64) bool {
	return lon >= -180 && lon <= 180 && lat > -maxLat && lat < maxLat
}

// Coords3857From4326 creates a web-mercator point from a longitude and latitude
func Coords3857From4326(longitude, latitude float64) geom.Point {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(longitude, latitude, 0)
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}})
}

// Projector maps engine-local positions to EPSG:3857.
type Projector struct {
	originX float64
	originY float64
	scale   float64 // mercator units per ground meter at the origin latitude
}

// NewProjector anchors the engine frame at (originLon, originLat).
func NewProjector(originLon, originLat float64) (Projector, error) {
	if !validLonLat(originLon, originLat) {
		return Projector{}, ErrInvalidCoordinates
	}
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(originLon, originLat, 0)
	return Projector{
		originX: x,
		originY: y,
		scale:   1 / math.Cos(originLat*math.Pi/180),
	}, nil
}

// XY returns the EPSG:3857 coordinates of pos.
func (p Projector) XY(pos core.Position) (x, y float64) {
	return p.originX + pos.X*p.scale, p.originY + pos.Y*p.scale
}

// Point returns pos as an EPSG:3857 point.
func (p Projector) Point(pos core.Position) geom.Point {
	x, y := p.XY(pos)
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: x, Y: y}})
}

// LonLat returns the WGS84 longitude and latitude of pos.
func (p Projector) LonLat(pos core.Position) (lon, lat float64) {
	x, y := p.XY(pos)
	f := wgs84.EPSG().Transform(3857, 4326)
	lon, lat, _ = f(x, y, 0)
	return lon, lat
}

// Origin returns the projected origin.
func (p Projector) Origin() geom.Point {
	return geom.NewPoint(geom.Coordinates{XY: geom.XY{X: p.originX, Y: p.originY}})
}
