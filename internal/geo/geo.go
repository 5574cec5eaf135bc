// Package geo provides great-circle distance math for radius
// filtering and feature scoring.
package geo

import (
	"errors"
	"math"
)

// ErrInvalidLocation is returned for malformed coordinates.
var ErrInvalidLocation = errors.New("invalid location coordinates")

const earthRadiusKm = 6371.0

// Valid reports whether a (lat, lon) pair is a well-formed WGS84
// coordinate.
func Valid(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// Haversine returns the great-circle distance in kilometers between
// two coordinate pairs.
func Haversine(lat1, lon1, lat2, lon2 float64) (float64, error) {
	if !Valid(lat1, lon1) || !Valid(lat2, lon2) {
		return 0, ErrInvalidLocation
	}

	dLat := deg2rad(lat2 - lat1)
	dLon := deg2rad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(deg2rad(lat1))*math.Cos(deg2rad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c, nil
}

// BoundingBox returns the lat/lon half-extents of a box that encloses
// a circle of radiusKm around the given latitude. Used as a cheap SQL
// prefilter before the exact haversine check.
func BoundingBox(lat, radiusKm float64) (dLat, dLon float64) {
	dLat = radiusKm / 111.045 // km per degree of latitude
	cos := math.Cos(deg2rad(lat))
	if cos < 0.01 {
		cos = 0.01 // avoid blowing up near the poles
	}
	dLon = radiusKm / (111.045 * cos)
	return dLat, dLon
}

func deg2rad(deg float64) float64 {
	return deg * (math.Pi / 180)
}
