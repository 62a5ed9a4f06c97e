// Package geo contains pure geographic computation helpers.
package geo

import (
	"math"

	"dispatch/internal/model"
)

// EarthRadiusKm is the spherical-Earth radius used by the distance formula.
const EarthRadiusKm = 6371.0

// DistanceKm returns the great-circle (Haversine) distance in kilometres
// between two points in decimal degrees.
func DistanceKm(a, b model.GeoPoint) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	rLat1 := radians(a.Lat)
	rLat2 := radians(b.Lat)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// BearingDeg returns the initial bearing from a to b in degrees [0, 360).
func BearingDeg(a, b model.GeoPoint) float64 {
	rLat1 := radians(a.Lat)
	rLat2 := radians(b.Lat)
	dLng := radians(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(rLat2)
	x := math.Cos(rLat1)*math.Sin(rLat2) - math.Sin(rLat1)*math.Cos(rLat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180.0 / math.Pi
	return math.Mod(deg+360.0, 360.0)
}

// ValidPoint reports whether the coordinates are in range.
func ValidPoint(p model.GeoPoint) bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

func radians(deg float64) float64 { return deg * math.Pi / 180.0 }
