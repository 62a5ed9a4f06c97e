package geo

import (
	"math"
	"testing"

	"dispatch/internal/model"
)

func TestDistanceKm_ZeroForSamePoint(t *testing.T) {
	p := model.GeoPoint{Lat: 37.7749, Lng: -122.4194}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("distance to self: got %f", d)
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	a := model.GeoPoint{Lat: 37.7749, Lng: -122.4194}
	b := model.GeoPoint{Lat: 34.0522, Lng: -118.2437}
	ab := DistanceKm(a, b)
	ba := DistanceKm(b, a)
	if math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("asymmetric: %f vs %f", ab, ba)
	}
}

func TestDistanceKm_KnownPair(t *testing.T) {
	// SF to LA is roughly 559 km great-circle.
	a := model.GeoPoint{Lat: 37.7749, Lng: -122.4194}
	b := model.GeoPoint{Lat: 34.0522, Lng: -118.2437}
	d := DistanceKm(a, b)
	if d < 550 || d > 570 {
		t.Fatalf("SF-LA distance: got %f", d)
	}
}

func TestDistanceKm_ShortRange(t *testing.T) {
	// Roughly 1.11 km per 0.01 degree of latitude.
	a := model.GeoPoint{Lat: 37.77, Lng: -122.42}
	b := model.GeoPoint{Lat: 37.78, Lng: -122.42}
	d := DistanceKm(a, b)
	if d < 1.0 || d > 1.2 {
		t.Fatalf("short range distance: got %f", d)
	}
}

func TestValidPoint(t *testing.T) {
	cases := []struct {
		p  model.GeoPoint
		ok bool
	}{
		{model.GeoPoint{Lat: 0, Lng: 0}, true},
		{model.GeoPoint{Lat: 90, Lng: 180}, true},
		{model.GeoPoint{Lat: -90, Lng: -180}, true},
		{model.GeoPoint{Lat: 90.01, Lng: 0}, false},
		{model.GeoPoint{Lat: 0, Lng: 180.5}, false},
		{model.GeoPoint{Lat: -91, Lng: 0}, false},
	}
	for _, c := range cases {
		if got := ValidPoint(c.p); got != c.ok {
			t.Fatalf("ValidPoint(%v): got %v, want %v", c.p, got, c.ok)
		}
	}
}
