// ABOUTME: Tests for haversine distance and rounding helpers
// ABOUTME: Includes the Tashkent regression fixture used by path accounting

package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm_ZeroForSamePoint(t *testing.T) {
	p := Coordinate{Lat: 41.3111, Lng: 69.2797}
	assert.Equal(t, 0.0, HaversineKm(p, p))
}

func TestSegmentKm_RegressionFixture(t *testing.T) {
	a := Coordinate{Lat: 41.3111, Lng: 69.2797}
	b := Coordinate{Lat: 41.2995, Lng: 69.2401}

	assert.InDelta(t, 3.5504, HaversineKm(a, b), 0.0001)
	assert.Equal(t, 3.55, SegmentKm(a, b))
}

func TestHaversineKm_Symmetric(t *testing.T) {
	a := Coordinate{Lat: 41.3, Lng: 69.28}
	b := Coordinate{Lat: 41.305, Lng: 69.2801}
	assert.InDelta(t, HaversineKm(a, b), HaversineKm(b, a), 1e-12)
	assert.Equal(t, 0.56, SegmentKm(a, b))
}

func TestHaversineKm_QuarterMeridian(t *testing.T) {
	// Equator to pole along a meridian is a quarter of the circumference.
	got := HaversineKm(Coordinate{Lat: 0, Lng: 0}, Coordinate{Lat: 90, Lng: 0})
	assert.InDelta(t, math.Pi*EarthRadiusKm/2, got, 1e-9)
}

func TestRoundTo(t *testing.T) {
	tests := []struct {
		in     float64
		places int
		want   float64
	}{
		{1.005, 0, 1},
		{1.236, 2, 1.24},
		{1.234, 2, 1.23},
		{69.2797001, 6, 69.2797},
		{-1.25, 1, -1.3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoundTo(tt.in, tt.places), "RoundTo(%v, %d)", tt.in, tt.places)
	}
}

func TestCoordinate_Valid(t *testing.T) {
	tests := []struct {
		name string
		c    Coordinate
		want bool
	}{
		{"normal", Coordinate{41.3, 69.2}, true},
		{"bounds", Coordinate{-90, 180}, true},
		{"lat too high", Coordinate{90.1, 0}, false},
		{"lng too low", Coordinate{0, -180.5}, false},
		{"nan", Coordinate{math.NaN(), 0}, false},
		{"inf", Coordinate{0, math.Inf(1)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.Valid())
		})
	}
}
