// ABOUTME: Sliding-window "has not moved" rule used for stationary alerts
// ABOUTME: Compares samples at fixed 6-decimal precision, no distance tolerance

package tracking

import (
	"strconv"

	"github.com/2389/fieldtrack/internal/geo"
)

// IsStationary reports whether w is full and every sample equals the first
// one when both latitude and longitude are printed with 6 decimal places.
func IsStationary(w *Window) bool {
	if w == nil || !w.Full() {
		return false
	}
	first := fixedKey(w.At(0))
	for i := 1; i < w.Len(); i++ {
		if fixedKey(w.At(i)) != first {
			return false
		}
	}
	return true
}

func fixedKey(c geo.Coordinate) string {
	return strconv.FormatFloat(c.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lng, 'f', 6, 64)
}
