// ABOUTME: Fixed-capacity FIFO ring of recent coordinates per agent
// ABOUTME: Backs the stationarity check; the oldest sample is evicted when full

package tracking

import "github.com/2389/fieldtrack/internal/geo"

// Window holds at most Cap() of the most recent coordinates.
type Window struct {
	buf   []geo.Coordinate
	start int
	n     int
}

// NewWindow creates an empty window. Capacities below 1 are raised to 1.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]geo.Coordinate, capacity)}
}

// Push appends c, evicting the oldest sample if the window is full.
func (w *Window) Push(c geo.Coordinate) {
	if w.n < len(w.buf) {
		w.buf[(w.start+w.n)%len(w.buf)] = c
		w.n++
		return
	}
	w.buf[w.start] = c
	w.start = (w.start + 1) % len(w.buf)
}

// Len returns the number of samples currently held.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Full reports whether Cap() samples have been collected.
func (w *Window) Full() bool { return w.n == len(w.buf) }

// At returns the i-th sample, oldest first. It panics if i is out of range.
func (w *Window) At(i int) geo.Coordinate {
	if i < 0 || i >= w.n {
		panic("tracking: window index out of range")
	}
	return w.buf[(w.start+i)%len(w.buf)]
}

// Samples returns a copy of the held samples, oldest first.
func (w *Window) Samples() []geo.Coordinate {
	out := make([]geo.Coordinate, w.n)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}
