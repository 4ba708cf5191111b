// ABOUTME: Decoded representation of one upstream location frame
// ABOUTME: A Batch holds per-agent snapshots in frame order plus rejected entries

package feed

import (
	"time"

	"github.com/2389/fieldtrack/internal/geo"
)

// Fix is one decoded position report.
type Fix struct {
	geo.Coordinate
	IsStop bool
	// ObservedAt is zero when the upstream did not send a timestamp.
	ObservedAt time.Time
}

// HasTimestamp reports whether the upstream supplied an observation time.
func (f Fix) HasTimestamp() bool {
	return !f.ObservedAt.IsZero()
}

// Snapshot is a single agent entry from the agents_data array.
type Snapshot struct {
	AgentID     string
	FullName    string
	PhoneNumber string
	IsWorking   bool
	Current     *Fix
	// History is the optional full session history sent by the upstream.
	History []Fix
}

// Batch is one decoded frame.
type Batch struct {
	Snapshots []Snapshot
	// Rejected lists snapshots that were skipped because they failed to decode.
	Rejected   []*DecodeError
	ReceivedAt time.Time
}
