// ABOUTME: Read-only views of tracked agents handed to consumers
// ABOUTME: Views share append-only backing arrays with capacity clipped, never live records

package tracking

import (
	"sort"
	"time"

	"github.com/2389/fieldtrack/internal/geo"
)

// Position is a recorded point on an agent's path.
type Position struct {
	Lat        float64   `json:"latitude"`
	Lng        float64   `json:"longitude"`
	IsStop     bool      `json:"is_stop"`
	ObservedAt time.Time `json:"observed_at"`
}

// Coordinate returns the position as a geo.Coordinate.
func (p Position) Coordinate() geo.Coordinate {
	return geo.Coordinate{Lat: p.Lat, Lng: p.Lng}
}

// StopPoint is a path position flagged as a stop, tagged with the distance
// travelled up to and including it.
type StopPoint struct {
	Position
	DistanceKm float64 `json:"distance_km"`
}

// AgentView is an immutable picture of one agent. Path and StopPoints must
// be treated as read-only by callers.
type AgentView struct {
	ID             string      `json:"id"`
	FullName       string      `json:"full_name"`
	PhoneNumber    string      `json:"phone_number"`
	IsWorking      bool        `json:"is_working"`
	Current        *Position   `json:"current,omitempty"`
	Path           []Position  `json:"path"`
	PathTrimmed    int         `json:"path_trimmed,omitempty"`
	StopPoints     []StopPoint `json:"stop_points"`
	DistanceKm     float64     `json:"distance_km"`
	AlertActive    bool        `json:"alert_active"`
	Stale          bool        `json:"stale"`
	// LastObservedAt is nil until the agent has at least one accepted fix.
	LastObservedAt *time.Time  `json:"last_observed_at,omitempty"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
}

// View is a consistent snapshot of every tracked agent, sorted by ID.
type View struct {
	Version     uint64      `json:"version"`
	GeneratedAt time.Time   `json:"generated_at"`
	Agents      []AgentView `json:"agents"`
}

// Agent looks up a single agent in the view.
func (v View) Agent(id string) (AgentView, bool) {
	i := sort.Search(len(v.Agents), func(i int) bool { return v.Agents[i].ID >= id })
	if i < len(v.Agents) && v.Agents[i].ID == id {
		return v.Agents[i], true
	}
	return AgentView{}, false
}

// AlertCount returns how many agents currently have an active stationary alert.
func (v View) AlertCount() int {
	n := 0
	for _, a := range v.Agents {
		if a.AlertActive {
			n++
		}
	}
	return n
}
