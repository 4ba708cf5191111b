// ABOUTME: Random-walk agents for the fake feed
// ABOUTME: Parked agents report the same coordinate every tick so stationary alerts fire

package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const historyLimit = 50

type simFix struct {
	Lat       float64 `json:"latitude"`
	Lng       float64 `json:"longitude"`
	IsStop    bool    `json:"is_stop"`
	Timestamp string  `json:"timestamp"`
}

type simAgent struct {
	id      int
	name    string
	phone   string
	parked  bool
	lat     float64
	lng     float64
	history []simFix
}

type simulation struct {
	mu     sync.Mutex
	rng    *rand.Rand
	agents []*simAgent
}

func newSimulation(n, parked int, seed int64) *simulation {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	sim := &simulation{rng: rng}
	for i := 0; i < n; i++ {
		sim.agents = append(sim.agents, &simAgent{
			id:     100 + i,
			name:   fmt.Sprintf("Field Agent %d", i+1),
			phone:  fmt.Sprintf("+1555010%02d", i),
			parked: i < parked,
			// Scatter around the same city centre.
			lat: 41.3111 + (rng.Float64()-0.5)*0.05,
			lng: 69.2797 + (rng.Float64()-0.5)*0.05,
		})
	}
	return sim
}

// step moves every walking agent by up to ~100 m.
func (s *simulation) step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.agents {
		if a.parked {
			continue
		}
		a.lat += (s.rng.Float64() - 0.5) * 0.002
		a.lng += (s.rng.Float64() - 0.5) * 0.002
	}
}

// snapshot records the current position of every agent and renders an
// agents_data frame. History is only included when asked for.
func (s *simulation) snapshot(now time.Time, withHistory bool) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now.UTC().Format(time.RFC3339Nano)
	data := make([]map[string]interface{}, 0, len(s.agents))
	for _, a := range s.agents {
		fix := simFix{Lat: a.lat, Lng: a.lng, IsStop: a.parked, Timestamp: ts}
		a.history = append(a.history, fix)
		if len(a.history) > historyLimit {
			a.history = a.history[len(a.history)-historyLimit:]
		}

		item := map[string]interface{}{
			"agent_id":     a.id,
			"full_name":    a.name,
			"phone_number": a.phone,
			"is_working":   true,
			// Upstream sends coordinates as strings.
			"current_location": map[string]interface{}{
				"latitude":  fmt.Sprintf("%.6f", a.lat),
				"longitude": fmt.Sprintf("%.6f", a.lng),
				"is_stop":   a.parked,
				"timestamp": ts,
			},
		}
		if withHistory {
			hist := make([]simFix, len(a.history))
			copy(hist, a.history)
			item["location_history"] = hist
		}
		data = append(data, item)
	}
	return map[string]interface{}{"agents_data": data}
}
