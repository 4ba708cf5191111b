// ABOUTME: Session-scoped in-memory model of every tracked agent
// ABOUTME: Applies decoded batches: path, distance, stop points and stationary alerts

package tracking

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/fieldtrack/internal/feed"
	"github.com/2389/fieldtrack/internal/geo"
)

// DefaultWindowSize is the number of identical fixes needed to call an agent stationary.
const DefaultWindowSize = 1200

// ErrInvalidCoordinate is returned for positions that cannot take part in
// path or distance accounting. The agent's identity fields still update.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Options configures a Store.
type Options struct {
	// WindowSize is the stationarity window N. Zero means DefaultWindowSize.
	WindowSize int
	// PathLimit caps the rendered path length. Zero means unbounded.
	PathLimit int
	// StaleAfter is how long an agent may be absent from batches before
	// MarkStale flags it. Zero disables staleness.
	StaleAfter time.Duration
	// Now is the clock used for view timestamps. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// AlertEvent is emitted when an agent enters the stationary state.
type AlertEvent struct {
	AgentID  string    `json:"agent_id"`
	FullName string    `json:"full_name"`
	Position Position  `json:"position"`
	RaisedAt time.Time `json:"raised_at"`
}

// ApplyResult summarizes one ApplyBatch call.
type ApplyResult struct {
	Touched  []string
	Appended int
	Raised   []AlertEvent
	Cleared  []string
	// Rejected holds per-snapshot state errors; they never abort the batch.
	Rejected []error
}

type record struct {
	id          string
	fullName    string
	phoneNumber string
	isWorking   bool

	path    []Position
	trimmed int
	stops   []StopPoint
	recent  *Window

	distanceKm float64
	last       geo.Coordinate
	hasLast    bool

	alertActive    bool
	lastObservedAt time.Time
	lastUpstreamAt time.Time
	lastSeenAt     time.Time
	stale          bool
}

// Store owns every AgentRecord for one session. Batches must be applied by
// a single writer; reads through Snapshot and Agent are safe from any goroutine.
type Store struct {
	mu      sync.RWMutex
	agents  map[string]*record
	version uint64

	windowSize int
	pathLimit  int
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewStore creates an empty store.
func NewStore(opts Options) *Store {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		agents:     make(map[string]*record),
		windowSize: opts.WindowSize,
		pathLimit:  opts.PathLimit,
		staleAfter: opts.StaleAfter,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "agent-store"),
	}
}

// ApplyBatch applies every snapshot of b in order.
func (s *Store) ApplyBatch(b feed.Batch) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	receivedAt := b.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}

	var res ApplyResult
	for _, snap := range b.Snapshots {
		s.applySnapshot(snap, receivedAt, &res)
	}
	s.version++
	return res
}

func (s *Store) applySnapshot(snap feed.Snapshot, receivedAt time.Time, res *ApplyResult) {
	rec, ok := s.agents[snap.AgentID]
	if !ok {
		rec = &record{id: snap.AgentID, recent: NewWindow(s.windowSize)}
		s.agents[snap.AgentID] = rec
		s.logger.Debug("agent first seen", "agent_id", snap.AgentID)
	}

	rec.fullName = snap.FullName
	rec.phoneNumber = snap.PhoneNumber
	rec.isWorking = snap.IsWorking
	rec.lastSeenAt = receivedAt
	rec.stale = false
	res.Touched = append(res.Touched, rec.id)

	// Upstream history only seeds agents we have no path for yet.
	if !rec.hasLast {
		for _, fix := range snap.History {
			s.appendFix(rec, fix, receivedAt, res)
		}
	}
	if snap.Current != nil {
		s.appendFix(rec, *snap.Current, receivedAt, res)
	}

	stationary := IsStationary(rec.recent)
	switch {
	case stationary && !rec.alertActive:
		rec.alertActive = true
		ev := AlertEvent{AgentID: rec.id, FullName: rec.fullName, RaisedAt: receivedAt}
		if n := len(rec.path); n > 0 {
			ev.Position = rec.path[n-1]
		}
		res.Raised = append(res.Raised, ev)
		s.logger.Info("agent stationary", "agent_id", rec.id, "window", rec.recent.Cap())
	case !stationary && rec.alertActive:
		rec.alertActive = false
		res.Cleared = append(res.Cleared, rec.id)
		s.logger.Debug("agent moving again", "agent_id", rec.id)
	}
}

func (s *Store) appendFix(rec *record, fix feed.Fix, receivedAt time.Time, res *ApplyResult) {
	if !fix.Coordinate.Valid() {
		res.Rejected = append(res.Rejected, fmt.Errorf("agent %s: %w (%v, %v)", rec.id, ErrInvalidCoordinate, fix.Lat, fix.Lng))
		return
	}
	if fix.HasTimestamp() && fix.ObservedAt.Equal(rec.lastUpstreamAt) {
		return
	}

	pos := Position{
		Lat:        fix.Lat,
		Lng:        fix.Lng,
		IsStop:     fix.IsStop,
		ObservedAt: fix.ObservedAt,
	}
	if !fix.HasTimestamp() {
		pos.ObservedAt = receivedAt
	} else {
		rec.lastUpstreamAt = fix.ObservedAt
	}

	// Distance and path move together under the write lock.
	if rec.hasLast {
		rec.distanceKm = geo.RoundTo(rec.distanceKm+geo.SegmentKm(rec.last, fix.Coordinate), 2)
	}
	rec.last = fix.Coordinate
	rec.hasLast = true

	rec.path = append(rec.path, pos)
	if s.pathLimit > 0 && len(rec.path) > s.pathLimit {
		drop := len(rec.path) - s.pathLimit
		rec.path = rec.path[drop:]
		rec.trimmed += drop
	}
	rec.recent.Push(fix.Coordinate)
	rec.lastObservedAt = pos.ObservedAt

	if fix.IsStop {
		rec.stops = append(rec.stops, StopPoint{Position: pos, DistanceKm: rec.distanceKm})
	}
	res.Appended++
}

// Snapshot returns a consistent read-only view of all agents.
func (s *Store) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v := View{
		Version:     s.version,
		GeneratedAt: s.now(),
		Agents:      make([]AgentView, 0, len(s.agents)),
	}
	for _, rec := range s.agents {
		v.Agents = append(v.Agents, rec.view())
	}
	sort.Slice(v.Agents, func(i, j int) bool { return v.Agents[i].ID < v.Agents[j].ID })
	return v
}

// Agent returns the view of a single agent.
func (s *Store) Agent(id string) (AgentView, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.agents[id]
	if !ok {
		return AgentView{}, false
	}
	return rec.view(), true
}

// Len returns the number of tracked agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// Reset forgets every agent.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.agents)
	s.agents = make(map[string]*record)
	s.version++
	s.logger.Info("agent history cleared", "agents", n)
}

// MarkStale flags agents that have been absent from batches for longer than
// StaleAfter and returns their IDs. Records are kept; a later batch that
// mentions the agent clears the flag.
func (s *Store) MarkStale(now time.Time) []string {
	if s.staleAfter <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, rec := range s.agents {
		if !rec.stale && now.Sub(rec.lastSeenAt) > s.staleAfter {
			rec.stale = true
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		s.version++
		sort.Strings(ids)
	}
	return ids
}

// view copies scalar state and shares the append-only slices with their
// capacity clipped, so later appends never show through.
func (r *record) view() AgentView {
	av := AgentView{
		ID:             r.id,
		FullName:       r.fullName,
		PhoneNumber:    r.phoneNumber,
		IsWorking:      r.isWorking,
		Path:           r.path[:len(r.path):len(r.path)],
		PathTrimmed:    r.trimmed,
		StopPoints:     r.stops[:len(r.stops):len(r.stops)],
		DistanceKm:     r.distanceKm,
		AlertActive:    r.alertActive,
		Stale:          r.stale,
		LastSeenAt:     r.lastSeenAt,
	}
	if n := len(r.path); n > 0 {
		cur := r.path[n-1]
		av.Current = &cur
	}
	if !r.lastObservedAt.IsZero() {
		observed := r.lastObservedAt
		av.LastObservedAt = &observed
	}
	return av
}
