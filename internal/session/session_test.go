// ABOUTME: Tests for the tracking session against an httptest websocket upstream
// ABOUTME: Covers end-to-end apply, alerts, stop idempotence, reset and lifecycle errors

package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/fieldtrack/internal/auth"
	"github.com/2389/fieldtrack/internal/feed"
	"github.com/2389/fieldtrack/internal/metrics"
	"github.com/2389/fieldtrack/internal/stream"
	"github.com/2389/fieldtrack/internal/tracking"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type staticProvider struct {
	token string
	err   error
}

func (p staticProvider) CurrentToken() (string, error) {
	if p.token == "" {
		return "", auth.ErrNotAvailable
	}
	return p.token, nil
}

func (p staticProvider) Refresh(context.Context) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.token, nil
}

func fixFrame(id string, lat, lng float64) string {
	return fmt.Sprintf(`{"agents_data":[{"agent_id":%q,"full_name":"Agent %s","current_location":{"latitude":%v,"longitude":%v}}]}`,
		id, id, lat, lng)
}

// upstream serves the given frames on every connection, then waits for the
// client to hang up.
func upstream(t *testing.T, frames ...string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string, window int) Config {
	return Config{
		Stream: stream.Config{
			FeedURL:         url,
			BaseDelay:       5 * time.Millisecond,
			MaxDelay:        20 * time.Millisecond,
			MaxAuthFailures: 3,
		},
		Tracking: tracking.Options{WindowSize: window},
		Metrics:  metrics.MustNew(prometheus.NewRegistry()),
	}
}

func agentPathLen(s *Session, id string) int {
	a, ok := s.Publisher().Poll().Agent(id)
	if !ok {
		return 0
	}
	return len(a.Path)
}

func TestSession_StationaryEpisodeEndToEnd(t *testing.T) {
	url := upstream(t,
		fixFrame("A1", 41.3, 69.28),
		fixFrame("A1", 41.3, 69.28),
		fixFrame("A1", 41.3, 69.28),
		fixFrame("A1", 41.305, 69.2801),
	)

	s := New(testConfig(url, 3), staticProvider{token: "tok"})
	alerts, _ := s.Publisher().Alerts(t.Context())

	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()

	require.Eventually(t, func() bool { return agentPathLen(s, "A1") == 4 }, 3*time.Second, 5*time.Millisecond)

	agent, _ := s.Publisher().Poll().Agent("A1")
	assert.Equal(t, "Agent A1", agent.FullName)
	assert.False(t, agent.AlertActive)
	assert.Greater(t, agent.DistanceKm, 0.0)

	select {
	case ev := <-alerts:
		assert.Equal(t, "A1", ev.AgentID)
	case <-time.After(time.Second):
		t.Fatal("expected one stationary alert")
	}
	select {
	case ev := <-alerts:
		t.Fatalf("unexpected second alert for %s", ev.AgentID)
	default:
	}

	last, ok := s.Publisher().LastStatus()
	require.True(t, ok)
	assert.True(t, last.Connected())
}

func TestSession_StopIsIdempotentAndFinal(t *testing.T) {
	url := upstream(t, fixFrame("A1", 41.3, 69.28))

	s := New(testConfig(url, 3), staticProvider{token: "tok"})
	require.NoError(t, s.Start(t.Context()))
	require.Eventually(t, func() bool { return agentPathLen(s, "A1") == 1 }, 3*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()

	before := s.Publisher().Poll().Version

	// A frame still in flight on the receive loop must not land.
	_ = s.handleFrame(context.Background(), s.sup.Generation(), []byte(fixFrame("A2", 1, 1)))
	batch, err := feed.Decode([]byte(fixFrame("A3", 2, 2)))
	require.NoError(t, err)
	s.apply(frameMsg{generation: s.sup.Generation(), batch: batch})

	assert.Equal(t, before, s.Publisher().Poll().Version)
	_, ok := s.Publisher().Poll().Agent("A3")
	assert.False(t, ok)

	// Ending the session discards every agent record.
	assert.Zero(t, s.store.Len())
	assert.Empty(t, s.Publisher().Poll().Agents)
	_, ok = s.Publisher().Poll().Agent("A1")
	assert.False(t, ok)
	assert.NoError(t, s.Err())
	assert.ErrorIs(t, s.Start(t.Context()), ErrStopped)
}

func TestSession_StartTwice(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1", 3), staticProvider{token: "tok"})
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()
	assert.ErrorIs(t, s.Start(t.Context()), ErrAlreadyStarted)
}

func TestSession_StopBeforeStart(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1", 3), staticProvider{token: "tok"})
	assert.NotPanics(t, s.Stop)
	assert.ErrorIs(t, s.Start(t.Context()), ErrStopped)
}

func TestSession_ResetWhileRunning(t *testing.T) {
	url := upstream(t, fixFrame("A1", 41.3, 69.28), fixFrame("B2", 40.1, 70.2))

	s := New(testConfig(url, 3), staticProvider{token: "tok"})
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()

	require.Eventually(t, func() bool { return len(s.Publisher().Poll().Agents) == 2 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Reset(t.Context()))
	assert.Empty(t, s.Publisher().Poll().Agents)
}

func TestSession_ResetBeforeStart(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1", 3), staticProvider{token: "tok"})
	defer s.Stop()

	batch, err := feed.Decode([]byte(fixFrame("A1", 1, 1)))
	require.NoError(t, err)
	s.apply(frameMsg{batch: batch})
	require.Len(t, s.Publisher().Poll().Agents, 1)

	require.NoError(t, s.Reset(t.Context()))
	assert.Empty(t, s.Publisher().Poll().Agents)
}

func TestSession_MalformedFrameReportedOnStatus(t *testing.T) {
	url := upstream(t, `{"agents_data": "nope"}`, fixFrame("A1", 41.3, 69.28))

	s := New(testConfig(url, 3), staticProvider{token: "tok"})
	statuses, _ := s.Publisher().Status(t.Context())
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()

	require.Eventually(t, func() bool { return agentPathLen(s, "A1") == 1 }, 3*time.Second, 5*time.Millisecond)

	var sawDecodeError bool
	for !sawDecodeError {
		select {
		case st := <-statuses:
			if st.State == stream.StateConnected && st.Error != "" {
				sawDecodeError = true
			}
		case <-time.After(time.Second):
			t.Fatal("decode error never reported on status channel")
		}
	}

	// The good frame that followed clears the error from the last status.
	require.Eventually(t, func() bool {
		last, ok := s.Publisher().LastStatus()
		return ok && last.Connected() && last.Error == ""
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSession_StopSendsFinalEmptyView(t *testing.T) {
	url := upstream(t, fixFrame("A1", 41.3, 69.28))

	s := New(testConfig(url, 3), staticProvider{token: "tok"})
	views, _ := s.Publisher().Subscribe(context.Background())
	require.NoError(t, s.Start(t.Context()))
	require.Eventually(t, func() bool { return agentPathLen(s, "A1") == 1 }, 3*time.Second, 5*time.Millisecond)

	s.Stop()

	var last tracking.View
	for v := range views {
		last = v
	}
	assert.Empty(t, last.Agents)
}

// framesWithResult reads fieldtrack_feed_frames_total{result=...} from reg.
func framesWithResult(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "fieldtrack_feed_frames_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSession_FramesFromPreviousConnectionDiscarded(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		if err := conn.Write(ctx, websocket.MessageText, []byte(fixFrame("A1", 41.3, 69.28))); err != nil {
			return
		}
		// First connection goes away so the supervisor reconnects.
		if conns.Add(1) == 1 {
			conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	reg := prometheus.NewRegistry()
	cfg := testConfig("ws"+strings.TrimPrefix(srv.URL, "http"), 3)
	cfg.Metrics = metrics.MustNew(reg)

	s := New(cfg, staticProvider{token: "tok"})
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.sup.Generation() == 2 && agentPathLen(s, "A1") >= 1
	}, 3*time.Second, 5*time.Millisecond)
	staleBefore := framesWithResult(t, reg, metrics.FrameStale)

	// A frame that was still queued from the first connection arrives late.
	batch, err := feed.Decode([]byte(fixFrame("GHOST", 10, 10)))
	require.NoError(t, err)
	s.apply(frameMsg{generation: 1, batch: batch})

	_, ok := s.Publisher().Poll().Agent("GHOST")
	assert.False(t, ok)
	_, ok = s.store.Agent("GHOST")
	assert.False(t, ok)
	assert.Equal(t, staleBefore+1, framesWithResult(t, reg, metrics.FrameStale))
}

func TestSession_FatalAuthSurfaces(t *testing.T) {
	s := New(testConfig("ws://127.0.0.1:1", 3), staticProvider{err: auth.ErrAuthFailure})
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Err() != nil
	}, 3*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Err(), stream.ErrRequiresReauthentication)
	last, ok := s.Publisher().LastStatus()
	require.True(t, ok)
	assert.True(t, last.Fatal())
}

func TestSession_ID(t *testing.T) {
	a := New(testConfig("ws://127.0.0.1:1", 3), staticProvider{})
	b := New(testConfig("ws://127.0.0.1:1", 3), staticProvider{})
	defer a.Stop()
	defer b.Stop()
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}
