// ABOUTME: Tests for the feed supervisor against an httptest websocket upstream
// ABOUTME: Covers token query, auth rejection paths, fatal cap, reconnects and stop

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/fieldtrack/internal/auth"
	"github.com/2389/fieldtrack/internal/feed"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type fakeProvider struct {
	mu           sync.Mutex
	current      string
	next         string
	refreshErr   error
	refreshCalls int
}

func (p *fakeProvider) CurrentToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == "" {
		return "", auth.ErrNotAvailable
	}
	return p.current, nil
}

func (p *fakeProvider) Refresh(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if p.refreshErr != nil {
		return "", p.refreshErr
	}
	p.current = p.next
	return p.current, nil
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

type statusLog struct {
	mu     sync.Mutex
	events []Status
}

func (l *statusLog) sink(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, s)
}

func (l *statusLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.events))
	for i, e := range l.events {
		out[i] = e.State
	}
	return out
}

type frameLog struct {
	mu     sync.Mutex
	frames []string
	gens   []uint64
}

func (f *frameLog) handle(_ context.Context, gen uint64, frame []byte) error {
	if _, err := feed.Decode(frame); feed.IsAuthError(err) {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(frame))
	f.gens = append(f.gens, gen)
	return nil
}

func (f *frameLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// feedServer upgrades every request and hands the connection and the token
// query parameter to serve. Returning from serve closes the connection.
func feedServer(t *testing.T, serve func(ctx context.Context, conn *websocket.Conn, token string, n int)) string {
	t.Helper()
	var (
		mu sync.Mutex
		n  int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n++
		call := n
		mu.Unlock()

		token := r.URL.Query().Get("token")
		if token == "handshake-reject" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		serve(r.Context(), conn, token, call)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents"
}

// drain blocks until the client goes away.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

const frame = `{"agents_data":[{"agent_id":1,"current_location":{"latitude":41.3,"longitude":69.28}}]}`

func testConfig(url string) Config {
	return Config{
		FeedURL:         url,
		BaseDelay:       5 * time.Millisecond,
		MaxDelay:        20 * time.Millisecond,
		MaxAuthFailures: 3,
	}
}

func startSupervisor(t *testing.T, sup *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()
	return cancel, errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestSupervisor_DeliversFramesWithToken(t *testing.T) {
	var gotToken string
	var tokMu sync.Mutex
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn, token string, _ int) {
		tokMu.Lock()
		gotToken = token
		tokMu.Unlock()
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		drain(ctx, conn)
	})

	frames := &frameLog{}
	statuses := &statusLog{}
	provider := &fakeProvider{current: "tok-1"}
	sup := New(testConfig(url), provider, frames.handle, statuses.sink, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool { return frames.count() == 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))

	tokMu.Lock()
	assert.Equal(t, "tok-1", gotToken)
	tokMu.Unlock()
	assert.Equal(t, 0, provider.calls())
	assert.Equal(t, []uint64{1, 1}, frames.gens)

	states := statuses.states()
	require.NotEmpty(t, states)
	assert.Equal(t, StateConnecting, states[0])
	assert.Contains(t, states, StateConnected)
	assert.Equal(t, StateStopped, states[len(states)-1])
}

func TestSupervisor_AuthCloseCodeRefreshesToken(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn, token string, _ int) {
		if token != "fresh" {
			_ = conn.Close(CloseTokenInvalid, "token expired")
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		drain(ctx, conn)
	})

	frames := &frameLog{}
	statuses := &statusLog{}
	provider := &fakeProvider{current: "expired", next: "fresh"}
	sup := New(testConfig(url), provider, frames.handle, statuses.sink, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool { return frames.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))

	assert.Equal(t, 1, provider.calls())
	assert.Equal(t, []uint64{2}, frames.gens)
	assert.Contains(t, statuses.states(), StateAuthFailed)
}

func TestSupervisor_HandshakeRejectionCountsAsAuth(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn, _ string, _ int) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		drain(ctx, conn)
	})

	frames := &frameLog{}
	provider := &fakeProvider{current: "handshake-reject", next: "good"}
	sup := New(testConfig(url), provider, frames.handle, nil, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool { return frames.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, 1, provider.calls())
}

func TestSupervisor_AuthErrorFrameForcesRefresh(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn, token string, _ int) {
		if token != "fresh" {
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"code":"token_not_valid","detail":"Token is invalid or expired"}`))
		} else {
			_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		}
		drain(ctx, conn)
	})

	frames := &frameLog{}
	provider := &fakeProvider{current: "stale", next: "fresh"}
	sup := New(testConfig(url), provider, frames.handle, nil, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool { return frames.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, 1, provider.calls())
}

func TestSupervisor_RepeatedAuthFailuresAreFatal(t *testing.T) {
	url := feedServer(t, func(_ context.Context, conn *websocket.Conn, _ string, _ int) {
		_ = conn.Close(CloseTokenInvalid, "token expired")
	})

	statuses := &statusLog{}
	provider := &fakeProvider{current: "expired", next: "still-expired"}
	sup := New(testConfig(url), provider, (&frameLog{}).handle, statuses.sink, nil)

	_, errCh := startSupervisor(t, sup)
	err := waitRun(t, errCh)
	require.ErrorIs(t, err, ErrRequiresReauthentication)

	// First attempt uses the cached token; the next two refresh first.
	assert.Equal(t, 2, provider.calls())
	states := statuses.states()
	assert.Equal(t, StateAuthFailedFatal, states[len(states)-1])
}

func TestSupervisor_RefreshFailureIsFatalAfterCap(t *testing.T) {
	provider := &fakeProvider{refreshErr: auth.ErrAuthFailure}
	sup := New(testConfig("ws://127.0.0.1:1/ws"), provider, (&frameLog{}).handle, nil, nil)

	_, errCh := startSupervisor(t, sup)
	err := waitRun(t, errCh)
	require.ErrorIs(t, err, ErrRequiresReauthentication)
	assert.Equal(t, 3, provider.calls())
}

func TestSupervisor_ReconnectsAfterUpstreamClose(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn, _ string, n int) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restarting")
			return
		}
		drain(ctx, conn)
	})

	frames := &frameLog{}
	statuses := &statusLog{}
	sup := New(testConfig(url), &fakeProvider{current: "tok"}, frames.handle, statuses.sink, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool { return frames.count() == 2 }, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))

	assert.Equal(t, []uint64{1, 2}, frames.gens)
	assert.Equal(t, uint64(2), sup.Generation())
	assert.Contains(t, statuses.states(), StateReconnecting)
	assert.Contains(t, statuses.states(), StateDisconnected)
}

func TestSupervisor_StopDuringBackoff(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour

	statuses := &statusLog{}
	sup := New(cfg, &fakeProvider{current: "tok"}, (&frameLog{}).handle, statuses.sink, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool {
		for _, s := range statuses.states() {
			if s == StateReconnecting {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitRun(t, errCh))
	states := statuses.states()
	assert.Equal(t, StateStopped, states[len(states)-1])
}

func TestSupervisor_FrameErrorsKeepConnection(t *testing.T) {
	url := feedServer(t, func(ctx context.Context, conn *websocket.Conn, _ string, _ int) {
		_ = conn.Write(ctx, websocket.MessageText, []byte("not json"))
		_ = conn.Write(ctx, websocket.MessageText, []byte(frame))
		drain(ctx, conn)
	})

	var mu sync.Mutex
	var seen []string
	handler := func(_ context.Context, _ uint64, data []byte) error {
		mu.Lock()
		seen = append(seen, string(data))
		mu.Unlock()
		_, err := feed.Decode(data)
		return err
	}
	sup := New(testConfig(url), &fakeProvider{current: "tok"}, handler, nil, nil)

	cancel, errCh := startSupervisor(t, sup)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 3*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, errCh))
	assert.Equal(t, uint64(1), sup.Generation())
}

func TestSupervisor_DialURLKeepsExistingQuery(t *testing.T) {
	sup := New(Config{FeedURL: "wss://feed.example.com/ws/agents?role=dispatcher", TokenParam: "access"}, &fakeProvider{}, nil, nil, nil)
	got, err := sup.dialURL("a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://feed.example.com/ws/agents?access=a+b&role=dispatcher", got)
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, Status{State: StateConnected}.Connected())
	assert.False(t, Status{State: StateReconnecting}.Connected())
	assert.True(t, Status{State: StateAuthFailedFatal}.Fatal())
}
