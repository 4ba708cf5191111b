// ABOUTME: ConnectionSupervisor: keeps one authenticated websocket to the location feed alive
// ABOUTME: Reconnects with exponential backoff and refreshes the token on auth rejection

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/2389/fieldtrack/internal/auth"
	"github.com/2389/fieldtrack/internal/feed"
)

// Close codes the upstream uses to reject a connection's credentials.
const (
	CloseTokenInvalid websocket.StatusCode = 4001
	CloseForbidden    websocket.StatusCode = 4003
)

var (
	// ErrRequiresReauthentication is returned by Run after too many
	// consecutive authentication failures.
	ErrRequiresReauthentication = errors.New("upstream requires manual login")
	// ErrAuthRejected marks a connection that ended because the upstream
	// refused our token.
	ErrAuthRejected = errors.New("upstream rejected token")
)

// FrameHandler receives every inbound frame along with the generation of the
// connection that carried it. Returning an error wrapping feed.ErrUpstreamAuth
// drops the connection and forces a token refresh; other errors are logged
// and the connection stays open.
type FrameHandler func(ctx context.Context, generation uint64, frame []byte) error

// Config configures a Supervisor.
type Config struct {
	FeedURL         string
	TokenParam      string
	DialTimeout     time.Duration
	ReadLimit       int64
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Jitter          float64
	MaxAuthFailures int
	HTTPClient      *http.Client
	Now             func() time.Time
}

func (c *Config) setDefaults() {
	if c.TokenParam == "" {
		c.TokenParam = "token"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.MaxAuthFailures <= 0 {
		c.MaxAuthFailures = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Supervisor owns the lifecycle of the streaming connection. Run it once per
// session; cancelling its context is the only way to stop it.
type Supervisor struct {
	cfg    Config
	tokens auth.Provider
	handle FrameHandler
	status StatusSink
	logger *slog.Logger

	generation atomic.Uint64
}

// New creates a supervisor. status may be nil.
func New(cfg Config, tokens auth.Provider, handle FrameHandler, status StatusSink, logger *slog.Logger) *Supervisor {
	cfg.setDefaults()
	if status == nil {
		status = func(Status) {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		tokens: tokens,
		handle: handle,
		status: status,
		logger: logger.With("component", "feed-supervisor"),
	}
}

// Generation returns the generation of the most recent connection.
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

// Run connects and reconnects until ctx is cancelled, returning nil, or until
// the auth failure cap is reached, returning ErrRequiresReauthentication.
func (s *Supervisor) Run(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.BaseDelay
	eb.MaxInterval = s.cfg.MaxDelay
	eb.RandomizationFactor = s.cfg.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	var (
		attempt      int
		authFailures int
		forceRefresh bool
	)

	for {
		if ctx.Err() != nil {
			return s.stopped()
		}

		attempt++
		s.emit(Status{State: StateConnecting, Attempt: attempt})

		var err error
		token, tokErr := s.token(ctx, forceRefresh)
		if tokErr != nil {
			err = tokErr
		} else {
			forceRefresh = false
			var frames int
			frames, err = s.connect(ctx, token)
			if ctx.Err() != nil {
				return s.stopped()
			}
			if frames > 0 {
				attempt = 0
				authFailures = 0
				eb.Reset()
			}
			s.emit(Status{State: StateDisconnected, Generation: s.Generation(), Error: errString(err)})
		}
		if ctx.Err() != nil {
			return s.stopped()
		}

		if errors.Is(err, ErrAuthRejected) || errors.Is(err, auth.ErrAuthFailure) {
			authFailures++
			forceRefresh = true
			s.logger.Warn("authentication rejected",
				"failures", authFailures,
				"max", s.cfg.MaxAuthFailures,
				"error", err,
			)
			if authFailures >= s.cfg.MaxAuthFailures {
				s.emit(Status{State: StateAuthFailedFatal, Attempt: attempt, Error: errString(err)})
				s.logger.Error("giving up after repeated authentication failures", "failures", authFailures)
				return ErrRequiresReauthentication
			}
			s.emit(Status{State: StateAuthFailed, Attempt: attempt, Error: errString(err)})
		} else if err != nil {
			s.logger.Warn("feed connection lost", "attempt", attempt, "error", err)
		}

		delay := eb.NextBackOff()
		s.emit(Status{State: StateReconnecting, Attempt: attempt, RetryInMs: delay.Milliseconds()})
		s.logger.Debug("waiting before reconnect", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.stopped()
		case <-timer.C:
		}
	}
}

// token returns a usable access token, refreshing when the cached one is
// missing, expired, or was just rejected.
func (s *Supervisor) token(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if tok, err := s.tokens.CurrentToken(); err == nil {
			return tok, nil
		}
	}
	tok, err := s.tokens.Refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}

// connect dials the feed and pumps frames until the connection ends. It
// returns the number of frames the connection delivered.
func (s *Supervisor) connect(ctx context.Context, token string) (int, error) {
	target, err := s.dialURL(token)
	if err != nil {
		return 0, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	// nolint:bodyclose
	conn, res, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
	})
	cancel()
	if err != nil {
		if res != nil && (res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden) {
			return 0, fmt.Errorf("%w: handshake status %d", ErrAuthRejected, res.StatusCode)
		}
		return 0, fmt.Errorf("dialing feed: %w", err)
	}
	defer conn.CloseNow()

	if s.cfg.ReadLimit > 0 {
		conn.SetReadLimit(s.cfg.ReadLimit)
	}

	gen := s.generation.Add(1)
	s.emit(Status{State: StateConnected, Generation: gen})
	s.logger.Info("connected to feed", "generation", gen)

	frames := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return frames, ctx.Err()
			}
			switch code := websocket.CloseStatus(err); code {
			case CloseTokenInvalid, CloseForbidden:
				return frames, fmt.Errorf("%w: close code %d", ErrAuthRejected, code)
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return frames, fmt.Errorf("feed closed by upstream: %w", err)
			}
			return frames, fmt.Errorf("reading feed: %w", err)
		}

		if err := s.handle(ctx, gen, data); err != nil {
			if errors.Is(err, feed.ErrUpstreamAuth) {
				_ = conn.Close(websocket.StatusNormalClosure, "reauthenticating")
				return frames, fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			if ctx.Err() != nil {
				return frames, ctx.Err()
			}
			s.logger.Debug("frame discarded", "generation", gen, "error", err)
		}
		frames++
	}
}

func (s *Supervisor) dialURL(token string) (string, error) {
	u, err := url.Parse(s.cfg.FeedURL)
	if err != nil {
		return "", fmt.Errorf("parsing feed url: %w", err)
	}
	q := u.Query()
	q.Set(s.cfg.TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Supervisor) stopped() error {
	s.emit(Status{State: StateStopped, Generation: s.Generation()})
	s.logger.Info("feed supervisor stopped")
	return nil
}

func (s *Supervisor) emit(st Status) {
	st.At = s.cfg.Now()
	s.status(st)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
