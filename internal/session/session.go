// ABOUTME: Tracking session: one supervisor, one store, one publisher and a single writer goroutine
// ABOUTME: Frames are decoded on the receive loop and applied strictly in arrival order

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fieldtrack/internal/auth"
	"github.com/2389/fieldtrack/internal/feed"
	"github.com/2389/fieldtrack/internal/metrics"
	"github.com/2389/fieldtrack/internal/publish"
	"github.com/2389/fieldtrack/internal/stream"
	"github.com/2389/fieldtrack/internal/tracking"
)

const defaultFrameBuffer = 256

// Session errors
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// Config configures a Session.
type Config struct {
	Stream   stream.Config
	Tracking tracking.Options
	// FrameBuffer is the queue between the receive loop and the writer.
	FrameBuffer int
	// StaleCheckInterval is how often absent agents are flagged. Zero
	// disables the check; it also needs Tracking.StaleAfter.
	StaleCheckInterval time.Duration
	Metrics            *metrics.Metrics
	Logger             *slog.Logger
}

type frameMsg struct {
	generation uint64
	batch      feed.Batch
}

// Session is one lifetime of active tracking, from Start to Stop.
type Session struct {
	id      string
	cfg     Config
	store   *tracking.Store
	pub     *publish.Publisher
	sup     *stream.Supervisor
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	frames chan frameMsg
	resets chan chan struct{}

	mu         sync.Mutex
	running    bool
	stopped    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	writerDone chan struct{}
	supErr     error

	// applyMu makes Stop and the writer's apply step mutually exclusive.
	applyMu    sync.Mutex
	applyGuard bool
}

// New creates a session. Nothing connects until Start.
func New(cfg Config, tokens auth.Provider) *Session {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracking.Logger == nil {
		cfg.Tracking.Logger = cfg.Logger
	}
	now := cfg.Tracking.Now
	if now == nil {
		now = time.Now
	}

	id := uuid.New().String()
	logger := cfg.Logger.With("component", "session", "session_id", id)

	s := &Session{
		id:         id,
		cfg:        cfg,
		store:      tracking.NewStore(cfg.Tracking),
		pub:        publish.New(cfg.Logger),
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        now,
		frames:     make(chan frameMsg, cfg.FrameBuffer),
		resets:     make(chan chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.sup = stream.New(cfg.Stream, tokens, s.handleFrame, s.handleStatus, cfg.Logger)
	s.pub.Publish(s.store.Snapshot())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Publisher returns the consumer-facing side of the session.
func (s *Session) Publisher() *publish.Publisher { return s.pub }

// Start launches the writer and the feed supervisor. It returns immediately;
// the session runs until Stop or until ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(s.writerDone)
		s.writer(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		err := s.sup.Run(runCtx)
		if err != nil {
			s.logger.Error("feed supervisor exited", "error", err)
		}
		s.mu.Lock()
		s.supErr = err
		s.mu.Unlock()
	}()

	s.logger.Info("session started")
	return nil
}

// Stop cancels the receive loop, any pending backoff and any in-flight
// token refresh, then waits for the writer to exit. No frame is applied
// after Stop begins. Every agent record is discarded and subscribers see a
// final empty view before their channels close. Calling Stop more than once
// is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	s.applyMu.Lock()
	s.applyGuard = true
	s.applyMu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.resetNow()
	s.pub.Close()
	s.logger.Info("session stopped")
}

// Err returns why the supervisor gave up, or nil while it is running or
// after a clean stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.supErr
}

// Reset forgets every agent's history. While running, the reset is queued
// behind frames already handed to the writer.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		s.resetNow()
		return nil
	}

	done := make(chan struct{})
	select {
	case s.resets <- done:
	case <-s.writerDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFrame runs on the supervisor's receive loop.
func (s *Session) handleFrame(ctx context.Context, generation uint64, raw []byte) error {
	batch, err := feed.Decode(raw)
	if err != nil {
		if feed.IsAuthError(err) {
			s.metrics.FrameReceived(metrics.FrameAuthError)
			return err
		}
		s.metrics.FrameReceived(metrics.FrameInvalid)
		s.logger.Warn("discarding malformed frame", "generation", generation, "error", err)
		s.pub.PublishStatus(stream.Status{
			State:      stream.StateConnected,
			Generation: generation,
			Error:      err.Error(),
			At:         s.now(),
		})
		return err
	}
	batch.ReceivedAt = s.now()

	select {
	case s.frames <- frameMsg{generation: generation, batch: batch}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) handleStatus(st stream.Status) {
	switch st.State {
	case stream.StateConnected:
		s.metrics.SetConnected(true)
	case stream.StateDisconnected, stream.StateStopped:
		s.metrics.SetConnected(false)
	case stream.StateReconnecting:
		s.metrics.Reconnect()
	case stream.StateAuthFailed, stream.StateAuthFailedFatal:
		s.metrics.AuthFailure()
	}
	s.pub.PublishStatus(st)
}

// writer is the only goroutine that mutates the store while running.
func (s *Session) writer(ctx context.Context) {
	var staleC <-chan time.Time
	if s.cfg.StaleCheckInterval > 0 && s.cfg.Tracking.StaleAfter > 0 {
		ticker := time.NewTicker(s.cfg.StaleCheckInterval)
		defer ticker.Stop()
		staleC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.frames:
			s.apply(msg)
		case done := <-s.resets:
			s.resetNow()
			close(done)
		case <-staleC:
			s.markStale()
		}
	}
}

func (s *Session) apply(msg frameMsg) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.applyGuard {
		return
	}

	if current := s.sup.Generation(); msg.generation < current {
		s.metrics.FrameReceived(metrics.FrameStale)
		s.logger.Debug("discarding frame from previous connection",
			"generation", msg.generation,
			"current", current,
		)
		return
	}

	start := time.Now()
	res := s.store.ApplyBatch(msg.batch)
	s.metrics.ObserveApply(time.Since(start))
	s.metrics.FrameReceived(metrics.FrameApplied)

	for _, err := range msg.batch.Rejected {
		s.logger.Warn("skipped malformed snapshot", "error", err)
	}
	for _, err := range res.Rejected {
		s.logger.Warn("snapshot not applied to path", "error", err)
	}
	s.metrics.SnapshotsRejected(len(msg.batch.Rejected) + len(res.Rejected))
	s.metrics.Alert(metrics.AlertRaised, len(res.Raised))
	s.metrics.Alert(metrics.AlertCleared, len(res.Cleared))

	s.publishView()
	for _, ev := range res.Raised {
		s.pub.PublishAlert(ev)
	}
	// A good frame supersedes an earlier decode error on the same connection.
	s.pub.ClearStatusError(msg.generation, s.now())
}


func (s *Session) resetNow() {
	s.store.Reset()
	s.publishView()
}

func (s *Session) markStale() {
	ids := s.store.MarkStale(s.now())
	if len(ids) == 0 {
		return
	}
	s.logger.Info("agents went stale", "agent_ids", ids)
	s.publishView()
}

func (s *Session) publishView() {
	v := s.store.Snapshot()
	s.metrics.SetAgents(len(v.Agents), v.AlertCount())
	s.pub.Publish(v)
}
