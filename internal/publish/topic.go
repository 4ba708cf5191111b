// ABOUTME: Generic in-memory fan-out used by the publisher for views, alerts and status
// ABOUTME: Sends never block the writer: full channels either drop or keep only the latest value

package publish

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// topic is one fan-out channel set.
type topic[T any] struct {
	name   string
	buffer int
	// latestWins replaces the oldest buffered value instead of dropping the new one.
	latestWins bool
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription[T]
	closed bool
	done   chan struct{}
}

type subscription[T any] struct {
	ch chan T
	// stop ends the watcher goroutine on explicit unsubscribe.
	stop chan struct{}
}

func newTopic[T any](name string, buffer int, latestWins bool, logger *slog.Logger) *topic[T] {
	return &topic[T]{
		name:       name,
		buffer:     buffer,
		latestWins: latestWins,
		logger:     logger,
		subs:       make(map[string]*subscription[T]),
		done:       make(chan struct{}),
	}
}

// subscribe registers a channel primed with the value prime returns, if any.
// prime runs under the topic lock so no publish can slip between the two.
// The subscription is removed when ctx is cancelled.
func (t *topic[T]) subscribe(ctx context.Context, prime func() *T) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, t.buffer)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if prime != nil {
		if v := prime(); v != nil {
			ch <- *v
		}
	}
	sub := &subscription[T]{ch: ch, stop: make(chan struct{})}
	t.subs[subID] = sub
	t.mu.Unlock()

	t.logger.Debug("subscriber added", "topic", t.name, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			t.unsubscribe(subID)
		case <-sub.stop:
		case <-t.done:
		}
	}()

	return ch, subID
}

// publish delivers v to every subscriber without blocking.
func (t *topic[T]) publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, sub := range t.subs {
		ch := sub.ch
		select {
		case ch <- v:
			continue
		default:
		}

		if !t.latestWins {
			t.logger.Debug("dropped value for slow subscriber", "topic", t.name, "sub_id", id)
			continue
		}
		// Drop the oldest queued value and retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

func (t *topic[T]) unsubscribe(subID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sub, ok := t.subs[subID]
	if !ok {
		return false
	}
	delete(t.subs, subID)
	close(sub.stop)
	close(sub.ch)
	t.logger.Debug("subscriber removed", "topic", t.name, "sub_id", subID)
	return true
}

func (t *topic[T]) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *topic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	close(t.done)
	for id, sub := range t.subs {
		close(sub.ch)
		delete(t.subs, id)
	}
}
