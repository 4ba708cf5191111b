// ABOUTME: SnapshotPublisher: hands immutable agent views to consumers by push or poll
// ABOUTME: Also carries stationary alerts and connectivity status on separate channels

package publish

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/fieldtrack/internal/stream"
	"github.com/2389/fieldtrack/internal/tracking"
)

const (
	// viewBufferSize is 1: a subscriber only ever needs the newest view.
	viewBufferSize   = 1
	alertBufferSize  = 64
	statusBufferSize = 16
)

// Publisher decouples the store's write cadence from consumer reads. All
// methods are safe for concurrent use; Publish never blocks on subscribers.
type Publisher struct {
	latest atomic.Pointer[tracking.View]
	status atomic.Pointer[stream.Status]
	// statusMu keeps LastStatus and the order seen by subscribers in step.
	statusMu sync.Mutex

	views    *topic[tracking.View]
	alerts   *topic[tracking.AlertEvent]
	statuses *topic[stream.Status]

	logger *slog.Logger
}

// New creates a publisher. Pass nil logger for default.
func New(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "publisher")
	return &Publisher{
		views:    newTopic[tracking.View]("views", viewBufferSize, true, logger),
		alerts:   newTopic[tracking.AlertEvent]("alerts", alertBufferSize, false, logger),
		statuses: newTopic[stream.Status]("status", statusBufferSize, true, logger),
		logger:   logger,
	}
}

// Publish stores v as the latest view and pushes it to subscribers.
// Slow subscribers skip intermediate views.
func (p *Publisher) Publish(v tracking.View) {
	p.latest.Store(&v)
	p.views.publish(v)
}

// Poll returns the latest view without blocking. Before the first Publish it
// returns an empty view.
func (p *Publisher) Poll() tracking.View {
	if v := p.latest.Load(); v != nil {
		return *v
	}
	return tracking.View{}
}

// Subscribe returns a channel of views, starting with the current one if
// any. The channel is closed on Unsubscribe, ctx cancellation or Close.
func (p *Publisher) Subscribe(ctx context.Context) (<-chan tracking.View, string) {
	return p.views.subscribe(ctx, p.latest.Load)
}

// SubscribeFunc calls fn with every view a subscription receives, on its own
// goroutine, until the subscription ends.
func (p *Publisher) SubscribeFunc(ctx context.Context, fn func(tracking.View)) string {
	ch, id := p.Subscribe(ctx)
	go func() {
		for v := range ch {
			fn(v)
		}
	}()
	return id
}

// Unsubscribe ends any subscription, whatever channel it was made on.
func (p *Publisher) Unsubscribe(subID string) {
	if p.views.unsubscribe(subID) {
		return
	}
	if p.alerts.unsubscribe(subID) {
		return
	}
	p.statuses.unsubscribe(subID)
}

// PublishAlert pushes a stationary alert. Alerts are dropped for subscribers
// whose buffer is full.
func (p *Publisher) PublishAlert(ev tracking.AlertEvent) {
	p.alerts.publish(ev)
}

// Alerts subscribes to stationary alerts raised after the call.
func (p *Publisher) Alerts(ctx context.Context) (<-chan tracking.AlertEvent, string) {
	return p.alerts.subscribe(ctx, nil)
}

// PublishStatus records and pushes a connectivity event.
func (p *Publisher) PublishStatus(s stream.Status) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.status.Store(&s)
	p.statuses.publish(s)
}

// ClearStatusError republishes the last status without its Error, but only
// while it is still the connected event of the given generation.
func (p *Publisher) ClearStatusError(generation uint64, at time.Time) bool {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	cur := p.status.Load()
	if cur == nil || cur.State != stream.StateConnected || cur.Error == "" || cur.Generation != generation {
		return false
	}
	next := *cur
	next.Error = ""
	next.At = at
	p.status.Store(&next)
	p.statuses.publish(next)
	return true
}

// LastStatus returns the most recent connectivity event.
func (p *Publisher) LastStatus() (stream.Status, bool) {
	if s := p.status.Load(); s != nil {
		return *s, true
	}
	return stream.Status{}, false
}

// Status subscribes to connectivity events, starting with the last one.
func (p *Publisher) Status(ctx context.Context) (<-chan stream.Status, string) {
	return p.statuses.subscribe(ctx, p.status.Load)
}

// Subscribers returns the number of live view subscriptions.
func (p *Publisher) Subscribers() int {
	return p.views.count()
}

// Close ends every subscription. Publishing after Close is a no-op for
// subscribers; Poll and LastStatus keep working.
func (p *Publisher) Close() {
	p.views.close()
	p.alerts.close()
	p.statuses.close()
	p.logger.Debug("publisher closed")
}
