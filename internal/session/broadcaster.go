package session

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Sink receives session snapshots. A non-nil error reports a delivery
// failure and removes the subscription.
type Sink func(Snapshot) error

// sinkBuffer is the number of undelivered snapshots a subscriber may lag
// behind before it is treated as failed.
const sinkBuffer = 16

// Broadcaster fans out session snapshots to registered subscribers. Each
// subscriber gets its own delivery goroutine so a slow or failing sink never
// blocks the others, while deliveries to a single sink stay in publish
// order.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
	logger *slog.Logger
}

type subscriber struct {
	ch chan Snapshot
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a sink and returns its subscription ID. The current
// snapshot is queued for the new sink before any subsequent publish;
// delivery itself is asynchronous but always ordered, so the sink sees the
// initial snapshot first.
func (b *Broadcaster) Subscribe(current Snapshot, sink Sink) string {
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Snapshot, sinkBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return id
	}
	b.subs[id] = sub
	// Queue the initial snapshot while holding the lock so no publish can
	// slip in ahead of it.
	sub.ch <- current
	b.mu.Unlock()

	go b.pump(id, sub, sink)

	return id
}

// pump delivers snapshots to a single sink until the subscription ends or
// the sink fails.
func (b *Broadcaster) pump(id string, sub *subscriber, sink Sink) {
	for snapshot := range sub.ch {
		if err := sink(snapshot); err != nil {
			b.logger.Debug("Removing subscriber after delivery failure",
				"subscription_id", id,
				"error", err.Error(),
			)
			b.Unsubscribe(id)
			return
		}
	}
}

// Publish delivers a snapshot to every subscriber. A subscriber whose
// buffer is full is removed rather than allowed to block the rest.
func (b *Broadcaster) Publish(snapshot Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		select {
		case sub.ch <- snapshot:
		default:
			b.logger.Warn("Removing subscriber with full delivery buffer",
				"subscription_id", id,
			)
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}

// Unsubscribe removes a subscription. Unknown or already-removed IDs are
// ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Len returns the number of active subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes all subscriptions and rejects future ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
