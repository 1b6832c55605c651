// Package eventbus fans out tunnel lifecycle events to every subscriber --
// chiefly the control API's /ws/events handler, one subscription per
// connected websocket client (spec C3). The map guarded by a sync.Mutex
// follows the teacher's terminal.Service session registry; what's new here
// is the bounded per-subscriber channel and non-blocking publish a
// multi-subscriber fan-out needs that a single wails emitter never did.
package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"tunnelgate/internal/model"
	"tunnelgate/pkg/safego"
)

// subscriberBuffer is the per-subscriber channel capacity (spec §4.3). A
// subscriber that falls this far behind is evicted rather than allowed to
// stall publishers.
const subscriberBuffer = 256

// pingInterval is how often idle subscribers receive a heartbeat event, so
// a client (and any intermediate proxy) can tell the stream is still alive.
const pingInterval = 30 * time.Second

// Bus is the Event Bus: an in-process pub/sub fan-out of model.Event values.
type Bus struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[int]chan model.Event
	next int
}

// New creates an empty Bus and starts its heartbeat loop. ctx's cancellation
// stops the heartbeat and closes every subscriber channel.
func New(ctx context.Context, logger *log.Logger) *Bus {
	b := &Bus{
		logger: logger,
		subs:   make(map[int]chan model.Event),
	}
	safego.Go(logger, func() { b.heartbeatLoop(ctx) })
	return b
}

// Subscribe registers a new subscriber and returns its event channel plus an
// unsubscribe function. The caller must drain the channel until either it is
// closed or unsubscribe is called.
func (b *Bus) Subscribe() (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan model.Event, subscriberBuffer)
	b.subs[id] = ch

	return ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish broadcasts evt to every current subscriber without blocking. A
// subscriber whose buffer is full is evicted rather than allowed to stall
// the publisher (spec §4.3's slow-consumer policy).
func (b *Bus) Publish(evt model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Printf("warning: event subscriber %d fell behind, evicting", id)
			delete(b.subs, id)
			close(ch)
		}
	}
}

// PublishTunnelEvent is a convenience wrapper building the common envelope
// shape: type, serverId, and a flat field set.
func (b *Bus) PublishTunnelEvent(typ model.EventType, serverID string, fields map[string]any, now time.Time) {
	b.Publish(model.Event{
		Type:      typ,
		Timestamp: now,
		ServerID:  serverID,
		Fields:    fields,
	})
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case t := <-ticker.C:
			b.Publish(model.Event{Type: model.EventPing, Timestamp: t})
		}
	}
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
