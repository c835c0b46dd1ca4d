package server

import (
	"context"
	"sync"

	"github.com/vittorioscocca/kidbox-sync/internal/remote"
)

// Dispatcher fans realtime change batches out to the SSE subscribers of a
// (family, kind) query.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan remote.ChangeBatch
}

// NewDispatcher constructs a realtime dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

func topicKey(familyID, kind string) string {
	return familyID + "/" + kind
}

// Subscribe attaches a change stream for one (family, kind) query. The
// stream detaches when the context ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, familyID, kind string) (<-chan remote.ChangeBatch, func()) {
	if familyID == "" || kind == "" {
		ch := make(chan remote.ChangeBatch)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan remote.ChangeBatch, d.bufferSize),
	}
	topic := topicKey(familyID, kind)
	d.register(topic, entry)
	cleanup := func() {
		d.unregister(topic, entry.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers a change batch to every subscriber of the (family, kind)
// query. Slow subscribers are skipped rather than blocked on.
func (d *Dispatcher) Publish(familyID, kind string, batch remote.ChangeBatch) {
	if familyID == "" || kind == "" || batch.Empty() {
		return
	}
	topic := topicKey(familyID, kind)
	d.mu.RLock()
	entries := d.subscribers[topic]
	if len(entries) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(entries))
	for _, entry := range entries {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- batch:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][entry.id] = entry
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	entries := d.subscribers[topic]
	if entries != nil {
		delete(entries, subscriberID)
		if len(entries) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
