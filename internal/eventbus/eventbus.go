// Package eventbus implements the per-symbol bounded FIFO queues that carry
// normalized market-data and account events from the StreamProvider to each
// symbol's worker.
//
// Ordering guarantee: per stream key, events are observed in enqueue order
// with strictly increasing SeqID. No ordering is guaranteed across keys.
package eventbus

import (
	"context"
	"errors"
	"sync"

	"marketmaker/pkg/core"
)

// ErrUnknownKey is returned when an operation targets a stream key that was
// never registered with NewBus.
var ErrUnknownKey = errors.New("eventbus: unknown stream key")

// ErrClosed is returned by Put against a closed queue, and by Get once a
// closed queue has been fully drained.
var ErrClosed = errors.New("eventbus: queue closed")

type queue struct {
	ch      chan core.Event
	closeCh chan struct{}

	mu      sync.Mutex
	lastSeq int64
	closed  bool
}

func newQueue(capacity int) *queue {
	return &queue{
		ch:      make(chan core.Event, capacity),
		closeCh: make(chan struct{}),
	}
}

func (q *queue) nextSeq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastSeq++
	return q.lastSeq
}

// Bus is a collection of per-stream-key bounded FIFOs. Keys are fixed at
// construction, mirroring the reference MultiEventBus which is built from a
// static list of symbols known at boot.
type Bus struct {
	queues map[string]*queue
}

// NewBus creates a bus with one bounded queue per stream key. capacity <= 0
// gives an unbuffered queue: every Put blocks until a Get takes its event.
func NewBus(streamKeys []string, capacity int) *Bus {
	if capacity < 0 {
		capacity = 0
	}
	b := &Bus{queues: make(map[string]*queue, len(streamKeys))}
	for _, key := range streamKeys {
		b.queues[key] = newQueue(capacity)
	}
	return b
}

// Put assigns the next sequence number for streamKey, timestamps the event
// with the current wall clock, and enqueues it. It blocks if the queue is
// full (natural backpressure) until space frees up, ctx is cancelled, or the
// queue is closed.
func (b *Bus) Put(ctx context.Context, streamKey, eventType string, payload any) (int64, error) {
	q, ok := b.queues[streamKey]
	if !ok {
		return 0, ErrUnknownKey
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, ErrClosed
	}
	seq := q.lastSeq + 1
	q.lastSeq = seq
	q.mu.Unlock()

	evt := core.Event{SeqID: seq, EventType: eventType, Data: payload, TsMs: core.NowMs()}

	select {
	case q.ch <- evt:
		return seq, nil
	case <-q.closeCh:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Get dequeues the next event for streamKey in FIFO order, suspending until
// one is available, ctx is cancelled, or the queue closes with nothing left
// buffered.
func (b *Bus) Get(ctx context.Context, streamKey string) (core.Event, error) {
	q, ok := b.queues[streamKey]
	if !ok {
		return core.Event{}, ErrUnknownKey
	}

	select {
	case evt := <-q.ch:
		return evt, nil
	case <-ctx.Done():
		return core.Event{}, ctx.Err()
	case <-q.closeCh:
		select {
		case evt := <-q.ch:
			return evt, nil
		default:
			return core.Event{}, ErrClosed
		}
	}
}

// Empty reports whether streamKey's queue currently has no buffered events.
// Like the reference asyncio.Queue.empty(), this is a point-in-time snapshot
// and can race with concurrent Put/Get.
func (b *Bus) Empty(streamKey string) (bool, error) {
	q, ok := b.queues[streamKey]
	if !ok {
		return false, ErrUnknownKey
	}
	return len(q.ch) == 0, nil
}

// Close marks streamKey's queue closed. Any Put blocked on it (or issued
// after) returns ErrClosed; Get drains what remains buffered before also
// returning ErrClosed. Close is idempotent.
func (b *Bus) Close(streamKey string) error {
	q, ok := b.queues[streamKey]
	if !ok {
		return ErrUnknownKey
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closeCh)
	return nil
}

// Keys returns the registered stream keys.
func (b *Bus) Keys() []string {
	keys := make([]string, 0, len(b.queues))
	for k := range b.queues {
		keys = append(keys, k)
	}
	return keys
}
