// Package broadcast fans state changes out to websocket observers with
// independent delivery cursors. Publishing never blocks: slow observers get
// their pending seek ticks coalesced and, past a bound, their whole backlog
// collapsed into one fresh snapshot.
package broadcast

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/jdrivas/roon-rd/internal/metrics"
)

// DefaultQueueDepth bounds an observer's pending backlog before it is
// collapsed to a snapshot.
const DefaultQueueDepth = 64

// SnapshotFunc produces a full-state message for observer bootstrap and for
// backlog collapse. Supplied by the state syncer.
type SnapshotFunc func() Message

// Broadcaster delivers messages to registered observers.
type Broadcaster struct {
	snapshot   SnapshotFunc
	queueDepth int

	mu        sync.RWMutex
	observers map[string]*observer
	closed    bool
}

type observer struct {
	id string
	ch chan Message

	mu      sync.Mutex
	pending []Message
	wake    chan struct{}
	done    chan struct{}
}

// New creates a broadcaster. queueDepth <= 0 selects DefaultQueueDepth.
func New(snapshot SnapshotFunc, queueDepth int) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Broadcaster{
		snapshot:   snapshot,
		queueDepth: queueDepth,
		observers:  make(map[string]*observer),
	}
}

// Register adds an observer. Its first delivered message is always a full
// snapshot, so there is no bootstrap gap between the snapshot read and the
// first incremental update.
func (b *Broadcaster) Register() (string, <-chan Message) {
	obs := &observer{
		id:   uuid.NewString(),
		ch:   make(chan Message, 1),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(obs.ch)
		return obs.id, obs.ch
	}
	// Snapshot capture and map insertion share the lock Publish contends
	// on: anything published before the snapshot is reflected in it, and
	// anything published after reaches the observer's pending queue.
	obs.pending = []Message{b.snapshot()}
	b.observers[obs.id] = obs
	b.mu.Unlock()

	metrics.Observers.Inc()
	go obs.pump()
	obs.wakeup()
	return obs.id, obs.ch
}

// Unregister removes an observer and closes its channel. Safe to call for
// ids that are already gone.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	obs, ok := b.observers[id]
	if ok {
		delete(b.observers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(obs.done)
	metrics.Observers.Dec()
}

// Publish enqueues msg for every observer without blocking the caller.
func (b *Broadcaster) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, obs := range b.observers {
		b.enqueue(obs, msg)
	}
}

// ObserverCount reports how many observers are registered.
func (b *Broadcaster) ObserverCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.observers)
}

// Close unregisters every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	observers := b.observers
	b.observers = make(map[string]*observer)
	b.closed = true
	b.mu.Unlock()
	for _, obs := range observers {
		close(obs.done)
		metrics.Observers.Dec()
	}
}

// enqueue applies the per-observer drop policy:
//   - a seek tick supersedes any pending seek tick for the same zone;
//   - hitting the backlog bound collapses everything into one snapshot, so
//     structural changes are never silently lost; the observer converges by
//     full replace instead.
func (b *Broadcaster) enqueue(obs *observer, msg Message) {
	obs.mu.Lock()
	if msg.droppable() {
		for i := len(obs.pending) - 1; i >= 0; i-- {
			p := obs.pending[i]
			if p.Kind == KindSeek && p.Seek != nil && msg.Seek != nil && p.Seek.ZoneID == msg.Seek.ZoneID {
				// Drop the stale tick; the new one is appended at the tail so
				// it cannot overtake structural messages queued behind it.
				obs.pending = append(obs.pending[:i], obs.pending[i+1:]...)
				metrics.MessagesCoalesced.WithLabelValues("seek").Inc()
				break
			}
		}
	}

	if len(obs.pending) >= b.queueDepth {
		log.Printf("BROADCAST: observer %s backlog full (%d), collapsing to snapshot", obs.id, len(obs.pending))
		obs.pending = obs.pending[:0]
		obs.pending = append(obs.pending, b.snapshot())
		obs.mu.Unlock()
		obs.wakeup()
		metrics.MessagesCoalesced.WithLabelValues("overflow_snapshot").Inc()
		return
	}

	obs.pending = append(obs.pending, msg)
	obs.mu.Unlock()
	obs.wakeup()
}

func (o *observer) wakeup() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// pump moves pending messages into the observer's channel. A consumer that
// never drains stalls only its own pump; Publish keeps appending to the
// bounded backlog.
func (o *observer) pump() {
	defer close(o.ch)
	for {
		o.mu.Lock()
		var msg Message
		have := len(o.pending) > 0
		if have {
			msg = o.pending[0]
			o.pending = o.pending[1:]
		}
		o.mu.Unlock()

		if !have {
			select {
			case <-o.wake:
				continue
			case <-o.done:
				return
			}
		}

		select {
		case o.ch <- msg:
		case <-o.done:
			return
		}
	}
}
