package state

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jdrivas/roon-rd/internal/metrics"
)

var (
	// ErrSuperseded is returned to a queue requester whose target zone was
	// replaced by a later request before the subscription settled.
	ErrSuperseded = errors.New("queue request superseded by a later request")
	// ErrDisconnected is returned to waiters when the core session drops.
	ErrDisconnected = errors.New("core disconnected")
	// ErrSubscriptionFailed is returned after the core rejected a subscribe
	// and its single retry.
	ErrSubscriptionFailed = errors.New("queue subscription failed")
)

// subscribeSink is the slice of the session the manager drives.
type subscribeSink interface {
	SubscribeQueue(ctx context.Context, zoneID string, maxItems int) (string, error)
	UnsubscribeQueue(ctx context.Context, handle string) (string, error)
}

type subState int

const (
	subIdle subState = iota
	subPending       // subscribe sent, awaiting ack or failure
	subActive        // subscription live
	subUnsubscribing // unsubscribe sent, awaiting ack or deadline
)

func (s subState) String() string {
	switch s {
	case subIdle:
		return "idle"
	case subPending:
		return "pending"
	case subActive:
		return "active"
	case subUnsubscribing:
		return "unsubscribing"
	}
	return "unknown"
}

// switchTarget is a queued transition: the zone to subscribe next (empty for
// a plain release) and the callers waiting on it.
type switchTarget struct {
	zoneID  string
	waiters []chan error
}

// SubscriptionManager owns the single queue subscription the core session
// supports. All transitions are serialized through the syncer goroutine, so
// the manager carries no lock; two outstanding subscribe handles is a state
// it structurally cannot reach. Zone switches wait for the prior unsubscribe
// ack, bounded by ackTimeout, before the next subscribe goes out.
type SubscriptionManager struct {
	sink       subscribeSink
	maxItems   int
	ackTimeout time.Duration
	now        func() time.Time

	state     subState
	zoneID    string // zone of the pending/active subscription
	requestID string // outstanding subscribe/unsubscribe request id
	handle    string // core-assigned handle while Active/Unsubscribing
	retried   bool   // the current subscribe has used its single retry
	deadline  time.Time

	waiters []chan error  // callers awaiting the current subscription
	next    *switchTarget // queued switch while pending/unsubscribing
}

// NewSubscriptionManager creates the manager. ackTimeout bounds the wait for
// an unsubscribe acknowledgment before the next subscribe proceeds.
func NewSubscriptionManager(sink subscribeSink, maxItems int, ackTimeout time.Duration) *SubscriptionManager {
	if maxItems <= 0 {
		maxItems = 100
	}
	if ackTimeout <= 0 {
		ackTimeout = 2 * time.Second
	}
	return &SubscriptionManager{
		sink:       sink,
		maxItems:   maxItems,
		ackTimeout: ackTimeout,
		now:        time.Now,
	}
}

// ActiveZone returns the zone whose subscription is live, or "" when none.
// Queue events arriving while this is empty have nowhere to go.
func (m *SubscriptionManager) ActiveZone() string {
	if m.state == subActive {
		return m.zoneID
	}
	return ""
}

// Deadline returns the unsubscribe-ack deadline, or zero when no timer is
// needed. The syncer arms its timer from this after every transition.
func (m *SubscriptionManager) Deadline() time.Time {
	if m.state == subUnsubscribing {
		return m.deadline
	}
	return time.Time{}
}

// Request asks for zoneID's queue. reply receives nil once the queue is
// resident (first snapshot after ack), or the terminal error. Must be called
// from the syncer goroutine.
func (m *SubscriptionManager) Request(ctx context.Context, zoneID string, reply chan error) {
	switch m.state {
	case subIdle:
		m.zoneID = zoneID
		m.waiters = append(m.waiters, reply)
		m.subscribe(ctx)

	case subPending:
		if zoneID == m.zoneID {
			m.waiters = append(m.waiters, reply)
			return
		}
		// Queue the switch; never issue a second subscribe while one is in
		// flight.
		log.Printf("QUEUE: switch to %s queued behind pending subscribe for %s", zoneID, m.zoneID)
		m.queueSwitch(zoneID, reply)

	case subActive:
		if zoneID == m.zoneID {
			reply <- nil
			return
		}
		m.queueSwitch(zoneID, reply)
		m.startUnsubscribe(ctx)

	case subUnsubscribing:
		if m.next != nil && m.next.zoneID == zoneID {
			m.next.waiters = append(m.next.waiters, reply)
			return
		}
		m.queueSwitch(zoneID, reply)
	}
}

// Release cancels the subscription, if any. reply may be nil.
func (m *SubscriptionManager) Release(ctx context.Context, reply chan error) {
	switch m.state {
	case subIdle:
		if reply != nil {
			reply <- nil
		}
	case subActive:
		m.queueSwitch("", reply)
		m.startUnsubscribe(ctx)
	default:
		// Pending or already unsubscribing: park the release behind the
		// in-flight transition.
		m.queueSwitch("", reply)
	}
}

// HandleAck processes a subscription acknowledgment from the core.
func (m *SubscriptionManager) HandleAck(ctx context.Context, requestID, handle string) {
	if requestID != m.requestID {
		log.Printf("QUEUE: stale ack for request %s (state %s), ignoring", requestID, m.state)
		return
	}

	switch m.state {
	case subPending:
		m.state = subActive
		m.handle = handle
		m.retried = false
		log.Printf("QUEUE: subscription active for zone %s (handle %s)", m.zoneID, handle)
		if m.next != nil {
			// A switch arrived while this subscribe was in flight: its
			// waiters lost the race, and the subscription moves on.
			m.failWaiters(ErrSuperseded)
			m.startUnsubscribe(ctx)
		}

	case subUnsubscribing:
		log.Printf("QUEUE: unsubscribe acknowledged for zone %s", m.zoneID)
		m.finishUnsubscribe(ctx)

	default:
		log.Printf("QUEUE: unexpected ack in state %s, ignoring", m.state)
	}
}

// HandleFailed processes a subscribe/unsubscribe rejection. A rejected
// subscribe gets exactly one retry before the error is surfaced.
func (m *SubscriptionManager) HandleFailed(ctx context.Context, requestID, reason string) {
	if requestID != m.requestID {
		log.Printf("QUEUE: stale failure for request %s, ignoring", requestID)
		return
	}

	switch m.state {
	case subPending:
		if !m.retried {
			log.Printf("QUEUE: subscribe for zone %s failed (%s), retrying once", m.zoneID, reason)
			m.retried = true
			m.subscribe(ctx)
			return
		}
		log.Printf("QUEUE: subscribe for zone %s failed after retry: %s", m.zoneID, reason)
		m.failWaiters(fmt.Errorf("%w: %s", ErrSubscriptionFailed, reason))
		m.toIdle()
		m.startNext(ctx)

	case subUnsubscribing:
		// The core refused the unsubscribe; the handle is gone either way.
		log.Printf("QUEUE: unsubscribe for zone %s failed (%s), proceeding", m.zoneID, reason)
		m.finishUnsubscribe(ctx)

	default:
		log.Printf("QUEUE: unexpected failure in state %s, ignoring", m.state)
	}
}

// HandleQueueResident is called by the syncer when the first queue snapshot
// for the active subscription lands in the cache; it releases waiters.
func (m *SubscriptionManager) HandleQueueResident() {
	if m.state != subActive {
		return
	}
	for _, w := range m.waiters {
		w <- nil
	}
	m.waiters = nil
}

// Expire fires the unsubscribe-ack timeout: proceed without the ack rather
// than stalling the switch forever.
func (m *SubscriptionManager) Expire(ctx context.Context, now time.Time) {
	if m.state != subUnsubscribing || now.Before(m.deadline) {
		return
	}
	log.Printf("QUEUE: unsubscribe ack timeout for zone %s after %s, proceeding", m.zoneID, m.ackTimeout)
	m.finishUnsubscribe(ctx)
}

// Reset drops all subscription state without protocol messages; the session
// is gone. Waiters are failed with ErrDisconnected.
func (m *SubscriptionManager) Reset() {
	m.failWaiters(ErrDisconnected)
	if m.next != nil {
		for _, w := range m.next.waiters {
			if w != nil {
				w <- ErrDisconnected
			}
		}
		m.next = nil
	}
	m.toIdle()
}

func (m *SubscriptionManager) queueSwitch(zoneID string, reply chan error) {
	if m.next != nil {
		for _, w := range m.next.waiters {
			if w != nil {
				w <- ErrSuperseded
			}
		}
	}
	m.next = &switchTarget{zoneID: zoneID}
	if reply != nil {
		m.next.waiters = append(m.next.waiters, reply)
	}
}

func (m *SubscriptionManager) subscribe(ctx context.Context) {
	requestID, err := m.sink.SubscribeQueue(ctx, m.zoneID, m.maxItems)
	if err != nil {
		if !m.retried {
			m.retried = true
			m.subscribe(ctx)
			return
		}
		log.Printf("QUEUE: subscribe call for zone %s failed after retry: %v", m.zoneID, err)
		m.failWaiters(fmt.Errorf("%w: %v", ErrSubscriptionFailed, err))
		m.toIdle()
		m.startNext(ctx)
		return
	}
	m.state = subPending
	m.requestID = requestID
	metrics.SubscriptionSwitches.Inc()
}

func (m *SubscriptionManager) startUnsubscribe(ctx context.Context) {
	requestID, err := m.sink.UnsubscribeQueue(ctx, m.handle)
	if err != nil {
		// Can't even send the unsubscribe; treat the handle as dead and move
		// straight to the next target.
		log.Printf("QUEUE: unsubscribe call for zone %s failed: %v", m.zoneID, err)
		m.finishUnsubscribe(ctx)
		return
	}
	m.state = subUnsubscribing
	m.requestID = requestID
	m.deadline = m.now().Add(m.ackTimeout)
}

// finishUnsubscribe completes a teardown and starts the queued switch.
func (m *SubscriptionManager) finishUnsubscribe(ctx context.Context) {
	m.toIdle()
	m.startNext(ctx)
}

func (m *SubscriptionManager) startNext(ctx context.Context) {
	next := m.next
	m.next = nil
	if next == nil {
		return
	}
	if next.zoneID == "" {
		for _, w := range next.waiters {
			if w != nil {
				w <- nil
			}
		}
		return
	}
	m.zoneID = next.zoneID
	m.waiters = next.waiters
	m.retried = false
	m.subscribe(ctx)
}

func (m *SubscriptionManager) failWaiters(err error) {
	for _, w := range m.waiters {
		if w != nil {
			w <- err
		}
	}
	m.waiters = nil
}

func (m *SubscriptionManager) toIdle() {
	m.state = subIdle
	m.zoneID = ""
	m.requestID = ""
	m.handle = ""
	m.retried = false
	m.deadline = time.Time{}
}
