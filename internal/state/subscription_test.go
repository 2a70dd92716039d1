package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdrivas/roon-rd/internal/roon/roontest"
)

func newTestManager(t *testing.T) (*SubscriptionManager, *roontest.FakeSession) {
	t.Helper()
	sink := roontest.NewFakeSession()
	m := NewSubscriptionManager(sink, 100, 2*time.Second)
	return m, sink
}

// lastRequestID returns the request id of the most recent subscribe or
// unsubscribe call issued against the fake.
func lastRequestID(t *testing.T, sink *roontest.FakeSession) string {
	t.Helper()
	calls := sink.Calls()
	require.NotEmpty(t, calls)
	id, ok := calls[len(calls)-1].Args["request_id"].(string)
	require.True(t, ok)
	return id
}

func TestSubscriptionManager_RequestAckResident(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	reply := make(chan error, 1)
	m.Request(ctx, "z1", reply)
	require.Equal(t, []string{"subscribe_queue"}, sink.CallNames())
	require.Empty(t, m.ActiveZone(), "not active until acked")

	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	require.Equal(t, "z1", m.ActiveZone())
	require.Empty(t, reply, "waiter released by queue residency, not by the ack")

	m.HandleQueueResident()
	require.NoError(t, <-reply)
}

func TestSubscriptionManager_Request_SameZoneActiveIsImmediate(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	reply := make(chan error, 1)
	m.Request(ctx, "z1", reply)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	m.HandleQueueResident()
	<-reply

	again := make(chan error, 1)
	m.Request(ctx, "z1", again)
	require.NoError(t, <-again)
	// No second subscribe went out.
	require.Equal(t, []string{"subscribe_queue"}, sink.CallNames())
}

func TestSubscriptionManager_Request_SameZonePendingJoinsWaiters(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	first := make(chan error, 1)
	second := make(chan error, 1)
	m.Request(ctx, "z1", first)
	m.Request(ctx, "z1", second)
	require.Equal(t, []string{"subscribe_queue"}, sink.CallNames())

	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	m.HandleQueueResident()
	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestSubscriptionManager_SwitchWhilePending(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	replyA := make(chan error, 1)
	m.Request(ctx, "zoneA", replyA)
	subA := lastRequestID(t, sink)

	// A switch arrives before zoneA's ack: nothing new may go on the wire
	// while the first subscribe is in flight.
	replyB := make(chan error, 1)
	m.Request(ctx, "zoneB", replyB)
	require.Equal(t, []string{"subscribe_queue"}, sink.CallNames())

	// zoneA's ack lands: its waiters lost the race, and exactly one
	// unsubscribe goes out before the zoneB subscribe.
	m.HandleAck(ctx, subA, "handle-A")
	require.ErrorIs(t, <-replyA, ErrSuperseded)
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue"}, sink.CallNames())

	m.HandleAck(ctx, lastRequestID(t, sink), "")
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue", "subscribe_queue"}, sink.CallNames())

	m.HandleAck(ctx, lastRequestID(t, sink), "handle-B")
	require.Equal(t, "zoneB", m.ActiveZone())
	m.HandleQueueResident()
	require.NoError(t, <-replyB)
}

func TestSubscriptionManager_SwitchWhileActive(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	replyA := make(chan error, 1)
	m.Request(ctx, "zoneA", replyA)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-A")
	m.HandleQueueResident()
	<-replyA

	replyB := make(chan error, 1)
	m.Request(ctx, "zoneB", replyB)
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue"}, sink.CallNames())
	require.Empty(t, m.ActiveZone(), "queue events must not be attributed during the switch")

	m.HandleAck(ctx, lastRequestID(t, sink), "")
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue", "subscribe_queue"}, sink.CallNames())

	m.HandleAck(ctx, lastRequestID(t, sink), "handle-B")
	m.HandleQueueResident()
	require.NoError(t, <-replyB)
	require.Equal(t, "zoneB", m.ActiveZone())
}

func TestSubscriptionManager_RapidSwitchesSupersedeIntermediate(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	replyA := make(chan error, 1)
	m.Request(ctx, "zoneA", replyA)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-A")

	// B then C while A's teardown is still settling: B is superseded by C.
	replyB := make(chan error, 1)
	replyC := make(chan error, 1)
	m.Request(ctx, "zoneB", replyB)
	m.Request(ctx, "zoneC", replyC)
	require.ErrorIs(t, <-replyB, ErrSuperseded)

	m.HandleAck(ctx, lastRequestID(t, sink), "")
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-C")
	require.Equal(t, "zoneC", m.ActiveZone())
	m.HandleQueueResident()
	require.NoError(t, <-replyC)
}

func TestSubscriptionManager_FailedSubscribe_RetriesOnce(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	reply := make(chan error, 1)
	m.Request(ctx, "z1", reply)
	first := lastRequestID(t, sink)

	m.HandleFailed(ctx, first, "zone busy")
	require.Equal(t, []string{"subscribe_queue", "subscribe_queue"}, sink.CallNames())
	require.Empty(t, reply, "retry happens before the waiter hears anything")

	m.HandleFailed(ctx, lastRequestID(t, sink), "zone busy")
	require.ErrorIs(t, <-reply, ErrSubscriptionFailed)
	require.Empty(t, m.ActiveZone())

	// Manager is reusable after a terminal failure.
	again := make(chan error, 1)
	m.Request(ctx, "z1", again)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	m.HandleQueueResident()
	require.NoError(t, <-again)
}

func TestSubscriptionManager_SubscribeCallError_RetriesOnce(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	sink.SubscribeErr = errors.New("not connected")
	reply := make(chan error, 1)
	m.Request(ctx, "z1", reply)

	// The send failed once and was retried immediately.
	require.Equal(t, []string{"subscribe_queue"}, sink.CallNames())
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	require.Equal(t, "z1", m.ActiveZone())
}

func TestSubscriptionManager_Release(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	reply := make(chan error, 1)
	m.Request(ctx, "z1", reply)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	m.HandleQueueResident()
	<-reply

	released := make(chan error, 1)
	m.Release(ctx, released)
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue"}, sink.CallNames())

	m.HandleAck(ctx, lastRequestID(t, sink), "")
	require.NoError(t, <-released)
	require.Empty(t, m.ActiveZone())
}

func TestSubscriptionManager_Release_WhenIdleIsNoop(t *testing.T) {
	m, sink := newTestManager(t)

	released := make(chan error, 1)
	m.Release(context.Background(), released)
	require.NoError(t, <-released)
	require.Empty(t, sink.CallNames())
}

func TestSubscriptionManager_Reset_FailsWaitersWithoutProtocol(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	replyA := make(chan error, 1)
	m.Request(ctx, "zoneA", replyA)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-A")

	replyB := make(chan error, 1)
	m.Request(ctx, "zoneB", replyB)
	callsBefore := len(sink.CallNames())

	m.Reset()
	require.ErrorIs(t, <-replyB, ErrDisconnected)
	require.Empty(t, m.ActiveZone())
	// No unsubscribe on a dead session.
	require.Len(t, sink.CallNames(), callsBefore)
}

func TestSubscriptionManager_Expire_ProceedsWithoutAck(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	replyA := make(chan error, 1)
	m.Request(ctx, "zoneA", replyA)
	m.HandleAck(ctx, lastRequestID(t, sink), "handle-A")

	replyB := make(chan error, 1)
	m.Request(ctx, "zoneB", replyB)
	deadline := m.Deadline()
	require.False(t, deadline.IsZero())

	// Before the deadline nothing happens.
	m.Expire(ctx, base.Add(time.Second))
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue"}, sink.CallNames())

	// At the deadline the switch stops waiting for the lost ack.
	m.Expire(ctx, deadline)
	require.Equal(t, []string{"subscribe_queue", "unsubscribe_queue", "subscribe_queue"}, sink.CallNames())
	require.True(t, m.Deadline().IsZero())

	m.HandleAck(ctx, lastRequestID(t, sink), "handle-B")
	require.Equal(t, "zoneB", m.ActiveZone())
}

func TestSubscriptionManager_StaleAckIgnored(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	reply := make(chan error, 1)
	m.Request(ctx, "z1", reply)

	m.HandleAck(ctx, "req-ancient", "handle-x")
	require.Empty(t, m.ActiveZone())

	m.HandleAck(ctx, lastRequestID(t, sink), "handle-1")
	require.Equal(t, "z1", m.ActiveZone())
}
