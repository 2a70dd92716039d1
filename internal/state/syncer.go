package state

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jdrivas/roon-rd/internal/broadcast"
	"github.com/jdrivas/roon-rd/internal/images"
	"github.com/jdrivas/roon-rd/internal/metrics"
	"github.com/jdrivas/roon-rd/internal/roon"
)

var (
	// ErrBusy is returned when the syncer's bounded request queue is full
	// and the caller declined to wait.
	ErrBusy = errors.New("state syncer request queue full")
	// ErrZoneNotFound is returned for commands referencing an unknown zone.
	ErrZoneNotFound = errors.New("zone not found")
	// ErrNoOutputs is returned when a zone has no output to act on.
	ErrNoOutputs = errors.New("zone has no outputs")
)

// Options tunes the syncer.
type Options struct {
	// QueueAckTimeout bounds the wait for an unsubscribe acknowledgment when
	// switching the queue subscription between zones.
	QueueAckTimeout time.Duration
	// QueueMaxItems caps the queue items requested per subscription.
	QueueMaxItems int
	// RequestDepth sizes the bounded control-surface request queue.
	RequestDepth int
	// ObserverDepth sizes each observer's pending backlog.
	ObserverDepth int
}

// Syncer is the single-writer task: one goroutine drains the session's
// event stream and is the only writer into the Cache and the only driver of
// the SubscriptionManager. Control surfaces enqueue work onto a bounded
// request channel; observers hang off the broadcaster.
type Syncer struct {
	session roon.Session
	cache   *Cache
	subs    *SubscriptionManager
	bcast   *broadcast.Broadcaster
	images  *images.Cache

	requests chan func(context.Context)
	done     chan struct{}
}

// NewSyncer wires the cache, subscription manager and broadcaster around a
// session. Call Run to start the writer loop.
func NewSyncer(session roon.Session, imgCache *images.Cache, opts Options) *Syncer {
	if opts.RequestDepth <= 0 {
		opts.RequestDepth = 64
	}
	cache := NewCache()
	s := &Syncer{
		session:  session,
		cache:    cache,
		subs:     NewSubscriptionManager(session, opts.QueueMaxItems, opts.QueueAckTimeout),
		images:   imgCache,
		requests: make(chan func(context.Context), opts.RequestDepth),
		done:     make(chan struct{}),
	}
	s.bcast = broadcast.New(s.snapshotMessage, opts.ObserverDepth)
	return s
}

// Run drains the event stream until ctx is cancelled or the session closes
// its stream. It must be the only goroutine mutating cache state.
func (s *Syncer) Run(ctx context.Context) {
	defer close(s.done)
	defer s.bcast.Close()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.armTimer(timer)
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.session.Events():
			if !ok {
				log.Printf("SYNC: session event stream closed")
				return
			}
			s.handleEvent(ctx, ev)
		case fn := <-s.requests:
			fn(ctx)
		case now := <-timer.C:
			s.subs.Expire(ctx, now)
		}
	}
}

// armTimer points the loop timer at the subscription manager's next
// deadline, if it has one.
func (s *Syncer) armTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	deadline := s.subs.Deadline()
	if deadline.IsZero() {
		timer.Reset(time.Hour)
		return
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (s *Syncer) handleEvent(ctx context.Context, ev roon.Event) {
	switch ev := ev.(type) {
	case roon.ZonesSnapshot:
		metrics.EventsApplied.WithLabelValues("zones_snapshot").Inc()
		s.cache.ApplyZoneSnapshot(ev.Zones)
		s.warmArtwork(ev.Zones)
		s.bcast.Publish(s.snapshotMessage())

	case roon.ZonesChanged:
		metrics.EventsApplied.WithLabelValues("zones_changed").Inc()
		s.cache.ApplyZoneChanged(ev.Zones)
		s.warmArtwork(ev.Zones)
		s.bcast.Publish(broadcast.Message{
			Kind:    broadcast.KindZonesChanged,
			Version: s.cache.Version(),
			Zones:   cloneZones(ev.Zones),
		})

	case roon.ZonesDelta:
		metrics.EventsApplied.WithLabelValues("zones_delta").Inc()
		var merged []roon.Zone
		for _, delta := range ev.Deltas {
			if !s.cache.ApplyZoneDelta(delta) {
				continue
			}
			if zone, ok := s.cache.Snapshot().Zone(delta.ZoneID); ok {
				merged = append(merged, zone)
			}
		}
		if len(merged) == 0 {
			return
		}
		// Observers receive the merged full records so they converge by
		// zone-id merge the same way zones_changed converges.
		s.warmArtwork(merged)
		s.bcast.Publish(broadcast.Message{
			Kind:    broadcast.KindZonesChanged,
			Version: s.cache.Version(),
			Zones:   merged,
		})

	case roon.ZonesRemoved:
		metrics.EventsApplied.WithLabelValues("zones_removed").Inc()
		s.cache.RemoveZones(ev.ZoneIDs)
		s.bcast.Publish(broadcast.Message{
			Kind:    broadcast.KindZonesRemoved,
			Version: s.cache.Version(),
			ZoneIDs: ev.ZoneIDs,
		})

	case roon.ZonesSeek:
		for _, tick := range ev.Ticks {
			if !s.cache.ApplySeekTick(tick.ZoneID, tick.Position, tick.At) {
				continue
			}
			s.bcast.Publish(broadcast.Message{
				Kind:    broadcast.KindSeek,
				Version: s.cache.Version(),
				Seek:    &broadcast.SeekUpdate{ZoneID: tick.ZoneID, Position: tick.Position},
			})
		}

	case roon.QueueSnapshot:
		zoneID := s.subs.ActiveZone()
		if zoneID == "" {
			log.Printf("SYNC: queue snapshot with no active subscription, dropping")
			metrics.DeltasDropped.WithLabelValues("queue").Inc()
			return
		}
		metrics.EventsApplied.WithLabelValues("queue_snapshot").Inc()
		s.cache.ApplyQueueSnapshot(zoneID, ev.Items)
		s.subs.HandleQueueResident()
		s.publishQueue(zoneID)

	case roon.QueueDelta:
		zoneID := s.subs.ActiveZone()
		if zoneID == "" {
			log.Printf("SYNC: queue delta with no active subscription, dropping")
			metrics.DeltasDropped.WithLabelValues("queue").Inc()
			return
		}
		metrics.EventsApplied.WithLabelValues("queue_delta").Inc()
		s.cache.ApplyQueueDelta(ev)
		if s.cache.NeedResync() {
			s.resubscribeQueue(ctx, zoneID)
			return
		}
		s.publishQueue(zoneID)

	case roon.OutputsChanged:
		metrics.EventsApplied.WithLabelValues("outputs_changed").Inc()
		if !s.cache.ApplyOutputsChanged(ev.ZoneID, ev.Outputs) {
			return
		}
		if zone, ok := s.cache.Snapshot().Zone(ev.ZoneID); ok {
			s.bcast.Publish(broadcast.Message{
				Kind:    broadcast.KindZonesChanged,
				Version: s.cache.Version(),
				Zones:   []roon.Zone{zone},
			})
		}

	case roon.SubscriptionAck:
		s.subs.HandleAck(ctx, ev.RequestID, ev.Handle)

	case roon.SubscriptionFailed:
		s.subs.HandleFailed(ctx, ev.RequestID, ev.Reason)

	case roon.CoreConnected:
		log.Printf("SYNC: registered with core %s (%s)", ev.CoreName, ev.CoreVersion)
		s.cache.SetConnected(true, ev.CoreName)
		if err := s.session.SubscribeZones(ctx); err != nil {
			log.Printf("SYNC: zone subscription request failed: %v", err)
		}
		s.publishConnection(true)

	case roon.CoreLost:
		// Cache is retained as last-known-good; only subscriptions reset.
		log.Printf("SYNC: core lost (%s), keeping cached state", ev.Reason)
		s.subs.Reset()
		s.cache.ClearQueue()
		s.cache.SetConnected(false, "")
		s.publishConnection(false)

	case roon.ProtocolError:
		log.Printf("SYNC: protocol error from core: %s", ev.Message)
		metrics.DeltasDropped.WithLabelValues("protocol").Inc()
	}
}

// resubscribeQueue tears the subscription down and back up through the
// state machine, recovering queue integrity with a fresh snapshot.
func (s *Syncer) resubscribeQueue(ctx context.Context, zoneID string) {
	log.Printf("SYNC: queue integrity in doubt for zone %s, resubscribing", zoneID)
	s.cache.ClearQueue()
	reply := make(chan error, 1)
	s.subs.Release(ctx, nil)
	s.subs.Request(ctx, zoneID, reply)
}

func (s *Syncer) publishQueue(zoneID string) {
	snap := s.cache.Snapshot()
	s.bcast.Publish(broadcast.Message{
		Kind:    broadcast.KindQueueChanged,
		Version: snap.Version,
		Queue:   &broadcast.QueueUpdate{ZoneID: zoneID, Items: snap.Queue},
	})
}

func (s *Syncer) publishConnection(connected bool) {
	c := connected
	s.bcast.Publish(broadcast.Message{
		Kind:      broadcast.KindConnection,
		Version:   s.cache.Version(),
		Connected: &c,
	})
}

// warmArtwork prefetches album art for image keys seen in zone records.
func (s *Syncer) warmArtwork(zones []roon.Zone) {
	if s.images == nil {
		return
	}
	var keys []string
	for _, z := range zones {
		if z.NowPlaying != nil && z.NowPlaying.ImageKey != "" {
			keys = append(keys, z.NowPlaying.ImageKey)
		}
	}
	s.images.Warm(keys)
}

func (s *Syncer) snapshotMessage() broadcast.Message {
	snap := s.cache.Snapshot()
	connected := snap.Connected
	msg := broadcast.Message{
		Kind:      broadcast.KindSnapshot,
		Version:   snap.Version,
		Zones:     snap.Zones,
		Connected: &connected,
	}
	if snap.QueueZoneID != "" {
		msg.Queue = &broadcast.QueueUpdate{ZoneID: snap.QueueZoneID, Items: snap.Queue}
	}
	return msg
}

// ----- control-surface API (safe from any goroutine) -----

// CurrentState returns a consistent snapshot of the mirrored state.
func (s *Syncer) CurrentState() Snapshot {
	return s.cache.Snapshot()
}

// Observe registers a real-time observer; its first message is a full
// snapshot. Release with Unobserve.
func (s *Syncer) Observe() (string, <-chan broadcast.Message) {
	return s.bcast.Register()
}

// Unobserve deregisters an observer and closes its channel.
func (s *Syncer) Unobserve(id string) {
	s.bcast.Unregister(id)
}

// RequestQueue subscribes to zoneID's queue, waiting until the queue is
// resident in the cache or the request fails. Switching zones waits for the
// prior unsubscribe to settle first.
func (s *Syncer) RequestQueue(ctx context.Context, zoneID string) error {
	reply := make(chan error, 1)
	if err := s.do(ctx, func(loopCtx context.Context) {
		s.subs.Request(loopCtx, zoneID, reply)
	}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrDisconnected
	}
}

// ReleaseQueue cancels the active queue subscription, if any.
func (s *Syncer) ReleaseQueue(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.do(ctx, func(loopCtx context.Context) {
		s.subs.Release(loopCtx, reply)
	}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrDisconnected
	}
}

// Control sends a transport action. Fire-and-forget: the core's event
// stream is the only confirmation.
func (s *Syncer) Control(ctx context.Context, zoneID string, action roon.Control) error {
	return s.command(ctx, func(loopCtx context.Context) error {
		return s.session.Control(loopCtx, zoneID, action)
	})
}

// Seek moves playback of zoneID to an absolute position in seconds.
func (s *Syncer) Seek(ctx context.Context, zoneID string, seconds int) error {
	return s.command(ctx, func(loopCtx context.Context) error {
		return s.session.Seek(loopCtx, zoneID, seconds)
	})
}

// Mute sets the mute state of the zone's first output, matching how the
// web surface exposes mute.
func (s *Syncer) Mute(ctx context.Context, zoneID string, mute bool) error {
	snap := s.cache.Snapshot()
	zone, ok := snap.Zone(zoneID)
	if !ok {
		return ErrZoneNotFound
	}
	if len(zone.Outputs) == 0 {
		return ErrNoOutputs
	}
	outputID := zone.Outputs[0].OutputID
	return s.command(ctx, func(loopCtx context.Context) error {
		return s.session.Mute(loopCtx, outputID, mute)
	})
}

// PlayFromQueueItem starts playback at the given queue entry.
func (s *Syncer) PlayFromQueueItem(ctx context.Context, zoneID string, itemID uint32) error {
	return s.command(ctx, func(loopCtx context.Context) error {
		return s.session.PlayFromQueueItem(loopCtx, zoneID, itemID)
	})
}

// Connected reports core connectivity.
func (s *Syncer) Connected() bool {
	return s.cache.Snapshot().Connected
}

// command routes a session call through the single-writer queue and waits
// for the send result.
func (s *Syncer) command(ctx context.Context, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	if err := s.do(ctx, func(loopCtx context.Context) {
		reply <- fn(loopCtx)
	}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrDisconnected
	}
}

// do enqueues work for the writer loop. The caller waits for queue space
// until its context expires; a nil-deadline context falls back to a busy
// error so surfaces cannot wedge on a full queue.
func (s *Syncer) do(ctx context.Context, fn func(context.Context)) error {
	select {
	case s.requests <- fn:
		return nil
	case <-s.done:
		return ErrDisconnected
	default:
	}
	if _, ok := ctx.Deadline(); !ok {
		select {
		case s.requests <- fn:
			return nil
		case <-s.done:
			return ErrDisconnected
		default:
			return ErrBusy
		}
	}
	select {
	case s.requests <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrDisconnected
	}
}

func cloneZones(zones []roon.Zone) []roon.Zone {
	out := make([]roon.Zone, len(zones))
	for i, z := range zones {
		out[i] = z.Clone()
	}
	return out
}
