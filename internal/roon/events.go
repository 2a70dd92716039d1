package roon

import "time"

// Event is a typed message pushed by the core session. The state syncer is
// the only consumer; it drains Session.Events from a single goroutine.
type Event interface {
	isEvent()
}

// ZonesSnapshot carries the full zone listing. The cache replaces its entire
// zone mapping when it arrives (connect, reconnect, or requested resync).
type ZonesSnapshot struct {
	Zones []Zone
}

// ZonesChanged carries full records for the zones that changed. Zones not
// listed are unmodified.
type ZonesChanged struct {
	Zones []Zone
}

// ZonesDelta carries partial field patches for known zones. A delta naming
// an unknown zone is dropped by the cache, never used to create one.
type ZonesDelta struct {
	Deltas []ZoneDelta
}

// ZonesRemoved lists zone ids the core no longer tracks.
type ZonesRemoved struct {
	ZoneIDs []string
}

// SeekTick is the once-a-second seek position update for a playing zone.
type SeekTick struct {
	ZoneID   string
	Position int
	At       time.Time
}

// ZonesSeek batches the seek ticks the core sends in one message.
type ZonesSeek struct {
	Ticks []SeekTick
}

// QueueSnapshot is the full queue for the currently subscribed zone. The
// core's queue messages do not name their zone; the subscription manager
// supplies it.
type QueueSnapshot struct {
	Items []QueueItem
}

// QueueInsert places Items starting at Index in the resident queue.
type QueueInsert struct {
	Index int
	Items []QueueItem
}

// QueueRemove deletes Count items starting at Index.
type QueueRemove struct {
	Index int
	Count int
}

// QueueDelta is an ordered batch of queue patch operations.
type QueueDelta struct {
	Inserts  []QueueInsert
	Removals []QueueRemove
}

// OutputsChanged carries the new output list for a zone.
type OutputsChanged struct {
	ZoneID  string
	Outputs []Output
}

// SubscriptionAck confirms a queue subscribe request. Handle is the core's
// correlation token for the live subscription.
type SubscriptionAck struct {
	RequestID string
	Handle    string
}

// SubscriptionFailed reports a rejected subscribe or unsubscribe request.
type SubscriptionFailed struct {
	RequestID string
	Reason    string
}

// CoreConnected signals a registered session with the core.
type CoreConnected struct {
	CoreName    string
	CoreVersion string
}

// CoreLost signals the session dropped. All subscriptions are implicitly
// gone; cached state is retained as last-known-good.
type CoreLost struct {
	Reason string
}

// ProtocolError is a malformed or unexpected message from the core. The
// cache leaves state unchanged and may request a resync.
type ProtocolError struct {
	Message string
}

func (ZonesSnapshot) isEvent()      {}
func (ZonesChanged) isEvent()       {}
func (ZonesDelta) isEvent()         {}
func (ZonesRemoved) isEvent()       {}
func (ZonesSeek) isEvent()          {}
func (QueueSnapshot) isEvent()      {}
func (QueueDelta) isEvent()         {}
func (OutputsChanged) isEvent()     {}
func (SubscriptionAck) isEvent()    {}
func (SubscriptionFailed) isEvent() {}
func (CoreConnected) isEvent()      {}
func (CoreLost) isEvent()           {}
func (ProtocolError) isEvent()      {}
