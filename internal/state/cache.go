// Package state holds the in-memory mirror of core-pushed zone and queue
// state, the queue subscription state machine, and the single-writer syncer
// that drives both.
package state

import (
	"log"
	"sync"
	"time"

	"github.com/jdrivas/roon-rd/internal/metrics"
	"github.com/jdrivas/roon-rd/internal/roon"
)

// Snapshot is a consistent read of the full cached state. All contained data
// is copied; callers may hold it indefinitely.
type Snapshot struct {
	Zones       []roon.Zone      `json:"zones"`
	QueueZoneID string           `json:"queue_zone_id,omitempty"`
	Queue       []roon.QueueItem `json:"queue,omitempty"`
	Connected   bool             `json:"connected"`
	CoreName    string           `json:"core_name,omitempty"`
	Version     uint64           `json:"version"`
}

// Zone returns the zone with the given id, if present.
func (s Snapshot) Zone(zoneID string) (roon.Zone, bool) {
	for _, z := range s.Zones {
		if z.ZoneID == zoneID {
			return z, true
		}
	}
	return roon.Zone{}, false
}

// Cache is the authoritative mirror of zone and queue state. The syncer
// goroutine is the single writer; a read/write guard protects snapshot
// reads from arbitrary goroutines. At most one zone's queue is resident.
type Cache struct {
	mu          sync.RWMutex
	zones       map[string]*roon.Zone
	order       []string // zone ids in first-seen order for stable listings
	queueZoneID string
	queue       []roon.QueueItem
	connected   bool
	coreName    string
	version     uint64

	needResync bool
}

func NewCache() *Cache {
	return &Cache{zones: make(map[string]*roon.Zone)}
}

// ApplyZoneSnapshot atomically replaces the entire zone mapping. Readers
// never observe a mix of old and new zones. If the resident queue's zone is
// no longer listed, the queue is cleared.
func (c *Cache) ApplyZoneSnapshot(zones []roon.Zone) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := make(map[string]*roon.Zone, len(zones))
	order := make([]string, 0, len(zones))
	for _, z := range zones {
		zc := z.Clone()
		fresh[z.ZoneID] = &zc
		order = append(order, z.ZoneID)
	}
	c.zones = fresh
	c.order = order

	if c.queueZoneID != "" {
		if _, ok := fresh[c.queueZoneID]; !ok {
			c.queueZoneID = ""
			c.queue = nil
		}
	}
	c.needResync = false
	c.version++
}

// ApplyZoneChanged merges full zone records into the mapping. Unknown zones
// are inserted: the core sends complete records here, unlike field deltas.
func (c *Cache) ApplyZoneChanged(zones []roon.Zone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, z := range zones {
		zc := z.Clone()
		if _, ok := c.zones[z.ZoneID]; !ok {
			c.order = append(c.order, z.ZoneID)
		}
		c.zones[z.ZoneID] = &zc
	}
	c.version++
}

// ApplyZoneDelta merges partial fields into an existing zone. A delta for an
// unknown zone id is dropped and logged; the cache never fabricates a zone
// from a partial record.
func (c *Cache) ApplyZoneDelta(delta roon.ZoneDelta) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	zone, ok := c.zones[delta.ZoneID]
	if !ok {
		log.Printf("CACHE: dropping delta for unknown zone %s", delta.ZoneID)
		metrics.DeltasDropped.WithLabelValues("zone").Inc()
		return false
	}
	if delta.DisplayName != nil {
		zone.DisplayName = *delta.DisplayName
	}
	if delta.State != nil {
		zone.State = *delta.State
	}
	if delta.NowPlaying != nil {
		np := *delta.NowPlaying
		zone.NowPlaying = &np
	}
	if delta.Outputs != nil {
		zone.Outputs = make([]roon.Output, len(delta.Outputs))
		copy(zone.Outputs, delta.Outputs)
	}
	c.version++
	return true
}

// ApplySeekTick patches only the seek position and its observation time.
// Highest-frequency mutation: no zone allocation, no other field touched,
// and no version bump since observers receive seek ticks out of band.
func (c *Cache) ApplySeekTick(zoneID string, position int, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	zone, ok := c.zones[zoneID]
	if !ok || zone.NowPlaying == nil {
		return false
	}
	zone.NowPlaying.SeekPosition = position
	zone.NowPlaying.SeekUpdatedAt = at
	return true
}

// ApplyOutputsChanged replaces a zone's output list.
func (c *Cache) ApplyOutputsChanged(zoneID string, outputs []roon.Output) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	zone, ok := c.zones[zoneID]
	if !ok {
		log.Printf("CACHE: dropping outputs for unknown zone %s", zoneID)
		metrics.DeltasDropped.WithLabelValues("outputs").Inc()
		return false
	}
	zone.Outputs = make([]roon.Output, len(outputs))
	copy(zone.Outputs, outputs)
	c.version++
	return true
}

// RemoveZones deletes zones the core no longer tracks. Removing the zone
// holding the resident queue clears the queue too.
func (c *Cache) RemoveZones(zoneIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range zoneIDs {
		if _, ok := c.zones[id]; !ok {
			continue
		}
		delete(c.zones, id)
		for i, o := range c.order {
			if o == id {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
		if c.queueZoneID == id {
			c.queueZoneID = ""
			c.queue = nil
		}
	}
	c.version++
}

// ApplyQueueSnapshot replaces the resident queue. zoneID comes from the
// subscription manager; queue events do not self-identify their zone.
func (c *Cache) ApplyQueueSnapshot(zoneID string, items []roon.QueueItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queueZoneID = zoneID
	c.queue = make([]roon.QueueItem, len(items))
	copy(c.queue, items)
	renumber(c.queue)
	c.version++
}

// ApplyQueueDelta patches the resident queue in place. Out-of-range indices
// are clamped or skipped and logged; a malformed delta marks the cache as
// wanting a resync instead of corrupting state.
func (c *Cache) ApplyQueueDelta(delta roon.QueueDelta) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queueZoneID == "" {
		log.Printf("CACHE: queue delta with no resident queue, ignoring")
		metrics.DeltasDropped.WithLabelValues("queue").Inc()
		return
	}

	for _, rm := range delta.Removals {
		if rm.Index < 0 || rm.Index >= len(c.queue) {
			log.Printf("CACHE: queue removal at %d out of range (len %d), requesting resync", rm.Index, len(c.queue))
			metrics.DeltasDropped.WithLabelValues("queue").Inc()
			c.needResync = true
			continue
		}
		end := rm.Index + rm.Count
		if end > len(c.queue) {
			end = len(c.queue)
		}
		c.queue = append(c.queue[:rm.Index], c.queue[end:]...)
	}
	for _, ins := range delta.Inserts {
		idx := ins.Index
		if idx < 0 {
			idx = 0
		}
		if idx > len(c.queue) {
			idx = len(c.queue)
		}
		c.queue = append(c.queue[:idx], append(append([]roon.QueueItem{}, ins.Items...), c.queue[idx:]...)...)
	}
	renumber(c.queue)
	c.version++
}

// ClearQueue drops the resident queue (subscription released or moved).
func (c *Cache) ClearQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueZoneID = ""
	c.queue = nil
	c.version++
}

// SetConnected flips the connectivity flag. State is retained as
// last-known-good across disconnects; only the flag changes.
func (c *Cache) SetConnected(connected bool, coreName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	c.coreName = coreName
	c.version++
}

// NeedResync reports (and clears) the integrity-in-doubt flag. The syncer
// turns it into a fresh zone subscription rather than panicking.
func (c *Cache) NeedResync() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	need := c.needResync
	c.needResync = false
	return need
}

// Snapshot returns a consistent copy of the full state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	zones := make([]roon.Zone, 0, len(c.zones))
	for _, id := range c.order {
		if z, ok := c.zones[id]; ok {
			zones = append(zones, z.Clone())
		}
	}
	var queue []roon.QueueItem
	if c.queue != nil {
		queue = make([]roon.QueueItem, len(c.queue))
		copy(queue, c.queue)
	}
	return Snapshot{
		Zones:       zones,
		QueueZoneID: c.queueZoneID,
		Queue:       queue,
		Connected:   c.connected,
		CoreName:    c.coreName,
		Version:     c.version,
	}
}

// QueueZoneID returns the zone currently holding the resident queue.
func (c *Cache) QueueZoneID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueZoneID
}

// Version returns the current mutation counter.
func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

func renumber(items []roon.QueueItem) {
	for i := range items {
		items[i].Position = i
	}
}
