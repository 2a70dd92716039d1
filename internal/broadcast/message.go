package broadcast

import "github.com/jdrivas/roon-rd/internal/roon"

// Kind classifies an observer message. Structural kinds must reach every
// observer (directly or through a replacement snapshot); seek updates are
// droppable and coalesce per zone.
type Kind string

const (
	// KindSnapshot fully replaces an observer's view.
	KindSnapshot Kind = "snapshot"
	// KindZonesChanged carries full records of changed zones (field merge by
	// zone id).
	KindZonesChanged Kind = "zones_changed"
	// KindZonesRemoved lists zones that vanished.
	KindZonesRemoved Kind = "zones_removed"
	// KindSeek is a per-zone seek position tick.
	KindSeek Kind = "seek_updated"
	// KindQueueChanged announces the resident queue changed; observers
	// re-read it from the snapshot payload.
	KindQueueChanged Kind = "queue_changed"
	// KindConnection reports core connectivity transitions.
	KindConnection Kind = "connection_changed"
)

// SeekUpdate is the payload of a KindSeek message.
type SeekUpdate struct {
	ZoneID   string `json:"zone_id"`
	Position int    `json:"position_seconds"`
}

// QueueUpdate is the payload of a KindQueueChanged message.
type QueueUpdate struct {
	ZoneID string           `json:"zone_id"`
	Items  []roon.QueueItem `json:"items"`
}

// Message is one unit of observer delivery. Every message carries enough for
// the observer to converge: snapshots replace wholesale, the rest merge by
// zone id. Version is the cache version the message was produced at.
type Message struct {
	Kind    Kind   `json:"type"`
	Version uint64 `json:"version"`

	Zones     []roon.Zone  `json:"zones,omitempty"`
	ZoneIDs   []string     `json:"zone_ids,omitempty"`
	Seek      *SeekUpdate  `json:"seek,omitempty"`
	Queue     *QueueUpdate `json:"queue,omitempty"`
	Connected *bool        `json:"connected,omitempty"`
}

// droppable reports whether the message may be coalesced away for a slow
// observer. Only seek ticks qualify.
func (m Message) droppable() bool {
	return m.Kind == KindSeek
}
