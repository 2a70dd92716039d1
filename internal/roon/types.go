package roon

import "time"

// PlayState is the transport state of a zone as reported by the core.
type PlayState string

const (
	StatePlaying PlayState = "playing"
	StatePaused  PlayState = "paused"
	StateStopped PlayState = "stopped"
	StateLoading PlayState = "loading"
)

// Valid reports whether s is one of the states the core is allowed to send.
func (s PlayState) Valid() bool {
	switch s {
	case StatePlaying, StatePaused, StateStopped, StateLoading:
		return true
	}
	return false
}

// NowPlaying describes the track currently loaded in a zone.
type NowPlaying struct {
	Track         string    `json:"track"`
	Artist        string    `json:"artist,omitempty"`
	Album         string    `json:"album,omitempty"`
	ImageKey      string    `json:"image_key,omitempty"`
	LengthSec     int       `json:"length_seconds,omitempty"`
	SeekPosition  int       `json:"position_seconds"`
	SeekUpdatedAt time.Time `json:"seek_updated_at,omitempty"`
}

// Volume is the per-output volume state.
type Volume struct {
	Value   int  `json:"value"`
	Min     int  `json:"min"`
	Max     int  `json:"max"`
	IsMuted bool `json:"is_muted"`
}

// Output is a physical playback device belonging to a zone.
type Output struct {
	OutputID    string  `json:"output_id"`
	DisplayName string  `json:"display_name"`
	Volume      *Volume `json:"volume,omitempty"`
}

// Zone is a logical playback target tracked by the core. Zones are owned by
// the state cache; consumers receive copies and must never construct them.
type Zone struct {
	ZoneID      string      `json:"zone_id"`
	DisplayName string      `json:"display_name"`
	State       PlayState   `json:"state"`
	NowPlaying  *NowPlaying `json:"now_playing,omitempty"`
	Outputs     []Output    `json:"outputs,omitempty"`
}

// Clone returns a deep copy of the zone so cache snapshots cannot alias
// writer-owned data.
func (z Zone) Clone() Zone {
	out := z
	if z.NowPlaying != nil {
		np := *z.NowPlaying
		out.NowPlaying = &np
	}
	if z.Outputs != nil {
		out.Outputs = make([]Output, len(z.Outputs))
		copy(out.Outputs, z.Outputs)
		for i, o := range z.Outputs {
			if o.Volume != nil {
				v := *o.Volume
				out.Outputs[i].Volume = &v
			}
		}
	}
	return out
}

// Muted reports the mute state of the first output carrying volume info.
func (z Zone) Muted() bool {
	for _, o := range z.Outputs {
		if o.Volume != nil {
			return o.Volume.IsMuted
		}
	}
	return false
}

// QueueItem is one entry in a zone's upcoming-tracks queue.
type QueueItem struct {
	ItemID    uint32 `json:"queue_item_id"`
	Track     string `json:"track"`
	Artist    string `json:"artist,omitempty"`
	Album     string `json:"album,omitempty"`
	ImageKey  string `json:"image_key,omitempty"`
	LengthSec int    `json:"length_seconds,omitempty"`
	Position  int    `json:"position"`
}

// ZoneDelta is a partial zone update. Nil fields are left untouched when the
// delta is merged into the cached zone.
type ZoneDelta struct {
	ZoneID      string      `json:"zone_id"`
	DisplayName *string     `json:"display_name,omitempty"`
	State       *PlayState  `json:"state,omitempty"`
	NowPlaying  *NowPlaying `json:"now_playing,omitempty"` // full replacement of the now-playing block
	Outputs     []Output    `json:"outputs,omitempty"`     // full replacement of the output list when non-nil
}

// ImageData is an album-art payload fetched from the core.
type ImageData struct {
	ContentType string
	Data        []byte
}

// Control is a transport action understood by the core.
type Control string

const (
	ControlPlay     Control = "play"
	ControlPause    Control = "pause"
	ControlStop     Control = "stop"
	ControlPrevious Control = "previous"
	ControlNext     Control = "next"
)

// ParseControl validates a control name from an untrusted surface.
func ParseControl(s string) (Control, bool) {
	c := Control(s)
	switch c {
	case ControlPlay, ControlPause, ControlStop, ControlPrevious, ControlNext:
		return c, true
	}
	return "", false
}
