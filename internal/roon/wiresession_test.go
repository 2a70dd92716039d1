package roon

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func push(name, body string) envelope {
	return envelope{Name: name, Body: json.RawMessage(body)}
}

func TestTranslate_ZonesSnapshot(t *testing.T) {
	ev, ok := translate(push(msgZonesSnapshot, `{"zones":[
		{"zone_id":"z1","display_name":"Living Room","state":"playing",
		 "now_playing":{"track":"Song","artist":"Band","length_seconds":240,"position_seconds":12}},
		{"zone_id":"z2","display_name":"Kitchen","state":"stopped"}
	]}`))
	require.True(t, ok)

	snap, isSnap := ev.(ZonesSnapshot)
	require.True(t, isSnap)
	require.Len(t, snap.Zones, 2)
	require.Equal(t, "z1", snap.Zones[0].ZoneID)
	require.Equal(t, StatePlaying, snap.Zones[0].State)
	require.Equal(t, "Song", snap.Zones[0].NowPlaying.Track)
	require.Equal(t, 240, snap.Zones[0].NowPlaying.LengthSec)
	require.Nil(t, snap.Zones[1].NowPlaying)
}

func TestTranslate_ZonesDelta_PartialFields(t *testing.T) {
	ev, ok := translate(push(msgZonesDelta, `{"deltas":[
		{"zone_id":"z1","state":"paused"},
		{"zone_id":"z2","display_name":"Den","now_playing":{"track":"Next Song"}}
	]}`))
	require.True(t, ok)

	delta, isDelta := ev.(ZonesDelta)
	require.True(t, isDelta)
	require.Len(t, delta.Deltas, 2)

	require.Equal(t, "z1", delta.Deltas[0].ZoneID)
	require.NotNil(t, delta.Deltas[0].State)
	require.Equal(t, StatePaused, *delta.Deltas[0].State)
	require.Nil(t, delta.Deltas[0].DisplayName, "omitted fields stay nil")
	require.Nil(t, delta.Deltas[0].NowPlaying)

	require.NotNil(t, delta.Deltas[1].DisplayName)
	require.Equal(t, "Den", *delta.Deltas[1].DisplayName)
	require.Equal(t, "Next Song", delta.Deltas[1].NowPlaying.Track)
}

func TestTranslate_ZonesDelta_InvalidState(t *testing.T) {
	ev, ok := translate(push(msgZonesDelta, `{"deltas":[{"zone_id":"z1","state":"warp"}]}`))
	require.True(t, ok)
	perr, isErr := ev.(ProtocolError)
	require.True(t, isErr)
	require.Contains(t, perr.Message, "zones_delta")
}

func TestTranslate_ZonesSeek_StampsObservationTime(t *testing.T) {
	ev, ok := translate(push(msgZonesSeek, `{"zones_seek_changed":[
		{"zone_id":"z1","seek_position":42},
		{"zone_id":"z2","seek_position":7}
	]}`))
	require.True(t, ok)

	seek, isSeek := ev.(ZonesSeek)
	require.True(t, isSeek)
	require.Len(t, seek.Ticks, 2)
	require.Equal(t, "z1", seek.Ticks[0].ZoneID)
	require.Equal(t, 42, seek.Ticks[0].Position)
	require.False(t, seek.Ticks[0].At.IsZero())
}

func TestTranslate_QueueDelta_Operations(t *testing.T) {
	ev, ok := translate(push(msgQueueDelta, `{"changes":[
		{"operation":"remove","index":2,"count":3},
		{"operation":"remove","index":0},
		{"operation":"insert","index":1,"items":[{"queue_item_id":9,"track":"New"}]}
	]}`))
	require.True(t, ok)

	delta, isDelta := ev.(QueueDelta)
	require.True(t, isDelta)
	require.Len(t, delta.Removals, 2)
	require.Equal(t, 3, delta.Removals[0].Count)
	// A removal without a count means one item.
	require.Equal(t, 1, delta.Removals[1].Count)
	require.Len(t, delta.Inserts, 1)
	require.Equal(t, uint32(9), delta.Inserts[0].Items[0].ItemID)
}

func TestTranslate_QueueDelta_UnknownOperation(t *testing.T) {
	ev, ok := translate(push(msgQueueDelta, `{"changes":[{"operation":"shuffle","index":0}]}`))
	require.True(t, ok)
	_, isErr := ev.(ProtocolError)
	require.True(t, isErr)
}

func TestTranslate_SubscriptionAck_CarriesRequestID(t *testing.T) {
	env := push(msgSubscriptionAck, `{"handle":"h-77"}`)
	env.RequestID = "req-abc"
	ev, ok := translate(env)
	require.True(t, ok)

	ack, isAck := ev.(SubscriptionAck)
	require.True(t, isAck)
	require.Equal(t, "req-abc", ack.RequestID)
	require.Equal(t, "h-77", ack.Handle)
}

func TestTranslate_SubscriptionFailed(t *testing.T) {
	env := push(msgSubscriptionFailed, `{"reason":"zone busy"}`)
	env.RequestID = "req-abc"
	ev, _ := translate(env)

	failed, isFailed := ev.(SubscriptionFailed)
	require.True(t, isFailed)
	require.Equal(t, "req-abc", failed.RequestID)
	require.Equal(t, "zone busy", failed.Reason)
}

func TestTranslate_MalformedBody(t *testing.T) {
	ev, ok := translate(push(msgZonesSnapshot, `{"zones": "not a list"}`))
	require.True(t, ok)
	perr, isErr := ev.(ProtocolError)
	require.True(t, isErr)
	require.Contains(t, perr.Message, "zones_snapshot")
}

func TestTranslate_UnknownMessage(t *testing.T) {
	ev, ok := translate(push("transport/future_thing", `{}`))
	require.True(t, ok)
	perr, isErr := ev.(ProtocolError)
	require.True(t, isErr)
	require.Contains(t, perr.Message, "future_thing")
}

func TestWireSession_TokenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	s := &WireSession{cfg: WireConfig{TokenPath: path}}

	// Missing file reads as an empty token, not an error.
	token, err := s.loadToken()
	require.NoError(t, err)
	require.Empty(t, token)

	require.NoError(t, s.saveToken("secret-token"))
	token, err = s.loadToken()
	require.NoError(t, err)
	require.Equal(t, "secret-token", token)
}

func TestWireSession_TokenPathUnset(t *testing.T) {
	s := &WireSession{}
	token, err := s.loadToken()
	require.NoError(t, err)
	require.Empty(t, token)
	require.NoError(t, s.saveToken("ignored"))
}

func TestParseControl(t *testing.T) {
	for _, name := range []string{"play", "pause", "stop", "previous", "next"} {
		c, ok := ParseControl(name)
		require.True(t, ok)
		require.Equal(t, Control(name), c)
	}
	_, ok := ParseControl("shuffle")
	require.False(t, ok)
}

func TestZone_CloneIsDeep(t *testing.T) {
	z := Zone{
		ZoneID:     "z1",
		NowPlaying: &NowPlaying{Track: "Song"},
		Outputs:    []Output{{OutputID: "o1", Volume: &Volume{Value: 40}}},
	}
	c := z.Clone()
	c.NowPlaying.Track = "Other"
	c.Outputs[0].Volume.Value = 99

	require.Equal(t, "Song", z.NowPlaying.Track)
	require.Equal(t, 40, z.Outputs[0].Volume.Value)
}
