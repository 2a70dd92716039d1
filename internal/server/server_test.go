package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jdrivas/roon-rd/internal/broadcast"
	"github.com/jdrivas/roon-rd/internal/images"
	"github.com/jdrivas/roon-rd/internal/roon"
	"github.com/jdrivas/roon-rd/internal/roon/roontest"
	"github.com/jdrivas/roon-rd/internal/state"
)

type testServer struct {
	srv    *httptest.Server
	fake   *roontest.FakeSession
	syncer *state.Syncer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := roontest.NewFakeSession()
	imageCache := images.New(fake, time.Second, 300, 300)
	syncer := state.NewSyncer(fake, imageCache, state.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	go syncer.Run(ctx)

	srv := httptest.NewServer(NewHandler(syncer, imageCache))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	fake.Emit(roon.CoreConnected{CoreName: "Study Core", CoreVersion: "2.0"})
	fake.Emit(roon.ZonesSnapshot{Zones: []roon.Zone{
		{
			ZoneID:      "z1",
			DisplayName: "Living Room",
			State:       roon.StatePlaying,
			NowPlaying:  &roon.NowPlaying{Track: "Song", ImageKey: "art-1", LengthSec: 240},
			Outputs:     []roon.Output{{OutputID: "o1", DisplayName: "Living Room"}},
		},
		{ZoneID: "z2", DisplayName: "Kitchen", State: roon.StateStopped},
	}})
	require.Eventually(t, func() bool {
		return len(syncer.CurrentState().Zones) == 2 && syncer.Connected()
	}, 2*time.Second, 5*time.Millisecond, "seed state should land")

	return &testServer{srv: srv, fake: fake, syncer: syncer}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (ts *testServer) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "response should carry an error object")
	code, _ := errBody["code"].(string)
	return code
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "roon-rd", body["service"])
}

func TestServer_Status(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["connected"])
	require.Equal(t, "Study Core", body["core_name"])
	require.Equal(t, float64(2), body["zone_count"])
}

func TestServer_Zones(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/zones")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	zones, ok := body["zones"].([]any)
	require.True(t, ok)
	require.Len(t, zones, 2)
}

func TestServer_Zone_NotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/zones/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "ZONE_NOT_FOUND", errorCode(t, body))
}

func TestServer_NowPlaying_FiltersIdleZones(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/now-playing")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	zones, ok := body["zones"].([]any)
	require.True(t, ok)
	// Only the living room has a track loaded.
	require.Len(t, zones, 1)
}

func TestServer_Control(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "/v1/zones/z1/control", `{"action":"pause"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])

	require.Eventually(t, func() bool {
		for _, c := range ts.fake.Calls() {
			if c.Name == "control" && c.ZoneID == "z1" && c.Args["control"] == "pause" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "control should reach the session")
}

func TestServer_Control_InvalidAction(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "/v1/zones/z1/control", `{"action":"shuffle"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestServer_Control_UnknownZone(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "/v1/zones/ghost/control", `{"action":"play"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "ZONE_NOT_FOUND", errorCode(t, body))
}

func TestServer_Seek_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/v1/zones/z1/seek", `{}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	resp, body = ts.post(t, "/v1/zones/z1/seek", `{"seconds":-5}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, body))

	resp, _ = ts.post(t, "/v1/zones/z1/seek", `{"seconds":30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_Mute_ZoneWithoutOutputs(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.post(t, "/v1/zones/z2/mute", `{"mute":true}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, body))
}

func TestServer_Queue_EndToEnd(t *testing.T) {
	ts := newTestServer(t)

	// Script the core side: first ack the subscribe, then deliver the queue.
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, c := range ts.fake.Calls() {
				if c.Name == "subscribe_queue" {
					requestID, _ := c.Args["request_id"].(string)
					ts.fake.Emit(roon.SubscriptionAck{RequestID: requestID, Handle: "handle-1"})
					ts.fake.Emit(roon.QueueSnapshot{Items: []roon.QueueItem{
						{ItemID: 1, Track: "First"},
						{ItemID: 2, Track: "Second"},
					}})
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, body := ts.get(t, "/v1/queue/z1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "z1", body["zone_id"])
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)
}

func TestServer_Queue_UnknownZone(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/queue/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "ZONE_NOT_FOUND", errorCode(t, body))
}

func TestServer_Image(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.Images["art-1"] = roon.ImageData{ContentType: "image/jpeg", Data: []byte("jpeg-bytes")}

	resp, err := http.Get(ts.srv.URL + "/v1/image/art-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("Cache-Control"))
}

func TestServer_Image_NotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/v1/image/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "IMAGE_NOT_FOUND", errorCode(t, body))
}

func TestServer_RequestID_MintedAndEchoed(t *testing.T) {
	ts := newTestServer(t)

	// No inbound id: one is minted.
	resp, err := http.Get(ts.srv.URL + "/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	// Client-supplied id is echoed back.
	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "client-supplied-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "client-supplied-id", resp.Header.Get("X-Request-Id"))
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_WebSocket_ObserverStream(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first broadcast.Message
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, broadcast.KindSnapshot, first.Kind)
	require.Len(t, first.Zones, 2)

	ts.fake.Emit(roon.ZonesChanged{Zones: []roon.Zone{{ZoneID: "z3", DisplayName: "Bedroom", State: roon.StateStopped}}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next broadcast.Message
	require.NoError(t, conn.ReadJSON(&next))
	require.Equal(t, broadcast.KindZonesChanged, next.Kind)
	require.Equal(t, "z3", next.Zones[0].ZoneID)
}
