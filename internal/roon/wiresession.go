package roon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message names on the session wire. Requests and pushes share one envelope
// shape; pushes carry no request id (except subscription acks, which echo
// the id of the subscribe call they answer).
const (
	msgRegister           = "session/register"
	msgSubscribeZones     = "transport/subscribe_zones"
	msgSubscribeQueue     = "transport/subscribe_queue"
	msgUnsubscribeQueue   = "transport/unsubscribe_queue"
	msgControl            = "transport/control"
	msgSeek               = "transport/seek"
	msgMute               = "transport/mute"
	msgPlayFromHere       = "transport/play_from_here"
	msgFetchImage         = "image/get_image"
	msgZonesSnapshot      = "transport/zones_snapshot"
	msgZonesChanged       = "transport/zones_changed"
	msgZonesDelta         = "transport/zones_delta"
	msgZonesRemoved       = "transport/zones_removed"
	msgZonesSeek          = "transport/zones_seek"
	msgQueueSnapshot      = "transport/queue_snapshot"
	msgQueueDelta         = "transport/queue_delta"
	msgOutputsChanged     = "transport/outputs_changed"
	msgSubscriptionAck    = "transport/subscription_ack"
	msgSubscriptionFailed = "transport/subscription_failed"
	msgError              = "session/error"
)

type envelope struct {
	RequestID string          `json:"request_id,omitempty"`
	Name      string          `json:"name"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type registerBody struct {
	Token       string `json:"token,omitempty"`
	DisplayName string `json:"display_name"`
}

type registerReply struct {
	CoreName    string `json:"core_name"`
	CoreVersion string `json:"core_version"`
	Token       string `json:"token,omitempty"`
}

type imageReply struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

// WireConfig configures a websocket session to the core.
type WireConfig struct {
	// Addr is the core websocket URL, e.g. ws://core.local:9330/api.
	Addr string
	// TokenPath is the file holding the persisted authorization token. Read
	// once at startup; rewritten when the core rotates the token.
	TokenPath string
	// DisplayName identifies this client in the core's extension list.
	DisplayName string
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
}

// WireSession is the websocket implementation of Session. A reader goroutine
// translates core pushes into typed events; request/reply pairs (register,
// image fetch) are correlated by request id.
type WireSession struct {
	cfg    WireConfig
	events chan Event

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan envelope
	closed    bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Session = (*WireSession)(nil)

// Dial starts a session to the core. It returns immediately; the connection
// is established (and re-established after loss) in the background, with
// CoreConnected/CoreLost events marking the transitions.
func Dial(cfg WireConfig) *WireSession {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	s := &WireSession{
		cfg:     cfg,
		events:  make(chan Event, 256),
		pending: make(map[string]chan envelope),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.connectLoop()
	return s
}

func (s *WireSession) Events() <-chan Event { return s.events }

func (s *WireSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *WireSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.events)
	return nil
}

// connectLoop dials the core, registers, reads until the connection drops,
// then retries with exponential backoff.
func (s *WireSession) connectLoop() {
	defer s.wg.Done()

	backoff := time.Second
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := s.dialAndRegister()
		if err != nil {
			log.Printf("SESSION: connect to %s failed: %v", s.cfg.Addr, err)
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.readMessages(conn)

		s.mu.Lock()
		s.connected = false
		s.conn = nil
		s.failPendingLocked()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.emit(CoreLost{Reason: "connection lost"})
	}
}

func (s *WireSession) dialAndRegister() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.Dial(s.cfg.Addr, nil)
	if err != nil {
		return nil, err
	}

	token, err := s.loadToken()
	if err != nil {
		log.Printf("SESSION: token read failed, registering unauthorized: %v", err)
	}

	requestID := uuid.NewString()
	body, _ := json.Marshal(registerBody{Token: token, DisplayName: s.cfg.DisplayName})
	if err := conn.WriteJSON(envelope{RequestID: requestID, Name: msgRegister, Body: body}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	var reply envelope
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var reg registerReply
	if err := json.Unmarshal(reply.Body, &reg); err != nil || reply.Name != msgRegister {
		conn.Close()
		return nil, fmt.Errorf("unexpected register reply %q", reply.Name)
	}
	if reg.Token != "" && reg.Token != token {
		if err := s.saveToken(reg.Token); err != nil {
			log.Printf("SESSION: token save failed: %v", err)
		}
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	log.Printf("SESSION: registered with core %s (%s)", reg.CoreName, reg.CoreVersion)
	s.emit(CoreConnected{CoreName: reg.CoreName, CoreVersion: reg.CoreVersion})
	return conn, nil
}

// readMessages drains the connection until it errors, dispatching replies to
// pending waiters and translating pushes into events.
func (s *WireSession) readMessages(conn *websocket.Conn) {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("SESSION: read error: %v", err)
			}
			conn.Close()
			return
		}

		if env.RequestID != "" {
			s.mu.Lock()
			waiter := s.pending[env.RequestID]
			delete(s.pending, env.RequestID)
			s.mu.Unlock()
			if waiter != nil {
				waiter <- env
				continue
			}
			// Subscription acks echo a request id but have no waiter; they
			// fall through to event translation.
		}

		if ev, ok := translate(env); ok {
			s.emit(ev)
		}
	}
}

// translate maps a core push message onto the typed event stream.
func translate(env envelope) (Event, bool) {
	switch env.Name {
	case msgZonesSnapshot:
		var body struct {
			Zones []Zone `json:"zones"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad zones_snapshot: %v", err)}, true
		}
		return ZonesSnapshot{Zones: body.Zones}, true
	case msgZonesChanged:
		var body struct {
			Zones []Zone `json:"zones"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad zones_changed: %v", err)}, true
		}
		return ZonesChanged{Zones: body.Zones}, true
	case msgZonesDelta:
		var body struct {
			Deltas []ZoneDelta `json:"deltas"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad zones_delta: %v", err)}, true
		}
		for _, d := range body.Deltas {
			if d.State != nil && !d.State.Valid() {
				return ProtocolError{Message: fmt.Sprintf("bad zones_delta: state %q", *d.State)}, true
			}
		}
		return ZonesDelta{Deltas: body.Deltas}, true
	case msgZonesRemoved:
		var body struct {
			ZoneIDs []string `json:"zone_ids"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad zones_removed: %v", err)}, true
		}
		return ZonesRemoved{ZoneIDs: body.ZoneIDs}, true
	case msgZonesSeek:
		var body struct {
			Ticks []struct {
				ZoneID   string `json:"zone_id"`
				Position int    `json:"seek_position"`
			} `json:"zones_seek_changed"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad zones_seek: %v", err)}, true
		}
		now := time.Now()
		ticks := make([]SeekTick, 0, len(body.Ticks))
		for _, t := range body.Ticks {
			ticks = append(ticks, SeekTick{ZoneID: t.ZoneID, Position: t.Position, At: now})
		}
		return ZonesSeek{Ticks: ticks}, true
	case msgQueueSnapshot:
		var body struct {
			Items []QueueItem `json:"items"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad queue_snapshot: %v", err)}, true
		}
		return QueueSnapshot{Items: body.Items}, true
	case msgQueueDelta:
		var body struct {
			Changes []struct {
				Operation string      `json:"operation"`
				Index     int         `json:"index"`
				Count     int         `json:"count,omitempty"`
				Items     []QueueItem `json:"items,omitempty"`
			} `json:"changes"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad queue_delta: %v", err)}, true
		}
		var delta QueueDelta
		for _, ch := range body.Changes {
			switch ch.Operation {
			case "insert":
				delta.Inserts = append(delta.Inserts, QueueInsert{Index: ch.Index, Items: ch.Items})
			case "remove":
				count := ch.Count
				if count == 0 {
					count = 1
				}
				delta.Removals = append(delta.Removals, QueueRemove{Index: ch.Index, Count: count})
			default:
				return ProtocolError{Message: fmt.Sprintf("unknown queue operation %q", ch.Operation)}, true
			}
		}
		return delta, true
	case msgOutputsChanged:
		var body struct {
			ZoneID  string   `json:"zone_id"`
			Outputs []Output `json:"outputs"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad outputs_changed: %v", err)}, true
		}
		return OutputsChanged{ZoneID: body.ZoneID, Outputs: body.Outputs}, true
	case msgSubscriptionAck:
		var body struct {
			Handle string `json:"handle"`
		}
		if err := json.Unmarshal(env.Body, &body); err != nil {
			return ProtocolError{Message: fmt.Sprintf("bad subscription_ack: %v", err)}, true
		}
		return SubscriptionAck{RequestID: env.RequestID, Handle: body.Handle}, true
	case msgSubscriptionFailed:
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(env.Body, &body)
		return SubscriptionFailed{RequestID: env.RequestID, Reason: body.Reason}, true
	case msgError:
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Body, &body)
		return ProtocolError{Message: body.Message}, true
	default:
		return ProtocolError{Message: fmt.Sprintf("unknown message %q", env.Name)}, true
	}
}

func (s *WireSession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// send writes one envelope under the write lock.
func (s *WireSession) send(env envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.conn == nil || !s.connected {
		return ErrNotConnected
	}
	return s.conn.WriteJSON(env)
}

// request sends an envelope and waits for the correlated reply.
func (s *WireSession) request(ctx context.Context, name string, body any) (envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return envelope{}, err
	}
	requestID := uuid.NewString()
	waiter := make(chan envelope, 1)

	s.mu.Lock()
	s.pending[requestID] = waiter
	s.mu.Unlock()

	if err := s.send(envelope{RequestID: requestID, Name: name, Body: raw}); err != nil {
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return envelope{}, err
	}

	select {
	case reply, ok := <-waiter:
		if !ok {
			return envelope{}, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, requestID)
		s.mu.Unlock()
		return envelope{}, ctx.Err()
	case <-s.done:
		return envelope{}, ErrSessionClosed
	}
}

// failPendingLocked closes all in-flight request waiters. Caller holds mu.
func (s *WireSession) failPendingLocked() {
	for id, waiter := range s.pending {
		close(waiter)
		delete(s.pending, id)
	}
}

// command sends a fire-and-forget envelope with a fresh request id.
func (s *WireSession) command(name string, body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	requestID := uuid.NewString()
	if err := s.send(envelope{RequestID: requestID, Name: name, Body: raw}); err != nil {
		return "", err
	}
	return requestID, nil
}

func (s *WireSession) Control(ctx context.Context, zoneID string, action Control) error {
	_, err := s.command(msgControl, map[string]any{"zone_id": zoneID, "control": string(action)})
	return err
}

func (s *WireSession) Seek(ctx context.Context, zoneID string, seconds int) error {
	_, err := s.command(msgSeek, map[string]any{"zone_id": zoneID, "how": "absolute", "seconds": seconds})
	return err
}

func (s *WireSession) Mute(ctx context.Context, outputID string, mute bool) error {
	how := "unmute"
	if mute {
		how = "mute"
	}
	_, err := s.command(msgMute, map[string]any{"output_id": outputID, "how": how})
	return err
}

func (s *WireSession) PlayFromQueueItem(ctx context.Context, zoneID string, itemID uint32) error {
	_, err := s.command(msgPlayFromHere, map[string]any{"zone_id": zoneID, "queue_item_id": itemID})
	return err
}

func (s *WireSession) SubscribeQueue(ctx context.Context, zoneID string, maxItems int) (string, error) {
	return s.command(msgSubscribeQueue, map[string]any{"zone_id": zoneID, "max_item_count": maxItems})
}

func (s *WireSession) UnsubscribeQueue(ctx context.Context, handle string) (string, error) {
	return s.command(msgUnsubscribeQueue, map[string]any{"handle": handle})
}

func (s *WireSession) SubscribeZones(ctx context.Context) error {
	_, err := s.command(msgSubscribeZones, map[string]any{})
	return err
}

func (s *WireSession) FetchImage(ctx context.Context, key string, width, height int) (ImageData, error) {
	reply, err := s.request(ctx, msgFetchImage, map[string]any{
		"image_key": key,
		"scale":     "fit",
		"width":     width,
		"height":    height,
		"format":    "image/jpeg",
	})
	if err != nil {
		return ImageData{}, err
	}
	if reply.Name == msgError {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(reply.Body, &body)
		return ImageData{}, fmt.Errorf("image fetch rejected: %s", body.Message)
	}
	var img imageReply
	if err := json.Unmarshal(reply.Body, &img); err != nil {
		return ImageData{}, fmt.Errorf("bad image reply: %w", err)
	}
	return ImageData{ContentType: img.ContentType, Data: img.Data}, nil
}

func (s *WireSession) loadToken() (string, error) {
	if s.cfg.TokenPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(s.cfg.TokenPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var state struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return "", err
	}
	return state.Token, nil
}

func (s *WireSession) saveToken(token string) error {
	if s.cfg.TokenPath == "" {
		return nil
	}
	data, _ := json.MarshalIndent(map[string]string{"token": token}, "", "  ")
	return os.WriteFile(s.cfg.TokenPath, data, 0o600)
}
