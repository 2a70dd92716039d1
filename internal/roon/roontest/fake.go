// Package roontest provides a scripted in-memory Session for tests and for
// running the server without a reachable core.
package roontest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jdrivas/roon-rd/internal/roon"
)

// Call records one command issued against the fake session.
type Call struct {
	Name   string
	ZoneID string
	Handle string
	Args   map[string]any
}

// FakeSession implements roon.Session. Tests push events with Emit and
// inspect issued commands with Calls. Subscribe and unsubscribe requests get
// deterministic request ids ("req-1", "req-2", ...) so scripted acks can
// reference them.
type FakeSession struct {
	mu        sync.Mutex
	events    chan roon.Event
	calls     []Call
	connected bool
	closed    bool
	nextReq   int

	// SubscribeErr / UnsubscribeErr, when set, fail the next matching call.
	SubscribeErr   error
	UnsubscribeErr error

	// Images backs FetchImage; missing keys return an error.
	Images map[string]roon.ImageData
	// FetchDelay, when non-nil, is closed by the test to release in-flight
	// FetchImage calls (for fetch-collapse tests).
	FetchDelay chan struct{}
	fetchCount int
}

var _ roon.Session = (*FakeSession)(nil)

func NewFakeSession() *FakeSession {
	return &FakeSession{
		events:    make(chan roon.Event, 64),
		connected: true,
		Images:    make(map[string]roon.ImageData),
	}
}

// Emit pushes an event into the stream the syncer drains.
func (f *FakeSession) Emit(ev roon.Event) {
	f.events <- ev
}

func (f *FakeSession) Events() <-chan roon.Event { return f.events }

func (f *FakeSession) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected flips the local connected flag; pair with Emit(CoreLost) or
// Emit(CoreConnected) to exercise disconnect paths.
func (f *FakeSession) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// Calls returns a copy of the recorded command log.
func (f *FakeSession) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallNames returns just the command names, in order.
func (f *FakeSession) CallNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.calls))
	for i, c := range f.calls {
		names[i] = c.Name
	}
	return names
}

func (f *FakeSession) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *FakeSession) Control(ctx context.Context, zoneID string, action roon.Control) error {
	f.record(Call{Name: "control", ZoneID: zoneID, Args: map[string]any{"control": string(action)}})
	return nil
}

func (f *FakeSession) Seek(ctx context.Context, zoneID string, seconds int) error {
	f.record(Call{Name: "seek", ZoneID: zoneID, Args: map[string]any{"seconds": seconds}})
	return nil
}

func (f *FakeSession) Mute(ctx context.Context, outputID string, mute bool) error {
	f.record(Call{Name: "mute", Args: map[string]any{"output_id": outputID, "mute": mute}})
	return nil
}

func (f *FakeSession) PlayFromQueueItem(ctx context.Context, zoneID string, itemID uint32) error {
	f.record(Call{Name: "play_from_here", ZoneID: zoneID, Args: map[string]any{"queue_item_id": itemID}})
	return nil
}

func (f *FakeSession) SubscribeQueue(ctx context.Context, zoneID string, maxItems int) (string, error) {
	f.mu.Lock()
	if err := f.SubscribeErr; err != nil {
		f.SubscribeErr = nil
		f.mu.Unlock()
		return "", err
	}
	f.nextReq++
	requestID := fmt.Sprintf("req-%d", f.nextReq)
	f.calls = append(f.calls, Call{Name: "subscribe_queue", ZoneID: zoneID, Args: map[string]any{"request_id": requestID}})
	f.mu.Unlock()
	return requestID, nil
}

func (f *FakeSession) UnsubscribeQueue(ctx context.Context, handle string) (string, error) {
	f.mu.Lock()
	if err := f.UnsubscribeErr; err != nil {
		f.UnsubscribeErr = nil
		f.mu.Unlock()
		return "", err
	}
	f.nextReq++
	requestID := fmt.Sprintf("req-%d", f.nextReq)
	f.calls = append(f.calls, Call{Name: "unsubscribe_queue", Handle: handle, Args: map[string]any{"request_id": requestID}})
	f.mu.Unlock()
	return requestID, nil
}

func (f *FakeSession) SubscribeZones(ctx context.Context) error {
	f.record(Call{Name: "subscribe_zones"})
	return nil
}

func (f *FakeSession) FetchImage(ctx context.Context, key string, width, height int) (roon.ImageData, error) {
	f.mu.Lock()
	f.fetchCount++
	delay := f.FetchDelay
	img, ok := f.Images[key]
	f.mu.Unlock()

	if delay != nil {
		select {
		case <-delay:
		case <-ctx.Done():
			return roon.ImageData{}, ctx.Err()
		}
	}
	if !ok {
		return roon.ImageData{}, fmt.Errorf("no image for key %q", key)
	}
	return img, nil
}

// FetchCount reports how many FetchImage calls reached the session.
func (f *FakeSession) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCount
}

func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.connected = false
	close(f.events)
	return nil
}
