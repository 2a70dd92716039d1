package roon

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned for commands issued while the session has
	// no registered core connection.
	ErrNotConnected = errors.New("not connected to core")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("session closed")
)

// Session is the capability this service consumes from the core: a stream of
// typed events and a sink of typed commands. Transport commands are
// fire-and-forget; the core's event stream is the only confirmation. Queue
// subscribe/unsubscribe calls return immediately with a request id that is
// later matched by a SubscriptionAck or SubscriptionFailed event.
type Session interface {
	// Events returns the push stream. It is closed when the session shuts
	// down for good. Exactly one goroutine may drain it.
	Events() <-chan Event

	// Connected reports whether a core is currently registered.
	Connected() bool

	Control(ctx context.Context, zoneID string, action Control) error
	Seek(ctx context.Context, zoneID string, seconds int) error
	Mute(ctx context.Context, outputID string, mute bool) error
	PlayFromQueueItem(ctx context.Context, zoneID string, itemID uint32) error

	// SubscribeQueue asks the core for the queue of zoneID. The returned
	// request id correlates the eventual ack or failure event.
	SubscribeQueue(ctx context.Context, zoneID string, maxItems int) (requestID string, err error)
	// UnsubscribeQueue cancels the subscription identified by handle. The
	// returned request id correlates the ack.
	UnsubscribeQueue(ctx context.Context, handle string) (requestID string, err error)

	// SubscribeZones (re)requests the zone stream; the core answers with a
	// fresh ZonesSnapshot followed by incremental updates. Used at register
	// time and as the resync path when cache integrity is in doubt.
	SubscribeZones(ctx context.Context) error

	// FetchImage retrieves album art by its opaque key.
	FetchImage(ctx context.Context, key string, width, height int) (ImageData, error)

	Close() error
}
