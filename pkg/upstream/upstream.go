/*
Package upstream defines the contract between the hub and the per-chain data
sources. An adapter owns the connection(s) to one upstream service, keeps
exactly one upstream subscription per tracked address and reports on-chain
activity as typed events over a bounded channel read by the hub.
*/
package upstream

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// EventBufSize is the capacity of an adapter's event channel.
const EventBufSize = 1024

var (
	// ErrScanUnsupported is returned by Scan for plugins that have no
	// historical lookup backend.
	ErrScanUnsupported = errors.New("scan not supported")
	// ErrDestroyed is returned by operations on a destroyed adapter.
	ErrDestroyed = errors.New("adapter destroyed")
)

type (
	// Update says the address saw activity. An empty checkpoint means the
	// chain position is unknown and the client should refresh regardless.
	Update struct {
		Address    string
		Checkpoint string
	}

	// SubLost says the upstream subscription for these addresses is gone;
	// subscribed clients have to re-subscribe.
	SubLost struct {
		Addresses []string
	}

	// Event is an adapter-to-hub notification. Exactly one field is set.
	Event struct {
		Update  *Update
		SubLost *SubLost
	}

	// Adapter is one upstream data source serving a single plugin.
	//
	// Subscribe registers the address upstream and reports whether the
	// upstream accepted it; Unsubscribe drops it. Scan answers whether the
	// address has activity past the checkpoint, or ErrScanUnsupported.
	// Events delivers activity for subscribed addresses until Destroy is
	// called; Destroy stops every background loop and must be idempotent.
	Adapter interface {
		PluginID() string
		Subscribe(ctx context.Context, address string) (bool, error)
		Unsubscribe(ctx context.Context, address string) error
		Scan(ctx context.Context, address, checkpoint string) (bool, error)
		Events() <-chan Event
		Destroy()
	}

	// WebhookReceiver is implemented by adapters fed through provider
	// callbacks. The serving layer mounts the handler under /webhook/.
	WebhookReceiver interface {
		WebhookRoute() (path string, handler http.Handler)
	}
)

// Emitter is the event-channel half shared by all adapter implementations.
// Emits never block forever: once Close is called pending emits fall through.
type Emitter struct {
	events    chan Event
	quit      chan struct{}
	closeOnce sync.Once
}

// NewEmitter returns a ready to use Emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		events: make(chan Event, EventBufSize),
		quit:   make(chan struct{}),
	}
}

// Events returns the channel the hub reads adapter events from.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Quit returns a channel closed when the adapter is destroyed, for use in
// the adapter's own select loops.
func (e *Emitter) Quit() <-chan struct{} {
	return e.quit
}

// Destroyed returns whether Close was called.
func (e *Emitter) Destroyed() bool {
	select {
	case <-e.quit:
		return true
	default:
		return false
	}
}

// EmitUpdate sends an Update event unless the emitter is closed.
func (e *Emitter) EmitUpdate(address, checkpoint string) {
	select {
	case e.events <- Event{Update: &Update{Address: address, Checkpoint: checkpoint}}:
	case <-e.quit:
	}
}

// EmitSubLost sends a SubLost event unless the emitter is closed.
func (e *Emitter) EmitSubLost(addresses []string) {
	if len(addresses) == 0 {
		return
	}
	select {
	case e.events <- Event{SubLost: &SubLost{Addresses: addresses}}:
	case <-e.quit:
	}
}

// Close marks the emitter destroyed, releasing all blocked and future emits.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
}
