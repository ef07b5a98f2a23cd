package alchemy

import (
	"encoding/json"
	"sync"
)

// relayMessageType tags webhook activity on the relay wire.
const relayMessageType = "webhook-activity"

// RelayMessage is one authenticated activity batch forwarded to peer
// workers. Event carries the raw webhook event object.
type RelayMessage struct {
	Type     string          `json:"type"`
	Origin   string          `json:"origin"`
	PluginID string          `json:"pluginId"`
	Event    json.RawMessage `json:"event"`
}

// Relay fans authenticated webhook activity out to peer workers so that
// load-balanced delivery to one worker still reaches clients connected to
// the others. Listen handlers run on the broadcaster's goroutine and must
// never broadcast themselves, or a worker ring would loop forever.
type Relay interface {
	Broadcast(msg RelayMessage)
	Listen(origin string, handler func(RelayMessage))
}

// NopRelay serves the single-worker deployment: broadcasts go nowhere and
// no peer messages ever arrive.
type NopRelay struct{}

// Broadcast implements the Relay interface.
func (NopRelay) Broadcast(RelayMessage) {}

// Listen implements the Relay interface.
func (NopRelay) Listen(string, func(RelayMessage)) {}

// LocalRelay connects adapters living in one process. Messages reach every
// listener except those registered under the sender's own origin.
type LocalRelay struct {
	lock     sync.Mutex
	handlers map[string][]func(RelayMessage)
}

// NewLocalRelay returns an empty in-process relay.
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{handlers: make(map[string][]func(RelayMessage))}
}

// Listen implements the Relay interface.
func (r *LocalRelay) Listen(origin string, handler func(RelayMessage)) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.handlers[origin] = append(r.handlers[origin], handler)
}

// Broadcast implements the Relay interface.
func (r *LocalRelay) Broadcast(msg RelayMessage) {
	r.lock.Lock()
	var targets []func(RelayMessage)
	for origin, handlers := range r.handlers {
		if origin == msg.Origin {
			continue
		}
		targets = append(targets, handlers...)
	}
	r.lock.Unlock()

	for _, handler := range targets {
		handler(msg)
	}
}
