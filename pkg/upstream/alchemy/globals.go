package alchemy

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Globals is the per-process state shared by every alchemy adapter: the
// dashboard client, one memoized team-webhook fetch, the signing-key store
// and the worker relay. Construct exactly one per process, or concurrent
// adapters will stampede the dashboard API.
type Globals struct {
	Client    *Client
	Keys      *KeyStore
	Relay     Relay
	PublicURI string

	log *zap.Logger

	lock    sync.Mutex
	hooks   []Webhook
	fetched bool
}

// NewGlobals wires the shared webhook state. A nil relay selects the
// single-worker NopRelay.
func NewGlobals(client *Client, publicURI string, relay Relay, log *zap.Logger) *Globals {
	if relay == nil {
		relay = NopRelay{}
	}
	g := &Globals{
		Client:    client,
		Relay:     relay,
		PublicURI: strings.TrimSuffix(publicURI, "/"),
		log:       log,
	}
	// Key refreshes bypass the memoized list: a peer worker may have
	// created its webhook after our snapshot.
	g.Keys = NewKeyStore(g.PublicURI, client.TeamWebhooks, log)
	return g
}

// TeamWebhooks returns the team webhook list, fetched at most once. The
// lock is held across the fetch so concurrent first callers share a single
// request; a failed fetch is not cached and the next caller retries.
func (g *Globals) TeamWebhooks(ctx context.Context) ([]Webhook, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if g.fetched {
		return g.hooks, nil
	}
	hooks, err := g.Client.TeamWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	g.hooks = hooks
	g.fetched = true
	return hooks, nil
}
