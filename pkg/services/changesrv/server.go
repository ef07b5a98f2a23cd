/*
Package changesrv implements the websocket server wallet clients talk to.

Each client connection runs a JSON-RPC 2.0 session with two methods,
subscribe and unsubscribe, both taking batches of (plugin, address,
checkpoint?) tuples. The server answers subscribe with one result code per
tuple and from then on pushes update and subLost notifications as the
subscribed addresses see on-chain activity. Subscriptions are
reference-counted per plugin, so any number of clients can share a single
upstream subscription for the same address.
*/
package changesrv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/changerpc"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/substate"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type (
	// Plugin is one chain data source to serve through the hub.
	Plugin struct {
		Adapter upstream.Adapter
		// Normalize maps addresses to their canonical subscription key
		// (lower-casing for EVM chains); nil means identity.
		Normalize func(string) string
	}

	// plugin couples an adapter with its subscription index.
	plugin struct {
		id      string
		adapter upstream.Adapter
		state   *substate.State
	}

	// Server represents the client-facing websocket server.
	Server struct {
		*http.Server

		log      *zap.Logger
		upgrader websocket.Upgrader
		shutdown chan struct{}
		started  *atomic.Bool
		errChan  chan<- error

		plugins map[string]*plugin

		connLock sync.RWMutex
		sessions map[string]*session
		rnd      *rand.Rand

		pumpWG    sync.WaitGroup
		sessionWG sync.WaitGroup
	}
)

// New creates a Server serving the given plugins on addr. Adapters that
// receive provider callbacks get their handlers mounted under /webhook/.
// Runtime errors of the listener are reported via errChan.
func New(addr string, plugins []Plugin, log *zap.Logger, errChan chan<- error) *Server {
	s := &Server{
		Server: &http.Server{Addr: addr},
		log:    log,
		// Wallets connect from apps and web contexts alike, any origin goes.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		shutdown: make(chan struct{}),
		started:  atomic.NewBool(false),
		errChan:  errChan,
		plugins:  make(map[string]*plugin),
		sessions: make(map[string]*session),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.serveWS)
	mux.HandleFunc("/webhook/", serveWebhookProbe)
	for _, p := range plugins {
		id := p.Adapter.PluginID()
		s.plugins[id] = &plugin{id: id, adapter: p.Adapter, state: substate.New(p.Normalize)}
		if wr, ok := p.Adapter.(upstream.WebhookReceiver); ok {
			route, handler := wr.WebhookRoute()
			mux.Handle("/webhook/"+route, handler)
			log.Info("webhook route mounted",
				zap.String("plugin", id), zap.String("route", "/webhook/"+route))
		}
	}
	s.Handler = mux
	setPluginCount(len(s.plugins))
	return s
}

// Name returns service name.
func (s *Server) Name() string {
	return "change server"
}

// Start runs the listener and the adapter event pumps. The Server only
// starts once, subsequent calls are no-op. Listener errors are reported via
// the errChan passed to New.
func (s *Server) Start() {
	if !s.started.CAS(false, true) {
		s.log.Info("change server already started")
		return
	}
	s.log.Info("starting change server", zap.String("endpoint", s.Addr))
	for _, p := range s.plugins {
		s.pumpWG.Add(1)
		go s.pumpEvents(p)
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		s.errChan <- err
		return
	}
	s.Addr = ln.Addr().String() // set Addr to the actual address
	go func() {
		err := s.Serve(ln)
		if !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("failed to start change server", zap.Error(err))
			s.errChan <- err
		}
	}()
}

// Shutdown stops the server if it's running, closing every client session
// with a going-away frame. It can only be called once, subsequent calls are
// no-op. A stopped instance can not be started again.
func (s *Server) Shutdown() {
	if !s.started.CAS(true, false) {
		return
	}
	s.log.Info("shutting down change server", zap.String("endpoint", s.Addr))

	// Signal to websocket writer routines and the event pumps.
	close(s.shutdown)

	err := s.Server.Shutdown(context.Background())
	if err != nil {
		s.log.Warn("error during change server shutdown", zap.Error(err))
	}

	// Websocket connections are hijacked, http.Server.Shutdown does not
	// wait for them.
	s.sessionWG.Wait()
	s.pumpWG.Wait()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("websocket connection upgrade failed",
			zap.String("remote", remoteAddr(r)), zap.Error(err))
		return
	}
	c := newSession(ws, remoteAddr(r))
	s.register(c)
	s.log.Info("client connected",
		zap.String("client", c.id), zap.String("remote", c.remote))

	s.sessionWG.Add(1)
	defer s.sessionWG.Done()
	go s.handleWsWrites(c)
	s.handleWsReads(c)
}

// register stores the session under a fresh 6-hex-char connection id.
func (s *Server) register(c *session) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	for {
		id := fmt.Sprintf("%06x", s.rnd.Intn(1<<24))
		if _, ok := s.sessions[id]; !ok {
			c.id = id
			s.sessions[id] = c
			break
		}
	}
	updateConnectionCount(len(s.sessions))
}

// dropSession releases everything the session held: its map entry, its
// subscription refcounts and, for addresses it held last, the upstream
// subscriptions themselves.
func (s *Server) dropSession(c *session) {
	c.drop(0, "")
	c.ws.Close()

	s.connLock.Lock()
	delete(s.sessions, c.id)
	left := len(s.sessions)
	s.connLock.Unlock()
	updateConnectionCount(left)

	for _, p := range s.plugins {
		orphaned := p.state.Cleanup(c.id)
		for _, address := range orphaned {
			if err := p.adapter.Unsubscribe(context.Background(), address); err != nil {
				s.log.Warn("upstream unsubscribe failed",
					zap.String("plugin", p.id), zap.Error(err))
			}
		}
		if len(orphaned) > 0 {
			updateSubscriptionCount(p.id, p.state.AddressCount())
		}
	}
	s.log.Info("client disconnected",
		zap.String("client", c.id), zap.String("remote", c.remote))
}

// pumpEvents drains one adapter's event channel into the client fan-out.
func (s *Server) pumpEvents(p *plugin) {
	defer s.pumpWG.Done()
	events := p.adapter.Events()
	for {
		select {
		case <-s.shutdown:
			return
		case ev := <-events:
			changeEventSeen(p.id)
			switch {
			case ev.Update != nil:
				s.notifyUpdate(p, ev.Update.Address, ev.Update.Checkpoint)
			case ev.SubLost != nil:
				s.notifySubLost(p, ev.SubLost.Addresses)
			}
		}
	}
}

func (s *Server) notifyUpdate(p *plugin, address, checkpoint string) {
	key := p.state.Normalize(address)
	note := changerpc.NewUpdateNotification(p.id, address, checkpoint)
	for _, c := range s.sessionsFor(p.state.Connections(key)) {
		if !c.isArmed(p.id, key) {
			continue
		}
		c.send(note)
	}
}

// notifySubLost tells every subscriber to re-subscribe and forgets the
// addresses entirely, armed or not: the upstream subscription is gone either
// way.
func (s *Server) notifySubLost(p *plugin, addresses []string) {
	for _, address := range addresses {
		key := p.state.Normalize(address)
		note := changerpc.NewSubLostNotification(p.id, address)
		for _, c := range s.sessionsFor(p.state.Drop(key)) {
			c.disarm(p.id, key)
			c.send(note)
		}
	}
	updateSubscriptionCount(p.id, p.state.AddressCount())
}

func (s *Server) sessionsFor(ids []string) []*session {
	if len(ids) == 0 {
		return nil
	}
	s.connLock.RLock()
	defer s.connLock.RUnlock()
	out := make([]*session, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.sessions[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// serveWebhookProbe answers load balancer health checks on webhook paths
// that no adapter claimed.
func serveWebhookProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.NotFound(w, r)
}

// remoteAddr prefers the X-Forwarded-For chain set by the load balancer over
// the socket peer.
func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}
