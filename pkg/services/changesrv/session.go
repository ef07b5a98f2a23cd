package changesrv

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPongLimit is the maximum time a client can take to respond to a ping.
	wsPongLimit = 60 * time.Second

	// wsPingPeriod is the ping period for an active websocket connection.
	wsPingPeriod = wsPongLimit / 2

	// wsWriteLimit is the maximum time a websocket frame write can take.
	wsWriteLimit = wsPingPeriod / 2

	// wsReadLimit caps inbound frame size. Wallets subscribe whole account
	// trees in one batch, so this is roomy.
	wsReadLimit = 1 << 20

	// sessionBufSize is the capacity of a session's outbound queue. A client
	// that lets this many frames pile up is cut off.
	sessionBufSize = 1024
)

// session is one connected wallet client. Replies and event pushes travel
// through a single outbound queue, so a subscribe reply always reaches the
// socket before any update for the subscriptions it acknowledged.
type session struct {
	id     string
	remote string
	ws     *websocket.Conn

	out       chan interface{}
	quit      chan struct{}
	closeOnce sync.Once

	// armedLock pairs reply delivery with arming so the event fan-out can't
	// overtake the reply that acknowledged the subscription.
	armedLock sync.Mutex
	armed     map[string]map[string]bool
}

func newSession(ws *websocket.Conn, remote string) *session {
	return &session{
		remote: remote,
		ws:     ws,
		out:    make(chan interface{}, sessionBufSize),
		quit:   make(chan struct{}),
		armed:  map[string]map[string]bool{},
	}
}

// send queues a frame for the writer without ever blocking. A session whose
// queue is full is dropped with a 1011 close, there is no backpressure at
// this layer.
func (c *session) send(msg interface{}) bool {
	select {
	case <-c.quit:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		c.drop(websocket.CloseInternalServerErr, "write queue overflow")
		return false
	}
}

// sendReply queues a reply and arms the given subscription keys as one step.
func (c *session) sendReply(msg interface{}, arm []subKey) bool {
	c.armedLock.Lock()
	defer c.armedLock.Unlock()
	if !c.send(msg) {
		return false
	}
	for _, k := range arm {
		addrs := c.armed[k.plugin]
		if addrs == nil {
			addrs = map[string]bool{}
			c.armed[k.plugin] = addrs
		}
		addrs[k.address] = true
	}
	return true
}

func (c *session) isArmed(plugin, address string) bool {
	c.armedLock.Lock()
	defer c.armedLock.Unlock()
	return c.armed[plugin][address]
}

func (c *session) disarm(plugin, address string) {
	c.armedLock.Lock()
	defer c.armedLock.Unlock()
	if addrs, ok := c.armed[plugin]; ok {
		delete(addrs, address)
		if len(addrs) == 0 {
			delete(c.armed, plugin)
		}
	}
}

// drop terminates the session, sending a best-effort close frame first when
// code is non-zero. Safe to call repeatedly and concurrently with the writer.
func (c *session) drop(code int, reason string) {
	c.closeOnce.Do(func() {
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteLimit))
		}
		close(c.quit)
	})
}

// handleWsWrites is the per-session writer goroutine. It owns all data
// writes to the socket and closes it on the way out, which unblocks the
// reader as well.
func (s *Server) handleWsWrites(c *session) {
	pingTicker := time.NewTicker(wsPingPeriod)
eventloop:
	for {
		select {
		case <-s.shutdown:
			c.drop(websocket.CloseGoingAway, "server shutting down")
			break eventloop
		case <-c.quit:
			break eventloop
		case msg := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				break eventloop
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.drop(websocket.CloseInternalServerErr, "write failed")
				break eventloop
			}
		case <-pingTicker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				break eventloop
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				break eventloop
			}
		}
	}
	pingTicker.Stop()
	c.drop(0, "")
	c.ws.Close()
}

// handleWsReads runs on the connection's HTTP handler goroutine and
// dispatches inbound frames until the socket dies, then releases everything
// the session held.
func (s *Server) handleWsReads(c *session) {
	ws := c.ws
	ws.SetReadLimit(wsReadLimit)
	err := ws.SetReadDeadline(time.Now().Add(wsPongLimit))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(wsPongLimit)) })
requestloop:
	for err == nil {
		var data []byte
		if _, data, err = ws.ReadMessage(); err != nil {
			break requestloop
		}
		resp, arm := s.handleMessage(c, data)
		if !c.sendReply(resp, arm) {
			break requestloop
		}
	}
	s.dropSession(c)
}
