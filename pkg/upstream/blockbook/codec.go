/*
Package blockbook implements the direct-WebSocket upstream adapter speaking
the Blockbook dialect: string request ids, replies wrapped in a {id, data}
envelope with errors carried inside data, and subscription pushes delivered
under the id of the original subscribe call.
*/
package blockbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// Message limit for Blockbook replies, account histories can be large.
	wsReadLimit = 16 << 20
	// Timeout for individual WS writes.
	wsWriteLimit = 10 * time.Second
	// Deadline for reads; the adapter's application-level pings keep the
	// connection busier than this.
	wsPongLimit = 3 * pingPeriod
	// Timeout for a request/reply round trip.
	callTimeout = 30 * time.Second
)

// ErrChannelClosed is returned by pending calls when the transport goes away
// before the reply arrives.
var ErrChannelClosed = errors.New("channel closed")

type (
	wsRequest struct {
		ID     string      `json:"id"`
		Method string      `json:"method"`
		Params interface{} `json:"params,omitempty"`
	}

	wsEnvelope struct {
		ID   string          `json:"id"`
		Data json.RawMessage `json:"data"`
	}

	wsReply struct {
		data json.RawMessage
		err  error
	}

	// ConnOpts carry the per-connection callbacks. OnPush receives the data
	// of every frame whose id matches no pending call (i.e. subscription
	// pushes); OnClose fires exactly once when the transport dies, with the
	// read error that killed it. Both may be nil and run on the reader
	// goroutine, so they must not issue synchronous Calls on this Conn.
	ConnOpts struct {
		Log     *zap.Logger
		OnPush  func(data json.RawMessage)
		OnClose func(err error)
	}

	// Conn is a single Blockbook WebSocket connection with an id-correlated
	// request/reply layer on top.
	Conn struct {
		ws   *websocket.Conn
		opts ConnOpts

		requests chan *wsRequest
		shutdown chan struct{}
		done     chan struct{}

		reqID atomic.Uint64

		pendingLock sync.Mutex
		pending     map[string]chan wsReply

		closeOnce sync.Once
	}
)

// Dial opens a Blockbook WebSocket connection and starts its read/write
// loops.
func Dial(ctx context.Context, url string, opts ConnOpts) (*Conn, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c := &Conn{
		ws:       ws,
		opts:     opts,
		requests: make(chan *wsRequest),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[string]chan wsReply),
	}
	go c.wsReader()
	go c.wsWriter()
	return c, nil
}

// Call performs a request/reply round trip. The reply's data is unmarshaled
// into result when result is non-nil; a Blockbook error object inside data
// comes back as an error.
func (c *Conn) Call(ctx context.Context, method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	id := strconv.FormatUint(c.reqID.Add(1), 10)
	ch := make(chan wsReply, 1)
	c.pendingLock.Lock()
	c.pending[id] = ch
	c.pendingLock.Unlock()

	req := &wsRequest{ID: id, Method: method, Params: params}
	select {
	case c.requests <- req:
	case <-c.done:
		c.dropPending(id)
		return ErrChannelClosed
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return reply.err
		}
		return decodeData(reply.data, result)
	case <-c.done:
		c.dropPending(id)
		return ErrChannelClosed
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// Done returns a channel closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. Pending calls fail with ErrChannelClosed.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.ws.Close()
	})
}

func (c *Conn) dropPending(id string) {
	c.pendingLock.Lock()
	delete(c.pending, id)
	c.pendingLock.Unlock()
}

func (c *Conn) wsReader() {
	c.ws.SetReadLimit(wsReadLimit)
	var readErr error
readloop:
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(wsPongLimit)); err != nil {
			readErr = err
			break readloop
		}
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			break readloop
		}
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.opts.Log.Warn("unparseable frame", zap.Error(err))
			continue
		}
		c.pendingLock.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.pendingLock.Unlock()
		if ok {
			ch <- wsReply{data: env.Data}
			continue readloop
		}
		if c.opts.OnPush != nil {
			c.opts.OnPush(env.Data)
		} else {
			c.opts.Log.Debug("dropping push", zap.String("id", env.ID))
		}
	}

	c.Close()
	c.pendingLock.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- wsReply{err: ErrChannelClosed}
	}
	c.pendingLock.Unlock()
	close(c.done)
	if c.opts.OnClose != nil {
		c.opts.OnClose(readErr)
	}
}

func (c *Conn) wsWriter() {
	for {
		select {
		case <-c.shutdown:
			return
		case req := <-c.requests:
			if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteLimit)); err != nil {
				c.opts.Log.Warn("write failed", zap.Error(err))
				c.Close()
				return
			}
			if err := c.ws.WriteJSON(req); err != nil {
				c.opts.Log.Warn("write failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

// decodeData unwraps the Blockbook data payload: an {"error":{…}} object is
// a failed call, anything else unmarshals into result.
func decodeData(data []byte, result interface{}) error {
	var check struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &check); err == nil && check.Error != nil {
		return fmt.Errorf("upstream error: %s", check.Error.Message)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(data, result)
}
