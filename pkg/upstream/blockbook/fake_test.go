package blockbook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

// fakeBlockbook is an in-process Blockbook endpoint: string ids, {id, data}
// envelopes, errors inside data and pushes reusing the last subscribe id.
type fakeBlockbook struct {
	t   testing.TB
	srv *httptest.Server
	url string

	lock            sync.Mutex
	conns           []*fakeConn
	refuseSubscribe bool
	accounts        map[string]accountInfo
	calls           []fakeCall
}

type fakeCall struct {
	Method string
	Params json.RawMessage
}

type fakeConn struct {
	ws *websocket.Conn

	lock      sync.Mutex
	writeLock sync.Mutex
	addrLists [][]string
	isBlock   bool
	lastID    string
	closed    bool
}

func newFakeBlockbook(t testing.TB) *fakeBlockbook {
	f := &fakeBlockbook{t: t, accounts: make(map[string]accountInfo)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{ws: ws}
		f.lock.Lock()
		f.conns = append(f.conns, fc)
		f.lock.Unlock()
		f.serve(fc)
	}))
	t.Cleanup(f.srv.Close)
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	return f
}

func (f *fakeBlockbook) serve(fc *fakeConn) {
	for {
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := fc.ws.ReadJSON(&req); err != nil {
			fc.lock.Lock()
			fc.closed = true
			fc.lock.Unlock()
			return
		}
		f.lock.Lock()
		f.calls = append(f.calls, fakeCall{Method: req.Method, Params: req.Params})
		refuse := f.refuseSubscribe
		f.lock.Unlock()

		var data interface{}
		switch req.Method {
		case "subscribeAddresses":
			var p struct {
				Addresses []string `json:"addresses"`
			}
			require.NoError(f.t, json.Unmarshal(req.Params, &p))
			fc.lock.Lock()
			fc.addrLists = append(fc.addrLists, p.Addresses)
			fc.lastID = req.ID
			fc.lock.Unlock()
			data = map[string]bool{"subscribed": !refuse}
		case "subscribeNewBlock":
			fc.lock.Lock()
			fc.isBlock = true
			fc.lastID = req.ID
			fc.lock.Unlock()
			data = map[string]bool{"subscribed": true}
		case "getAccountInfo":
			var p struct {
				Descriptor string `json:"descriptor"`
				Details    string `json:"details"`
			}
			require.NoError(f.t, json.Unmarshal(req.Params, &p))
			f.lock.Lock()
			info := f.accounts[p.Descriptor+"/"+p.Details]
			f.lock.Unlock()
			data = info
		case "ping":
			data = map[string]string{}
		case "stall":
			continue
		default:
			data = map[string]interface{}{
				"error": map[string]string{"message": "unknown method " + req.Method},
			}
		}
		fc.writeEnvelope(f.t, req.ID, data)
	}
}

func (fc *fakeConn) writeEnvelope(t testing.TB, id string, data interface{}) {
	raw, err := json.Marshal(map[string]interface{}{"id": id, "data": data})
	require.NoError(t, err)
	fc.writeLock.Lock()
	defer fc.writeLock.Unlock()
	fc.ws.WriteMessage(websocket.TextMessage, raw)
}

// push delivers a subscription notification under the connection's last
// subscribe id.
func (f *fakeBlockbook) push(fc *fakeConn, data interface{}) {
	fc.lock.Lock()
	id := fc.lastID
	fc.lock.Unlock()
	fc.writeEnvelope(f.t, id, data)
}

func (f *fakeBlockbook) setAccount(descriptor, details string, info accountInfo) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.accounts[descriptor+"/"+details] = info
}

func (f *fakeBlockbook) setRefuse(v bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.refuseSubscribe = v
}

func (f *fakeBlockbook) callsFor(method string) []fakeCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// blockConn waits for the dedicated block connection to come up.
func (f *fakeBlockbook) blockConn() *fakeConn {
	var found *fakeConn
	require.Eventually(f.t, func() bool {
		f.lock.Lock()
		defer f.lock.Unlock()
		for _, fc := range f.conns {
			fc.lock.Lock()
			isBlock := fc.isBlock
			fc.lock.Unlock()
			if isBlock {
				found = fc
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "block connection never arrived")
	return found
}

func (f *fakeBlockbook) conn(i int) *fakeConn {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.conns[i]
}

func (f *fakeBlockbook) allConns() []*fakeConn {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func (f *fakeBlockbook) connCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.conns)
}

// dataConns returns the connections that have subscribed addresses.
func (f *fakeBlockbook) dataConns() []*fakeConn {
	f.lock.Lock()
	defer f.lock.Unlock()
	var out []*fakeConn
	for _, fc := range f.conns {
		fc.lock.Lock()
		if !fc.isBlock && len(fc.addrLists) > 0 {
			out = append(out, fc)
		}
		fc.lock.Unlock()
	}
	return out
}

func (fc *fakeConn) lastAddrList() []string {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	if len(fc.addrLists) == 0 {
		return nil
	}
	return fc.addrLists[len(fc.addrLists)-1]
}

func (fc *fakeConn) isClosed() bool {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.closed
}

func nextEvent(t *testing.T, a *Adapter) upstream.Event {
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no event within deadline")
		return upstream.Event{}
	}
}

func expectNoEvent(t *testing.T, a *Adapter, wait time.Duration) {
	select {
	case ev := <-a.Events():
		require.FailNowf(t, "unexpected event", "%+v", ev)
	case <-time.After(wait):
	}
}
