package changesrv

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/changerpc"
)

func startTestServer(t *testing.T, plugins ...Plugin) *Server {
	errCh := make(chan error, 2)
	s := New("127.0.0.1:0", plugins, zaptest.NewLogger(t), errCh)
	s.Start()
	select {
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	default:
	}
	t.Cleanup(s.Shutdown)
	return s
}

func dialWS(t *testing.T, s *Server) (*websocket.Conn, chan []byte) {
	dialer := websocket.Dialer{HandshakeTimeout: time.Second}
	ws, r, err := dialer.Dial("ws://"+s.Addr+"/", nil)
	require.NoError(t, err)
	r.Body.Close()
	t.Cleanup(func() { ws.Close() })

	msgs := make(chan []byte, 16)
	go func() {
		for {
			_, body, err := ws.ReadMessage()
			if err != nil {
				close(msgs)
				return
			}
			msgs <- body
		}
	}()
	return ws, msgs
}

func nextFrame(t *testing.T, msgs <-chan []byte) []byte {
	select {
	case body, ok := <-msgs:
		require.True(t, ok, "connection closed while waiting for a frame")
		return body
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no frame within deadline")
		return nil
	}
}

func expectNoFrame(t *testing.T, msgs <-chan []byte, wait time.Duration) {
	select {
	case body, ok := <-msgs:
		if ok {
			require.FailNowf(t, "unexpected frame", "%s", body)
		}
	case <-time.After(wait):
	}
}

func callRaw(t *testing.T, ws *websocket.Conn, msgs <-chan []byte, msg string) *changerpc.Response {
	require.NoError(t, ws.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))

	resp := new(changerpc.Response)
	require.NoError(t, json.Unmarshal(nextFrame(t, msgs), resp))
	return resp
}

func callSubscribe(t *testing.T, ws *websocket.Conn, msgs <-chan []byte, params string) []int {
	resp := callRaw(t, ws, msgs, fmt.Sprintf(`{"jsonrpc":"2.0","method":"subscribe","params":%s,"id":1}`, params))
	require.Nil(t, resp.Error)
	var codes []int
	require.NoError(t, json.Unmarshal(resp.Result, &codes))
	return codes
}

func callUnsubscribe(t *testing.T, ws *websocket.Conn, msgs <-chan []byte, params string) {
	resp := callRaw(t, ws, msgs, fmt.Sprintf(`{"jsonrpc":"2.0","method":"unsubscribe","params":%s,"id":2}`, params))
	require.Nil(t, resp.Error)
	require.Equal(t, json.RawMessage("null"), resp.Result)
}

func getNotification(t *testing.T, msgs <-chan []byte) *changerpc.Notification {
	ntf := new(changerpc.Notification)
	require.NoError(t, json.Unmarshal(nextFrame(t, msgs), ntf))
	return ntf
}

func TestSubscribeScanCodes(t *testing.T) {
	a := newFakeAdapter("scan")
	a.scan = func(address, checkpoint string) (bool, error) {
		return checkpoint != "999999999", nil
	}
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{1}, callSubscribe(t, ws, msgs, `[["scan","addr1","999999999"]]`))
	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["scan","addr2","42"]]`))
	// No checkpoint means the client has no prior state at all.
	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["scan","addr3"]]`))
	require.Equal(t, []string{"addr1", "addr2", "addr3"}, a.subscribeCalls())
}

func TestSubscribeUnknownPlugin(t *testing.T) {
	s := startTestServer(t, Plugin{Adapter: newFakeAdapter("p")})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{-1}, callSubscribe(t, ws, msgs, `[["nope","addr1"]]`))
}

func TestSubscribeNoScanPlugin(t *testing.T) {
	a := newFakeAdapter("noscan")
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["noscan","addr1"]]`))
	require.Equal(t, []string{"addr1"}, a.subscribeCalls())
}

func TestSubscribeRefused(t *testing.T) {
	a := newFakeAdapter("p")
	a.refuse = true
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{0}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))

	// The refused tuple was untracked again: a retry is a first subscriber.
	a.lock.Lock()
	a.refuse = false
	a.lock.Unlock()
	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))
	require.Equal(t, []string{"addr1"}, a.subscribeCalls())
}

func TestSubscribeUpstreamError(t *testing.T) {
	a := newFakeAdapter("p")
	a.subErr = errors.New("upstream down")
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{0}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))
}

func TestScanFailOpen(t *testing.T) {
	a := newFakeAdapter("p")
	a.scan = func(string, string) (bool, error) {
		return false, errors.New("every backend down")
	}
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","addr1","100"]]`))
}

func TestBatchKeepsInputOrder(t *testing.T) {
	scan := newFakeAdapter("scan")
	scan.scan = func(_, checkpoint string) (bool, error) {
		return checkpoint != "999999999", nil
	}
	refusing := newFakeAdapter("refusing")
	refusing.refuse = true
	noscan := newFakeAdapter("noscan")
	s := startTestServer(t,
		Plugin{Adapter: scan}, Plugin{Adapter: refusing}, Plugin{Adapter: noscan})
	ws, msgs := dialWS(t, s)

	codes := callSubscribe(t, ws, msgs,
		`[["missing","a"],["refusing","b"],["scan","c","999999999"],["noscan","d"],["scan","e","7"]]`)
	require.Equal(t, []int{-1, 0, 1, 2, 2}, codes)
}

func TestFanOutSharedUpstream(t *testing.T) {
	a := newFakeAdapter("p")
	s := startTestServer(t, Plugin{Adapter: a})
	ws1, msgs1 := dialWS(t, s)
	ws2, msgs2 := dialWS(t, s)

	require.Equal(t, []int{2}, callSubscribe(t, ws1, msgs1, `[["p","addr1"]]`))
	require.Equal(t, []int{2}, callSubscribe(t, ws2, msgs2, `[["p","addr1"]]`))
	require.Equal(t, []string{"addr1"}, a.subscribeCalls())

	a.EmitUpdate("addr1", "100")
	for _, msgs := range []chan []byte{msgs1, msgs2} {
		ntf := getNotification(t, msgs)
		require.Equal(t, changerpc.MethodUpdate, ntf.Method)
		require.Equal(t, changerpc.Tuple{PluginID: "p", Address: "addr1", Checkpoint: "100"}, ntf.Params)
		expectNoFrame(t, msgs, 100*time.Millisecond)
	}

	// The first client leaving keeps the shared upstream subscription alive.
	ws1.Close()
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, a.unsubscribeCalls())

	ws2.Close()
	require.Eventually(t, func() bool {
		return len(a.unsubscribeCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"addr1"}, a.unsubscribeCalls())
}

func TestSubLostLifecycle(t *testing.T) {
	a := newFakeAdapter("p")
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))

	a.EmitSubLost([]string{"addr1"})
	ntf := getNotification(t, msgs)
	require.Equal(t, changerpc.MethodSubLost, ntf.Method)
	require.Equal(t, changerpc.Tuple{PluginID: "p", Address: "addr1"}, ntf.Params)

	// The address was dropped from the index, later updates reach nobody.
	a.EmitUpdate("addr1", "101")
	expectNoFrame(t, msgs, 150*time.Millisecond)

	// Re-subscribing after the loss is a first subscriber again.
	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))
	require.Equal(t, []string{"addr1", "addr1"}, a.subscribeCalls())
}

func TestSubscribeIdempotentPerConnection(t *testing.T) {
	a := newFakeAdapter("p")
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	for i := 0; i < 3; i++ {
		require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))
	}
	require.Equal(t, []string{"addr1"}, a.subscribeCalls())

	callUnsubscribe(t, ws, msgs, `[["p","addr1"]]`)
	require.Equal(t, []string{"addr1"}, a.unsubscribeCalls())

	// Unsubscribing a non-subscription is a no-op.
	callUnsubscribe(t, ws, msgs, `[["p","addr1"]]`)
	callUnsubscribe(t, ws, msgs, `[["p","never-subscribed"]]`)
	require.Equal(t, []string{"addr1"}, a.unsubscribeCalls())

	a.EmitUpdate("addr1", "100")
	expectNoFrame(t, msgs, 150*time.Millisecond)
}

func TestCloseReleasesUniquelyHeldOnly(t *testing.T) {
	a := newFakeAdapter("p")
	s := startTestServer(t, Plugin{Adapter: a})
	ws1, msgs1 := dialWS(t, s)
	ws2, msgs2 := dialWS(t, s)

	require.Equal(t, []int{2, 2}, callSubscribe(t, ws1, msgs1, `[["p","mine"],["p","shared"]]`))
	require.Equal(t, []int{2}, callSubscribe(t, ws2, msgs2, `[["p","shared"]]`))

	ws1.Close()
	require.Eventually(t, func() bool {
		return len(a.unsubscribeCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"mine"}, a.unsubscribeCalls())

	// The shared address still flows to the surviving client.
	a.EmitUpdate("shared", "100")
	ntf := getNotification(t, msgs2)
	require.Equal(t, changerpc.Tuple{PluginID: "p", Address: "shared", Checkpoint: "100"}, ntf.Params)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, a.unsubscribeCalls(), 1)
}

func TestNormalizedSharing(t *testing.T) {
	a := newFakeAdapter("evm")
	s := startTestServer(t, Plugin{Adapter: a, Normalize: strings.ToLower})
	ws1, msgs1 := dialWS(t, s)
	ws2, msgs2 := dialWS(t, s)

	require.Equal(t, []int{2}, callSubscribe(t, ws1, msgs1, `[["evm","0xABCD"]]`))
	require.Equal(t, []int{2}, callSubscribe(t, ws2, msgs2, `[["evm","0xabcd"]]`))
	// One shared upstream subscription, carrying the first client's form.
	require.Equal(t, []string{"0xABCD"}, a.subscribeCalls())

	// The update keeps whatever case the adapter reported.
	a.EmitUpdate("0xAbCd", "55")
	for _, msgs := range []chan []byte{msgs1, msgs2} {
		ntf := getNotification(t, msgs)
		require.Equal(t, changerpc.Tuple{PluginID: "evm", Address: "0xAbCd", Checkpoint: "55"}, ntf.Params)
	}
}

// TestReplyPrecedesUpdates exercises the subscribe window: an update emitted
// while the subscribe call is still scanning must never reach the client
// before the subscribe reply does.
func TestReplyPrecedesUpdates(t *testing.T) {
	a := newFakeAdapter("p")
	release := make(chan struct{})
	scanning := make(chan struct{})
	a.scan = func(string, string) (bool, error) {
		close(scanning)
		<-release
		return true, nil
	}
	s := startTestServer(t, Plugin{Adapter: a})
	ws, msgs := dialWS(t, s)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","method":"subscribe","params":[["p","addr1","9"]],"id":1}`)))
	<-scanning

	// Tracked but unacknowledged: this update must not be delivered.
	a.EmitUpdate("addr1", "10")
	time.Sleep(100 * time.Millisecond)
	close(release)

	resp := new(changerpc.Response)
	require.NoError(t, json.Unmarshal(nextFrame(t, msgs), resp))
	require.Nil(t, resp.Error)
	var codes []int
	require.NoError(t, json.Unmarshal(resp.Result, &codes))
	require.Equal(t, []int{2}, codes)

	// Updates emitted after the acknowledgement flow normally.
	a.EmitUpdate("addr1", "11")
	ntf := getNotification(t, msgs)
	require.Equal(t, changerpc.Tuple{PluginID: "p", Address: "addr1", Checkpoint: "11"}, ntf.Params)
	expectNoFrame(t, msgs, 100*time.Millisecond)
}

func TestProtocolErrors(t *testing.T) {
	s := startTestServer(t, Plugin{Adapter: newFakeAdapter("p")})
	ws, msgs := dialWS(t, s)

	check := func(msg string, code int64, wantID string) {
		t.Helper()
		resp := callRaw(t, ws, msgs, msg)
		require.NotNil(t, resp.Error, "for %s", msg)
		require.Equal(t, code, resp.Error.Code, "for %s", msg)
		require.Equal(t, json.RawMessage(wantID), resp.ID, "for %s", msg)
	}

	check(`garbage`, -32600, `null`)
	check(`{"jsonrpc":"1.0","method":"subscribe","params":[["p","a"]],"id":1}`, -32600, `1`)
	check(`{"jsonrpc":"2.0","method":"frobnicate","id":2}`, -32601, `2`)
	check(`{"jsonrpc":"2.0","method":"subscribe","params":"nope","id":3}`, -32602, `3`)
	check(`{"jsonrpc":"2.0","method":"subscribe","params":[],"id":4}`, -32602, `4`)
	check(`{"jsonrpc":"2.0","method":"subscribe","params":[["p"]],"id":5}`, -32602, `5`)
	check(`{"jsonrpc":"2.0","method":"subscribe","params":[["p","a","c","extra"]],"id":6}`, -32602, `6`)
	// subscribe and unsubscribe are calls and need ids.
	check(`{"jsonrpc":"2.0","method":"subscribe","params":[["p","a"]]}`, -32600, `null`)
	check(`{"jsonrpc":"2.0","method":"unsubscribe","params":[["p","a"]]}`, -32600, `null`)

	// The connection survived all of it.
	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","a"]]`))
}

func TestWebhookRouteMounted(t *testing.T) {
	inner := newFakeAdapter("hooked")
	a := &fakeWebhookAdapter{
		fakeAdapter: inner,
		route:       "alchemy/hooked",
		handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("pong"))
		}),
	}
	s := startTestServer(t, Plugin{Adapter: a})

	resp, err := http.Get("http://" + s.Addr + "/webhook/alchemy/hooked")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "pong", string(body))

	// Unclaimed webhook paths still answer health checks but reject posts.
	probe, err := http.Get("http://" + s.Addr + "/webhook/alchemy/other")
	require.NoError(t, err)
	probe.Body.Close()
	require.Equal(t, http.StatusOK, probe.StatusCode)

	missing, err := http.Post("http://"+s.Addr+"/webhook/alchemy/other", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestShutdownClosesSessions(t *testing.T) {
	a := newFakeAdapter("p")
	errCh := make(chan error, 2)
	s := New("127.0.0.1:0", []Plugin{{Adapter: a}}, zaptest.NewLogger(t), errCh)
	s.Start()
	ws, msgs := dialWS(t, s)
	require.Equal(t, []int{2}, callSubscribe(t, ws, msgs, `[["p","addr1"]]`))

	s.Shutdown()
	select {
	case _, ok := <-msgs:
		require.False(t, ok, "expected the server to close the connection")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "connection still open after shutdown")
	}
}
