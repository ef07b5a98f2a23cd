package blockbook

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

const (
	// MaxAddressesPerConnection caps how many addresses share one data
	// connection; the next subscribe above the cap opens a fresh one.
	MaxAddressesPerConnection = 100

	// Application-level ping interval for all open connections.
	pingPeriod = 50 * time.Second

	maxReconnectDelay = 60 * time.Second
	reconnectSlack    = 3 * time.Second

	// Parallelism cap for watchlist sweeps and ping fan-outs.
	sweepParallelism = 20
)

type (
	subscribedReply struct {
		Subscribed bool `json:"subscribed"`
	}

	accountTx struct {
		Txid          string `json:"txid"`
		Confirmations int64  `json:"confirmations"`
		BlockHeight   int64  `json:"blockHeight"`
	}

	accountInfo struct {
		UnconfirmedTxs int         `json:"unconfirmedTxs"`
		Transactions   []accountTx `json:"transactions"`
	}

	// dataConn is one pooled address connection and the addresses it owns.
	dataConn struct {
		conn  *Conn
		addrs []string
	}

	// Options configure a Blockbook adapter instance.
	Options struct {
		PluginID string
		// URL of the Blockbook WebSocket endpoint, already expanded.
		URL string
		Log *zap.Logger
	}

	// Adapter keeps one pooled set of data connections for address
	// subscriptions plus a dedicated always-alive block connection, and
	// tracks mempool transactions until they confirm.
	Adapter struct {
		*upstream.Emitter

		pluginID string
		url      string
		log      *zap.Logger

		mu         sync.Mutex
		conns      []*dataConn
		addrToConn map[string]*dataConn
		watchlist  map[string]map[string]bool
		blockConn  *Conn

		blockCh    chan int64
		addrPushCh chan json.RawMessage
		backoff    backoff
	}
)

// backoff is the step-off reconnect policy for the block connection: a
// reconnect within delay+3s of the previous one doubles the delay (capped
// at 60s), a slower one resets it to 1s.
type backoff struct {
	delay time.Duration
	last  time.Time
	now   func() time.Time
}

func (b *backoff) next() time.Duration {
	now := b.now()
	if now.Sub(b.last) < b.delay+reconnectSlack {
		b.delay *= 2
		if b.delay > maxReconnectDelay {
			b.delay = maxReconnectDelay
		}
	} else {
		b.delay = time.Second
	}
	b.last = now
	return b.delay
}

// New returns a running adapter: the block connection loop starts
// immediately, data connections open on demand as addresses arrive.
func New(opts Options) *Adapter {
	a := &Adapter{
		Emitter:    upstream.NewEmitter(),
		pluginID:   opts.PluginID,
		url:        opts.URL,
		log:        opts.Log.With(zap.String("plugin", opts.PluginID)),
		addrToConn: make(map[string]*dataConn),
		watchlist:  make(map[string]map[string]bool),
		blockCh:    make(chan int64, 8),
		addrPushCh: make(chan json.RawMessage, upstream.EventBufSize),
		backoff:    backoff{now: time.Now},
	}
	go a.blockLoop()
	go a.run()
	return a
}

// PluginID implements the upstream.Adapter interface.
func (a *Adapter) PluginID() string {
	return a.pluginID
}

// Subscribe implements the upstream.Adapter interface. The address joins
// the tail data connection (opening a new one at the cap) and the
// connection's full address list is re-issued upstream.
func (a *Adapter) Subscribe(ctx context.Context, address string) (bool, error) {
	if a.Destroyed() {
		return false, upstream.ErrDestroyed
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.addrToConn[address]; ok {
		return true, nil
	}

	var dc *dataConn
	if n := len(a.conns); n > 0 && len(a.conns[n-1].addrs) < MaxAddressesPerConnection {
		dc = a.conns[n-1]
	} else {
		conn, err := a.dialData(ctx)
		if err != nil {
			upstream.ErrorSeen(a.pluginID, a.url)
			return false, err
		}
		dc = conn
		a.conns = append(a.conns, dc)
	}
	dc.addrs = append(dc.addrs, address)
	a.addrToConn[address] = dc

	ok, err := a.subscribeAddressesLocked(ctx, dc)
	if err != nil || !ok {
		a.dropFromConnLocked(dc, address)
		return false, err
	}
	return true, nil
}

// Unsubscribe implements the upstream.Adapter interface. The residual
// address list replaces the connection's upstream subscription; a drained
// connection is closed instead.
func (a *Adapter) Unsubscribe(ctx context.Context, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.watchlist, address)
	dc, ok := a.addrToConn[address]
	if !ok {
		return nil
	}
	a.dropFromConnLocked(dc, address)
	if len(dc.addrs) == 0 {
		return nil
	}
	ok, err := a.subscribeAddressesLocked(ctx, dc)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("upstream refused the residual address list")
	}
	return nil
}

// Scan implements the upstream.Adapter interface: it asks Blockbook for the
// address's history starting at the checkpoint. Mempool transactions seen
// during the scan enter the watchlist so their confirmation triggers a
// second update.
func (a *Adapter) Scan(ctx context.Context, address, checkpoint string) (bool, error) {
	if a.Destroyed() {
		return false, upstream.ErrDestroyed
	}
	if checkpoint == "" {
		return true, nil
	}
	from, err := strconv.ParseInt(checkpoint, 10, 64)
	if err != nil {
		return true, nil
	}

	a.mu.Lock()
	bc := a.blockConn
	a.mu.Unlock()
	if bc == nil {
		return false, errors.New("block connection not ready")
	}

	var info accountInfo
	err = bc.Call(ctx, "getAccountInfo", map[string]interface{}{
		"descriptor": address,
		"details":    "txs",
		"from":       from,
	}, &info)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	for _, tx := range info.Transactions {
		if tx.Confirmations < 0 {
			a.watchLocked(address, tx.Txid)
		}
	}
	a.mu.Unlock()

	return info.UnconfirmedTxs > 0 || len(info.Transactions) > 0, nil
}

// Destroy implements the upstream.Adapter interface.
func (a *Adapter) Destroy() {
	a.Emitter.Close()

	a.mu.Lock()
	conns := a.conns
	bc := a.blockConn
	a.conns = nil
	a.blockConn = nil
	a.addrToConn = make(map[string]*dataConn)
	a.watchlist = make(map[string]map[string]bool)
	a.mu.Unlock()

	for _, dc := range conns {
		dc.conn.Close()
	}
	if bc != nil {
		bc.Close()
	}
}

func (a *Adapter) dialData(ctx context.Context) (*dataConn, error) {
	dc := &dataConn{}
	conn, err := Dial(ctx, a.url, ConnOpts{
		Log:    a.log,
		OnPush: a.handleAddressPush,
		OnClose: func(err error) {
			a.handleDataConnClose(dc, err)
		},
	})
	if err != nil {
		return nil, err
	}
	dc.conn = conn
	upstream.ConnectSeen(a.pluginID, a.url)
	return dc, nil
}

func (a *Adapter) subscribeAddressesLocked(ctx context.Context, dc *dataConn) (bool, error) {
	var reply subscribedReply
	err := dc.conn.Call(ctx, "subscribeAddresses", map[string]interface{}{
		"addresses": dc.addrs,
	}, &reply)
	if err != nil {
		return false, err
	}
	return reply.Subscribed, nil
}

func (a *Adapter) dropFromConnLocked(dc *dataConn, address string) {
	delete(a.addrToConn, address)
	for i, addr := range dc.addrs {
		if addr == address {
			dc.addrs = append(dc.addrs[:i], dc.addrs[i+1:]...)
			break
		}
	}
	if len(dc.addrs) == 0 {
		a.removeConnLocked(dc)
		dc.conn.Close()
	}
}

func (a *Adapter) removeConnLocked(dc *dataConn) {
	for i, x := range a.conns {
		if x == dc {
			a.conns = append(a.conns[:i], a.conns[i+1:]...)
			break
		}
	}
}

// handleDataConnClose runs when a data connection's transport dies. Every
// address it owned is dropped and reported as lost in one event; deliberate
// closes were already detached from the pool and end up as no-ops here.
func (a *Adapter) handleDataConnClose(dc *dataConn, err error) {
	upstream.DisconnectSeen(a.pluginID, a.url)

	a.mu.Lock()
	present := false
	for _, x := range a.conns {
		if x == dc {
			present = true
			break
		}
	}
	if !present {
		a.mu.Unlock()
		return
	}
	a.removeConnLocked(dc)
	lost := dc.addrs
	dc.addrs = nil
	for _, addr := range lost {
		delete(a.addrToConn, addr)
		delete(a.watchlist, addr)
	}
	a.mu.Unlock()

	a.log.Warn("data connection lost",
		zap.Int("addresses", len(lost)),
		zap.Error(err))
	a.EmitSubLost(lost)
}

// handleAddressPush runs on a data connection's reader goroutine, so it
// only hands the payload over to the run loop.
func (a *Adapter) handleAddressPush(data json.RawMessage) {
	select {
	case a.addrPushCh <- data:
	case <-a.Quit():
	}
}

func (a *Adapter) processAddressPush(data json.RawMessage) {
	var push struct {
		Address string    `json:"address"`
		Tx      accountTx `json:"tx"`
	}
	if err := json.Unmarshal(data, &push); err != nil || push.Address == "" {
		a.log.Debug("unrecognized address push")
		return
	}
	if push.Tx.Confirmations > 0 {
		checkpoint := ""
		if push.Tx.BlockHeight > 0 {
			checkpoint = strconv.FormatInt(push.Tx.BlockHeight, 10)
		}
		a.EmitUpdate(push.Address, checkpoint)
		return
	}
	a.mu.Lock()
	a.watchLocked(push.Address, push.Tx.Txid)
	a.mu.Unlock()
	a.EmitUpdate(push.Address, "")
}

func (a *Adapter) handleBlockPush(data json.RawMessage) {
	var push struct {
		Height int64  `json:"height"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(data, &push); err != nil || push.Height == 0 {
		return
	}
	// Coalesce: a pending sweep covers this block too.
	select {
	case a.blockCh <- push.Height:
	default:
	}
}

func (a *Adapter) watchLocked(address, txid string) {
	if txid == "" {
		return
	}
	set := a.watchlist[address]
	if set == nil {
		set = make(map[string]bool)
		a.watchlist[address] = set
	}
	set[txid] = true
}

// run serializes the adapter's background work: address pushes, watchlist
// sweeps on new blocks and the periodic application pings.
func (a *Adapter) run() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-a.Quit():
			return
		case data := <-a.addrPushCh:
			a.processAddressPush(data)
		case height := <-a.blockCh:
			a.sweepWatchlist(height)
		case <-ticker.C:
			a.pingAll()
		}
	}
}

// sweepWatchlist re-checks every watched address after a new block: txids
// that gained confirmations leave the watchlist, and an address that lost
// at least one gets an update at the new height.
func (a *Adapter) sweepWatchlist(height int64) {
	a.mu.Lock()
	addrs := make([]string, 0, len(a.watchlist))
	for addr := range a.watchlist {
		addrs = append(addrs, addr)
	}
	bc := a.blockConn
	a.mu.Unlock()
	if len(addrs) == 0 || bc == nil {
		return
	}

	checkpoint := strconv.FormatInt(height, 10)
	var g errgroup.Group
	g.SetLimit(sweepParallelism)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			var info accountInfo
			err := bc.Call(context.Background(), "getAccountInfo", map[string]interface{}{
				"descriptor": addr,
				"details":    "txslight",
			}, &info)
			if err != nil {
				a.log.Warn("watchlist check failed",
					zap.String("address", addr),
					zap.Error(err))
				return nil
			}
			dropped := false
			a.mu.Lock()
			set := a.watchlist[addr]
			for _, tx := range info.Transactions {
				if tx.Confirmations > 0 && set[tx.Txid] {
					delete(set, tx.Txid)
					dropped = true
				}
			}
			if len(set) == 0 {
				delete(a.watchlist, addr)
			}
			a.mu.Unlock()
			if dropped {
				a.EmitUpdate(addr, checkpoint)
			}
			return nil
		})
	}
	g.Wait()
}

// pingAll sends the application ping on every open connection. Failures are
// logged and left for the read deadline to clean up.
func (a *Adapter) pingAll() {
	a.mu.Lock()
	targets := make([]*Conn, 0, len(a.conns)+1)
	for _, dc := range a.conns {
		targets = append(targets, dc.conn)
	}
	if a.blockConn != nil {
		targets = append(targets, a.blockConn)
	}
	a.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(sweepParallelism)
	for _, conn := range targets {
		conn := conn
		g.Go(func() error {
			if err := conn.Call(context.Background(), "ping", nil, nil); err != nil {
				a.log.Warn("ping failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
}

// blockLoop keeps the dedicated block-notification connection alive for the
// whole life of the adapter, reconnecting with the step-off backoff.
func (a *Adapter) blockLoop() {
	for {
		if a.Destroyed() {
			return
		}
		if conn, err := a.dialBlock(); err != nil {
			upstream.ErrorSeen(a.pluginID, a.url)
			a.log.Warn("block connection failed", zap.Error(err))
		} else {
			a.mu.Lock()
			a.blockConn = conn
			a.mu.Unlock()
			a.log.Info("block connection up")

			select {
			case <-conn.Done():
				upstream.DisconnectSeen(a.pluginID, a.url)
				a.log.Warn("block connection lost")
			case <-a.Quit():
				conn.Close()
				return
			}
			a.mu.Lock()
			if a.blockConn == conn {
				a.blockConn = nil
			}
			a.mu.Unlock()
		}

		select {
		case <-time.After(a.backoff.next()):
		case <-a.Quit():
			return
		}
	}
}

func (a *Adapter) dialBlock() (*Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	conn, err := Dial(ctx, a.url, ConnOpts{
		Log:    a.log,
		OnPush: a.handleBlockPush,
	})
	if err != nil {
		return nil, err
	}
	upstream.ConnectSeen(a.pluginID, a.url)
	var reply subscribedReply
	if err := conn.Call(ctx, "subscribeNewBlock", nil, &reply); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
