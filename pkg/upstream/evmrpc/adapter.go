package evmrpc

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/scan"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

// transferTopic is the keccak hash of Transfer(address,address,uint256),
// the first topic of every ERC-20/721 transfer log.
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

const (
	defaultPollInterval = 5 * time.Second
	logRetries          = 10
	logRetryBase        = 250 * time.Millisecond
)

type (
	evmTx struct {
		Hash string `json:"hash"`
		From string `json:"from"`
		To   string `json:"to"`
	}

	evmBlock struct {
		Hash         string  `json:"hash"`
		Transactions []evmTx `json:"transactions"`
	}

	evmLog struct {
		Topics []string `json:"topics"`
	}

	traceEntry struct {
		Action struct {
			From string `json:"from"`
			To   string `json:"to"`
		} `json:"action"`
	}

	callFrame struct {
		From  string      `json:"from"`
		To    string      `json:"to"`
		Calls []callFrame `json:"calls"`
	}

	// Options configure an EVM-RPC adapter instance.
	Options struct {
		PluginID string
		// URLs is the ordered fallback list of JSON-RPC endpoints,
		// already expanded.
		URLs []string
		// ScanBackends answer the has-it-changed question at subscribe
		// time; empty means the plugin has no scan support.
		ScanBackends []scan.Backend
		// InternalTransfers enables trace-based matching of internal
		// value movements.
		InternalTransfers bool
		PollInterval      time.Duration
		Log               *zap.Logger
	}

	// Adapter polls for new blocks and matches every transaction, ERC-20
	// transfer log and (optionally) internal call against the subscribed
	// address set. Subscribe and unsubscribe are in-memory only: the poll
	// loop always runs.
	Adapter struct {
		*upstream.Emitter

		pluginID          string
		client            *Client
		scanBackends      []scan.Backend
		internalTransfers bool
		pollInterval      time.Duration
		retryBase         time.Duration
		log               *zap.Logger

		mu         sync.Mutex
		subscribed map[string]string // normalized -> original form
		lastBlock  uint64
	}
)

// New returns a running adapter; its poll loop starts immediately.
func New(opts Options) *Adapter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	a := &Adapter{
		Emitter:           upstream.NewEmitter(),
		pluginID:          opts.PluginID,
		client:            NewClient(opts.PluginID, opts.URLs, opts.Log.With(zap.String("plugin", opts.PluginID))),
		scanBackends:      opts.ScanBackends,
		internalTransfers: opts.InternalTransfers,
		pollInterval:      opts.PollInterval,
		retryBase:         logRetryBase,
		log:               opts.Log.With(zap.String("plugin", opts.PluginID)),
		subscribed:        make(map[string]string),
	}
	go a.run()
	return a
}

// PluginID implements the upstream.Adapter interface.
func (a *Adapter) PluginID() string {
	return a.pluginID
}

// Subscribe implements the upstream.Adapter interface. Registration is a
// map insert, the poll loop picks the address up at the next block.
func (a *Adapter) Subscribe(ctx context.Context, address string) (bool, error) {
	if a.Destroyed() {
		return false, upstream.ErrDestroyed
	}
	a.mu.Lock()
	a.subscribed[strings.ToLower(address)] = address
	a.mu.Unlock()
	return true, nil
}

// Unsubscribe implements the upstream.Adapter interface.
func (a *Adapter) Unsubscribe(ctx context.Context, address string) error {
	a.mu.Lock()
	delete(a.subscribed, strings.ToLower(address))
	a.mu.Unlock()
	return nil
}

// Scan implements the upstream.Adapter interface. Backends are tried in
// random order and the first definitive answer wins; if every backend
// fails the answer is changed, wasting a client refresh rather than
// missing activity.
func (a *Adapter) Scan(ctx context.Context, address, checkpoint string) (bool, error) {
	if a.Destroyed() {
		return false, upstream.ErrDestroyed
	}
	if len(a.scanBackends) == 0 {
		return false, upstream.ErrScanUnsupported
	}
	for _, i := range rand.Perm(len(a.scanBackends)) {
		changed, err := a.scanBackends[i].Scan(ctx, address, checkpoint)
		if err != nil {
			a.log.Warn("scan backend failed", zap.Error(err))
			continue
		}
		return changed, nil
	}
	return true, nil
}

// Destroy implements the upstream.Adapter interface.
func (a *Adapter) Destroy() {
	a.Emitter.Close()
}

func (a *Adapter) run() {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.Quit():
			return
		case <-ticker.C:
			a.poll(context.Background())
		}
	}
}

// poll processes every block in (lastBlock, head], advancing lastBlock per
// height so a failed block is retried at the next tick.
func (a *Adapter) poll(ctx context.Context) {
	var headHex string
	if err := a.client.Call(ctx, "eth_blockNumber", nil, &headHex); err != nil {
		a.log.Warn("head fetch failed", zap.Error(err))
		return
	}
	head, err := parseHexUint(headHex)
	if err != nil {
		a.log.Warn("bad head", zap.String("head", headHex), zap.Error(err))
		return
	}

	a.mu.Lock()
	if a.lastBlock == 0 {
		// First sighting: start at the current head, history belongs to scan.
		a.lastBlock = head
	}
	last := a.lastBlock
	a.mu.Unlock()

	for h := last + 1; h <= head; h++ {
		if !a.handleBlock(ctx, h) {
			return
		}
		a.mu.Lock()
		a.lastBlock = h
		a.mu.Unlock()
	}
}

func (a *Adapter) handleBlock(ctx context.Context, height uint64) bool {
	var blk evmBlock
	if err := a.client.Call(ctx, "eth_getBlockByNumber", []interface{}{hexUint(height), true}, &blk); err != nil {
		a.log.Warn("block fetch failed", zap.Uint64("height", height), zap.Error(err))
		return false
	}

	a.mu.Lock()
	subs := make(map[string]string, len(a.subscribed))
	for n, orig := range a.subscribed {
		subs[n] = orig
	}
	a.mu.Unlock()
	if len(subs) == 0 {
		return true
	}

	marked := make(map[string]bool)
	mark := func(addr string) {
		if orig, ok := subs[strings.ToLower(addr)]; ok {
			marked[orig] = true
		}
	}

	for _, tx := range blk.Transactions {
		mark(tx.From)
		mark(tx.To)
	}

	if logs, err := a.getLogs(ctx, blk.Hash); err != nil {
		a.log.Error("transfer logs lost for block",
			zap.Uint64("height", height),
			zap.Error(err))
	} else {
		for _, l := range logs {
			// topics[1] and topics[2] are the padded from/to addresses.
			if len(l.Topics) < 3 {
				continue
			}
			for _, t := range l.Topics[1:3] {
				if addr, ok := topicAddress(t); ok {
					mark(addr)
				}
			}
		}
	}

	if a.internalTransfers {
		a.traceBlock(ctx, height, blk.Transactions, mark)
	}

	checkpoint := strconv.FormatUint(height, 10)
	for orig := range marked {
		a.EmitUpdate(orig, checkpoint)
	}
	return true
}

// getLogs fetches the block's ERC-20 transfer logs, retrying with a growing
// delay. Exhausted retries lose the log matches of this block only; the
// transaction and trace matches still go out.
func (a *Adapter) getLogs(ctx context.Context, blockHash string) ([]evmLog, error) {
	var lastErr error
	for attempt := 1; attempt <= logRetries; attempt++ {
		var logs []evmLog
		err := a.client.Call(ctx, "eth_getLogs", []interface{}{map[string]interface{}{
			"blockHash": blockHash,
			"topics":    []interface{}{transferTopic},
		}}, &logs)
		if err == nil {
			return logs, nil
		}
		lastErr = err
		timer := time.NewTimer(a.retryBase * time.Duration(attempt))
		select {
		case <-timer.C:
		case <-a.Quit():
			timer.Stop()
			return nil, lastErr
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// traceBlock matches internal value movements: trace_block where the node
// offers it, per-transaction call tracing as the fallback.
func (a *Adapter) traceBlock(ctx context.Context, height uint64, txs []evmTx, mark func(string)) {
	var traces []traceEntry
	err := a.client.Call(ctx, "trace_block", []interface{}{hexUint(height)}, &traces)
	if err == nil {
		for _, tr := range traces {
			mark(tr.Action.From)
			mark(tr.Action.To)
		}
		return
	}
	a.log.Debug("trace_block unavailable, tracing transactions", zap.Error(err))

	for _, tx := range txs {
		var frame callFrame
		err := a.client.Call(ctx, "debug_traceTransaction",
			[]interface{}{tx.Hash, map[string]string{"tracer": "callTracer"}}, &frame)
		if err != nil {
			a.log.Debug("transaction trace failed", zap.String("tx", tx.Hash), zap.Error(err))
			continue
		}
		walkCalls(frame, mark)
	}
}

func walkCalls(frame callFrame, mark func(string)) {
	mark(frame.From)
	mark(frame.To)
	for _, sub := range frame.Calls {
		walkCalls(sub, mark)
	}
}

// topicAddress unpacks a 32-byte-padded topic into the 20-byte address it
// carries.
func topicAddress(topic string) (string, bool) {
	if len(topic) != 66 || !strings.HasPrefix(topic, "0x") {
		return "", false
	}
	return "0x" + topic[26:], true
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}

func hexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
