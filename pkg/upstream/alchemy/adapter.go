package alchemy

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/scan"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

const (
	debounceDelay  = time.Second
	retryDelayBase = time.Second
	maxRetryDelay  = 60 * time.Second
)

type (
	// Options configure an alchemy adapter instance.
	Options struct {
		PluginID string
		// Network is the provider-side chain name, e.g. ETH_MAINNET.
		Network      string
		Globals      *Globals
		ScanBackends []scan.Backend
		Log          *zap.Logger
	}

	// Adapter keeps exactly one address-activity webhook per network alive
	// and mutates its address list through the dashboard API. Mutations are
	// debounced into batches; activity arrives through the HTTP handler and
	// through the worker relay.
	Adapter struct {
		*upstream.Emitter

		pluginID     string
		network      string
		globals      *Globals
		scanBackends []scan.Backend
		origin       string
		log          *zap.Logger

		debounce  time.Duration
		retryBase time.Duration

		mu         sync.Mutex
		subscribed map[string]string // normalized -> original form
		toAdd      map[string]bool
		toRemove   map[string]bool
		timer      *time.Timer
		retries    int
		webhook    *Webhook
		initDone   bool
	}
)

// New returns an adapter serving one (pluginID, network) pair. The webhook
// itself is adopted or created lazily on the first address mutation.
func New(opts Options) *Adapter {
	a := &Adapter{
		Emitter:      upstream.NewEmitter(),
		pluginID:     opts.PluginID,
		network:      opts.Network,
		globals:      opts.Globals,
		scanBackends: opts.ScanBackends,
		origin:       uuid.NewString(),
		log:          opts.Log.With(zap.String("plugin", opts.PluginID)),
		debounce:     debounceDelay,
		retryBase:    retryDelayBase,
		subscribed:   make(map[string]string),
		toAdd:        make(map[string]bool),
		toRemove:     make(map[string]bool),
	}
	a.globals.Relay.Listen(a.origin, a.handleRelay)
	return a
}

// PluginID implements the upstream.Adapter interface.
func (a *Adapter) PluginID() string {
	return a.pluginID
}

// Subscribe implements the upstream.Adapter interface. The address joins
// the pending-add queue; the debounced flush carries it upstream.
func (a *Adapter) Subscribe(ctx context.Context, address string) (bool, error) {
	if a.Destroyed() {
		return false, upstream.ErrDestroyed
	}
	normalized := strings.ToLower(address)
	a.mu.Lock()
	a.subscribed[normalized] = address
	delete(a.toRemove, normalized)
	a.toAdd[normalized] = true
	a.armLocked(a.debounce)
	a.mu.Unlock()
	return true, nil
}

// Unsubscribe implements the upstream.Adapter interface. A queued add for
// the same address is cancelled in place.
func (a *Adapter) Unsubscribe(ctx context.Context, address string) error {
	normalized := strings.ToLower(address)
	a.mu.Lock()
	delete(a.subscribed, normalized)
	delete(a.toAdd, normalized)
	a.toRemove[normalized] = true
	a.armLocked(a.debounce)
	a.mu.Unlock()
	return nil
}

// Scan implements the upstream.Adapter interface. Backends are tried in
// random order and the first definitive answer wins; if every backend fails
// the answer is changed.
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

// Destroy implements the upstream.Adapter interface. The webhook stays
// registered upstream; a restarted process adopts it back.
func (a *Adapter) Destroy() {
	a.Emitter.Close()
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}

// armLocked (re)schedules the flush timer. Callers hold a.mu.
func (a *Adapter) armLocked(d time.Duration) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, a.flush)
}

// flush drains both queues into one dashboard call. On failure the drained
// addresses are restored, newer opposing ops winning, and the timer is
// rearmed with exponential backoff.
func (a *Adapter) flush() {
	ctx := context.Background()

	a.mu.Lock()
	if a.Destroyed() {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	adds := sortedKeys(a.toAdd)
	removes := sortedKeys(a.toRemove)
	a.toAdd = make(map[string]bool)
	a.toRemove = make(map[string]bool)
	a.mu.Unlock()

	if len(adds) == 0 && len(removes) == 0 {
		return
	}

	if err := a.apply(ctx, adds, removes); err != nil {
		a.log.Warn("webhook mutation failed",
			zap.Int("add", len(adds)),
			zap.Int("remove", len(removes)),
			zap.Error(err))
		upstream.ErrorSeen(a.pluginID, a.globals.Client.BaseURL())
		if a.Destroyed() {
			return
		}
		a.mu.Lock()
		for _, addr := range adds {
			if !a.toRemove[addr] {
				a.toAdd[addr] = true
			}
		}
		for _, addr := range removes {
			if !a.toAdd[addr] {
				a.toRemove[addr] = true
			}
		}
		a.retries++
		a.armLocked(retryDelay(a.retryBase, a.retries))
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	a.retries = 0
	a.mu.Unlock()
}

func (a *Adapter) apply(ctx context.Context, adds, removes []string) error {
	if err := a.ensureInit(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	hook := a.webhook
	a.mu.Unlock()

	if hook == nil {
		// No webhook upstream: removes have nothing to undo.
		if len(adds) == 0 {
			return nil
		}
		created, err := a.globals.Client.CreateWebhook(ctx, a.network, a.webhookURL(), adds)
		if err != nil {
			return err
		}
		a.globals.Keys.Put(created.ID, created.SigningKey)
		a.mu.Lock()
		a.webhook = created
		hook = created
		a.mu.Unlock()
		a.log.Info("webhook created", zap.String("id", created.ID))
	} else if err := a.globals.Client.UpdateWebhookAddresses(ctx, hook.ID, adds, removes); err != nil {
		return err
	}

	a.mu.Lock()
	drained := len(a.subscribed) == 0
	a.mu.Unlock()
	if drained {
		if err := a.globals.Client.DeleteWebhook(ctx, hook.ID); err != nil {
			return err
		}
		a.mu.Lock()
		a.webhook = nil
		a.mu.Unlock()
		a.log.Info("webhook deleted", zap.String("id", hook.ID))
	}
	return nil
}

// ensureInit adopts this network's webhook out of the team list: the first
// active match is kept (repointed at our URL when needed), every other
// match is deleted. Runs once; a failure leaves it to the next flush.
func (a *Adapter) ensureInit(ctx context.Context) error {
	a.mu.Lock()
	done := a.initDone
	a.mu.Unlock()
	if done {
		return nil
	}

	hooks, err := a.globals.TeamWebhooks(ctx)
	if err != nil {
		return err
	}

	var adopted *Webhook
	var stale []string
	for i := range hooks {
		hook := hooks[i]
		if hook.WebhookType != webhookTypeAddressActivity || hook.Network != a.network {
			continue
		}
		switch {
		case !hook.IsActive:
			stale = append(stale, hook.ID)
		case adopted == nil:
			if hook.WebhookURL != a.webhookURL() {
				if err := a.globals.Client.UpdateWebhookURL(ctx, hook.ID, a.webhookURL()); err != nil {
					return err
				}
			}
			adopted = &hook
			a.globals.Keys.Put(hook.ID, hook.SigningKey)
		default:
			stale = append(stale, hook.ID)
		}
	}
	if len(stale) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range stale {
			id := id
			g.Go(func() error {
				return a.globals.Client.DeleteWebhook(gctx, id)
			})
		}
		if err := g.Wait(); err != nil {
			a.log.Warn("stale webhook cleanup failed", zap.Error(err))
		}
	}

	a.mu.Lock()
	a.webhook = adopted
	a.initDone = true
	a.mu.Unlock()
	if adopted != nil {
		a.log.Info("webhook adopted", zap.String("id", adopted.ID))
	}
	return nil
}

// handleActivity emits one update per matched subscribed address. The whole
// batch shares one checkpoint, the highest block number it mentions.
func (a *Adapter) handleActivity(ev activityEvent) {
	var maxBlock uint64
	haveBlock := false
	for _, act := range ev.Activity {
		h, err := parseHexUint(act.BlockNum)
		if err != nil {
			continue
		}
		haveBlock = true
		if h > maxBlock {
			maxBlock = h
		}
	}
	checkpoint := ""
	if haveBlock {
		checkpoint = strconv.FormatUint(maxBlock, 10)
	}

	a.mu.Lock()
	marked := make(map[string]bool)
	for _, act := range ev.Activity {
		for _, addr := range [...]string{act.FromAddress, act.ToAddress} {
			if original, ok := a.subscribed[strings.ToLower(addr)]; ok {
				marked[original] = true
			}
		}
	}
	a.mu.Unlock()

	for original := range marked {
		a.EmitUpdate(original, checkpoint)
	}
}

// handleRelay applies a peer worker's authenticated activity. It never
// broadcasts back.
func (a *Adapter) handleRelay(msg RelayMessage) {
	if msg.Type != relayMessageType || msg.PluginID != a.pluginID || a.Destroyed() {
		return
	}
	var ev activityEvent
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		a.log.Warn("bad relayed activity", zap.Error(err))
		return
	}
	a.handleActivity(ev)
}

// webhookURL is where the provider must deliver this plugin's activity.
func (a *Adapter) webhookURL() string {
	return a.globals.PublicURI + "/webhook/alchemy/" + a.pluginID
}

func retryDelay(base time.Duration, retries int) time.Duration {
	shift := retries - 1
	if shift > 10 {
		shift = 10
	}
	d := base << uint(shift)
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
