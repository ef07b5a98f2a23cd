package changesrv

import (
	"context"
	"net/http"
	"sync"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

// fakeAdapter is a scriptable upstream.Adapter recording every subscribe and
// unsubscribe it sees. A nil scan func means the plugin has no scan support.
type fakeAdapter struct {
	*upstream.Emitter
	id string

	lock         sync.Mutex
	refuse       bool
	subErr       error
	scan         func(address, checkpoint string) (bool, error)
	subscribes   []string
	unsubscribes []string
}

func newFakeAdapter(id string) *fakeAdapter {
	return &fakeAdapter{Emitter: upstream.NewEmitter(), id: id}
}

func (f *fakeAdapter) PluginID() string {
	return f.id
}

func (f *fakeAdapter) Subscribe(_ context.Context, address string) (bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.subErr != nil {
		return false, f.subErr
	}
	if f.refuse {
		return false, nil
	}
	f.subscribes = append(f.subscribes, address)
	return true, nil
}

func (f *fakeAdapter) Unsubscribe(_ context.Context, address string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.unsubscribes = append(f.unsubscribes, address)
	return nil
}

func (f *fakeAdapter) Scan(_ context.Context, address, checkpoint string) (bool, error) {
	f.lock.Lock()
	scan := f.scan
	f.lock.Unlock()
	if scan == nil {
		return false, upstream.ErrScanUnsupported
	}
	return scan(address, checkpoint)
}

func (f *fakeAdapter) Destroy() {
	f.Emitter.Close()
}

func (f *fakeAdapter) subscribeCalls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.subscribes...)
}

func (f *fakeAdapter) unsubscribeCalls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

// fakeWebhookAdapter additionally asks for an HTTP route, like the alchemy
// adapter does.
type fakeWebhookAdapter struct {
	*fakeAdapter
	route   string
	handler http.Handler
}

func (f *fakeWebhookAdapter) WebhookRoute() (string, http.Handler) {
	return f.route, f.handler
}
