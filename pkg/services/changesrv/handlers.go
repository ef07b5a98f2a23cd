package changesrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/changerpc"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

type (
	// abstract is the outbound reply frame. Result is left as an interface
	// so method handlers can pack whatever their contract says.
	abstract struct {
		changerpc.Header
		Error  *changerpc.Error `json:"error,omitempty"`
		Result interface{}      `json:"result,omitempty"`
	}

	// subKey identifies one subscription inside a session's armed set. The
	// address is in the plugin's normalized form.
	subKey struct {
		plugin  string
		address string
	}
)

// nullResult makes void replies carry an explicit "result": null.
var nullResult = json.RawMessage("null")

// handleMessage processes one inbound client frame and returns the reply
// plus the subscription keys to arm together with it. Every frame gets a
// reply: protocol violations come back as JSON-RPC errors and never close
// the connection by themselves.
func (s *Server) handleMessage(c *session, data []byte) (interface{}, []subKey) {
	req := new(changerpc.Request)
	if err := json.Unmarshal(data, req); err != nil {
		return s.packResponse(nil, nil, changerpc.NewInvalidRequestError("problem parsing JSON: "+err.Error())), nil
	}
	req.Method = escapeForLog(req.Method) // No valid method name will be changed by it.
	if req.JSONRPC != changerpc.JSONRPCVersion {
		return s.packResponse(req, nil, changerpc.NewInvalidRequestError(fmt.Sprintf("invalid version, expected 2.0 got '%s'", req.JSONRPC))), nil
	}

	s.log.Debug("processing rpc request",
		zap.String("client", c.id),
		zap.String("method", req.Method))

	var (
		res    interface{}
		arm    []subKey
		resErr *changerpc.Error
	)
	switch req.Method {
	case changerpc.MethodSubscribe, changerpc.MethodUnsubscribe:
		if req.IsNotification() {
			resErr = changerpc.NewInvalidRequestError(fmt.Sprintf("%s is a call and needs an id", req.Method))
			break
		}
		tuples, err := changerpc.DecodeTuples(req.Params)
		if err != nil {
			resErr = changerpc.WrapErrorWithData(changerpc.ErrInvalidParams, err.Error())
			break
		}
		if req.Method == changerpc.MethodSubscribe {
			res, arm = s.subscribe(c, tuples)
		} else {
			s.unsubscribe(c, tuples)
			res = nullResult
		}
	default:
		resErr = changerpc.NewMethodNotFoundError(fmt.Sprintf("method %q not supported", req.Method))
	}
	return s.packResponse(req, res, resErr), arm
}

func (s *Server) packResponse(r *changerpc.Request, result interface{}, respErr *changerpc.Error) abstract {
	resp := abstract{
		Header: changerpc.Header{
			JSONRPC: changerpc.JSONRPCVersion,
		},
	}
	if r != nil {
		resp.ID = r.ID
	}
	if respErr != nil {
		s.logRequestError(r, respErr)
		resp.Error = respErr
	} else {
		resp.Result = result
	}
	return resp
}

// logRequestError is a request error logger.
func (s *Server) logRequestError(r *changerpc.Request, jsonErr *changerpc.Error) {
	logFields := []zap.Field{
		zap.Int64("code", jsonErr.Code),
	}
	if len(jsonErr.Data) != 0 {
		logFields = append(logFields, zap.String("cause", jsonErr.Data))
	}
	if r != nil {
		logFields = append(logFields, zap.String("method", r.Method))
	}

	logText := "error encountered with rpc request"
	switch jsonErr.Code {
	case changerpc.InternalServerErrorCode:
		s.log.Error(logText, logFields...)
	default:
		s.log.Info(logText, logFields...)
	}
}

// subscribe serves the subscribe method: one result code per input tuple,
// in input order. Tuples are worked concurrently; each one is tracked
// first, subscribed upstream when it is the address's first subscriber and
// then scanned against its checkpoint. The returned keys arm event
// delivery and are applied only together with the reply, so no update can
// overtake the code that acknowledged it.
func (s *Server) subscribe(c *session, tuples []changerpc.Tuple) ([]changerpc.SubscribeResult, []subKey) {
	results := make([]changerpc.SubscribeResult, len(tuples))
	armed := make([]*subKey, len(tuples))

	var wg sync.WaitGroup
	for i := range tuples {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], armed[i] = s.subscribeOne(c, tuples[i])
		}(i)
	}
	wg.Wait()

	touched := make(map[string]bool)
	arm := make([]subKey, 0, len(tuples))
	for i, k := range armed {
		if k != nil {
			arm = append(arm, *k)
		}
		if results[i] != changerpc.SubscribeUnknownPlugin {
			touched[tuples[i].PluginID] = true
		}
	}
	for id := range touched {
		updateSubscriptionCount(id, s.plugins[id].state.AddressCount())
	}
	return results, arm
}

func (s *Server) subscribeOne(c *session, t changerpc.Tuple) (changerpc.SubscribeResult, *subKey) {
	p, ok := s.plugins[t.PluginID]
	if !ok {
		return changerpc.SubscribeUnknownPlugin, nil
	}
	ctx := context.Background()
	key := &subKey{plugin: p.id, address: p.state.Normalize(t.Address)}

	if first := p.state.Track(c.id, t.Address); first {
		ok, err := p.adapter.Subscribe(ctx, t.Address)
		if err != nil || !ok {
			p.state.Untrack(c.id, t.Address)
			if err != nil {
				s.log.Warn("upstream subscribe failed",
					zap.String("plugin", p.id), zap.Error(err))
			}
			return changerpc.SubscribeRefused, nil
		}
	}

	if t.Checkpoint == "" {
		return changerpc.SubscribeChanged, key
	}
	changed, err := p.adapter.Scan(ctx, t.Address, t.Checkpoint)
	switch {
	case errors.Is(err, upstream.ErrScanUnsupported):
		return changerpc.SubscribeChanged, key
	case err != nil:
		// Fail open: a wasted client refresh beats missed activity.
		s.log.Warn("scan failed",
			zap.String("plugin", p.id), zap.Error(err))
		return changerpc.SubscribeChanged, key
	case changed:
		return changerpc.SubscribeChanged, key
	default:
		return changerpc.SubscribeUnchanged, key
	}
}

// unsubscribe serves the unsubscribe method. Upstream failures are logged
// and swallowed: the client is done with the address either way.
func (s *Server) unsubscribe(c *session, tuples []changerpc.Tuple) {
	touched := make(map[string]bool)
	for _, t := range tuples {
		p, ok := s.plugins[t.PluginID]
		if !ok {
			continue
		}
		c.disarm(p.id, p.state.Normalize(t.Address))
		if last := p.state.Untrack(c.id, t.Address); last {
			if err := p.adapter.Unsubscribe(context.Background(), t.Address); err != nil {
				s.log.Warn("upstream unsubscribe failed",
					zap.String("plugin", p.id), zap.Error(err))
			}
		}
		touched[p.id] = true
	}
	for id := range touched {
		updateSubscriptionCount(id, s.plugins[id].state.AddressCount())
	}
}

func escapeForLog(in string) string {
	return strings.Map(func(c rune) rune {
		if !strconv.IsGraphic(c) {
			return -1
		}
		return c
	}, in)
}
