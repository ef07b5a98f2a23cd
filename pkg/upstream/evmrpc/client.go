/*
Package evmrpc implements the block-polling upstream adapter for EVM chains:
a fallback JSON-RPC client over an ordered list of HTTP endpoints, a poll
loop scraping every new block for touches of the subscribed addresses and
scan delegation to the explorer backends.
*/
package evmrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/upstream"
)

const requestTimeout = 10 * time.Second

// Client is a JSON-RPC 2.0 HTTP client over an ordered list of endpoint
// URLs. Every call walks the list in order and returns the first successful
// answer; transport failures, bad statuses and RPC errors all advance to
// the next URL.
type Client struct {
	name   string // plugin id, for logs and metrics
	urls   []string
	client *http.Client
	log    *zap.Logger
	reqID  atomic.Uint64
}

// NewClient returns a Client for the given endpoints, already expanded.
func NewClient(name string, urls []string, log *zap.Logger) *Client {
	return &Client{
		name:   name,
		urls:   urls,
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Call performs one JSON-RPC request with fallback across the endpoint
// list. The result pointer may be nil when the answer does not matter.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.reqID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	var lastErr error
	for _, url := range c.urls {
		if err := c.post(ctx, url, body, result); err != nil {
			if ctx.Err() != nil {
				return err
			}
			upstream.ErrorSeen(c.name, url)
			c.log.Debug("endpoint failed",
				zap.String("method", method),
				zap.String("url", upstream.SafeURL(url)),
				zap.Error(err))
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no endpoints configured")
	}
	return fmt.Errorf("%s failed on all endpoints: %w", method, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("bad reply: %w", err)
	}
	if reply.Error != nil {
		return reply.Error
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(reply.Result, result)
}
