package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/EdgeApp/edge-change-server-sub000/pkg/keys"
)

const (
	maxRetries     = 10
	defaultTimeout = 10 * time.Second
)

// rateLimitMarkers are the body substrings the API answers with instead of
// proper 429 statuses when it wants us to slow down.
var rateLimitMarkers = []string{
	"Max calls per sec rate",
	"ETIMEDOUT",
	"RateLimitExceeded",
}

// Etherscan queries an Etherscan-compatible explorer API. The v2 protocol
// shares one host across chains and selects the chain with a chainid
// parameter; v1 instances serve a single chain at their own host.
type Etherscan struct {
	baseURL  string
	chainID  string // empty for v1
	keys     *keys.Store
	throttle *Throttle
	client   *http.Client
	log      *zap.Logger

	retryDelay time.Duration
}

// NewEtherscanV1 returns a v1 backend rooted at baseURL.
func NewEtherscanV1(baseURL string, ks *keys.Store, th *Throttle, log *zap.Logger) *Etherscan {
	return newEtherscan(baseURL, "", ks, th, log)
}

// NewEtherscanV2 returns a v2 backend rooted at baseURL for the given chain.
func NewEtherscanV2(baseURL, chainID string, ks *keys.Store, th *Throttle, log *zap.Logger) *Etherscan {
	return newEtherscan(baseURL, chainID, ks, th, log)
}

func newEtherscan(baseURL, chainID string, ks *keys.Store, th *Throttle, log *zap.Logger) *Etherscan {
	return &Etherscan{
		baseURL:    strings.TrimRight(baseURL, "/"),
		chainID:    chainID,
		keys:       ks,
		throttle:   th,
		client:     &http.Client{Timeout: defaultTimeout},
		log:        log,
		retryDelay: 3 * time.Second,
	}
}

// Scan implements the Backend interface. It asks for normal transactions
// first and token transfers second, reporting true as soon as either list
// is non-empty past the checkpoint.
func (e *Etherscan) Scan(ctx context.Context, address, checkpoint string) (bool, error) {
	if checkpoint == "" {
		return true, nil
	}
	from, err := strconv.ParseUint(checkpoint, 10, 64)
	if err != nil {
		// Unknown checkpoint format, same answer as no checkpoint.
		return true, nil
	}
	address = strings.ToLower(address)

	for _, action := range []string{"txlist", "tokentx"} {
		changed, err := e.query(ctx, action, address, from+1)
		if err != nil {
			return false, err
		}
		if changed {
			return true, nil
		}
	}
	return false, nil
}

func (e *Etherscan) query(ctx context.Context, action, address string, startBlock uint64) (bool, error) {
	if e.throttle.Flagged() {
		if err := sleep(ctx, e.retryDelay); err != nil {
			return false, err
		}
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		body, err := e.fetch(ctx, action, address, startBlock)
		if err != nil {
			return false, err
		}
		if isRateLimited(body) {
			e.throttle.Set(true)
			e.log.Warn("scan rate limited",
				zap.String("action", action),
				zap.Int("attempt", attempt))
			if err := sleep(ctx, e.retryDelay*time.Duration(attempt)); err != nil {
				return false, err
			}
			continue
		}
		e.throttle.Set(false)

		var reply struct {
			Status string          `json:"status"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(body, &reply); err != nil {
			return false, fmt.Errorf("bad scan reply: %w", err)
		}
		if reply.Status != "1" {
			return false, nil
		}
		var txs []json.RawMessage
		if err := json.Unmarshal(reply.Result, &txs); err != nil {
			return false, nil
		}
		return len(txs) > 0, nil
	}
	return false, fmt.Errorf("still rate limited after %d attempts", maxRetries)
}

func (e *Etherscan) fetch(ctx context.Context, action, address string, startBlock uint64) ([]byte, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", address)
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", "999999999")
	q.Set("sort", "asc")
	if e.chainID != "" {
		q.Set("chainid", e.chainID)
	}
	if key, ok := e.keys.ForURL(e.baseURL); ok {
		q.Set("apikey", key)
	}
	path := "/api"
	if e.chainID != "" {
		path = "/v2/api"
	}
	reqURL := e.baseURL + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading scan reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scan request failed with status %d", resp.StatusCode)
	}
	return body, nil
}

func isRateLimited(body []byte) bool {
	s := string(body)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
