/*
Package alchemy implements the webhook-fed upstream adapter. The provider
holds no persistent connection; it holds a webhook whose address list is
mutated through the dashboard API, and it delivers activity as signed HTTP
POSTs routed to the adapter by the serving layer.
*/
package alchemy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://dashboard.alchemy.com/api"
	requestTimeout = 10 * time.Second

	webhookTypeAddressActivity = "ADDRESS_ACTIVITY"
)

// Webhook is one dashboard-side webhook registration.
type Webhook struct {
	ID          string `json:"id"`
	Network     string `json:"network"`
	WebhookType string `json:"webhook_type"`
	WebhookURL  string `json:"webhook_url"`
	IsActive    bool   `json:"is_active"`
	SigningKey  string `json:"signing_key"`
}

// Client talks to the dashboard API. All methods authenticate with the team
// auth token; one Client serves every adapter in the process.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

// NewClient returns a dashboard API client. An empty baseURL selects the
// production endpoint.
func NewClient(baseURL, authToken string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		token:   authToken,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
	}
}

// BaseURL returns the dashboard endpoint this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TeamWebhooks lists every webhook registered for the team.
func (c *Client) TeamWebhooks(ctx context.Context) ([]Webhook, error) {
	var reply struct {
		Data []Webhook `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/team-webhooks", nil, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// CreateWebhook registers an address-activity webhook with an initial
// address list and returns it, signing key included.
func (c *Client) CreateWebhook(ctx context.Context, network, webhookURL string, addresses []string) (*Webhook, error) {
	var reply struct {
		Data Webhook `json:"data"`
	}
	body := map[string]interface{}{
		"network":      network,
		"webhook_type": webhookTypeAddressActivity,
		"webhook_url":  webhookURL,
		"addresses":    addresses,
	}
	if err := c.do(ctx, http.MethodPost, "/create-webhook", body, &reply); err != nil {
		return nil, err
	}
	return &reply.Data, nil
}

// UpdateWebhookAddresses applies an address delta to the webhook. Empty
// sides are omitted from the request.
func (c *Client) UpdateWebhookAddresses(ctx context.Context, id string, add, remove []string) error {
	body := map[string]interface{}{"webhook_id": id}
	if len(add) > 0 {
		body["addresses_to_add"] = add
	}
	if len(remove) > 0 {
		body["addresses_to_remove"] = remove
	}
	return c.do(ctx, http.MethodPatch, "/update-webhook-addresses", body, nil)
}

// UpdateWebhookURL points an existing webhook at a new delivery URL.
func (c *Client) UpdateWebhookURL(ctx context.Context, id, webhookURL string) error {
	body := map[string]interface{}{
		"webhook_id":  id,
		"webhook_url": webhookURL,
	}
	return c.do(ctx, http.MethodPut, "/update-webhook", body, nil)
}

// DeleteWebhook removes the webhook registration.
func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/delete-webhook?webhook_id="+url.QueryEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Alchemy-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(data, result); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", path, err)
	}
	return nil
}
