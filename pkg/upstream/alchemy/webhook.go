package alchemy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

type (
	activityEntry struct {
		BlockNum    string `json:"blockNum"`
		Hash        string `json:"hash"`
		FromAddress string `json:"fromAddress"`
		ToAddress   string `json:"toAddress"`
		Category    string `json:"category"`
	}

	activityEvent struct {
		Network  string          `json:"network"`
		Activity []activityEntry `json:"activity"`
	}

	webhookEnvelope struct {
		WebhookID string          `json:"webhookId"`
		ID        string          `json:"id"`
		Type      string          `json:"type"`
		Event     json.RawMessage `json:"event"`
	}
)

// WebhookRoute implements the upstream.WebhookReceiver interface.
func (a *Adapter) WebhookRoute() (string, http.Handler) {
	return "alchemy/" + a.pluginID, http.HandlerFunc(a.serveWebhook)
}

// serveWebhook authenticates and dispatches one provider delivery. The
// signature check comes before anything else the response could disclose;
// every authentication failure is the same plain 401.
func (a *Adapter) serveWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK) // load balancer liveness probe
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		unauthorized(w)
		return
	}
	signature := r.Header.Get("x-alchemy-signature")
	if signature == "" {
		unauthorized(w)
		return
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.WebhookID == "" {
		unauthorized(w)
		return
	}
	key, ok := a.globals.Keys.SigningKey(r.Context(), envelope.WebhookID)
	if !ok {
		unauthorized(w)
		return
	}
	if !verifySignature(body, signature, key) {
		unauthorized(w)
		return
	}

	var ev activityEvent
	if err := json.Unmarshal(envelope.Event, &ev); err != nil {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}
	if ev.Network != a.network {
		http.Error(w, "wrong network", http.StatusBadRequest)
		return
	}

	a.log.Debug("webhook activity",
		zap.String("webhook", envelope.WebhookID),
		zap.Int("entries", len(ev.Activity)))
	a.handleActivity(ev)
	a.globals.Relay.Broadcast(RelayMessage{
		Type:     relayMessageType,
		Origin:   a.origin,
		PluginID: a.pluginID,
		Event:    envelope.Event,
	})
	w.WriteHeader(http.StatusOK)
}

func verifySignature(body []byte, signatureHex, key string) bool {
	signature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return hmac.Equal(signature, mac.Sum(nil))
}

func unauthorized(w http.ResponseWriter) {
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
