package alchemy

import (
	"context"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

const keyCacheSize = 128

// KeyStore resolves webhook ids to their signing keys. A cache miss triggers
// one team-webhooks fetch; only webhooks whose delivery URL is under this
// server's public URI are trusted, so a foreign webhook id can never smuggle
// its signing key into the cache.
type KeyStore struct {
	trustPrefix string
	fetch       func(ctx context.Context) ([]Webhook, error)
	log         *zap.Logger

	lock  sync.Mutex
	cache *lru.Cache
}

// NewKeyStore returns a store trusting webhook URLs prefixed by trustPrefix
// and refreshing through fetch.
func NewKeyStore(trustPrefix string, fetch func(ctx context.Context) ([]Webhook, error), log *zap.Logger) *KeyStore {
	cache, err := lru.New(keyCacheSize)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	return &KeyStore{
		trustPrefix: trustPrefix,
		fetch:       fetch,
		cache:       cache,
		log:         log,
	}
}

// Put caches the signing key for a webhook this process created or adopted.
func (s *KeyStore) Put(webhookID, signingKey string) {
	s.cache.Add(webhookID, signingKey)
}

// SigningKey returns the signing key for the webhook id. The lock is held
// across the refresh so a burst of unknown ids costs one upstream call.
func (s *KeyStore) SigningKey(ctx context.Context, webhookID string) (string, bool) {
	if key, ok := s.cache.Get(webhookID); ok {
		return key.(string), true
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if key, ok := s.cache.Get(webhookID); ok {
		return key.(string), true
	}
	hooks, err := s.fetch(ctx)
	if err != nil {
		s.log.Warn("signing key refresh failed", zap.Error(err))
		return "", false
	}
	for _, hook := range hooks {
		if !strings.HasPrefix(hook.WebhookURL, s.trustPrefix) {
			continue
		}
		s.cache.Add(hook.ID, hook.SigningKey)
	}
	if key, ok := s.cache.Get(webhookID); ok {
		return key.(string), true
	}
	return "", false
}
