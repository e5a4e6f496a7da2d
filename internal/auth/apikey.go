// Package auth authenticates gateway requests against opaque bearer API
// keys. There are no roles, organizations, or teams: a key resolves to a
// single Identity carrying only its per-key rate limit.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/eugener/gatewayd/internal"
	"github.com/eugener/gatewayd/internal/store"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using "gwk_"-prefixed bearer tokens,
// caching resolved keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       store.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash, for cache invalidation by key ID
}

// New returns an APIKeyAuth backed by st.
func New(st store.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: st, cache: c}, nil
}

// Authenticate extracts a Bearer token from the Authorization header,
// validates it against the store, and returns the caller's Identity.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (gateway.Identity, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return gateway.Identity{}, gateway.ErrUnauthorized
	}
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return gateway.Identity{}, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	if key, ok := a.cache.GetIfPresent(hash); ok {
		return a.checkAndBuild(ctx, key, hash, false)
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return gateway.Identity{}, gateway.ErrUnauthorized
		}
		return gateway.Identity{}, err
	}

	// Belt-and-suspenders: the lookup already matched by hash, this guards
	// against hypothetical collation/encoding surprises in the store.
	if subtle.ConstantTimeCompare([]byte(key.SecretHash), []byte(hash)) != 1 {
		return gateway.Identity{}, gateway.ErrUnauthorized
	}

	return a.checkAndBuild(ctx, key, hash, true)
}

func (a *APIKeyAuth) checkAndBuild(ctx context.Context, key *gateway.APIKey, hash string, fresh bool) (gateway.Identity, error) {
	if key.Status == gateway.KeyDisabled {
		return gateway.Identity{}, gateway.ErrUnauthorized
	}

	if fresh {
		a.cache.Set(hash, key)
		a.keyIDToHash.Store(key.ID, hash)
		go a.touch(key.ID)
	}

	return gateway.Identity{KeyID: key.ID, Name: key.Name, RPMLimit: key.RPMLimit}, nil
}

func (a *APIKeyAuth) touch(keyID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 5*time.Second)
	defer cancel()
	_ = a.store.TouchKeyUsed(ctx, keyID)
}

// InvalidateByKeyID removes a cached API key by its key ID. Called when
// admin operations disable, rotate, or delete a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}
