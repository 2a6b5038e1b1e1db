package caclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinescrow/mlca-reconciler/internal/domain"
	"github.com/rs/zerolog"
)

// RefreshProactiveEvery is how often the client refreshes ahead of expiry
// (spec.md §4.8 "refreshes proactively every 30 minutes").
const RefreshProactiveEvery = 30 * time.Minute

// tokenCache caches each seller's CA access token in memory, keyed by
// seller id, serializing
// refreshes through a mutex so concurrent 401s cause exactly one refresh
// call (spec.md §4.8 point c, §5 "CA token cache").
type tokenCache struct {
	mu      sync.Mutex
	cached  map[int32]domain.CATokens
	sellers domain.SellerRepository
	log     zerolog.Logger
}

func newTokenCache(sellers domain.SellerRepository, log zerolog.Logger) *tokenCache {
	return &tokenCache{
		cached:  make(map[int32]domain.CATokens),
		sellers: sellers,
		log:     log,
	}
}

// Get returns a usable access token for seller, refreshing if absent,
// expired, or within the proactive window. force bypasses the freshness
// check (used on a 401).
func (c *tokenCache) Get(ctx context.Context, seller *domain.Seller, refresh func(ctx context.Context, refreshToken string) (domain.CATokens, error), force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	tok, ok := c.cached[seller.ID]
	if !ok {
		tok = seller.CA
	}

	needsRefresh := force || !tok.Valid(now) || time.Until(tok.ExpiresAt) < RefreshProactiveEvery
	if !needsRefresh {
		return tok.AccessToken, nil
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = seller.CA.RefreshToken
	}
	if refreshToken == "" {
		return "", fmt.Errorf("ca tokens: seller %d has no refresh token", seller.ID)
	}

	newTok, err := refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("ca token refresh: %w", err)
	}

	// Persist the rotated refresh token atomically (spec.md §4.8 point d:
	// "single-row table"), before publishing it to other readers.
	if err := c.sellers.UpdateCATokens(ctx, seller.ID, newTok); err != nil {
		return "", fmt.Errorf("persist rotated ca token: %w", err)
	}
	c.cached[seller.ID] = newTok
	c.log.Info().Int32("seller_id", seller.ID).Msg("ca token refreshed")
	return newTok.AccessToken, nil
}

// Invalidate forces the next Get to refresh (spec.md §4.2 "401: Invalidate
// token cache; retry").
func (c *tokenCache) Invalidate(sellerID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cached, sellerID)
}
