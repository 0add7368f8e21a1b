// Package precision caches per-symbol exchange trading rules and validates
// order quantities against them.
package precision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/pkg/logger"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type RulesSource interface {
	QuerySymbolRules(ctx context.Context, symbol string) (models.PrecisionRule, error)
}

// Cache is a lazily refreshed TTL cache of trading rules.
type Cache struct {
	src RulesSource
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]models.PrecisionRule

	group singleflight.Group
}

func NewCache(src RulesSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		src:     src,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]models.PrecisionRule),
	}
}

// Get returns a fresh rule for symbol. When a refresh fails and a stale rule is
// cached, the stale rule is returned instead of the error.
func (c *Cache) Get(ctx context.Context, symbol string) (models.PrecisionRule, error) {
	symbol = helper.NormSymbol(symbol)

	c.mu.RLock()
	rule, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && c.now().Sub(rule.FetchedAt) < c.ttl {
		return rule, nil
	}

	v, err, _ := c.group.Do(symbol, func() (interface{}, error) {
		fresh, err := c.src.QuerySymbolRules(ctx, symbol)
		if err != nil {
			return models.PrecisionRule{}, err
		}
		if fresh.FetchedAt.IsZero() {
			fresh.FetchedAt = c.now()
		}
		c.Put(fresh)
		return fresh, nil
	})
	if err != nil {
		if ok {
			logger.Warn("precision: refresh %s failed, using stale rule: %v", symbol, err)
			return rule, nil
		}
		return models.PrecisionRule{}, fmt.Errorf("precision.Get %s: %w", symbol, err)
	}
	return v.(models.PrecisionRule), nil
}

func (c *Cache) Put(rule models.PrecisionRule) {
	rule.Symbol = helper.NormSymbol(rule.Symbol)
	c.mu.Lock()
	c.entries[rule.Symbol] = rule
	c.mu.Unlock()
}

func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, helper.NormSymbol(symbol))
	c.mu.Unlock()
}

// Warm fetches rules for symbols with at most parallel requests in flight.
// The first error is returned after every symbol has been attempted.
func (c *Cache) Warm(ctx context.Context, symbols []string, parallel int) error {
	if parallel <= 0 {
		parallel = 4
	}
	g := new(errgroup.Group)
	g.SetLimit(parallel)

	var (
		mu       sync.Mutex
		firstErr error
	)
	for _, s := range symbols {
		sym := s
		g.Go(func() error {
			if _, err := c.Get(ctx, sym); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}
