// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog maintains the cached list of no-cost OpenRouter models.
//
// The catalog is fetched once and memoized for the process lifetime; it is
// refetched only when the cache key (API key plus the exception model set)
// changes. Fetch failures never propagate: the UI degrades to an empty
// list and a fixed default model.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeranaias/markvii-tui/internal/chaterr"
	"github.com/jeranaias/markvii-tui/internal/openrouter"
)

const (
	// timeoutRetryDelay is the pause before the single timeout retry.
	timeoutRetryDelay = 500 * time.Millisecond

	// ensureLoadedTimeout bounds a blocking warmup of the catalog.
	ensureLoadedTimeout = 8 * time.Second

	// freeSuffix marks a no-cost model variant in OpenRouter IDs.
	freeSuffix = ":free"
)

// =============================================================================
// TYPES
// =============================================================================

// ModelInfo is a catalog entry ready for display and selection.
type ModelInfo struct {
	ID   string // request identifier, suffix-normalized
	Name string // cleaned display name
}

// Lister fetches the upstream model listing.
type Lister interface {
	ListModels(ctx context.Context) ([]openrouter.Model, error)
}

// Catalog is a memoized free-model list.
type Catalog struct {
	mu        sync.Mutex
	lister    Lister
	cached    []ModelInfo
	cachedKey string
}

// New creates a catalog backed by the given lister.
func New(lister Lister) *Catalog {
	return &Catalog{lister: lister}
}

// =============================================================================
// CACHE GATE
// =============================================================================

// GetOrFetch returns the free-model list, fetching it at most once per
// cache key. It never returns an error: any fetch failure yields an empty
// list and leaves the cache unpopulated so a later call can try again.
func (c *Catalog) GetOrFetch(ctx context.Context, apiKey string, exceptions []string) []ModelInfo {
	key := cacheKey(apiKey, exceptions)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cached) > 0 && key == c.cachedKey {
		return append([]ModelInfo(nil), c.cached...)
	}

	raw, err := c.fetchWithTimeoutRetry(ctx)
	if err != nil {
		log.Printf("catalog: fetch failed: %v", err)
		return nil
	}

	models := processListing(raw, exceptions)
	c.cached = models
	c.cachedKey = key

	return append([]ModelInfo(nil), models...)
}

// Cached returns the current cache without fetching.
func (c *Catalog) Cached() []ModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ModelInfo(nil), c.cached...)
}

// EnsureLoaded blocks until the catalog is populated or the warmup window
// elapses. Startup proceeds either way; an empty catalog only means model
// selection falls back to the default.
func (c *Catalog) EnsureLoaded(ctx context.Context, apiKey string, exceptions []string) {
	ctx, cancel := context.WithTimeout(ctx, ensureLoadedTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.GetOrFetch(ctx, apiKey, exceptions)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("catalog: warmup timed out, continuing without models")
	}
}

// fetchWithTimeoutRetry fetches the listing, retrying exactly once if the
// first attempt fails with a timeout. Other failures are not retried.
func (c *Catalog) fetchWithTimeoutRetry(ctx context.Context) ([]openrouter.Model, error) {
	raw, err := c.lister.ListModels(ctx)
	if err == nil {
		return raw, nil
	}
	if !chaterr.IsTimeout(err) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeoutRetryDelay):
	}

	return c.lister.ListModels(ctx)
}

// =============================================================================
// LISTING TRANSFORMATION
// =============================================================================

// processListing turns the raw upstream listing into the deduplicated
// free-model catalog.
func processListing(raw []openrouter.Model, exceptions []string) []ModelInfo {
	forced := make(map[string]bool, len(exceptions))
	for _, id := range exceptions {
		forced[strings.ToLower(NormalizeModelID(id))] = true
	}

	seen := make(map[string]bool, len(raw))
	var models []ModelInfo

	for _, m := range raw {
		if !isFree(m.Pricing) {
			continue
		}

		base := NormalizeModelID(m.ID)
		if seen[base] {
			continue // keep the first occurrence in upstream order
		}
		seen[base] = true

		id := base
		if forced[strings.ToLower(base)] {
			// Exception models only answer on their :free variant.
			id = base + freeSuffix
		}

		models = append(models, ModelInfo{
			ID:   id,
			Name: cleanDisplayName(m.Name),
		})
	}

	return models
}

// isFree reports whether both prices parse to exactly zero. A price that
// fails to parse counts as paid.
func isFree(p openrouter.Pricing) bool {
	return parsePrice(p.Prompt) == 0 && parsePrice(p.Completion) == 0
}

// parsePrice parses a decimal price string, defaulting to 1.0 (paid) when
// the value is missing or malformed.
func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 1.0
	}
	return v
}

// NormalizeModelID strips the :free suffix, case-insensitively.
func NormalizeModelID(id string) string {
	if len(id) >= len(freeSuffix) && strings.EqualFold(id[len(id)-len(freeSuffix):], freeSuffix) {
		return id[:len(id)-len(freeSuffix)]
	}
	return id
}

// cleanDisplayName removes the "(free)" marker and tidies whitespace.
func cleanDisplayName(name string) string {
	name = strings.ReplaceAll(name, "(free)", "")
	for strings.Contains(name, "  ") {
		name = strings.ReplaceAll(name, "  ", " ")
	}
	return strings.TrimSpace(name)
}

// cacheKey fingerprints the inputs that invalidate the cache. Exceptions
// are normalized and sorted so ordering differences do not bust the cache.
func cacheKey(apiKey string, exceptions []string) string {
	normalized := make([]string, 0, len(exceptions))
	for _, id := range exceptions {
		normalized = append(normalized, strings.ToLower(NormalizeModelID(id)))
	}
	sort.Strings(normalized)

	h := sha256.New()
	h.Write([]byte(apiKey))
	for _, id := range normalized {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}
