package services

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/chat-stream-ui/internal/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ModelLister lists the models of a provider.
type ModelLister interface {
	ListModels(ctx context.Context) ([]models.ModelInfo, error)
}

// Catalog caches the model list of a provider for a fixed time. Concurrent misses share one request.
type Catalog struct {
	lister   ModelLister
	fallback models.ModelInfo

	cache *expirable.LRU[string, []models.ModelInfo]
	group *singleflight.Group

	logger *slog.Logger
}

const catalogKey = "models"

// NewCatalog creates a Catalog over lister. fallback is returned alone when listing fails, so the
// configured default model stays selectable while the provider is unreachable.
func NewCatalog(lister ModelLister, ttl time.Duration, fallback models.ModelInfo, logger *slog.Logger) Catalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return Catalog{
		lister:   lister,
		fallback: fallback,
		cache:    expirable.NewLRU[string, []models.ModelInfo](1, nil, ttl),
		group:    &singleflight.Group{},
		logger:   logger.With(slog.String("module", "catalog")),
	}
}

// Models returns the cached model list, sorted by ID, fetching it when the cache is empty or expired.
func (c Catalog) Models(ctx context.Context) []models.ModelInfo {
	if list, ok := c.cache.Get(catalogKey); ok {
		return list
	}

	v, err, _ := c.group.Do(catalogKey, func() (any, error) {
		list, err := c.lister.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		list = slices.Clone(list)
		slices.SortFunc(list, func(a, b models.ModelInfo) int {
			return strings.Compare(a.ID, b.ID)
		})
		c.cache.Add(catalogKey, list)
		return list, nil
	})
	if err != nil {
		c.logger.Warn("Failed to list models", slog.String(errLoggerKey, err.Error()))
		if c.fallback.ID == "" {
			return nil
		}
		return []models.ModelInfo{c.fallback}
	}

	return v.([]models.ModelInfo)
}

// Contains reports whether id is a known model. An empty list accepts every ID.
func (c Catalog) Contains(ctx context.Context, id string) bool {
	list := c.Models(ctx)
	if len(list) == 0 {
		return true
	}
	return slices.ContainsFunc(list, func(m models.ModelInfo) bool { return m.ID == id })
}

const errLoggerKey = "err"
