package media

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/keepsakehq/keepsake/core/internal/db"
	apperrors "github.com/keepsakehq/keepsake/core/internal/errors"
	"github.com/keepsakehq/keepsake/core/internal/logging"
	"github.com/keepsakehq/keepsake/core/internal/models"
)

// Defaults for the cache budget and entry TTL. Both are configuration
// constants, never per-entry.
const (
	DefaultBudgetBytes = 100 * 1024 * 1024 // 100 MiB
	DefaultTTL         = 7 * 24 * time.Hour
)

// Config holds media cache configuration.
type Config struct {
	BudgetBytes int64
	TTL         time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		BudgetBytes: DefaultBudgetBytes,
		TTL:         DefaultTTL,
	}
}

// Stats is the read-only cache summary.
type Stats struct {
	SizeBytes   int64   `json:"size_bytes"`
	Items       int     `json:"items"`
	PercentUsed float64 `json:"percent_used"`
}

// Cache is the bounded, expiring local store of fetched media.
// It owns the media_cache rows and the blob files exclusively.
type Cache struct {
	repo  *db.Repository
	blobs *BlobStore
	fetch Fetcher
	cfg   Config
}

// NewCache creates a media cache.
func NewCache(repo *db.Repository, blobs *BlobStore, fetch Fetcher, cfg *Config) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Cache{
		repo:  repo,
		blobs: blobs,
		fetch: fetch,
		cfg:   *cfg,
	}
}

// CacheMedia fetches the resource and admits it into the cache.
// Eviction runs before admission so the budget holds once the write
// completes. Returns false on any failure; a fetch that cannot be
// cached is never an error for the caller.
func (c *Cache) CacheMedia(ctx context.Context, url string) bool {
	if err := c.admit(ctx, url); err != nil {
		logging.Warn("Media admission failed", map[string]interface{}{
			"url":   url,
			"error": err.Error(),
		})
		return false
	}
	return true
}

// admit runs the admission pipeline for one url. Urls already cached
// and unexpired short-circuit to success without a fetch.
func (c *Cache) admit(ctx context.Context, url string) error {
	if entry, err := c.repo.GetCachedMedia(url); err == nil {
		if !entry.Expired(time.Now().UnixMilli()) {
			return nil
		}
		// Re-admission of an expired url: drop the old row and blobs
		// now. The metadata upsert would otherwise overwrite blob_hash
		// and leave the previous blob on disk with no row referencing
		// it, unreachable by any eviction or sweep.
		if err := c.removeEntry(entry); err != nil {
			return apperrors.Wrap(apperrors.ErrCacheStore, "failed to drop expired entry", err)
		}
	}

	data, _, err := c.fetch.Fetch(ctx, url)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheFetch, "media fetch failed", err)
	}

	mime := mimetype.Detect(data).String()
	thumb := generateThumbnail(data, mime)

	total := int64(len(data) + len(thumb))
	if total > c.cfg.BudgetBytes {
		// A single entry may never displace the whole cache.
		return apperrors.New(apperrors.ErrCacheQuota,
			fmt.Sprintf("media of %d bytes exceeds the cache budget", total))
	}

	if err := c.ensureCacheSpace(ctx, total); err != nil {
		return apperrors.Wrap(apperrors.ErrCacheStore, "cache eviction failed", err)
	}

	blobHash, err := c.blobs.Store(data)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheStore, "failed to store media blob", err)
	}

	thumbHash := ""
	if len(thumb) > 0 {
		if h, err := c.blobs.Store(thumb); err == nil {
			thumbHash = h
		}
	}

	now := time.Now().UnixMilli()
	entry := &models.CachedMedia{
		URL:            url,
		BlobHash:       blobHash,
		ThumbHash:      thumbHash,
		MimeType:       mime,
		Size:           total,
		CachedAt:       now,
		LastAccessedAt: now,
		ExpiresAt:      now + c.cfg.TTL.Milliseconds(),
	}
	if err := c.repo.InsertCachedMedia(entry); err != nil {
		return apperrors.Wrap(apperrors.ErrCacheStore, "failed to record cached media", err)
	}

	logging.Debug("Cached media", map[string]interface{}{
		"url":  url,
		"mime": mime,
		"size": total,
	})
	return nil
}

// GetCachedMedia returns the local file path of a cached blob, or false
// when the url is absent or expired. Expired entries are deleted lazily
// here rather than swept proactively. Hits refresh last_accessed_at.
func (c *Cache) GetCachedMedia(ctx context.Context, url string) (string, bool) {
	entry, err := c.repo.GetCachedMedia(url)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Error("Cache lookup failed", err, map[string]interface{}{"url": url})
		}
		return "", false
	}

	now := time.Now().UnixMilli()
	if entry.Expired(now) {
		c.removeEntry(entry)
		return "", false
	}

	if err := c.repo.TouchCachedMedia(url, now); err != nil {
		logging.Warn("Failed to refresh cache access time", map[string]interface{}{
			"url":   url,
			"error": err.Error(),
		})
	}

	return c.blobs.Path(entry.BlobHash), true
}

// GetCachedThumbnail returns the local path of an image entry's
// thumbnail, if one was generated at admission. Follows the same expiry
// semantics as GetCachedMedia but does not refresh the LRU clock.
func (c *Cache) GetCachedThumbnail(ctx context.Context, url string) (string, bool) {
	entry, err := c.repo.GetCachedMedia(url)
	if err != nil || entry.ThumbHash == "" {
		return "", false
	}
	if entry.Expired(time.Now().UnixMilli()) {
		c.removeEntry(entry)
		return "", false
	}
	return c.blobs.Path(entry.ThumbHash), true
}

// IsCached reports existence and non-expiry with no side effects.
func (c *Cache) IsCached(ctx context.Context, url string) bool {
	entry, err := c.repo.GetCachedMedia(url)
	if err != nil {
		return false
	}
	return !entry.Expired(time.Now().UnixMilli())
}

// ClearExpiredCache sweeps all entries past their TTL and returns how
// many were removed. Intended to run once per session start.
func (c *Cache) ClearExpiredCache(ctx context.Context) int {
	expired, err := c.repo.ListExpiredCachedMedia(time.Now().UnixMilli())
	if err != nil {
		logging.Error("Expired cache sweep failed", err)
		return 0
	}

	removed := 0
	for _, entry := range expired {
		if err := c.removeEntry(entry); err == nil {
			removed++
		}
	}

	if removed > 0 {
		logging.Info("Swept expired media cache entries", map[string]interface{}{
			"removed": removed,
		})
	}
	return removed
}

// GetCacheStats returns size, item count and percent of budget used.
func (c *Cache) GetCacheStats(ctx context.Context) (*Stats, error) {
	size, count, err := c.repo.CachedMediaTotals()
	if err != nil {
		return nil, err
	}
	stats := &Stats{SizeBytes: size, Items: count}
	if c.cfg.BudgetBytes > 0 {
		stats.PercentUsed = float64(size) / float64(c.cfg.BudgetBytes) * 100
	}
	return stats, nil
}

// ensureCacheSpace evicts entries by last_accessed_at ascending until the
// candidate fits within the budget or the store is empty.
func (c *Cache) ensureCacheSpace(ctx context.Context, requiredBytes int64) error {
	size, _, err := c.repo.CachedMediaTotals()
	if err != nil {
		return err
	}
	if size+requiredBytes <= c.cfg.BudgetBytes {
		return nil
	}

	entries, err := c.repo.ListCachedMediaLRU()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if size+requiredBytes <= c.cfg.BudgetBytes {
			break
		}
		if err := c.removeEntry(entry); err != nil {
			return err
		}
		size -= entry.Size
		logging.Debug("Evicted media cache entry", map[string]interface{}{
			"url":  entry.URL,
			"size": entry.Size,
		})
	}
	return nil
}

// removeEntry deletes the metadata row, then unlinks any blob file no
// longer referenced by another url.
func (c *Cache) removeEntry(entry *models.CachedMedia) error {
	if err := c.repo.DeleteCachedMedia(entry.URL); err != nil {
		return err
	}

	for _, hash := range []string{entry.BlobHash, entry.ThumbHash} {
		if hash == "" {
			continue
		}
		refs, err := c.repo.CountBlobReferences(hash)
		if err != nil {
			return err
		}
		if refs == 0 {
			if err := c.blobs.Delete(hash); err != nil {
				logging.Warn("Failed to unlink blob", map[string]interface{}{
					"hash":  hash,
					"error": err.Error(),
				})
			}
		}
	}
	return nil
}
