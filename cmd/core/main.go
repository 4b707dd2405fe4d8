// Package main provides the Keepsake Core library entry point.
// The core is embedded by the desktop and mobile shells; this binary
// exists for local inspection of the durable stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keepsakehq/keepsake/core/internal/db"
	"github.com/keepsakehq/keepsake/core/internal/logging"
	"github.com/keepsakehq/keepsake/core/internal/media"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	dataDir := flag.String("data-dir", defaultDataDir(), "directory holding the local stores")
	flag.Parse()

	fmt.Printf("Keepsake Core v%s\n", Version)

	database, err := db.Open(*dataDir)
	if err != nil {
		logging.Error("Failed to open local store", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		logging.Error("Failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("Migration failed", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	blobs, err := media.NewBlobStore(filepath.Join(*dataDir, "media"))
	if err != nil {
		logging.Error("Failed to open blob store", err)
		os.Exit(1)
	}

	cache := media.NewCache(repo, blobs, media.NewHTTPFetcher(media.DefaultBudgetBytes), nil)
	swept := cache.ClearExpiredCache(context.Background())

	stats, err := cache.GetCacheStats(context.Background())
	if err != nil {
		logging.Error("Failed to read cache stats", err)
		os.Exit(1)
	}

	fmt.Printf("media cache: %d items, %d bytes (%.1f%% of budget), %d expired swept\n",
		stats.Items, stats.SizeBytes, stats.PercentUsed, swept)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keepsake"
	}
	return filepath.Join(home, ".keepsake")
}
