package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/geoip_updater/internal/logctx"
)

// RemoveStaleScratchDirs deletes directories under root whose name starts
// with prefix and that were last modified more than keepDuration ago. They
// are left behind by runs that crashed before cleaning up. It returns how
// many were removed.
func RemoveStaleScratchDirs(ctx context.Context, root, prefix string, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	if root == "" {
		root = os.TempDir()
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to list scratch root", "dir", root, "err", err)

		return 0, err
	}

	removed := 0

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}

		dirPath := filepath.Join(root, entry.Name())

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // removed concurrently
			}

			logger.WarnContext(ctx, "Failed to stat scratch directory", "dir", dirPath, "err", err)

			continue
		}

		if now.Sub(info.ModTime()) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(dirPath); err != nil {
			logger.ErrorContext(ctx, "Failed to delete stale scratch directory", "dir", dirPath, "err", err)

			return removed, err
		}

		removed++

		logger.InfoContext(ctx, "Deleted stale scratch directory", "dir", dirPath, "age", now.Sub(info.ModTime()).Round(time.Second))
	}

	return removed, nil
}
