package cleanup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/db"

	log "github.com/sirupsen/logrus"
)

// Service prunes expired rows from the local spool and their snapshot
// files. Retention is time-based only; synced and unsynced rows age out the
// same way.
type Service struct {
	spool         *db.Spool
	config        config.CleanupConfig
	snapshotDir   string
	checkInterval time.Duration
}

// NewService creates a cleanup service that checks once a day.
func NewService(spool *db.Spool, cfg config.CleanupConfig, snapshotDir string) *Service {
	return &Service{
		spool:         spool,
		config:        cfg,
		snapshotDir:   snapshotDir,
		checkInterval: 24 * time.Hour,
	}
}

// Start runs the service until the context is cancelled. An initial cleanup
// runs immediately so a long-stopped device catches up at boot.
func (s *Service) Start(ctx context.Context) {
	log.Info("Cleanup service started")

	if err := s.RunCleanup(); err != nil {
		log.Errorf("Initial cleanup failed: %v", err)
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Info("Running scheduled cleanup")
			if err := s.RunCleanup(); err != nil {
				log.Errorf("Scheduled cleanup failed: %v", err)
			}
		case <-ctx.Done():
			log.Info("Cleanup service stopped")
			return
		}
	}
}

// RunCleanup deletes spool rows and snapshot files older than the retention
// window.
func (s *Service) RunCleanup() error {
	if s.config.RetentionDays <= 0 {
		log.Info("Cleanup disabled (retention days <= 0)")
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.config.RetentionDays)
	log.Infof("Cleaning up data older than %s", cutoff.Format("2006-01-02"))

	pruned, err := s.spool.PruneOlderThan(cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune spool: %w", err)
	}
	if pruned > 0 {
		log.Infof("Pruned %d detection rows", pruned)
	}

	if s.snapshotDir != "" {
		if err := s.pruneSnapshots(cutoff); err != nil {
			return err
		}
	}
	return nil
}

// pruneSnapshots removes snapshot files whose modification time is before
// the cutoff.
func (s *Service) pruneSnapshots(cutoff time.Time) error {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		return fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	var removed int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.snapshotDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warnf("Failed to delete snapshot %s: %v", path, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Infof("Pruned %d snapshot files", removed)
	}
	return nil
}
