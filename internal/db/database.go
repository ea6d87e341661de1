package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alanagoyal/ghostbusters-sub001/config"
	"github.com/alanagoyal/ghostbusters-sub001/internal/core/model"

	"github.com/glebarez/sqlite" // pure Go SQLite driver
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Spool is the local SQLite database. Every visit and every detection is
// written here first, so the night's record survives a dead uplink; rows
// that also made it to the remote backend carry RemoteSynced=true.
type Spool struct {
	db *gorm.DB
}

// Open connects to the spool database and runs migrations.
func Open(cfg config.DBConfig) (*Spool, error) {
	if cfg.File != "" {
		dbDir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	gormLogger := logger.New(
		log.StandardLogger(),
		logger.Config{
			SlowThreshold:             time.Second * 2,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	log.Infof("Connecting to database: %s", cfg.File)
	gdb, err := gorm.Open(sqlite.Open(cfg.File), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if err := gdb.AutoMigrate(
		&model.VisitEvent{},
		&model.Detection{},
	); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("Database ready")
	return &Spool{db: gdb}, nil
}

// SaveVisit records one emitted visit.
func (s *Spool) SaveVisit(event *model.VisitEvent) error {
	if err := s.db.Create(event).Error; err != nil {
		return fmt.Errorf("failed to save visit: %w", err)
	}
	return nil
}

// SaveDetection records one processed person.
func (s *Spool) SaveDetection(det *model.Detection) error {
	if err := s.db.Create(det).Error; err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// RecentVisits returns the newest visits, most recent first.
func (s *Spool) RecentVisits(limit int) ([]model.VisitEvent, error) {
	var visits []model.VisitEvent
	err := s.db.Order("timestamp desc").Limit(limit).Find(&visits).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	return visits, nil
}

// DetectionsForVisit returns all detections spooled for one visit.
func (s *Spool) DetectionsForVisit(visitID string) ([]model.Detection, error) {
	var dets []model.Detection
	err := s.db.Where("visit_id = ?", visitID).Order("id asc").Find(&dets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	return dets, nil
}

// Counts summarizes the spool for the status API and the health report.
type Counts struct {
	Visits     int64 `json:"visits"`
	Detections int64 `json:"detections"`
	Unsynced   int64 `json:"unsynced"`
}

// CountsSince counts rows with a timestamp at or after the cutoff.
func (s *Spool) CountsSince(cutoff time.Time) (Counts, error) {
	var c Counts
	if err := s.db.Model(&model.VisitEvent{}).
		Where("timestamp >= ?", cutoff).Count(&c.Visits).Error; err != nil {
		return c, fmt.Errorf("failed to count visits: %w", err)
	}
	if err := s.db.Model(&model.Detection{}).
		Where("timestamp >= ?", cutoff).Count(&c.Detections).Error; err != nil {
		return c, fmt.Errorf("failed to count detections: %w", err)
	}
	if err := s.db.Model(&model.Detection{}).
		Where("timestamp >= ? AND remote_synced = ?", cutoff, false).Count(&c.Unsynced).Error; err != nil {
		return c, fmt.Errorf("failed to count unsynced detections: %w", err)
	}
	return c, nil
}

// PruneOlderThan deletes rows older than the cutoff and returns how many
// detections were removed. Used by the retention cleanup service.
func (s *Spool) PruneOlderThan(cutoff time.Time) (int64, error) {
	res := s.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&model.Detection{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune detections: %w", res.Error)
	}
	pruned := res.RowsAffected

	if err := s.db.Unscoped().Where("timestamp < ?", cutoff).
		Delete(&model.VisitEvent{}).Error; err != nil {
		return pruned, fmt.Errorf("failed to prune visits: %w", err)
	}
	return pruned, nil
}

// Close closes the underlying connection.
func (s *Spool) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
