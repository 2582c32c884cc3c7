// Package history persists per-run scenario outcomes in a local sqlite
// database so flaky scenarios can be spotted across runs.
package history

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/probelab/uiprobe/lib/runner"
)

// Record is one scenario outcome in one run.
type Record struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"index"`
	Scenario   string `gorm:"index"`
	Status     string
	Reason     string
	DurationMs int64
	CreatedAt  time.Time
}

// Store wraps the run-history database.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate history db %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// RecordRun appends every result of a run summary.
func (s *Store) RecordRun(summary runner.Summary) error {
	if len(summary.Results) == 0 {
		return nil
	}
	records := make([]Record, len(summary.Results))
	for i, r := range summary.Results {
		records[i] = Record{
			RunID:      summary.RunID,
			Scenario:   r.Scenario,
			Status:     string(r.Status),
			Reason:     r.Reason,
			DurationMs: r.Duration.Milliseconds(),
		}
	}
	if err := s.db.Create(&records).Error; err != nil {
		return fmt.Errorf("record run %s: %w", summary.RunID, err)
	}
	return nil
}

// RecentOutcomes returns the latest outcomes for a scenario, newest first.
func (s *Store) RecentOutcomes(scenario string, limit int) ([]Record, error) {
	var records []Record
	err := s.db.
		Where("scenario = ?", scenario).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", scenario, err)
	}
	return records, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
