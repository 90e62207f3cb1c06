// Package storage persists the approval decision audit trail in SQLite via
// GORM. Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver. The registry itself stays in memory; this store only receives
// terminal records, so losing it never affects approval correctness.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/idhini/internal/approval"
)

// DecisionRecord is one row in the approval audit trail.
type DecisionRecord struct {
	ID          uint   `gorm:"primaryKey"`
	ApprovalID  string `gorm:"uniqueIndex;size:64"`
	ToolName    string `gorm:"index;size:128"`
	ArgsSummary string `gorm:"size:512"`
	Status      string `gorm:"size:16"`
	DecidedBy   string `gorm:"size:128"`
	RequestedAt time.Time
	DecidedAt   time.Time `gorm:"index"`
}

// AuditStore is a SQLite-backed approval.AuditSink.
type AuditStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or opens) the audit database at the given path and runs
// migrations. WAL mode is enabled for concurrent reads.
func Open(path string, slogger *slog.Logger) (*AuditStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating audit database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit database %s: %w", path, err)
	}

	if err := db.AutoMigrate(&DecisionRecord{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	return &AuditStore{db: db, logger: slogger}, nil
}

// RecordDecision appends a terminal approval record. Implements
// approval.AuditSink.
func (s *AuditStore) RecordDecision(ctx context.Context, req approval.Request) error {
	rec := DecisionRecord{
		ApprovalID:  req.ID,
		ToolName:    req.ToolName,
		ArgsSummary: req.ArgsSummary,
		Status:      req.Status.String(),
		DecidedBy:   req.DecidedBy,
		RequestedAt: req.RequestedAt,
		DecidedAt:   req.DecidedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("inserting decision record: %w", err)
	}
	return nil
}

// Recent returns the newest decision records, most recent first.
func (s *AuditStore) Recent(ctx context.Context, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []DecisionRecord
	err := s.db.WithContext(ctx).
		Order("decided_at DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing decision records: %w", err)
	}
	return recs, nil
}

// Prune deletes records decided before the given age.
func (s *AuditStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Where("decided_at < ?", cutoff).
		Delete(&DecisionRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning decision records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// StartPruner runs Prune on the given cron schedule. Returns a stop function.
func (s *AuditStore) StartPruner(schedule string, olderThan time.Duration) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		n, pruneErr := s.Prune(context.Background(), olderThan)
		if pruneErr != nil {
			s.logger.Error("audit prune failed", slog.String("error", pruneErr.Error()))
			return
		}
		if n > 0 {
			s.logger.Debug("audit trail pruned",
				slog.Int64("removed", n),
				slog.Duration("older_than", olderThan),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parsing prune schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}, nil
}

// Close releases the underlying database handle.
func (s *AuditStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
