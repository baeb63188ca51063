package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stateRow struct {
	ID      uint      `gorm:"primaryKey"`
	Path    string    `gorm:"index:idx_state_path_updated,priority:1;not null"`
	Updated time.Time `gorm:"column:updated_time;index:idx_state_path_updated,priority:2"`
	Saved   time.Time `gorm:"column:saved_time"`
	Data    string    `gorm:"type:text"`
}

func (stateRow) TableName() string { return "state_entries" }

// SQL stores entries in a gorm-managed table.
type SQL struct {
	db *gorm.DB
}

// OpenSQLite opens a pure-Go sqlite database at dsn (a file path or ":memory:").
func OpenSQLite(dsn string) (*SQL, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	return NewSQL(db)
}

// NewSQL migrates the state table on db.
func NewSQL(db *gorm.DB) (*SQL, error) {
	if err := db.AutoMigrate(&stateRow{}); err != nil {
		return nil, fmt.Errorf("migrate state table: %w", err)
	}
	return &SQL{db: db}, nil
}

// Latest returns the newest entry for path.
func (s *SQL) Latest(ctx context.Context, path string) (Entry, bool, error) {
	var row stateRow
	err := s.db.WithContext(ctx).
		Where("path = ?", path).
		Order("updated_time DESC").Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load %s: %w", path, err)
	}
	return Entry{Path: row.Path, UpdatedAt: row.Updated, SavedAt: row.Saved, Data: []byte(row.Data)}, true, nil
}

// Append inserts e.
func (s *SQL) Append(ctx context.Context, e Entry) error {
	row := stateRow{Path: e.Path, Updated: e.UpdatedAt.UTC(), Saved: e.SavedAt.UTC(), Data: string(e.Data)}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append %s: %w", e.Path, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
