// Package history keeps finished matches in a SQLite database.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("match not found")

type Match struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Turns      int           `json:"turns"`
	Winner     int           `json:"winner"`
	WinnerName string        `gorm:"size:64" json:"winner_name,omitempty"`
	Aborted    bool          `json:"aborted"`
	SendErrors uint64        `json:"send_errors"`

	Players []Player `gorm:"constraint:OnDelete:CASCADE" json:"players"`
}

type Player struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	MatchID  uint   `gorm:"not null;index" json:"-"`
	Slot     int    `json:"slot"`
	Name     string `gorm:"size:64" json:"name"`
	Type     string `gorm:"size:16" json:"type"`
	Position int    `json:"position"`
}

type Store struct {
	db *gorm.DB
}

// Open creates or migrates the database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Match{}, &Player{}); err != nil {
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores m and its players and fills in their ids.
func (s *Store) Record(ctx context.Context, m *Match) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *Store) Get(ctx context.Context, id uint) (*Match, error) {
	var m Match
	err := s.db.WithContext(ctx).Preload("Players", bySlot).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Recent returns up to limit matches, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Match, error) {
	var out []Match
	err := s.db.WithContext(ctx).
		Preload("Players", bySlot).
		Order("id desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func bySlot(db *gorm.DB) *gorm.DB {
	return db.Order("slot")
}
