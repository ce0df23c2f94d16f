package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type envelopeRow struct {
	Key       string    `gorm:"primaryKey;column:key"`
	Data      []byte    `gorm:"type:blob;not null"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

func (envelopeRow) TableName() string { return "envelopes" }

// GormBackend is the embedded structured store, the highest-priority read
// source. Backed by sqlite in the gate binary.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) (*GormBackend, error) {
	if err := db.AutoMigrate(&envelopeRow{}); err != nil {
		return nil, err
	}
	return &GormBackend{db: db}, nil
}

func (g *GormBackend) Name() string { return "structured" }

func (g *GormBackend) Put(ctx context.Context, key string, data []byte) error {
	row := envelopeRow{Key: key, Data: data}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]any{"data": data, "updated_at": time.Now().UTC()}),
		}).
		Create(&row).Error
}

func (g *GormBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var row envelopeRow
	if err := g.db.WithContext(ctx).First(&row, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row.Data, nil
}

func (g *GormBackend) Delete(ctx context.Context, key string) error {
	return g.db.WithContext(ctx).Where("key = ?", key).Delete(&envelopeRow{}).Error
}
