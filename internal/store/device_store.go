package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

// Ensure records the device, bumping last_seen on repeat authentication.
func (d *DeviceStore) Ensure(ctx context.Context, uid string) error {
	dev := Device{UID: uid, LastSeen: time.Now().UTC()}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen"}),
		}).
		Create(&dev).Error
}
