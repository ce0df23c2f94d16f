package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type KeyStore struct{ db *gorm.DB }

func (s *Store) Keys() *KeyStore { return &KeyStore{db: s.DB} }

// Create inserts a fresh key. Duplicate IDs are rejected, not overwritten.
func (k *KeyStore) Create(ctx context.Context, key *ActivationKey) error {
	res := k.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(key)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (k *KeyStore) Get(ctx context.Context, id string) (*ActivationKey, error) {
	var key ActivationKey
	err := k.db.WithContext(ctx).First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}

// GetForUpdate locks the row for the duration of the surrounding transaction.
func (k *KeyStore) GetForUpdate(ctx context.Context, id string) (*ActivationKey, error) {
	var key ActivationKey
	err := k.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&key, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}

func (k *KeyStore) Save(ctx context.Context, key *ActivationKey) error {
	return k.db.WithContext(ctx).Save(key).Error
}

func (k *KeyStore) List(ctx context.Context) ([]ActivationKey, error) {
	var keys []ActivationKey
	err := k.db.WithContext(ctx).Order("created_at DESC").Find(&keys).Error
	return keys, err
}

func (k *KeyStore) Delete(ctx context.Context, id string) error {
	res := k.db.WithContext(ctx).Delete(&ActivationKey{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
