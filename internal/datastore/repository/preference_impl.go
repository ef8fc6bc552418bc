package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/els-fr/livreur/internal/datastore/entities"
	"github.com/els-fr/livreur/internal/errors"
)

// preferenceRepository implements PreferenceRepository.
type preferenceRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository creates a new PreferenceRepository.
func NewPreferenceRepository(db *gorm.DB) PreferenceRepository {
	return &preferenceRepository{db: db}
}

// Get returns the value stored under key, or ErrPreferenceNotFound.
func (r *preferenceRepository) Get(ctx context.Context, key string) (string, error) {
	var pref entities.Preference
	if err := r.db.WithContext(ctx).Where("pref_key = ?", key).First(&pref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrPreferenceNotFound
		}
		return "", fmt.Errorf("failed to get preference %s: %w", key, err)
	}
	return pref.Value, nil
}

// Set upserts the value stored under key.
func (r *preferenceRepository) Set(ctx context.Context, key, value string) error {
	pref := entities.Preference{Key: key, Value: value}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pref_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&pref).Error
	if err != nil {
		return fmt.Errorf("failed to set preference %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (r *preferenceRepository) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Where("pref_key = ?", key).Delete(&entities.Preference{}).Error; err != nil {
		return fmt.Errorf("failed to delete preference %s: %w", key, err)
	}
	return nil
}
