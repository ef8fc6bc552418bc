package entities

import "time"

// Well-known preference keys.
const (
	PrefDeviceID    = "livreur-device-id"
	PrefDriverEmail = "livreur-driver-email"
)

// Preference is a small persisted key/value setting.
type Preference struct {
	Key       string    `gorm:"column:pref_key;primaryKey;size:128"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (Preference) TableName() string {
	return "preferences"
}
