package entities

import "time"

// CurrentSchemaVersion is bumped whenever a persisted record layout changes.
const CurrentSchemaVersion = 1

// SchemaVersion is a singleton row recording the store layout version.
type SchemaVersion struct {
	ID        uint      `gorm:"primaryKey"`
	Version   int       `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM.
func (SchemaVersion) TableName() string {
	return "schema_version"
}
