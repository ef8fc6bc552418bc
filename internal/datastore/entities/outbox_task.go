package entities

import "time"

// OutboxTask is a pending submission persisted in the queue store.
// Rows are deleted once the backend accepts them, so the table only ever holds
// work that still has to be delivered.
type OutboxTask struct {
	Seq       uint      `gorm:"primaryKey;autoIncrement"`
	TaskID    string    `gorm:"size:36;uniqueIndex;not null"`
	Endpoint  string    `gorm:"size:64;not null"`
	Payload   []byte    `gorm:"type:blob;not null"`
	Attempts  int       `gorm:"not null;default:0"`
	LastError string    `gorm:"type:text;default:''"`
	CreatedAt time.Time `gorm:"not null;index"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (OutboxTask) TableName() string {
	return "queue"
}
