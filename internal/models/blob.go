package models

import "time"

// Blob is a row of the database-backed content store.
type Blob struct {
	Key       string    `gorm:"type:varchar(1200);primaryKey" json:"key"`
	Hash      string    `gorm:"type:char(64);not null" json:"hash"`
	Size      int64     `gorm:"not null" json:"size"`
	Data      []byte    `gorm:"not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
