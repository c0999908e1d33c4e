package models

import (
	"time"
)

// CacheEntry is a single versioned, TTL-aware cache row. Payload is an
// opaque JSON blob (ciphertext when at-rest encryption is enabled); the
// cache store owns these rows exclusively.
type CacheEntry struct {
	Key      string    `gorm:"primaryKey;size:256" json:"key"`
	Payload  []byte    `gorm:"type:blob" json:"-"`
	StoredAt time.Time `gorm:"not null;index" json:"storedAt"`
	Version  string    `gorm:"size:64;not null;index" json:"version"`
}

// TableName specifies the table name
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// CacheMeta holds store-level markers, currently only the schema
// version generation under key "schema_version".
type CacheMeta struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string `gorm:"size:256;not null"`
}

// TableName specifies the table name
func (CacheMeta) TableName() string {
	return "cache_meta"
}
