package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Entry is the durable level's row. Tags are stored comma-joined for
// debuggability only; durable invalidation is always by exact key.
type Entry struct {
	Key       string `gorm:"primaryKey;size:512"`
	Value     []byte
	Tags      string
	ExpiresAt time.Time `gorm:"index"`
}

// TableName keeps the table under the service's namespace.
func (Entry) TableName() string {
	return "streamhub_cache_entries"
}

// Durable is the optional relational level. Only entries written with
// WriteThrough land here; it exists so warm state survives a full fleet
// restart.
type Durable struct {
	db *gorm.DB
}

// NewDurable migrates the schema and wraps the connection.
func NewDurable(db *gorm.DB) (*Durable, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}
	return &Durable{db: db}, nil
}

// Put upserts one entry.
func (d *Durable) Put(ctx context.Context, key string, value []byte, tags []string, expiresAt time.Time) error {
	entry := Entry{Key: key, Value: value, Tags: strings.Join(tags, ","), ExpiresAt: expiresAt}
	return d.db.WithContext(ctx).Save(&entry).Error
}

// Fetch reads one live entry. Expired rows read as misses; the janitor
// deletes them later.
func (d *Durable) Fetch(ctx context.Context, key string, now time.Time) ([]byte, bool, error) {
	var entry Entry
	err := d.db.WithContext(ctx).First(&entry, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read durable cache: %w", err)
	}
	if now.After(entry.ExpiresAt) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Delete removes one entry.
func (d *Durable) Delete(ctx context.Context, key string) error {
	return d.db.WithContext(ctx).Delete(&Entry{}, "key = ?", key).Error
}

// SweepExpired trims dead rows.
func (d *Durable) SweepExpired(ctx context.Context, now time.Time) error {
	return d.db.WithContext(ctx).Delete(&Entry{}, "expires_at < ?", now).Error
}
