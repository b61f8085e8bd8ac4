package sequence

import (
	"fmt"
	"time"

	"github.com/castellan/docvault/internal/identifier"
)

// Counter is the durable per-key sequence row. The composite primary key is
// (prefix, date_stamp, category); category is the empty string when absent.
type Counter struct {
	Prefix          string    `gorm:"column:prefix;primaryKey;size:4;not null"`
	DateStamp       string    `gorm:"column:date_stamp;primaryKey;size:8;not null"`
	Category        string    `gorm:"column:category;primaryKey;size:4;not null;default:''"`
	CurrentValue    int64     `gorm:"column:current_value;not null"`
	LastFormattedID string    `gorm:"column:last_formatted_id;size:32;not null;default:''"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null"`
	UpdatedBy       string    `gorm:"column:updated_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Counter) TableName() string {
	return "sequence_counters"
}

// Key identifies one counter.
type Key struct {
	Prefix   identifier.Prefix
	Date     time.Time
	Category identifier.Category
}

// NewKey validates the parts and returns a Key anchored to the UTC calendar
// day of the provided time.
func NewKey(prefix identifier.Prefix, date time.Time, category identifier.Category) (Key, error) {
	if _, err := identifier.NewPrefix(prefix.String()); err != nil {
		return Key{}, err
	}
	if _, err := identifier.NewCategory(category.String()); err != nil {
		return Key{}, err
	}
	if date.IsZero() {
		return Key{}, fmt.Errorf("sequence: key date is required")
	}
	return Key{Prefix: prefix, Date: date.UTC(), Category: category}, nil
}

// DateStamp renders the key's calendar day as YYYYMMDD.
func (k Key) DateStamp() string {
	return k.Date.UTC().Format("20060102")
}

// String renders the key for log fields.
func (k Key) String() string {
	if k.Category == "" {
		return fmt.Sprintf("%s/%s", k.Prefix, k.DateStamp())
	}
	return fmt.Sprintf("%s/%s/%s", k.Prefix, k.DateStamp(), k.Category)
}
