package documents

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// EntityResolver answers whether a linked entity exists. The borrower, loan,
// and case services own the authoritative data; the catalog only validates
// existence at write time and never cascades deletes.
type EntityResolver interface {
	Exists(ctx context.Context, kind LinkedEntityKind, entityID string) (bool, error)
}

// LinkedEntity is the local registry row used by the default resolver.
type LinkedEntity struct {
	Kind        LinkedEntityKind `gorm:"column:kind;primaryKey;size:32;not null"`
	EntityID    string           `gorm:"column:entity_id;primaryKey;size:190;not null"`
	DisplayName string           `gorm:"column:display_name;size:255;not null;default:''"`
	CreatedAt   time.Time        `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LinkedEntity) TableName() string {
	return "linked_entities"
}

// RegistryResolver resolves entities against the local registry table.
type RegistryResolver struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewRegistryResolver constructs the default resolver.
func NewRegistryResolver(db *gorm.DB, clock func() time.Time) (*RegistryResolver, error) {
	if db == nil {
		return nil, errors.New("documents: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &RegistryResolver{db: db, clock: clock}, nil
}

// Exists reports whether the registry knows the entity.
func (r *RegistryResolver) Exists(ctx context.Context, kind LinkedEntityKind, entityID string) (bool, error) {
	var row LinkedEntity
	err := r.db.WithContext(ctx).
		Where("kind = ? AND entity_id = ?", kind.String(), entityID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Register records an entity so documents may link to it. Re-registration of
// a known entity is a no-op.
func (r *RegistryResolver) Register(ctx context.Context, kind LinkedEntityKind, entityID, displayName string) error {
	if _, err := ParseLinkedEntityKind(kind.String()); err != nil {
		return err
	}
	exists, err := r.Exists(ctx, kind, entityID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.db.WithContext(ctx).Create(&LinkedEntity{
		Kind:        kind,
		EntityID:    entityID,
		DisplayName: displayName,
		CreatedAt:   r.clock().UTC(),
	}).Error
}
