package database

import (
	"errors"
	"time"

	"github.com/castellan/docvault/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillVersionHistory = "2026-08-31_backfill_document_version_history"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillVersionHistory, apply: backfillVersionHistory},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillVersionHistory synthesizes a version-1 record for documents that
// predate the version ledger, from each document's current pointers. Keyed
// on (document, version 1), so re-running is a no-op.
func backfillVersionHistory(db *gorm.DB) error {
	idProvider := documents.NewUUIDProvider()

	var legacy []documents.Document
	err := db.
		Where("id NOT IN (?)", db.Model(&documents.DocumentVersion{}).
			Select("document_row_id").
			Where("version_number = ?", 1)).
		Find(&legacy).Error
	if err != nil {
		return err
	}

	for i := range legacy {
		doc := &legacy[i]
		versionID, err := idProvider.NewID()
		if err != nil {
			return err
		}
		sizeMb := float64(doc.FileSizeBytes) / (1024 * 1024)
		record := documents.DocumentVersion{
			ID:            versionID,
			DocumentRowID: doc.ID,
			VersionNumber: 1,
			StoredPath:    doc.StoredPath,
			EncryptedPath: doc.EncryptedPath,
			ContentHash:   doc.ContentHash,
			FileSizeMb:    sizeMb,
			ChangeSummary: "initial version (backfilled from document pointers)",
			CreatedBy:     doc.UploadedBy,
			CreatedAt:     doc.UploadedAt,
		}
		if err := db.Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}
