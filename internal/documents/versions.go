package documents

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

const bootstrapVersionSummary = "initial version (backfilled from document pointers)"

// latestVersionNumber returns the highest version number recorded for the
// document row, zero when no version rows exist.
func latestVersionNumber(tx *gorm.DB, documentRowID string) (int64, error) {
	var latest DocumentVersion
	err := tx.
		Where("document_row_id = ?", documentRowID).
		Order("version_number DESC").
		Take(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return latest.VersionNumber, nil
}

// ensureVersionOne synthesizes the version-1 record for a legacy document
// that predates the ledger, using the document's current pointers. The
// check-then-insert runs under the caller's row lock, so repeated calls are
// no-ops and never produce two version-1 rows.
func ensureVersionOne(tx *gorm.DB, doc *Document, idProvider IDProvider, at time.Time) error {
	var existing DocumentVersion
	err := tx.
		Where("document_row_id = ? AND version_number = ?", doc.ID, 1).
		Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	versionID, err := idProvider.NewID()
	if err != nil {
		return err
	}
	record := DocumentVersion{
		ID:            versionID,
		DocumentRowID: doc.ID,
		VersionNumber: 1,
		StoredPath:    doc.StoredPath,
		EncryptedPath: doc.EncryptedPath,
		ContentHash:   doc.ContentHash,
		FileSizeMb:    bytesToMb(doc.FileSizeBytes),
		ChangeSummary: bootstrapVersionSummary,
		CreatedBy:     doc.UploadedBy,
		CreatedAt:     at,
	}
	return tx.Create(&record).Error
}

// appendVersion inserts the next ledger record and moves the document's
// current pointers to it. The caller holds the document row lock.
func appendVersion(tx *gorm.DB, doc *Document, record DocumentVersion) error {
	latest, err := latestVersionNumber(tx, doc.ID)
	if err != nil {
		return err
	}
	if doc.VersionNumber > latest {
		latest = doc.VersionNumber
	}
	record.VersionNumber = latest + 1
	record.DocumentRowID = doc.ID

	if err := tx.Create(&record).Error; err != nil {
		return err
	}

	updates := map[string]interface{}{
		"version_number": record.VersionNumber,
		"stored_path":    record.StoredPath,
		"encrypted_path": record.EncryptedPath,
		"content_hash":   record.ContentHash,
	}
	result := tx.Model(&Document{}).Where("id = ?", doc.ID).Updates(updates)
	if result.Error != nil {
		return result.Error
	}

	doc.VersionNumber = record.VersionNumber
	doc.StoredPath = record.StoredPath
	doc.EncryptedPath = record.EncryptedPath
	doc.ContentHash = record.ContentHash
	return nil
}

func bytesToMb(sizeBytes int64) float64 {
	return float64(sizeBytes) / (1024 * 1024)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}
