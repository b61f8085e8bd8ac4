package documents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/castellan/docvault/internal/blobstore"
	"github.com/castellan/docvault/internal/identifier"
	"github.com/castellan/docvault/internal/sequence"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew     = "documents.service.new"
	opUpload         = "documents.upload"
	opGet            = "documents.get"
	opDownload       = "documents.download"
	opList           = "documents.list"
	opCreateVersion  = "documents.create_version"
	opRollback       = "documents.rollback"
	opListVersions   = "documents.list_versions"
	opDelete         = "documents.delete"
	opNextIdentifier = "documents.next_identifier"
	opPurge          = "documents.purge_files"

	encryptedSuffix = ".enc"

	defaultMaxFileSizeBytes = 10 << 20
	defaultPageSize         = 20
	maxPageSize             = 100

	// maxVersionAttempts bounds the new-version race retry before the
	// conflict is surfaced.
	maxVersionAttempts = 3
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingBlobStore   = errors.New("blob store is required")
	errMissingCodec       = errors.New("encryption codec is required")
	errMissingIdentifiers = errors.New("identifier service is required")
	errMissingEntities    = errors.New("entity resolver is required")
	errMissingIDProvider  = errors.New("id provider is required")
	noOpLogger            = zap.NewNop()
)

// AccessDeniedError is the guard denial carried inside a forbidden
// ServiceError so callers can read the reason.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string {
	return e.Reason
}

// DenialReason extracts the guard reason from a forbidden error chain.
func DenialReason(err error) (string, bool) {
	var denied *AccessDeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// Codec is the authenticated cipher surface the catalog needs.
type Codec interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(blob []byte) ([]byte, error)
}

// IdentifierService mints external sequential identifiers.
type IdentifierService interface {
	NextIdentifier(ctx context.Context, prefix identifier.Prefix, category identifier.Category, actor string) (string, error)
}

// ServiceConfig describes the dependencies of the document catalog.
type ServiceConfig struct {
	Database         *gorm.DB
	Blobs            blobstore.Store
	Codec            Codec
	Identifiers      IdentifierService
	Entities         EntityResolver
	Clock            func() time.Time
	IDProvider       IDProvider
	Logger           *zap.Logger
	DocumentPrefix   identifier.Prefix
	MaxFileSizeBytes int64
	AllowedMIMETypes []string
}

// Service is the document catalog: it validates inputs, orchestrates the
// content store, codec, sequence registry, and version ledger, and owns the
// metadata rows.
type Service struct {
	db             *gorm.DB
	blobs          blobstore.Store
	codec          Codec
	identifiers    IdentifierService
	entities       EntityResolver
	clock          func() time.Time
	idProvider     IDProvider
	logger         *zap.Logger
	documentPrefix identifier.Prefix
	maxFileSize    int64
	allowedMIME    map[string]struct{}
}

// NewService constructs the catalog.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(KindValidation, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(KindValidation, opServiceNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.Codec == nil {
		return nil, newServiceError(KindValidation, opServiceNew, "missing_codec", errMissingCodec)
	}
	if cfg.Identifiers == nil {
		return nil, newServiceError(KindValidation, opServiceNew, "missing_identifiers", errMissingIdentifiers)
	}
	if cfg.Entities == nil {
		return nil, newServiceError(KindValidation, opServiceNew, "missing_entities", errMissingEntities)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(KindValidation, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	prefix := cfg.DocumentPrefix
	if prefix == "" {
		prefix = identifier.Prefix("LDR")
	}
	if _, err := identifier.NewPrefix(prefix.String()); err != nil {
		return nil, newServiceError(KindValidation, opServiceNew, "invalid_prefix", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxFileSize := cfg.MaxFileSizeBytes
	if maxFileSize <= 0 {
		maxFileSize = defaultMaxFileSizeBytes
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedMIMETypes))
	for _, mimeType := range cfg.AllowedMIMETypes {
		trimmed := strings.ToLower(strings.TrimSpace(mimeType))
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}

	return &Service{
		db:             cfg.Database,
		blobs:          cfg.Blobs,
		codec:          cfg.Codec,
		identifiers:    cfg.Identifiers,
		entities:       cfg.Entities,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		documentPrefix: prefix,
		maxFileSize:    maxFileSize,
		allowedMIME:    allowed,
	}, nil
}

// FileUpload is the raw file handed to Upload and CreateVersion.
type FileUpload struct {
	Bytes    []byte
	Name     string
	MIMEType string
}

// UploadMeta describes the document being created.
type UploadMeta struct {
	EntityKind       LinkedEntityKind
	EntityID         string
	DocumentName     string
	DocumentType     string
	CaseDocumentType string
	Confidential     bool
	IsPublic         bool
	Permissions      RoleSet
	Remarks          string
}

// Upload validates the request, stores the encrypted (and, for
// non-confidential documents, plaintext) bytes, mints the external
// identifier, records version 1, and persists the metadata row — in that
// order, metadata last.
func (s *Service) Upload(ctx context.Context, file FileUpload, meta UploadMeta, actor string) (*Document, error) {
	if err := s.validateFile(opUpload, file); err != nil {
		return nil, err
	}
	if err := validateDocumentName(meta.DocumentName); err != nil {
		return nil, newServiceError(KindValidation, opUpload, "invalid_document_name", err)
	}
	if _, err := ParseLinkedEntityKind(meta.EntityKind.String()); err != nil {
		return nil, newServiceError(KindValidation, opUpload, "invalid_entity_kind", err)
	}
	if strings.TrimSpace(meta.EntityID) == "" {
		return nil, newServiceError(KindValidation, opUpload, "missing_entity_id", errors.New("linked entity id is required"))
	}
	if strings.TrimSpace(actor) == "" {
		return nil, newServiceError(KindValidation, opUpload, "missing_actor", errors.New("actor is required"))
	}

	exists, err := s.entities.Exists(ctx, meta.EntityKind, meta.EntityID)
	if err != nil {
		s.logError(opUpload, "entity_lookup_failed", err)
		return nil, newServiceError(KindInternal, opUpload, "entity_lookup_failed", err)
	}
	if !exists {
		return nil, newServiceError(KindNotFound, opUpload, "entity_missing",
			fmt.Errorf("linked entity %s/%s does not exist", meta.EntityKind, meta.EntityID))
	}

	content, hash, err := s.storeContent(ctx, opUpload, meta.EntityKind, meta.EntityID, file, meta.Confidential)
	if err != nil {
		return nil, err
	}

	documentID, err := s.identifiers.NextIdentifier(ctx, s.documentPrefix, "", actor)
	if err != nil {
		return nil, s.translateSequenceError(opUpload, err)
	}

	rowID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(KindInternal, opUpload, "id_generation_failed", err)
	}
	versionID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(KindInternal, opUpload, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	plainPath, _ := content.PlainPath()
	doc := Document{
		ID:                rowID,
		DocumentID:        documentID,
		LinkedEntityKind:  meta.EntityKind,
		LinkedEntityID:    meta.EntityID,
		DocumentName:      strings.TrimSpace(meta.DocumentName),
		DocumentType:      strings.TrimSpace(meta.DocumentType),
		CaseDocumentType:  strings.TrimSpace(meta.CaseDocumentType),
		OriginalFileName:  file.Name,
		MIMEType:          file.MIMEType,
		FileSizeBytes:     int64(len(file.Bytes)),
		ContentHash:       hash,
		StoredPath:        plainPath,
		EncryptedPath:     content.EncryptedPath(),
		AccessPermissions: meta.Permissions.Serialize(),
		Confidential:      meta.Confidential,
		IsPublic:          meta.IsPublic,
		VersionNumber:     1,
		Status:            StatusActive,
		UploadedBy:        actor,
		UploadedAt:        now,
		Remarks:           meta.Remarks,
	}
	version := DocumentVersion{
		ID:            versionID,
		DocumentRowID: rowID,
		VersionNumber: 1,
		StoredPath:    plainPath,
		EncryptedPath: content.EncryptedPath(),
		ContentHash:   hash,
		FileSizeMb:    bytesToMb(int64(len(file.Bytes))),
		ChangeSummary: "initial upload",
		CreatedBy:     actor,
		CreatedAt:     now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		return tx.Create(&version).Error
	})
	if txErr != nil {
		s.logError(opUpload, "metadata_insert_failed", txErr, zap.String("document_id", documentID))
		return nil, newServiceError(KindInternal, opUpload, "metadata_insert_failed", txErr)
	}

	return &doc, nil
}

// Get returns the metadata row after a view authorization.
func (s *Service) Get(ctx context.Context, documentID, actor string, role Role) (*Document, error) {
	doc, err := s.loadActive(ctx, opGet, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(opGet, doc, actor, role, ActionView); err != nil {
		return nil, err
	}
	return doc, nil
}

// Download authorizes, retrieves, decrypts, and integrity-checks the
// document bytes. A hash mismatch or cipher authentication failure is a hard
// integrity failure, logged with the document id, never silently swallowed.
func (s *Service) Download(ctx context.Context, documentID, actor string, role Role) (*Document, []byte, error) {
	doc, err := s.loadActive(ctx, opDownload, documentID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.authorize(opDownload, doc, actor, role, ActionDownload); err != nil {
		return nil, nil, err
	}

	content, err := doc.Content()
	if err != nil {
		s.logError(opDownload, "invalid_content_pointers", err, zap.String("document_id", doc.DocumentID))
		return nil, nil, newServiceError(KindInternal, opDownload, "invalid_content_pointers", err)
	}

	var plain []byte
	if plainPath, ok := content.PlainPath(); ok {
		plain, err = s.blobs.Get(ctx, plainPath)
		if err != nil {
			s.logError(opDownload, "plain_read_failed", err, zap.String("document_id", doc.DocumentID))
			return nil, nil, newServiceError(KindInternal, opDownload, "plain_read_failed", err)
		}
	} else {
		blob, err := s.blobs.Get(ctx, content.EncryptedPath())
		if err != nil {
			s.logError(opDownload, "encrypted_read_failed", err, zap.String("document_id", doc.DocumentID))
			return nil, nil, newServiceError(KindInternal, opDownload, "encrypted_read_failed", err)
		}
		plain, err = s.codec.Decrypt(blob)
		if err != nil {
			s.logError(opDownload, "decrypt_failed", err, zap.String("document_id", doc.DocumentID))
			return nil, nil, newServiceError(KindIntegrity, opDownload, "decrypt_failed", err)
		}
	}

	if blobstore.ContentHash(plain) != doc.ContentHash {
		err := fmt.Errorf("content hash mismatch for %s", doc.DocumentID)
		s.logError(opDownload, "hash_mismatch", err, zap.String("document_id", doc.DocumentID))
		return nil, nil, newServiceError(KindIntegrity, opDownload, "hash_mismatch", err)
	}

	s.recordAccess(ctx, doc, actor)
	return doc, plain, nil
}

// ListRequest filters and paginates a per-entity listing.
type ListRequest struct {
	EntityKind       LinkedEntityKind
	EntityID         string
	DocumentType     string
	CaseDocumentType string
	Page             int
	PageSize         int
}

// List returns the documents attached to an entity that the actor may view.
// Unauthorized rows are silently excluded, not surfaced as errors.
func (s *Service) List(ctx context.Context, req ListRequest, actor string, role Role) ([]Document, error) {
	if _, err := ParseLinkedEntityKind(req.EntityKind.String()); err != nil {
		return nil, newServiceError(KindValidation, opList, "invalid_entity_kind", err)
	}
	if strings.TrimSpace(req.EntityID) == "" {
		return nil, newServiceError(KindValidation, opList, "missing_entity_id", errors.New("linked entity id is required"))
	}

	query := s.db.WithContext(ctx).
		Where("linked_entity_kind = ? AND linked_entity_id = ? AND status = ?",
			req.EntityKind.String(), req.EntityID, string(StatusActive))
	if trimmed := strings.TrimSpace(req.DocumentType); trimmed != "" {
		query = query.Where("document_type = ?", trimmed)
	}
	if trimmed := strings.TrimSpace(req.CaseDocumentType); trimmed != "" {
		query = query.Where("case_document_type = ?", trimmed)
	}

	var rows []Document
	if err := query.Order("uploaded_at DESC, document_id DESC").Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(KindInternal, opList, "query_failed", err)
	}

	authorized := make([]Document, 0, len(rows))
	for i := range rows {
		if Authorize(&rows[i], actor, role, ActionView).Allowed {
			authorized = append(authorized, rows[i])
		}
	}

	page := req.Page
	if page < 1 {
		page = 1
	}
	pageSize := req.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	start := (page - 1) * pageSize
	if start >= len(authorized) {
		return []Document{}, nil
	}
	end := start + pageSize
	if end > len(authorized) {
		end = len(authorized)
	}
	return authorized[start:end], nil
}

// CreateVersion stores new content for the document and appends the next
// ledger record. Concurrent submissions race on the version number; the race
// is detected and retried, never silently overwritten.
func (s *Service) CreateVersion(ctx context.Context, documentID string, file FileUpload, summary, actor string, role Role) (*Document, error) {
	if err := s.validateFile(opCreateVersion, file); err != nil {
		return nil, err
	}

	doc, err := s.loadActive(ctx, opCreateVersion, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(opCreateVersion, doc, actor, role, ActionModify); err != nil {
		return nil, err
	}

	content, hash, err := s.storeContent(ctx, opCreateVersion, doc.LinkedEntityKind, doc.LinkedEntityID, file, doc.Confidential)
	if err != nil {
		return nil, err
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(KindInternal, opCreateVersion, "id_generation_failed", err)
	}

	plainPath, _ := content.PlainPath()
	record := DocumentVersion{
		ID:            versionID,
		StoredPath:    plainPath,
		EncryptedPath: content.EncryptedPath(),
		ContentHash:   hash,
		FileSizeMb:    bytesToMb(int64(len(file.Bytes))),
		ChangeSummary: strings.TrimSpace(summary),
		CreatedBy:     actor,
		CreatedAt:     s.clock().UTC(),
	}

	updated, err := s.appendVersionWithRetry(ctx, opCreateVersion, doc.DocumentID, record, func(doc *Document, tx *gorm.DB) error {
		return tx.Model(&Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
			"original_file_name": file.Name,
			"mime_type":          file.MIMEType,
			"file_size_bytes":    int64(len(file.Bytes)),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	updated.OriginalFileName = file.Name
	updated.MIMEType = file.MIMEType
	updated.FileSizeBytes = int64(len(file.Bytes))
	return updated, nil
}

// Rollback appends a new version whose content pointers equal the target's.
// The target and every intermediate version remain untouched. A document
// predating the ledger first gets its version-1 record synthesized.
func (s *Service) Rollback(ctx context.Context, documentID string, targetVersion int64, actor string, role Role) (*Document, error) {
	if targetVersion < 1 {
		return nil, newServiceError(KindValidation, opRollback, "invalid_target_version",
			fmt.Errorf("target version %d must be positive", targetVersion))
	}

	doc, err := s.loadActive(ctx, opRollback, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(opRollback, doc, actor, role, ActionModify); err != nil {
		return nil, err
	}

	versionID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(KindInternal, opRollback, "id_generation_failed", err)
	}

	var updated *Document
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := lockDocument(tx, documentID)
		if err != nil {
			return err
		}
		if err := ensureVersionOne(tx, locked, s.idProvider, s.clock().UTC()); err != nil {
			return err
		}

		var target DocumentVersion
		err = tx.
			Where("document_row_id = ? AND version_number = ?", locked.ID, targetVersion).
			Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(KindNotFound, opRollback, "version_missing",
				fmt.Errorf("version %d of %s does not exist", targetVersion, documentID))
		}
		if err != nil {
			return err
		}

		record := DocumentVersion{
			ID:            versionID,
			StoredPath:    target.StoredPath,
			EncryptedPath: target.EncryptedPath,
			ContentHash:   target.ContentHash,
			FileSizeMb:    target.FileSizeMb,
			ChangeSummary: fmt.Sprintf("rollback to version %d", targetVersion),
			CreatedBy:     actor,
			CreatedAt:     s.clock().UTC(),
		}
		if err := appendVersion(tx, locked, record); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if txErr != nil {
		if _, classified := ErrorKind(txErr); classified {
			return nil, txErr
		}
		s.logError(opRollback, "transaction_failed", txErr, zap.String("document_id", documentID))
		return nil, newServiceError(KindInternal, opRollback, "transaction_failed", txErr)
	}
	return updated, nil
}

// ListVersions returns the ledger for a document, newest first.
func (s *Service) ListVersions(ctx context.Context, documentID, actor string, role Role) ([]DocumentVersion, error) {
	doc, err := s.loadActive(ctx, opListVersions, documentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(opListVersions, doc, actor, role, ActionView); err != nil {
		return nil, err
	}

	var versions []DocumentVersion
	if err := s.db.WithContext(ctx).
		Where("document_row_id = ?", doc.ID).
		Order("version_number DESC").
		Find(&versions).Error; err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(KindInternal, opListVersions, "query_failed", err)
	}
	return versions, nil
}

// Delete flips the status flag. Rows and file bytes stay in place; physical
// removal is the separate PurgeDocumentFiles step.
func (s *Service) Delete(ctx context.Context, documentID, actor string, role Role) error {
	doc, err := s.loadActive(ctx, opDelete, documentID)
	if err != nil {
		return err
	}
	if err := s.authorize(opDelete, doc, actor, role, ActionDelete); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ? AND status = ?", doc.ID, string(StatusActive)).
		Update("status", string(StatusDeleted))
	if result.Error != nil {
		s.logError(opDelete, "update_failed", result.Error, zap.String("document_id", documentID))
		return newServiceError(KindInternal, opDelete, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(KindNotFound, opDelete, "document_missing", gorm.ErrRecordNotFound)
	}
	return nil
}

// PurgeDocumentFiles physically removes the blobs of a soft-deleted
// document. Admin only; metadata and ledger rows are kept.
func (s *Service) PurgeDocumentFiles(ctx context.Context, documentID, actor string, role Role) error {
	if role != RoleAdmin {
		return newServiceError(KindForbidden, opPurge, "denied", &AccessDeniedError{Reason: DenyReasonInsufficient})
	}

	doc, err := s.load(ctx, opPurge, documentID)
	if err != nil {
		return err
	}
	if doc.Status != StatusDeleted {
		return newServiceError(KindValidation, opPurge, "document_not_deleted",
			fmt.Errorf("document %s must be deleted before purging files", documentID))
	}

	var versions []DocumentVersion
	if err := s.db.WithContext(ctx).
		Where("document_row_id = ?", doc.ID).
		Find(&versions).Error; err != nil {
		return newServiceError(KindInternal, opPurge, "query_failed", err)
	}

	paths := map[string]struct{}{}
	if doc.StoredPath != "" {
		paths[doc.StoredPath] = struct{}{}
	}
	paths[doc.EncryptedPath] = struct{}{}
	for _, version := range versions {
		if version.StoredPath != "" {
			paths[version.StoredPath] = struct{}{}
		}
		paths[version.EncryptedPath] = struct{}{}
	}

	for path := range paths {
		if err := s.blobs.Delete(ctx, path); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logError(opPurge, "blob_delete_failed", err, zap.String("document_id", documentID), zap.String("path", path))
			return newServiceError(KindInternal, opPurge, "blob_delete_failed", err)
		}
	}
	return nil
}

// NextIdentifier mints a sequential identifier for any collaborating
// subsystem; documents, cases, and notices share the mechanism under
// different prefixes.
func (s *Service) NextIdentifier(ctx context.Context, prefix, category, actor string) (string, error) {
	parsedPrefix, err := identifier.NewPrefix(prefix)
	if err != nil {
		return "", newServiceError(KindValidation, opNextIdentifier, "invalid_prefix", err)
	}
	parsedCategory, err := identifier.NewCategory(category)
	if err != nil {
		return "", newServiceError(KindValidation, opNextIdentifier, "invalid_category", err)
	}

	id, err := s.identifiers.NextIdentifier(ctx, parsedPrefix, parsedCategory, actor)
	if err != nil {
		return "", s.translateSequenceError(opNextIdentifier, err)
	}
	return id, nil
}

func (s *Service) validateFile(operation string, file FileUpload) error {
	if len(file.Bytes) == 0 {
		return newServiceError(KindValidation, operation, "empty_file", errors.New("file bytes are required"))
	}
	if int64(len(file.Bytes)) > s.maxFileSize {
		return newServiceError(KindValidation, operation, "file_too_large",
			fmt.Errorf("file size %d exceeds limit %d", len(file.Bytes), s.maxFileSize))
	}
	if strings.TrimSpace(file.Name) == "" {
		return newServiceError(KindValidation, operation, "missing_file_name", errors.New("file name is required"))
	}
	if len(s.allowedMIME) > 0 {
		if _, ok := s.allowedMIME[strings.ToLower(strings.TrimSpace(file.MIMEType))]; !ok {
			return newServiceError(KindValidation, operation, "disallowed_mime_type",
				fmt.Errorf("mime type %q is not allowed", file.MIMEType))
		}
	}
	return nil
}

// storeContent encrypts and writes the blobs for one revision. The encrypted
// copy is always written; the plaintext copy only when the document is not
// confidential. No metadata points at anything until both writes returned.
func (s *Service) storeContent(ctx context.Context, operation string, kind LinkedEntityKind, entityID string, file FileUpload, confidential bool) (StoredContent, string, error) {
	hash := blobstore.ContentHash(file.Bytes)

	blob, err := s.codec.Encrypt(file.Bytes)
	if err != nil {
		s.logError(operation, "encrypt_failed", err)
		return StoredContent{}, "", newServiceError(KindInternal, operation, "encrypt_failed", err)
	}

	basePath := s.blobs.NewPath(kind.Folder(), entityID, file.Name)
	encryptedPath := basePath + encryptedSuffix
	if err := s.blobs.PutAt(ctx, encryptedPath, blob); err != nil {
		s.logError(operation, "encrypted_write_failed", err)
		return StoredContent{}, "", newServiceError(KindInternal, operation, "encrypted_write_failed", err)
	}

	if confidential {
		content, err := EncryptedOnly(encryptedPath)
		if err != nil {
			return StoredContent{}, "", newServiceError(KindInternal, operation, "invalid_content_pointers", err)
		}
		return content, hash, nil
	}

	if err := s.blobs.PutAt(ctx, basePath, file.Bytes); err != nil {
		s.logError(operation, "plain_write_failed", err)
		return StoredContent{}, "", newServiceError(KindInternal, operation, "plain_write_failed", err)
	}
	content, err := DualStored(encryptedPath, basePath)
	if err != nil {
		return StoredContent{}, "", newServiceError(KindInternal, operation, "invalid_content_pointers", err)
	}
	return content, hash, nil
}

// appendVersionWithRetry runs the locked append under a bounded retry; a
// version-number race exhausting the budget surfaces as a conflict.
func (s *Service) appendVersionWithRetry(ctx context.Context, operation, documentID string, record DocumentVersion, extraUpdates func(*Document, *gorm.DB) error) (*Document, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		var updated *Document
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			locked, err := lockDocument(tx, documentID)
			if err != nil {
				return err
			}
			if err := appendVersion(tx, locked, record); err != nil {
				return err
			}
			if extraUpdates != nil {
				if err := extraUpdates(locked, tx); err != nil {
					return err
				}
			}
			updated = locked
			return nil
		})
		if txErr == nil {
			return updated, nil
		}
		if _, classified := ErrorKind(txErr); classified {
			return nil, txErr
		}
		if !isUniqueViolation(txErr) {
			s.logError(operation, "transaction_failed", txErr, zap.String("document_id", documentID))
			return nil, newServiceError(KindInternal, operation, "transaction_failed", txErr)
		}
		lastErr = txErr
	}

	s.logError(operation, "version_race_exhausted", lastErr, zap.String("document_id", documentID))
	return nil, newServiceError(KindConflict, operation, "version_race_exhausted", lastErr)
}

func (s *Service) authorize(operation string, doc *Document, actor string, role Role, action Action) error {
	decision := Authorize(doc, actor, role, action)
	if decision.Allowed {
		return nil
	}
	return newServiceError(KindForbidden, operation, "denied", &AccessDeniedError{Reason: decision.Reason})
}

func (s *Service) load(ctx context.Context, operation, documentID string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(KindNotFound, operation, "document_missing",
			fmt.Errorf("document %s does not exist", documentID))
	}
	if err != nil {
		s.logError(operation, "document_select_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(KindInternal, operation, "document_select_failed", err)
	}
	return &doc, nil
}

func (s *Service) loadActive(ctx context.Context, operation, documentID string) (*Document, error) {
	doc, err := s.load(ctx, operation, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != StatusActive {
		return nil, newServiceError(KindNotFound, operation, "document_deleted",
			fmt.Errorf("document %s is deleted", documentID))
	}
	return doc, nil
}

func lockDocument(tx *gorm.DB, documentID string) (*Document, error) {
	var doc Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_id = ?", documentID).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(KindNotFound, "documents.lock", "document_missing",
			fmt.Errorf("document %s does not exist", documentID))
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Service) recordAccess(ctx context.Context, doc *Document, actor string) {
	now := s.clock().UTC()
	err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", doc.ID).
		Updates(map[string]interface{}{
			"last_accessed_at": now,
			"last_accessed_by": actor,
		}).Error
	if err != nil {
		s.logger.Warn("document access stamp failed",
			zap.String("document_id", doc.DocumentID), zap.Error(err))
		return
	}
	doc.LastAccessedAt = &now
	doc.LastAccessedBy = actor
}

func (s *Service) translateSequenceError(operation string, err error) error {
	if errors.Is(err, sequence.ErrConflict) {
		return newServiceError(KindConflict, operation, "sequence_conflict", err)
	}
	return newServiceError(KindInternal, operation, "sequence_failed", err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document catalog error", attrs...)
}
