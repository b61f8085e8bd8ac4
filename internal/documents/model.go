package documents

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const maxDocumentNameLength = 200

var (
	// ErrInvalidEntityKind indicates a linked-entity kind outside the closed set.
	ErrInvalidEntityKind = errors.New("documents: invalid linked entity kind")
	// ErrInvalidRole indicates an unknown role token.
	ErrInvalidRole = errors.New("documents: invalid role token")
	// ErrInvalidStoredContent indicates content pointers violating the
	// encrypted-always contract.
	ErrInvalidStoredContent = errors.New("documents: invalid stored content")
)

// LinkedEntityKind is the closed set of entities a document may attach to.
type LinkedEntityKind string

const (
	EntityBorrower    LinkedEntityKind = "Borrower"
	EntityLoanAccount LinkedEntityKind = "LoanAccount"
	EntityCase        LinkedEntityKind = "CaseId"
)

// ParseLinkedEntityKind validates raw input against the closed set.
func ParseLinkedEntityKind(rawInput string) (LinkedEntityKind, error) {
	switch LinkedEntityKind(strings.TrimSpace(rawInput)) {
	case EntityBorrower:
		return EntityBorrower, nil
	case EntityLoanAccount:
		return EntityLoanAccount, nil
	case EntityCase:
		return EntityCase, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntityKind, rawInput)
	}
}

// Folder returns the storage-layout folder for the entity kind.
func (k LinkedEntityKind) Folder() string {
	switch k {
	case EntityBorrower:
		return "borrower"
	case EntityLoanAccount:
		return "loan-account"
	case EntityCase:
		return "case"
	default:
		return "unknown"
	}
}

// String returns the wire value of the kind.
func (k LinkedEntityKind) String() string {
	return string(k)
}

// Role is a typed permission token.
type Role string

const (
	RoleAdmin   Role = "ADMIN"
	RoleLawyer  Role = "LAWYER"
	RoleOfficer Role = "OFFICER"
	RoleAuditor Role = "AUDITOR"
)

// ParseRole validates a raw role token.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleLawyer:
		return RoleLawyer, nil
	case RoleOfficer:
		return RoleOfficer, nil
	case RoleAuditor:
		return RoleAuditor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// String returns the wire value of the role.
func (r Role) String() string {
	return string(r)
}

// RoleSet is a set of permission tokens with explicit serialization at the
// storage boundary.
type RoleSet struct {
	roles map[Role]struct{}
}

// NewRoleSet builds a set from validated roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := RoleSet{roles: make(map[Role]struct{}, len(roles))}
	for _, role := range roles {
		set.roles[role] = struct{}{}
	}
	return set
}

// ParseRoleSet validates raw tokens into a set.
func ParseRoleSet(rawTokens []string) (RoleSet, error) {
	set := RoleSet{roles: make(map[Role]struct{}, len(rawTokens))}
	for _, raw := range rawTokens {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		role, err := ParseRole(raw)
		if err != nil {
			return RoleSet{}, err
		}
		set.roles[role] = struct{}{}
	}
	return set, nil
}

// Contains reports membership.
func (s RoleSet) Contains(role Role) bool {
	if s.roles == nil {
		return false
	}
	_, ok := s.roles[role]
	return ok
}

// Len reports the number of roles in the set.
func (s RoleSet) Len() int {
	return len(s.roles)
}

// Tokens returns the sorted role tokens.
func (s RoleSet) Tokens() []string {
	tokens := make([]string, 0, len(s.roles))
	for role := range s.roles {
		tokens = append(tokens, role.String())
	}
	sort.Strings(tokens)
	return tokens
}

// Serialize renders the storage form: sorted tokens joined by commas.
func (s RoleSet) Serialize() string {
	return strings.Join(s.Tokens(), ",")
}

// DeserializeRoleSet parses the storage form produced by Serialize.
func DeserializeRoleSet(stored string) (RoleSet, error) {
	if strings.TrimSpace(stored) == "" {
		return NewRoleSet(), nil
	}
	return ParseRoleSet(strings.Split(stored, ","))
}

// StoredContent is the content-pointer variant for a document revision: the
// encrypted copy is always present, the plaintext copy only for
// non-confidential documents.
type StoredContent struct {
	encryptedPath string
	plainPath     string
}

// EncryptedOnly builds the confidential variant with no plaintext copy.
func EncryptedOnly(encryptedPath string) (StoredContent, error) {
	if strings.TrimSpace(encryptedPath) == "" {
		return StoredContent{}, fmt.Errorf("%w: encrypted path is required", ErrInvalidStoredContent)
	}
	return StoredContent{encryptedPath: encryptedPath}, nil
}

// DualStored builds the non-confidential variant carrying both copies.
func DualStored(encryptedPath, plainPath string) (StoredContent, error) {
	if strings.TrimSpace(encryptedPath) == "" {
		return StoredContent{}, fmt.Errorf("%w: encrypted path is required", ErrInvalidStoredContent)
	}
	if strings.TrimSpace(plainPath) == "" {
		return StoredContent{}, fmt.Errorf("%w: plain path is required for dual storage", ErrInvalidStoredContent)
	}
	return StoredContent{encryptedPath: encryptedPath, plainPath: plainPath}, nil
}

// EncryptedPath returns the always-present encrypted copy location.
func (c StoredContent) EncryptedPath() string {
	return c.encryptedPath
}

// PlainPath returns the plaintext copy location when one exists.
func (c StoredContent) PlainPath() (string, bool) {
	return c.plainPath, c.plainPath != ""
}

// DocumentStatus tracks the soft-delete flag.
type DocumentStatus string

const (
	StatusActive  DocumentStatus = "active"
	StatusDeleted DocumentStatus = "deleted"
)

// Document is the persisted metadata row for one legal document.
type Document struct {
	ID                string           `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentID        string           `gorm:"column:document_id;uniqueIndex;size:32;not null"`
	LinkedEntityKind  LinkedEntityKind `gorm:"column:linked_entity_kind;size:32;not null;index:idx_documents_entity,priority:1"`
	LinkedEntityID    string           `gorm:"column:linked_entity_id;size:190;not null;index:idx_documents_entity,priority:2"`
	DocumentName      string           `gorm:"column:document_name;size:200;not null"`
	DocumentType      string           `gorm:"column:document_type;size:100;not null;default:''"`
	CaseDocumentType  string           `gorm:"column:case_document_type;size:100;not null;default:''"`
	OriginalFileName  string           `gorm:"column:original_file_name;size:255;not null"`
	MIMEType          string           `gorm:"column:mime_type;size:127;not null"`
	FileSizeBytes     int64            `gorm:"column:file_size_bytes;not null"`
	ContentHash       string           `gorm:"column:content_hash;size:64;not null"`
	StoredPath        string           `gorm:"column:stored_path;size:512;not null;default:''"`
	EncryptedPath     string           `gorm:"column:encrypted_path;size:512;not null"`
	AccessPermissions string           `gorm:"column:access_permissions;size:255;not null;default:''"`
	Confidential      bool             `gorm:"column:confidential;not null;default:false"`
	IsPublic          bool             `gorm:"column:is_public;not null;default:false"`
	VersionNumber     int64            `gorm:"column:version_number;not null;default:1"`
	Status            DocumentStatus   `gorm:"column:status;size:16;not null;default:'active'"`
	UploadedBy        string           `gorm:"column:uploaded_by;size:190;not null"`
	UploadedAt        time.Time        `gorm:"column:uploaded_at;not null"`
	LastAccessedAt    *time.Time       `gorm:"column:last_accessed_at"`
	LastAccessedBy    string           `gorm:"column:last_accessed_by;size:190;not null;default:''"`
	Remarks           string           `gorm:"column:remarks;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Content returns the row's pointers as the variant type. A confidential row
// never exposes a plaintext path even if one is present in legacy data.
func (d *Document) Content() (StoredContent, error) {
	if d.Confidential || d.StoredPath == "" {
		return EncryptedOnly(d.EncryptedPath)
	}
	return DualStored(d.EncryptedPath, d.StoredPath)
}

// Permissions deserializes the stored role set.
func (d *Document) Permissions() (RoleSet, error) {
	return DeserializeRoleSet(d.AccessPermissions)
}

// DocumentVersion is one append-only revision record in the version ledger.
type DocumentVersion struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	DocumentRowID string    `gorm:"column:document_row_id;size:190;not null;uniqueIndex:idx_versions_document_number,priority:1"`
	VersionNumber int64     `gorm:"column:version_number;not null;uniqueIndex:idx_versions_document_number,priority:2"`
	StoredPath    string    `gorm:"column:stored_path;size:512;not null;default:''"`
	EncryptedPath string    `gorm:"column:encrypted_path;size:512;not null"`
	ContentHash   string    `gorm:"column:content_hash;size:64;not null"`
	FileSizeMb    float64   `gorm:"column:file_size_mb;not null"`
	ChangeSummary string    `gorm:"column:change_summary;size:500;not null;default:''"`
	CreatedBy     string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentVersion) TableName() string {
	return "document_versions"
}

func validateDocumentName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return errors.New("document name is required")
	}
	if len(trimmed) > maxDocumentNameLength {
		return fmt.Errorf("document name exceeds %d characters", maxDocumentNameLength)
	}
	return nil
}
