package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/castellan/docvault/internal/auth"
	"github.com/castellan/docvault/internal/documents"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	actorContextKey = "docvault_actor"
	roleContextKey  = "docvault_role"

	multipartFileField = "file"
)

var (
	errMissingCredentialVerifier = errors.New("credential verifier dependency required")
	errMissingTokenManager       = errors.New("token manager dependency required")
	errMissingDocumentService    = errors.New("document service dependency required")
	errInvalidAuthorization      = errors.New("authorization header missing or invalid")
)

// CredentialVerifier exchanges a collaborating service's shared secret for
// its claims.
type CredentialVerifier interface {
	Authenticate(ctx context.Context, serviceID, secret string) (auth.ServiceClaims, error)
}

// TokenManager issues and validates the bearer tokens protecting the API.
type TokenManager interface {
	IssueToken(ctx context.Context, claims auth.ServiceClaims) (string, int64, error)
	ValidateToken(token string) (auth.ServiceClaims, error)
}

type Dependencies struct {
	Credentials     CredentialVerifier
	TokenManager    TokenManager
	DocumentService *documents.Service
	Logger          *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Credentials == nil {
		return nil, errMissingCredentialVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.DocumentService == nil {
		return nil, errMissingDocumentService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		credentials: deps.Credentials,
		tokens:      deps.TokenManager,
		docs:        deps.DocumentService,
		logger:      logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleUpload)
	protected.GET("/documents", handler.handleList)
	protected.GET("/documents/:id", handler.handleGet)
	protected.GET("/documents/:id/download", handler.handleDownload)
	protected.GET("/documents/:id/versions", handler.handleListVersions)
	protected.POST("/documents/:id/versions", handler.handleCreateVersion)
	protected.POST("/documents/:id/rollback", handler.handleRollback)
	protected.POST("/documents/:id/purge", handler.handlePurge)
	protected.DELETE("/documents/:id", handler.handleDelete)
	protected.POST("/identifiers/next", handler.handleNextIdentifier)

	return router, nil
}

type httpHandler struct {
	credentials CredentialVerifier
	tokens      TokenManager
	docs        *documents.Service
	logger      *zap.Logger
}

type tokenRequestPayload struct {
	ServiceID     string `json:"service_id"`
	ServiceSecret string `json:"service_secret"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.ServiceID) == "" || request.ServiceSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.credentials.Authenticate(c.Request.Context(), request.ServiceID, request.ServiceSecret)
	if err != nil {
		h.logger.Warn("service credential exchange failed",
			zap.String("service_id", request.ServiceID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to issue service token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, err := documents.ParseRole(claims.Role)
	if err != nil {
		h.logger.Warn("token carried unknown role", zap.String("role", claims.Role))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(actorContextKey, claims.Subject)
	c.Set(roleContextKey, string(role))
	c.Next()
}

func requestIdentity(c *gin.Context) (string, documents.Role) {
	return c.GetString(actorContextKey), documents.Role(c.GetString(roleContextKey))
}

type documentPayload struct {
	DocumentID       string `json:"document_id"`
	EntityType       string `json:"entity_type"`
	EntityID         string `json:"entity_id"`
	DocumentName     string `json:"document_name"`
	DocumentType     string `json:"document_type,omitempty"`
	CaseDocumentType string `json:"case_document_type,omitempty"`
	OriginalFileName string `json:"original_file_name"`
	MIMEType         string `json:"mime_type"`
	FileSizeBytes    int64  `json:"file_size_bytes"`
	ContentHash      string `json:"content_hash"`
	Confidential     bool   `json:"confidential"`
	IsPublic         bool   `json:"is_public"`
	Permissions      string `json:"permissions,omitempty"`
	VersionNumber    int64  `json:"version_number"`
	Status           string `json:"status"`
	UploadedBy       string `json:"uploaded_by"`
	UploadedAt       string `json:"uploaded_at"`
	Remarks          string `json:"remarks,omitempty"`
}

func toDocumentPayload(doc *documents.Document) documentPayload {
	return documentPayload{
		DocumentID:       doc.DocumentID,
		EntityType:       doc.LinkedEntityKind.String(),
		EntityID:         doc.LinkedEntityID,
		DocumentName:     doc.DocumentName,
		DocumentType:     doc.DocumentType,
		CaseDocumentType: doc.CaseDocumentType,
		OriginalFileName: doc.OriginalFileName,
		MIMEType:         doc.MIMEType,
		FileSizeBytes:    doc.FileSizeBytes,
		ContentHash:      doc.ContentHash,
		Confidential:     doc.Confidential,
		IsPublic:         doc.IsPublic,
		Permissions:      doc.AccessPermissions,
		VersionNumber:    doc.VersionNumber,
		Status:           string(doc.Status),
		UploadedBy:       doc.UploadedBy,
		UploadedAt:       doc.UploadedAt.UTC().Format(time.RFC3339),
		Remarks:          doc.Remarks,
	}
}

type versionPayload struct {
	VersionNumber int64   `json:"version_number"`
	ContentHash   string  `json:"content_hash"`
	FileSizeMb    float64 `json:"file_size_mb"`
	ChangeSummary string  `json:"change_summary,omitempty"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at"`
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	actor, _ := requestIdentity(c)

	file, err := readMultipartFile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}

	meta, err := readUploadMeta(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	doc, err := h.docs.Upload(c.Request.Context(), file, meta, actor)
	if err != nil {
		h.writeServiceError(c, "upload", err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(doc))
}

func (h *httpHandler) handleGet(c *gin.Context) {
	actor, role := requestIdentity(c)
	doc, err := h.docs.Get(c.Request.Context(), c.Param("id"), actor, role)
	if err != nil {
		h.writeServiceError(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(doc))
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	actor, role := requestIdentity(c)
	doc, content, err := h.docs.Download(c.Request.Context(), c.Param("id"), actor, role)
	if err != nil {
		h.writeServiceError(c, "download", err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.OriginalFileName))
	c.Data(http.StatusOK, doc.MIMEType, content)
}

func (h *httpHandler) handleList(c *gin.Context) {
	actor, role := requestIdentity(c)

	entityKind, err := documents.ParseLinkedEntityKind(c.Query("entity_type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return
	}
	request := documents.ListRequest{
		EntityKind:       entityKind,
		EntityID:         c.Query("entity_id"),
		DocumentType:     c.Query("document_type"),
		CaseDocumentType: c.Query("case_document_type"),
		Page:             intQuery(c, "page", 1),
		PageSize:         intQuery(c, "page_size", 0),
	}

	docs, err := h.docs.List(c.Request.Context(), request, actor, role)
	if err != nil {
		h.writeServiceError(c, "list", err)
		return
	}

	payload := make([]documentPayload, 0, len(docs))
	for index := range docs {
		payload = append(payload, toDocumentPayload(&docs[index]))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payload})
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	actor, role := requestIdentity(c)
	versions, err := h.docs.ListVersions(c.Request.Context(), c.Param("id"), actor, role)
	if err != nil {
		h.writeServiceError(c, "list_versions", err)
		return
	}

	payload := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, versionPayload{
			VersionNumber: version.VersionNumber,
			ContentHash:   version.ContentHash,
			FileSizeMb:    version.FileSizeMb,
			ChangeSummary: version.ChangeSummary,
			CreatedBy:     version.CreatedBy,
			CreatedAt:     version.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

func (h *httpHandler) handleCreateVersion(c *gin.Context) {
	actor, role := requestIdentity(c)

	file, err := readMultipartFile(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_file"})
		return
	}

	doc, err := h.docs.CreateVersion(c.Request.Context(), c.Param("id"), file, c.PostForm("change_summary"), actor, role)
	if err != nil {
		h.writeServiceError(c, "create_version", err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(doc))
}

type rollbackRequestPayload struct {
	TargetVersion int64 `json:"target_version"`
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	actor, role := requestIdentity(c)

	var request rollbackRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.TargetVersion < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc, err := h.docs.Rollback(c.Request.Context(), c.Param("id"), request.TargetVersion, actor, role)
	if err != nil {
		h.writeServiceError(c, "rollback", err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(doc))
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	actor, role := requestIdentity(c)
	if err := h.docs.Delete(c.Request.Context(), c.Param("id"), actor, role); err != nil {
		h.writeServiceError(c, "delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePurge(c *gin.Context) {
	actor, role := requestIdentity(c)
	if err := h.docs.PurgeDocumentFiles(c.Request.Context(), c.Param("id"), actor, role); err != nil {
		h.writeServiceError(c, "purge", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type identifierRequestPayload struct {
	Prefix   string `json:"prefix"`
	Category string `json:"category"`
}

func (h *httpHandler) handleNextIdentifier(c *gin.Context) {
	actor, _ := requestIdentity(c)

	var request identifierRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Prefix) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	id, err := h.docs.NextIdentifier(c.Request.Context(), request.Prefix, request.Category, actor)
	if err != nil {
		h.writeServiceError(c, "next_identifier", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identifier": id})
}

// writeServiceError maps the catalog's error taxonomy onto HTTP statuses.
func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	switch {
	case documents.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case documents.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case documents.IsForbidden(err):
		reason, _ := documents.DenialReason(err)
		if reason == "" {
			reason = "forbidden"
		}
		c.JSON(http.StatusForbidden, gin.H{"error": reason})
	case documents.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case documents.IsIntegrity(err):
		h.logger.Error("document integrity failure", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "integrity_failure"})
	default:
		h.logger.Error("document operation failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func readMultipartFile(c *gin.Context) (documents.FileUpload, error) {
	header, err := c.FormFile(multipartFileField)
	if err != nil {
		return documents.FileUpload{}, err
	}
	opened, err := header.Open()
	if err != nil {
		return documents.FileUpload{}, err
	}
	defer opened.Close()

	content, err := io.ReadAll(opened)
	if err != nil {
		return documents.FileUpload{}, err
	}

	mimeType := header.Header.Get("Content-Type")
	return documents.FileUpload{
		Bytes:    content,
		Name:     header.Filename,
		MIMEType: mimeType,
	}, nil
}

func readUploadMeta(c *gin.Context) (documents.UploadMeta, error) {
	entityKind, err := documents.ParseLinkedEntityKind(c.PostForm("entity_type"))
	if err != nil {
		return documents.UploadMeta{}, errors.New("invalid_entity_type")
	}

	confidential, err := boolForm(c, "confidential")
	if err != nil {
		return documents.UploadMeta{}, errors.New("invalid_confidential")
	}
	isPublic, err := boolForm(c, "is_public")
	if err != nil {
		return documents.UploadMeta{}, errors.New("invalid_is_public")
	}

	permissions := documents.RoleSet{}
	if raw := strings.TrimSpace(c.PostForm("permissions")); raw != "" {
		permissions, err = documents.DeserializeRoleSet(raw)
		if err != nil {
			return documents.UploadMeta{}, errors.New("invalid_permissions")
		}
	}

	return documents.UploadMeta{
		EntityKind:       entityKind,
		EntityID:         c.PostForm("entity_id"),
		DocumentName:     c.PostForm("document_name"),
		DocumentType:     c.PostForm("document_type"),
		CaseDocumentType: c.PostForm("case_document_type"),
		Confidential:     confidential,
		IsPublic:         isPublic,
		Permissions:      permissions,
		Remarks:          c.PostForm("remarks"),
	}, nil
}

func boolForm(c *gin.Context, field string) (bool, error) {
	raw := strings.TrimSpace(c.PostForm(field))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func intQuery(c *gin.Context, field string, fallback int) int {
	raw := strings.TrimSpace(c.Query(field))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
