package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/castellan/docvault/internal/auth"
	"github.com/castellan/docvault/internal/blobstore"
	"github.com/castellan/docvault/internal/crypt"
	"github.com/castellan/docvault/internal/documents"
	"github.com/castellan/docvault/internal/sequence"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var serverClockTime = time.Date(2026, time.March, 7, 10, 0, 0, 0, time.UTC)

type serverFixture struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&documents.Document{}, &documents.DocumentVersion{}, &documents.LinkedEntity{}, &sequence.Counter{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return serverClockTime }

	store, err := blobstore.NewFileStore(blobstore.FileStoreConfig{Root: t.TempDir(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	codec, err := crypt.NewCodec([]byte("server-test-secret"))
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	registry, err := sequence.NewRegistry(sequence.RegistryConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	resolver, err := documents.NewRegistryResolver(db, clock)
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	if err := resolver.Register(context.Background(), documents.EntityCase, "case-123", "seed"); err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}

	service, err := documents.NewService(documents.ServiceConfig{
		Database:    db,
		Blobs:       store,
		Codec:       codec,
		Identifiers: registry,
		Entities:    resolver,
		Clock:       clock,
		IDProvider:  documents.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct document service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-signing-secret"),
		Issuer:        "docvault-auth",
		Audience:      "docvault-api",
		TokenTTL:      30 * time.Minute,
	})
	credentials, err := auth.NewCredentialRegistry([]auth.ServiceAccount{
		{ServiceID: "case-service", Secret: "case-secret", Role: "OFFICER"},
		{ServiceID: "audit-service", Secret: "audit-secret", Role: "AUDITOR"},
		{ServiceID: "admin-service", Secret: "admin-secret", Role: "ADMIN"},
	})
	if err != nil {
		t.Fatalf("failed to construct credential registry: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Credentials:     credentials,
		TokenManager:    issuer,
		DocumentService: service,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &serverFixture{handler: handler, issuer: issuer}
}

func (f *serverFixture) bearerToken(t *testing.T, subject, role string) string {
	t.Helper()
	token, _, err := f.issuer.IssueToken(context.Background(), auth.ServiceClaims{Subject: subject, Role: role})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *serverFixture) do(req *http.Request) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func multipartUpload(t *testing.T, fields map[string]string, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("failed to create file part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write file content: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func (f *serverFixture) uploadDocument(t *testing.T, token string, extraFields map[string]string) string {
	t.Helper()
	fields := map[string]string{
		"entity_type":   "CaseId",
		"entity_id":     "case-123",
		"document_name": "Settlement Agreement",
		"document_type": "AGREEMENT",
	}
	for key, value := range extraFields {
		fields[key] = value
	}
	body, contentType := multipartUpload(t, fields, "agreement.pdf", []byte("agreement body"))

	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	response := f.do(req)
	if response.Code != http.StatusCreated {
		t.Fatalf("expected 201 from upload, got %d: %s", response.Code, response.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	documentID, _ := payload["document_id"].(string)
	if documentID == "" {
		t.Fatalf("upload response missing document_id: %s", response.Body.String())
	}
	return documentID
}

func TestTokenExchangeIssuesBearerToken(t *testing.T) {
	fixture := newServerFixture(t)

	body := bytes.NewBufferString(`{"service_id":"case-service","service_secret":"case-secret"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", body)
	req.Header.Set("Content-Type", "application/json")
	response := fixture.do(req)

	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	var payload tokenResponsePayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.AccessToken == "" || payload.TokenType != "Bearer" || payload.ExpiresIn <= 0 {
		t.Fatalf("unexpected token payload %+v", payload)
	}

	claims, err := fixture.issuer.ValidateToken(payload.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != "case-service" || claims.Role != "OFFICER" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenExchangeRejectsBadCredentials(t *testing.T) {
	fixture := newServerFixture(t)

	body := bytes.NewBufferString(`{"service_id":"case-service","service_secret":"wrong"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", body)
	req.Header.Set("Content-Type", "application/json")
	if response := fixture.do(req); response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	fixture := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/documents/LDR-20260307-0001", nil)
	if response := fixture.do(req); response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", response.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents/LDR-20260307-0001", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	if response := fixture.do(req); response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", response.Code)
	}
}

func TestUploadAndGetDocument(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")

	documentID := fixture.uploadDocument(t, token, nil)
	if documentID != "LDR-20260307-0001" {
		t.Fatalf("unexpected document id %s", documentID)
	}

	req := httptest.NewRequest(http.MethodGet, "/documents/"+documentID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	response := fixture.do(req)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	var payload documentPayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.DocumentName != "Settlement Agreement" || payload.VersionNumber != 1 {
		t.Fatalf("unexpected document payload %+v", payload)
	}
	if payload.Status != "active" || payload.EntityType != "CaseId" || payload.EntityID != "case-123" {
		t.Fatalf("unexpected document payload %+v", payload)
	}
}

func TestDownloadReturnsOriginalBytes(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")
	documentID := fixture.uploadDocument(t, token, map[string]string{"confidential": "true"})

	req := httptest.NewRequest(http.MethodGet, "/documents/"+documentID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	response := fixture.do(req)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	if !bytes.Equal(response.Body.Bytes(), []byte("agreement body")) {
		t.Fatalf("downloaded bytes differ from uploaded content")
	}
	if disposition := response.Header().Get("Content-Disposition"); disposition == "" {
		t.Fatalf("expected attachment disposition header")
	}
}

func TestConfidentialDocumentDeniedWithReason(t *testing.T) {
	fixture := newServerFixture(t)
	uploader := fixture.bearerToken(t, "officer-1", "OFFICER")
	documentID := fixture.uploadDocument(t, uploader, map[string]string{"confidential": "true"})

	auditor := fixture.bearerToken(t, "auditor-1", "AUDITOR")
	req := httptest.NewRequest(http.MethodGet, "/documents/"+documentID+"/download", nil)
	req.Header.Set("Authorization", "Bearer "+auditor)
	response := fixture.do(req)
	if response.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", response.Code, response.Body.String())
	}

	var payload map[string]string
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload["error"] != "confidential" {
		t.Fatalf("expected confidential denial reason, got %q", payload["error"])
	}
}

func TestGetUnknownDocumentReturnsNotFound(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")

	req := httptest.NewRequest(http.MethodGet, "/documents/LDR-20260307-9999", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if response := fixture.do(req); response.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", response.Code)
	}
}

func TestListDocumentsFiltersByEntity(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")
	fixture.uploadDocument(t, token, nil)
	fixture.uploadDocument(t, token, map[string]string{"document_name": "Demand Notice", "document_type": "NOTICE"})

	req := httptest.NewRequest(http.MethodGet, "/documents?entity_type=CaseId&entity_id=case-123", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	response := fixture.do(req)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	var payload struct {
		Documents []documentPayload `json:"documents"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(payload.Documents))
	}

	req = httptest.NewRequest(http.MethodGet, "/documents?entity_type=CaseId&entity_id=case-123&document_type=NOTICE", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	response = fixture.do(req)
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Documents) != 1 || payload.Documents[0].DocumentName != "Demand Notice" {
		t.Fatalf("unexpected filtered documents %+v", payload.Documents)
	}
}

func TestListDocumentsRejectsUnknownEntityType(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")

	req := httptest.NewRequest(http.MethodGet, "/documents?entity_type=Garbage&entity_id=case-123", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if response := fixture.do(req); response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.Code)
	}
}

func TestCreateVersionAndListVersions(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")
	documentID := fixture.uploadDocument(t, token, nil)

	body, contentType := multipartUpload(t,
		map[string]string{"change_summary": "countersigned copy"}, "agreement-v2.pdf", []byte("revised body"))
	req := httptest.NewRequest(http.MethodPost, "/documents/"+documentID+"/versions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	response := fixture.do(req)
	if response.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", response.Code, response.Body.String())
	}

	var created documentPayload
	if err := json.Unmarshal(response.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.VersionNumber != 2 {
		t.Fatalf("expected version 2, got %d", created.VersionNumber)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents/"+documentID+"/versions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	response = fixture.do(req)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	var payload struct {
		Versions []versionPayload `json:"versions"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(payload.Versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(payload.Versions))
	}
	if payload.Versions[0].VersionNumber != 2 || payload.Versions[1].VersionNumber != 1 {
		t.Fatalf("expected versions in descending order, got %+v", payload.Versions)
	}
	if payload.Versions[0].ChangeSummary != "countersigned copy" {
		t.Fatalf("unexpected change summary %q", payload.Versions[0].ChangeSummary)
	}
}

func TestRollbackCreatesNewVersion(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")
	documentID := fixture.uploadDocument(t, token, nil)

	body, contentType := multipartUpload(t, nil, "agreement-v2.pdf", []byte("revised body"))
	req := httptest.NewRequest(http.MethodPost, "/documents/"+documentID+"/versions", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)
	if response := fixture.do(req); response.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating version, got %d", response.Code)
	}

	rollback := bytes.NewBufferString(`{"target_version":1}`)
	req = httptest.NewRequest(http.MethodPost, "/documents/"+documentID+"/rollback", rollback)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	response := fixture.do(req)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}

	var payload documentPayload
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.VersionNumber != 3 {
		t.Fatalf("expected rollback to create version 3, got %d", payload.VersionNumber)
	}
}

func TestRollbackRejectsInvalidTarget(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")
	documentID := fixture.uploadDocument(t, token, nil)

	rollback := bytes.NewBufferString(`{"target_version":0}`)
	req := httptest.NewRequest(http.MethodPost, "/documents/"+documentID+"/rollback", rollback)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if response := fixture.do(req); response.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", response.Code)
	}
}

func TestDeleteSoftDeletesDocument(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")
	documentID := fixture.uploadDocument(t, token, nil)

	req := httptest.NewRequest(http.MethodDelete, "/documents/"+documentID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if response := fixture.do(req); response.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/documents/"+documentID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if response := fixture.do(req); response.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", response.Code)
	}
}

func TestPurgeRequiresAdminAndDeletedStatus(t *testing.T) {
	fixture := newServerFixture(t)
	officer := fixture.bearerToken(t, "officer-1", "OFFICER")
	admin := fixture.bearerToken(t, "admin-1", "ADMIN")
	documentID := fixture.uploadDocument(t, officer, nil)

	req := httptest.NewRequest(http.MethodPost, "/documents/"+documentID+"/purge", nil)
	req.Header.Set("Authorization", "Bearer "+officer)
	if response := fixture.do(req); response.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin purge, got %d", response.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/documents/"+documentID, nil)
	req.Header.Set("Authorization", "Bearer "+officer)
	if response := fixture.do(req); response.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting document, got %d", response.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/documents/"+documentID+"/purge", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	if response := fixture.do(req); response.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for admin purge, got %d: %s", response.Code, response.Body.String())
	}
}

func TestNextIdentifierMintsSequentialIDs(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.bearerToken(t, "officer-1", "OFFICER")

	for _, expected := range []string{"CS-20260307-0001", "CS-20260307-0002"} {
		body := bytes.NewBufferString(`{"prefix":"CS"}`)
		req := httptest.NewRequest(http.MethodPost, "/identifiers/next", body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		response := fixture.do(req)
		if response.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
		}
		var payload map[string]string
		if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if payload["identifier"] != expected {
			t.Fatalf("expected %s, got %s", expected, payload["identifier"])
		}
	}
}
