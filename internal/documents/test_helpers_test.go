package documents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/castellan/docvault/internal/blobstore"
	"github.com/castellan/docvault/internal/crypt"
	"github.com/castellan/docvault/internal/sequence"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testClockTime = time.Date(2026, time.March, 7, 10, 0, 0, 0, time.UTC)

type testFixture struct {
	service *Service
	db      *gorm.DB
	store   *blobstore.FileStore
	codec   *crypt.Codec
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:documents_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Document{}, &DocumentVersion{}, &LinkedEntity{}, &sequence.Counter{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return testClockTime }

	store, err := blobstore.NewFileStore(blobstore.FileStoreConfig{Root: t.TempDir(), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	codec, err := crypt.NewCodec([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to construct codec: %v", err)
	}
	registry, err := sequence.NewRegistry(sequence.RegistryConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	resolver, err := NewRegistryResolver(db, clock)
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}

	for _, seed := range []struct {
		kind LinkedEntityKind
		id   string
	}{
		{kind: EntityCase, id: "case-123"},
		{kind: EntityBorrower, id: "borrower-9"},
		{kind: EntityLoanAccount, id: "loan-42"},
	} {
		if err := resolver.Register(context.Background(), seed.kind, seed.id, seed.id); err != nil {
			t.Fatalf("failed to seed entity %s/%s: %v", seed.kind, seed.id, err)
		}
	}

	service, err := NewService(ServiceConfig{
		Database:    db,
		Blobs:       store,
		Codec:       codec,
		Identifiers: registry,
		Entities:    resolver,
		Clock:       clock,
		IDProvider:  NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to construct document service: %v", err)
	}

	return &testFixture{service: service, db: db, store: store, codec: codec}
}

func (f *testFixture) upload(t *testing.T, meta UploadMeta, fileContent string, actor string) *Document {
	t.Helper()
	doc, err := f.service.Upload(context.Background(), FileUpload{
		Bytes:    []byte(fileContent),
		Name:     "exhibit.pdf",
		MIMEType: "application/pdf",
	}, meta, actor)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	return doc
}

func caseMeta() UploadMeta {
	return UploadMeta{
		EntityKind:   EntityCase,
		EntityID:     "case-123",
		DocumentName: "Settlement agreement",
		DocumentType: "agreement",
	}
}

func mustRoleSet(t *testing.T, tokens ...string) RoleSet {
	t.Helper()
	set, err := ParseRoleSet(tokens)
	if err != nil {
		t.Fatalf("unexpected role set error: %v", err)
	}
	return set
}
