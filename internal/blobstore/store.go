package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMissingRoot indicates no storage root was configured.
	ErrMissingRoot = errors.New("blobstore: storage root is required")
	// ErrBlobExists indicates a write targeted an already-occupied path.
	// Stored bytes are write-once; new content always gets a new path.
	ErrBlobExists = errors.New("blobstore: blob already exists at path")
	// ErrBlobNotFound indicates no blob exists at the requested path.
	ErrBlobNotFound = errors.New("blobstore: blob not found")
	// ErrPathEscapesRoot indicates a path resolved outside the storage root.
	ErrPathEscapesRoot = errors.New("blobstore: path escapes storage root")
)

// PutResult reports where a blob landed and the content hash of its bytes.
type PutResult struct {
	Path string
	Hash string
}

// Store abstracts the backing medium for document bytes. The reference
// implementation is the local filesystem; an object-storage implementation
// satisfies the same surface.
type Store interface {
	NewPath(entityFolder, entityID, fileName string) string
	Put(ctx context.Context, entityFolder, entityID, fileName string, data []byte) (PutResult, error)
	PutAt(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// FileStoreConfig describes a filesystem-backed store.
type FileStoreConfig struct {
	Root  string
	Clock func() time.Time
}

// FileStore keeps blobs under Root using the hierarchical layout
// {entityFolder}/{entityID}/{year}/{month}/{day}/{uniqueFileName}.
type FileStore struct {
	root  string
	clock func() time.Time
}

// NewFileStore constructs a FileStore, creating the root directory if needed.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, ErrMissingRoot
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &FileStore{root: root, clock: clock}, nil
}

// ContentHash computes the hex SHA-256 digest over the exact bytes. It is
// computed once at write time and recomputable identically at read time.
func ContentHash(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

// NewPath plans a collision-free relative path for a new blob. The unique
// component combines the write-time nanosecond timestamp with a short random
// suffix, so identical filenames uploaded the same second never collide.
func (s *FileStore) NewPath(entityFolder, entityID, fileName string) string {
	now := s.clock().UTC()
	unique := fmt.Sprintf("%d_%s_%s", now.UnixNano(), shortToken(), sanitizeFileName(fileName))
	return filepath.ToSlash(filepath.Join(
		sanitizeSegment(entityFolder),
		sanitizeSegment(entityID),
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
		unique,
	))
}

// Put plans a fresh path, writes the bytes, and returns the path with the
// content hash over the exact bytes written.
func (s *FileStore) Put(ctx context.Context, entityFolder, entityID, fileName string, data []byte) (PutResult, error) {
	path := s.NewPath(entityFolder, entityID, fileName)
	if err := s.PutAt(ctx, path, data); err != nil {
		return PutResult{}, err
	}
	return PutResult{Path: path, Hash: ContentHash(data)}, nil
}

// PutAt writes bytes at a caller-chosen relative path. Writes are exclusive;
// an occupied path fails with ErrBlobExists.
func (s *FileStore) PutAt(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	absolute, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o750); err != nil {
		return fmt.Errorf("blobstore: create directories: %w", err)
	}

	file, err := os.OpenFile(absolute, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrBlobExists, path)
		}
		return fmt.Errorf("blobstore: open for write: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(absolute)
		return fmt.Errorf("blobstore: write: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(absolute)
		return fmt.Errorf("blobstore: sync: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("blobstore: close: %w", err)
	}
	return nil
}

// Get reads the blob at the relative path.
func (s *FileStore) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	absolute, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absolute)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: read: %w", err)
	}
	return data, nil
}

// Delete removes the blob at the relative path. Missing blobs fail with
// ErrBlobNotFound so cleanup jobs can distinguish already-removed files.
func (s *FileStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	absolute, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(absolute); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, path)
		}
		return fmt.Errorf("blobstore: delete: %w", err)
	}
	return nil
}

func (s *FileStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, path)
	}
	return filepath.Join(s.root, cleaned), nil
}

func sanitizeSegment(segment string) string {
	replaced := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(segment))
	if replaced == "" || replaced == "." || replaced == ".." {
		return "_"
	}
	return replaced
}

func sanitizeFileName(fileName string) string {
	base := filepath.Base(strings.TrimSpace(fileName))
	return sanitizeSegment(base)
}

func shortToken() string {
	return uuid.NewString()[:8]
}
