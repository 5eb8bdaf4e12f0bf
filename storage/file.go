package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

// FileBackend archives shard ciphertexts on the local file system, one file
// per content ID under <baseDir>/shards.
type FileBackend struct {
	baseDir     string
	shardDir    string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file archive rooted at baseDir, creating it if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	shardDir := filepath.Join(baseDir, "shards")
	if err := os.MkdirAll(shardDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		shardDir:    shardDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch reads the content stored under id. Content that no longer hashes to
// id is treated as missing.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID) ([]byte, error) {
	filePath := b.getFilePath(id)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if err := id.Check(data); err != nil {
		b.log.Warn("Archived content does not match its ID", "path", filePath)
		return nil, err
	}

	b.log.Debug("Fetched content from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store writes data under its SHA-256 content ID.
func (b *FileBackend) Store(ctx context.Context, data []byte) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.getFilePath(id)

	// Write to a temporary file first so readers never observe partial content.
	tmp, err := os.CreateTemp(b.shardDir, ".tmp-*")
	if err != nil {
		return id, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return id, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return id, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return id, fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored content in file",
		slog.String("path", filePath),
		slog.String("contentID", id.String()))

	return id, nil
}

// Available checks that the shard directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.shardDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) getFilePath(id interfaces.ContentID) string {
	return filepath.Join(b.shardDir, id.String())
}
