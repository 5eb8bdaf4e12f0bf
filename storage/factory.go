package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

// ArchiveFactory creates shard archives from location URIs.
type ArchiveFactory struct {
	log *slog.Logger
}

func NewArchiveFactory(logger *slog.Logger) *ArchiveFactory {
	return &ArchiveFactory{log: logger}
}

// ArchiveFor creates an archive backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - local filesystem
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node mutable file system
//   - vault:// - HashiCorp Vault KV v2
func (f *ArchiveFactory) ArchiveFor(uri string) (interfaces.ShardArchive, error) {
	loc, err := interfaces.ParseArchiveLocation(uri)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(loc.Scheme) {
	case "file":
		return f.createFileBackend(loc)
	case "s3":
		return f.createS3Backend(loc)
	case "ipfs":
		return f.createIPFSBackend(loc)
	case "vault":
		return f.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiArchive creates an archive mirroring to every valid URI.
// URIs that fail to produce a backend are logged and skipped.
func (f *ArchiveFactory) CreateMultiArchive(uris []string) (interfaces.ShardArchive, error) {
	backends := make([]interfaces.ShardArchive, 0, len(uris))

	for _, uri := range uris {
		backend, err := f.ArchiveFor(uri)
		if err != nil {
			f.log.Warn("Failed to create shard archive backend", "err", err)
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid shard archive backends created")
	}

	return NewMultiArchive(backends, f.log), nil
}

// createFileBackend handles file:///absolute/path and file://./relative/path.
func (f *ArchiveFactory) createFileBackend(loc interfaces.ArchiveLocation) (interfaces.ShardArchive, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	return NewFileBackend(path, f.log)
}

// createS3Backend handles s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=...
func (f *ArchiveFactory) createS3Backend(loc interfaces.ArchiveLocation) (interfaces.ShardArchive, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing S3 bucket", interfaces.ErrInvalidLocationURI)
	}

	region := loc.Param("region")
	if region == "" {
		region = "us-east-1"
	}

	accessKey, secretKey := splitAuth(loc.Auth)
	return NewS3Backend(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.Param("endpoint"), accessKey, secretKey, f.log)
}

// createIPFSBackend handles ipfs://host:port/root?timeout=30s
func (f *ArchiveFactory) createIPFSBackend(loc interfaces.ArchiveLocation) (interfaces.ShardArchive, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found || port == "" {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.Param("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = d
	}

	return NewIPFSBackend(host, port, loc.Path, timeout, f.log)
}

// createVaultBackend handles vault://[TOKEN@]host:port/mount/path?scheme=http
// The server is reached over https unless scheme=http is given.
func (f *ArchiveFactory) createVaultBackend(loc interfaces.ArchiveLocation) (interfaces.ShardArchive, error) {
	mount, dataPath, found := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if !found || mount == "" || dataPath == "" {
		return nil, fmt.Errorf("%w: vault URI must be vault://host/mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.Param("scheme") == "http" {
		scheme = "http"
	}

	token, _ := splitAuth(loc.Auth)
	return NewVaultBackend(fmt.Sprintf("%s://%s", scheme, loc.Host), mount, dataPath, VaultAuth{Token: token}, f.log)
}

func splitAuth(auth string) (user, password string) {
	user, password, _ = strings.Cut(auth, ":")
	return user, password
}
