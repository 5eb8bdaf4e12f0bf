package interfaces

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrContentNotFound    = errors.New("content not found")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
	// ErrContentMismatch means archived bytes do not hash to the id they were fetched by.
	ErrContentMismatch = errors.New("archived content does not match its id")
)

// ContentID addresses archived shard ciphertext. It is the SHA-256 of the
// ciphertext, i.e. the decoded form of KeyShard.IntegrityHash.
type ContentID [32]byte

// ComputeID returns the content id of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// ShardContentID returns the archive id of a shard from its recorded integrity
// hash, not from its current ciphertext, so that a corrupted shard still
// resolves to the archived original.
func ShardContentID(shard KeyShard) (ContentID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(shard.IntegrityHash, "0x"))
	if err != nil || len(raw) != len(ContentID{}) {
		return ContentID{}, fmt.Errorf("%w: shard %d has a malformed integrity hash", ErrIntegrity, shard.Index)
	}
	return ContentID(raw), nil
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Check returns ErrContentMismatch unless data hashes to id.
func (id ContentID) Check(data []byte) error {
	if ComputeID(data) != id {
		return ErrContentMismatch
	}
	return nil
}

// ArchiveLocation is a parsed shard archive URI such as
// s3://bucket/prefix?region=eu-west-1 or vault://host:8200/secret/shards.
type ArchiveLocation struct {
	URI    string
	Scheme string
	Host   string
	Path   string
	Auth   string
	params url.Values
}

// ParseArchiveLocation validates uri and splits it into its parts.
func ParseArchiveLocation(uri string) (ArchiveLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ArchiveLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "file", "s3", "ipfs", "vault":
	default:
		return ArchiveLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := ArchiveLocation{
		URI:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		params: parsed.Query(),
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

func (loc ArchiveLocation) String() string {
	return loc.URI
}

// Param returns the query parameter name, or "" when absent.
func (loc ArchiveLocation) Param(name string) string {
	return loc.params.Get(name)
}

// ShardArchive is content-addressed storage for sealed shard ciphertexts.
// Stored content is immutable and always addressed by ComputeID of itself.
type ShardArchive interface {
	Fetch(ctx context.Context, id ContentID) ([]byte, error)
	Store(ctx context.Context, data []byte) (ContentID, error)
	Available(ctx context.Context) bool
	// Name identifies the backend in logs.
	Name() string
	LocationURI() string
}
