package kms

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

// MaxShards is the largest shard set the GF(2^8) sharing scheme supports.
const MaxShards = 255

// Manager splits secrets into encrypted shards and reconstructs them from a quorum.
//
// Raw shares never leave the Manager unencrypted. Each share is sealed with
// AES-256-GCM under a key derived from a server secret, the user id and the shard
// index, so no per-guardian key material has to be stored. Server secrets are
// versioned: shards record the version they were sealed under, and new shards are
// always sealed under the current version.
type Manager struct {
	secrets        map[int][]byte
	currentVersion int
}

// ManagerConfig contains the server secrets used for shard key derivation.
type ManagerConfig struct {
	// Secrets maps derivation version to server secret. Each secret must be at least 32 bytes.
	Secrets map[int][]byte
	// CurrentVersion selects the secret used for newly created shards.
	CurrentVersion int
}

// NewManager creates a Manager from the given server secrets.
func NewManager(config ManagerConfig) (*Manager, error) {
	if len(config.Secrets) == 0 {
		return nil, errors.New("at least one server secret is required")
	}

	secrets := make(map[int][]byte, len(config.Secrets))
	for version, secret := range config.Secrets {
		if len(secret) < 32 {
			return nil, fmt.Errorf("server secret version %d must be at least 32 bytes", version)
		}
		secrets[version] = append([]byte(nil), secret...)
	}

	if _, ok := secrets[config.CurrentVersion]; !ok {
		return nil, fmt.Errorf("no server secret for current version %d", config.CurrentVersion)
	}

	return &Manager{secrets: secrets, currentVersion: config.CurrentVersion}, nil
}

// CurrentVersion returns the derivation version used for new shards and session keys.
func (m *Manager) CurrentVersion() int {
	return m.currentVersion
}

// ValidateThreshold checks 2 <= threshold <= total <= MaxShards.
func ValidateThreshold(total, threshold int) error {
	if threshold < 2 {
		return fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrInvalidInput)
	}
	if total < threshold {
		return fmt.Errorf("%w: total shares must be at least equal to threshold", interfaces.ErrInvalidInput)
	}
	if total > MaxShards {
		return fmt.Errorf("%w: at most %d shares are supported", interfaces.ErrInvalidInput, MaxShards)
	}
	return nil
}

// SplitN splits secret into n shards indexed 1..n, any k of which reconstruct it.
func (m *Manager) SplitN(userID string, secret []byte, n, k int) ([]interfaces.KeyShard, error) {
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i + 1
	}
	return m.Split(userID, secret, indexes, k)
}

// Split splits secret into one shard per index, any threshold of which reconstruct it.
// Fewer than threshold shards reveal nothing about the secret. The caller keeps
// ownership of secret and is responsible for wiping it.
func (m *Manager) Split(userID string, secret []byte, indexes []int, threshold int) ([]interfaces.KeyShard, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: cannot split an empty secret", interfaces.ErrInvalidInput)
	}
	if err := ValidateThreshold(len(indexes), threshold); err != nil {
		return nil, err
	}
	if err := validateIndexes(indexes); err != nil {
		return nil, err
	}

	shares, err := shamir.Split(secret, len(indexes), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split secret: %w", err)
	}
	defer WipeAll(shares)

	shards := make([]interfaces.KeyShard, 0, len(indexes))
	for i, index := range indexes {
		shard, err := m.sealShard(userID, index, m.currentVersion, shares[i])
		if err != nil {
			return nil, err
		}
		shards = append(shards, shard)
	}

	return shards, nil
}

// Combine verifies each shard's integrity hash, decrypts the verified ones and
// reconstructs the secret. Shards failing verification are excluded; if fewer than
// threshold remain, an *interfaces.InsufficientShardsError listing the rejected
// indexes is returned and no secret is produced.
//
// The caller must Wipe the returned secret once it is no longer needed.
func (m *Manager) Combine(userID string, shards []interfaces.KeyShard, threshold int) ([]byte, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrInvalidInput)
	}

	seen := make(map[int]bool, len(shards))
	var rejected []*interfaces.IntegrityError
	parts := make([][]byte, 0, len(shards))
	defer func() { WipeAll(parts) }()

	for _, shard := range shards {
		if seen[shard.Index] {
			return nil, fmt.Errorf("%w: duplicate shard index %d", interfaces.ErrInvalidInput, shard.Index)
		}
		seen[shard.Index] = true

		if err := Verify(shard); err != nil {
			rejected = append(rejected, &interfaces.IntegrityError{ShardIndex: shard.Index})
			continue
		}

		part, err := m.openShard(userID, shard)
		if err != nil {
			// The hash matched but the sealed share did not authenticate for this
			// user and index: it belongs elsewhere and must not be combined.
			rejected = append(rejected, &interfaces.IntegrityError{ShardIndex: shard.Index})
			continue
		}
		parts = append(parts, part)
	}

	if len(parts) < threshold {
		return nil, &interfaces.InsufficientShardsError{
			Need:     threshold,
			Verified: len(parts),
			Rejected: rejected,
		}
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct secret: %w", err)
	}

	return secret, nil
}

// Rotate reconstructs the secret from existing shards (which must satisfy
// currentThreshold) and re-splits it for newIndexes under newThreshold. If check
// is non-nil it is called with the reconstructed secret before re-splitting and
// any error aborts the rotation. The new shards are sealed under the current
// derivation version. Persisting the result atomically is the caller's
// responsibility.
func (m *Manager) Rotate(userID string, existing []interfaces.KeyShard, currentThreshold int, newIndexes []int, newThreshold int, check func(secret []byte) error) ([]interfaces.KeyShard, error) {
	if err := ValidateThreshold(len(newIndexes), newThreshold); err != nil {
		return nil, err
	}

	secret, err := m.Combine(userID, existing, currentThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct secret for rotation: %w", err)
	}
	defer Wipe(secret)

	if check != nil {
		if err := check(secret); err != nil {
			return nil, err
		}
	}

	return m.Split(userID, secret, newIndexes, newThreshold)
}

// Verify checks that the shard's ciphertext matches its integrity hash.
func Verify(shard interfaces.KeyShard) error {
	expected, err := hex.DecodeString(shard.IntegrityHash)
	if err != nil || len(expected) != sha256.Size {
		return &interfaces.IntegrityError{ShardIndex: shard.Index}
	}

	actual := sha256.Sum256(shard.Ciphertext)
	if subtle.ConstantTimeCompare(expected, actual[:]) != 1 {
		return &interfaces.IntegrityError{ShardIndex: shard.Index}
	}
	return nil
}

// IntegrityHash returns the hex SHA-256 of a shard ciphertext.
func IntegrityHash(ciphertext []byte) string {
	sum := sha256.Sum256(ciphertext)
	return hex.EncodeToString(sum[:])
}

func (m *Manager) sealShard(userID string, index, version int, share []byte) (interfaces.KeyShard, error) {
	key, err := m.deriveKey(PurposeShard, version, shardInfo(userID, index))
	if err != nil {
		return interfaces.KeyShard{}, err
	}
	defer Wipe(key)

	ciphertext, err := Seal(key, share, shardAAD(userID, index, version))
	if err != nil {
		return interfaces.KeyShard{}, fmt.Errorf("failed to encrypt shard %d: %w", index, err)
	}

	return interfaces.KeyShard{
		Index:         index,
		Ciphertext:    ciphertext,
		IntegrityHash: IntegrityHash(ciphertext),
		KeyVersion:    version,
	}, nil
}

func (m *Manager) openShard(userID string, shard interfaces.KeyShard) ([]byte, error) {
	key, err := m.deriveKey(PurposeShard, shard.KeyVersion, shardInfo(userID, shard.Index))
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	return Open(key, shard.Ciphertext, shardAAD(userID, shard.Index, shard.KeyVersion))
}

func shardAAD(userID string, index, version int) []byte {
	return []byte(fmt.Sprintf("shard|%s|%d|%d", userID, index, version))
}

func validateIndexes(indexes []int) error {
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)
	for i, index := range sorted {
		if index < 1 || index > MaxShards {
			return fmt.Errorf("%w: shard index %d out of range", interfaces.ErrInvalidInput, index)
		}
		if i > 0 && sorted[i-1] == index {
			return fmt.Errorf("%w: duplicate shard index %d", interfaces.ErrInvalidInput, index)
		}
	}
	return nil
}
