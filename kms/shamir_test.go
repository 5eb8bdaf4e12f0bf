package kms

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	m, err := NewManager(ManagerConfig{Secrets: map[int][]byte{1: secret}, CurrentVersion: 1})
	require.NoError(t, err)
	return m
}

func randomSecret(t *testing.T, size int) []byte {
	t.Helper()
	secret := make([]byte, size)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

// subsets returns every k-element subset of [0, n).
func subsets(n, k int) [][]int {
	var out [][]int
	var rec func(start int, cur []int)
	rec = func(start int, cur []int) {
		if len(cur) == k {
			out = append(out, append([]int(nil), cur...))
			return
		}
		for i := start; i < n; i++ {
			rec(i+1, append(cur, i))
		}
	}
	rec(0, nil)
	return out
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	assert.Error(t, err, "Should fail without secrets")

	_, err = NewManager(ManagerConfig{Secrets: map[int][]byte{1: make([]byte, 16)}, CurrentVersion: 1})
	assert.Error(t, err, "Should fail with secret < 32 bytes")

	_, err = NewManager(ManagerConfig{Secrets: map[int][]byte{1: make([]byte, 32)}, CurrentVersion: 2})
	assert.Error(t, err, "Should fail when current version has no secret")

	m, err := NewManager(ManagerConfig{Secrets: map[int][]byte{1: make([]byte, 32), 2: make([]byte, 48)}, CurrentVersion: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, m.CurrentVersion())
}

func TestSplitCombine_AnyQuorum(t *testing.T) {
	m := newTestManager(t)

	for n := 2; n <= 5; n++ {
		for k := 2; k <= n; k++ {
			t.Run(fmt.Sprintf("%d-of-%d", k, n), func(t *testing.T) {
				secret := randomSecret(t, 32)
				shards, err := m.SplitN("user-1", secret, n, k)
				require.NoError(t, err)
				require.Len(t, shards, n)

				for _, subset := range subsets(n, k) {
					chosen := make([]interfaces.KeyShard, 0, k)
					for _, i := range subset {
						chosen = append(chosen, shards[i])
					}
					recovered, err := m.Combine("user-1", chosen, k)
					require.NoError(t, err, "subset %v", subset)
					assert.True(t, bytes.Equal(secret, recovered), "subset %v reconstructed wrong secret", subset)
				}
			})
		}
	}
}

func TestSplit_InvalidParameters(t *testing.T) {
	m := newTestManager(t)
	secret := randomSecret(t, 32)

	_, err := m.SplitN("user-1", secret, 3, 5)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput, "threshold > total shares")

	_, err = m.SplitN("user-1", secret, 5, 1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput, "threshold < 2")

	_, err = m.SplitN("user-1", nil, 3, 2)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput, "empty secret")

	_, err = m.Split("user-1", secret, []int{1, 2, 2}, 2)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput, "duplicate index")

	_, err = m.Split("user-1", secret, []int{0, 1}, 2)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput, "index out of range")
}

func TestCombine_BelowThreshold(t *testing.T) {
	m := newTestManager(t)
	secret := randomSecret(t, 32)

	shards, err := m.SplitN("user-1", secret, 5, 3)
	require.NoError(t, err)

	recovered, err := m.Combine("user-1", shards[:2], 3)
	assert.Nil(t, recovered)
	require.ErrorIs(t, err, interfaces.ErrInsufficientShards)

	var insufficient *interfaces.InsufficientShardsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Need)
	assert.Equal(t, 2, insufficient.Verified)
	assert.Empty(t, insufficient.Rejected)
}

func TestCombine_DetectsCorruptedShard(t *testing.T) {
	m := newTestManager(t)
	secret := randomSecret(t, 32)

	shards, err := m.SplitN("user-1", secret, 3, 2)
	require.NoError(t, err)

	corrupted := shards[1].Clone()
	corrupted.Ciphertext[len(corrupted.Ciphertext)/2] ^= 0x01

	assert.ErrorIs(t, Verify(corrupted), interfaces.ErrIntegrity)

	// Exactly k shards with one corrupted: must fail and name the shard.
	recovered, err := m.Combine("user-1", []interfaces.KeyShard{shards[0], corrupted}, 2)
	assert.Nil(t, recovered)
	require.ErrorIs(t, err, interfaces.ErrInsufficientShards)

	var integrity *interfaces.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, shards[1].Index, integrity.ShardIndex)

	// With a spare verified shard the corrupted one is excluded and the secret is exact.
	recovered, err = m.Combine("user-1", []interfaces.KeyShard{shards[0], corrupted, shards[2]}, 2)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)
}

func TestCombine_RejectsShardOfAnotherUser(t *testing.T) {
	m := newTestManager(t)
	secret := randomSecret(t, 32)

	shards, err := m.SplitN("user-1", secret, 3, 2)
	require.NoError(t, err)

	_, err = m.Combine("user-2", shards[:2], 2)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShards)
}

func TestCombine_DuplicateIndex(t *testing.T) {
	m := newTestManager(t)
	shards, err := m.SplitN("user-1", randomSecret(t, 32), 3, 2)
	require.NoError(t, err)

	_, err = m.Combine("user-1", []interfaces.KeyShard{shards[0], shards[0]}, 2)
	assert.ErrorIs(t, err, interfaces.ErrInvalidInput)
}

func TestRotate(t *testing.T) {
	m := newTestManager(t)
	secret := randomSecret(t, 32)

	shards, err := m.SplitN("user-1", secret, 3, 2)
	require.NoError(t, err)

	rotated, err := m.Rotate("user-1", shards[:2], 2, []int{1, 2, 3, 4, 5}, 3, nil)
	require.NoError(t, err)
	require.Len(t, rotated, 5)

	recovered, err := m.Combine("user-1", []interfaces.KeyShard{rotated[0], rotated[2], rotated[4]}, 3)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	_, err = m.Combine("user-1", rotated[:2], 3)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShards, "old threshold no longer suffices")

	_, err = m.Rotate("user-1", shards[:1], 2, []int{1, 2, 3}, 2, nil)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShards, "rotation requires the current quorum")

	errMismatch := errors.New("mismatch")
	_, err = m.Rotate("user-1", shards, 2, []int{1, 2, 3}, 2, func(got []byte) error {
		assert.Equal(t, secret, got)
		return errMismatch
	})
	assert.ErrorIs(t, err, errMismatch)
}

func TestRotate_ReencryptsUnderCurrentVersion(t *testing.T) {
	oldSecret := randomSecret(t, 32)
	newSecret := randomSecret(t, 32)

	v1, err := NewManager(ManagerConfig{Secrets: map[int][]byte{1: oldSecret}, CurrentVersion: 1})
	require.NoError(t, err)
	v2, err := NewManager(ManagerConfig{Secrets: map[int][]byte{1: oldSecret, 2: newSecret}, CurrentVersion: 2})
	require.NoError(t, err)

	secret := randomSecret(t, 32)
	shards, err := v1.SplitN("user-1", secret, 3, 2)
	require.NoError(t, err)

	rotated, err := v2.Rotate("user-1", shards, 2, []int{1, 2, 3}, 2, nil)
	require.NoError(t, err)
	for _, s := range rotated {
		assert.Equal(t, 2, s.KeyVersion)
	}

	recovered, err := v2.Combine("user-1", rotated[1:], 2)
	require.NoError(t, err)
	assert.Equal(t, secret, recovered)

	_, err = v1.Combine("user-1", rotated[1:], 2)
	assert.True(t, errors.Is(err, interfaces.ErrInsufficientShards), "v1-only manager cannot open v2 shards")
}

func TestSealOpen(t *testing.T) {
	key := randomSecret(t, 32)
	sealed, err := Seal(key, []byte("payload"), []byte("aad"))
	require.NoError(t, err)

	opened, err := Open(key, sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), opened)

	_, err = Open(key, sealed, []byte("other"))
	assert.Error(t, err)

	_, err = Open(key, sealed[:4], nil)
	assert.Error(t, err)
}

func TestWipe(t *testing.T) {
	data := []byte{1, 2, 3}
	Wipe(data)
	assert.Equal(t, []byte{0, 0, 0}, data)
}

func TestTokens(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)

	hash := HashToken(a)
	assert.True(t, TokenMatches(a, hash))
	assert.False(t, TokenMatches(b, hash))
	assert.False(t, TokenMatches(a, nil))
}
