package pgstore

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to PGSTORE_TEST_DSN and skips the test when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PGSTORE_TEST_DSN")
	if dsn == "" {
		t.Skip("PGSTORE_TEST_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, dsn, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func createUser(t *testing.T, s *Store) *interfaces.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	user := &interfaces.User{ID: uuid.NewString(), Email: uuid.NewString() + "@example.com", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InTx(context.Background(), func(tx interfaces.Tx) error {
		return tx.CreateUser(context.Background(), user)
	}))
	return user
}

func TestGuardianRoundTripAndUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createUser(t, s)
	now := time.Now().UTC().Truncate(time.Microsecond)

	g := &interfaces.Guardian{
		ID:              uuid.NewString(),
		UserID:          user.ID,
		Email:           "alice@example.com",
		Status:          interfaces.GuardianPending,
		ShardIndex:      1,
		InviteToken:     uuid.NewString(),
		InviteExpiresAt: now.Add(time.Hour),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error { return tx.CreateGuardian(ctx, g) }))

	err := s.InTx(ctx, func(tx interfaces.Tx) error {
		dup := *g
		dup.ID = uuid.NewString()
		dup.ShardIndex = 2
		dup.InviteToken = uuid.NewString()
		return tx.CreateGuardian(ctx, &dup)
	})
	assert.ErrorIs(t, err, interfaces.ErrDuplicateGuardian)

	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error {
		got, err := tx.GetGuardianByInviteToken(ctx, g.InviteToken)
		require.NoError(t, err)
		assert.False(t, got.HasShard())

		got.Status = interfaces.GuardianAccepted
		got.InviteToken = ""
		got.PortalToken = uuid.NewString()
		got.Shard = &interfaces.KeyShard{Index: 1, Ciphertext: []byte{1, 2, 3}, IntegrityHash: "ab", KeyVersion: 1}
		return tx.UpdateGuardian(ctx, got)
	}))

	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error {
		list, err := tx.ListGuardians(ctx, user.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, interfaces.GuardianAccepted, list[0].Status)
		assert.Empty(t, list[0].InviteToken)
		require.True(t, list[0].HasShard())
		assert.Equal(t, 1, list[0].Shard.KeyVersion)
		return nil
	}))
}

func TestApprovalUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createUser(t, s)
	now := time.Now().UTC()

	req := &interfaces.RecoveryRequest{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		RequesterEmail:    user.Email,
		Status:            interfaces.RecoveryPending,
		RequiredApprovals: 2,
		DisputeTokenHash:  []byte("dispute-hash"),
		ClaimTokenHash:    []byte("claim-hash"),
		CanExecuteAt:      now.Add(72 * time.Hour),
		ExpiresAt:         now.Add(30 * 24 * time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error {
		require.NoError(t, tx.CreateRecoveryRequest(ctx, req))
		return tx.CreateApproval(ctx, &interfaces.GuardianApproval{ID: uuid.NewString(), RequestID: req.ID, GuardianID: "g1", Approved: true, CreatedAt: now})
	}))

	err := s.InTx(ctx, func(tx interfaces.Tx) error {
		return tx.CreateApproval(ctx, &interfaces.GuardianApproval{ID: uuid.NewString(), RequestID: req.ID, GuardianID: "g1", CreatedAt: now})
	})
	assert.ErrorIs(t, err, interfaces.ErrAlreadyVoted)

	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error {
		stored, err := tx.GetRecoveryRequest(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.DisputeTokenHash, stored.DisputeTokenHash)
		assert.Equal(t, req.ClaimTokenHash, stored.ClaimTokenHash)
		return nil
	}))
}

func TestSessionKeyAmounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := createUser(t, s)
	now := time.Now().UTC()

	wallet := &interfaces.Wallet{ID: uuid.NewString(), UserID: user.ID, Kind: interfaces.WalletSeedless, Address: common.HexToAddress("0x01"), Threshold: 2, CreatedAt: now}
	limit, _ := new(big.Int).SetString("1000000000000000000", 10)
	key := &interfaces.SessionKey{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		WalletID:       wallet.ID,
		TokenHash:      []byte(uuid.NewString()),
		Address:        common.HexToAddress("0x02"),
		EncryptedKey:   []byte{1},
		WrappedDataKey: []byte{2},
		KeyVersion:     1,
		SpendingLimit:  limit,
		SpentAmount:    big.NewInt(0),
		IsActive:       true,
		ExpiresAt:      now.Add(time.Hour),
		CreatedAt:      now,
	}
	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error {
		require.NoError(t, tx.CreateWallet(ctx, wallet))
		return tx.CreateSessionKey(ctx, key)
	}))

	require.NoError(t, s.InTx(ctx, func(tx interfaces.Tx) error {
		got, err := tx.GetSessionKeyByTokenHash(ctx, key.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, 0, limit.Cmp(got.SpendingLimit))
		got.SpentAmount = new(big.Int).Div(limit, big.NewInt(2))
		return tx.UpdateSessionKey(ctx, got)
	}))

	err := s.InTx(ctx, func(tx interfaces.Tx) error {
		got, err := tx.GetSessionKey(ctx, key.ID)
		require.NoError(t, err)
		got.SpentAmount = new(big.Int).Add(limit, big.NewInt(1))
		return tx.UpdateSessionKey(ctx, got)
	})
	assert.Error(t, err, "spent above limit violates the check constraint")
}
