package sessionkey

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/kms"
	"github.com/ruteri/seedless-recovery-backend/notify"
	"github.com/ruteri/seedless-recovery-backend/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func milliEther(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e15))
}

func transfer(value *big.Int) *types.Transaction {
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
}

func newManager(t *testing.T, secrets map[int][]byte, current int) *kms.Manager {
	t.Helper()
	keys, err := kms.NewManager(kms.ManagerConfig{Secrets: secrets, CurrentVersion: current})
	require.NoError(t, err)
	return keys
}

func randomSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

type testEnv struct {
	service *Service
	store   *memstore.Store
	clock   *clock.Mock
	secret  []byte
	userID  string
	logger  *slog.Logger
}

// setupTestEnvironment creates a user with a 2-of-2 seedless wallet.
func setupTestEnvironment(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	secret := randomSecret(t)
	keys := newManager(t, map[int][]byte{1: secret}, 1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memstore.New()

	registry, err := guardian.NewRegistry(guardian.DefaultConfig(), store, keys, notify.Nop{}, nil, clk, logger)
	require.NoError(t, err)
	owner, err := registry.RegisterUser(ctx, "owner@example.com")
	require.NoError(t, err)
	for _, email := range []string{"alice@example.com", "bob@example.com"} {
		g, err := registry.Invite(ctx, owner.ID, email, "")
		require.NoError(t, err)
		_, err = registry.Accept(ctx, g.InviteToken)
		require.NoError(t, err)
	}

	service, err := NewService(DefaultConfig(), store, keys, clk, logger)
	require.NoError(t, err)

	return &testEnv{service: service, store: store, clock: clk, secret: secret, userID: owner.ID, logger: logger}
}

func (e *testEnv) stored(t *testing.T, id string) *interfaces.SessionKey {
	t.Helper()
	var key *interfaces.SessionKey
	require.NoError(t, e.store.InTx(context.Background(), func(tx interfaces.Tx) error {
		var err error
		key, err = tx.GetSessionKey(context.Background(), id)
		return err
	}))
	return key
}

func TestCreate(t *testing.T) {
	env := setupTestEnvironment(t)

	issued, err := env.service.Create(context.Background(), env.userID, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, issued.Token)

	key := env.stored(t, issued.Key.ID)
	assert.True(t, key.IsActive)
	assert.Equal(t, env.clock.Now().Add(24*time.Hour), key.ExpiresAt)
	assert.Equal(t, 0, key.SpendingLimit.Cmp(DefaultConfig().DefaultSpendingLimit))
	assert.Equal(t, 0, key.SpentAmount.Sign())
	assert.NotEqual(t, common.Address{}, key.Address)
	assert.Equal(t, 1, key.KeyVersion)
	assert.True(t, kms.TokenMatches(issued.Token, key.TokenHash))
	assert.NotEmpty(t, key.EncryptedKey)
	assert.NotEmpty(t, key.WrappedDataKey)
	assert.NotEmpty(t, key.WalletID)

	custom, err := env.service.Create(context.Background(), env.userID, 2*time.Hour, milliEther(250))
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(2*time.Hour), custom.Key.ExpiresAt)
	assert.Equal(t, 0, custom.Key.SpendingLimit.Cmp(milliEther(250)))
	assert.NotEqual(t, issued.Key.Address, custom.Key.Address, "every session has its own keypair")
}

func TestCreate_Errors(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		userID   string
		duration time.Duration
		limit    *big.Int
		want     error
	}{
		{"duration above maximum", env.userID, 31 * 24 * time.Hour, nil, interfaces.ErrInvalidInput},
		{"negative duration", env.userID, -time.Hour, nil, interfaces.ErrInvalidInput},
		{"zero limit", env.userID, 0, big.NewInt(0), interfaces.ErrInvalidInput},
		{"negative limit", env.userID, 0, big.NewInt(-1), interfaces.ErrInvalidInput},
		{"unknown user", "missing", 0, nil, interfaces.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.Create(ctx, tt.userID, tt.duration, tt.limit)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("no seedless wallet", func(t *testing.T) {
		require.NoError(t, env.store.InTx(ctx, func(tx interfaces.Tx) error {
			return tx.CreateUser(ctx, &interfaces.User{ID: "plain", Email: "plain@example.com"})
		}))
		_, err := env.service.Create(ctx, "plain", 0, nil)
		assert.ErrorIs(t, err, interfaces.ErrWalletNotSeedless)
	})

	t.Run("guardians below threshold", func(t *testing.T) {
		require.NoError(t, env.store.InTx(ctx, func(tx interfaces.Tx) error {
			wallet, err := tx.GetWallet(ctx, env.userID, interfaces.WalletSeedless)
			require.NoError(t, err)
			wallet.Threshold = 3
			return tx.UpdateWallet(ctx, wallet)
		}))
		_, err := env.service.Create(ctx, env.userID, 0, nil)
		assert.ErrorIs(t, err, interfaces.ErrInsufficientGuardians)
	})
}

func TestSign_SpendingLimit(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	issued, err := env.service.Create(ctx, env.userID, 0, milliEther(1000))
	require.NoError(t, err)

	signed, err := env.service.Sign(ctx, issued.Token, transfer(milliEther(600)))
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), signed)
	require.NoError(t, err)
	assert.Equal(t, issued.Key.Address, sender)
	assert.Equal(t, 0, env.stored(t, issued.Key.ID).SpentAmount.Cmp(milliEther(600)))

	_, err = env.service.Sign(ctx, issued.Token, transfer(milliEther(500)))
	require.ErrorIs(t, err, interfaces.ErrSpendingLimitExceeded)
	var limitErr *interfaces.SpendingLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 0, limitErr.Limit.Cmp(milliEther(1000)))
	assert.Equal(t, 0, limitErr.Spent.Cmp(milliEther(600)))
	assert.Equal(t, 0, limitErr.Requested.Cmp(milliEther(500)))
	assert.Equal(t, 0, env.stored(t, issued.Key.ID).SpentAmount.Cmp(milliEther(600)), "refused signature leaves spend unchanged")

	_, err = env.service.Sign(ctx, issued.Token, transfer(milliEther(400)))
	require.NoError(t, err, "spending up to the limit is allowed")
	assert.Equal(t, 0, env.stored(t, issued.Key.ID).Remaining().Sign())
}

func TestSign_BadToken(t *testing.T) {
	env := setupTestEnvironment(t)
	_, err := env.service.Sign(context.Background(), "unknown", transfer(big.NewInt(1)))
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestSign_Expired(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	issued, err := env.service.Create(ctx, env.userID, time.Hour, nil)
	require.NoError(t, err)

	env.clock.Add(time.Hour)
	_, err = env.service.Sign(ctx, issued.Token, transfer(big.NewInt(1)))
	assert.ErrorIs(t, err, interfaces.ErrExpired)

	key := env.stored(t, issued.Key.ID)
	assert.False(t, key.IsActive, "expiry is persisted")
	assert.True(t, key.RevokedAt.IsZero())
	assert.Equal(t, 0, key.SpentAmount.Sign())

	_, err = env.service.Sign(ctx, issued.Token, transfer(big.NewInt(1)))
	assert.ErrorIs(t, err, interfaces.ErrExpired)
}

func TestRevoke(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	issued, err := env.service.Create(ctx, env.userID, 0, nil)
	require.NoError(t, err)

	require.NoError(t, env.service.Revoke(ctx, issued.Token))
	require.NoError(t, env.service.Revoke(ctx, issued.Token), "revoke is idempotent")
	assert.ErrorIs(t, env.service.Revoke(ctx, "unknown"), interfaces.ErrUnauthorized)

	_, err = env.service.Sign(ctx, issued.Token, transfer(big.NewInt(1)))
	assert.ErrorIs(t, err, interfaces.ErrSessionRevoked)

	key := env.stored(t, issued.Key.ID)
	assert.False(t, key.IsActive)
	assert.Equal(t, env.clock.Now(), key.RevokedAt)
}

func TestRevokeByIDAndAll(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	var issued []*Issued
	for i := 0; i < 3; i++ {
		s, err := env.service.Create(ctx, env.userID, 0, nil)
		require.NoError(t, err)
		issued = append(issued, s)
	}

	assert.ErrorIs(t, env.service.RevokeByID(ctx, "someone-else", issued[0].Key.ID), interfaces.ErrNotFound)
	require.NoError(t, env.service.RevokeByID(ctx, env.userID, issued[0].Key.ID))

	count, err := env.service.RevokeAll(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = env.service.RevokeAll(ctx, env.userID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	keys, err := env.service.List(ctx, env.userID)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	for _, k := range keys {
		assert.False(t, k.IsActive)
	}
}

func TestList_ReportsExpiredInactive(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	short, err := env.service.Create(ctx, env.userID, time.Hour, nil)
	require.NoError(t, err)
	long, err := env.service.Create(ctx, env.userID, 48*time.Hour, nil)
	require.NoError(t, err)

	env.clock.Add(2 * time.Hour)
	keys, err := env.service.List(ctx, env.userID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	byID := map[string]*interfaces.SessionKey{keys[0].ID: keys[0], keys[1].ID: keys[1]}
	assert.False(t, byID[short.Key.ID].IsActive)
	assert.True(t, byID[long.Key.ID].IsActive)
}

func TestSign_Concurrent(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	issued, err := env.service.Create(ctx, env.userID, 0, milliEther(1000))
	require.NoError(t, err)

	const signers = 10
	var wg sync.WaitGroup
	errs := make([]error, signers)
	for i := 0; i < signers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.service.Sign(ctx, issued.Token, transfer(milliEther(300)))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, interfaces.ErrSpendingLimitExceeded), err)
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 0, env.stored(t, issued.Key.ID).SpentAmount.Cmp(milliEther(900)))
}

func TestEnvelope_ServerSecretVersions(t *testing.T) {
	env := setupTestEnvironment(t)
	ctx := context.Background()

	issued, err := env.service.Create(ctx, env.userID, 0, nil)
	require.NoError(t, err)

	// A newer secret version still unwraps sessions created under the old one.
	rotated := newManager(t, map[int][]byte{1: env.secret, 2: randomSecret(t)}, 2)
	rotatedService, err := NewService(DefaultConfig(), env.store, rotated, env.clock, env.logger)
	require.NoError(t, err)
	_, err = rotatedService.Sign(ctx, issued.Token, transfer(big.NewInt(1)))
	require.NoError(t, err)

	fresh, err := rotatedService.Create(ctx, env.userID, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.Key.KeyVersion)

	// The token alone is useless without the server secret.
	foreign := newManager(t, map[int][]byte{1: randomSecret(t)}, 1)
	foreignService, err := NewService(DefaultConfig(), env.store, foreign, env.clock, env.logger)
	require.NoError(t, err)
	_, err = foreignService.Sign(ctx, issued.Token, transfer(big.NewInt(1)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, interfaces.ErrSpendingLimitExceeded)

	spent := env.stored(t, issued.Key.ID).SpentAmount
	assert.Equal(t, 0, spent.Cmp(big.NewInt(1)), "failed signature did not charge the session")
}
