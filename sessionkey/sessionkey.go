// Package sessionkey issues short-lived, spend-capped signing keys for seedless
// wallets so routine transactions need no guardian involvement.
//
// Session private keys are unrelated to the wallet master key. Each one is
// sealed with a random per-session data key, and the data key is wrapped with
// a key-encryption key derived from the server secret alone. The bearer token
// handed to the client is only used for lookup (its SHA-256 is stored) and
// plays no part in key derivation.
package sessionkey

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/kms"
)

// Config holds session key policy values.
type Config struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
	// DefaultSpendingLimit in wei, used when Create is given no limit.
	DefaultSpendingLimit *big.Int
	// ChainID selects the EIP-155 signer.
	ChainID *big.Int
}

func DefaultConfig() Config {
	return Config{
		DefaultDuration:      24 * time.Hour,
		MaxDuration:          30 * 24 * time.Hour,
		DefaultSpendingLimit: new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil),
		ChainID:              big.NewInt(1),
	}
}

// Service manages session keys.
type Service struct {
	cfg   Config
	store interfaces.Store
	keys  *kms.Manager
	clock clock.Clock
	log   *slog.Logger
}

func NewService(cfg Config, store interfaces.Store, keys *kms.Manager, clk clock.Clock, log *slog.Logger) (*Service, error) {
	if cfg.DefaultDuration <= 0 || cfg.MaxDuration < cfg.DefaultDuration {
		return nil, fmt.Errorf("%w: session durations must satisfy 0 < default <= max", interfaces.ErrInvalidInput)
	}
	if cfg.DefaultSpendingLimit == nil || cfg.DefaultSpendingLimit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: default spending limit must be positive", interfaces.ErrInvalidInput)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", interfaces.ErrInvalidInput)
	}

	return &Service{cfg: cfg, store: store, keys: keys, clock: clk, log: log}, nil
}

// Issued is a newly created session key together with its bearer token. The
// token is returned once and cannot be recovered later.
type Issued struct {
	Key   *interfaces.SessionKey
	Token string
}

// Create issues a session key for the user's seedless wallet. A zero duration
// or nil limit selects the configured default.
func (s *Service) Create(ctx context.Context, userID string, duration time.Duration, limit *big.Int) (*Issued, error) {
	if duration == 0 {
		duration = s.cfg.DefaultDuration
	}
	if duration < 0 || duration > s.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: duration must be between 0 and %s", interfaces.ErrInvalidInput, s.cfg.MaxDuration)
	}
	if limit == nil {
		limit = s.cfg.DefaultSpendingLimit
	}
	if limit.Sign() <= 0 {
		return nil, fmt.Errorf("%w: spending limit must be positive", interfaces.ErrInvalidInput)
	}

	token, err := kms.NewToken()
	if err != nil {
		return nil, err
	}

	key := &interfaces.SessionKey{
		ID:            uuid.NewString(),
		UserID:        userID,
		TokenHash:     kms.HashToken(token),
		SpendingLimit: new(big.Int).Set(limit),
		SpentAmount:   new(big.Int),
		IsActive:      true,
	}
	if err := s.seal(key); err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, func(tx interfaces.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		wallet, err := tx.GetWallet(ctx, userID, interfaces.WalletSeedless)
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrWalletNotSeedless
		}
		if err != nil {
			return err
		}

		guardians, err := tx.ListGuardians(ctx, userID)
		if err != nil {
			return err
		}
		if accepted := len(guardian.Accepted(guardians)); accepted < wallet.Threshold {
			return fmt.Errorf("%w: %d accepted guardians, threshold %d", interfaces.ErrInsufficientGuardians, accepted, wallet.Threshold)
		}

		now := s.clock.Now()
		key.WalletID = wallet.ID
		key.CreatedAt = now
		key.ExpiresAt = now.Add(duration)
		return tx.CreateSessionKey(ctx, key)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Session key created", "userID", userID, "sessionID", key.ID, "address", key.Address.Hex(), "expiresAt", key.ExpiresAt, "spendingLimit", key.SpendingLimit.String())
	return &Issued{Key: key, Token: token}, nil
}

// seal generates the session keypair and stores its private half envelope-encrypted on key.
func (s *Service) seal(key *interfaces.SessionKey) error {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate session key: %w", err)
	}
	defer kms.WipeECDSA(priv)
	key.Address = crypto.PubkeyToAddress(priv.PublicKey)

	raw := crypto.FromECDSA(priv)
	defer kms.Wipe(raw)

	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return fmt.Errorf("failed to generate data key: %w", err)
	}
	defer kms.Wipe(dataKey)

	version := s.keys.CurrentVersion()
	kek, err := s.keys.DeriveSessionKEK(version)
	if err != nil {
		return err
	}
	defer kms.Wipe(kek)

	aad := sessionAAD(key.ID)
	if key.EncryptedKey, err = kms.Seal(dataKey, raw, aad); err != nil {
		return err
	}
	if key.WrappedDataKey, err = kms.Seal(kek, dataKey, aad); err != nil {
		return err
	}
	key.KeyVersion = version
	return nil
}

// unseal recovers the session private key. The caller must Wipe the result.
func (s *Service) unseal(key *interfaces.SessionKey) ([]byte, error) {
	kek, err := s.keys.DeriveSessionKEK(key.KeyVersion)
	if err != nil {
		return nil, err
	}
	defer kms.Wipe(kek)

	aad := sessionAAD(key.ID)
	dataKey, err := kms.Open(kek, key.WrappedDataKey, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap session data key: %w", err)
	}
	defer kms.Wipe(dataKey)

	raw, err := kms.Open(dataKey, key.EncryptedKey, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session key: %w", err)
	}
	return raw, nil
}

func sessionAAD(id string) []byte {
	return []byte("session|" + id)
}

// Sign signs tx with the session key behind token and charges its value
// against the spending limit. The limit check and the spend update happen in
// one transaction holding the session row lock, so concurrent signatures can
// never overspend. A refused signature leaves the spent amount unchanged.
func (s *Service) Sign(ctx context.Context, token string, tx *types.Transaction) (*types.Transaction, error) {
	value := tx.Value()
	if value == nil || value.Sign() < 0 {
		return nil, fmt.Errorf("%w: transaction value must not be negative", interfaces.ErrInvalidInput)
	}

	var (
		key     *interfaces.SessionKey
		signed  *types.Transaction
		expired bool
	)
	err := s.store.InTx(ctx, func(dbtx interfaces.Tx) error {
		var err error
		key, err = dbtx.GetSessionKeyByTokenHash(ctx, kms.HashToken(token))
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrUnauthorized
		}
		if err != nil {
			return err
		}
		if err := inactiveErr(key); err != nil {
			return err
		}

		now := s.clock.Now()
		if !now.Before(key.ExpiresAt) {
			key.IsActive = false
			expired = true
			return dbtx.UpdateSessionKey(ctx, key)
		}

		spent := new(big.Int).Add(key.SpentAmount, value)
		if spent.Cmp(key.SpendingLimit) > 0 {
			return &interfaces.SpendingLimitError{
				Limit:     new(big.Int).Set(key.SpendingLimit),
				Spent:     new(big.Int).Set(key.SpentAmount),
				Requested: new(big.Int).Set(value),
			}
		}

		signed, err = s.signWith(key, tx)
		if err != nil {
			return err
		}

		key.SpentAmount = spent
		return dbtx.UpdateSessionKey(ctx, key)
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrSpendingLimitExceeded) {
			s.log.Warn("Session signature refused", "sessionID", key.ID, "err", err)
		}
		return nil, err
	}
	if expired {
		s.log.Info("Session key expired", "userID", key.UserID, "sessionID", key.ID)
		return nil, interfaces.ErrExpired
	}

	s.log.Info("Session signature issued", "userID", key.UserID, "sessionID", key.ID, "txHash", signed.Hash().Hex(), "spent", key.SpentAmount.String())
	return signed, nil
}

func (s *Service) signWith(key *interfaces.SessionKey, tx *types.Transaction) (*types.Transaction, error) {
	raw, err := s.unseal(key)
	if err != nil {
		return nil, err
	}
	defer kms.Wipe(raw)

	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid session key material: %w", err)
	}
	defer kms.WipeECDSA(priv)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.cfg.ChainID), priv)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func inactiveErr(key *interfaces.SessionKey) error {
	switch {
	case key.IsActive:
		return nil
	case !key.RevokedAt.IsZero():
		return interfaces.ErrSessionRevoked
	default:
		return interfaces.ErrExpired
	}
}

// Revoke deactivates the session behind token. Revoking an inactive session is a no-op.
func (s *Service) Revoke(ctx context.Context, token string) error {
	return s.store.InTx(ctx, func(tx interfaces.Tx) error {
		key, err := tx.GetSessionKeyByTokenHash(ctx, kms.HashToken(token))
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrUnauthorized
		}
		if err != nil {
			return err
		}
		return s.revoke(ctx, tx, key)
	})
}

// RevokeByID deactivates one of the user's sessions.
func (s *Service) RevokeByID(ctx context.Context, userID, sessionID string) error {
	return s.store.InTx(ctx, func(tx interfaces.Tx) error {
		key, err := tx.GetSessionKey(ctx, sessionID)
		if err != nil {
			return err
		}
		if key.UserID != userID {
			return interfaces.ErrNotFound
		}
		return s.revoke(ctx, tx, key)
	})
}

// RevokeAll deactivates every active session of the user and returns how many were revoked.
func (s *Service) RevokeAll(ctx context.Context, userID string) (int, error) {
	revoked := 0
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		keys, err := tx.ListSessionKeys(ctx, userID)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if !k.IsActive {
				continue
			}
			key, err := tx.GetSessionKey(ctx, k.ID)
			if err != nil {
				return err
			}
			if err := s.revoke(ctx, tx, key); err != nil {
				return err
			}
			revoked++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("Session keys revoked", "userID", userID, "count", revoked)
	return revoked, nil
}

func (s *Service) revoke(ctx context.Context, tx interfaces.Tx, key *interfaces.SessionKey) error {
	if !key.IsActive {
		return nil
	}
	key.IsActive = false
	key.RevokedAt = s.clock.Now()
	if err := tx.UpdateSessionKey(ctx, key); err != nil {
		return err
	}
	s.log.Info("Session key revoked", "userID", key.UserID, "sessionID", key.ID)
	return nil
}

// List returns the user's session keys. Keys past their expiry are reported inactive.
func (s *Service) List(ctx context.Context, userID string) ([]*interfaces.SessionKey, error) {
	var keys []*interfaces.SessionKey
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		keys, err = tx.ListSessionKeys(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	for _, k := range keys {
		if k.IsActive && !now.Before(k.ExpiresAt) {
			k.IsActive = false
		}
	}
	return keys, nil
}
