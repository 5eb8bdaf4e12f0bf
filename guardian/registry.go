// Package guardian implements the guardian registry: invitations, acceptance
// with shard assignment, removal, and explicit re-sharding of a user's
// seedless wallet key.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/kms"
	"github.com/ruteri/seedless-recovery-backend/notify"
)

const maxMessageLength = 2000

// Config holds registry policy values.
type Config struct {
	// Threshold is the number of shards required to reconstruct a newly provisioned wallet key.
	Threshold int
	// InviteExpiry is how long an invitation token stays valid.
	InviteExpiry time.Duration
}

func DefaultConfig() Config {
	return Config{
		Threshold:    2,
		InviteExpiry: 7 * 24 * time.Hour,
	}
}

// Registry tracks guardians per user and keeps their shards consistent with
// the user's seedless wallet key.
type Registry struct {
	cfg      Config
	store    interfaces.Store
	keys     *kms.Manager
	notifier interfaces.Notifier
	archive  interfaces.ShardArchive
	clock    clock.Clock
	log      *slog.Logger
}

// NewRegistry creates a guardian registry. archive may be nil, in which case
// shards are not mirrored.
func NewRegistry(cfg Config, store interfaces.Store, keys *kms.Manager, notifier interfaces.Notifier, archive interfaces.ShardArchive, clk clock.Clock, log *slog.Logger) (*Registry, error) {
	if cfg.Threshold < 2 {
		return nil, fmt.Errorf("%w: guardian threshold must be at least 2", interfaces.ErrInvalidInput)
	}
	if cfg.InviteExpiry <= 0 {
		return nil, fmt.Errorf("%w: invite expiry must be positive", interfaces.ErrInvalidInput)
	}

	return &Registry{
		cfg:      cfg,
		store:    store,
		keys:     keys,
		notifier: notifier,
		archive:  archive,
		clock:    clk,
		log:      log,
	}, nil
}

// Accepted filters guardians down to those that accepted their invitation.
func Accepted(guardians []*interfaces.Guardian) []*interfaces.Guardian {
	var out []*interfaces.Guardian
	for _, g := range guardians {
		if g.Status == interfaces.GuardianAccepted {
			out = append(out, g)
		}
	}
	return out
}

// NormalizeEmail trims and lower-cases an address and checks its syntax.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email address", interfaces.ErrInvalidInput)
	}
	return email, nil
}

// RegisterUser returns the user with the given email, creating it if needed.
func (r *Registry) RegisterUser(ctx context.Context, email string) (*interfaces.User, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}

	var user *interfaces.User
	err = r.store.InTx(ctx, func(tx interfaces.Tx) error {
		existing, err := tx.GetUserByEmail(ctx, email)
		if err == nil {
			user = existing
			return nil
		}
		if !errors.Is(err, interfaces.ErrNotFound) {
			return err
		}

		now := r.clock.Now()
		user = &interfaces.User{ID: uuid.NewString(), Email: email, CreatedAt: now, UpdatedAt: now}
		return tx.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Invite creates a pending guardian for userID, or re-opens a declined one for
// the same email. Delivery of the invitation is best-effort.
func (r *Registry) Invite(ctx context.Context, userID, email, displayName string) (*interfaces.Guardian, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	displayName = strings.TrimSpace(displayName)

	token, err := kms.NewToken()
	if err != nil {
		return nil, err
	}

	var (
		guardian *interfaces.Guardian
		owner    *interfaces.User
	)
	err = r.store.InTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		owner, err = tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if owner.Email == email {
			return fmt.Errorf("%w: owner cannot be their own guardian", interfaces.ErrInvalidInput)
		}

		guardians, err := tx.ListGuardians(ctx, userID)
		if err != nil {
			return err
		}

		now := r.clock.Now()
		for _, g := range guardians {
			if g.Email != email {
				continue
			}
			if g.IsActive() {
				return interfaces.ErrDuplicateGuardian
			}

			// A declined guardian is re-invited in place and keeps its shard index.
			g.Status = interfaces.GuardianPending
			g.InviteToken = token
			g.InviteExpiresAt = now.Add(r.cfg.InviteExpiry)
			g.DeclineReason = ""
			g.RespondedAt = time.Time{}
			g.UpdatedAt = now
			if displayName != "" {
				g.DisplayName = displayName
			}
			guardian = g
			return tx.UpdateGuardian(ctx, g)
		}

		index, err := nextShardIndex(guardians)
		if err != nil {
			return err
		}

		guardian = &interfaces.Guardian{
			ID:              uuid.NewString(),
			UserID:          userID,
			Email:           email,
			DisplayName:     displayName,
			Status:          interfaces.GuardianPending,
			ShardIndex:      index,
			InviteToken:     token,
			InviteExpiresAt: now.Add(r.cfg.InviteExpiry),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.CreateGuardian(ctx, guardian)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Guardian invited", "userID", userID, "guardianID", guardian.ID, "shardIndex", guardian.ShardIndex)

	notify.Send(ctx, r.log, r.notifier, interfaces.Notification{
		Kind:      interfaces.EventGuardianInvited,
		UserID:    userID,
		Recipient: guardian.Email,
		Payload: map[string]string{
			"token":       token,
			"ownerEmail":  owner.Email,
			"displayName": guardian.DisplayName,
			"expiresAt":   guardian.InviteExpiresAt.UTC().Format(time.RFC3339),
		},
	})

	return guardian, nil
}

// nextShardIndex returns the smallest index not held by any of the user's guardians.
func nextShardIndex(guardians []*interfaces.Guardian) (int, error) {
	used := make(map[int]bool, len(guardians))
	for _, g := range guardians {
		used[g.ShardIndex] = true
	}
	for i := 1; i <= kms.MaxShards; i++ {
		if !used[i] {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: at most %d guardians are supported", interfaces.ErrInvalidInput, kms.MaxShards)
}

// Accept turns an invitation into an accepted guardianship and assigns shards
// in the same transaction. If shard assignment fails the acceptance is rolled
// back and the guardian stays pending.
func (r *Registry) Accept(ctx context.Context, inviteToken string) (*interfaces.Guardian, error) {
	portalToken, err := kms.NewToken()
	if err != nil {
		return nil, err
	}

	var (
		guardian *interfaces.Guardian
		owner    *interfaces.User
		shards   []interfaces.KeyShard
	)
	err = r.store.InTx(ctx, func(tx interfaces.Tx) error {
		g, err := tx.GetGuardianByInviteToken(ctx, inviteToken)
		if err != nil {
			return tokenErr(err)
		}
		if err := tx.LockUser(ctx, g.UserID); err != nil {
			return err
		}
		if g.Status != interfaces.GuardianPending {
			return interfaces.ErrAlreadyDecided
		}

		now := r.clock.Now()
		if !now.Before(g.InviteExpiresAt) {
			return interfaces.ErrExpired
		}

		g.Status = interfaces.GuardianAccepted
		g.InviteToken = ""
		g.PortalToken = portalToken
		g.RespondedAt = now
		g.UpdatedAt = now
		if err := tx.UpdateGuardian(ctx, g); err != nil {
			return err
		}

		shards, err = r.assignShards(ctx, tx, g.UserID)
		if err != nil {
			r.log.Error("Shard assignment failed, acceptance rolled back", "userID", g.UserID, "guardianID", g.ID, "err", err)
			return fmt.Errorf("%w: %w", interfaces.ErrShardAssignment, err)
		}

		guardian, err = tx.GetGuardian(ctx, g.ID)
		if err != nil {
			return err
		}
		owner, err = tx.GetUser(ctx, g.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Guardian accepted", "userID", guardian.UserID, "guardianID", guardian.ID, "assignedShards", len(shards))
	r.mirror(ctx, guardian.UserID, shards)

	notify.Send(ctx, r.log, r.notifier, interfaces.Notification{
		Kind:      interfaces.EventGuardianAccepted,
		UserID:    guardian.UserID,
		Recipient: owner.Email,
		Payload: map[string]string{
			"guardianEmail": guardian.Email,
			"displayName":   guardian.DisplayName,
		},
	})

	return guardian, nil
}

// assignShards brings shard assignment in line with the accepted guardians.
//
// The first time the user has Threshold accepted guardians a seedless master
// key is generated, split across all of them and the wallet is recorded. Once
// the wallet exists, any accepted guardian without a shard triggers a re-split
// of the existing key across every accepted guardian. Shards from different
// splits cannot be mixed, so every accepted guardian receives a fresh shard.
func (r *Registry) assignShards(ctx context.Context, tx interfaces.Tx, userID string) ([]interfaces.KeyShard, error) {
	guardians, err := tx.ListGuardians(ctx, userID)
	if err != nil {
		return nil, err
	}
	accepted := Accepted(guardians)

	wallet, err := tx.GetWallet(ctx, userID, interfaces.WalletSeedless)
	if errors.Is(err, interfaces.ErrNotFound) {
		if len(accepted) < r.cfg.Threshold {
			return nil, nil
		}
		return r.provisionWallet(ctx, tx, userID, accepted)
	}
	if err != nil {
		return nil, err
	}

	needsShard := false
	for _, g := range accepted {
		if !g.HasShard() {
			needsShard = true
			break
		}
	}
	if !needsShard {
		return nil, nil
	}

	return r.reshard(ctx, tx, wallet, accepted, wallet.Threshold)
}

func (r *Registry) provisionWallet(ctx context.Context, tx interfaces.Tx, userID string, accepted []*interfaces.Guardian) ([]interfaces.KeyShard, error) {
	secret, address, err := kms.GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	defer kms.Wipe(secret)

	shards, err := r.keys.Split(userID, secret, shardIndexes(accepted), r.cfg.Threshold)
	if err != nil {
		return nil, err
	}
	if err := storeShards(ctx, tx, accepted, shards); err != nil {
		return nil, err
	}

	wallet := &interfaces.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      interfaces.WalletSeedless,
		Address:   address,
		Threshold: r.cfg.Threshold,
		CreatedAt: r.clock.Now(),
	}
	if err := tx.CreateWallet(ctx, wallet); err != nil {
		return nil, err
	}

	r.log.Info("Seedless wallet provisioned", "userID", userID, "address", address.Hex(), "shards", len(shards), "threshold", r.cfg.Threshold)
	return shards, nil
}

// reshard reconstructs the wallet key from current shard holders, checks it
// against the wallet address and splits it across targets.
func (r *Registry) reshard(ctx context.Context, tx interfaces.Tx, wallet *interfaces.Wallet, targets []*interfaces.Guardian, threshold int) ([]interfaces.KeyShard, error) {
	var existing []interfaces.KeyShard
	for _, g := range targets {
		if g.HasShard() {
			existing = append(existing, *g.Shard)
		}
	}

	shards, err := r.keys.Rotate(wallet.UserID, existing, wallet.Threshold, shardIndexes(targets), threshold, kms.CheckAddress(wallet.Address))
	if err != nil {
		return nil, err
	}
	if err := storeShards(ctx, tx, targets, shards); err != nil {
		return nil, err
	}

	r.log.Info("Wallet key re-sharded", "userID", wallet.UserID, "shards", len(shards), "threshold", threshold)
	return shards, nil
}

func shardIndexes(guardians []*interfaces.Guardian) []int {
	indexes := make([]int, len(guardians))
	for i, g := range guardians {
		indexes[i] = g.ShardIndex
	}
	return indexes
}

// storeShards assigns shards[i] to guardians[i]; both are in shard index order.
func storeShards(ctx context.Context, tx interfaces.Tx, guardians []*interfaces.Guardian, shards []interfaces.KeyShard) error {
	for i, g := range guardians {
		shard := shards[i]
		if shard.Index != g.ShardIndex {
			return fmt.Errorf("shard index %d assigned to guardian with index %d", shard.Index, g.ShardIndex)
		}
		g.Shard = &shard
		if err := tx.UpdateGuardian(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

// mirror copies shard ciphertexts to the archive. Failures are logged only.
func (r *Registry) mirror(ctx context.Context, userID string, shards []interfaces.KeyShard) {
	if r.archive == nil {
		return
	}
	for _, s := range shards {
		if _, err := r.archive.Store(ctx, s.Ciphertext); err != nil {
			r.log.Warn("Failed to archive shard", "userID", userID, "shardIndex", s.Index, "err", err)
		}
	}
}

// Decline records a refusal. The invitation token stays bound to the declined
// record so repeated use reports ErrAlreadyDecided.
func (r *Registry) Decline(ctx context.Context, inviteToken, reason string) (*interfaces.Guardian, error) {
	var (
		guardian *interfaces.Guardian
		owner    *interfaces.User
	)
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		g, err := tx.GetGuardianByInviteToken(ctx, inviteToken)
		if err != nil {
			return tokenErr(err)
		}
		if g.Status != interfaces.GuardianPending {
			return interfaces.ErrAlreadyDecided
		}

		now := r.clock.Now()
		if !now.Before(g.InviteExpiresAt) {
			return interfaces.ErrExpired
		}

		g.Status = interfaces.GuardianDeclined
		g.DeclineReason = strings.TrimSpace(reason)
		g.RespondedAt = now
		g.UpdatedAt = now
		if err := tx.UpdateGuardian(ctx, g); err != nil {
			return err
		}
		guardian = g

		owner, err = tx.GetUser(ctx, g.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("Guardian declined", "userID", guardian.UserID, "guardianID", guardian.ID)

	notify.Send(ctx, r.log, r.notifier, interfaces.Notification{
		Kind:      interfaces.EventGuardianDeclined,
		UserID:    guardian.UserID,
		Recipient: owner.Email,
		Payload: map[string]string{
			"guardianEmail": guardian.Email,
			"reason":        guardian.DeclineReason,
		},
	})

	return guardian, nil
}

// Remove deletes a guardian. It never re-shards; removing a shard holder is
// refused with ErrQuorumAtRisk when fewer than the wallet threshold of shard
// holders would remain.
func (r *Registry) Remove(ctx context.Context, userID, guardianID string) error {
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		g, err := tx.GetGuardian(ctx, guardianID)
		if err != nil {
			return err
		}
		if g.UserID != userID {
			return interfaces.ErrNotFound
		}

		if g.Status == interfaces.GuardianAccepted && g.HasShard() {
			wallet, err := tx.GetWallet(ctx, userID, interfaces.WalletSeedless)
			if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
				return err
			}
			if wallet != nil {
				guardians, err := tx.ListGuardians(ctx, userID)
				if err != nil {
					return err
				}
				remaining := 0
				for _, other := range Accepted(guardians) {
					if other.ID != g.ID && other.HasShard() {
						remaining++
					}
				}
				if remaining < wallet.Threshold {
					return interfaces.ErrQuorumAtRisk
				}
			}
		}

		return tx.DeleteGuardian(ctx, g.ID)
	})
	if err != nil {
		return err
	}

	r.log.Info("Guardian removed", "userID", userID, "guardianID", guardianID)
	return nil
}

// List returns the user's guardians ordered by shard index.
func (r *Registry) List(ctx context.Context, userID string) ([]*interfaces.Guardian, error) {
	var guardians []*interfaces.Guardian
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		guardians, err = tx.ListGuardians(ctx, userID)
		return err
	})
	return guardians, err
}

// Wallet returns the user's seedless wallet.
func (r *Registry) Wallet(ctx context.Context, userID string) (*interfaces.Wallet, error) {
	var wallet *interfaces.Wallet
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		wallet, err = tx.GetWallet(ctx, userID, interfaces.WalletSeedless)
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrWalletNotSeedless
		}
		return err
	})
	return wallet, err
}

// Rotate re-splits the wallet key across all accepted guardians, sealing the
// new shards under the current derivation version. A zero newThreshold keeps
// the current threshold.
func (r *Registry) Rotate(ctx context.Context, userID string, newThreshold int) (*interfaces.Wallet, error) {
	var (
		wallet *interfaces.Wallet
		shards []interfaces.KeyShard
	)
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		if err := tx.LockUser(ctx, userID); err != nil {
			return err
		}
		var err error
		wallet, err = tx.GetWallet(ctx, userID, interfaces.WalletSeedless)
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
		accepted := Accepted(guardians)

		threshold := newThreshold
		if threshold == 0 {
			threshold = wallet.Threshold
		}
		if err := kms.ValidateThreshold(len(accepted), threshold); err != nil {
			if len(accepted) < threshold {
				return fmt.Errorf("%w: %d accepted guardians, threshold %d", interfaces.ErrInsufficientGuardians, len(accepted), threshold)
			}
			return err
		}

		shards, err = r.reshard(ctx, tx, wallet, accepted, threshold)
		if err != nil {
			return err
		}

		wallet.Threshold = threshold
		return tx.UpdateWallet(ctx, wallet)
	})
	if err != nil {
		return nil, err
	}

	r.mirror(ctx, userID, shards)
	return wallet, nil
}

// ShardStatus reports the integrity of one guardian's shard.
type ShardStatus struct {
	GuardianID string
	ShardIndex int
	HasShard   bool
	Intact     bool
	KeyVersion int
}

// VerifyShards checks the integrity hash of every accepted guardian's shard.
func (r *Registry) VerifyShards(ctx context.Context, userID string) ([]ShardStatus, error) {
	var statuses []ShardStatus
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		guardians, err := tx.ListGuardians(ctx, userID)
		if err != nil {
			return err
		}
		for _, g := range Accepted(guardians) {
			status := ShardStatus{GuardianID: g.ID, ShardIndex: g.ShardIndex, HasShard: g.HasShard()}
			if status.HasShard {
				status.Intact = kms.Verify(*g.Shard) == nil
				status.KeyVersion = g.Shard.KeyVersion
			}
			if status.HasShard && !status.Intact {
				r.log.Warn("Guardian shard failed integrity check", "userID", userID, "guardianID", g.ID, "shardIndex", g.ShardIndex)
			}
			statuses = append(statuses, status)
		}
		return nil
	})
	return statuses, err
}

// tokenErr maps an unknown bearer token to ErrUnauthorized.
func tokenErr(err error) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.ErrUnauthorized
	}
	return err
}
