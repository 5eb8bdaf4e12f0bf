package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/kms"
	"github.com/ruteri/seedless-recovery-backend/notify"
)

// Completion is the outcome of a successful Complete.
type Completion struct {
	Request *interfaces.RecoveryRequest
	Wallet  *interfaces.Wallet
	// AccessToken is the fresh credential issued to the user. Only its hash is stored.
	AccessToken string
}

// Complete executes an approved request once its time-lock has passed.
// claimToken is the token returned by Initiate; a mismatch fails with
// ErrUnauthorized before anything else about the request is disclosed. The
// wallet key is reconstructed from the shards of approving guardians, checked
// against the wallet address and wiped, and the user is issued a new access
// credential.
//
// A request completes at most once. A concurrent call on the same request
// fails with ErrCompletionInProgress, a later one with ErrAlreadyCompleted.
func (s *Service) Complete(ctx context.Context, requestID, claimToken string) (*Completion, error) {
	if !s.acquire(requestID) {
		return nil, interfaces.ErrCompletionInProgress
	}
	defer s.release(requestID)

	accessToken, err := kms.NewToken()
	if err != nil {
		return nil, err
	}

	var (
		req      *interfaces.RecoveryRequest
		wallet   *interfaces.Wallet
		owner    *interfaces.User
		expired  bool
		restored map[string]interfaces.KeyShard
	)
	err = s.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		req, err = tx.GetRecoveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !kms.TokenMatches(claimToken, req.ClaimTokenHash) {
			return interfaces.ErrUnauthorized
		}

		switch req.Status {
		case interfaces.RecoveryApproved:
		case interfaces.RecoveryCompleted:
			return interfaces.ErrAlreadyCompleted
		case interfaces.RecoveryDisputed:
			return interfaces.ErrRecoveryDisputed
		case interfaces.RecoveryExpired:
			return interfaces.ErrExpired
		case interfaces.RecoveryPending, interfaces.RecoveryRejected:
			return interfaces.ErrRecoveryNotApproved
		default:
			return fmt.Errorf("unknown recovery status %q", req.Status)
		}

		now := s.clock.Now()
		expired, err = expireIfDue(ctx, tx, req, now)
		if err != nil || expired {
			return err
		}
		if now.Before(req.CanExecuteAt) {
			return &interfaces.TimelockError{CanExecuteAt: req.CanExecuteAt, Remaining: req.CanExecuteAt.Sub(now)}
		}

		wallet, err = tx.GetWallet(ctx, req.UserID, interfaces.WalletSeedless)
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrWalletNotSeedless
		}
		if err != nil {
			return err
		}

		var shards []interfaces.KeyShard
		shards, restored, err = s.approvedShards(ctx, tx, req)
		if err != nil {
			return err
		}
		secret, err := s.keys.Combine(req.UserID, shards, wallet.Threshold)
		if err != nil {
			return err
		}
		err = kms.CheckAddress(wallet.Address)(secret)
		kms.Wipe(secret)
		if err != nil {
			return err
		}

		owner, err = tx.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		owner.AccessTokenHash = kms.HashToken(accessToken)
		owner.UpdatedAt = now
		if err := tx.UpdateUser(ctx, owner); err != nil {
			return err
		}

		if err := transition(req, interfaces.RecoveryCompleted, now); err != nil {
			return err
		}
		req.CompletedAt = now
		return tx.UpdateRecoveryRequest(ctx, req)
	})
	// Restored shards are kept even when the completion itself rolled back.
	s.persistRestored(ctx, requestID, restored)
	if err != nil {
		if !errors.Is(err, interfaces.ErrTimelockNotExpired) && !errors.Is(err, interfaces.ErrAlreadyCompleted) &&
			!errors.Is(err, interfaces.ErrUnauthorized) {
			s.log.Error("Recovery completion failed", "requestID", requestID, "err", err)
		}
		return nil, err
	}
	if expired {
		s.log.Info("Recovery request expired", "userID", req.UserID, "requestID", req.ID)
		return nil, interfaces.ErrExpired
	}

	s.log.Info("Recovery completed", "userID", req.UserID, "requestID", req.ID, "address", wallet.Address.Hex())

	notify.Send(ctx, s.log, s.notifier, interfaces.Notification{
		Kind:      interfaces.EventRecoveryCompleted,
		UserID:    req.UserID,
		Recipient: owner.Email,
		Payload: map[string]string{
			"requestID":   req.ID,
			"completedAt": req.CompletedAt.UTC().Format(time.RFC3339),
		},
	})

	return &Completion{Request: req, Wallet: wallet, AccessToken: accessToken}, nil
}

func (s *Service) acquire(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[requestID]; busy {
		return false
	}
	s.inFlight[requestID] = struct{}{}
	return true
}

func (s *Service) release(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, requestID)
}

// approvedShards collects the shards of guardians that approved req. A shard
// failing its integrity check is replaced by an intact archive copy when one
// exists; otherwise it is passed on and rejected by Combine. Replacements are
// returned keyed by guardian ID for persistRestored to write back.
func (s *Service) approvedShards(ctx context.Context, tx interfaces.Tx, req *interfaces.RecoveryRequest) ([]interfaces.KeyShard, map[string]interfaces.KeyShard, error) {
	approvals, err := tx.ListApprovals(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}

	var (
		shards   []interfaces.KeyShard
		restored = map[string]interfaces.KeyShard{}
	)
	for _, a := range approvals {
		if !a.Approved {
			continue
		}
		g, err := tx.GetGuardian(ctx, a.GuardianID)
		if errors.Is(err, interfaces.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !g.HasShard() {
			s.log.Warn("Approving guardian holds no shard", "requestID", req.ID, "guardianID", g.ID)
			continue
		}

		shard := *g.Shard
		if kms.Verify(shard) != nil {
			if fixed, ok := s.restoreShard(ctx, shard); ok {
				restored[g.ID] = fixed
				shard = fixed
			}
		}
		shards = append(shards, shard)
	}
	return shards, restored, nil
}

// persistRestored writes archive restores back in their own transaction. A
// guardian whose shard changed since it was read is left alone.
func (s *Service) persistRestored(ctx context.Context, requestID string, restored map[string]interfaces.KeyShard) {
	for guardianID, shard := range restored {
		written := false
		err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
			g, err := tx.GetGuardian(ctx, guardianID)
			if err != nil {
				return err
			}
			if !g.HasShard() || g.Shard.Index != shard.Index || g.Shard.KeyVersion != shard.KeyVersion || kms.Verify(*g.Shard) == nil {
				return nil
			}
			fixed := shard.Clone()
			g.Shard = &fixed
			written = true
			return tx.UpdateGuardian(ctx, g)
		})
		if err != nil {
			s.log.Error("Failed to persist restored shard", "requestID", requestID, "guardianID", guardianID, "err", err)
			continue
		}
		if !written {
			continue
		}
		s.log.Warn("Guardian shard restored from archive", "requestID", requestID, "guardianID", guardianID, "shardIndex", shard.Index)
	}
}

func (s *Service) restoreShard(ctx context.Context, shard interfaces.KeyShard) (interfaces.KeyShard, bool) {
	if s.archive == nil {
		return shard, false
	}
	id, err := interfaces.ShardContentID(shard)
	if err != nil {
		return shard, false
	}
	data, err := s.archive.Fetch(ctx, id)
	if err != nil {
		s.log.Warn("Failed to restore shard from archive", "shardIndex", shard.Index, "err", err)
		return shard, false
	}

	restored := shard
	restored.Ciphertext = data
	if kms.Verify(restored) != nil {
		return shard, false
	}
	return restored, true
}
