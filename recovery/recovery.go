// Package recovery implements the time-locked, M-of-N guardian vote that
// authorises reconstruction of a user's seedless wallet key.
//
// A request moves through the states
//
//	pending -> approved | rejected | disputed | expired
//	approved -> completed | disputed | expired
//
// and every transition is made inside a single store transaction holding the
// request row lock, so concurrent votes are serialised and counted exactly once.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/kms"
	"github.com/ruteri/seedless-recovery-backend/notify"
)

const (
	maxReasonLength = 1000
	maxNotesLength  = 2000
)

// Config holds recovery policy values.
type Config struct {
	// Timelock is the delay between initiation and the earliest completion.
	Timelock time.Duration
	// Expiry is how long a request may stay open before it lapses.
	Expiry time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timelock: 72 * time.Hour,
		Expiry:   30 * 24 * time.Hour,
	}
}

// Service runs the recovery request state machine.
type Service struct {
	cfg      Config
	store    interfaces.Store
	keys     *kms.Manager
	notifier interfaces.Notifier
	archive  interfaces.ShardArchive
	clock    clock.Clock
	log      *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService creates a recovery service. archive may be nil, in which case
// corrupted shards cannot be restored during completion.
func NewService(cfg Config, store interfaces.Store, keys *kms.Manager, notifier interfaces.Notifier, archive interfaces.ShardArchive, clk clock.Clock, log *slog.Logger) (*Service, error) {
	if cfg.Timelock < 0 {
		return nil, fmt.Errorf("%w: time-lock must not be negative", interfaces.ErrInvalidInput)
	}
	if cfg.Expiry <= cfg.Timelock {
		return nil, fmt.Errorf("%w: request expiry must exceed the time-lock", interfaces.ErrInvalidInput)
	}

	return &Service{
		cfg:      cfg,
		store:    store,
		keys:     keys,
		notifier: notifier,
		archive:  archive,
		clock:    clk,
		log:      log,
		inFlight: make(map[string]struct{}),
	}, nil
}

// transition moves req to the given status if the state machine allows it.
func transition(req *interfaces.RecoveryRequest, to interfaces.RecoveryStatus, now time.Time) error {
	if !req.Status.CanTransition(to) {
		return fmt.Errorf("invalid recovery transition %s -> %s", req.Status, to)
	}
	req.Status = to
	req.UpdatedAt = now
	return nil
}

// expireIfDue marks an active request expired once its window has passed.
// It reports whether the request was expired by this call.
func expireIfDue(ctx context.Context, tx interfaces.Tx, req *interfaces.RecoveryRequest, now time.Time) (bool, error) {
	if !req.IsActive() || now.Before(req.ExpiresAt) {
		return false, nil
	}
	if err := transition(req, interfaces.RecoveryExpired, now); err != nil {
		return false, err
	}
	return true, tx.UpdateRecoveryRequest(ctx, req)
}

// Initiated is the outcome of a successful Initiate.
type Initiated struct {
	Request *interfaces.RecoveryRequest
	// ClaimToken must be presented to Complete. Only its hash is stored.
	ClaimToken string
}

// Initiate opens a recovery request for the user registered under email. The
// owner receives a dispute token and every accepted guardian is asked to vote.
//
// An unknown email, a user without a seedless wallet and a user with too few
// accepted guardians all fail with the same ErrInsufficientGuardians, so the
// public endpoint does not reveal which emails are registered.
func (s *Service) Initiate(ctx context.Context, email, reason string) (*Initiated, error) {
	email, err := guardian.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLength {
		return nil, fmt.Errorf("%w: reason exceeds %d bytes", interfaces.ErrInvalidInput, maxReasonLength)
	}

	disputeToken, err := kms.NewToken()
	if err != nil {
		return nil, err
	}
	claimToken, err := kms.NewToken()
	if err != nil {
		return nil, err
	}

	var (
		req       *interfaces.RecoveryRequest
		owner     *interfaces.User
		guardians []*interfaces.Guardian
	)
	err = s.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		owner, err = tx.GetUserByEmail(ctx, email)
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrInsufficientGuardians
		}
		if err != nil {
			return err
		}
		if err := tx.LockUser(ctx, owner.ID); err != nil {
			return err
		}

		wallet, err := tx.GetWallet(ctx, owner.ID, interfaces.WalletSeedless)
		if errors.Is(err, interfaces.ErrNotFound) {
			return interfaces.ErrInsufficientGuardians
		}
		if err != nil {
			return err
		}

		all, err := tx.ListGuardians(ctx, owner.ID)
		if err != nil {
			return err
		}
		guardians = guardian.Accepted(all)
		if len(guardians) < wallet.Threshold {
			return interfaces.ErrInsufficientGuardians
		}

		now := s.clock.Now()
		existing, err := tx.ListRecoveryRequests(ctx, owner.ID)
		if err != nil {
			return err
		}
		for _, r := range existing {
			expired, err := expireIfDue(ctx, tx, r, now)
			if err != nil {
				return err
			}
			if !expired && r.IsActive() {
				return interfaces.ErrRecoveryAlreadyPending
			}
		}

		req = &interfaces.RecoveryRequest{
			ID:                uuid.NewString(),
			UserID:            owner.ID,
			RequesterEmail:    email,
			Reason:            reason,
			Status:            interfaces.RecoveryPending,
			RequiredApprovals: wallet.Threshold,
			DisputeTokenHash:  kms.HashToken(disputeToken),
			ClaimTokenHash:    kms.HashToken(claimToken),
			CanExecuteAt:      now.Add(s.cfg.Timelock),
			ExpiresAt:         now.Add(s.cfg.Expiry),
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return tx.CreateRecoveryRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Recovery initiated", "userID", owner.ID, "requestID", req.ID, "requiredApprovals", req.RequiredApprovals, "canExecuteAt", req.CanExecuteAt)

	notify.Send(ctx, s.log, s.notifier, interfaces.Notification{
		Kind:      interfaces.EventRecoveryInitiated,
		UserID:    owner.ID,
		Recipient: owner.Email,
		Payload: map[string]string{
			"requestID":    req.ID,
			"reason":       req.Reason,
			"disputeToken": disputeToken,
			"canExecuteAt": req.CanExecuteAt.UTC().Format(time.RFC3339),
		},
	})
	for _, g := range guardians {
		notify.Send(ctx, s.log, s.notifier, interfaces.Notification{
			Kind:      interfaces.EventRecoveryInitiated,
			UserID:    owner.ID,
			Recipient: g.Email,
			Payload: map[string]string{
				"requestID":  req.ID,
				"ownerEmail": owner.Email,
				"reason":     req.Reason,
				"expiresAt":  req.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	}

	return &Initiated{Request: req, ClaimToken: claimToken}, nil
}

// Vote records a guardian's decision on a pending request. The request becomes
// approved once approvals reach the required count, and rejected as soon as the
// uncast votes can no longer make up the difference.
func (s *Service) Vote(ctx context.Context, requestID, portalToken string, approved bool, notes string) (*interfaces.RecoveryRequest, error) {
	notes = strings.TrimSpace(notes)
	if len(notes) > maxNotesLength {
		return nil, fmt.Errorf("%w: notes exceed %d bytes", interfaces.ErrInvalidInput, maxNotesLength)
	}

	var (
		req     *interfaces.RecoveryRequest
		owner   *interfaces.User
		voter   *interfaces.Guardian
		expired bool
	)
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		voter, err = guardian.Authenticate(ctx, tx, portalToken)
		if err != nil {
			return err
		}
		req, err = tx.GetRecoveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.UserID != voter.UserID {
			return interfaces.ErrUnauthorized
		}

		now := s.clock.Now()
		if !now.Before(req.ExpiresAt) {
			expired, err = expireIfDue(ctx, tx, req, now)
			if err != nil {
				return err
			}
			if !expired {
				return interfaces.ErrExpired
			}
			return nil
		}

		approvals, err := tx.ListApprovals(ctx, req.ID)
		if err != nil {
			return err
		}
		for _, a := range approvals {
			if a.GuardianID == voter.ID {
				return interfaces.ErrAlreadyVoted
			}
		}
		if req.Status != interfaces.RecoveryPending {
			return interfaces.ErrRecoveryNotPending
		}

		if err := tx.CreateApproval(ctx, &interfaces.GuardianApproval{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			GuardianID: voter.ID,
			Approved:   approved,
			Notes:      notes,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if approved {
			req.ApprovalCount++
		}

		all, err := tx.ListGuardians(ctx, req.UserID)
		if err != nil {
			return err
		}
		voted := map[string]bool{voter.ID: true}
		for _, a := range approvals {
			voted[a.GuardianID] = true
		}
		uncast := 0
		for _, g := range guardian.Accepted(all) {
			if !voted[g.ID] {
				uncast++
			}
		}

		switch {
		case req.ApprovalCount >= req.RequiredApprovals:
			err = transition(req, interfaces.RecoveryApproved, now)
		case req.ApprovalCount+uncast < req.RequiredApprovals:
			err = transition(req, interfaces.RecoveryRejected, now)
		default:
			req.UpdatedAt = now
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateRecoveryRequest(ctx, req); err != nil {
			return err
		}

		owner, err = tx.GetUser(ctx, req.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if expired {
		s.log.Info("Recovery request expired", "userID", req.UserID, "requestID", req.ID)
		return nil, interfaces.ErrExpired
	}

	s.log.Info("Guardian voted", "userID", req.UserID, "requestID", req.ID, "guardianID", voter.ID, "approved", approved, "approvalCount", req.ApprovalCount, "status", string(req.Status))

	switch req.Status {
	case interfaces.RecoveryApproved:
		notify.Send(ctx, s.log, s.notifier, interfaces.Notification{
			Kind:      interfaces.EventRecoveryApproved,
			UserID:    req.UserID,
			Recipient: owner.Email,
			Payload: map[string]string{
				"requestID":    req.ID,
				"canExecuteAt": req.CanExecuteAt.UTC().Format(time.RFC3339),
			},
		})
	case interfaces.RecoveryRejected:
		notify.Send(ctx, s.log, s.notifier, interfaces.Notification{
			Kind:      interfaces.EventRecoveryRejected,
			UserID:    req.UserID,
			Recipient: owner.Email,
			Payload:   map[string]string{"requestID": req.ID},
		})
	}

	return req, nil
}

// Dispute cancels a pending or approved request on behalf of the owner, who
// proves ownership with the dispute token delivered at initiation. A disputed
// request can never be completed.
func (s *Service) Dispute(ctx context.Context, requestID, disputeToken string) (*interfaces.RecoveryRequest, error) {
	var (
		req    *interfaces.RecoveryRequest
		voters []*interfaces.Guardian
	)
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		req, err = tx.GetRecoveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if !kms.TokenMatches(disputeToken, req.DisputeTokenHash) {
			return interfaces.ErrUnauthorized
		}

		switch req.Status {
		case interfaces.RecoveryPending, interfaces.RecoveryApproved:
		case interfaces.RecoveryCompleted:
			return interfaces.ErrAlreadyCompleted
		case interfaces.RecoveryDisputed:
			return interfaces.ErrRecoveryDisputed
		case interfaces.RecoveryRejected, interfaces.RecoveryExpired:
			return interfaces.ErrRecoveryNotPending
		default:
			return fmt.Errorf("unknown recovery status %q", req.Status)
		}

		if err := transition(req, interfaces.RecoveryDisputed, s.clock.Now()); err != nil {
			return err
		}
		if err := tx.UpdateRecoveryRequest(ctx, req); err != nil {
			return err
		}

		voters, err = votingGuardians(ctx, tx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Warn("Recovery disputed by owner", "userID", req.UserID, "requestID", req.ID)

	for _, g := range voters {
		notify.Send(ctx, s.log, s.notifier, interfaces.Notification{
			Kind:      interfaces.EventRecoveryDisputed,
			UserID:    req.UserID,
			Recipient: g.Email,
			Payload:   map[string]string{"requestID": req.ID},
		})
	}

	return req, nil
}

func votingGuardians(ctx context.Context, tx interfaces.Tx, requestID string) ([]*interfaces.Guardian, error) {
	approvals, err := tx.ListApprovals(ctx, requestID)
	if err != nil {
		return nil, err
	}
	var out []*interfaces.Guardian
	for _, a := range approvals {
		g, err := tx.GetGuardian(ctx, a.GuardianID)
		if errors.Is(err, interfaces.ErrNotFound) {
			// Removed after voting.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Get returns a request, expiring it first if its window has passed.
func (s *Service) Get(ctx context.Context, requestID string) (*interfaces.RecoveryRequest, error) {
	var req *interfaces.RecoveryRequest
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		req, err = tx.GetRecoveryRequest(ctx, requestID)
		if err != nil {
			return err
		}
		_, err = expireIfDue(ctx, tx, req, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// List returns the user's requests, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]*interfaces.RecoveryRequest, error) {
	var requests []*interfaces.RecoveryRequest
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		requests, err = tx.ListRecoveryRequests(ctx, userID)
		return err
	})
	return requests, err
}

// Approvals returns the votes cast on a request.
func (s *Service) Approvals(ctx context.Context, requestID string) ([]*interfaces.GuardianApproval, error) {
	var approvals []*interfaces.GuardianApproval
	err := s.store.InTx(ctx, func(tx interfaces.Tx) error {
		if _, err := tx.GetRecoveryRequest(ctx, requestID); err != nil {
			return err
		}
		var err error
		approvals, err = tx.ListApprovals(ctx, requestID)
		return err
	})
	return approvals, err
}
