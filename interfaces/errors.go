package interfaces

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")

	// ErrExpired covers invites, recovery requests and session keys past their expiry.
	ErrExpired = errors.New("expired")

	ErrDuplicateGuardian     = errors.New("guardian already invited for this email")
	ErrAlreadyDecided        = errors.New("invitation already accepted or declined")
	ErrInsufficientGuardians = errors.New("insufficient accepted guardians")
	ErrQuorumAtRisk          = errors.New("operation would leave fewer shard holders than the threshold")
	ErrShardAssignment       = errors.New("shard assignment failed")

	ErrIntegrity          = errors.New("shard integrity check failed")
	ErrInsufficientShards = errors.New("insufficient verified shards")

	ErrAlreadyVoted           = errors.New("guardian already voted on this request")
	ErrRecoveryNotPending     = errors.New("recovery request is not pending")
	ErrRecoveryAlreadyPending = errors.New("a recovery request is already active for this user")
	ErrRecoveryNotApproved    = errors.New("recovery request is not approved")
	ErrRecoveryDisputed       = errors.New("recovery request was disputed")
	ErrAlreadyCompleted       = errors.New("recovery request already completed")
	ErrCompletionInProgress   = errors.New("recovery completion already in progress")
	ErrTimelockNotExpired     = errors.New("time-lock has not expired")

	ErrSessionRevoked        = errors.New("session key revoked")
	ErrSpendingLimitExceeded = errors.New("spending limit exceeded")
	ErrWalletNotSeedless     = errors.New("user has no seedless wallet")
)

// IntegrityError reports a shard whose ciphertext does not match its integrity hash.
type IntegrityError struct {
	ShardIndex int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("shard %d: integrity hash mismatch", e.ShardIndex)
}

func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// InsufficientShardsError is returned when fewer than the threshold of shards
// survive verification. Rejected holds the integrity failures that were excluded.
type InsufficientShardsError struct {
	Need     int
	Verified int
	Rejected []*IntegrityError
}

func (e *InsufficientShardsError) Error() string {
	if len(e.Rejected) == 0 {
		return fmt.Sprintf("need %d verified shards, have %d", e.Need, e.Verified)
	}
	indexes := make([]int, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		indexes = append(indexes, r.ShardIndex)
	}
	return fmt.Sprintf("need %d verified shards, have %d (rejected shard indexes %v)", e.Need, e.Verified, indexes)
}

func (e *InsufficientShardsError) Is(target error) bool {
	return target == ErrInsufficientShards
}

// Unwrap exposes the rejected shards so errors.As can find an IntegrityError.
func (e *InsufficientShardsError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		errs = append(errs, r)
	}
	return errs
}

// TimelockError reports how long remains before a recovery request may execute.
type TimelockError struct {
	CanExecuteAt time.Time
	Remaining    time.Duration
}

func (e *TimelockError) Error() string {
	return fmt.Sprintf("time-lock has not expired: %.1f hours remaining", e.RemainingHours())
}

// RemainingHours is the remaining time-lock rounded up to a tenth of an hour.
func (e *TimelockError) RemainingHours() float64 {
	tenths := (e.Remaining + 6*time.Minute - 1) / (6 * time.Minute)
	return float64(tenths) / 10
}

func (e *TimelockError) Is(target error) bool {
	return target == ErrTimelockNotExpired
}

// SpendingLimitError reports a signature that would push a session past its limit.
type SpendingLimitError struct {
	Limit     *big.Int
	Spent     *big.Int
	Requested *big.Int
}

func (e *SpendingLimitError) Error() string {
	return fmt.Sprintf("spending limit exceeded: limit %s, spent %s, requested %s", e.Limit, e.Spent, e.Requested)
}

func (e *SpendingLimitError) Is(target error) bool {
	return target == ErrSpendingLimitExceeded
}
