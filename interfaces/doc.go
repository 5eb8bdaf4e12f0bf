// Package interfaces defines the domain types, errors and contracts shared by
// the recovery backend, separating them from their implementations.
//
// # Domain Types
//
// User, Wallet, Guardian, KeyShard, RecoveryRequest, GuardianApproval and
// SessionKey are the persisted entities. RecoveryStatus encodes the recovery
// state machine; CanTransition is the single source of its legal moves.
//
// # Contracts
//
// Store runs a function inside a transaction exposing Tx, the entity
// repository. Implementations live in store/memstore and store/pgstore.
//
// Notifier delivers guardian and owner events (invitations, votes, disputes).
// Delivery is best effort; callers log failures and continue.
//
// ShardArchive is content-addressed storage for sealed guardian shards, keyed
// by the SHA-256 of the ciphertext. Implementations live in package storage.
//
// # Errors
//
// Domain failures are sentinel errors matched with errors.Is. Errors carrying
// details (TimelockError, SpendingLimitError, IntegrityError,
// InsufficientShardsError) match their sentinel too, and the HTTP layer maps
// each sentinel to a status code.
package interfaces
