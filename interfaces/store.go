package interfaces

import "context"

// Store is the persistence contract for the recovery subsystem. Every
// state-mutating operation runs inside InTx; a non-nil error from fn
// rolls back every write made through the Tx.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes transactional access to the entities of the subsystem.
//
// Implementations must enforce uniqueness of (user, guardian email) by
// returning ErrDuplicateGuardian, uniqueness of (request, guardian) approvals
// by returning ErrAlreadyVoted, and must serialise concurrent transactions that
// read the same recovery request, session key, or locked user. Lookups that
// miss return ErrNotFound.
type Tx interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	// LockUser serialises transactions operating on the same user aggregate.
	LockUser(ctx context.Context, id string) error

	CreateWallet(ctx context.Context, wallet *Wallet) error
	GetWallet(ctx context.Context, userID string, kind WalletKind) (*Wallet, error)
	UpdateWallet(ctx context.Context, wallet *Wallet) error

	CreateGuardian(ctx context.Context, guardian *Guardian) error
	GetGuardian(ctx context.Context, id string) (*Guardian, error)
	GetGuardianByInviteToken(ctx context.Context, token string) (*Guardian, error)
	GetGuardianByPortalToken(ctx context.Context, token string) (*Guardian, error)
	// ListGuardians returns the user's guardians ordered by shard index.
	ListGuardians(ctx context.Context, userID string) ([]*Guardian, error)
	UpdateGuardian(ctx context.Context, guardian *Guardian) error
	DeleteGuardian(ctx context.Context, id string) error

	CreateRecoveryRequest(ctx context.Context, req *RecoveryRequest) error
	// GetRecoveryRequest locks the request for the rest of the transaction.
	GetRecoveryRequest(ctx context.Context, id string) (*RecoveryRequest, error)
	// ListRecoveryRequests returns the user's requests, newest first.
	ListRecoveryRequests(ctx context.Context, userID string) ([]*RecoveryRequest, error)
	UpdateRecoveryRequest(ctx context.Context, req *RecoveryRequest) error

	CreateApproval(ctx context.Context, approval *GuardianApproval) error
	ListApprovals(ctx context.Context, requestID string) ([]*GuardianApproval, error)

	CreateSessionKey(ctx context.Context, key *SessionKey) error
	// GetSessionKey locks the session key for the rest of the transaction.
	GetSessionKey(ctx context.Context, id string) (*SessionKey, error)
	// GetSessionKeyByTokenHash locks the session key for the rest of the transaction.
	GetSessionKeyByTokenHash(ctx context.Context, tokenHash []byte) (*SessionKey, error)
	ListSessionKeys(ctx context.Context, userID string) ([]*SessionKey, error)
	UpdateSessionKey(ctx context.Context, key *SessionKey) error
}
