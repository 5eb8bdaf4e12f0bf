package interfaces

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// WalletKind distinguishes wallets whose master key exists only as guardian shards.
type WalletKind string

const (
	WalletStandard WalletKind = "standard"
	WalletSeedless WalletKind = "seedless"
)

// User is the ownership root for wallets, guardians, recovery requests and session keys.
type User struct {
	ID    string
	Email string
	// AccessTokenHash is the SHA-256 of the most recently issued access credential.
	AccessTokenHash []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Wallet is one signing address per (user, kind). For seedless wallets the master
// key is never persisted; Threshold records the shard threshold it was split with.
type Wallet struct {
	ID        string
	UserID    string
	Kind      WalletKind
	Address   common.Address
	Threshold int
	CreatedAt time.Time
}

// GuardianStatus is the lifecycle state of a guardian invitation.
type GuardianStatus string

const (
	GuardianPending  GuardianStatus = "pending"
	GuardianAccepted GuardianStatus = "accepted"
	GuardianDeclined GuardianStatus = "declined"
)

// Guardian is a party entrusted with one shard of a user's seedless master key.
// UserID is a lookup key back to the owning User.
type Guardian struct {
	ID          string
	UserID      string
	Email       string
	DisplayName string
	Status      GuardianStatus

	// ShardIndex is unique per user and fixed at invitation.
	ShardIndex int

	InviteToken     string
	InviteExpiresAt time.Time
	PortalToken     string

	// Shard is nil until the guardian has been assigned a shard.
	Shard *KeyShard

	DeclineReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RespondedAt   time.Time
}

// HasShard reports whether the guardian holds a shard record.
func (g *Guardian) HasShard() bool {
	return g.Shard != nil && len(g.Shard.Ciphertext) > 0
}

// IsActive reports whether the guardian blocks a duplicate invitation for the same email.
func (g *Guardian) IsActive() bool {
	return g.Status == GuardianPending || g.Status == GuardianAccepted
}

// KeyShard is one encrypted share of a split secret.
type KeyShard struct {
	Index      int
	Ciphertext []byte
	// IntegrityHash is the hex SHA-256 of Ciphertext.
	IntegrityHash string
	// KeyVersion selects the server secret the shard encryption key was derived from.
	KeyVersion int
}

// Clone returns a deep copy of the shard.
func (s KeyShard) Clone() KeyShard {
	c := s
	c.Ciphertext = append([]byte(nil), s.Ciphertext...)
	return c
}

// RecoveryStatus is the state of a recovery request.
type RecoveryStatus string

const (
	RecoveryPending   RecoveryStatus = "pending"
	RecoveryApproved  RecoveryStatus = "approved"
	RecoveryRejected  RecoveryStatus = "rejected"
	RecoveryDisputed  RecoveryStatus = "disputed"
	RecoveryCompleted RecoveryStatus = "completed"
	RecoveryExpired   RecoveryStatus = "expired"
)

// IsTerminal reports whether no further transition is possible from s.
func (s RecoveryStatus) IsTerminal() bool {
	switch s {
	case RecoveryPending, RecoveryApproved:
		return false
	case RecoveryRejected, RecoveryDisputed, RecoveryCompleted, RecoveryExpired:
		return true
	default:
		return true
	}
}

// CanTransition reports whether the recovery state machine permits s -> to.
func (s RecoveryStatus) CanTransition(to RecoveryStatus) bool {
	switch s {
	case RecoveryPending:
		switch to {
		case RecoveryApproved, RecoveryRejected, RecoveryDisputed, RecoveryExpired:
			return true
		}
		return false
	case RecoveryApproved:
		switch to {
		case RecoveryCompleted, RecoveryDisputed, RecoveryExpired:
			return true
		}
		return false
	case RecoveryRejected, RecoveryDisputed, RecoveryCompleted, RecoveryExpired:
		return false
	default:
		return false
	}
}

// RecoveryRequest is a time-locked M-of-N guardian vote authorising reconstruction
// of a user's master key.
type RecoveryRequest struct {
	ID             string
	UserID         string
	RequesterEmail string
	Reason         string
	Status         RecoveryStatus

	RequiredApprovals int
	ApprovalCount     int

	// DisputeTokenHash is the SHA-256 of the token delivered to the owner.
	DisputeTokenHash []byte
	// ClaimTokenHash is the SHA-256 of the token handed to the requester at
	// initiation. Completion requires it.
	ClaimTokenHash []byte

	CanExecuteAt time.Time
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  time.Time
}

// IsActive reports whether the request still blocks a new initiation.
func (r *RecoveryRequest) IsActive() bool {
	return r.Status == RecoveryPending || r.Status == RecoveryApproved
}

// GuardianApproval is one immutable vote per (request, guardian).
type GuardianApproval struct {
	ID         string
	RequestID  string
	GuardianID string
	Approved   bool
	Notes      string
	CreatedAt  time.Time
}

// SessionKey is an ephemeral, spend-capped signing credential tied to a seedless wallet.
// Amounts are denominated in wei.
type SessionKey struct {
	ID       string
	UserID   string
	WalletID string
	// TokenHash is the SHA-256 of the bearer token handed to the client.
	TokenHash []byte
	Address   common.Address

	// EncryptedKey is the session private key sealed with DataKey.
	EncryptedKey []byte
	// WrappedDataKey is the per-session data key sealed with a server-derived key.
	WrappedDataKey []byte
	KeyVersion     int

	SpendingLimit *big.Int
	SpentAmount   *big.Int
	IsActive      bool

	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt time.Time
}

// Remaining returns the spendable amount left on the session.
func (k *SessionKey) Remaining() *big.Int {
	return new(big.Int).Sub(k.SpendingLimit, k.SpentAmount)
}

// Clone returns a deep copy of the session key.
func (k *SessionKey) Clone() *SessionKey {
	c := *k
	c.TokenHash = append([]byte(nil), k.TokenHash...)
	c.EncryptedKey = append([]byte(nil), k.EncryptedKey...)
	c.WrappedDataKey = append([]byte(nil), k.WrappedDataKey...)
	c.SpendingLimit = new(big.Int).Set(k.SpendingLimit)
	c.SpentAmount = new(big.Int).Set(k.SpentAmount)
	return &c
}

// Clone returns a deep copy of the guardian.
func (g *Guardian) Clone() *Guardian {
	c := *g
	if g.Shard != nil {
		s := g.Shard.Clone()
		c.Shard = &s
	}
	return &c
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	c := *u
	c.AccessTokenHash = append([]byte(nil), u.AccessTokenHash...)
	return &c
}

// Clone returns a deep copy of the request.
func (r *RecoveryRequest) Clone() *RecoveryRequest {
	c := *r
	c.DisputeTokenHash = append([]byte(nil), r.DisputeTokenHash...)
	c.ClaimTokenHash = append([]byte(nil), r.ClaimTokenHash...)
	return &c
}
