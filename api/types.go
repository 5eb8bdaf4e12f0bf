package api

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/recovery"
)

// UserIDHeader carries the owner identity asserted by the upstream authentication layer.
const UserIDHeader = "X-User-ID"

type RegisterUserRequest struct {
	Email string `json:"email"`
}

type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type InviteGuardianRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

type GuardianResponse struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"display_name,omitempty"`
	Status          string     `json:"status"`
	ShardIndex      int        `json:"shard_index"`
	HasShard        bool       `json:"has_shard"`
	InviteExpiresAt *time.Time `json:"invite_expires_at,omitempty"`
	DeclineReason   string     `json:"decline_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
}

func NewGuardianResponse(g *interfaces.Guardian) GuardianResponse {
	resp := GuardianResponse{
		ID:            g.ID,
		Email:         g.Email,
		DisplayName:   g.DisplayName,
		Status:        string(g.Status),
		ShardIndex:    g.ShardIndex,
		HasShard:      g.HasShard(),
		DeclineReason: g.DeclineReason,
		CreatedAt:     g.CreatedAt.UTC(),
		RespondedAt:   optionalTime(g.RespondedAt),
	}
	if g.Status == interfaces.GuardianPending {
		resp.InviteExpiresAt = optionalTime(g.InviteExpiresAt)
	}
	return resp
}

// AcceptResponse returns the permanent portal token exactly once.
type AcceptResponse struct {
	Guardian    GuardianResponse `json:"guardian"`
	PortalToken string           `json:"portal_token"`
}

type DeclineRequest struct {
	Reason string `json:"reason"`
}

type MessageRequest struct {
	Message string `json:"message"`
}

type PortalInfoResponse struct {
	Guardian      GuardianResponse         `json:"guardian"`
	OwnerEmail    string                   `json:"owner_email"`
	ActiveRequest *RecoveryRequestResponse `json:"active_request,omitempty"`
	Vote          *ApprovalResponse        `json:"vote,omitempty"`
}

func NewPortalInfoResponse(info *guardian.PortalInfo) PortalInfoResponse {
	resp := PortalInfoResponse{
		Guardian:   NewGuardianResponse(info.Guardian),
		OwnerEmail: info.OwnerEmail,
	}
	if info.ActiveRequest != nil {
		req := NewRecoveryRequestResponse(info.ActiveRequest)
		resp.ActiveRequest = &req
	}
	if info.Vote != nil {
		vote := NewApprovalResponse(info.Vote)
		resp.Vote = &vote
	}
	return resp
}

type WalletResponse struct {
	Address   string    `json:"address"`
	Threshold int       `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

func NewWalletResponse(w *interfaces.Wallet) WalletResponse {
	return WalletResponse{Address: w.Address.Hex(), Threshold: w.Threshold, CreatedAt: w.CreatedAt.UTC()}
}

type RotateRequest struct {
	// Threshold of zero keeps the current threshold.
	Threshold int `json:"threshold"`
}

type ShardStatusResponse struct {
	GuardianID string `json:"guardian_id"`
	ShardIndex int    `json:"shard_index"`
	HasShard   bool   `json:"has_shard"`
	Intact     bool   `json:"intact"`
	KeyVersion int    `json:"key_version,omitempty"`
}

func NewShardStatusResponse(s guardian.ShardStatus) ShardStatusResponse {
	return ShardStatusResponse(s)
}

type InitiateRecoveryRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type RecoveryRequestResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	RequesterEmail    string     `json:"requester_email"`
	Reason            string     `json:"reason,omitempty"`
	RequiredApprovals int        `json:"required_approvals"`
	ApprovalCount     int        `json:"approval_count"`
	CanExecuteAt      time.Time  `json:"can_execute_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// InitiateRecoveryResponse is the only place the claim token is ever returned.
type InitiateRecoveryResponse struct {
	RecoveryRequestResponse
	ClaimToken string `json:"claim_token"`
}

func NewInitiateRecoveryResponse(i *recovery.Initiated) InitiateRecoveryResponse {
	return InitiateRecoveryResponse{
		RecoveryRequestResponse: NewRecoveryRequestResponse(i.Request),
		ClaimToken:              i.ClaimToken,
	}
}

func NewRecoveryRequestResponse(r *interfaces.RecoveryRequest) RecoveryRequestResponse {
	return RecoveryRequestResponse{
		ID:                r.ID,
		Status:            string(r.Status),
		RequesterEmail:    r.RequesterEmail,
		Reason:            r.Reason,
		RequiredApprovals: r.RequiredApprovals,
		ApprovalCount:     r.ApprovalCount,
		CanExecuteAt:      r.CanExecuteAt.UTC(),
		ExpiresAt:         r.ExpiresAt.UTC(),
		CreatedAt:         r.CreatedAt.UTC(),
		CompletedAt:       optionalTime(r.CompletedAt),
	}
}

type VoteRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes"`
}

type ApprovalResponse struct {
	GuardianID string    `json:"guardian_id"`
	Approved   bool      `json:"approved"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewApprovalResponse(a *interfaces.GuardianApproval) ApprovalResponse {
	return ApprovalResponse{GuardianID: a.GuardianID, Approved: a.Approved, Notes: a.Notes, CreatedAt: a.CreatedAt.UTC()}
}

type DisputeRequest struct {
	Token string `json:"token"`
}

type CompleteRecoveryRequest struct {
	ClaimToken string `json:"claim_token"`
}

type CompleteRecoveryResponse struct {
	Request       RecoveryRequestResponse `json:"request"`
	WalletAddress string                  `json:"wallet_address"`
	AccessToken   string                  `json:"access_token"`
}

func NewCompleteRecoveryResponse(c *recovery.Completion) CompleteRecoveryResponse {
	return CompleteRecoveryResponse{
		Request:       NewRecoveryRequestResponse(c.Request),
		WalletAddress: c.Wallet.Address.Hex(),
		AccessToken:   c.AccessToken,
	}
}

type CreateSessionRequest struct {
	// DurationHours of zero selects the default duration.
	DurationHours int `json:"duration_hours"`
	// SpendingLimit in wei as a decimal string; empty selects the default.
	SpendingLimit string `json:"spending_limit"`
}

type SessionResponse struct {
	ID            string     `json:"id"`
	Address       string     `json:"address"`
	SpendingLimit string     `json:"spending_limit"`
	SpentAmount   string     `json:"spent_amount"`
	Remaining     string     `json:"remaining"`
	IsActive      bool       `json:"is_active"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

func NewSessionResponse(k *interfaces.SessionKey) SessionResponse {
	return SessionResponse{
		ID:            k.ID,
		Address:       k.Address.Hex(),
		SpendingLimit: k.SpendingLimit.String(),
		SpentAmount:   k.SpentAmount.String(),
		Remaining:     k.Remaining().String(),
		IsActive:      k.IsActive,
		ExpiresAt:     k.ExpiresAt.UTC(),
		CreatedAt:     k.CreatedAt.UTC(),
		RevokedAt:     optionalTime(k.RevokedAt),
	}
}

// CreateSessionResponse returns the bearer token exactly once.
type CreateSessionResponse struct {
	Session SessionResponse `json:"session"`
	Token   string          `json:"token"`
}

type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}

// SignRequest describes a legacy transaction to be signed with a session key.
// Amounts are decimal wei strings.
type SignRequest struct {
	Nonce    uint64 `json:"nonce"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Gas      uint64 `json:"gas"`
	GasPrice string `json:"gas_price"`
	Data     string `json:"data,omitempty"`
}

// Transaction builds the unsigned transaction described by r.
func (r SignRequest) Transaction() (*types.Transaction, error) {
	var to *common.Address
	if r.To != "" {
		if !common.IsHexAddress(r.To) {
			return nil, fmt.Errorf("%w: invalid recipient address", interfaces.ErrInvalidInput)
		}
		addr := common.HexToAddress(r.To)
		to = &addr
	}
	value, err := ParseWei(r.Value, "value")
	if err != nil {
		return nil, err
	}
	gasPrice, err := ParseWei(r.GasPrice, "gas_price")
	if err != nil {
		return nil, err
	}
	var data []byte
	if r.Data != "" {
		if data, err = hexutil.Decode(r.Data); err != nil {
			return nil, fmt.Errorf("%w: invalid data: %v", interfaces.ErrInvalidInput, err)
		}
	}

	return types.NewTx(&types.LegacyTx{
		Nonce:    r.Nonce,
		To:       to,
		Value:    value,
		Gas:      r.Gas,
		GasPrice: gasPrice,
		Data:     data,
	}), nil
}

type SignResponse struct {
	RawTransaction string `json:"raw_transaction"`
	Hash           string `json:"hash"`
}

func NewSignResponse(tx *types.Transaction) (SignResponse, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return SignResponse{}, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return SignResponse{RawTransaction: hexutil.Encode(raw), Hash: tx.Hash().Hex()}, nil
}

// ParseWei parses a non-negative decimal wei amount. An empty string is zero.
func ParseWei(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s must be a non-negative decimal wei amount", interfaces.ErrInvalidInput, field)
	}
	return v, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
