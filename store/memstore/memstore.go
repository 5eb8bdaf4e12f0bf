// Package memstore implements interfaces.Store in process memory.
//
// Transactions are serialised by a single mutex. Each transaction works on a
// staged deep copy of the data which replaces the committed copy only when the
// transaction function returns nil, so a failed transaction leaves no trace.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

type data struct {
	users       map[string]*interfaces.User
	wallets     map[string]*interfaces.Wallet
	guardians   map[string]*interfaces.Guardian
	requests    map[string]*interfaces.RecoveryRequest
	approvals   map[string]*interfaces.GuardianApproval
	sessionKeys map[string]*interfaces.SessionKey
}

func newData() *data {
	return &data{
		users:       make(map[string]*interfaces.User),
		wallets:     make(map[string]*interfaces.Wallet),
		guardians:   make(map[string]*interfaces.Guardian),
		requests:    make(map[string]*interfaces.RecoveryRequest),
		approvals:   make(map[string]*interfaces.GuardianApproval),
		sessionKeys: make(map[string]*interfaces.SessionKey),
	}
}

func (d *data) clone() *data {
	c := newData()
	for id, u := range d.users {
		c.users[id] = u.Clone()
	}
	for id, w := range d.wallets {
		wc := *w
		c.wallets[id] = &wc
	}
	for id, g := range d.guardians {
		c.guardians[id] = g.Clone()
	}
	for id, r := range d.requests {
		c.requests[id] = r.Clone()
	}
	for id, a := range d.approvals {
		ac := *a
		c.approvals[id] = &ac
	}
	for id, k := range d.sessionKeys {
		c.sessionKeys[id] = k.Clone()
	}
	return c
}

// Store is an in-memory interfaces.Store.
type Store struct {
	mu   sync.Mutex
	data *data
}

func New() *Store {
	return &Store{data: newData()}
}

func (s *Store) InTx(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	staged := &tx{data: s.data.clone()}
	if err := fn(staged); err != nil {
		return err
	}

	s.data = staged.data
	return nil
}

type tx struct {
	data *data
}

func (t *tx) CreateUser(_ context.Context, user *interfaces.User) error {
	if _, ok := t.data.users[user.ID]; ok {
		return interfaces.ErrConflict
	}
	for _, u := range t.data.users {
		if u.Email == user.Email {
			return interfaces.ErrConflict
		}
	}
	t.data.users[user.ID] = user.Clone()
	return nil
}

func (t *tx) GetUser(_ context.Context, id string) (*interfaces.User, error) {
	u, ok := t.data.users[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return u.Clone(), nil
}

func (t *tx) GetUserByEmail(_ context.Context, email string) (*interfaces.User, error) {
	for _, u := range t.data.users {
		if u.Email == email {
			return u.Clone(), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (t *tx) UpdateUser(_ context.Context, user *interfaces.User) error {
	if _, ok := t.data.users[user.ID]; !ok {
		return interfaces.ErrNotFound
	}
	t.data.users[user.ID] = user.Clone()
	return nil
}

// LockUser only checks existence; transactions are already serialised.
func (t *tx) LockUser(_ context.Context, id string) error {
	if _, ok := t.data.users[id]; !ok {
		return interfaces.ErrNotFound
	}
	return nil
}

func (t *tx) CreateWallet(_ context.Context, wallet *interfaces.Wallet) error {
	for _, w := range t.data.wallets {
		if w.ID == wallet.ID || (w.UserID == wallet.UserID && w.Kind == wallet.Kind) {
			return interfaces.ErrConflict
		}
	}
	wc := *wallet
	t.data.wallets[wallet.ID] = &wc
	return nil
}

func (t *tx) GetWallet(_ context.Context, userID string, kind interfaces.WalletKind) (*interfaces.Wallet, error) {
	for _, w := range t.data.wallets {
		if w.UserID == userID && w.Kind == kind {
			wc := *w
			return &wc, nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (t *tx) UpdateWallet(_ context.Context, wallet *interfaces.Wallet) error {
	if _, ok := t.data.wallets[wallet.ID]; !ok {
		return interfaces.ErrNotFound
	}
	wc := *wallet
	t.data.wallets[wallet.ID] = &wc
	return nil
}

func (t *tx) CreateGuardian(_ context.Context, guardian *interfaces.Guardian) error {
	if _, ok := t.data.guardians[guardian.ID]; ok {
		return interfaces.ErrConflict
	}
	for _, g := range t.data.guardians {
		if g.UserID != guardian.UserID {
			continue
		}
		if g.Email == guardian.Email {
			return interfaces.ErrDuplicateGuardian
		}
		if g.ShardIndex == guardian.ShardIndex {
			return interfaces.ErrConflict
		}
	}
	t.data.guardians[guardian.ID] = guardian.Clone()
	return nil
}

func (t *tx) GetGuardian(_ context.Context, id string) (*interfaces.Guardian, error) {
	g, ok := t.data.guardians[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return g.Clone(), nil
}

func (t *tx) GetGuardianByInviteToken(_ context.Context, token string) (*interfaces.Guardian, error) {
	if token == "" {
		return nil, interfaces.ErrNotFound
	}
	for _, g := range t.data.guardians {
		if g.InviteToken == token {
			return g.Clone(), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (t *tx) GetGuardianByPortalToken(_ context.Context, token string) (*interfaces.Guardian, error) {
	if token == "" {
		return nil, interfaces.ErrNotFound
	}
	for _, g := range t.data.guardians {
		if g.PortalToken == token {
			return g.Clone(), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (t *tx) ListGuardians(_ context.Context, userID string) ([]*interfaces.Guardian, error) {
	var out []*interfaces.Guardian
	for _, g := range t.data.guardians {
		if g.UserID == userID {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShardIndex < out[j].ShardIndex })
	return out, nil
}

func (t *tx) UpdateGuardian(_ context.Context, guardian *interfaces.Guardian) error {
	if _, ok := t.data.guardians[guardian.ID]; !ok {
		return interfaces.ErrNotFound
	}
	t.data.guardians[guardian.ID] = guardian.Clone()
	return nil
}

func (t *tx) DeleteGuardian(_ context.Context, id string) error {
	if _, ok := t.data.guardians[id]; !ok {
		return interfaces.ErrNotFound
	}
	delete(t.data.guardians, id)
	return nil
}

func (t *tx) CreateRecoveryRequest(_ context.Context, req *interfaces.RecoveryRequest) error {
	if _, ok := t.data.requests[req.ID]; ok {
		return interfaces.ErrConflict
	}
	t.data.requests[req.ID] = req.Clone()
	return nil
}

func (t *tx) GetRecoveryRequest(_ context.Context, id string) (*interfaces.RecoveryRequest, error) {
	r, ok := t.data.requests[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return r.Clone(), nil
}

func (t *tx) ListRecoveryRequests(_ context.Context, userID string) ([]*interfaces.RecoveryRequest, error) {
	var out []*interfaces.RecoveryRequest
	for _, r := range t.data.requests {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tx) UpdateRecoveryRequest(_ context.Context, req *interfaces.RecoveryRequest) error {
	if _, ok := t.data.requests[req.ID]; !ok {
		return interfaces.ErrNotFound
	}
	t.data.requests[req.ID] = req.Clone()
	return nil
}

func (t *tx) CreateApproval(_ context.Context, approval *interfaces.GuardianApproval) error {
	for _, a := range t.data.approvals {
		if a.RequestID == approval.RequestID && a.GuardianID == approval.GuardianID {
			return interfaces.ErrAlreadyVoted
		}
	}
	ac := *approval
	t.data.approvals[approval.ID] = &ac
	return nil
}

func (t *tx) ListApprovals(_ context.Context, requestID string) ([]*interfaces.GuardianApproval, error) {
	var out []*interfaces.GuardianApproval
	for _, a := range t.data.approvals {
		if a.RequestID == requestID {
			ac := *a
			out = append(out, &ac)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tx) CreateSessionKey(_ context.Context, key *interfaces.SessionKey) error {
	if _, ok := t.data.sessionKeys[key.ID]; ok {
		return interfaces.ErrConflict
	}
	for _, k := range t.data.sessionKeys {
		if bytes.Equal(k.TokenHash, key.TokenHash) {
			return interfaces.ErrConflict
		}
	}
	t.data.sessionKeys[key.ID] = key.Clone()
	return nil
}

func (t *tx) GetSessionKey(_ context.Context, id string) (*interfaces.SessionKey, error) {
	k, ok := t.data.sessionKeys[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return k.Clone(), nil
}

func (t *tx) GetSessionKeyByTokenHash(_ context.Context, tokenHash []byte) (*interfaces.SessionKey, error) {
	for _, k := range t.data.sessionKeys {
		if bytes.Equal(k.TokenHash, tokenHash) {
			return k.Clone(), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (t *tx) ListSessionKeys(_ context.Context, userID string) ([]*interfaces.SessionKey, error) {
	var out []*interfaces.SessionKey
	for _, k := range t.data.sessionKeys {
		if k.UserID == userID {
			out = append(out, k.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *tx) UpdateSessionKey(_ context.Context, key *interfaces.SessionKey) error {
	if _, ok := t.data.sessionKeys[key.ID]; !ok {
		return interfaces.ErrNotFound
	}
	t.data.sessionKeys[key.ID] = key.Clone()
	return nil
}
