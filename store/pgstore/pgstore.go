// Package pgstore implements interfaces.Store on PostgreSQL using pgx.
//
// Every InTx call runs in one database transaction. Reads of recovery
// requests, session keys and users that precede a read-modify-write take
// row locks with SELECT ... FOR UPDATE, and uniqueness rules are enforced by
// constraints whose violations are mapped to the interfaces sentinels.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

// Store is a PostgreSQL-backed interfaces.Store.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New connects to the database at dsn.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{pool: pool, log: log}, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.log.Info("Database schema applied")
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx interfaces.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(t pgx.Tx) error {
		return fn(&tx{tx: t})
	})
}

type tx struct {
	tx pgx.Tx
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case "guardians_user_email_key":
			return interfaces.ErrDuplicateGuardian
		case "guardian_approvals_request_guardian_key":
			return interfaces.ErrAlreadyVoted
		default:
			return fmt.Errorf("%w: %s", interfaces.ErrConflict, pgErr.ConstraintName)
		}
	}
	return err
}

func expectOne(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromNullString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s)
	}
	return v, nil
}

const userColumns = `id, email, access_token_hash, created_at, updated_at`

func scanUser(row pgx.Row) (*interfaces.User, error) {
	var u interfaces.User
	if err := row.Scan(&u.ID, &u.Email, &u.AccessTokenHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (t *tx) CreateUser(ctx context.Context, user *interfaces.User) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.AccessTokenHash, user.CreatedAt, user.UpdatedAt)
	return mapErr(err)
}

func (t *tx) GetUser(ctx context.Context, id string) (*interfaces.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (t *tx) GetUserByEmail(ctx context.Context, email string) (*interfaces.User, error) {
	return scanUser(t.tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (t *tx) UpdateUser(ctx context.Context, user *interfaces.User) error {
	return expectOne(t.tx.Exec(ctx,
		`UPDATE users SET email = $2, access_token_hash = $3, updated_at = $4 WHERE id = $1`,
		user.ID, user.Email, user.AccessTokenHash, user.UpdatedAt))
}

func (t *tx) LockUser(ctx context.Context, id string) error {
	var locked string
	err := t.tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	return mapErr(err)
}

func (t *tx) CreateWallet(ctx context.Context, wallet *interfaces.Wallet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO wallets (id, user_id, kind, address, threshold, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		wallet.ID, wallet.UserID, string(wallet.Kind), wallet.Address.Bytes(), wallet.Threshold, wallet.CreatedAt)
	return mapErr(err)
}

func (t *tx) GetWallet(ctx context.Context, userID string, kind interfaces.WalletKind) (*interfaces.Wallet, error) {
	var (
		w       interfaces.Wallet
		k       string
		address []byte
	)
	err := t.tx.QueryRow(ctx,
		`SELECT id, user_id, kind, address, threshold, created_at FROM wallets WHERE user_id = $1 AND kind = $2`,
		userID, string(kind)).Scan(&w.ID, &w.UserID, &k, &address, &w.Threshold, &w.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	w.Kind = interfaces.WalletKind(k)
	w.Address = common.BytesToAddress(address)
	return &w, nil
}

func (t *tx) UpdateWallet(ctx context.Context, wallet *interfaces.Wallet) error {
	return expectOne(t.tx.Exec(ctx,
		`UPDATE wallets SET address = $2, threshold = $3 WHERE id = $1`,
		wallet.ID, wallet.Address.Bytes(), wallet.Threshold))
}

const guardianColumns = `id, user_id, email, display_name, status, shard_index, invite_token, invite_expires_at,
	portal_token, shard_ciphertext, shard_integrity_hash, shard_key_version, decline_reason,
	created_at, updated_at, responded_at`

func scanGuardian(row pgx.Row) (*interfaces.Guardian, error) {
	var (
		g               interfaces.Guardian
		status          string
		inviteToken     *string
		inviteExpiresAt *time.Time
		portalToken     *string
		ciphertext      []byte
		integrityHash   *string
		keyVersion      *int
		respondedAt     *time.Time
	)
	err := row.Scan(&g.ID, &g.UserID, &g.Email, &g.DisplayName, &status, &g.ShardIndex, &inviteToken,
		&inviteExpiresAt, &portalToken, &ciphertext, &integrityHash, &keyVersion, &g.DeclineReason,
		&g.CreatedAt, &g.UpdatedAt, &respondedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	g.Status = interfaces.GuardianStatus(status)
	g.InviteToken = fromNullString(inviteToken)
	g.InviteExpiresAt = fromNullTime(inviteExpiresAt)
	g.PortalToken = fromNullString(portalToken)
	g.RespondedAt = fromNullTime(respondedAt)
	if ciphertext != nil {
		g.Shard = &interfaces.KeyShard{
			Index:         g.ShardIndex,
			Ciphertext:    ciphertext,
			IntegrityHash: fromNullString(integrityHash),
		}
		if keyVersion != nil {
			g.Shard.KeyVersion = *keyVersion
		}
	}
	return &g, nil
}

func guardianShardArgs(g *interfaces.Guardian) (ciphertext []byte, integrityHash *string, keyVersion *int) {
	if g.Shard == nil {
		return nil, nil, nil
	}
	v := g.Shard.KeyVersion
	return g.Shard.Ciphertext, nullString(g.Shard.IntegrityHash), &v
}

func (t *tx) CreateGuardian(ctx context.Context, g *interfaces.Guardian) error {
	ciphertext, integrityHash, keyVersion := guardianShardArgs(g)
	_, err := t.tx.Exec(ctx,
		`INSERT INTO guardians (`+guardianColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		g.ID, g.UserID, g.Email, g.DisplayName, string(g.Status), g.ShardIndex, nullString(g.InviteToken),
		nullTime(g.InviteExpiresAt), nullString(g.PortalToken), ciphertext, integrityHash, keyVersion,
		g.DeclineReason, g.CreatedAt, g.UpdatedAt, nullTime(g.RespondedAt))
	return mapErr(err)
}

func (t *tx) GetGuardian(ctx context.Context, id string) (*interfaces.Guardian, error) {
	return scanGuardian(t.tx.QueryRow(ctx, `SELECT `+guardianColumns+` FROM guardians WHERE id = $1`, id))
}

func (t *tx) GetGuardianByInviteToken(ctx context.Context, token string) (*interfaces.Guardian, error) {
	if token == "" {
		return nil, interfaces.ErrNotFound
	}
	return scanGuardian(t.tx.QueryRow(ctx,
		`SELECT `+guardianColumns+` FROM guardians WHERE invite_token = $1 FOR UPDATE`, token))
}

func (t *tx) GetGuardianByPortalToken(ctx context.Context, token string) (*interfaces.Guardian, error) {
	if token == "" {
		return nil, interfaces.ErrNotFound
	}
	return scanGuardian(t.tx.QueryRow(ctx,
		`SELECT `+guardianColumns+` FROM guardians WHERE portal_token = $1`, token))
}

func (t *tx) ListGuardians(ctx context.Context, userID string) ([]*interfaces.Guardian, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+guardianColumns+` FROM guardians WHERE user_id = $1 ORDER BY shard_index`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*interfaces.Guardian
	for rows.Next() {
		g, err := scanGuardian(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, mapErr(rows.Err())
}

func (t *tx) UpdateGuardian(ctx context.Context, g *interfaces.Guardian) error {
	ciphertext, integrityHash, keyVersion := guardianShardArgs(g)
	return expectOne(t.tx.Exec(ctx,
		`UPDATE guardians SET email = $2, display_name = $3, status = $4, shard_index = $5, invite_token = $6,
			invite_expires_at = $7, portal_token = $8, shard_ciphertext = $9, shard_integrity_hash = $10,
			shard_key_version = $11, decline_reason = $12, updated_at = $13, responded_at = $14
		WHERE id = $1`,
		g.ID, g.Email, g.DisplayName, string(g.Status), g.ShardIndex, nullString(g.InviteToken),
		nullTime(g.InviteExpiresAt), nullString(g.PortalToken), ciphertext, integrityHash, keyVersion,
		g.DeclineReason, g.UpdatedAt, nullTime(g.RespondedAt)))
}

func (t *tx) DeleteGuardian(ctx context.Context, id string) error {
	return expectOne(t.tx.Exec(ctx, `DELETE FROM guardians WHERE id = $1`, id))
}

const requestColumns = `id, user_id, requester_email, reason, status, required_approvals, approval_count,
	dispute_token_hash, claim_token_hash, can_execute_at, expires_at, created_at, updated_at, completed_at`

func scanRequest(row pgx.Row) (*interfaces.RecoveryRequest, error) {
	var (
		r           interfaces.RecoveryRequest
		status      string
		completedAt *time.Time
	)
	err := row.Scan(&r.ID, &r.UserID, &r.RequesterEmail, &r.Reason, &status, &r.RequiredApprovals,
		&r.ApprovalCount, &r.DisputeTokenHash, &r.ClaimTokenHash, &r.CanExecuteAt, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
		&completedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	r.Status = interfaces.RecoveryStatus(status)
	r.CompletedAt = fromNullTime(completedAt)
	return &r, nil
}

func (t *tx) CreateRecoveryRequest(ctx context.Context, r *interfaces.RecoveryRequest) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO recovery_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.UserID, r.RequesterEmail, r.Reason, string(r.Status), r.RequiredApprovals, r.ApprovalCount,
		r.DisputeTokenHash, r.ClaimTokenHash, r.CanExecuteAt, r.ExpiresAt, r.CreatedAt, r.UpdatedAt, nullTime(r.CompletedAt))
	return mapErr(err)
}

func (t *tx) GetRecoveryRequest(ctx context.Context, id string) (*interfaces.RecoveryRequest, error) {
	return scanRequest(t.tx.QueryRow(ctx,
		`SELECT `+requestColumns+` FROM recovery_requests WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) ListRecoveryRequests(ctx context.Context, userID string) ([]*interfaces.RecoveryRequest, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+requestColumns+` FROM recovery_requests WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*interfaces.RecoveryRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (t *tx) UpdateRecoveryRequest(ctx context.Context, r *interfaces.RecoveryRequest) error {
	return expectOne(t.tx.Exec(ctx,
		`UPDATE recovery_requests SET status = $2, approval_count = $3, updated_at = $4, completed_at = $5
		WHERE id = $1`,
		r.ID, string(r.Status), r.ApprovalCount, r.UpdatedAt, nullTime(r.CompletedAt)))
}

func (t *tx) CreateApproval(ctx context.Context, a *interfaces.GuardianApproval) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO guardian_approvals (id, request_id, guardian_id, approved, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.RequestID, a.GuardianID, a.Approved, a.Notes, a.CreatedAt)
	return mapErr(err)
}

func (t *tx) ListApprovals(ctx context.Context, requestID string) ([]*interfaces.GuardianApproval, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, request_id, guardian_id, approved, notes, created_at FROM guardian_approvals
		WHERE request_id = $1 ORDER BY created_at, id`, requestID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*interfaces.GuardianApproval
	for rows.Next() {
		var a interfaces.GuardianApproval
		if err := rows.Scan(&a.ID, &a.RequestID, &a.GuardianID, &a.Approved, &a.Notes, &a.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, &a)
	}
	return out, mapErr(rows.Err())
}

const sessionKeyColumns = `id, user_id, wallet_id, token_hash, address, encrypted_key, wrapped_data_key,
	key_version, spending_limit::text, spent_amount::text, is_active, expires_at, created_at, revoked_at`

func scanSessionKey(row pgx.Row) (*interfaces.SessionKey, error) {
	var (
		k         interfaces.SessionKey
		address   []byte
		limit     string
		spent     string
		revokedAt *time.Time
		err       error
	)
	err = row.Scan(&k.ID, &k.UserID, &k.WalletID, &k.TokenHash, &address, &k.EncryptedKey, &k.WrappedDataKey,
		&k.KeyVersion, &limit, &spent, &k.IsActive, &k.ExpiresAt, &k.CreatedAt, &revokedAt)
	if err != nil {
		return nil, mapErr(err)
	}

	k.Address = common.BytesToAddress(address)
	k.RevokedAt = fromNullTime(revokedAt)
	if k.SpendingLimit, err = parseNumeric(limit); err != nil {
		return nil, err
	}
	if k.SpentAmount, err = parseNumeric(spent); err != nil {
		return nil, err
	}
	return &k, nil
}

func (t *tx) CreateSessionKey(ctx context.Context, k *interfaces.SessionKey) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO session_keys (id, user_id, wallet_id, token_hash, address, encrypted_key, wrapped_data_key,
			key_version, spending_limit, spent_amount, is_active, expires_at, created_at, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14)`,
		k.ID, k.UserID, k.WalletID, k.TokenHash, k.Address.Bytes(), k.EncryptedKey, k.WrappedDataKey,
		k.KeyVersion, k.SpendingLimit.String(), k.SpentAmount.String(), k.IsActive, k.ExpiresAt, k.CreatedAt,
		nullTime(k.RevokedAt))
	return mapErr(err)
}

func (t *tx) GetSessionKey(ctx context.Context, id string) (*interfaces.SessionKey, error) {
	return scanSessionKey(t.tx.QueryRow(ctx,
		`SELECT `+sessionKeyColumns+` FROM session_keys WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) GetSessionKeyByTokenHash(ctx context.Context, tokenHash []byte) (*interfaces.SessionKey, error) {
	return scanSessionKey(t.tx.QueryRow(ctx,
		`SELECT `+sessionKeyColumns+` FROM session_keys WHERE token_hash = $1 FOR UPDATE`, tokenHash))
}

func (t *tx) ListSessionKeys(ctx context.Context, userID string) ([]*interfaces.SessionKey, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+sessionKeyColumns+` FROM session_keys WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*interfaces.SessionKey
	for rows.Next() {
		k, err := scanSessionKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, mapErr(rows.Err())
}

func (t *tx) UpdateSessionKey(ctx context.Context, k *interfaces.SessionKey) error {
	return expectOne(t.tx.Exec(ctx,
		`UPDATE session_keys SET spent_amount = $2::numeric, is_active = $3, revoked_at = $4 WHERE id = $1`,
		k.ID, k.SpentAmount.String(), k.IsActive, nullTime(k.RevokedAt)))
}
