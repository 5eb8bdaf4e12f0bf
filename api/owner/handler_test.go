package owner

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/go-chi/chi/v5"
	"github.com/ruteri/seedless-recovery-backend/api"
	"github.com/ruteri/seedless-recovery-backend/api/portal"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/kms"
	"github.com/ruteri/seedless-recovery-backend/recovery"
	"github.com/ruteri/seedless-recovery-backend/sessionkey"
	"github.com/ruteri/seedless-recovery-backend/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []interfaces.Notification
}

func (c *captureNotifier) Notify(_ context.Context, n interfaces.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *captureNotifier) last(kind interfaces.EventKind, recipient string) interfaces.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == kind && c.sent[i].Recipient == recipient {
			return c.sent[i]
		}
	}
	return interfaces.Notification{}
}

type testServer struct {
	mux      *chi.Mux
	clock    *clock.Mock
	notifier *captureNotifier
}

func setupTestEnvironment(t *testing.T) *testServer {
	t.Helper()

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	keys, err := kms.NewManager(kms.ManagerConfig{Secrets: map[int][]byte{1: secret}, CurrentVersion: 1})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	notifier := &captureNotifier{}
	store := memstore.New()

	registry, err := guardian.NewRegistry(guardian.DefaultConfig(), store, keys, notifier, nil, clk, logger)
	require.NoError(t, err)
	recoveryService, err := recovery.NewService(recovery.DefaultConfig(), store, keys, notifier, nil, clk, logger)
	require.NoError(t, err)
	sessions, err := sessionkey.NewService(sessionkey.DefaultConfig(), store, keys, clk, logger)
	require.NoError(t, err)

	mux := chi.NewRouter()
	NewHandler(registry, recoveryService, sessions, logger).RegisterRoutes(mux)
	portal.NewHandler(registry, recoveryService, logger).RegisterRoutes(mux)

	return &testServer{mux: mux, clock: clk, notifier: notifier}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// setupOwner registers an owner with three accepted guardians over HTTP and
// returns the owner id and the guardians' portal tokens.
func (s *testServer) setupOwner(t *testing.T) (string, []string) {
	t.Helper()

	w := s.do(t, http.MethodPost, "/api/users", api.RegisterUserRequest{Email: "owner@example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := decode[api.UserResponse](t, w)
	owner := map[string]string{api.UserIDHeader: user.ID}

	var portalTokens []string
	for _, email := range []string{"alice@example.com", "bob@example.com", "carol@example.com"} {
		w = s.do(t, http.MethodPost, "/api/owner/guardians", api.InviteGuardianRequest{Email: email}, owner)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		inviteToken := s.notifier.last(interfaces.EventGuardianInvited, email).Payload["token"]
		require.NotEmpty(t, inviteToken)

		w = s.do(t, http.MethodPost, "/api/portal/"+inviteToken+"/accept", nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		portalTokens = append(portalTokens, decode[api.AcceptResponse](t, w).PortalToken)
	}
	return user.ID, portalTokens
}

func TestRequireUser(t *testing.T) {
	s := setupTestEnvironment(t)

	w := s.do(t, http.MethodGet, "/api/owner/guardians", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/owner/guardians", nil, map[string]string{api.UserIDHeader: "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGuardianManagement(t *testing.T) {
	s := setupTestEnvironment(t)
	userID, _ := s.setupOwner(t)
	owner := map[string]string{api.UserIDHeader: userID}

	w := s.do(t, http.MethodPost, "/api/owner/guardians", api.InviteGuardianRequest{Email: "alice@example.com"}, owner)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/owner/guardians", map[string]string{"unexpected": "field"}, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/owner/guardians", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	guardians := decode[[]api.GuardianResponse](t, w)
	require.Len(t, guardians, 3)
	for i, g := range guardians {
		assert.Equal(t, i+1, g.ShardIndex)
		assert.Equal(t, "accepted", g.Status)
		assert.True(t, g.HasShard)
	}

	w = s.do(t, http.MethodGet, "/api/owner/wallet", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	wallet := decode[api.WalletResponse](t, w)
	assert.Equal(t, 2, wallet.Threshold)

	w = s.do(t, http.MethodPost, "/api/owner/wallet/rotate", api.RotateRequest{Threshold: 3}, owner)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rotated := decode[api.WalletResponse](t, w)
	assert.Equal(t, 3, rotated.Threshold)
	assert.Equal(t, wallet.Address, rotated.Address)

	w = s.do(t, http.MethodDelete, "/api/owner/guardians/"+guardians[0].ID, nil, owner)
	assert.Equal(t, http.StatusConflict, w.Code, "removal would break the 3-of-3 quorum")

	w = s.do(t, http.MethodGet, "/api/owner/wallet/shards", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	for _, status := range decode[[]api.ShardStatusResponse](t, w) {
		assert.True(t, status.Intact)
	}
}

func TestRecoveryFlow(t *testing.T) {
	s := setupTestEnvironment(t)
	userID, portalTokens := s.setupOwner(t)

	w := s.do(t, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: "owner@example.com", Reason: "lost device"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[api.InitiateRecoveryResponse](t, w)
	assert.Equal(t, "pending", req.Status)
	require.NotEmpty(t, req.ClaimToken)
	claim := api.CompleteRecoveryRequest{ClaimToken: req.ClaimToken}

	w = s.do(t, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: "owner@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	for _, token := range portalTokens[:2] {
		w = s.do(t, http.MethodPost, "/api/portal/"+token+"/recovery/"+req.ID+"/vote", api.VoteRequest{Approved: true}, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, "approved", decode[api.RecoveryRequestResponse](t, w).Status)

	w = s.do(t, http.MethodPost, "/api/portal/"+portalTokens[2]+"/recovery/"+req.ID+"/vote", api.VoteRequest{Approved: true}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/complete", claim, nil)
	require.Equal(t, http.StatusLocked, w.Code)
	locked := decode[api.ErrorResponse](t, w)
	assert.Equal(t, 72.0, locked.RemainingHours)
	require.NotNil(t, locked.CanExecuteAt)

	s.clock.Add(72 * time.Hour)
	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/complete", claim, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	completed := decode[api.CompleteRecoveryResponse](t, w)
	assert.Equal(t, "completed", completed.Request.Status)
	assert.NotEmpty(t, completed.AccessToken)
	assert.NotEmpty(t, completed.WalletAddress)

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/complete", claim, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/owner/recovery", nil, map[string]string{api.UserIDHeader: userID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]api.RecoveryRequestResponse](t, w), 1)
}

func TestRecoveryComplete_RequiresClaimToken(t *testing.T) {
	s := setupTestEnvironment(t)
	_, portalTokens := s.setupOwner(t)

	w := s.do(t, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: "owner@example.com"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	req := decode[api.InitiateRecoveryResponse](t, w)

	for _, token := range portalTokens[:2] {
		w = s.do(t, http.MethodPost, "/api/portal/"+token+"/recovery/"+req.ID+"/vote", api.VoteRequest{Approved: true}, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
	s.clock.Add(73 * time.Hour)

	w = s.do(t, http.MethodGet, "/api/portal/"+portalTokens[0], nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), req.ClaimToken)

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/complete", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.NotContains(t, w.Body.String(), "access_token")

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/complete", api.CompleteRecoveryRequest{ClaimToken: portalTokens[0]}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/recovery/"+req.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "approved", decode[api.RecoveryRequestResponse](t, w).Status)
	assert.NotContains(t, w.Body.String(), req.ClaimToken)

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/complete", api.CompleteRecoveryRequest{ClaimToken: req.ClaimToken}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, decode[api.CompleteRecoveryResponse](t, w).AccessToken)
}

func TestInitiateRecovery_UniformForUnknownEmail(t *testing.T) {
	s := setupTestEnvironment(t)

	w := s.do(t, http.MethodPost, "/api/users", api.RegisterUserRequest{Email: "fresh@example.com"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	unknown := s.do(t, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: "nobody@example.com"}, nil)
	registered := s.do(t, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: "fresh@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, unknown.Code)
	assert.Equal(t, registered.Code, unknown.Code)
	assert.Equal(t, registered.Body.String(), unknown.Body.String())
}

func TestRecoveryDispute(t *testing.T) {
	s := setupTestEnvironment(t)
	s.setupOwner(t)

	w := s.do(t, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: "owner@example.com"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	req := decode[api.RecoveryRequestResponse](t, w)
	disputeToken := s.notifier.last(interfaces.EventRecoveryInitiated, "owner@example.com").Payload["disputeToken"]

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/dispute", api.DisputeRequest{Token: "guess"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/recovery/"+req.ID+"/dispute", api.DisputeRequest{Token: disputeToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disputed", decode[api.RecoveryRequestResponse](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/recovery/"+req.ID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "disputed", decode[api.RecoveryRequestResponse](t, w).Status)

	w = s.do(t, http.MethodGet, "/api/recovery/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionKeys(t *testing.T) {
	s := setupTestEnvironment(t)
	userID, _ := s.setupOwner(t)
	owner := map[string]string{api.UserIDHeader: userID}

	w := s.do(t, http.MethodPost, "/api/owner/sessions", api.CreateSessionRequest{SpendingLimit: "not-a-number"}, owner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/owner/sessions", api.CreateSessionRequest{DurationHours: 2, SpendingLimit: "1000000000000000000"}, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[api.CreateSessionResponse](t, w)
	require.NotEmpty(t, created.Token)
	assert.Equal(t, "1000000000000000000", created.Session.SpendingLimit)
	bearer := map[string]string{"Authorization": "Bearer " + created.Token}

	sign := api.SignRequest{
		To:       "0x00000000000000000000000000000000000000aa",
		Value:    "600000000000000000",
		Gas:      21000,
		GasPrice: "1000000000",
	}
	w = s.do(t, http.MethodPost, "/api/sessions/sign", sign, bearer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	signed := decode[api.SignResponse](t, w)

	raw, err := hexutil.Decode(signed.RawTransaction)
	require.NoError(t, err)
	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(raw))
	assert.Equal(t, signed.Hash, tx.Hash().Hex())
	assert.Equal(t, "600000000000000000", tx.Value().String())

	sign.Value = "500000000000000000"
	w = s.do(t, http.MethodPost, "/api/sessions/sign", sign, bearer)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	limitResp := decode[api.ErrorResponse](t, w)
	assert.Equal(t, "600000000000000000", limitResp.SpentAmount)
	assert.Equal(t, "500000000000000000", limitResp.Requested)

	w = s.do(t, http.MethodPost, "/api/sessions/sign", sign, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodGet, "/api/owner/sessions", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	sessions := decode[[]api.SessionResponse](t, w)
	require.Len(t, sessions, 1)
	assert.Equal(t, "400000000000000000", sessions[0].Remaining)

	w = s.do(t, http.MethodPost, "/api/sessions/revoke", nil, bearer)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/api/sessions/sign", sign, bearer)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/owner/sessions/revoke-all", nil, owner)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, decode[api.RevokeAllResponse](t, w).Revoked)
}

func TestSessionExpiry(t *testing.T) {
	s := setupTestEnvironment(t)
	userID, _ := s.setupOwner(t)

	w := s.do(t, http.MethodPost, "/api/owner/sessions", api.CreateSessionRequest{DurationHours: 1}, map[string]string{api.UserIDHeader: userID})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[api.CreateSessionResponse](t, w)

	s.clock.Add(time.Hour)
	w = s.do(t, http.MethodPost, "/api/sessions/sign", api.SignRequest{Value: "1", Gas: 21000}, map[string]string{"Authorization": "Bearer " + created.Token})
	assert.Equal(t, http.StatusGone, w.Code)
}
