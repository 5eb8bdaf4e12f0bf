// Package owner serves the wallet owner API: guardian management, seedless
// wallet administration, recovery requests and session keys.
//
// Routes under /api/owner trust the X-User-ID header set by the upstream
// authentication layer. Recovery initiation, dispute and completion are
// public because the owner may have lost access; they are authorised by the
// guardian vote, the dispute token and the time-lock respectively. Session
// signing is authorised by the session bearer token.
package owner

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/seedless-recovery-backend/api"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/recovery"
	"github.com/ruteri/seedless-recovery-backend/sessionkey"
)

type Handler struct {
	registry *guardian.Registry
	recovery *recovery.Service
	sessions *sessionkey.Service
	log      *slog.Logger
}

func NewHandler(registry *guardian.Registry, recovery *recovery.Service, sessions *sessionkey.Service, log *slog.Logger) *Handler {
	return &Handler{registry: registry, recovery: recovery, sessions: sessions, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/users", h.HandleRegisterUser)

	r.Route("/api/owner", func(r chi.Router) {
		r.Use(requireUser)

		r.Get("/guardians", h.HandleListGuardians)
		r.Post("/guardians", h.HandleInviteGuardian)
		r.Delete("/guardians/{guardian_id}", h.HandleRemoveGuardian)

		r.Get("/wallet", h.HandleWallet)
		r.Post("/wallet/rotate", h.HandleRotate)
		r.Get("/wallet/shards", h.HandleVerifyShards)

		r.Get("/recovery", h.HandleListRecovery)

		r.Get("/sessions", h.HandleListSessions)
		r.Post("/sessions", h.HandleCreateSession)
		r.Delete("/sessions/{session_id}", h.HandleRevokeSession)
		r.Post("/sessions/revoke-all", h.HandleRevokeAll)
	})

	r.Post("/api/recovery", h.HandleInitiateRecovery)
	r.Get("/api/recovery/{request_id}", h.HandleGetRecovery)
	r.Post("/api/recovery/{request_id}/dispute", h.HandleDispute)
	r.Post("/api/recovery/{request_id}/complete", h.HandleComplete)

	r.Post("/api/sessions/sign", h.HandleSign)
	r.Post("/api/sessions/revoke", h.HandleRevokeByToken)
}

type ctxKey struct{}

// requireUser rejects requests without an upstream-asserted user id.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(api.UserIDHeader))
		if userID == "" {
			http.Error(w, "missing "+api.UserIDHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), userID)))
	})
}

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func bearerToken(r *http.Request) (string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", interfaces.ErrUnauthorized
	}
	return strings.TrimSpace(token), nil
}

// HandleRegisterUser creates (or returns) the user for an email address.
//
// URL format: POST /api/users
func (h *Handler) HandleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterUserRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	user, err := h.registry.RegisterUser(r.Context(), req.Email)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.UserResponse{ID: user.ID, Email: user.Email})
}

func (h *Handler) HandleListGuardians(w http.ResponseWriter, r *http.Request) {
	guardians, err := h.registry.List(r.Context(), userID(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	resp := make([]api.GuardianResponse, 0, len(guardians))
	for _, g := range guardians {
		resp = append(resp, api.NewGuardianResponse(g))
	}
	api.WriteJSON(w, h.log, http.StatusOK, resp)
}

// HandleInviteGuardian invites a guardian. The invitation token is delivered
// to the guardian through the notifier and is not part of the response.
func (h *Handler) HandleInviteGuardian(w http.ResponseWriter, r *http.Request) {
	var req api.InviteGuardianRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	g, err := h.registry.Invite(r.Context(), userID(r), req.Email, req.DisplayName)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusCreated, api.NewGuardianResponse(g))
}

func (h *Handler) HandleRemoveGuardian(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), userID(r), chi.URLParam(r, "guardian_id")); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.registry.Wallet(r.Context(), userID(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewWalletResponse(wallet))
}

// HandleRotate re-splits the wallet key across all accepted guardians.
//
// URL format: POST /api/owner/wallet/rotate
// Request body: optional {"threshold": 3}
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	var req api.RotateRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	wallet, err := h.registry.Rotate(r.Context(), userID(r), req.Threshold)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewWalletResponse(wallet))
}

func (h *Handler) HandleVerifyShards(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.registry.VerifyShards(r.Context(), userID(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	resp := make([]api.ShardStatusResponse, 0, len(statuses))
	for _, s := range statuses {
		resp = append(resp, api.NewShardStatusResponse(s))
	}
	api.WriteJSON(w, h.log, http.StatusOK, resp)
}

func (h *Handler) HandleListRecovery(w http.ResponseWriter, r *http.Request) {
	requests, err := h.recovery.List(r.Context(), userID(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	resp := make([]api.RecoveryRequestResponse, 0, len(requests))
	for _, req := range requests {
		resp = append(resp, api.NewRecoveryRequestResponse(req))
	}
	api.WriteJSON(w, h.log, http.StatusOK, resp)
}

// HandleInitiateRecovery opens a recovery request for the account registered
// under the given email.
//
// URL format: POST /api/recovery
// Request body: {"email": "...", "reason": "..."}
//
// The response carries the claim token needed to complete the request. An
// email with no recoverable account yields the same 409 as one with too few
// guardians.
func (h *Handler) HandleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	var req api.InitiateRecoveryRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	initiated, err := h.recovery.Initiate(r.Context(), req.Email, req.Reason)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusCreated, api.NewInitiateRecoveryResponse(initiated))
}

func (h *Handler) HandleGetRecovery(w http.ResponseWriter, r *http.Request) {
	req, err := h.recovery.Get(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewRecoveryRequestResponse(req))
}

// HandleDispute cancels a recovery request using the owner's dispute token.
//
// URL format: POST /api/recovery/{request_id}/dispute
// Request body: {"token": "..."}
func (h *Handler) HandleDispute(w http.ResponseWriter, r *http.Request) {
	var req api.DisputeRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	disputed, err := h.recovery.Dispute(r.Context(), chi.URLParam(r, "request_id"), req.Token)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewRecoveryRequestResponse(disputed))
}

// HandleComplete executes an approved recovery request after its time-lock.
// A request that is still time-locked yields 423 with the remaining hours.
//
// URL format: POST /api/recovery/{request_id}/complete
// Request body: {"claim_token": "..."}
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteRecoveryRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	completion, err := h.recovery.Complete(r.Context(), chi.URLParam(r, "request_id"), req.ClaimToken)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewCompleteRecoveryResponse(completion))
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	keys, err := h.sessions.List(r.Context(), userID(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	resp := make([]api.SessionResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, api.NewSessionResponse(k))
	}
	api.WriteJSON(w, h.log, http.StatusOK, resp)
}

// HandleCreateSession issues a session key. The bearer token is only returned here.
//
// URL format: POST /api/owner/sessions
// Request body: {"duration_hours": 24, "spending_limit": "1000000000000000000"}
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	limit, err := api.ParseWei(req.SpendingLimit, "spending_limit")
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if req.SpendingLimit == "" {
		limit = nil
	}

	issued, err := h.sessions.Create(r.Context(), userID(r), time.Duration(req.DurationHours)*time.Hour, limit)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusCreated, api.CreateSessionResponse{
		Session: api.NewSessionResponse(issued.Key),
		Token:   issued.Token,
	})
}

func (h *Handler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.RevokeByID(r.Context(), userID(r), chi.URLParam(r, "session_id")); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	count, err := h.sessions.RevokeAll(r.Context(), userID(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.RevokeAllResponse{Revoked: count})
}

// HandleSign signs a transaction with the session key named by the bearer token.
//
// URL format: POST /api/sessions/sign
// Required headers:
//   - Authorization: Bearer <session token>
//
// Response: the RLP-encoded signed transaction and its hash. A transaction
// over the remaining spending limit yields 422 and is not charged.
func (h *Handler) HandleSign(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	var req api.SignRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	tx, err := req.Transaction()
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	signed, err := h.sessions.Sign(r.Context(), token, tx)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	resp, err := api.NewSignResponse(signed)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, resp)
}

// HandleRevokeByToken lets a session holder revoke its own session.
func (h *Handler) HandleRevokeByToken(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.sessions.Revoke(r.Context(), token); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
