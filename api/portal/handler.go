// Package portal serves the token-authenticated guardian portal. Guardians hold
// no account: an invitation token or the permanent portal token in the URL is
// the only credential.
package portal

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/seedless-recovery-backend/api"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/recovery"
)

// Handler serves guardian portal requests.
type Handler struct {
	registry *guardian.Registry
	recovery *recovery.Service
	log      *slog.Logger
}

func NewHandler(registry *guardian.Registry, recovery *recovery.Service, log *slog.Logger) *Handler {
	return &Handler{registry: registry, recovery: recovery, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/portal/{token}", h.HandleInfo)
	r.Post("/api/portal/{token}/accept", h.HandleAccept)
	r.Post("/api/portal/{token}/decline", h.HandleDecline)
	r.Post("/api/portal/{token}/message", h.HandleMessage)
	r.Post("/api/portal/{token}/recovery/{request_id}/vote", h.HandleVote)
}

// HandleInfo returns the guardian's status and the owner's active recovery request.
//
// URL format: GET /api/portal/{token}
// The token may be an invitation token or a portal token.
func (h *Handler) HandleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.Info(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewPortalInfoResponse(info))
}

// HandleAccept accepts an invitation and returns the permanent portal token.
//
// URL format: POST /api/portal/{invite_token}/accept
func (h *Handler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	g, err := h.registry.Accept(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.AcceptResponse{
		Guardian:    api.NewGuardianResponse(g),
		PortalToken: g.PortalToken,
	})
}

// HandleDecline declines an invitation.
//
// URL format: POST /api/portal/{invite_token}/decline
// Request body: optional {"reason": "..."}
func (h *Handler) HandleDecline(w http.ResponseWriter, r *http.Request) {
	var req api.DeclineRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	g, err := h.registry.Decline(r.Context(), chi.URLParam(r, "token"), req.Reason)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewGuardianResponse(g))
}

// HandleMessage forwards a free-text message to the owner.
//
// URL format: POST /api/portal/{portal_token}/message
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req api.MessageRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.registry.SendMessage(r.Context(), chi.URLParam(r, "token"), req.Message); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVote casts the guardian's vote on a recovery request.
//
// URL format: POST /api/portal/{portal_token}/recovery/{request_id}/vote
// Request body: {"approved": true, "notes": "..."}
func (h *Handler) HandleVote(w http.ResponseWriter, r *http.Request) {
	var req api.VoteRequest
	if err := api.ReadJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	updated, err := h.recovery.Vote(r.Context(), chi.URLParam(r, "request_id"), chi.URLParam(r, "token"), req.Approved, req.Notes)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, h.log, http.StatusOK, api.NewRecoveryRequestResponse(updated))
}
