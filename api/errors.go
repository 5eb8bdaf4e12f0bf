package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

const maxBodyBytes = 1 << 20

// statusTable maps domain errors to HTTP status codes. The first match wins.
var statusTable = []struct {
	err    error
	status int
}{
	{interfaces.ErrInvalidInput, http.StatusBadRequest},
	{interfaces.ErrUnauthorized, http.StatusUnauthorized},
	{interfaces.ErrSessionRevoked, http.StatusForbidden},
	{interfaces.ErrNotFound, http.StatusNotFound},
	{interfaces.ErrWalletNotSeedless, http.StatusNotFound},
	{interfaces.ErrExpired, http.StatusGone},
	{interfaces.ErrTimelockNotExpired, http.StatusLocked},
	{interfaces.ErrSpendingLimitExceeded, http.StatusUnprocessableEntity},

	{interfaces.ErrConflict, http.StatusConflict},
	{interfaces.ErrDuplicateGuardian, http.StatusConflict},
	{interfaces.ErrAlreadyDecided, http.StatusConflict},
	{interfaces.ErrInsufficientGuardians, http.StatusConflict},
	{interfaces.ErrQuorumAtRisk, http.StatusConflict},
	{interfaces.ErrAlreadyVoted, http.StatusConflict},
	{interfaces.ErrRecoveryNotPending, http.StatusConflict},
	{interfaces.ErrRecoveryAlreadyPending, http.StatusConflict},
	{interfaces.ErrRecoveryNotApproved, http.StatusConflict},
	{interfaces.ErrRecoveryDisputed, http.StatusConflict},
	{interfaces.ErrAlreadyCompleted, http.StatusConflict},
	{interfaces.ErrCompletionInProgress, http.StatusConflict},

	{interfaces.ErrShardAssignment, http.StatusInternalServerError},
	{interfaces.ErrInsufficientShards, http.StatusInternalServerError},
	{interfaces.ErrIntegrity, http.StatusInternalServerError},
}

// StatusFor returns the HTTP status for err and whether err is a known domain
// error whose message may be shown to the client.
func StatusFor(err error) (int, bool) {
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			return entry.status, true
		}
	}
	return http.StatusInternalServerError, false
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`

	RemainingHours float64    `json:"remaining_hours,omitempty"`
	CanExecuteAt   *time.Time `json:"can_execute_at,omitempty"`

	SpendingLimit string `json:"spending_limit,omitempty"`
	SpentAmount   string `json:"spent_amount,omitempty"`
	Requested     string `json:"requested,omitempty"`
}

// WriteError maps err to a status code and writes it as an ErrorResponse.
// Unknown errors are logged and reported without detail.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	status, known := StatusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	if !known {
		log.Error("Request failed", "err", err)
		resp.Error = "internal server error"
	} else if status >= http.StatusInternalServerError {
		log.Error("Request failed", "err", err)
	}

	var timelockErr *interfaces.TimelockError
	if errors.As(err, &timelockErr) {
		resp.RemainingHours = timelockErr.RemainingHours()
		canExecuteAt := timelockErr.CanExecuteAt.UTC()
		resp.CanExecuteAt = &canExecuteAt
	}
	var limitErr *interfaces.SpendingLimitError
	if errors.As(err, &limitErr) {
		resp.SpendingLimit = limitErr.Limit.String()
		resp.SpentAmount = limitErr.Spent.String()
		resp.Requested = limitErr.Requested.String()
	}

	WriteJSON(w, log, status, resp)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Failed to encode response", "err", err)
	}
}

// ReadJSON decodes a size-limited JSON request body into v. An empty body
// leaves v untouched.
func ReadJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed request body: %v", interfaces.ErrInvalidInput, err)
	}
	return nil
}
