package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ruteri/seedless-recovery-backend/api"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	api.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.ErrorResponse.Error)
}

// RecoveryClient talks to a recovery backend over HTTP.
type RecoveryClient struct {
	// ServerAddr is the base URL of the server, e.g. http://127.0.0.1:8080
	ServerAddr string

	// UserID is sent as X-User-ID on owner routes.
	UserID string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *RecoveryClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

type requestOption func(*http.Request)

func withUser(id string) requestOption {
	return func(r *http.Request) { r.Header.Set(api.UserIDHeader, id) }
}

func withBearer(token string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// do sends body as JSON and decodes a successful response into out when out is non-nil.
func (c *RecoveryClient) do(ctx context.Context, method, path string, body, out any, opts ...requestOption) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.ServerAddr, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("could not request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil || json.Unmarshal(bodyBytes, &apiErr.ErrorResponse) != nil || apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = strings.TrimSpace(string(bodyBytes))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse response from %s: %w", path, err)
	}
	return nil
}

func (c *RecoveryClient) owner(ctx context.Context, method, path string, body, out any) error {
	if c.UserID == "" {
		return fmt.Errorf("user id is required for %s", path)
	}
	return c.do(ctx, method, "/api/owner"+path, body, out, withUser(c.UserID))
}

func (c *RecoveryClient) RegisterUser(ctx context.Context, email string) (*api.UserResponse, error) {
	var resp api.UserResponse
	if err := c.do(ctx, http.MethodPost, "/api/users", api.RegisterUserRequest{Email: email}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) InviteGuardian(ctx context.Context, email, displayName string) (*api.GuardianResponse, error) {
	var resp api.GuardianResponse
	err := c.owner(ctx, http.MethodPost, "/guardians", api.InviteGuardianRequest{Email: email, DisplayName: displayName}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) ListGuardians(ctx context.Context) ([]api.GuardianResponse, error) {
	var resp []api.GuardianResponse
	if err := c.owner(ctx, http.MethodGet, "/guardians", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *RecoveryClient) RemoveGuardian(ctx context.Context, guardianID string) error {
	return c.owner(ctx, http.MethodDelete, "/guardians/"+url.PathEscape(guardianID), nil, nil)
}

func (c *RecoveryClient) Wallet(ctx context.Context) (*api.WalletResponse, error) {
	var resp api.WalletResponse
	if err := c.owner(ctx, http.MethodGet, "/wallet", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) RotateShards(ctx context.Context, threshold int) (*api.WalletResponse, error) {
	var resp api.WalletResponse
	if err := c.owner(ctx, http.MethodPost, "/wallet/rotate", api.RotateRequest{Threshold: threshold}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) VerifyShards(ctx context.Context) ([]api.ShardStatusResponse, error) {
	var resp []api.ShardStatusResponse
	if err := c.owner(ctx, http.MethodGet, "/wallet/shards", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *RecoveryClient) ListRecoveryRequests(ctx context.Context) ([]api.RecoveryRequestResponse, error) {
	var resp []api.RecoveryRequestResponse
	if err := c.owner(ctx, http.MethodGet, "/recovery", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// InitiateRecovery opens a recovery request. Keep the returned ClaimToken: it
// is required by CompleteRecovery and cannot be retrieved again.
func (c *RecoveryClient) InitiateRecovery(ctx context.Context, email, reason string) (*api.InitiateRecoveryResponse, error) {
	var resp api.InitiateRecoveryResponse
	err := c.do(ctx, http.MethodPost, "/api/recovery", api.InitiateRecoveryRequest{Email: email, Reason: reason}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) GetRecovery(ctx context.Context, requestID string) (*api.RecoveryRequestResponse, error) {
	var resp api.RecoveryRequestResponse
	if err := c.do(ctx, http.MethodGet, "/api/recovery/"+url.PathEscape(requestID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) DisputeRecovery(ctx context.Context, requestID, disputeToken string) (*api.RecoveryRequestResponse, error) {
	var resp api.RecoveryRequestResponse
	path := "/api/recovery/" + url.PathEscape(requestID) + "/dispute"
	if err := c.do(ctx, http.MethodPost, path, api.DisputeRequest{Token: disputeToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) CompleteRecovery(ctx context.Context, requestID, claimToken string) (*api.CompleteRecoveryResponse, error) {
	var resp api.CompleteRecoveryResponse
	path := "/api/recovery/" + url.PathEscape(requestID) + "/complete"
	if err := c.do(ctx, http.MethodPost, path, api.CompleteRecoveryRequest{ClaimToken: claimToken}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func portalPath(token string) string {
	return "/api/portal/" + url.PathEscape(token)
}

func (c *RecoveryClient) PortalInfo(ctx context.Context, token string) (*api.PortalInfoResponse, error) {
	var resp api.PortalInfoResponse
	if err := c.do(ctx, http.MethodGet, portalPath(token), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) AcceptInvitation(ctx context.Context, inviteToken string) (*api.AcceptResponse, error) {
	var resp api.AcceptResponse
	if err := c.do(ctx, http.MethodPost, portalPath(inviteToken)+"/accept", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) DeclineInvitation(ctx context.Context, inviteToken, reason string) (*api.GuardianResponse, error) {
	var resp api.GuardianResponse
	if err := c.do(ctx, http.MethodPost, portalPath(inviteToken)+"/decline", api.DeclineRequest{Reason: reason}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) SendMessage(ctx context.Context, portalToken, message string) error {
	return c.do(ctx, http.MethodPost, portalPath(portalToken)+"/message", api.MessageRequest{Message: message}, nil)
}

func (c *RecoveryClient) Vote(ctx context.Context, portalToken, requestID string, approved bool, notes string) (*api.RecoveryRequestResponse, error) {
	var resp api.RecoveryRequestResponse
	path := portalPath(portalToken) + "/recovery/" + url.PathEscape(requestID) + "/vote"
	if err := c.do(ctx, http.MethodPost, path, api.VoteRequest{Approved: approved, Notes: notes}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) CreateSession(ctx context.Context, req api.CreateSessionRequest) (*api.CreateSessionResponse, error) {
	var resp api.CreateSessionResponse
	if err := c.owner(ctx, http.MethodPost, "/sessions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RecoveryClient) ListSessions(ctx context.Context) ([]api.SessionResponse, error) {
	var resp []api.SessionResponse
	if err := c.owner(ctx, http.MethodGet, "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *RecoveryClient) RevokeSession(ctx context.Context, sessionID string) error {
	return c.owner(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *RecoveryClient) RevokeAllSessions(ctx context.Context) (int, error) {
	var resp api.RevokeAllResponse
	if err := c.owner(ctx, http.MethodPost, "/sessions/revoke-all", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Revoked, nil
}

// Sign asks the server to sign tx with the session key behind sessionToken.
func (c *RecoveryClient) Sign(ctx context.Context, sessionToken string, tx api.SignRequest) (*api.SignResponse, error) {
	var resp api.SignResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions/sign", tx, &resp, withBearer(sessionToken)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeOwnSession revokes the session behind sessionToken.
func (c *RecoveryClient) RevokeOwnSession(ctx context.Context, sessionToken string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/revoke", nil, nil, withBearer(sessionToken))
}
