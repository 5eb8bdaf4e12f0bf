package guardian

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/notify"
)

// PortalInfo is what a guardian sees when opening the portal.
type PortalInfo struct {
	Guardian   *interfaces.Guardian
	OwnerEmail string
	// ActiveRequest is the owner's pending or approved recovery request that
	// has not passed its expiry, if any.
	ActiveRequest *interfaces.RecoveryRequest
	// Vote is the guardian's vote on ActiveRequest, if cast.
	Vote *interfaces.GuardianApproval
}

// Authenticate resolves a portal token to its accepted guardian.
func Authenticate(ctx context.Context, tx interfaces.Tx, portalToken string) (*interfaces.Guardian, error) {
	g, err := tx.GetGuardianByPortalToken(ctx, portalToken)
	if err != nil {
		return nil, tokenErr(err)
	}
	if g.Status != interfaces.GuardianAccepted {
		return nil, interfaces.ErrUnauthorized
	}
	return g, nil
}

// Info returns the guardian's status and the owner's active recovery request.
// token may be a portal token or a still-valid invitation token.
func (r *Registry) Info(ctx context.Context, token string) (*PortalInfo, error) {
	info := &PortalInfo{}
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		g, err := Authenticate(ctx, tx, token)
		if errors.Is(err, interfaces.ErrUnauthorized) {
			g, err = tx.GetGuardianByInviteToken(ctx, token)
			if err != nil {
				return tokenErr(err)
			}
			if g.Status == interfaces.GuardianPending && !r.clock.Now().Before(g.InviteExpiresAt) {
				return interfaces.ErrExpired
			}
		}
		if err != nil {
			return err
		}
		info.Guardian = g

		owner, err := tx.GetUser(ctx, g.UserID)
		if err != nil {
			return err
		}
		info.OwnerEmail = owner.Email

		if g.Status != interfaces.GuardianAccepted {
			return nil
		}

		requests, err := tx.ListRecoveryRequests(ctx, g.UserID)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		for _, req := range requests {
			// Lapsed requests are marked expired on their next write; until then they are hidden here.
			if !req.IsActive() || !now.Before(req.ExpiresAt) {
				continue
			}
			info.ActiveRequest = req

			approvals, err := tx.ListApprovals(ctx, req.ID)
			if err != nil {
				return err
			}
			for _, a := range approvals {
				if a.GuardianID == g.ID {
					info.Vote = a
				}
			}
			break
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// SendMessage forwards a free-text message from a guardian to the owner.
func (r *Registry) SendMessage(ctx context.Context, portalToken, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Errorf("%w: message is empty", interfaces.ErrInvalidInput)
	}
	if len(message) > maxMessageLength {
		return fmt.Errorf("%w: message exceeds %d bytes", interfaces.ErrInvalidInput, maxMessageLength)
	}

	var (
		guardian *interfaces.Guardian
		owner    *interfaces.User
	)
	err := r.store.InTx(ctx, func(tx interfaces.Tx) error {
		var err error
		guardian, err = Authenticate(ctx, tx, portalToken)
		if err != nil {
			return err
		}
		owner, err = tx.GetUser(ctx, guardian.UserID)
		return err
	})
	if err != nil {
		return err
	}

	notify.Send(ctx, r.log, r.notifier, interfaces.Notification{
		Kind:      interfaces.EventGuardianMessage,
		UserID:    guardian.UserID,
		Recipient: owner.Email,
		Payload: map[string]string{
			"guardianEmail": guardian.Email,
			"displayName":   guardian.DisplayName,
			"message":       message,
		},
	})
	return nil
}
