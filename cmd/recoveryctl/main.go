package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/seedless-recovery-backend/api"
	"github.com/ruteri/seedless-recovery-backend/api/clients"
	"github.com/urfave/cli/v2"
)

var flagServerAddr = &cli.StringFlag{
	Name:  "server-addr",
	Value: "http://127.0.0.1:8080",
	Usage: "recovery server address",
}
var flagUserID = &cli.StringFlag{
	Name:    "user-id",
	EnvVars: []string{"RECOVERY_USER_ID"},
	Usage:   "owner user id, sent as the X-User-ID header",
}
var flagToken = &cli.StringFlag{
	Name:     "token",
	Required: true,
	Usage:    "invitation, portal or session token",
}
var flagRequestID = &cli.StringFlag{
	Name:     "request-id",
	Required: true,
	Usage:    "recovery request id",
}

func newClient(cCtx *cli.Context) *clients.RecoveryClient {
	return &clients.RecoveryClient{
		ServerAddr: cCtx.String(flagServerAddr.Name),
		UserID:     cCtx.String(flagUserID.Name),
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// call runs fn with a client and prints its result.
func call[T any](fn func(cCtx *cli.Context, c *clients.RecoveryClient) (T, error)) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		out, err := fn(cCtx, newClient(cCtx))
		if err != nil {
			var apiErr *clients.APIError
			if errors.As(err, &apiErr) {
				_ = printJSON(apiErr.ErrorResponse)
			}
			return err
		}
		return printJSON(out)
	}
}

type empty struct{}

func main() {
	app := &cli.App{
		Name:  "recoveryctl",
		Usage: "Client for the guardian recovery API",
		Flags: []cli.Flag{flagServerAddr, flagUserID},
		Commands: []*cli.Command{
			userCommand,
			guardiansCommand,
			walletCommand,
			portalCommand,
			recoveryCommand,
			sessionCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var userCommand = &cli.Command{
	Name:  "user",
	Usage: "account registration",
	Subcommands: []*cli.Command{
		{
			Name:  "register",
			Flags: []cli.Flag{&cli.StringFlag{Name: "email", Required: true}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.UserResponse, error) {
				return c.RegisterUser(cCtx.Context, cCtx.String("email"))
			}),
		},
	},
}

var guardiansCommand = &cli.Command{
	Name:  "guardians",
	Usage: "manage the owner's guardians",
	Subcommands: []*cli.Command{
		{
			Name: "list",
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) ([]api.GuardianResponse, error) {
				return c.ListGuardians(cCtx.Context)
			}),
		},
		{
			Name: "invite",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "email", Required: true},
				&cli.StringFlag{Name: "name", Usage: "display name"},
			},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.GuardianResponse, error) {
				return c.InviteGuardian(cCtx.Context, cCtx.String("email"), cCtx.String("name"))
			}),
		},
		{
			Name:  "remove",
			Flags: []cli.Flag{&cli.StringFlag{Name: "guardian-id", Required: true}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (empty, error) {
				return empty{}, c.RemoveGuardian(cCtx.Context, cCtx.String("guardian-id"))
			}),
		},
	},
}

var walletCommand = &cli.Command{
	Name:  "wallet",
	Usage: "inspect the seedless wallet",
	Subcommands: []*cli.Command{
		{
			Name: "show",
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.WalletResponse, error) {
				return c.Wallet(cCtx.Context)
			}),
		},
		{
			Name:  "verify",
			Usage: "check every guardian shard opens and matches its integrity hash",
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) ([]api.ShardStatusResponse, error) {
				return c.VerifyShards(cCtx.Context)
			}),
		},
		{
			Name:  "rotate",
			Usage: "re-split the key across all accepted guardians",
			Flags: []cli.Flag{&cli.IntFlag{Name: "threshold", Usage: "new threshold, 0 keeps the current one"}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.WalletResponse, error) {
				return c.RotateShards(cCtx.Context, cCtx.Int("threshold"))
			}),
		},
	},
}

var portalCommand = &cli.Command{
	Name:  "portal",
	Usage: "guardian portal actions",
	Subcommands: []*cli.Command{
		{
			Name:  "info",
			Flags: []cli.Flag{flagToken},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.PortalInfoResponse, error) {
				return c.PortalInfo(cCtx.Context, cCtx.String(flagToken.Name))
			}),
		},
		{
			Name:  "accept",
			Flags: []cli.Flag{flagToken},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.AcceptResponse, error) {
				return c.AcceptInvitation(cCtx.Context, cCtx.String(flagToken.Name))
			}),
		},
		{
			Name:  "decline",
			Flags: []cli.Flag{flagToken, &cli.StringFlag{Name: "reason"}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.GuardianResponse, error) {
				return c.DeclineInvitation(cCtx.Context, cCtx.String(flagToken.Name), cCtx.String("reason"))
			}),
		},
		{
			Name:  "message",
			Flags: []cli.Flag{flagToken, &cli.StringFlag{Name: "text", Required: true}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (empty, error) {
				return empty{}, c.SendMessage(cCtx.Context, cCtx.String(flagToken.Name), cCtx.String("text"))
			}),
		},
		{
			Name: "vote",
			Flags: []cli.Flag{
				flagToken,
				flagRequestID,
				&cli.BoolFlag{Name: "approve", Usage: "approve the request; omit to reject"},
				&cli.StringFlag{Name: "notes"},
			},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.RecoveryRequestResponse, error) {
				return c.Vote(cCtx.Context, cCtx.String(flagToken.Name), cCtx.String(flagRequestID.Name), cCtx.Bool("approve"), cCtx.String("notes"))
			}),
		},
	},
}

var recoveryCommand = &cli.Command{
	Name:  "recovery",
	Usage: "recovery requests",
	Subcommands: []*cli.Command{
		{
			Name:  "initiate",
			Flags: []cli.Flag{&cli.StringFlag{Name: "email", Required: true}, &cli.StringFlag{Name: "reason"}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.InitiateRecoveryResponse, error) {
				return c.InitiateRecovery(cCtx.Context, cCtx.String("email"), cCtx.String("reason"))
			}),
		},
		{
			Name:  "status",
			Flags: []cli.Flag{flagRequestID},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.RecoveryRequestResponse, error) {
				return c.GetRecovery(cCtx.Context, cCtx.String(flagRequestID.Name))
			}),
		},
		{
			Name:  "list",
			Usage: "list the owner's recovery requests",
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) ([]api.RecoveryRequestResponse, error) {
				return c.ListRecoveryRequests(cCtx.Context)
			}),
		},
		{
			Name:  "dispute",
			Flags: []cli.Flag{flagRequestID, &cli.StringFlag{Name: "dispute-token", Required: true}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.RecoveryRequestResponse, error) {
				return c.DisputeRecovery(cCtx.Context, cCtx.String(flagRequestID.Name), cCtx.String("dispute-token"))
			}),
		},
		{
			Name:  "complete",
			Flags: []cli.Flag{flagRequestID, &cli.StringFlag{Name: "claim-token", Required: true, Usage: "token printed by recovery initiate"}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.CompleteRecoveryResponse, error) {
				return c.CompleteRecovery(cCtx.Context, cCtx.String(flagRequestID.Name), cCtx.String("claim-token"))
			}),
		},
	},
}

var sessionCommand = &cli.Command{
	Name:  "session",
	Usage: "session keys",
	Subcommands: []*cli.Command{
		{
			Name: "create",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "hours", Usage: "lifetime in hours, 0 for the server default"},
				&cli.StringFlag{Name: "limit", Usage: "spending limit in wei, empty for the server default"},
			},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.CreateSessionResponse, error) {
				return c.CreateSession(cCtx.Context, api.CreateSessionRequest{
					DurationHours: cCtx.Int("hours"),
					SpendingLimit: cCtx.String("limit"),
				})
			}),
		},
		{
			Name: "list",
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) ([]api.SessionResponse, error) {
				return c.ListSessions(cCtx.Context)
			}),
		},
		{
			Name: "sign",
			Flags: []cli.Flag{
				flagToken,
				&cli.Uint64Flag{Name: "nonce"},
				&cli.StringFlag{Name: "to", Required: true},
				&cli.StringFlag{Name: "value", Value: "0", Usage: "wei"},
				&cli.Uint64Flag{Name: "gas", Value: 21000},
				&cli.StringFlag{Name: "gas-price", Value: "0", Usage: "wei"},
				&cli.StringFlag{Name: "data", Usage: "0x-prefixed calldata"},
			},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (*api.SignResponse, error) {
				return c.Sign(cCtx.Context, cCtx.String(flagToken.Name), api.SignRequest{
					Nonce:    cCtx.Uint64("nonce"),
					To:       cCtx.String("to"),
					Value:    cCtx.String("value"),
					Gas:      cCtx.Uint64("gas"),
					GasPrice: cCtx.String("gas-price"),
					Data:     cCtx.String("data"),
				})
			}),
		},
		{
			Name:  "revoke",
			Usage: "revoke one session by id, or all with --all",
			Flags: []cli.Flag{&cli.StringFlag{Name: "session-id"}, &cli.BoolFlag{Name: "all"}},
			Action: call(func(cCtx *cli.Context, c *clients.RecoveryClient) (any, error) {
				if cCtx.Bool("all") {
					n, err := c.RevokeAllSessions(cCtx.Context)
					return api.RevokeAllResponse{Revoked: n}, err
				}
				if cCtx.String("session-id") == "" {
					return nil, fmt.Errorf("--session-id or --all is required")
				}
				return empty{}, c.RevokeSession(cCtx.Context, cCtx.String("session-id"))
			}),
		},
	},
}
