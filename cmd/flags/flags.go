package flags

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/seedless-recovery-backend/api"
	"github.com/ruteri/seedless-recovery-backend/common"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/kms"
	"github.com/ruteri/seedless-recovery-backend/notify"
	"github.com/ruteri/seedless-recovery-backend/recovery"
	"github.com/ruteri/seedless-recovery-backend/sessionkey"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	cfg := api.NewHTTPServerConfig(listenAddr, logger)
	cfg.EnablePprof = cCtx.Bool(PprofFlag.Name)
	cfg.DrainDuration = time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second
	return cfg
}

// ConfigureKeys builds the key manager from --server-secret and --secret-version.
func ConfigureKeys(cCtx *cli.Context) (*kms.Manager, error) {
	secrets, err := ParseSecrets(cCtx.String(ServerSecretFlag.Name))
	if err != nil {
		return nil, err
	}
	version := cCtx.Int(SecretVersionFlag.Name)
	if version == 0 {
		for v := range secrets {
			version = max(version, v)
		}
	}
	return kms.NewManager(kms.ManagerConfig{Secrets: secrets, CurrentVersion: version})
}

// ParseSecrets parses "<hex>" or a comma separated list of "<version>:<hex>".
// A bare secret is version 1.
func ParseSecrets(value string) (map[int][]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("--%s is required", ServerSecretFlag.Name)
	}

	secrets := make(map[int][]byte)
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		version := 1
		if v, secretHex, ok := strings.Cut(part, ":"); ok {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("invalid secret version %q", v)
			}
			version, part = n, secretHex
		}
		if _, dup := secrets[version]; dup {
			return nil, fmt.Errorf("duplicate secret version %d", version)
		}
		secret, err := hex.DecodeString(strings.TrimPrefix(part, "0x"))
		if err != nil {
			return nil, fmt.Errorf("secret version %d is not valid hex: %w", version, err)
		}
		secrets[version] = secret
	}
	return secrets, nil
}

// ConfigureNotifier returns the log notifier used for every outbound message.
// Invitation and dispute tokens are redacted unless NotifyLogSecretsFlag is set,
// in which case the log is the only way to obtain them.
func ConfigureNotifier(cCtx *cli.Context, logger *slog.Logger) *notify.LogNotifier {
	if cCtx.Bool(NotifyLogSecretsFlag.Name) {
		logger.Warn("Notification secrets are written to logs")
		return notify.NewLogNotifier(logger)
	}
	logger.Warn("Notification tokens are redacted and no delivering notifier is configured; guardian invitations cannot be accepted",
		"flag", NotifyLogSecretsFlag.Name)
	return notify.NewLogNotifier(logger, notify.RedactedKeys...)
}

func GuardianConfig(cCtx *cli.Context) guardian.Config {
	return guardian.Config{
		Threshold:    cCtx.Int(GuardianThresholdFlag.Name),
		InviteExpiry: cCtx.Duration(InviteExpiryFlag.Name),
	}
}

func RecoveryConfig(cCtx *cli.Context) recovery.Config {
	return recovery.Config{
		Timelock: cCtx.Duration(TimelockFlag.Name),
		Expiry:   cCtx.Duration(RequestExpiryFlag.Name),
	}
}

func SessionConfig(cCtx *cli.Context) (sessionkey.Config, error) {
	limit, ok := new(big.Int).SetString(cCtx.String(SessionSpendingLimitFlag.Name), 10)
	if !ok {
		return sessionkey.Config{}, fmt.Errorf("invalid --%s", SessionSpendingLimitFlag.Name)
	}
	return sessionkey.Config{
		DefaultDuration:      cCtx.Duration(SessionDurationFlag.Name),
		MaxDuration:          cCtx.Duration(SessionMaxDurationFlag.Name),
		DefaultSpendingLimit: limit,
		ChainID:              new(big.Int).SetUint64(cCtx.Uint64(ChainIDFlag.Name)),
	}, nil
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var ServerSecretFlag = &cli.StringFlag{
	Name:    "server-secret",
	EnvVars: []string{"SERVER_SECRET"},
	Usage:   "hex server secret (>=32 bytes), or versioned list '1:<hex>,2:<hex>'",
}
var SecretVersionFlag = &cli.IntFlag{
	Name:  "secret-version",
	Usage: "secret version used for new shards and session keys (default: highest configured)",
}

var DatabaseURLFlag = &cli.StringFlag{
	Name:    "database-url",
	EnvVars: []string{"DATABASE_URL"},
	Usage:   "postgres connection string; state is kept in memory when empty",
}
var ArchiveFlag = &cli.StringSliceFlag{
	Name:  "archive",
	Usage: "sealed shard archive URI (file://, s3://, ipfs://, vault://), repeatable",
}

var GuardianThresholdFlag = &cli.IntFlag{
	Name:  "guardian-threshold",
	Value: guardian.DefaultConfig().Threshold,
	Usage: "accepted guardians needed to provision a wallet",
}
var InviteExpiryFlag = &cli.DurationFlag{
	Name:  "invite-expiry",
	Value: guardian.DefaultConfig().InviteExpiry,
	Usage: "lifetime of guardian invitations",
}
var TimelockFlag = &cli.DurationFlag{
	Name:  "recovery-timelock",
	Value: recovery.DefaultConfig().Timelock,
	Usage: "delay between initiating and completing a recovery",
}
var RequestExpiryFlag = &cli.DurationFlag{
	Name:  "recovery-expiry",
	Value: recovery.DefaultConfig().Expiry,
	Usage: "lifetime of a recovery request",
}

var SessionDurationFlag = &cli.DurationFlag{
	Name:  "session-duration",
	Value: sessionkey.DefaultConfig().DefaultDuration,
	Usage: "default session key lifetime",
}
var SessionMaxDurationFlag = &cli.DurationFlag{
	Name:  "session-max-duration",
	Value: sessionkey.DefaultConfig().MaxDuration,
	Usage: "maximum session key lifetime",
}
var SessionSpendingLimitFlag = &cli.StringFlag{
	Name:  "session-spending-limit",
	Value: sessionkey.DefaultConfig().DefaultSpendingLimit.String(),
	Usage: "default session key spending limit in wei",
}
var ChainIDFlag = &cli.Uint64Flag{
	Name:  "chain-id",
	Value: sessionkey.DefaultConfig().ChainID.Uint64(),
	Usage: "chain id session keys sign for",
}

var NotifyLogSecretsFlag = &cli.BoolFlag{
	Name:  "notify-log-secrets",
	Value: false,
	Usage: "write invitation and dispute tokens into notification logs; notifications are only logged, " +
		"so without this flag invited guardians never receive their token (development only)",
}

var DomainFlags = []cli.Flag{
	ServerSecretFlag,
	SecretVersionFlag,
	DatabaseURLFlag,
	ArchiveFlag,
	GuardianThresholdFlag,
	InviteExpiryFlag,
	TimelockFlag,
	RequestExpiryFlag,
	SessionDurationFlag,
	SessionMaxDurationFlag,
	SessionSpendingLimitFlag,
	ChainIDFlag,
	NotifyLogSecretsFlag,
}
