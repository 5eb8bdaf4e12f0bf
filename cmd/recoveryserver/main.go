package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/seedless-recovery-backend/api/owner"
	"github.com/ruteri/seedless-recovery-backend/api/portal"
	"github.com/ruteri/seedless-recovery-backend/cmd/flags"
	"github.com/ruteri/seedless-recovery-backend/guardian"
	"github.com/ruteri/seedless-recovery-backend/httpserver"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
	"github.com/ruteri/seedless-recovery-backend/recovery"
	"github.com/ruteri/seedless-recovery-backend/sessionkey"
	"github.com/ruteri/seedless-recovery-backend/storage"
	"github.com/ruteri/seedless-recovery-backend/store/memstore"
	"github.com/ruteri/seedless-recovery-backend/store/pgstore"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "recovery-server",
		Usage: "Serve the guardian recovery, portal and session key API",
		Flags: append(append([]cli.Flag{
			flags.ListenAddrFlag,
			flags.LogServiceFlagFn("seedless-recovery"),
		}, flags.CommonFlags...), flags.DomainFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	keys, err := flags.ConfigureKeys(cCtx)
	if err != nil {
		logger.Error("Failed to configure server secrets", "err", err)
		return err
	}
	logger.Info("Key manager initialized", "secretVersion", keys.CurrentVersion())

	var store interfaces.Store
	if dsn := cCtx.String(flags.DatabaseURLFlag.Name); dsn != "" {
		pg, err := pgstore.New(ctx, dsn, logger)
		if err != nil {
			logger.Error("Failed to connect to database", "err", err)
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("Failed to migrate database", "err", err)
			return err
		}
		store = pg
	} else {
		logger.Warn("No database configured, state is kept in memory")
		store = memstore.New()
	}

	var archive interfaces.ShardArchive
	if uris := cCtx.StringSlice(flags.ArchiveFlag.Name); len(uris) > 0 {
		archive, err = storage.NewArchiveFactory(logger).CreateMultiArchive(uris)
		if err != nil {
			logger.Error("Failed to create shard archive", "err", err)
			return err
		}
	}

	notifier := flags.ConfigureNotifier(cCtx, logger)
	clk := clock.New()

	registry, err := guardian.NewRegistry(flags.GuardianConfig(cCtx), store, keys, notifier, archive, clk, logger)
	if err != nil {
		logger.Error("Failed to create guardian registry", "err", err)
		return err
	}
	recoveryService, err := recovery.NewService(flags.RecoveryConfig(cCtx), store, keys, notifier, archive, clk, logger)
	if err != nil {
		logger.Error("Failed to create recovery service", "err", err)
		return err
	}
	sessionCfg, err := flags.SessionConfig(cCtx)
	if err != nil {
		logger.Error("Invalid session key configuration", "err", err)
		return err
	}
	sessions, err := sessionkey.NewService(sessionCfg, store, keys, clk, logger)
	if err != nil {
		logger.Error("Failed to create session key service", "err", err)
		return err
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	server, err := httpserver.New(cfg,
		portal.NewHandler(registry, recoveryService, logger),
		owner.NewHandler(registry, recoveryService, sessions, logger),
	)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Server is running, press Ctrl+C to stop")
	<-sigCtx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
