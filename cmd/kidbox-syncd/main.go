package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vittorioscocca/kidbox-sync/internal/auth"
	"github.com/vittorioscocca/kidbox-sync/internal/config"
	"github.com/vittorioscocca/kidbox-sync/internal/database"
	"github.com/vittorioscocca/kidbox-sync/internal/family"
	"github.com/vittorioscocca/kidbox-sync/internal/logging"
	"github.com/vittorioscocca/kidbox-sync/internal/outbox"
	"github.com/vittorioscocca/kidbox-sync/internal/remote"
	"github.com/vittorioscocca/kidbox-sync/internal/server"
	"github.com/vittorioscocca/kidbox-sync/internal/synccenter"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kidbox-syncd",
		Short: "KidBox offline-first sync daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the sync daemon",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDaemon(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "devserver",
			Short: "Run the development backend",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDevserver(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "token",
			Short: "Issue a device token for the configured device",
			RunE: func(cmd *cobra.Command, args []string) error {
				return issueToken(cmd)
			},
		},
	)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Backend base URL")
	cmd.PersistentFlags().String("remote-token", "", "Backend access token (overrides env)")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Device identifier")
	cmd.PersistentFlags().StringSlice("family-ids", defaults.GetStringSlice("sync.family_ids"), "Family scopes to sync")
	cmd.PersistentFlags().Duration("flush-interval", defaults.GetDuration("sync.flush_interval"), "Periodic outbox flush interval")
	cmd.PersistentFlags().Duration("pull-interval", defaults.GetDuration("sync.pull_interval"), "Periodic incremental pull interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Devserver HTTP listen address")
	cmd.PersistentFlags().String("signing-secret", "", "Devserver token signing secret (overrides env)")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "sync.family_ids", "family-ids")
	bindFlag(cmd, "sync.flush_interval", "flush-interval")
	bindFlag(cmd, "sync.pull_interval", "pull-interval")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateDaemon(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSyncStore(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := family.NewStore(family.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	queue, err := outbox.NewQueue(outbox.QueueConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: outbox.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	gateway, err := remote.NewHTTPGateway(remote.HTTPGatewayConfig{
		BaseURL: appConfig.RemoteBaseURL,
		Token:   appConfig.RemoteToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	orchestrator, err := synccenter.NewOrchestrator(synccenter.Config{
		Store:         store,
		Queue:         queue,
		Gateway:       gateway,
		Clock:         time.Now,
		Logger:        logger,
		FlushInterval: appConfig.FlushInterval,
		PullInterval:  appConfig.PullInterval,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, familyID := range appConfig.FamilyIDs {
		if err := orchestrator.PullChangedSince(signalCtx, familyID); err != nil {
			logger.Warn("initial pull failed",
				zap.String("family_id", familyID),
				zap.Error(err))
		}
		if err := orchestrator.StartFamilyListeners(signalCtx, familyID); err != nil {
			logger.Warn("realtime listeners unavailable",
				zap.String("family_id", familyID),
				zap.Error(err))
		}
		if err := orchestrator.FlushNow(signalCtx, familyID); err != nil {
			logger.Warn("initial flush failed",
				zap.String("family_id", familyID),
				zap.Error(err))
		}
	}

	orchestrator.StartAutoFlush(signalCtx)
	defer orchestrator.StopAutoFlush()
	// Realtime listeners cover one family per entity kind, so with several
	// configured families only the last keeps live subscriptions; the pull
	// loop keeps the remaining scopes converging.
	orchestrator.StartAutoPull(signalCtx, appConfig.FamilyIDs)
	defer orchestrator.StopAutoPull()
	defer orchestrator.StopAllListeners()

	logger.Info("sync daemon started",
		zap.String("device_id", appConfig.DeviceID),
		zap.Strings("family_ids", appConfig.FamilyIDs),
		zap.Duration("flush_interval", appConfig.FlushInterval),
		zap.Duration("pull_interval", appConfig.PullInterval))

	for {
		select {
		case <-signalCtx.Done():
			logger.Info("sync daemon stopping")
			return nil
		case revocation := <-orchestrator.Revocations():
			logger.Warn("family access revoked",
				zap.String("family_id", revocation.FamilyID))
		}
	}
}

func runDevserver(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateDevserver(); err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, &server.RemoteDoc{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:     tokenIssuer,
		Database:   db,
		Dispatcher: server.NewDispatcher(),
		Logger:     logger,
		Clock:      time.Now,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func issueToken(cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if appConfig.DeviceID == "" {
		return fmt.Errorf("device.id is required")
	}
	if appConfig.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}

	issuer := auth.NewDeviceTokenIssuer(auth.DeviceTokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})
	token, expiresIn, err := issuer.IssueDeviceToken(appConfig.DeviceID)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires in %d seconds\n", expiresIn)
	return nil
}
