package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/config"
	"github.com/MarcoPoloResearchLab/tether/internal/database"
	"github.com/MarcoPoloResearchLab/tether/internal/fanout"
	"github.com/MarcoPoloResearchLab/tether/internal/logging"
	"github.com/MarcoPoloResearchLab/tether/internal/registry"
	"github.com/MarcoPoloResearchLab/tether/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tether-api",
		Short: "Tether realtime presence and messaging service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("registry-store", defaults.GetString("registry.store"), "Registry store backend (sqlite, redis)")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for the registry store")
	cmd.PersistentFlags().Int64("connection-ttl-seconds", defaults.GetInt64("realtime.connection_ttl_seconds"), "Connection registry record TTL in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Credential signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "registry.store", "registry-store")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "realtime.connection_ttl_seconds", "connection-ttl-seconds")
	bindFlag(cmd, "log.level", "log-level")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := registry.NewStore(registry.StoreConfig{
		Type:   registry.StoreType(appConfig.RegistryStore),
		SQLite: registry.SQLiteStoreConfig{Database: db},
		Redis: registry.RedisStoreConfig{
			Addr:      appConfig.RedisAddr,
			Password:  appConfig.RedisPassword,
			DB:        appConfig.RedisDB,
			KeyPrefix: appConfig.RedisKeyPrefix,
		},
	})
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	registryService, err := registry.NewService(registry.ServiceConfig{
		Store:                store,
		ConnectionTTLSeconds: appConfig.ConnectionTTLSeconds,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	hub := server.NewHub()
	broadcaster, err := fanout.NewBroadcaster(fanout.BroadcasterConfig{
		Lookup: registryService,
		Sink:   hub,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	credentialIssuer := auth.NewCredentialIssuer(auth.CredentialIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		CredentialTTL: appConfig.CredentialTTL,
	})
	assertionVerifier := auth.NewAssertionVerifier(auth.AssertionVerifierConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:    assertionVerifier,
		Credentials: credentialIssuer,
		Registry:    registryService,
		Hub:         hub,
		Broadcaster: broadcaster,
		Logger:      logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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
