package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/castellan/docvault/internal/auth"
	"github.com/castellan/docvault/internal/blobstore"
	"github.com/castellan/docvault/internal/config"
	"github.com/castellan/docvault/internal/crypt"
	"github.com/castellan/docvault/internal/database"
	"github.com/castellan/docvault/internal/documents"
	"github.com/castellan/docvault/internal/identifier"
	"github.com/castellan/docvault/internal/logging"
	"github.com/castellan/docvault/internal/sequence"
	"github.com/castellan/docvault/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docvault-api",
		Short: "Document and identifier storage service",
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
	cmd.PersistentFlags().String("storage-root", defaults.GetString("storage.root"), "Root directory for stored document files")
	cmd.PersistentFlags().Int("max-file-size-mb", defaults.GetInt("storage.max_file_size_mb"), "Maximum upload size in megabytes")
	cmd.PersistentFlags().String("document-prefix", defaults.GetString("identifier.document_prefix"), "Identifier prefix for uploaded documents")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Service token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("crypto-secret", "", "Document encryption secret (overrides env)")
	cmd.PersistentFlags().String("service-accounts", "", "Service accounts as id:secret:ROLE triples (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.root", "storage-root")
	bindFlag(cmd, "storage.max_file_size_mb", "max-file-size-mb")
	bindFlag(cmd, "identifier.document_prefix", "document-prefix")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "crypto.secret", "crypto-secret")
	bindFlag(cmd, "auth.service_accounts", "service-accounts")
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

	store, err := blobstore.NewFileStore(blobstore.FileStoreConfig{Root: appConfig.StorageRoot})
	if err != nil {
		return err
	}

	codec, err := crypt.NewCodec([]byte(appConfig.CryptoSecret))
	if err != nil {
		return err
	}

	registry, err := sequence.NewRegistry(sequence.RegistryConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	resolver, err := documents.NewRegistryResolver(db, time.Now)
	if err != nil {
		return err
	}

	documentPrefix, err := identifier.NewPrefix(appConfig.DocumentPrefix)
	if err != nil {
		return err
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:         db,
		Blobs:            store,
		Codec:            codec,
		Identifiers:      registry,
		Entities:         resolver,
		IDProvider:       documents.NewUUIDProvider(),
		Logger:           logger,
		DocumentPrefix:   documentPrefix,
		MaxFileSizeBytes: appConfig.MaxFileSizeBytes,
		AllowedMIMETypes: appConfig.AllowedMIMETypes,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "docvault-auth",
		Audience:      "docvault-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	accounts, err := auth.ParseServiceAccounts(appConfig.ServiceAccounts)
	if err != nil {
		return err
	}
	credentials, err := auth.NewCredentialRegistry(accounts)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Credentials:     credentials,
		TokenManager:    tokenManager,
		DocumentService: documentService,
		Logger:          logger,
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
