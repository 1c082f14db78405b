package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/inkwell-cms/inkwell/backend/internal/auth"
	"github.com/inkwell-cms/inkwell/backend/internal/config"
	"github.com/inkwell-cms/inkwell/backend/internal/database"
	"github.com/inkwell-cms/inkwell/backend/internal/editor"
	"github.com/inkwell-cms/inkwell/backend/internal/githost"
	"github.com/inkwell-cms/inkwell/backend/internal/importer"
	"github.com/inkwell-cms/inkwell/backend/internal/logging"
	"github.com/inkwell-cms/inkwell/backend/internal/server"
	"github.com/inkwell-cms/inkwell/backend/internal/store"
	"github.com/inkwell-cms/inkwell/backend/internal/webhook"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "inkwell-api",
		Short: "Inkwell content cache backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("githost-base-url", defaults.GetString("githost.base_url"), "Source host API base URL")
	cmd.PersistentFlags().String("githost-token", "", "Source host API token (overrides env)")
	cmd.PersistentFlags().String("webhook-secret", "", "Webhook signing secret (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().Int64("import-concurrency", defaults.GetInt64("import.concurrency"), "Concurrent file fetches per import run")
	cmd.PersistentFlags().Int64("import-timeout-seconds", defaults.GetInt64("import.timeout_s"), "Import run timeout in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "githost.base_url", "githost-base-url")
	bindFlag(cmd, "githost.token", "githost-token")
	bindFlag(cmd, "webhook.secret", "webhook-secret")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "import.concurrency", "import-concurrency")
	bindFlag(cmd, "import.timeout_s", "import-timeout-seconds")
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

	mapper, err := store.NewMapper(store.MapperConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	hostClient, err := githost.NewRESTClient(githost.RESTClientConfig{
		BaseURL: appConfig.GitHostBaseURL,
		Token:   appConfig.GitHostToken,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	importerService, err := importer.NewService(importer.ServiceConfig{
		Store:       mapper,
		Host:        hostClient,
		Logger:      logger,
		Concurrency: appConfig.ImportConcurrency,
		Timeout:     appConfig.ImportTimeout,
	})
	if err != nil {
		return err
	}

	editorService, err := editor.NewService(editor.ServiceConfig{
		Store:  mapper,
		Host:   hostClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	resolver, err := webhook.NewStoreResolver(mapper)
	if err != nil {
		return err
	}

	webhookHandler, err := webhook.NewHandler(webhook.HandlerConfig{
		Secret:   []byte(appConfig.WebhookSecret),
		Resolver: resolver,
		Importer: importerService,
		HostFactory: func(token string) githost.Client {
			return hostClient.WithToken(token)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	tokenValidator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Webhook:  webhookHandler,
		Importer: importerService,
		Editor:   editorService,
		Store:    mapper,
		Tokens:   tokenValidator,
		Logger:   logger,
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
