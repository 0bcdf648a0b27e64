package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quandr3/backend/internal/auth"
	"github.com/quandr3/backend/internal/config"
	"github.com/quandr3/backend/internal/database"
	"github.com/quandr3/backend/internal/feed"
	"github.com/quandr3/backend/internal/logging"
	"github.com/quandr3/backend/internal/quandr3s"
	"github.com/quandr3/backend/internal/reports"
	"github.com/quandr3/backend/internal/server"
	"github.com/quandr3/backend/internal/users"
	"github.com/quandr3/backend/internal/votes"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quandr3-api",
		Short: "Quandr3 dilemma backend service",
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
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "Database URL (postgres:// or sqlite://)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("auth.session_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("link-ttl-minutes", defaults.GetInt("auth.link_ttl_minutes"), "Magic link token TTL in minutes")
	cmd.PersistentFlags().Int("feed-page-size", defaults.GetInt("feed.page_size"), "Default feed page size")
	cmd.PersistentFlags().String("sweep-schedule", defaults.GetString("sweep.schedule"), "Cron schedule for the awaiting-resolution sweep")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.session_ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "auth.link_ttl_minutes", "link-ttl-minutes")
	bindFlag(cmd, "feed.page_size", "feed-page-size")
	bindFlag(cmd, "sweep.schedule", "sweep-schedule")
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

	db, err := database.Open(appConfig.DatabaseURL, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := quandr3s.NewUUIDProvider()

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "quandr3-auth",
		Audience:      "quandr3-api",
		SessionTTL:    appConfig.SessionTTL,
	})

	magicLink, err := auth.NewMagicLink(auth.MagicLinkConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "quandr3-auth",
		LinkTTL:       appConfig.LinkTTL,
		Sender:        auth.LogSender{Logger: logger},
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	quandr3Service, err := quandr3s.NewService(quandr3s.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	voteService, err := votes.NewService(votes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	feedComposer, err := feed.NewComposer(feed.ComposerConfig{
		Database:    db,
		Logger:      logger,
		PageSize:    appConfig.FeedPageSize,
		MaxPageSize: appConfig.FeedMaxPageSize,
	})
	if err != nil {
		return err
	}

	reportService, err := reports.NewService(reports.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		MagicLink:      magicLink,
		TokenManager:   tokenManager,
		Users:          userService,
		Quandr3Service: quandr3Service,
		VoteService:    voteService,
		FeedComposer:   feedComposer,
		ReportService:  reportService,
		Logger:         logger,
		CookieName:     appConfig.CookieName,
		Clock:          time.Now,
	})
	if err != nil {
		return err
	}

	sweeper := cron.New()
	_, err = sweeper.AddFunc(appConfig.SweepSchedule, func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := quandr3Service.SweepAwaitingResolution(sweepCtx); err != nil {
			logger.Error("awaiting-resolution sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

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
