package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/timekeeper/internal/auth"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/config"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/database"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/logging"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/realtime"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/server"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/ticker"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/timers"
	"github.com/MarcoPoloResearchLab/timekeeper/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "timekeeper-api",
		Short: "Timekeeper time tracking service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("signing-secret", "", "Session cookie signing secret (overrides env)")
	cmd.PersistentFlags().Int("bcrypt-cost", defaults.GetInt("auth.bcrypt_cost"), "bcrypt cost factor for password hashes")
	cmd.PersistentFlags().Int("tick-interval-ms", defaults.GetInt("ticker.interval_ms"), "Milliseconds between progress ticks")
	cmd.PersistentFlags().Int("tick-concurrency", defaults.GetInt("ticker.concurrency"), "Parallel timer updates and pushes per tick")
	cmd.PersistentFlags().Int("write-timeout-ms", defaults.GetInt("realtime.write_timeout_ms"), "Realtime write deadline in milliseconds")
	cmd.PersistentFlags().Int("ping-interval-ms", defaults.GetInt("realtime.ping_interval_ms"), "Realtime keepalive ping interval in milliseconds")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated cross-origin allow list")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.bcrypt_cost", "bcrypt-cost")
	bindFlag(cmd, "ticker.interval_ms", "tick-interval-ms")
	bindFlag(cmd, "ticker.concurrency", "tick-concurrency")
	bindFlag(cmd, "realtime.write_timeout_ms", "write-timeout-ms")
	bindFlag(cmd, "realtime.ping_interval_ms", "ping-interval-ms")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		BcryptCost: appConfig.BcryptCost,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	timerService, err := timers.NewService(timers.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionStore(auth.SessionStoreConfig{Database: db})
	if err != nil {
		return err
	}
	signer, err := auth.NewCookieSigner(auth.CookieSignerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
	})
	if err != nil {
		return err
	}
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Sessions:   sessions,
		Users:      userService,
		Signer:     signer,
		CookieName: appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	realtimeManager, err := realtime.NewManager(realtime.ManagerConfig{
		Timers:       timerService,
		Users:        userService,
		Logger:       logger,
		WriteTimeout: appConfig.WriteTimeout,
		PingInterval: appConfig.PingInterval,
		FanOut:       appConfig.TickConcurrency,
		CheckOrigin:  server.NewOriginChecker(appConfig.AllowedOrigins),
	})
	if err != nil {
		return err
	}

	progressTicker, err := ticker.New(ticker.Config{
		Timers:      timerService,
		Broadcaster: realtimeManager,
		Interval:    appConfig.TickInterval,
		Concurrency: appConfig.TickConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Users:          userService,
		Authenticator:  authenticator,
		Timers:         timerService,
		Realtime:       realtimeManager,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
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

	tickerDone := make(chan struct{})
	go func() {
		defer close(tickerDone)
		progressTicker.Run(signalCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Duration("tick_interval", appConfig.TickInterval))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		realtimeManager.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-tickerDone
		return err
	case err := <-errCh:
		stop()
		<-tickerDone
		realtimeManager.CloseAll()
		return err
	}
}
