package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/feedsync/internal/assembler"
	"github.com/MarcoPoloResearchLab/feedsync/internal/auth"
	"github.com/MarcoPoloResearchLab/feedsync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/feedsync/internal/config"
	"github.com/MarcoPoloResearchLab/feedsync/internal/contentstore"
	"github.com/MarcoPoloResearchLab/feedsync/internal/database"
	"github.com/MarcoPoloResearchLab/feedsync/internal/feed"
	"github.com/MarcoPoloResearchLab/feedsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/feedsync/internal/kvstore"
	"github.com/MarcoPoloResearchLab/feedsync/internal/logging"
	"github.com/MarcoPoloResearchLab/feedsync/internal/natsbridge"
	"github.com/MarcoPoloResearchLab/feedsync/internal/notify"
	"github.com/MarcoPoloResearchLab/feedsync/internal/server"
	"github.com/MarcoPoloResearchLab/feedsync/internal/session"
	"github.com/MarcoPoloResearchLab/feedsync/internal/snapshot"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedsync",
		Short: "Feed synchronization backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newTokenCommand() *cobra.Command {
	var viewerID, displayName string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a viewer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return issueToken(cmd, viewerID, displayName)
		},
	}
	cmd.Flags().StringVar(&viewerID, "viewer", "", "Viewer account ID")
	cmd.Flags().StringVar(&displayName, "name", "", "Viewer display name")
	if err := cmd.MarkFlagRequired("viewer"); err != nil {
		panic(err)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins; empty allows any")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Viewer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Viewer token signing secret (overrides env)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("feed.page_size"), "Feed page size")
	cmd.PersistentFlags().String("snapshot-backend", defaults.GetString("snapshot.backend"), "Snapshot backend (sqlite, redis)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the redis snapshot backend")
	cmd.PersistentFlags().String("nats-url", defaults.GetString("nats.url"), "NATS URL for cross-session broadcast; empty disables it")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "feed.page_size", "page-size")
	bindFlag(cmd, "snapshot.backend", "snapshot-backend")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "nats.url", "nats-url")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func issueToken(cmd *cobra.Command, viewerID, displayName string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	viewer, err := feed.NewViewerID(viewerID)
	if err != nil {
		return err
	}
	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueViewerToken(cmd.Context(), viewer.String(), strings.TrimSpace(displayName))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %ds\n", token, expiresIn)
	return err
}

func openSnapshotStore(appConfig config.AppConfig, db *gorm.DB) (snapshot.Store, func() error, error) {
	if appConfig.SnapshotBackend == config.SnapshotBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		store, err := kvstore.NewRedisStore(client, appConfig.SnapshotTTL)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil
	}
	store, err := kvstore.NewSQLStore(db, time.Now)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

// remoteBridge connects to NATS when configured. Without a URL sessions
// broadcast locally only.
func remoteBridge(appConfig config.AppConfig, logger *zap.Logger) (broadcast.RemotePublisher, session.AttachFunc, func(), error) {
	if appConfig.NATSURL == "" {
		return nil, nil, func() {}, nil
	}
	conn, err := nats.Connect(appConfig.NATSURL, nats.Name("feedsync"))
	if err != nil {
		return nil, nil, nil, err
	}
	publisher, err := natsbridge.NewPublisher(conn, logger)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}
	attach := func(s *session.Session) (func() error, error) {
		listener := natsbridge.NewListener(s.Viewer(), s.ID(), func(ctx context.Context, event broadcast.Event) {
			s.ApplyRemoteMutation(ctx, event)
		}, logger)
		return listener.Listen(conn)
	}
	return publisher, attach, conn.Close, nil
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

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	contentStore, err := contentstore.New(contentstore.Config{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	directory, err := accounts.NewDirectory(accounts.DirectoryConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	contentGateway, err := gateway.New(gateway.Config{Store: contentStore, Graph: directory, Logger: logger})
	if err != nil {
		return err
	}
	feedAssembler, err := assembler.New(assembler.Config{
		Source:   contentGateway,
		PageSize: appConfig.PageSize,
		Kinds:    feed.Kinds(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	snapshotStore, closeSnapshotStore, err := openSnapshotStore(appConfig, db)
	if err != nil {
		return err
	}
	defer closeSnapshotStore() //nolint:errcheck
	snapshotCache, err := snapshot.New(snapshot.Config{Store: snapshotStore, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}

	notificationSink, err := notify.NewSQLSink(db, time.Now)
	if err != nil {
		return err
	}
	notifier, err := notify.NewDispatcher(notify.Config{Sink: notificationSink, Logger: logger})
	if err != nil {
		return err
	}
	defer notifier.Wait()

	remote, attach, closeRemote, err := remoteBridge(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	registry := session.NewRegistry(session.RegistryConfig{
		Template: session.Config{
			Assembler: feedAssembler,
			Gateway:   contentGateway,
			Store:     contentStore,
			Graph:     directory,
			Cache:     snapshotCache,
			Notifier:  notifier,
			Remote:    remote,
			Clock:     time.Now,
			Logger:    logger,
		},
		Attach: attach,
		Logger: logger,
	})
	defer registry.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokenIssuer,
		Sessions:       registry,
		Heartbeat:      appConfig.Heartbeat,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("snapshot_backend", appConfig.SnapshotBackend),
			zap.Bool("remote_broadcast", remote != nil))
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
		contentStore.DisconnectSubscribers()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
