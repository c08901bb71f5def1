package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"

	"slotd/internal/booking"
	"slotd/internal/config"
	"slotd/internal/dispatch"
	"slotd/internal/httpapi"
	"slotd/internal/merge"
	"slotd/internal/models"
	"slotd/internal/poll"
	"slotd/internal/provider"
	caldavprovider "slotd/internal/provider/caldav"
	googleprovider "slotd/internal/provider/google"
	outlookprovider "slotd/internal/provider/outlook"
	"slotd/internal/webhook"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "slotd",
		Usage: "Calendar availability and synchronization service.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "config.yaml", Usage: "Path to the YAML config file."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			resyncCommand(),
			authCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and the webhook sync orchestrator.",
		Action: func(c *cli.Context) error {
			logger := setupLogger(os.Getenv("LOG_LEVEL"))

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			store, err := openStore(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			registry, err := buildRegistry(logger, cfg)
			if err != nil {
				return err
			}

			merger := merge.NewMerger(logger, registry, store)
			resolver := booking.NewResolver(store)
			locks := webhook.NewChannelLocks(cfg.LockTTL, time.Now)
			cache := webhook.NewSnapshotCache()
			orchestrator := webhook.NewOrchestrator(logger, locks, registry, store, cache, cfg.Horizon(), time.Now)
			dispatcher := dispatch.NewDispatcher(logger, registry, store)

			scheduler := cron.New()
			if _, err := scheduler.AddFunc(cfg.ResyncCron, func() {
				if err := orchestrator.SyncAll(context.Background()); err != nil {
					logger.Error("Scheduled re-sync failed", "error", err)
				}
			}); err != nil {
				return fmt.Errorf("invalid resync schedule %q: %w", cfg.ResyncCron, err)
			}
			scheduler.Start()
			defer scheduler.Stop()

			server := &http.Server{
				Addr:    cfg.Listen,
				Handler: httpapi.NewServer(logger, store, merger, resolver, orchestrator, dispatcher),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server listening", "addr", cfg.Listen)
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return fmt.Errorf("http server: %w", err)
			case sig := <-sigCh:
				logger.Info("Shutting down", "signal", sig.String())
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func resyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "resync",
		Usage: "Run a full snapshot re-sync of all sync-enabled calendars and exit.",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "List the calendars that would be synced without syncing."},
		},
		Action: func(c *cli.Context) error {
			logger := setupLogger(os.Getenv("LOG_LEVEL"))

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			store, err := openStore(c.Context, logger, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if c.Bool("dry-run") {
				cals, err := store.ListSyncEnabledCalendars(c.Context)
				if err != nil {
					return err
				}
				for _, cal := range cals {
					logger.Info("Would sync", "calendar", cal.Key(), "account", cal.AccountAddress)
				}
				return nil
			}

			registry, err := buildRegistry(logger, cfg)
			if err != nil {
				return err
			}
			locks := webhook.NewChannelLocks(cfg.LockTTL, time.Now)
			cache := webhook.NewSnapshotCache()
			orchestrator := webhook.NewOrchestrator(logger, locks, registry, store, cache, cfg.Horizon(), time.Now)
			return orchestrator.SyncAll(c.Context)
		},
	}
}

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate a Google account and save its API token.",
		Action: func(c *cli.Context) error {
			logger := setupLogger("info")
			logger.Info("Starting Google authentication flow.")

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}

			oauthCfg, err := googleprovider.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret)
			if err != nil {
				return fmt.Errorf("failed to get google oauth config: %w", err)
			}

			authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			reader := bufio.NewReader(os.Stdin)
			fmt.Print("Enter Authorization Code: ")
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := googleprovider.ExchangeAuthCode(c.Context, oauthCfg, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}

			fmt.Print("Enter the account address this token belongs to: ")
			account, _ := reader.ReadString('\n')
			account = strings.TrimSpace(account)

			tokens := provider.NewFileTokenStore(filepath.Join(cfg.Google.TokenDir, "google"), oauthCfg)
			if err := tokens.Save(account, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			logger.Info("Successfully authenticated and saved token.", "account", account)
			return nil
		},
	}
}

// openStore selects Postgres when a DSN is configured, the in-memory store
// otherwise, and waits for the database to become reachable.
func openStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (booking.Store, error) {
	if cfg.Database.DSN == "" {
		logger.Info("Using in-memory store")
		return booking.NewMemoryStore(), nil
	}

	store, err := booking.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}

	outcome, err := poll.Wait(ctx, time.Second, 30*time.Second, func(ctx context.Context) (bool, error) {
		if err := store.Ping(ctx); err != nil {
			logger.Debug("Database not ready yet", "error", err)
			return false, nil
		}
		return true, nil
	})
	if outcome != poll.Completed {
		store.Close()
		if err != nil {
			return nil, fmt.Errorf("database not reachable: %w", err)
		}
		return nil, fmt.Errorf("database not reachable: %s", outcome)
	}
	logger.Info("Connected to Postgres")
	return store, nil
}

func buildRegistry(logger *slog.Logger, cfg config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	if cfg.Google.ClientID != "" {
		oauthCfg, err := googleprovider.OAuthConfig(cfg.Google.ClientID, cfg.Google.ClientSecret)
		if err != nil {
			return nil, err
		}
		tokens := provider.NewFileTokenStore(filepath.Join(cfg.Google.TokenDir, "google"), oauthCfg)
		if err := registry.Register(googleprovider.New(logger, tokens)); err != nil {
			return nil, err
		}
	}

	if cfg.Outlook.ClientID != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			Scopes:       []string{"Calendars.ReadWrite", "offline_access"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
				TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			},
		}
		tokens := provider.NewFileTokenStore(filepath.Join(cfg.Outlook.TokenDir, "outlook"), oauthCfg)
		if err := registry.Register(outlookprovider.New(logger, tokens, "")); err != nil {
			return nil, err
		}
	}

	if cfg.CalDAV.Username != "" {
		creds := staticCalDAVCreds{username: cfg.CalDAV.Username, password: cfg.CalDAV.Password}
		if err := registry.Register(caldavprovider.New(logger, creds, cfg.CalDAV.Endpoint)); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

type staticCalDAVCreds struct {
	username, password string
}

func (c staticCalDAVCreds) Credentials(ctx context.Context, cal models.ConnectedCalendar) (string, string, error) {
	return c.username, c.password, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}
